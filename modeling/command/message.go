// Package command 实现命令处理循环：加载状态、纯决策、追加事件流，冲突时基于最新状态重试。
package command

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"evtcore/modeling"
)

// 内置的聚合生命周期命令
const (
	DeleteAggregateCommand  = "delete_aggregate"
	RecoverAggregateCommand = "recover_aggregate"
)

// CommandMessage 发往某个聚合的命令
type CommandMessage struct {
	ID          string               `json:"id"`
	RequestID   string               `json:"requestId"`
	AggregateId modeling.AggregateId `json:"aggregateId"`
	Name        string               `json:"name"`
	Body        json.RawMessage      `json:"body,omitempty"`

	// AggregateVersion 非空时要求聚合当前版本与之相等
	AggregateVersion *uint64 `json:"aggregateVersion,omitempty"`

	// IsCreate 创建命令，聚合必须尚未初始化
	IsCreate bool `json:"isCreate,omitempty"`

	// AllowCreate 非创建命令也允许作用于未初始化的聚合
	AllowCreate bool `json:"allowCreate,omitempty"`

	Header     map[string]string `json:"header,omitempty"`
	CreateTime time.Time         `json:"createTime"`
}

// NewCommandMessage 创建命令，ID 使用 UUID，RequestID 默认与 ID 相同
func NewCommandMessage(id modeling.AggregateId, name string, body any) (*CommandMessage, error) {
	var raw json.RawMessage
	switch b := body.(type) {
	case nil:
	case json.RawMessage:
		raw = b
	default:
		encoded, err := json.Marshal(b)
		if err != nil {
			return nil, fmt.Errorf("encode command %s body: %w", name, err)
		}
		raw = encoded
	}
	cmdID := uuid.NewString()
	return &CommandMessage{
		ID:          cmdID,
		RequestID:   cmdID,
		AggregateId: id,
		Name:        name,
		Body:        raw,
		CreateTime:  time.Now().UTC(),
	}, nil
}

// WithRequestID 设置幂等键（链式调用）
func (c *CommandMessage) WithRequestID(requestID string) *CommandMessage {
	c.RequestID = requestID
	return c
}

// WithExpectedVersion 要求聚合处于指定版本
func (c *CommandMessage) WithExpectedVersion(version uint64) *CommandMessage {
	c.AggregateVersion = &version
	return c
}

// AsCreate 标记为创建命令
func (c *CommandMessage) AsCreate() *CommandMessage {
	c.IsCreate = true
	return c
}

// WithHeader 添加头信息，会随事件流一起持久化
func (c *CommandMessage) WithHeader(key, value string) *CommandMessage {
	if c.Header == nil {
		c.Header = make(map[string]string)
	}
	c.Header[key] = value
	return c
}

// EffectiveRequestID 幂等键，未设置时回退到命令 ID
func (c *CommandMessage) EffectiveRequestID() string {
	if c.RequestID == "" {
		return c.ID
	}
	return c.RequestID
}

// Decode 解码命令体
func (c *CommandMessage) Decode(v any) error {
	if len(c.Body) == 0 {
		return nil
	}
	if err := json.Unmarshal(c.Body, v); err != nil {
		return fmt.Errorf("decode command %s body: %w", c.Name, err)
	}
	return nil
}

// Validate 结构检查
func (c *CommandMessage) Validate() error {
	if c == nil {
		return fmt.Errorf("%w: nil command", modeling.ErrPrecondition)
	}
	if c.ID == "" || c.Name == "" {
		return fmt.Errorf("%w: command requires id and name", modeling.ErrPrecondition)
	}
	if err := c.AggregateId.Validate(); err != nil {
		return fmt.Errorf("%w: %v", modeling.ErrPrecondition, err)
	}
	return nil
}
