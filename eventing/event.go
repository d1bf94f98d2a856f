// Package eventing 定义领域事件与事件流，以及事件存储层共享的错误类型。
package eventing

import (
	"encoding/json"
	"fmt"
	"time"

	"evtcore/codegen/snowflake"
	"evtcore/modeling"
)

// DefaultRevision 事件结构版本的缺省值
const DefaultRevision = "0.0.1"

// DomainEvent 单个领域事件
//
// 同一事件流中的事件共享流的 Version，Sequence 从 1 开始递增。
type DomainEvent struct {
	ID         string            `json:"id"`
	Name       string            `json:"name"`
	Revision   string            `json:"revision,omitempty"`
	Version    uint64            `json:"version"`
	Sequence   int               `json:"sequence"`
	Body       json.RawMessage   `json:"body"`
	Header     map[string]string `json:"header,omitempty"`
	CreateTime time.Time         `json:"createTime"`
}

// Decode 将事件体反序列化到 v
func (e DomainEvent) Decode(v any) error {
	if len(e.Body) == 0 {
		return nil
	}
	if err := json.Unmarshal(e.Body, v); err != nil {
		return fmt.Errorf("decode event %s body: %w", e.Name, err)
	}
	return nil
}

// EventBody 业务决策产生的事件内容，尚未分配版本
type EventBody struct {
	Name     string
	Revision string
	Payload  any
	Header   map[string]string
}

// NewEventBody 创建事件内容
func NewEventBody(name string, payload any) EventBody {
	return EventBody{Name: name, Payload: payload}
}

func (b EventBody) encode() (json.RawMessage, error) {
	switch p := b.Payload.(type) {
	case nil:
		return json.RawMessage("{}"), nil
	case json.RawMessage:
		return p, nil
	case []byte:
		return json.RawMessage(p), nil
	default:
		raw, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("encode event %s body: %w", b.Name, err)
		}
		return raw, nil
	}
}

// 聚合生命周期事件名
const (
	// AggregateDeletedEvent 聚合被标记删除
	AggregateDeletedEvent = "aggregate_deleted"
	// AggregateRecoveredEvent 已删除聚合被恢复
	AggregateRecoveredEvent = "aggregate_recovered"
)

// DomainEventStream 一次命令产生的事件集合，持久化与并发控制的最小单位
type DomainEventStream struct {
	ID          string               `json:"id"`
	AggregateId modeling.AggregateId `json:"aggregateId"`
	Version     uint64               `json:"version"`
	RequestID   string               `json:"requestId"`
	CommandID   string               `json:"commandId"`
	Header      map[string]string    `json:"header,omitempty"`
	Events      []DomainEvent        `json:"body"`
	CreateTime  time.Time            `json:"createTime"`
}

// NewDomainEventStream 以 version 为版本把事件内容组装成事件流
//
// requestID 为空时使用 commandID；所有时间戳截断到毫秒，保证各存储后端往返一致。
func NewDomainEventStream(
	aggregateId modeling.AggregateId,
	version uint64,
	requestID, commandID string,
	header map[string]string,
	bodies []EventBody,
	now time.Time,
) (*DomainEventStream, error) {
	if len(bodies) == 0 {
		return nil, fmt.Errorf("%w: event stream must contain at least one event", modeling.ErrPrecondition)
	}
	if requestID == "" {
		requestID = commandID
	}
	createTime := now.UTC().Truncate(time.Millisecond)
	events := make([]DomainEvent, 0, len(bodies))
	for i, b := range bodies {
		if b.Name == "" {
			return nil, fmt.Errorf("%w: event name must not be empty", modeling.ErrPrecondition)
		}
		raw, err := b.encode()
		if err != nil {
			return nil, err
		}
		revision := b.Revision
		if revision == "" {
			revision = DefaultRevision
		}
		events = append(events, DomainEvent{
			ID:         snowflake.NewString(),
			Name:       b.Name,
			Revision:   revision,
			Version:    version,
			Sequence:   i + 1,
			Body:       raw,
			Header:     b.Header,
			CreateTime: createTime,
		})
	}
	return &DomainEventStream{
		ID:          snowflake.NewString(),
		AggregateId: aggregateId,
		Version:     version,
		RequestID:   requestID,
		CommandID:   commandID,
		Header:      header,
		Events:      events,
		CreateTime:  createTime,
	}, nil
}

// Size 事件数量
func (s *DomainEventStream) Size() int {
	return len(s.Events)
}

// IsInitialVersion 是否为聚合第一条事件流
func (s *DomainEventStream) IsInitialVersion() bool {
	return s.Version == modeling.InitialVersion
}

// Validate 存储前的结构检查
func (s *DomainEventStream) Validate() error {
	if s == nil {
		return fmt.Errorf("%w: nil event stream", modeling.ErrPrecondition)
	}
	if err := s.AggregateId.Validate(); err != nil {
		return fmt.Errorf("%w: %v", modeling.ErrPrecondition, err)
	}
	if s.Version < modeling.InitialVersion {
		return fmt.Errorf("%w: stream version %d below initial version", modeling.ErrPrecondition, s.Version)
	}
	if s.RequestID == "" {
		return fmt.Errorf("%w: empty request id", modeling.ErrPrecondition)
	}
	if len(s.Events) == 0 {
		return fmt.Errorf("%w: empty event stream", modeling.ErrPrecondition)
	}
	return nil
}

// Marshal 以 JSON 编码事件流，供存储后端与消息总线使用
func (s *DomainEventStream) Marshal() ([]byte, error) {
	return json.Marshal(s)
}

// UnmarshalStream 解码 Marshal 的结果
func UnmarshalStream(data []byte) (*DomainEventStream, error) {
	var s DomainEventStream
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode event stream: %w", err)
	}
	return &s, nil
}
