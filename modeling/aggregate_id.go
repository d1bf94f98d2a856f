// Package modeling 定义聚合标识、版本常量与分片规则。
package modeling

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

const (
	// UninitializedVersion 尚未追加过任何事件流的聚合版本
	UninitializedVersion uint64 = 0

	// InitialVersion 聚合第一条事件流的版本
	InitialVersion uint64 = 1

	// MaxVersion 加载时表示“直到最新”的上界
	MaxVersion uint64 = math.MaxInt32

	// DefaultTenantID 未指定租户时使用的租户标识
	DefaultTenantID = "(0)"
)

// ErrInvalidAggregateId 聚合标识缺少必填字段
var ErrInvalidAggregateId = errors.New("invalid aggregate id")

// NamedAggregate 限界上下文内的聚合类型
type NamedAggregate struct {
	ContextName   string `json:"contextName" yaml:"context"`
	AggregateName string `json:"aggregateName" yaml:"aggregate"`
}

// NewNamedAggregate 创建聚合类型
func NewNamedAggregate(contextName, aggregateName string) NamedAggregate {
	return NamedAggregate{ContextName: contextName, AggregateName: aggregateName}
}

// String 返回 context.aggregate
func (n NamedAggregate) String() string {
	return n.ContextName + "." + n.AggregateName
}

// IsZero 未设置上下文与聚合名
func (n NamedAggregate) IsZero() bool {
	return n.ContextName == "" && n.AggregateName == ""
}

// Validate 上下文名与聚合名都必须非空且不含 '.'
func (n NamedAggregate) Validate() error {
	if n.ContextName == "" || n.AggregateName == "" {
		return fmt.Errorf("%w: empty context or aggregate name", ErrInvalidAggregateId)
	}
	if strings.Contains(n.ContextName, ".") || strings.Contains(n.AggregateName, ".") {
		return fmt.Errorf("%w: names must not contain '.'", ErrInvalidAggregateId)
	}
	return nil
}

// Aggregate 以该类型创建聚合实例标识
func (n NamedAggregate) Aggregate(id string) AggregateId {
	return NewAggregateId(n, id, "")
}

// ParseNamedAggregate 解析 context.aggregate 形式
func ParseNamedAggregate(s string) (NamedAggregate, error) {
	ctxName, aggName, ok := strings.Cut(s, ".")
	n := NamedAggregate{ContextName: ctxName, AggregateName: aggName}
	if !ok {
		return n, fmt.Errorf("%w: %q is not context.aggregate", ErrInvalidAggregateId, s)
	}
	return n, n.Validate()
}

// AggregateId 聚合实例标识，结构相等即为同一聚合，可直接作为 map key
type AggregateId struct {
	NamedAggregate
	ID       string `json:"id"`
	TenantID string `json:"tenantId"`
}

// NewAggregateId 创建聚合标识，tenantID 为空时使用 DefaultTenantID
func NewAggregateId(named NamedAggregate, id, tenantID string) AggregateId {
	if tenantID == "" {
		tenantID = DefaultTenantID
	}
	return AggregateId{NamedAggregate: named, ID: id, TenantID: tenantID}
}

// Validate 类型与实例 ID 必填
func (a AggregateId) Validate() error {
	if err := a.NamedAggregate.Validate(); err != nil {
		return err
	}
	if a.ID == "" {
		return fmt.Errorf("%w: empty id for %s", ErrInvalidAggregateId, a.NamedAggregate)
	}
	return nil
}

// Tenant 返回租户标识，空值按默认租户处理
func (a AggregateId) Tenant() string {
	if a.TenantID == "" {
		return DefaultTenantID
	}
	return a.TenantID
}

// Normalized 返回租户已补全为默认值的标识，空租户与默认租户是同一个聚合
func (a AggregateId) Normalized() AggregateId {
	a.TenantID = a.Tenant()
	return a
}

// String 返回 context.aggregate/tenant/id，用于日志与存储键
func (a AggregateId) String() string {
	return a.NamedAggregate.String() + "/" + a.Tenant() + "/" + a.ID
}
