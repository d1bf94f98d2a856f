// Package store 定义事件存储接口与内存实现。
package store

import (
	"context"
	"time"

	"evtcore/eventing"
	"evtcore/modeling"
)

// IEventStore 聚合事件流的持久化接口
//
// 语义约定（所有后端一致）：
//   - Append 原子地写入一条事件流；该聚合上已存在同版本时返回
//     *eventing.EventVersionConflictError，同一 requestId 已写入时返回
//     *eventing.DuplicateRequestIdError，两项检查与写入在同一原子操作内完成；
//   - Load 返回 [head, tail] 闭区间内的事件流，按版本升序；
//   - LoadByTime 返回创建时间落在 [headTime, tailTime] 闭区间内的事件流；
//   - Last 返回最新事件流，聚合不存在时返回 (nil, nil)；
//   - ScanAggregateId 按 (ID, TenantID) 升序返回严格大于 after 的最多 limit 个聚合。
//
// 后端只给出原始结果，参数校验、初始版本冲突映射与连续性检查由 Checked 统一完成。
type IEventStore interface {
	Append(ctx context.Context, stream *eventing.DomainEventStream) error
	Load(ctx context.Context, id modeling.AggregateId, headVersion, tailVersion uint64) ([]*eventing.DomainEventStream, error)
	LoadByTime(ctx context.Context, id modeling.AggregateId, headTime, tailTime time.Time) ([]*eventing.DomainEventStream, error)
	Last(ctx context.Context, id modeling.AggregateId) (*eventing.DomainEventStream, error)
	ScanAggregateId(ctx context.Context, named modeling.NamedAggregate, after modeling.AggregateId, limit int) ([]modeling.AggregateId, error)
}

// IRequestIndex 可选接口：按 requestId 查找已持久化的事件流
//
// 命令重放遇到 DuplicateRequestId 时，通过它返回原始结果；未找到返回 (nil, nil)。
type IRequestIndex interface {
	FindByRequestID(ctx context.Context, id modeling.AggregateId, requestID string) (*eventing.DomainEventStream, error)
}

// ScanKey 聚合扫描游标的排序键
func ScanKey(id modeling.AggregateId) string {
	return id.ID + "\x00" + id.Tenant()
}

// ParseScanKey 还原 ScanKey
func ParseScanKey(named modeling.NamedAggregate, key string) modeling.AggregateId {
	for i := 0; i < len(key); i++ {
		if key[i] == 0 {
			return modeling.NewAggregateId(named, key[:i], key[i+1:])
		}
	}
	return modeling.NewAggregateId(named, key, "")
}

// After 判断 id 是否位于游标 after 之后；零值游标表示从头开始
func After(id, after modeling.AggregateId) bool {
	if after.ID == "" {
		return true
	}
	return ScanKey(id) > ScanKey(after)
}

// LoadAll 加载聚合的全部事件流
func LoadAll(ctx context.Context, s IEventStore, id modeling.AggregateId) ([]*eventing.DomainEventStream, error) {
	return s.Load(ctx, id, modeling.InitialVersion, modeling.MaxVersion)
}
