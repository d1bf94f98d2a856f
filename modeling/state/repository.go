package state

import (
	"context"
	"fmt"

	"evtcore/eventing/store"
	"evtcore/eventing/store/snapshot"
	"evtcore/logging"
	"evtcore/modeling"
)

// Repository 聚合状态仓库：快照 + 尾部事件流
//
// 结果与从头折叠全部事件流一致，快照只用于减少重放量。
type Repository[S any] struct {
	named     modeling.NamedAggregate
	events    store.IEventStore
	snapshots snapshot.IRepository
	sourcing  *Sourcing[S]
	factory   Factory[S]
	logger    logging.Logger
}

// NewRepository 创建状态仓库；snapshots 为 nil 时总是从头重放
func NewRepository[S any](
	named modeling.NamedAggregate,
	events store.IEventStore,
	snapshots snapshot.IRepository,
	sourcing *Sourcing[S],
	factory Factory[S],
) (*Repository[S], error) {
	if err := named.Validate(); err != nil {
		return nil, err
	}
	if events == nil {
		return nil, fmt.Errorf("event store cannot be nil")
	}
	if sourcing == nil {
		return nil, fmt.Errorf("sourcing cannot be nil")
	}
	if snapshots == nil {
		snapshots = snapshot.NoopRepository{}
	}
	if factory == nil {
		factory = ZeroFactory[S]()
	}
	return &Repository[S]{
		named:     named,
		events:    events,
		snapshots: snapshots,
		sourcing:  sourcing,
		factory:   factory,
		logger:    logging.ComponentLogger("modeling.state").WithFields(logging.String("aggregate", named.String())),
	}, nil
}

// NamedAggregate 仓库负责的聚合类型
func (r *Repository[S]) NamedAggregate() modeling.NamedAggregate { return r.named }

// Sourcing 返回溯源注册表
func (r *Repository[S]) Sourcing() *Sourcing[S] { return r.sourcing }

// Snapshots 返回快照仓库
func (r *Repository[S]) Snapshots() snapshot.IRepository { return r.snapshots }

// New 创建未初始化的聚合视图
func (r *Repository[S]) New(id modeling.AggregateId) *StateAggregate[S] {
	return NewStateAggregate(id, r.factory(id))
}

// Load 加载最新状态
func (r *Repository[S]) Load(ctx context.Context, id modeling.AggregateId) (*StateAggregate[S], error) {
	return r.LoadAt(ctx, id, modeling.MaxVersion)
}

// LoadAt 加载到 tailVersion（含）为止的状态
//
// 快照版本高于 tailVersion 时忽略快照，从头重放。快照版本高于事件日志时以快照为准。
func (r *Repository[S]) LoadAt(ctx context.Context, id modeling.AggregateId, tailVersion uint64) (*StateAggregate[S], error) {
	if id.NamedAggregate != r.named {
		return nil, fmt.Errorf("%w: %s does not belong to %s", modeling.ErrPrecondition, id, r.named)
	}
	id = id.Normalized()

	agg, err := r.fromSnapshot(ctx, id, tailVersion)
	if err != nil {
		return nil, err
	}
	if agg.Version >= tailVersion {
		return agg, nil
	}

	streams, err := r.events.Load(ctx, id, agg.ExpectedNextVersion(), tailVersion)
	if err != nil {
		return nil, err
	}
	for _, stream := range streams {
		if err := r.sourcing.Apply(ctx, agg, stream); err != nil {
			return nil, err
		}
	}
	return agg, nil
}

// Replay 忽略快照，从头折叠全部事件流
func (r *Repository[S]) Replay(ctx context.Context, id modeling.AggregateId) (*StateAggregate[S], error) {
	id = id.Normalized()
	agg := r.New(id)
	streams, err := store.LoadAll(ctx, r.events, id)
	if err != nil {
		return nil, err
	}
	for _, stream := range streams {
		if err := r.sourcing.Apply(ctx, agg, stream); err != nil {
			return nil, err
		}
	}
	return agg, nil
}

func (r *Repository[S]) fromSnapshot(ctx context.Context, id modeling.AggregateId, tailVersion uint64) (*StateAggregate[S], error) {
	snap, err := r.snapshots.Load(ctx, id)
	if err != nil {
		// 快照只是缓存，读取失败时退化为完整重放
		r.logger.Warn(ctx, "load snapshot failed, replaying from scratch",
			logging.Stringer("aggregate_id", id), logging.Error(err))
		return r.New(id), nil
	}
	if snap == nil || snap.Version > tailVersion {
		return r.New(id), nil
	}
	agg, err := FromSnapshot(snap, r.factory(id))
	if err != nil {
		// 状态结构变更后旧快照可能无法解码，同样退化为完整重放
		r.logger.Warn(ctx, "decode snapshot failed, replaying from scratch",
			logging.Stringer("aggregate_id", id), logging.Uint64("snapshot_version", snap.Version), logging.Error(err))
		return r.New(id), nil
	}
	agg.AggregateId = id
	return agg, nil
}
