// Package projection 为事件总线的下游消费者提供按聚合版本去重的检查点
//
// 总线语义为至少一次，同一事件流可能被重复投递。Idempotent 记录每个投影在每个聚合上
// 已处理的最高版本，跳过不高于检查点的事件流；带补偿标识的事件流总是被处理。
package projection

import (
	"context"
	"errors"
	"sync"

	"evtcore/modeling"
)

var ErrInvalidCheckpoint = errors.New("invalid checkpoint")

// ICheckpointStore 检查点存储
type ICheckpointStore interface {
	// Load 返回投影在聚合上已处理的最高版本，没有记录时为 0
	Load(ctx context.Context, projection string, id modeling.AggregateId) (uint64, error)

	// Advance 仅当 version 高于当前检查点时写入
	Advance(ctx context.Context, projection string, id modeling.AggregateId, version uint64) error

	// Reset 删除投影的全部检查点，用于重建
	Reset(ctx context.Context, projection string) error
}

type checkpointKey struct {
	projection string
	id         modeling.AggregateId
}

// MemoryCheckpointStore 内存检查点存储
type MemoryCheckpointStore struct {
	mu          sync.RWMutex
	checkpoints map[checkpointKey]uint64
}

func NewMemoryCheckpointStore() *MemoryCheckpointStore {
	return &MemoryCheckpointStore{checkpoints: make(map[checkpointKey]uint64)}
}

func (s *MemoryCheckpointStore) Load(ctx context.Context, projection string, id modeling.AggregateId) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.checkpoints[checkpointKey{projection, normalize(id)}], nil
}

func (s *MemoryCheckpointStore) Advance(ctx context.Context, projection string, id modeling.AggregateId, version uint64) error {
	if projection == "" || version == 0 {
		return ErrInvalidCheckpoint
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := checkpointKey{projection, normalize(id)}
	if version > s.checkpoints[key] {
		s.checkpoints[key] = version
	}
	return nil
}

func (s *MemoryCheckpointStore) Reset(ctx context.Context, projection string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for key := range s.checkpoints {
		if key.projection == projection {
			delete(s.checkpoints, key)
		}
	}
	return nil
}

// normalize 空租户与默认租户视为同一个聚合
func normalize(id modeling.AggregateId) modeling.AggregateId {
	id.TenantID = id.Tenant()
	return id
}

var _ ICheckpointStore = (*MemoryCheckpointStore)(nil)
