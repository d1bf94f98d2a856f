package snapshot

import (
	"context"
	"sort"
	"sync"

	"evtcore/eventing/store"
	"evtcore/modeling"
)

// MemoryRepository 内存快照仓库
type MemoryRepository struct {
	mu        sync.RWMutex
	snapshots map[modeling.AggregateId]*Snapshot
}

// NewMemoryRepository 创建内存快照仓库
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{snapshots: make(map[modeling.AggregateId]*Snapshot)}
}

func (r *MemoryRepository) Save(ctx context.Context, snap *Snapshot) error {
	if err := snap.Validate(); err != nil {
		return err
	}
	cp := *snap
	cp.AggregateId = cp.AggregateId.Normalized()
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.snapshots[cp.AggregateId]; ok && cur.Version > cp.Version {
		return nil
	}
	r.snapshots[cp.AggregateId] = &cp
	return nil
}

func (r *MemoryRepository) Load(ctx context.Context, id modeling.AggregateId) (*Snapshot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.snapshots[id.Normalized()]
	if !ok {
		return nil, nil
	}
	cp := *s
	return &cp, nil
}

func (r *MemoryRepository) ScanAggregateId(ctx context.Context, named modeling.NamedAggregate, after modeling.AggregateId, limit int) ([]modeling.AggregateId, error) {
	r.mu.RLock()
	var ids []modeling.AggregateId
	for id := range r.snapshots {
		if id.NamedAggregate == named && store.After(id, after) {
			ids = append(ids, id)
		}
	}
	r.mu.RUnlock()

	sort.Slice(ids, func(i, j int) bool { return store.ScanKey(ids[i]) < store.ScanKey(ids[j]) })
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

var _ IRepository = (*MemoryRepository)(nil)
