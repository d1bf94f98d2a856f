package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"evtcore/eventing"
	"evtcore/modeling"
)

type memoryStream struct {
	streams  []*eventing.DomainEventStream
	requests map[string]int
}

// MemoryEventStore 内存事件存储，用于测试与单进程场景
type MemoryEventStore struct {
	mu         sync.RWMutex
	aggregates map[modeling.AggregateId]*memoryStream
}

// NewMemoryEventStore 创建内存事件存储
func NewMemoryEventStore() *MemoryEventStore {
	return &MemoryEventStore{aggregates: make(map[modeling.AggregateId]*memoryStream)}
}

func (m *MemoryEventStore) Append(ctx context.Context, stream *eventing.DomainEventStream) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	agg, ok := m.aggregates[stream.AggregateId]
	if !ok {
		agg = &memoryStream{requests: make(map[string]int)}
		m.aggregates[stream.AggregateId] = agg
	}
	var head uint64
	if n := len(agg.streams); n > 0 {
		head = agg.streams[n-1].Version
	}

	// 版本检查先于 requestId 检查，各后端顺序一致
	if stream.Version != head+1 {
		return eventing.NewEventVersionConflictError(stream)
	}
	if _, dup := agg.requests[stream.RequestID]; dup {
		return eventing.NewDuplicateRequestIdError(stream)
	}

	agg.streams = append(agg.streams, stream)
	agg.requests[stream.RequestID] = len(agg.streams) - 1
	return nil
}

func (m *MemoryEventStore) Load(ctx context.Context, id modeling.AggregateId, headVersion, tailVersion uint64) ([]*eventing.DomainEventStream, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	agg, ok := m.aggregates[id]
	if !ok {
		return nil, nil
	}
	out := make([]*eventing.DomainEventStream, 0, len(agg.streams))
	for _, s := range agg.streams {
		if s.Version >= headVersion && s.Version <= tailVersion {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *MemoryEventStore) LoadByTime(ctx context.Context, id modeling.AggregateId, headTime, tailTime time.Time) ([]*eventing.DomainEventStream, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	agg, ok := m.aggregates[id]
	if !ok {
		return nil, nil
	}
	var out []*eventing.DomainEventStream
	for _, s := range agg.streams {
		if !s.CreateTime.Before(headTime) && !s.CreateTime.After(tailTime) {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *MemoryEventStore) Last(ctx context.Context, id modeling.AggregateId) (*eventing.DomainEventStream, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	agg, ok := m.aggregates[id]
	if !ok || len(agg.streams) == 0 {
		return nil, nil
	}
	return agg.streams[len(agg.streams)-1], nil
}

func (m *MemoryEventStore) ScanAggregateId(ctx context.Context, named modeling.NamedAggregate, after modeling.AggregateId, limit int) ([]modeling.AggregateId, error) {
	m.mu.RLock()
	ids := make([]modeling.AggregateId, 0)
	for id := range m.aggregates {
		if id.NamedAggregate == named && After(id, after) {
			ids = append(ids, id)
		}
	}
	m.mu.RUnlock()

	sort.Slice(ids, func(i, j int) bool { return ScanKey(ids[i]) < ScanKey(ids[j]) })
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func (m *MemoryEventStore) FindByRequestID(ctx context.Context, id modeling.AggregateId, requestID string) (*eventing.DomainEventStream, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	agg, ok := m.aggregates[id]
	if !ok {
		return nil, nil
	}
	if idx, ok := agg.requests[requestID]; ok {
		return agg.streams[idx], nil
	}
	return nil, nil
}

var (
	_ IEventStore   = (*MemoryEventStore)(nil)
	_ IRequestIndex = (*MemoryEventStore)(nil)
)
