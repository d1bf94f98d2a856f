// Package storetest 提供所有事件存储后端共用的行为测试。
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"evtcore/eventing"
	"evtcore/eventing/store"
	"evtcore/modeling"
)

// Factory 为每个子测试创建独立的后端实例
type Factory func(t *testing.T) store.IEventStore

var (
	Order   = modeling.NewNamedAggregate("sales", "order")
	Invoice = modeling.NewNamedAggregate("billing", "invoice")
)

// NewStream 构造测试用事件流，requestID 为空时自动生成
func NewStream(t *testing.T, id modeling.AggregateId, version uint64, requestID string) *eventing.DomainEventStream {
	t.Helper()
	if requestID == "" {
		requestID = fmt.Sprintf("req-%s-%d-%d", id.ID, version, time.Now().UnixNano())
	}
	s, err := eventing.NewDomainEventStream(id, version, requestID, "cmd-"+requestID, map[string]string{"test": "true"},
		[]eventing.EventBody{
			eventing.NewEventBody("item_added", map[string]any{"v": version}),
			eventing.NewEventBody("item_priced", map[string]any{"v": version, "price": 10}),
		}, time.Now())
	require.NoError(t, err)
	return s
}

// Run 执行事件存储契约测试
func Run(t *testing.T, factory Factory) {
	ctx := context.Background()
	open := func(t *testing.T) *store.CheckedEventStore {
		return store.Checked(factory(t))
	}

	t.Run("append and load", func(t *testing.T) {
		s := open(t)
		id := Order.Aggregate("o-1")
		first := NewStream(t, id, 1, "")
		require.NoError(t, s.Append(ctx, first))
		require.NoError(t, s.Append(ctx, NewStream(t, id, 2, "")))

		streams, err := store.LoadAll(ctx, s, id)
		require.NoError(t, err)
		require.Len(t, streams, 2)
		assert.Equal(t, uint64(1), streams[0].Version)
		assert.Equal(t, uint64(2), streams[1].Version)
		assert.Equal(t, first.ID, streams[0].ID)
		assert.Equal(t, first.RequestID, streams[0].RequestID)
		assert.Equal(t, first.CommandID, streams[0].CommandID)
		assert.Equal(t, id, streams[0].AggregateId)
		assert.Equal(t, "true", streams[0].Header["test"])
		require.Len(t, streams[0].Events, 2)
		assert.Equal(t, "item_priced", streams[0].Events[1].Name)
		assert.Equal(t, 2, streams[0].Events[1].Sequence)
		assert.JSONEq(t, string(first.Events[1].Body), string(streams[0].Events[1].Body))
		assert.True(t, first.CreateTime.Equal(streams[0].CreateTime))
	})

	t.Run("load unknown aggregate is empty", func(t *testing.T) {
		s := open(t)
		streams, err := store.LoadAll(ctx, s, Order.Aggregate("missing"))
		require.NoError(t, err)
		assert.Empty(t, streams)
	})

	t.Run("load range is inclusive", func(t *testing.T) {
		s := open(t)
		id := Order.Aggregate("o-range")
		for v := uint64(1); v <= 5; v++ {
			require.NoError(t, s.Append(ctx, NewStream(t, id, v, "")))
		}

		streams, err := s.Load(ctx, id, 2, 4)
		require.NoError(t, err)
		require.Len(t, streams, 3)
		assert.Equal(t, uint64(2), streams[0].Version)
		assert.Equal(t, uint64(4), streams[2].Version)

		streams, err = s.Load(ctx, id, 5, modeling.MaxVersion)
		require.NoError(t, err)
		require.Len(t, streams, 1)

		streams, err = s.Load(ctx, id, 6, modeling.MaxVersion)
		require.NoError(t, err)
		assert.Empty(t, streams)

		streams, err = s.Load(ctx, id, 0, 1)
		require.NoError(t, err)
		assert.Len(t, streams, 1)

		_, err = s.Load(ctx, id, 4, 2)
		assert.ErrorIs(t, err, modeling.ErrPrecondition)
	})

	t.Run("version conflict", func(t *testing.T) {
		s := open(t)
		id := Order.Aggregate("o-conflict")
		require.NoError(t, s.Append(ctx, NewStream(t, id, 1, "")))
		require.NoError(t, s.Append(ctx, NewStream(t, id, 2, "")))

		err := s.Append(ctx, NewStream(t, id, 2, ""))
		var conflict *eventing.EventVersionConflictError
		require.ErrorAs(t, err, &conflict)
		assert.Equal(t, uint64(2), conflict.Version)
		var dupAgg *eventing.DuplicateAggregateIdError
		assert.False(t, errors.As(err, &dupAgg))

		err = s.Append(ctx, NewStream(t, id, 4, ""))
		assert.ErrorAs(t, err, &conflict, "gaps are rejected")

		streams, err := store.LoadAll(ctx, s, id)
		require.NoError(t, err)
		assert.Len(t, streams, 2)
	})

	t.Run("duplicate aggregate id", func(t *testing.T) {
		s := open(t)
		id := Order.Aggregate("o-dup")
		require.NoError(t, s.Append(ctx, NewStream(t, id, 1, "")))

		err := s.Append(ctx, NewStream(t, id, 1, ""))
		var dupAgg *eventing.DuplicateAggregateIdError
		require.ErrorAs(t, err, &dupAgg)
		var conflict *eventing.EventVersionConflictError
		assert.ErrorAs(t, err, &conflict)
	})

	t.Run("duplicate request id", func(t *testing.T) {
		s := open(t)
		id := Order.Aggregate("o-req")
		original := NewStream(t, id, 1, "req-fixed")
		require.NoError(t, s.Append(ctx, original))

		err := s.Append(ctx, NewStream(t, id, 2, "req-fixed"))
		var dupReq *eventing.DuplicateRequestIdError
		require.ErrorAs(t, err, &dupReq)
		assert.Equal(t, "req-fixed", dupReq.RequestID)

		last, err := s.Last(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, uint64(1), last.Version, "duplicate must not be persisted")

		// 同一 requestId 在其他聚合上不冲突
		require.NoError(t, s.Append(ctx, NewStream(t, Order.Aggregate("o-req-2"), 1, "req-fixed")))

		found, err := s.FindByRequestID(ctx, id, "req-fixed")
		require.NoError(t, err)
		if _, ok := s.Unwrap().(store.IRequestIndex); ok {
			require.NotNil(t, found)
			assert.Equal(t, original.ID, found.ID)
			missing, err := s.FindByRequestID(ctx, id, "nope")
			require.NoError(t, err)
			assert.Nil(t, missing)
		}
	})

	t.Run("last", func(t *testing.T) {
		s := open(t)
		id := Order.Aggregate("o-last")
		last, err := s.Last(ctx, id)
		require.NoError(t, err)
		assert.Nil(t, last)

		for v := uint64(1); v <= 3; v++ {
			require.NoError(t, s.Append(ctx, NewStream(t, id, v, "")))
		}
		last, err = s.Last(ctx, id)
		require.NoError(t, err)
		require.NotNil(t, last)
		assert.Equal(t, uint64(3), last.Version)
	})

	t.Run("absent tenant is the default tenant", func(t *testing.T) {
		s := open(t)
		literal := modeling.AggregateId{NamedAggregate: Order, ID: "o-tenant"}
		id := Order.Aggregate("o-tenant")
		first := NewStream(t, literal, 1, "req-tenant")
		require.NoError(t, s.Append(ctx, first))
		require.NoError(t, s.Append(ctx, NewStream(t, id, 2, "")))
		require.NoError(t, s.Append(ctx, NewStream(t, literal, 3, "")))

		for _, key := range []modeling.AggregateId{literal, id} {
			streams, err := store.LoadAll(ctx, s, key)
			require.NoError(t, err)
			require.Len(t, streams, 3)
			for _, st := range streams {
				assert.Equal(t, id, st.AggregateId)
			}

			last, err := s.Last(ctx, key)
			require.NoError(t, err)
			require.NotNil(t, last)
			assert.Equal(t, uint64(3), last.Version)
			assert.Equal(t, id, last.AggregateId)
		}

		err := s.Append(ctx, NewStream(t, literal, 3, ""))
		var conflict *eventing.EventVersionConflictError
		assert.ErrorAs(t, err, &conflict)

		if _, ok := s.Unwrap().(store.IRequestIndex); ok {
			found, err := s.FindByRequestID(ctx, id, "req-tenant")
			require.NoError(t, err)
			require.NotNil(t, found)
			assert.Equal(t, first.ID, found.ID)
		}
	})

	t.Run("load by time", func(t *testing.T) {
		s := open(t)
		id := Order.Aggregate("o-time")
		base := time.Now().UTC().Truncate(time.Millisecond)
		for v := uint64(1); v <= 3; v++ {
			st := NewStream(t, id, v, "")
			st.CreateTime = base.Add(time.Duration(v) * time.Second)
			require.NoError(t, s.Append(ctx, st))
		}

		streams, err := s.LoadByTime(ctx, id, base.Add(2*time.Second), base.Add(3*time.Second))
		require.NoError(t, err)
		require.Len(t, streams, 2)
		assert.Equal(t, uint64(2), streams[0].Version)
		assert.Equal(t, uint64(3), streams[1].Version)

		_, err = s.LoadByTime(ctx, id, base.Add(time.Second), base)
		assert.ErrorIs(t, err, modeling.ErrPrecondition)
	})

	t.Run("scan aggregate id", func(t *testing.T) {
		s := open(t)
		for _, raw := range []string{"c", "a", "e", "b", "d"} {
			require.NoError(t, s.Append(ctx, NewStream(t, Order.Aggregate(raw), 1, "")))
		}
		require.NoError(t, s.Append(ctx, NewStream(t, modeling.NewAggregateId(Order, "a", "tenant-x"), 1, "")))
		require.NoError(t, s.Append(ctx, NewStream(t, Invoice.Aggregate("zz"), 1, "")))

		var all []modeling.AggregateId
		var cursor modeling.AggregateId
		for {
			page, err := s.ScanAggregateId(ctx, Order, cursor, 2)
			require.NoError(t, err)
			if len(page) == 0 {
				break
			}
			assert.LessOrEqual(t, len(page), 2)
			all = append(all, page...)
			cursor = page[len(page)-1]
		}
		require.Len(t, all, 6)
		assert.Equal(t, "a", all[0].ID)
		assert.Equal(t, modeling.DefaultTenantID, all[0].TenantID)
		assert.Equal(t, "a", all[1].ID)
		assert.Equal(t, "tenant-x", all[1].TenantID)
		assert.Equal(t, "e", all[5].ID)
		for _, id := range all {
			assert.Equal(t, Order, id.NamedAggregate)
		}

		_, err := s.ScanAggregateId(ctx, Order, modeling.AggregateId{}, 0)
		assert.ErrorIs(t, err, modeling.ErrPrecondition)
	})

	t.Run("concurrent appends at the same version", func(t *testing.T) {
		s := open(t)
		id := Order.Aggregate("o-race")
		require.NoError(t, s.Append(ctx, NewStream(t, id, 1, "")))

		const writers = 8
		var ok, conflicts atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				err := s.Append(ctx, NewStream(t, id, 2, fmt.Sprintf("race-%d", i)))
				var conflict *eventing.EventVersionConflictError
				switch {
				case err == nil:
					ok.Add(1)
				case errors.As(err, &conflict):
					conflicts.Add(1)
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}(i)
		}
		wg.Wait()

		assert.Equal(t, int32(1), ok.Load())
		assert.Equal(t, int32(writers-1), conflicts.Load())
		streams, err := store.LoadAll(ctx, s, id)
		require.NoError(t, err)
		assert.Len(t, streams, 2)
	})

	t.Run("invalid stream", func(t *testing.T) {
		s := open(t)
		st := NewStream(t, Order.Aggregate("o-bad"), 1, "")
		st.Version = 0
		assert.ErrorIs(t, s.Append(ctx, st), modeling.ErrPrecondition)
	})
}
