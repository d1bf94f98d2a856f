package compensation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"evtcore/eventing"
	"evtcore/eventing/store"
	"evtcore/messaging"
	syncbus "evtcore/messaging/transport/sync"
	"evtcore/modeling"
)

var orderType = modeling.NewNamedAggregate("sales", "order")

type recorder struct {
	mu      sync.Mutex
	streams []*eventing.DomainEventStream
	failAt  int
}

func (r *recorder) Send(_ context.Context, s *eventing.DomainEventStream) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failAt > 0 && len(r.streams)+1 == r.failAt {
		return errors.New("bus down")
	}
	r.streams = append(r.streams, s)
	return nil
}

func (r *recorder) versions(id string) []uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []uint64
	for _, s := range r.streams {
		if s.AggregateId.ID == id {
			out = append(out, s.Version)
		}
	}
	return out
}

func seed(t *testing.T, s store.IEventStore, id string, versions int) {
	t.Helper()
	aggID := orderType.Aggregate(id)
	for v := 1; v <= versions; v++ {
		stream, err := eventing.NewDomainEventStream(aggID, uint64(v), fmt.Sprintf("req-%s-%d", id, v), "cmd",
			map[string]string{"tenant": "demo"},
			[]eventing.EventBody{eventing.NewEventBody("line_added", map[string]any{"n": v})}, time.Now())
		require.NoError(t, err)
		require.NoError(t, s.Append(context.Background(), stream))
	}
}

func TestResend_RangeWithCompensationHeader(t *testing.T) {
	es := store.NewMemoryEventStore()
	seed(t, es, "o-1", 3)
	rec := &recorder{}
	r := NewResender(es, rec)

	n, err := r.Resend(context.Background(), orderType.Aggregate("o-1"), 2, 3)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []uint64{2, 3}, rec.versions("o-1"))

	compID := rec.streams[0].Header[HeaderCompensationID]
	assert.NotEmpty(t, compID)
	assert.Equal(t, compID, rec.streams[1].Header[HeaderCompensationID])
	assert.Equal(t, "demo", rec.streams[0].Header["tenant"])

	stored, err := es.Load(context.Background(), orderType.Aggregate("o-1"), 2, 2)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	_, tagged := stored[0].Header[HeaderCompensationID]
	assert.False(t, tagged, "stored stream must not be modified")
}

func TestResend_UnknownAggregateSendsNothing(t *testing.T) {
	rec := &recorder{}
	r := NewResender(store.NewMemoryEventStore(), rec)
	n, err := r.Resend(context.Background(), orderType.Aggregate("missing"), 1, modeling.MaxVersion)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestResend_StopsAtFirstPublishFailure(t *testing.T) {
	es := store.NewMemoryEventStore()
	seed(t, es, "o-1", 3)
	rec := &recorder{failAt: 2}
	r := NewResender(es, rec)

	n, err := r.Resend(context.Background(), orderType.Aggregate("o-1"), 1, 3)
	require.Error(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []uint64{1}, rec.versions("o-1"))
}

func TestResendAll_PagesThroughEveryAggregate(t *testing.T) {
	es := store.NewMemoryEventStore()
	seed(t, es, "o-1", 3)
	seed(t, es, "o-2", 2)
	seed(t, es, "o-3", 1)
	rec := &recorder{}
	r := NewResender(es, rec, WithPageSize(2), WithConcurrency(2))

	n, err := r.ResendAll(context.Background(), orderType, 1, modeling.MaxVersion)
	require.NoError(t, err)
	assert.Equal(t, 6, n)
	assert.Equal(t, []uint64{1, 2, 3}, rec.versions("o-1"))
	assert.Equal(t, []uint64{1, 2}, rec.versions("o-2"))
	assert.Equal(t, []uint64{1}, rec.versions("o-3"))
}

func TestResendAll_RejectsInvalidAggregateType(t *testing.T) {
	r := NewResender(store.NewMemoryEventStore(), &recorder{})
	_, err := r.ResendAll(context.Background(), modeling.NamedAggregate{}, 1, 2)
	assert.Error(t, err)
}

func TestResend_ThroughSyncBus(t *testing.T) {
	es := store.NewMemoryEventStore()
	seed(t, es, "o-1", 2)
	bus := syncbus.NewBus()
	var got []string
	require.NoError(t, bus.Subscribe(messaging.Topic(orderType), messaging.HandlerFunc("audit",
		func(_ context.Context, s *eventing.DomainEventStream) error {
			got = append(got, s.Header[HeaderCompensationID])
			return nil
		})))
	require.NoError(t, bus.Start(context.Background()))
	defer bus.Close()

	n, err := NewResender(es, bus).Resend(context.Background(), orderType.Aggregate("o-1"), 1, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	require.Len(t, got, 2)
	assert.NotEmpty(t, got[0])
}
