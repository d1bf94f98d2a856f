package redisstreams

import (
	"context"
	"errors"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"evtcore/eventing"
	"evtcore/messaging"
	"evtcore/modeling"
)

func newStream(t *testing.T, id string) *eventing.DomainEventStream {
	t.Helper()
	aggID := modeling.NewNamedAggregate("sales", "order").Aggregate(id)
	s, err := eventing.NewDomainEventStream(aggID, 1, "req-"+id, "cmd-"+id, map[string]string{"tenant": "demo"},
		[]eventing.EventBody{eventing.NewEventBody("order_created", map[string]any{"total": 42})}, time.Now())
	require.NoError(t, err)
	return s
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	s := newStream(t, "o-1")
	values, err := encodeStream(s)
	require.NoError(t, err)
	assert.Equal(t, "1", values[fieldVersion])

	decoded, err := decodeStream(redis.XMessage{ID: "1-0", Values: values})
	require.NoError(t, err)
	assert.Equal(t, s.ID, decoded.ID)
	assert.Equal(t, s.AggregateId, decoded.AggregateId)
	assert.Equal(t, s.RequestID, decoded.RequestID)
	require.Len(t, decoded.Events, 1)
	assert.Equal(t, "order_created", decoded.Events[0].Name)
}

func TestDecodeRejectsEntryWithoutStream(t *testing.T) {
	_, err := decodeStream(redis.XMessage{ID: "2-0", Values: map[string]any{fieldVersion: "1"}})
	assert.Error(t, err)
}

func TestNewBus_RequiresClient(t *testing.T) {
	_, err := NewBus(Config{})
	assert.Error(t, err)
}

func TestSubscribe_RejectsWildcard(t *testing.T) {
	b, err := NewBus(Config{Client: redis.NewClient(&redis.Options{Addr: "localhost:0"})})
	require.NoError(t, err)
	err = b.Subscribe(messaging.Wildcard, messaging.HandlerFunc("all", nil))
	assert.ErrorIs(t, err, modeling.ErrPrecondition)
}

// 需要真实 Redis：EVTCORE_REDIS_ADDR=localhost:6379
func TestBus_RedeliversUnackedOnRestart(t *testing.T) {
	addr := os.Getenv("EVTCORE_REDIS_ADDR")
	if addr == "" {
		t.Skip("EVTCORE_REDIS_ADDR not set")
	}
	c := redis.NewClient(&redis.Options{Addr: addr})
	require.NoError(t, c.Ping(context.Background()).Err())
	t.Cleanup(func() { _ = c.Close() })

	cfg := Config{
		Client:       c,
		StreamPrefix: "evt-test-" + uuid.NewString() + ":",
		ConsumerName: "c-1",
		BlockTimeout: 50 * time.Millisecond,
	}
	var fail atomic.Bool
	fail.Store(true)
	var handled atomic.Int32
	handler := messaging.HandlerFunc("projection", func(context.Context, *eventing.DomainEventStream) error {
		if fail.Load() {
			return errors.New("projection down")
		}
		handled.Add(1)
		return nil
	})

	first, err := NewBus(cfg)
	require.NoError(t, err)
	require.NoError(t, first.Subscribe("sales.order", handler))
	require.NoError(t, first.Start(context.Background()))
	require.NoError(t, first.Send(context.Background(), newStream(t, "o-1")))
	time.Sleep(200 * time.Millisecond)
	require.NoError(t, first.Close())
	assert.Equal(t, int32(0), handled.Load())

	fail.Store(false)
	second, err := NewBus(cfg)
	require.NoError(t, err)
	require.NoError(t, second.Subscribe("sales.order", handler))
	require.NoError(t, second.Start(context.Background()))
	defer second.Close()

	assert.Eventually(t, func() bool { return handled.Load() == 1 }, 3*time.Second, 20*time.Millisecond)
}
