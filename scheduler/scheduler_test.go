package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"evtcore/modeling"
)

var order = modeling.NewNamedAggregate("shop", "order")

func TestLanePool_SerializesSameAggregate(t *testing.T) {
	p := NewLanePool(order, 4, 16, nil)
	defer p.Close(context.Background())

	id := order.Aggregate("o-1")
	var inFlight, maxInFlight atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := p.Submit(context.Background(), id, func(ctx context.Context) error {
				n := inFlight.Add(1)
				for {
					m := maxInFlight.Load()
					if n <= m || maxInFlight.CompareAndSwap(m, n) {
						break
					}
				}
				time.Sleep(time.Millisecond)
				inFlight.Add(-1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxInFlight.Load())
}

func TestLanePool_ReturnsTaskError(t *testing.T) {
	p := NewLanePool(order, 2, 4, nil)
	defer p.Close(context.Background())

	boom := fmt.Errorf("boom")
	err := p.Submit(context.Background(), order.Aggregate("o-1"), func(ctx context.Context) error { return boom })
	assert.ErrorIs(t, err, boom)

	err = p.Submit(context.Background(), order.Aggregate("o-1"), func(ctx context.Context) error { panic("bad") })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panicked")
}

func TestLanePool_CancelledWhileQueuedNeverRuns(t *testing.T) {
	p := NewLanePool(order, 1, 4, nil)
	defer p.Close(context.Background())
	id := order.Aggregate("o-1")

	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = p.Submit(context.Background(), id, func(ctx context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	ctx, cancel := context.WithCancel(context.Background())
	var ran atomic.Bool
	errCh := make(chan error, 1)
	go func() {
		errCh <- p.Submit(ctx, id, func(ctx context.Context) error {
			ran.Store(true)
			return nil
		})
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-errCh, context.Canceled)

	close(release)
	require.NoError(t, p.Submit(context.Background(), id, func(ctx context.Context) error { return nil }))
	assert.False(t, ran.Load())
}

func TestLanePool_CloseDrainsAndRejects(t *testing.T) {
	p := NewLanePool(order, 2, 8, nil)
	var done atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = p.Submit(context.Background(), order.Aggregate(fmt.Sprintf("o-%d", i)), func(ctx context.Context) error {
				time.Sleep(2 * time.Millisecond)
				done.Add(1)
				return nil
			})
		}(i)
	}
	wg.Wait()
	require.NoError(t, p.Close(context.Background()))
	require.NoError(t, p.Close(context.Background()))
	assert.Equal(t, int32(6), done.Load())

	err := p.Submit(context.Background(), order.Aggregate("late"), func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrClosed)
}

func TestLanePool_RejectsForeignAggregate(t *testing.T) {
	p := NewLanePool(order, 1, 1, nil)
	defer p.Close(context.Background())
	err := p.Submit(context.Background(), modeling.NewNamedAggregate("shop", "cart").Aggregate("c"), func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, modeling.ErrPrecondition)
}

func TestSupplier_LazyPoolsAndOverrides(t *testing.T) {
	cart := modeling.NewNamedAggregate("shop", "cart")
	s := NewSupplier(Config{Lanes: 3, QueueSize: 4, AggregateLanes: map[string]int{"shop.cart": 7}}, nil)

	p1, err := s.Pool(order)
	require.NoError(t, err)
	p2, err := s.Pool(order)
	require.NoError(t, err)
	assert.Same(t, p1, p2)
	assert.Equal(t, 3, p1.Lanes())

	pc, err := s.Pool(cart)
	require.NoError(t, err)
	assert.Equal(t, 7, pc.Lanes())

	var ran atomic.Bool
	require.NoError(t, s.Submit(context.Background(), cart.Aggregate("c-1"), func(ctx context.Context) error {
		ran.Store(true)
		return nil
	}))
	assert.True(t, ran.Load())

	require.NoError(t, s.Close(context.Background()))
	_, err = s.Pool(order)
	assert.ErrorIs(t, err, ErrClosed)
}
