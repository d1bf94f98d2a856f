package app

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"evtcore/config"
	"evtcore/eventing"
	"evtcore/logging"
	"evtcore/messaging"
	"evtcore/modeling"
	"evtcore/modeling/command"
	"evtcore/modeling/state"
	"evtcore/prepare"
	"evtcore/server"
)

var counterType = modeling.NewNamedAggregate("demo", "counter")

type counter struct {
	Total int `json:"total"`
}

type added struct {
	N int `json:"n"`
}

func counterAggregate() Aggregate[counter] {
	s := state.NewSourcing[counter]()
	state.On(s, "added", func(c counter, e added) counter { c.Total += e.N; return c })
	h := command.NewHandlers[counter]()
	command.On(h, "add", func(_ context.Context, _ state.StateAggregate[counter], body added) ([]eventing.EventBody, error) {
		return []eventing.EventBody{eventing.NewEventBody("added", body)}, nil
	})
	return Aggregate[counter]{Named: counterType, Sourcing: s, Handlers: h}
}

type collected struct {
	mu      sync.Mutex
	streams []*eventing.DomainEventStream
}

func (c *collected) handler() messaging.IStreamHandler {
	return messaging.HandlerFunc("collect", func(_ context.Context, s *eventing.DomainEventStream) error {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.streams = append(c.streams, s)
		return nil
	})
}

func (c *collected) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.streams)
}

func newEngine(t *testing.T, cfg *config.Config) *Engine {
	t.Helper()
	e, err := New(context.Background(), cfg, WithLogger(logging.NewNoopLogger()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close(context.Background()) })
	return e
}

func add(t *testing.T, e *Engine, id modeling.AggregateId, n int, create bool) *command.CommandResult {
	t.Helper()
	cmd, err := command.NewCommandMessage(id, "add", added{N: n})
	require.NoError(t, err)
	if create {
		cmd = cmd.AsCreate()
	}
	res, err := e.Dispatcher().Send(context.Background(), cmd)
	require.NoError(t, err)
	return res
}

func TestEngine_MemoryEndToEnd(t *testing.T) {
	cfg := config.Default()
	cfg.Bus.Transport = config.TransportSync
	e := newEngine(t, cfg)

	repo, err := Register(e, counterAggregate())
	require.NoError(t, err)
	seen := &collected{}
	require.NoError(t, e.Bus().Subscribe(messaging.Topic(counterType), seen.handler()))
	require.NoError(t, e.Start(context.Background()))

	id := counterType.Aggregate("c-1")
	assert.Equal(t, uint64(1), add(t, e, id, 2, true).Stream.Version)
	assert.Equal(t, uint64(2), add(t, e, id, 3, false).Stream.Version)

	agg, err := repo.Load(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 5, agg.State.Total)
	assert.Equal(t, uint64(2), agg.Version)
	assert.Equal(t, 2, seen.count())

	n, err := e.Resender().Resend(context.Background(), id, 1, modeling.MaxVersion)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 4, seen.count())

	require.NoError(t, e.Close(context.Background()))
	require.NoError(t, e.Close(context.Background()))
	_, err = Register(e, counterAggregate())
	assert.ErrorIs(t, err, ErrEngineClosed)
	assert.ErrorIs(t, e.Start(context.Background()), ErrEngineClosed)
}

func TestEngine_ProjectAdvancesCheckpoint(t *testing.T) {
	cfg := config.Default()
	cfg.Bus.Transport = config.TransportSync
	e := newEngine(t, cfg)

	_, err := Register(e, counterAggregate())
	require.NoError(t, err)
	view := &collected{}
	require.NoError(t, e.Project(messaging.Topic(counterType), "counter_view", view.handler()))
	require.NoError(t, e.Start(context.Background()))

	id := counterType.Aggregate("c-5")
	add(t, e, id, 1, true)
	add(t, e, id, 1, false)
	v, err := e.Checkpoints().Load(context.Background(), "counter_view", id)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), v)

	// 重复投递被跳过，补偿重发仍会处理
	streams, err := e.EventStore().Load(context.Background(), id, 1, 2)
	require.NoError(t, err)
	require.NoError(t, e.Bus().Send(context.Background(), streams[0]))
	assert.Equal(t, 2, view.count())
	_, err = e.Resender().Resend(context.Background(), id, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, 4, view.count())
}

func TestEngine_RegisterTwiceFails(t *testing.T) {
	e := newEngine(t, config.Default())
	_, err := Register(e, counterAggregate())
	require.NoError(t, err)
	_, err = Register(e, counterAggregate())
	assert.Error(t, err)
}

func TestEngine_SQLiteEventsBoltSnapshots(t *testing.T) {
	cfg := config.Default()
	cfg.EventStore.Backend = config.BackendSQLite
	cfg.SQLite.DSN = ":memory:"
	cfg.Snapshot.Backend = config.BackendBolt
	cfg.Snapshot.Strategy = "all"
	cfg.Bolt.Path = filepath.Join(t.TempDir(), "evt.bolt")
	cfg.Prepare.Backend = config.BackendSQLite
	e := newEngine(t, cfg)

	repo, err := Register(e, counterAggregate())
	require.NoError(t, err)
	require.NoError(t, e.Start(context.Background()))

	id := counterType.Aggregate("c-2")
	add(t, e, id, 1, true)
	add(t, e, id, 4, false)

	assert.Eventually(t, func() bool {
		snap, err := e.Snapshots().Load(context.Background(), id)
		return err == nil && snap != nil && snap.Version == 2
	}, 2*time.Second, 10*time.Millisecond)

	agg, err := repo.Load(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 5, agg.State.Total)

	key, err := PrepareKey[string](e, "counter_name")
	require.NoError(t, err)
	ok, err := key.Prepare(context.Background(), "first", prepare.Forever("c-2"))
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = key.Prepare(context.Background(), "first", prepare.Forever("c-3"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEngine_InvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Bus.Transport = "carrier-pigeon"
	_, err := New(context.Background(), cfg, WithLogger(logging.NewNoopLogger()))
	assert.Error(t, err)
}

func TestEngine_SetupFailureReleasesResources(t *testing.T) {
	cfg := config.Default()
	cfg.Snapshot.Backend = config.BackendBolt
	cfg.Bolt.Path = filepath.Join(t.TempDir(), "missing-dir", "evt.bolt")
	_, err := New(context.Background(), cfg, WithLogger(logging.NewNoopLogger()))
	assert.Error(t, err)
}

func TestEngine_MetricsHandler(t *testing.T) {
	cfg := config.Default()
	assert.Nil(t, newEngine(t, cfg).MetricsHandler())

	cfg = config.Default()
	cfg.Metrics.Enabled = true
	cfg.Bus.Transport = config.TransportSync
	e := newEngine(t, cfg)
	_, err := Register(e, counterAggregate())
	require.NoError(t, err)
	require.NoError(t, e.Start(context.Background()))
	add(t, e, counterType.Aggregate("c-9"), 1, true)

	handler := e.MetricsHandler()
	require.NotNil(t, handler)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), "evtcore_")
}

func TestHost_RunsUnderServerEngine(t *testing.T) {
	t.Setenv("EVTCORE_BUS_TRANSPORT", "memory")
	t.Setenv("EVTCORE_LOG_LEVEL", "error")
	var registered bool
	host := NewHost("", func(_ context.Context, e *Engine) error {
		_, err := Register(e, counterAggregate())
		registered = err == nil
		return err
	})
	srv := server.NewEngine(host, server.WithSignals(), server.WithLogger(logging.NewNoopLogger()))

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	require.NoError(t, srv.Start(ctx))
	assert.True(t, registered)
	assert.Equal(t, server.StateStopped, srv.State())
	assert.True(t, host.Engine().isClosed())
}
