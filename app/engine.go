// Package app 按配置组装 evtcore 的全部组件
//
// 典型用法：
//
//	e, err := app.New(ctx, cfg)
//	repo, err := app.Register(e, app.Aggregate[Order]{Named: orderType, Sourcing: s, Handlers: h})
//	err = e.Start(ctx)
//	res, err := e.Dispatcher().Send(ctx, cmd)
//	defer e.Close(ctx)
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/multierr"

	"evtcore/compensation"
	"evtcore/config"
	"evtcore/eventing/monitoring"
	"evtcore/eventing/projection"
	"evtcore/eventing/store"
	"evtcore/eventing/store/snapshot"
	"evtcore/logging"
	"evtcore/messaging"
	"evtcore/modeling"
	"evtcore/modeling/command"
	"evtcore/modeling/state"
	"evtcore/prepare"
	"evtcore/scheduler"
)

var ErrEngineClosed = errors.New("engine is closed")

// Engine 运行时组件的持有者
type Engine struct {
	cfg      *config.Config
	logger   logging.Logger
	metrics  monitoring.IMetrics
	registry *prometheus.Registry

	res         *resources
	events      *store.CheckedEventStore
	snapshots   snapshot.IRepository
	snapshotter *snapshot.Snapshotter
	prepare     prepare.IStore
	checkpoints projection.ICheckpointStore
	bus         messaging.IDomainEventBus
	lanes       *scheduler.Supplier
	dispatcher  *command.Dispatcher
	resender    *compensation.Resender

	mu      sync.Mutex
	started bool
	closed  bool
}

// Option 配置 Engine
type Option func(*Engine)

// WithLogger 使用外部 Logger，不再按配置构建且不修改全局 Logger
func WithLogger(l logging.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithMetrics 使用外部指标实现，忽略 metrics 配置
func WithMetrics(m monitoring.IMetrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// New 按配置创建引擎；任一组件创建失败时关闭已打开的资源
func New(ctx context.Context, cfg *config.Config, opts ...Option) (e *Engine, err error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	e = &Engine{cfg: cfg, res: &resources{cfg: cfg}}
	for _, opt := range opts {
		opt(e)
	}
	defer func() {
		if err != nil {
			if e.snapshotter != nil {
				err = multierr.Append(err, e.snapshotter.Close(ctx))
			}
			err = multierr.Append(err, e.closeResources())
			e = nil
		}
	}()

	if e.logger == nil {
		logger, err := buildLogger(cfg.Logging)
		if err != nil {
			return e, err
		}
		logging.SetLogger(logger)
		e.logger = logger
	}
	if e.metrics == nil {
		if cfg.Metrics.Enabled {
			e.registry = prometheus.NewRegistry()
			e.metrics = monitoring.NewPrometheusMetrics(e.registry, cfg.Metrics.Namespace)
		} else {
			e.metrics = monitoring.NewNoopMetrics()
		}
	}

	inner, err := e.res.eventStore(ctx)
	if err != nil {
		return e, fmt.Errorf("event store: %w", err)
	}
	e.events = store.Checked(inner, store.WithMetrics(e.metrics), store.WithLogger(e.logger))

	if e.snapshots, err = e.res.snapshotRepository(ctx); err != nil {
		return e, fmt.Errorf("snapshot repository: %w", err)
	}
	strategy, err := snapshot.ParseStrategy(cfg.Snapshot.Strategy, cfg.Snapshot.VersionOffset, cfg.Snapshot.TimeOffset)
	if err != nil {
		return e, err
	}
	e.snapshotter = snapshot.NewSnapshotter(e.snapshots, strategy, cfg.Snapshot.SnapshotterConfig, e.metrics)

	prep, err := e.res.prepareStore(ctx)
	if err != nil {
		return e, fmt.Errorf("prepare store: %w", err)
	}
	e.prepare = prep
	if e.checkpoints, err = e.res.checkpointStore(ctx); err != nil {
		return e, fmt.Errorf("checkpoint store: %w", err)
	}
	bus, err := e.res.bus(e)
	if err != nil {
		return e, fmt.Errorf("event bus: %w", err)
	}
	e.bus = bus

	e.lanes = scheduler.NewSupplier(cfg.Scheduler, e.metrics)
	e.dispatcher = command.NewDispatcher(e.lanes)
	e.resender = compensation.NewResender(e.events, e.bus, compensation.WithLogger(e.logger))

	e.logger.Info(ctx, "engine ready",
		logging.String("event_store", cfg.EventStore.Backend),
		logging.String("snapshot", cfg.SnapshotBackend()),
		logging.String("snapshot_strategy", strategy.Name()),
		logging.String("prepare", cfg.PrepareBackend()),
		logging.String("bus", cfg.Bus.Transport))
	return e, nil
}

func buildLogger(cfg config.LoggingConfig) (logging.Logger, error) {
	level, err := logging.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	if cfg.Driver == "zap" {
		return logging.NewZapProduction(cfg.Format, level)
	}
	return logging.NewStdLoggerTo(os.Stderr, "", level), nil
}

// Aggregate 一种聚合的注册信息
type Aggregate[S any] struct {
	Named    modeling.NamedAggregate
	Sourcing *state.Sourcing[S]
	Handlers *command.Handlers[S]
	// Factory 为空时以零值作为初始状态
	Factory state.Factory[S]
}

// Register 为聚合类型创建状态仓库与命令处理器并注册到 Dispatcher
func Register[S any](e *Engine, def Aggregate[S]) (*state.Repository[S], error) {
	if e.isClosed() {
		return nil, ErrEngineClosed
	}
	repo, err := state.NewRepository(def.Named, e.events, e.snapshots, def.Sourcing, def.Factory)
	if err != nil {
		return nil, err
	}
	p, err := command.NewAggregateProcessor(repo, e.events, def.Handlers, e.cfg.Command,
		command.WithSnapshotter(e.snapshotter),
		command.WithPublisher(e.bus),
		command.WithMetrics(e.metrics),
		command.WithLogger(e.logger),
	)
	if err != nil {
		return nil, err
	}
	if err := e.dispatcher.Register(p); err != nil {
		return nil, err
	}
	return repo, nil
}

// Start 启动事件总线；订阅应在 Start 之前通过 Bus() 注册
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrEngineClosed
	}
	if e.started {
		return nil
	}
	if err := e.bus.Start(ctx); err != nil {
		return fmt.Errorf("start event bus: %w", err)
	}
	e.started = true
	return nil
}

func (e *Engine) Config() *config.Config { return e.cfg }
func (e *Engine) Logger() logging.Logger { return e.logger }
func (e *Engine) EventStore() store.IEventStore { return e.events }
func (e *Engine) Snapshots() snapshot.IRepository { return e.snapshots }
func (e *Engine) PrepareStore() prepare.IStore { return e.prepare }
func (e *Engine) Bus() messaging.IDomainEventBus { return e.bus }
func (e *Engine) Dispatcher() *command.Dispatcher { return e.dispatcher }
func (e *Engine) Resender() *compensation.Resender { return e.resender }
func (e *Engine) Checkpoints() projection.ICheckpointStore { return e.checkpoints }
func (e *Engine) Metrics() monitoring.IMetrics { return e.metrics }

// Project 以检查点去重的方式订阅 topic，须在 Start 之前调用
func (e *Engine) Project(topic, name string, handler messaging.IStreamHandler) error {
	if e.isClosed() {
		return ErrEngineClosed
	}
	h, err := projection.Idempotent(name, e.checkpoints, handler)
	if err != nil {
		return err
	}
	return e.bus.Subscribe(topic, h)
}

// PrepareKey 在引擎的 PrepareKey 存储上创建一个命名空间
func PrepareKey[V any](e *Engine, name string) (*prepare.Key[V], error) {
	return prepare.NewKey[V](name, e.prepare)
}

// MetricsHandler 返回 /metrics 处理器；未启用 Prometheus 时为 nil
func (e *Engine) MetricsHandler() http.Handler {
	if e.registry == nil {
		return nil
	}
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{})
}

func (e *Engine) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// Close 依次停止通道、快照、总线并关闭存储连接，可重复调用
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	var err error
	if e.lanes != nil {
		err = multierr.Append(err, e.lanes.Close(ctx))
	}
	if e.snapshotter != nil {
		err = multierr.Append(err, e.snapshotter.Close(ctx))
	}
	err = multierr.Append(err, e.closeResources())
	if err != nil {
		e.logger.Warn(ctx, "engine closed with errors", logging.Error(err))
	}
	return err
}

func (e *Engine) closeResources() error {
	var err error
	if e.bus != nil {
		err = multierr.Append(err, e.bus.Close())
	}
	if c, ok := e.prepare.(interface{ Close() error }); ok {
		err = multierr.Append(err, c.Close())
	}
	for _, closeFn := range e.res.closers() {
		err = multierr.Append(err, closeFn())
	}
	return err
}
