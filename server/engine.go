package server

import (
	"context"
	"fmt"
	"os/signal"
	"sync/atomic"

	"go.uber.org/multierr"

	"evtcore/logging"
)

// IServer 业务应用实现的生命周期钩子，Engine 按固定顺序调用
type IServer interface {
	Name() string

	// LoadConfig 解析配置文件与环境变量
	LoadConfig() error

	// SetupDependencies 打开存储、构建组件，受 StartupTimeout 约束
	SetupDependencies(ctx context.Context) error

	// StartBackgroundTasks 启动总线消费者等非阻塞任务
	StartBackgroundTasks(ctx context.Context) error

	// Run 阻塞运行直到 ctx 取消或出错
	Run(ctx context.Context) error

	// Shutdown 释放资源，受 ShutdownTimeout 约束
	Shutdown(ctx context.Context) error
}

// Engine 编排启动流程：LoadConfig -> Setup -> Background -> Run -> Shutdown
type Engine struct {
	server  IServer
	options *Options
	logger  logging.Logger
	state   atomic.Int32
}

// NewEngine 创建启动引擎
func NewEngine(server IServer, opts ...Option) *Engine {
	options := DefaultOptions()
	if name := server.Name(); name != "" {
		options.Name = name
	}
	for _, o := range opts {
		o(options)
	}
	logger := options.Logger
	if logger == nil {
		logger = logging.ComponentLogger("server")
	}
	return &Engine{
		server:  server,
		options: options,
		logger:  logger.WithFields(logging.String("app", options.Name)),
	}
}

// State 当前状态，可在其他 goroutine 中读取
func (e *Engine) State() State {
	return State(e.state.Load())
}

func (e *Engine) setState(s State) {
	e.state.Store(int32(s))
}

// Start 执行启动流程并阻塞，直到 Run 返回、parent 取消或收到关闭信号
func (e *Engine) Start(parent context.Context) error {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	if len(e.options.Signals) > 0 {
		var stop context.CancelFunc
		ctx, stop = signal.NotifyContext(ctx, e.options.Signals...)
		defer stop()
	}

	e.logger.Info(ctx, "starting", logging.String("version", e.options.Version))
	e.setState(StateInitializing)
	if err := e.server.LoadConfig(); err != nil {
		e.setState(StateError)
		return fmt.Errorf("failed to load config: %w", err)
	}

	setupCtx, setupCancel := context.WithTimeout(ctx, e.options.StartupTimeout)
	err := e.server.SetupDependencies(setupCtx)
	setupCancel()
	if err != nil {
		e.setState(StateError)
		return fmt.Errorf("failed to setup dependencies: %w", err)
	}
	e.setState(StatePrepared)

	for _, hook := range e.options.OnBeforeStart {
		if err := hook(ctx); err != nil {
			return e.abort(fmt.Errorf("before start hook failed: %w", err))
		}
	}
	if err := e.server.StartBackgroundTasks(ctx); err != nil {
		return e.abort(fmt.Errorf("failed to start background tasks: %w", err))
	}

	e.setState(StateRunning)
	errCh := make(chan error, 1)
	go func() { errCh <- e.server.Run(ctx) }()

	var runErr error
	select {
	case runErr = <-errCh:
		if runErr != nil {
			e.logger.Error(ctx, "server stopped with error", logging.Error(runErr))
		}
	case <-ctx.Done():
		e.logger.Info(context.Background(), "shutdown requested", logging.Error(context.Cause(ctx)))
		<-errCh
	}
	cancel()

	if err := e.shutdown(); err != nil {
		e.setState(StateError)
		return err
	}
	if runErr != nil {
		e.setState(StateError)
		return fmt.Errorf("server execution error: %w", runErr)
	}
	e.setState(StateStopped)
	e.logger.Info(context.Background(), "shutdown complete")
	return nil
}

func (e *Engine) shutdown() error {
	e.setState(StateStopping)
	ctx, cancel := context.WithTimeout(context.Background(), e.options.ShutdownTimeout)
	defer cancel()
	if err := e.server.Shutdown(ctx); err != nil {
		e.logger.Error(ctx, "shutdown failed", logging.Error(err))
		return fmt.Errorf("shutdown: %w", err)
	}
	for _, hook := range e.options.OnAfterStop {
		if err := hook(ctx); err != nil {
			e.logger.Warn(ctx, "after stop hook failed", logging.Error(err))
		}
	}
	return nil
}

// abort 启动中途失败时仍释放已建立的依赖
func (e *Engine) abort(cause error) error {
	err := multierr.Append(cause, e.shutdown())
	e.setState(StateError)
	return err
}
