package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/multierr"

	"evtcore/config"
	"evtcore/logging"
	"evtcore/server"
)

// SetupFunc 在引擎创建后、总线启动前执行，用于注册聚合与订阅
type SetupFunc func(ctx context.Context, e *Engine) error

// Host 把 Engine 接入 server.Engine 的生命周期
type Host struct {
	configPath string
	setup      []SetupFunc

	cfg     *config.Config
	engine  *Engine
	metrics *http.Server
}

// NewHost configPath 为空时只使用默认配置与环境变量
func NewHost(configPath string, setup ...SetupFunc) *Host {
	return &Host{configPath: configPath, setup: setup}
}

var _ server.IServer = (*Host)(nil)

func (h *Host) Name() string { return "evtcore" }

// Engine SetupDependencies 之前为 nil
func (h *Host) Engine() *Engine { return h.engine }

func (h *Host) LoadConfig() error {
	cfg, err := config.Load(h.configPath)
	if err != nil {
		return err
	}
	h.cfg = cfg
	return nil
}

func (h *Host) SetupDependencies(ctx context.Context) error {
	e, err := New(ctx, h.cfg)
	if err != nil {
		return err
	}
	h.engine = e
	for _, fn := range h.setup {
		if err := fn(ctx, e); err != nil {
			return err
		}
	}
	return nil
}

func (h *Host) StartBackgroundTasks(ctx context.Context) error {
	return h.engine.Start(ctx)
}

// Run 配置了 metrics.listen 时暴露 /metrics，阻塞到 ctx 取消
func (h *Host) Run(ctx context.Context) error {
	handler := h.engine.MetricsHandler()
	if h.cfg.Metrics.Listen == "" || handler == nil {
		<-ctx.Done()
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	h.metrics = &http.Server{Addr: h.cfg.Metrics.Listen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- h.metrics.ListenAndServe() }()
	h.engine.Logger().Info(ctx, "metrics endpoint listening", logging.String("addr", h.cfg.Metrics.Listen))

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("metrics endpoint: %w", err)
	case <-ctx.Done():
		return nil
	}
}

func (h *Host) Shutdown(ctx context.Context) error {
	var err error
	if h.metrics != nil {
		err = h.metrics.Shutdown(ctx)
	}
	if h.engine != nil {
		err = multierr.Append(err, h.engine.Close(ctx))
	}
	return err
}
