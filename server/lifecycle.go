// Package server 定义了应用服务的生命周期管理接口和运行时契约
package server

import (
	"context"
	"os"
	"syscall"
	"time"

	"evtcore/logging"
)

// State 服务生命周期状态
type State int32

const (
	// StatePending 等待初始化
	StatePending State = iota
	// StateInitializing 正在加载配置
	StateInitializing
	// StatePrepared 依赖已就绪，等待启动
	StatePrepared
	StateRunning
	// StateStopping 正在执行优雅关闭
	StateStopping
	StateStopped
	// StateError 发生不可恢复的错误
	StateError
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "Pending"
	case StateInitializing:
		return "Initializing"
	case StatePrepared:
		return "Prepared"
	case StateRunning:
		return "Running"
	case StateStopping:
		return "Stopping"
	case StateStopped:
		return "Stopped"
	case StateError:
		return "Error"
	default:
		return "Unknown"
	}
}

// Hook 生命周期回调，ctx 可用于超时控制
type Hook func(ctx context.Context) error

// Options 启动配置选项
type Options struct {
	Name            string
	Version         string
	StartupTimeout  time.Duration
	ShutdownTimeout time.Duration
	// Signals 触发优雅关闭的信号，为空时不监听信号
	Signals []os.Signal
	Logger  logging.Logger

	OnBeforeStart []Hook
	OnAfterStop   []Hook
}

// Option 配置修改函数
type Option func(*Options)

// DefaultOptions 获取默认配置
func DefaultOptions() *Options {
	return &Options{
		Name:            "evtcore",
		Version:         "0.0.0",
		StartupTimeout:  30 * time.Second,
		ShutdownTimeout: 10 * time.Second,
		Signals:         []os.Signal{syscall.SIGINT, syscall.SIGTERM},
	}
}

func WithName(name string) Option {
	return func(o *Options) { o.Name = name }
}

func WithVersion(version string) Option {
	return func(o *Options) { o.Version = version }
}

func WithStartupTimeout(t time.Duration) Option {
	return func(o *Options) { o.StartupTimeout = t }
}

func WithShutdownTimeout(t time.Duration) Option {
	return func(o *Options) { o.ShutdownTimeout = t }
}

// WithSignals 替换监听的信号
func WithSignals(sig ...os.Signal) Option {
	return func(o *Options) { o.Signals = sig }
}

func WithLogger(l logging.Logger) Option {
	return func(o *Options) { o.Logger = l }
}

// WithBeforeStart 添加启动前回调，失败时中止启动
func WithBeforeStart(fn Hook) Option {
	return func(o *Options) { o.OnBeforeStart = append(o.OnBeforeStart, fn) }
}

// WithAfterStop 添加停止后回调，失败只记录日志
func WithAfterStop(fn Hook) Option {
	return func(o *Options) { o.OnAfterStop = append(o.OnAfterStop, fn) }
}
