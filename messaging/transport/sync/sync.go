// Package sync 提供同步分发的事件总线
//
// Send 在调用方 goroutine 中依次调用所有匹配的处理器，并返回处理器错误。
// 适用于测试与同进程投影。
package sync

import (
	"context"
	"fmt"
	"sync"

	"evtcore/eventing"
	"evtcore/logging"
	"evtcore/messaging"
)

// Bus 同步事件总线
type Bus struct {
	handlers *messaging.Handlers
	mutex    sync.RWMutex
	running  bool
	logger   logging.Logger
}

// NewBus 创建同步总线
func NewBus() *Bus {
	return &Bus{
		handlers: messaging.NewHandlers(),
		logger:   logging.ComponentLogger("bus.sync"),
	}
}

// Send 立即、同步地分发事件流
func (b *Bus) Send(ctx context.Context, stream *eventing.DomainEventStream) error {
	b.mutex.RLock()
	running := b.running
	b.mutex.RUnlock()
	if !running {
		return messaging.ErrBusNotRunning
	}

	handlers := b.handlers.For(messaging.TopicOf(stream))
	if len(handlers) == 0 {
		// 无人监听不是错误
		return nil
	}
	if err := messaging.Dispatch(ctx, b.logger, handlers, stream); err != nil {
		return fmt.Errorf("dispatch %s@%d: %w", stream.AggregateId, stream.Version, err)
	}
	return nil
}

// Subscribe 注册处理器
func (b *Bus) Subscribe(topic string, handler messaging.IStreamHandler) error {
	_, err := b.handlers.Add(topic, handler)
	return err
}

// Start 启动总线
func (b *Bus) Start(ctx context.Context) error {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	if b.running {
		return messaging.ErrBusRunning
	}
	b.running = true
	return nil
}

// Close 关闭总线，可重复调用
func (b *Bus) Close() error {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.running = false
	return nil
}

// Stats 返回统计信息
func (b *Bus) Stats() messaging.BusStats {
	b.mutex.RLock()
	defer b.mutex.RUnlock()
	return messaging.BusStats{
		Transport:    "sync",
		Running:      b.running,
		HandlerCount: b.handlers.Count(),
		Topics:       b.handlers.Topics(),
	}
}

var _ messaging.IDomainEventBus = (*Bus)(nil)
