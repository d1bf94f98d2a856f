// Package memory 提供基于内存队列的事件总线
// 适用于单机部署、开发环境和测试场景
package memory

import (
	"context"
	"errors"
	"sync"

	"evtcore/eventing"
	"evtcore/eventing/monitoring"
	"evtcore/logging"
	"evtcore/messaging"
)

const (
	DefaultQueueSize   = 1000
	DefaultWorkerCount = 4
)

// ErrQueueFull 队列已满
var ErrQueueFull = errors.New("event bus queue is full")

// Bus 内存事件总线
//
// Send 只把事件流放入有界队列，由 Worker 池异步分发；处理器错误不会传播给发送方。
// 不同 Worker 之间不保证顺序，需要按聚合有序消费时使用单 Worker。
type Bus struct {
	handlers    *messaging.Handlers
	queue       chan *eventing.DomainEventStream
	queueSize   int
	workerCount int
	running     bool
	closed      bool
	mutex       sync.RWMutex
	wg          sync.WaitGroup
	logger      logging.Logger
	metrics     monitoring.IMetrics
}

// NewBus 创建内存总线
//
// 参数:
//   - queueSize: 队列大小（<=0 时使用默认 1000）
//   - workerCount: Worker 数量（<=0 时使用默认 4）
func NewBus(queueSize, workerCount int, metrics monitoring.IMetrics) *Bus {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if workerCount <= 0 {
		workerCount = DefaultWorkerCount
	}
	if metrics == nil {
		metrics = monitoring.NewNoopMetrics()
	}
	return &Bus{
		handlers:    messaging.NewHandlers(),
		queue:       make(chan *eventing.DomainEventStream, queueSize),
		queueSize:   queueSize,
		workerCount: workerCount,
		logger:      logging.ComponentLogger("bus.memory"),
		metrics:     metrics,
	}
}

// Send 把事件流放入队列
//
// 返回:
//   - error: 未启动时返回 ErrBusNotRunning，队列满时返回 ErrQueueFull
func (b *Bus) Send(ctx context.Context, stream *eventing.DomainEventStream) error {
	b.mutex.RLock()
	defer b.mutex.RUnlock()
	if !b.running {
		return messaging.ErrBusNotRunning
	}

	topic := messaging.TopicOf(stream)
	select {
	case b.queue <- stream:
		b.metrics.StreamPublished(topic, "memory", true)
		return nil
	case <-ctx.Done():
		b.metrics.StreamPublished(topic, "memory", false)
		return ctx.Err()
	default:
		b.metrics.StreamPublished(topic, "memory", false)
		return ErrQueueFull
	}
}

// Subscribe 注册处理器，支持 "*" 通配符
func (b *Bus) Subscribe(topic string, handler messaging.IStreamHandler) error {
	_, err := b.handlers.Add(topic, handler)
	return err
}

// Stats 获取统计信息
func (b *Bus) Stats() messaging.BusStats {
	b.mutex.RLock()
	defer b.mutex.RUnlock()
	return messaging.BusStats{
		Transport:    "memory",
		Running:      b.running,
		HandlerCount: b.handlers.Count(),
		Topics:       b.handlers.Topics(),
		QueueSize:    b.queueSize,
		QueueDepth:   len(b.queue),
		WorkerCount:  b.workerCount,
	}
}

var _ messaging.IDomainEventBus = (*Bus)(nil)
