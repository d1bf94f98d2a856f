// Package messaging 定义事件流投递到事件总线的抽象。
//
// 事件流在持久化成功后交给总线扇出，语义为至少一次；下游消费者负责幂等。
// 主题按聚合类型（context.aggregate）划分，"*" 订阅所有主题。
package messaging

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/multierr"

	"evtcore/eventing"
	"evtcore/logging"
	"evtcore/modeling"
)

// Wildcard 订阅所有聚合类型
const Wildcard = "*"

var (
	ErrBusNotRunning = errors.New("event bus is not running")
	ErrBusRunning    = errors.New("event bus is already running")
)

// IStreamHandler 事件流处理器
type IStreamHandler interface {
	Handle(ctx context.Context, stream *eventing.DomainEventStream) error

	// Name 处理器名称，用于日志与持久订阅命名
	Name() string
}

// IDomainEventBus 事件总线
type IDomainEventBus interface {
	// Send 投递一个已持久化的事件流
	Send(ctx context.Context, stream *eventing.DomainEventStream) error

	// Subscribe 按主题注册处理器，topic 为 Topic(named) 或 Wildcard
	Subscribe(topic string, handler IStreamHandler) error

	Start(ctx context.Context) error
	Close() error
	Stats() BusStats
}

// BusStats 总线统计信息
type BusStats struct {
	Transport    string   `json:"transport"`
	Running      bool     `json:"running"`
	HandlerCount int      `json:"handler_count"`
	Topics       []string `json:"topics"`
	QueueSize    int      `json:"queue_size,omitempty"`
	QueueDepth   int      `json:"queue_depth,omitempty"`
	WorkerCount  int      `json:"worker_count,omitempty"`
}

// Topic 聚合类型对应的主题
func Topic(named modeling.NamedAggregate) string {
	return named.String()
}

// TopicOf 事件流所属的主题
func TopicOf(stream *eventing.DomainEventStream) string {
	return Topic(stream.AggregateId.NamedAggregate)
}

type funcHandler struct {
	name string
	fn   func(ctx context.Context, stream *eventing.DomainEventStream) error
}

func (h funcHandler) Handle(ctx context.Context, stream *eventing.DomainEventStream) error {
	return h.fn(ctx, stream)
}

func (h funcHandler) Name() string { return h.name }

// HandlerFunc 用函数构造处理器
func HandlerFunc(name string, fn func(ctx context.Context, stream *eventing.DomainEventStream) error) IStreamHandler {
	return funcHandler{name: name, fn: fn}
}

// Handlers 各传输实现共用的订阅表
type Handlers struct {
	mu       sync.RWMutex
	handlers map[string][]IStreamHandler
}

// NewHandlers 创建订阅表
func NewHandlers() *Handlers {
	return &Handlers{handlers: make(map[string][]IStreamHandler)}
}

// Add 注册处理器，返回该主题是否是第一次出现
func (h *Handlers) Add(topic string, handler IStreamHandler) (bool, error) {
	if topic == "" {
		return false, fmt.Errorf("%w: empty topic", modeling.ErrPrecondition)
	}
	if handler == nil {
		return false, fmt.Errorf("%w: nil handler for %s", modeling.ErrPrecondition, topic)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	_, exists := h.handlers[topic]
	h.handlers[topic] = append(h.handlers[topic], handler)
	return !exists, nil
}

// For 返回处理 topic 的处理器（精确匹配在前，通配符在后）
func (h *Handlers) For(topic string) []IStreamHandler {
	h.mu.RLock()
	defer h.mu.RUnlock()
	exact := h.handlers[topic]
	wildcard := h.handlers[Wildcard]
	out := make([]IStreamHandler, 0, len(exact)+len(wildcard))
	out = append(out, exact...)
	if topic != Wildcard {
		out = append(out, wildcard...)
	}
	return out
}

// Exact 只返回精确注册在 topic 上的处理器
func (h *Handlers) Exact(topic string) []IStreamHandler {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]IStreamHandler(nil), h.handlers[topic]...)
}

// Topics 已订阅的主题（有序）
func (h *Handlers) Topics() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	topics := make([]string, 0, len(h.handlers))
	for t := range h.handlers {
		topics = append(topics, t)
	}
	sort.Strings(topics)
	return topics
}

// Count 处理器总数
func (h *Handlers) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, hs := range h.handlers {
		n += len(hs)
	}
	return n
}

// Dispatch 依次调用处理器，单个处理器失败不影响其余处理器，返回合并后的错误
func Dispatch(ctx context.Context, logger logging.Logger, handlers []IStreamHandler, stream *eventing.DomainEventStream) error {
	var errs error
	for _, handler := range handlers {
		if err := safeHandle(ctx, handler, stream); err != nil {
			logger.Warn(ctx, "stream handler failed",
				logging.String("handler", handler.Name()),
				logging.String("aggregate_id", stream.AggregateId.String()),
				logging.Uint64("version", stream.Version),
				logging.Error(err))
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", handler.Name(), err))
		}
	}
	return errs
}

func safeHandle(ctx context.Context, handler IStreamHandler, stream *eventing.DomainEventStream) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("handler panic: %v", p)
		}
	}()
	return handler.Handle(ctx, stream)
}
