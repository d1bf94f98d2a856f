// Package natsjetstream 基于 NATS JetStream 的事件总线
//
// 每个聚合类型一个主题（SubjectPrefix + context.aggregate），通配符订阅使用 SubjectPrefix + ">"。
// 每个订阅主题对应一个持久队列消费者，多个进程共享同一消费者实现负载分摊。
package natsjetstream

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"evtcore/eventing"
	"evtcore/eventing/monitoring"
	"evtcore/logging"
	"evtcore/messaging"
)

const (
	HeaderAggregateID = "Evt-Aggregate-Id"
	HeaderVersion     = "Evt-Version"
)

// Config JetStream 总线配置
type Config struct {
	URL           string        `yaml:"url"`
	Stream        string        `yaml:"stream"`
	SubjectPrefix string        `yaml:"subject_prefix"`
	DurablePrefix string        `yaml:"durable_prefix"`
	AckWait       time.Duration `yaml:"ack_wait"`
	MaxAckPending int           `yaml:"max_ack_pending"`

	// 可选：流参数
	Retention string `yaml:"retention"` // limits|interest|workqueue（默认 limits）
	MaxBytes  int64  `yaml:"max_bytes"` // 0 表示不设置
	Replicas  int    `yaml:"replicas"`  // 0 表示默认

	Conn    *nats.Conn          `yaml:"-"`
	Logger  logging.Logger      `yaml:"-"`
	Metrics monitoring.IMetrics `yaml:"-"`
}

func (c Config) withDefaults() Config {
	if c.Stream == "" {
		c.Stream = "EVTCORE"
	}
	if c.SubjectPrefix == "" {
		c.SubjectPrefix = "evt."
	}
	if !strings.HasSuffix(c.SubjectPrefix, ".") {
		c.SubjectPrefix += "."
	}
	if c.DurablePrefix == "" {
		c.DurablePrefix = "evtcore-"
	}
	if c.AckWait <= 0 {
		c.AckWait = 30 * time.Second
	}
	if c.MaxAckPending <= 0 {
		c.MaxAckPending = 1024
	}
	if c.Logger == nil {
		c.Logger = logging.ComponentLogger("bus.nats")
	}
	if c.Metrics == nil {
		c.Metrics = monitoring.NewNoopMetrics()
	}
	return c
}

// Bus JetStream 事件总线
type Bus struct {
	cfg      Config
	logger   logging.Logger
	conn     *nats.Conn
	js       nats.JetStreamContext
	ownsConn bool

	handlers *messaging.Handlers
	subs     map[string]*nats.Subscription

	mu      sync.RWMutex
	running bool
}

// NewBus 创建 JetStream 总线，连接在 Start 时建立
func NewBus(cfg Config) *Bus {
	cfg = cfg.withDefaults()
	return &Bus{
		cfg:      cfg,
		logger:   cfg.Logger,
		handlers: messaging.NewHandlers(),
		subs:     make(map[string]*nats.Subscription),
	}
}

func (b *Bus) Send(ctx context.Context, stream *eventing.DomainEventStream) error {
	b.mu.RLock()
	js := b.js
	running := b.running
	b.mu.RUnlock()
	if !running || js == nil {
		return messaging.ErrBusNotRunning
	}
	data, err := stream.Marshal()
	if err != nil {
		return err
	}
	topic := messaging.TopicOf(stream)
	msg := &nats.Msg{Subject: b.subjectName(topic), Data: data, Header: nats.Header{}}
	msg.Header.Set(HeaderAggregateID, stream.AggregateId.String())
	msg.Header.Set(HeaderVersion, strconv.FormatUint(stream.Version, 10))

	_, err = js.PublishMsg(msg, nats.Context(ctx))
	b.cfg.Metrics.StreamPublished(topic, "nats", err == nil)
	return err
}

func (b *Bus) Subscribe(topic string, handler messaging.IStreamHandler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	first, err := b.handlers.Add(topic, handler)
	if err != nil {
		return err
	}
	if first && b.running {
		return b.subscribeLocked(topic)
	}
	return nil
}

func (b *Bus) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running {
		return messaging.ErrBusRunning
	}
	if err := b.ensureConnection(); err != nil {
		return err
	}
	if err := b.ensureStream(); err != nil {
		return err
	}
	for _, topic := range b.handlers.Topics() {
		if err := b.subscribeLocked(topic); err != nil {
			return err
		}
	}
	b.running = true
	return nil
}

// Close 排空订阅并关闭自建连接，可重复调用
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.running = false
	for topic, sub := range b.subs {
		if err := sub.Drain(); err != nil {
			b.logger.Warn(context.Background(), "drain nats subscription failed",
				logging.String("topic", topic), logging.Error(err))
		}
		delete(b.subs, topic)
	}
	if b.ownsConn && b.conn != nil {
		b.conn.Close()
	}
	b.conn = nil
	b.js = nil
	return nil
}

func (b *Bus) Stats() messaging.BusStats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return messaging.BusStats{
		Transport:    "nats",
		Running:      b.running,
		HandlerCount: b.handlers.Count(),
		Topics:       b.handlers.Topics(),
	}
}

func (b *Bus) ensureConnection() error {
	if b.conn != nil && b.js != nil {
		return nil
	}
	if b.cfg.Conn != nil {
		b.conn = b.cfg.Conn
	} else {
		url := b.cfg.URL
		if url == "" {
			url = nats.DefaultURL
		}
		conn, err := nats.Connect(url, nats.Name("evtcore"))
		if err != nil {
			return err
		}
		b.conn = conn
		b.ownsConn = true
	}
	js, err := b.conn.JetStream()
	if err != nil {
		return err
	}
	b.js = js
	return nil
}

func (b *Bus) ensureStream() error {
	_, err := b.js.StreamInfo(b.cfg.Stream)
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return err
	}
	sc := &nats.StreamConfig{
		Name:      b.cfg.Stream,
		Subjects:  []string{b.cfg.SubjectPrefix + ">"},
		Retention: retentionPolicy(b.cfg.Retention),
	}
	if b.cfg.MaxBytes > 0 {
		sc.MaxBytes = b.cfg.MaxBytes
	}
	if b.cfg.Replicas > 0 {
		sc.Replicas = b.cfg.Replicas
	}
	_, err = b.js.AddStream(sc)
	return err
}

func retentionPolicy(name string) nats.RetentionPolicy {
	switch strings.ToLower(name) {
	case "interest":
		return nats.InterestPolicy
	case "workqueue":
		return nats.WorkQueuePolicy
	default:
		return nats.LimitsPolicy
	}
}

func (b *Bus) subscribeLocked(topic string) error {
	if _, exists := b.subs[topic]; exists {
		return nil
	}
	durable := b.durableName(topic)
	sub, err := b.js.QueueSubscribe(b.subjectName(topic), durable, b.handleMessage(topic),
		nats.ManualAck(),
		nats.Durable(durable),
		nats.AckWait(b.cfg.AckWait),
		nats.MaxAckPending(b.cfg.MaxAckPending))
	if err != nil {
		return err
	}
	b.subs[topic] = sub
	return nil
}

// handleMessage 处理成功后确认；处理器失败时 Nak 触发重投，无法解码的消息直接终止投递
func (b *Bus) handleMessage(topic string) nats.MsgHandler {
	return func(msg *nats.Msg) {
		ctx := context.Background()
		stream, err := eventing.UnmarshalStream(msg.Data)
		if err != nil {
			b.logger.Error(ctx, "decode nats event stream failed",
				logging.String("subject", msg.Subject), logging.Error(err))
			_ = msg.Term()
			return
		}
		if err := messaging.Dispatch(ctx, b.logger, b.handlers.Exact(topic), stream); err != nil {
			if nakErr := msg.Nak(); nakErr != nil {
				b.logger.Warn(ctx, "nats nak failed", logging.Error(nakErr))
			}
			return
		}
		if err := msg.Ack(); err != nil {
			b.logger.Warn(ctx, "nats ack failed", logging.Error(err))
		}
	}
}

func (b *Bus) subjectName(topic string) string {
	if topic == messaging.Wildcard {
		return b.cfg.SubjectPrefix + ">"
	}
	return b.cfg.SubjectPrefix + topic
}

// durableName 持久消费者名不能包含 . * >
func (b *Bus) durableName(topic string) string {
	if topic == messaging.Wildcard {
		return b.cfg.DurablePrefix + "all"
	}
	return b.cfg.DurablePrefix + strings.NewReplacer(".", "_", "*", "_", ">", "_").Replace(topic)
}

var _ messaging.IDomainEventBus = (*Bus)(nil)
