// Package redisstreams 基于 Redis Streams 消费组的事件总线
//
// 每个聚合类型一个 Stream（StreamPrefix + context.aggregate）。处理成功才 XACK，
// 失败的条目留在消费者的待处理列表中，下次 Start 时先重放待处理条目再读取新条目。
package redisstreams

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"evtcore/eventing"
	"evtcore/eventing/monitoring"
	"evtcore/logging"
	"evtcore/messaging"
	"evtcore/modeling"
)

const (
	fieldAggregateID = "aggregate_id"
	fieldVersion     = "version"
	fieldStream      = "stream"
)

// client 总线依赖的 go-redis 命令子集
type client interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
	XReadGroup(ctx context.Context, a *redis.XReadGroupArgs) *redis.XStreamSliceCmd
	XAck(ctx context.Context, stream, group string, ids ...string) *redis.IntCmd
	XGroupCreateMkStream(ctx context.Context, stream, group, start string) *redis.StatusCmd
	Close() error
}

// Config Redis Streams 总线配置
type Config struct {
	Client       redis.UniversalClient `yaml:"-"`
	Addr         string                `yaml:"addr"`
	Username     string                `yaml:"username"`
	Password     string                `yaml:"password"`
	DB           int                   `yaml:"db"`
	StreamPrefix string                `yaml:"stream_prefix"`
	GroupName    string                `yaml:"group"`
	ConsumerName string                `yaml:"consumer"`
	BlockTimeout time.Duration         `yaml:"block_timeout"`
	ReadCount    int64                 `yaml:"read_count"`
	// MaxLen 每个 Stream 的近似最大长度，0 表示不裁剪
	MaxLen int64 `yaml:"max_len"`

	MinReadBackoff time.Duration `yaml:"min_read_backoff"` // 默认 100ms
	MaxReadBackoff time.Duration `yaml:"max_read_backoff"` // 默认 5s

	Logger  logging.Logger      `yaml:"-"`
	Metrics monitoring.IMetrics `yaml:"-"`
}

// Bus Redis Streams 事件总线
type Bus struct {
	cfg       Config
	client    client
	ownClient bool
	logger    logging.Logger

	handlers *messaging.Handlers
	readers  map[string]bool

	mu      sync.RWMutex
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewBus 创建总线；未提供 Client 时按 Addr 自建连接并在 Close 时关闭
func NewBus(cfg Config) (*Bus, error) {
	if cfg.StreamPrefix == "" {
		cfg.StreamPrefix = "evt:bus:"
	}
	if cfg.GroupName == "" {
		cfg.GroupName = "evtcore"
	}
	if cfg.ConsumerName == "" {
		cfg.ConsumerName = "consumer-" + uuid.NewString()
	}
	if cfg.BlockTimeout <= 0 {
		cfg.BlockTimeout = 5 * time.Second
	}
	if cfg.ReadCount <= 0 {
		cfg.ReadCount = 10
	}
	if cfg.MinReadBackoff <= 0 {
		cfg.MinReadBackoff = 100 * time.Millisecond
	}
	if cfg.MaxReadBackoff <= 0 {
		cfg.MaxReadBackoff = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.ComponentLogger("bus.redisstreams")
	}
	if cfg.Metrics == nil {
		cfg.Metrics = monitoring.NewNoopMetrics()
	}

	var cl client
	var own bool
	switch {
	case cfg.Client != nil:
		cl = cfg.Client
	case cfg.Addr != "":
		cl = redis.NewClient(&redis.Options{Addr: cfg.Addr, Username: cfg.Username, Password: cfg.Password, DB: cfg.DB})
		own = true
	default:
		return nil, errors.New("redis client not configured")
	}

	return &Bus{
		cfg:       cfg,
		client:    cl,
		ownClient: own,
		logger:    cfg.Logger,
		handlers:  messaging.NewHandlers(),
		readers:   make(map[string]bool),
	}, nil
}

func (b *Bus) Send(ctx context.Context, stream *eventing.DomainEventStream) error {
	b.mu.RLock()
	running := b.running
	b.mu.RUnlock()
	if !running {
		return messaging.ErrBusNotRunning
	}
	values, err := encodeStream(stream)
	if err != nil {
		return err
	}
	topic := messaging.TopicOf(stream)
	args := &redis.XAddArgs{Stream: b.streamName(topic), Values: values}
	if b.cfg.MaxLen > 0 {
		args.MaxLen = b.cfg.MaxLen
		args.Approx = true
	}
	err = b.client.XAdd(ctx, args).Err()
	b.cfg.Metrics.StreamPublished(topic, "redis", err == nil)
	return err
}

// Subscribe 注册处理器；Redis Streams 不能按模式读取多个 Stream，不支持通配符
func (b *Bus) Subscribe(topic string, handler messaging.IStreamHandler) error {
	if topic == messaging.Wildcard {
		return fmt.Errorf("%w: redis streams bus does not support wildcard subscriptions", modeling.ErrPrecondition)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, err := b.handlers.Add(topic, handler); err != nil {
		return err
	}
	if b.running {
		b.startReaderLocked(topic)
	}
	return nil
}

// Start 为每个已订阅主题启动读取协程
func (b *Bus) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running {
		return messaging.ErrBusRunning
	}
	b.ctx, b.cancel = context.WithCancel(ctx)
	b.readers = make(map[string]bool)
	for _, topic := range b.handlers.Topics() {
		b.startReaderLocked(topic)
	}
	b.running = true
	return nil
}

// Close 停止读取协程，自建客户端随之关闭，可重复调用
func (b *Bus) Close() error {
	b.mu.Lock()
	wasRunning := b.running
	b.running = false
	cancel := b.cancel
	b.cancel = nil
	own := b.ownClient
	b.ownClient = false
	b.mu.Unlock()

	if wasRunning && cancel != nil {
		cancel()
		b.wg.Wait()
	}
	if own {
		return b.client.Close()
	}
	return nil
}

func (b *Bus) Stats() messaging.BusStats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return messaging.BusStats{
		Transport:    "redis",
		Running:      b.running,
		HandlerCount: b.handlers.Count(),
		Topics:       b.handlers.Topics(),
	}
}

func (b *Bus) startReaderLocked(topic string) {
	if b.readers[topic] {
		return
	}
	b.readers[topic] = true
	b.wg.Add(1)
	go b.readLoop(b.ctx, topic)
}

func (b *Bus) readLoop(ctx context.Context, topic string) {
	defer b.wg.Done()
	stream := b.streamName(topic)
	if err := b.ensureGroup(ctx, stream); err != nil {
		b.logger.Warn(ctx, "ensure consumer group failed", logging.String("stream", stream), logging.Error(err))
	}

	// "0" 先读取本消费者尚未确认的条目，读空后切换到 ">" 只读新条目
	cursor := "0"
	backoff := b.cfg.MinReadBackoff
	for ctx.Err() == nil {
		args := &redis.XReadGroupArgs{
			Group:    b.cfg.GroupName,
			Consumer: b.cfg.ConsumerName,
			Streams:  []string{stream, cursor},
			Count:    b.cfg.ReadCount,
			Block:    b.cfg.BlockTimeout,
		}
		if cursor != ">" {
			args.Block = -1
		}
		res, err := b.client.XReadGroup(ctx, args).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				cursor = ">"
				continue
			}
			if ctx.Err() != nil {
				return
			}
			b.logger.Warn(ctx, "xreadgroup failed", logging.Duration("backoff", backoff), logging.Error(err))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
			backoff *= 2
			if backoff > b.cfg.MaxReadBackoff {
				backoff = b.cfg.MaxReadBackoff
			}
			continue
		}
		backoff = b.cfg.MinReadBackoff

		last := ""
		for _, sr := range res {
			for _, entry := range sr.Messages {
				b.handleEntry(ctx, topic, sr.Stream, entry)
				last = entry.ID
			}
		}
		if cursor != ">" {
			// 待处理列表按 ID 向后翻页，读空后切换到新条目；本轮仍失败的条目等待下次启动
			if last == "" {
				cursor = ">"
			} else {
				cursor = last
			}
		}
	}
}

func (b *Bus) handleEntry(ctx context.Context, topic, stream string, entry redis.XMessage) {
	decoded, err := decodeStream(entry)
	if err != nil {
		b.logger.Error(ctx, "decode redis stream entry failed",
			logging.String("stream", stream), logging.String("entry", entry.ID), logging.Error(err))
		_ = b.client.XAck(ctx, stream, b.cfg.GroupName, entry.ID).Err()
		return
	}
	if err := messaging.Dispatch(ctx, b.logger, b.handlers.Exact(topic), decoded); err != nil {
		return
	}
	if err := b.client.XAck(ctx, stream, b.cfg.GroupName, entry.ID).Err(); err != nil {
		b.logger.Warn(ctx, "xack failed", logging.String("entry", entry.ID), logging.Error(err))
	}
}

func (b *Bus) ensureGroup(ctx context.Context, stream string) error {
	err := b.client.XGroupCreateMkStream(ctx, stream, b.cfg.GroupName, "0").Err()
	if err == nil || strings.Contains(strings.ToUpper(err.Error()), "BUSYGROUP") {
		return nil
	}
	return err
}

func (b *Bus) streamName(topic string) string {
	return b.cfg.StreamPrefix + topic
}

func encodeStream(stream *eventing.DomainEventStream) (map[string]any, error) {
	data, err := stream.Marshal()
	if err != nil {
		return nil, err
	}
	return map[string]any{
		fieldAggregateID: stream.AggregateId.String(),
		fieldVersion:     strconv.FormatUint(stream.Version, 10),
		fieldStream:      string(data),
	}, nil
}

func decodeStream(entry redis.XMessage) (*eventing.DomainEventStream, error) {
	raw, ok := entry.Values[fieldStream].(string)
	if !ok || raw == "" {
		return nil, fmt.Errorf("entry %s has no %s field", entry.ID, fieldStream)
	}
	return eventing.UnmarshalStream([]byte(raw))
}

var _ messaging.IDomainEventBus = (*Bus)(nil)
