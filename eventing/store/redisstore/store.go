// Package redisstore 基于 Redis 有序集合的事件存储
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"evtcore/eventing"
	"evtcore/eventing/store"
	"evtcore/logging"
	"evtcore/modeling"
)

// client 事件存储依赖的 go-redis 命令子集
type client interface {
	redis.Scripter
	ZRangeByScore(ctx context.Context, key string, opt *redis.ZRangeBy) *redis.StringSliceCmd
	ZRevRange(ctx context.Context, key string, start, stop int64) *redis.StringSliceCmd
	ZRangeByLex(ctx context.Context, key string, opt *redis.ZRangeBy) *redis.StringSliceCmd
	ZAddNX(ctx context.Context, key string, members ...redis.Z) *redis.IntCmd
	HGet(ctx context.Context, key, field string) *redis.StringCmd
}

// Config Redis 事件存储配置
type Config struct {
	Client    redis.UniversalClient
	KeyPrefix string
	Logger    logging.Logger
}

// EventStore 每个聚合一个有序集合，成员为事件流 JSON，score 为版本
type EventStore struct {
	client client
	keys   keyspace
	logger logging.Logger
}

// NewEventStore 创建 Redis 事件存储
func NewEventStore(cfg Config) (*EventStore, error) {
	if cfg.Client == nil {
		return nil, errors.New("redis client not configured")
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "evt:"
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.ComponentLogger("eventing.store.redis")
	}
	return &EventStore{client: cfg.Client, keys: keyspace{prefix: cfg.KeyPrefix}, logger: cfg.Logger}, nil
}

func (s *EventStore) Append(ctx context.Context, stream *eventing.DomainEventStream) error {
	payload, err := stream.Marshal()
	if err != nil {
		return err
	}
	id := stream.AggregateId
	result, err := appendScript.Run(ctx, s.client,
		[]string{s.keys.stream(id), s.keys.requests(id)},
		stream.Version, stream.RequestID, payload,
	).Text()
	if err != nil {
		return fmt.Errorf("append event stream %s@%d: %w", id, stream.Version, err)
	}

	switch result {
	case resultOK:
		s.ensureIndexed(ctx, id)
		return nil
	case resultEventVersionConflict:
		if stream.IsInitialVersion() {
			s.ensureIndexed(ctx, id)
		}
		return eventing.NewEventVersionConflictError(stream)
	case resultDuplicateRequestID:
		s.ensureIndexed(ctx, id)
		return eventing.NewDuplicateRequestIdError(stream)
	default:
		return fmt.Errorf("append event stream %s@%d: unexpected script result %q", id, stream.Version, result)
	}
}

// ensureIndexed 把聚合写入类型索引
//
// 索引与事件流位于不同槽位，无法放进追加脚本。写入失败只影响扫描，
// 之后任何确认事件流存在的追加结果（成功、重复请求、重复创建）都会以 ZADD NX 补写。
func (s *EventStore) ensureIndexed(ctx context.Context, id modeling.AggregateId) {
	if err := s.client.ZAddNX(ctx, s.keys.index(id.NamedAggregate), redis.Z{Score: 0, Member: store.ScanKey(id)}).Err(); err != nil {
		s.logger.Warn(ctx, "index aggregate id failed", logging.Stringer("aggregate_id", id), logging.Error(err))
	}
}

func (s *EventStore) Load(ctx context.Context, id modeling.AggregateId, headVersion, tailVersion uint64) ([]*eventing.DomainEventStream, error) {
	members, err := s.client.ZRangeByScore(ctx, s.keys.stream(id), &redis.ZRangeBy{
		Min: strconv.FormatUint(headVersion, 10),
		Max: strconv.FormatUint(tailVersion, 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("load event streams of %s: %w", id, err)
	}
	return decodeStreams(members)
}

// LoadByTime 取出全部事件流后按创建时间过滤
func (s *EventStore) LoadByTime(ctx context.Context, id modeling.AggregateId, headTime, tailTime time.Time) ([]*eventing.DomainEventStream, error) {
	all, err := s.Load(ctx, id, modeling.InitialVersion, modeling.MaxVersion)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, st := range all {
		if !st.CreateTime.Before(headTime) && !st.CreateTime.After(tailTime) {
			out = append(out, st)
		}
	}
	return out, nil
}

func (s *EventStore) Last(ctx context.Context, id modeling.AggregateId) (*eventing.DomainEventStream, error) {
	members, err := s.client.ZRevRange(ctx, s.keys.stream(id), 0, 0).Result()
	if err != nil {
		return nil, fmt.Errorf("load last event stream of %s: %w", id, err)
	}
	if len(members) == 0 {
		return nil, nil
	}
	return eventing.UnmarshalStream([]byte(members[0]))
}

func (s *EventStore) FindByRequestID(ctx context.Context, id modeling.AggregateId, requestID string) (*eventing.DomainEventStream, error) {
	version, err := s.client.HGet(ctx, s.keys.requests(id), requestID).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find request %s of %s: %w", requestID, id, err)
	}
	members, err := s.client.ZRangeByScore(ctx, s.keys.stream(id), &redis.ZRangeBy{Min: version, Max: version}).Result()
	if err != nil {
		return nil, err
	}
	if len(members) == 0 {
		return nil, nil
	}
	return eventing.UnmarshalStream([]byte(members[0]))
}

func (s *EventStore) ScanAggregateId(ctx context.Context, named modeling.NamedAggregate, after modeling.AggregateId, limit int) ([]modeling.AggregateId, error) {
	min := "-"
	if after.ID != "" {
		min = "(" + store.ScanKey(after)
	}
	members, err := s.client.ZRangeByLex(ctx, s.keys.index(named), &redis.ZRangeBy{
		Min:   min,
		Max:   "+",
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("scan aggregate ids of %s: %w", named, err)
	}
	ids := make([]modeling.AggregateId, 0, len(members))
	for _, m := range members {
		ids = append(ids, store.ParseScanKey(named, m))
	}
	return ids, nil
}

func decodeStreams(members []string) ([]*eventing.DomainEventStream, error) {
	streams := make([]*eventing.DomainEventStream, 0, len(members))
	for _, m := range members {
		st, err := eventing.UnmarshalStream([]byte(m))
		if err != nil {
			return nil, err
		}
		streams = append(streams, st)
	}
	return streams, nil
}

var (
	_ store.IEventStore   = (*EventStore)(nil)
	_ store.IRequestIndex = (*EventStore)(nil)
)
