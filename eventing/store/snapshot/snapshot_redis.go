package snapshot

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"evtcore/eventing/store"
	"evtcore/modeling"
)

// saveSnapshotScript 版本不低于现有版本时写入
//
// KEYS[1] 快照哈希（version, data）
// ARGV[1] version, ARGV[2] 快照 JSON
var saveSnapshotScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'version')
if cur and tonumber(cur) > tonumber(ARGV[1]) then
    return 0
end
redis.call('HSET', KEYS[1], 'version', ARGV[1], 'data', ARGV[2])
return 1
`)

type redisClient interface {
	redis.Scripter
	HGet(ctx context.Context, key, field string) *redis.StringCmd
	ZAddNX(ctx context.Context, key string, members ...redis.Z) *redis.IntCmd
	ZRangeByLex(ctx context.Context, key string, opt *redis.ZRangeBy) *redis.StringSliceCmd
}

// RedisRepository Redis 快照仓库
type RedisRepository struct {
	client redisClient
	prefix string
}

// NewRedisRepository 创建 Redis 快照仓库，prefix 为空时使用 snap:
func NewRedisRepository(client redis.UniversalClient, prefix string) (*RedisRepository, error) {
	if client == nil {
		return nil, errors.New("redis client not configured")
	}
	if prefix == "" {
		prefix = "snap:"
	}
	return &RedisRepository{client: client, prefix: prefix}, nil
}

func (r *RedisRepository) key(id modeling.AggregateId) string {
	return r.prefix + "{" + id.String() + "}"
}

func (r *RedisRepository) index(named modeling.NamedAggregate) string {
	return r.prefix + "{" + named.String() + "}:ids"
}

func (r *RedisRepository) Save(ctx context.Context, snap *Snapshot) error {
	if err := snap.Validate(); err != nil {
		return err
	}
	data, err := marshalSnapshot(snap)
	if err != nil {
		return err
	}
	if err := saveSnapshotScript.Run(ctx, r.client, []string{r.key(snap.AggregateId)}, snap.Version, data).Err(); err != nil {
		return fmt.Errorf("save snapshot %s@%d: %w", snap.AggregateId, snap.Version, err)
	}
	return r.client.ZAddNX(ctx, r.index(snap.AggregateId.NamedAggregate), redis.Z{Member: store.ScanKey(snap.AggregateId)}).Err()
}

func (r *RedisRepository) Load(ctx context.Context, id modeling.AggregateId) (*Snapshot, error) {
	data, err := r.client.HGet(ctx, r.key(id), "data").Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot %s: %w", id, err)
	}
	return unmarshalSnapshot(data)
}

func (r *RedisRepository) ScanAggregateId(ctx context.Context, named modeling.NamedAggregate, after modeling.AggregateId, limit int) ([]modeling.AggregateId, error) {
	min := "-"
	if after.ID != "" {
		min = "(" + store.ScanKey(after)
	}
	members, err := r.client.ZRangeByLex(ctx, r.index(named), &redis.ZRangeBy{Min: min, Max: "+", Count: int64(limit)}).Result()
	if err != nil {
		return nil, err
	}
	ids := make([]modeling.AggregateId, 0, len(members))
	for _, m := range members {
		ids = append(ids, store.ParseScanKey(named, m))
	}
	return ids, nil
}

var _ IRepository = (*RedisRepository)(nil)
