package prepare

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// luaPrelude 脚本公共函数：live 判断未过期，put 写入并设置自动过期
var luaPrelude = fmt.Sprintf(`
local FOREVER = %d
local function live(key, now)
    local ttl = redis.call('HGET', key, 'ttlAt')
    return ttl and tonumber(ttl) >= now
end
local function matches(key, value)
    return redis.call('HGET', key, 'value') == value
end
local function put(key, value, ttlAt)
    redis.call('HSET', key, 'value', value, 'ttlAt', ttlAt)
    if tonumber(ttlAt) < FOREVER then
        redis.call('PEXPIREAT', key, ttlAt)
    else
        redis.call('PERSIST', key)
    end
end
`, TTLForever)

// KEYS[1] key; ARGV[1] value, ARGV[2] ttlAt, ARGV[3] now
var prepareScript = redis.NewScript(luaPrelude + `
if live(KEYS[1], tonumber(ARGV[3])) then
    return 0
end
put(KEYS[1], ARGV[1], ARGV[2])
return 1
`)

// KEYS[1] key; ARGV[1] now
var rollbackScript = redis.NewScript(luaPrelude + `
if not live(KEYS[1], tonumber(ARGV[1])) then
    return 0
end
redis.call('DEL', KEYS[1])
return 1
`)

// KEYS[1] key; ARGV[1] now, ARGV[2] value
var rollbackIfScript = redis.NewScript(luaPrelude + `
if not live(KEYS[1], tonumber(ARGV[1])) or not matches(KEYS[1], ARGV[2]) then
    return 0
end
redis.call('DEL', KEYS[1])
return 1
`)

// KEYS[1] key; ARGV[1] value, ARGV[2] ttlAt, ARGV[3] now
var reprepareScript = redis.NewScript(luaPrelude + `
if not live(KEYS[1], tonumber(ARGV[3])) then
    return 0
end
put(KEYS[1], ARGV[1], ARGV[2])
return 1
`)

// KEYS[1] key; ARGV[1] value, ARGV[2] ttlAt, ARGV[3] now, ARGV[4] old value
var reprepareIfScript = redis.NewScript(luaPrelude + `
if not live(KEYS[1], tonumber(ARGV[3])) or not matches(KEYS[1], ARGV[4]) then
    return 0
end
put(KEYS[1], ARGV[1], ARGV[2])
return 1
`)

// KEYS[1] old key, KEYS[2] new key; ARGV[1] value, ARGV[2] ttlAt, ARGV[3] now, ARGV[4] old value
var moveScript = redis.NewScript(luaPrelude + `
local now = tonumber(ARGV[3])
if not live(KEYS[1], now) or not matches(KEYS[1], ARGV[4]) then
    return 0
end
if live(KEYS[2], now) then
    return 0
end
redis.call('DEL', KEYS[1])
put(KEYS[2], ARGV[1], ARGV[2])
return 1
`)

type prepareClient interface {
	redis.Scripter
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
}

// RedisStore Redis 哈希（value, ttlAt）实现的 PrepareKey 后端
//
// 有限期条目通过 PEXPIREAT 由 Redis 自动回收。名称部分作为哈希标签，
// 同一预留名下的键落在同一槽位，Move 脚本可以同时访问新旧键。
type RedisStore struct {
	client prepareClient
	prefix string
	clock  Clock
}

// NewRedisStore 创建 Redis 后端，prefix 为空时使用 prepare:
func NewRedisStore(client redis.UniversalClient, prefix string) (*RedisStore, error) {
	if client == nil {
		return nil, errors.New("redis client not configured")
	}
	if prefix == "" {
		prefix = "prepare:"
	}
	return &RedisStore{client: client, prefix: prefix, clock: time.Now}, nil
}

// WithClock 替换判定过期的时钟
func (s *RedisStore) WithClock(clock Clock) *RedisStore {
	s.clock = clock
	return s
}

// key name:id -> prefix{name}:id
func (s *RedisStore) key(key string) string {
	name, rest, ok := strings.Cut(key, KeySeparator)
	if !ok {
		return s.prefix + "{" + key + "}"
	}
	return s.prefix + "{" + name + "}" + KeySeparator + rest
}

func (s *RedisStore) run(ctx context.Context, script *redis.Script, keys []string, args ...any) (bool, error) {
	n, err := script.Run(ctx, s.client, keys, args...).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *RedisStore) Prepare(ctx context.Context, key string, entry Entry) (bool, error) {
	return s.run(ctx, prepareScript, []string{s.key(key)}, entry.Value, entry.TtlAt, nowMs(s.clock))
}

func (s *RedisStore) GetValue(ctx context.Context, key string) (*Entry, error) {
	fields, err := s.client.HGetAll(ctx, s.key(key)).Result()
	if err != nil {
		return nil, fmt.Errorf("get prepare key %s: %w", key, err)
	}
	raw, ok := fields["ttlAt"]
	if !ok {
		return nil, nil
	}
	ttlAt, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("prepare key %s: bad ttlAt %q", key, raw)
	}
	e := Entry{Value: []byte(fields["value"]), TtlAt: ttlAt}
	if e.expired(nowMs(s.clock)) {
		return nil, nil
	}
	return &e, nil
}

func (s *RedisStore) Rollback(ctx context.Context, key string) (bool, error) {
	return s.run(ctx, rollbackScript, []string{s.key(key)}, nowMs(s.clock))
}

func (s *RedisStore) RollbackIf(ctx context.Context, key string, value []byte) (bool, error) {
	return s.run(ctx, rollbackIfScript, []string{s.key(key)}, nowMs(s.clock), value)
}

func (s *RedisStore) Reprepare(ctx context.Context, key string, entry Entry) (bool, error) {
	return s.run(ctx, reprepareScript, []string{s.key(key)}, entry.Value, entry.TtlAt, nowMs(s.clock))
}

func (s *RedisStore) ReprepareIf(ctx context.Context, key string, oldValue []byte, entry Entry) (bool, error) {
	return s.run(ctx, reprepareIfScript, []string{s.key(key)}, entry.Value, entry.TtlAt, nowMs(s.clock), oldValue)
}

func (s *RedisStore) Move(ctx context.Context, oldKey string, oldValue []byte, newKey string, entry Entry) (bool, error) {
	return s.run(ctx, moveScript, []string{s.key(oldKey), s.key(newKey)},
		entry.Value, entry.TtlAt, nowMs(s.clock), oldValue)
}

var _ IStore = (*RedisStore)(nil)
