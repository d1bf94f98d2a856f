package redisstore

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"evtcore/eventing"
	"evtcore/eventing/store"
	"evtcore/eventing/store/storetest"
	"evtcore/logging"
	"evtcore/modeling"
)

// 需要真实 Redis：EVTCORE_REDIS_ADDR=localhost:6379
func redisClient(t *testing.T) redis.UniversalClient {
	t.Helper()
	addr := os.Getenv("EVTCORE_REDIS_ADDR")
	if addr == "" {
		t.Skip("EVTCORE_REDIS_ADDR not set")
	}
	c := redis.NewClient(&redis.Options{Addr: addr})
	require.NoError(t, c.Ping(context.Background()).Err())
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestRedisEventStore_Contract(t *testing.T) {
	c := redisClient(t)
	storetest.Run(t, func(t *testing.T) store.IEventStore {
		s, err := NewEventStore(Config{Client: c, KeyPrefix: "evt-test-" + uuid.NewString() + ":"})
		require.NoError(t, err)
		return s
	})
}

func TestNewEventStore_RequiresClient(t *testing.T) {
	_, err := NewEventStore(Config{})
	assert.Error(t, err)
}

func TestKeyspace_SharesHashTag(t *testing.T) {
	k := keyspace{prefix: "evt:"}
	id := modeling.NewNamedAggregate("sales", "order").Aggregate("o-1")
	assert.Equal(t, "evt:{sales.order/(0)/o-1}:stream", k.stream(id))
	assert.Equal(t, "evt:{sales.order/(0)/o-1}:requests", k.requests(id))
	assert.Equal(t, "evt:{sales.order}:ids", k.index(id.NamedAggregate))
}

// scriptedClient 按顺序返回追加脚本结果，记录类型索引写入
type scriptedClient struct {
	results   []string
	indexErrs []error
	indexed   map[string]bool
}

func (c *scriptedClient) next(ctx context.Context) *redis.Cmd {
	cmd := redis.NewCmd(ctx)
	cmd.SetVal(c.results[0])
	c.results = c.results[1:]
	return cmd
}

func (c *scriptedClient) Eval(ctx context.Context, _ string, _ []string, _ ...interface{}) *redis.Cmd {
	return c.next(ctx)
}

func (c *scriptedClient) EvalSha(ctx context.Context, _ string, _ []string, _ ...interface{}) *redis.Cmd {
	return c.next(ctx)
}

func (c *scriptedClient) EvalRO(ctx context.Context, _ string, _ []string, _ ...interface{}) *redis.Cmd {
	return c.next(ctx)
}

func (c *scriptedClient) EvalShaRO(ctx context.Context, _ string, _ []string, _ ...interface{}) *redis.Cmd {
	return c.next(ctx)
}

func (c *scriptedClient) ScriptExists(ctx context.Context, _ ...string) *redis.BoolSliceCmd {
	return redis.NewBoolSliceCmd(ctx)
}

func (c *scriptedClient) ScriptLoad(ctx context.Context, _ string) *redis.StringCmd {
	return redis.NewStringCmd(ctx)
}

func (c *scriptedClient) ZRangeByScore(ctx context.Context, _ string, _ *redis.ZRangeBy) *redis.StringSliceCmd {
	return redis.NewStringSliceCmd(ctx)
}

func (c *scriptedClient) ZRevRange(ctx context.Context, _ string, _, _ int64) *redis.StringSliceCmd {
	return redis.NewStringSliceCmd(ctx)
}

func (c *scriptedClient) ZRangeByLex(ctx context.Context, _ string, _ *redis.ZRangeBy) *redis.StringSliceCmd {
	return redis.NewStringSliceCmd(ctx)
}

func (c *scriptedClient) ZAddNX(ctx context.Context, key string, members ...redis.Z) *redis.IntCmd {
	cmd := redis.NewIntCmd(ctx)
	if len(c.indexErrs) > 0 {
		err := c.indexErrs[0]
		c.indexErrs = c.indexErrs[1:]
		if err != nil {
			cmd.SetErr(err)
			return cmd
		}
	}
	for _, m := range members {
		c.indexed[key+"|"+m.Member.(string)] = true
	}
	cmd.SetVal(int64(len(members)))
	return cmd
}

func (c *scriptedClient) HGet(ctx context.Context, _, _ string) *redis.StringCmd {
	cmd := redis.NewStringCmd(ctx)
	cmd.SetErr(redis.Nil)
	return cmd
}

func TestEventStore_BackfillsTypeIndex(t *testing.T) {
	ctx := context.Background()
	id := storetest.Order.Aggregate("o-idx")
	keys := keyspace{prefix: "evt:"}
	member := keys.index(id.NamedAggregate) + "|" + store.ScanKey(id)

	tests := []struct {
		name    string
		retry   *eventing.DomainEventStream
		result  string
		wantErr any
	}{
		{"next append", storetest.NewStream(t, id, 2, ""), resultOK, nil},
		{"retried request", storetest.NewStream(t, id, 2, "req-1"), resultDuplicateRequestID, &eventing.DuplicateRequestIdError{}},
		{"repeated create", storetest.NewStream(t, id, 1, ""), resultEventVersionConflict, &eventing.EventVersionConflictError{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &scriptedClient{
				results:   []string{resultOK, tt.result},
				indexErrs: []error{errors.New("index slot unavailable")},
				indexed:   map[string]bool{},
			}
			s := &EventStore{client: c, keys: keys, logger: logging.ComponentLogger("eventing.store.redis")}

			require.NoError(t, s.Append(ctx, storetest.NewStream(t, id, 1, "req-1")))
			assert.False(t, c.indexed[member])

			err := s.Append(ctx, tt.retry)
			if tt.wantErr == nil {
				require.NoError(t, err)
			} else {
				assert.IsType(t, tt.wantErr, err)
			}
			assert.True(t, c.indexed[member])
		})
	}
}

func TestEventStore_ConflictAheadOfLogDoesNotIndex(t *testing.T) {
	id := storetest.Order.Aggregate("o-gap")
	c := &scriptedClient{results: []string{resultEventVersionConflict}, indexed: map[string]bool{}}
	s := &EventStore{client: c, keys: keyspace{prefix: "evt:"}, logger: logging.ComponentLogger("eventing.store.redis")}

	err := s.Append(context.Background(), storetest.NewStream(t, id, 3, ""))
	var conflict *eventing.EventVersionConflictError
	assert.ErrorAs(t, err, &conflict)
	assert.Empty(t, c.indexed)
}
