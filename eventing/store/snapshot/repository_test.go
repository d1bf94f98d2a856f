package snapshot

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"evtcore/data/db"
	basicdb "evtcore/data/db/basic"
	"evtcore/modeling"
	"evtcore/storage/boltdb"
)

var cart = modeling.NewNamedAggregate("shop", "cart")

func newSnapshot(id modeling.AggregateId, version uint64, state string) *Snapshot {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &Snapshot{
		AggregateId:    id,
		Version:        version,
		State:          json.RawMessage(state),
		FirstEventTime: now.Add(-time.Hour),
		EventTime:      now,
		SnapshotTime:   now,
	}
}

func runRepositoryContract(t *testing.T, repo IRepository) {
	ctx := context.Background()

	t.Run("missing", func(t *testing.T) {
		snap, err := repo.Load(ctx, cart.Aggregate("none"))
		require.NoError(t, err)
		assert.Nil(t, snap)
	})

	t.Run("save and load", func(t *testing.T) {
		id := cart.Aggregate("c-1")
		want := newSnapshot(id, 3, `{"items":3}`)
		require.NoError(t, repo.Save(ctx, want))

		got, err := repo.Load(ctx, id)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, id, got.AggregateId)
		assert.Equal(t, uint64(3), got.Version)
		assert.JSONEq(t, `{"items":3}`, string(got.State))
		assert.True(t, want.EventTime.Equal(got.EventTime))
		assert.True(t, want.FirstEventTime.Equal(got.FirstEventTime))
	})

	t.Run("older snapshot never replaces newer", func(t *testing.T) {
		id := cart.Aggregate("c-2")
		require.NoError(t, repo.Save(ctx, newSnapshot(id, 5, `{"v":5}`)))
		require.NoError(t, repo.Save(ctx, newSnapshot(id, 4, `{"v":4}`)))

		got, err := repo.Load(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, uint64(5), got.Version)

		deleted := newSnapshot(id, 6, `{"v":6}`)
		deleted.Deleted = true
		require.NoError(t, repo.Save(ctx, deleted))
		got, err = repo.Load(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, uint64(6), got.Version)
		assert.True(t, got.Deleted)
	})

	t.Run("rejects uninitialized", func(t *testing.T) {
		assert.ErrorIs(t, repo.Save(ctx, newSnapshot(cart.Aggregate("c-0"), 0, `{}`)), modeling.ErrPrecondition)
	})

	t.Run("scan", func(t *testing.T) {
		for _, raw := range []string{"s-b", "s-a", "s-c"} {
			require.NoError(t, repo.Save(ctx, newSnapshot(modeling.NewAggregateId(cart, raw, "scan"), 1, `{}`)))
		}
		var seen []string
		var cursor modeling.AggregateId
		for {
			page, err := repo.ScanAggregateId(ctx, cart, cursor, 2)
			require.NoError(t, err)
			if len(page) == 0 {
				break
			}
			for _, id := range page {
				seen = append(seen, id.ID)
			}
			cursor = page[len(page)-1]
		}
		assert.Subset(t, seen, []string{"s-a", "s-b", "s-c"})
		assert.IsIncreasing(t, seen)
	})
}

func TestMemoryRepository(t *testing.T) {
	runRepositoryContract(t, NewMemoryRepository())
}

func TestSQLRepository(t *testing.T) {
	database, err := basicdb.New(db.Config{Driver: "sqlite", DSN: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })

	repo := NewSQLRepository(database, "")
	require.NoError(t, repo.Init(context.Background()))
	runRepositoryContract(t, repo)
}

func TestBoltRepository(t *testing.T) {
	bdb, err := boltdb.Open(context.Background(), boltdb.Config{Path: filepath.Join(t.TempDir(), "snap.db"), NoSync: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = bdb.Close() })
	runRepositoryContract(t, NewBoltRepository(bdb))
}

func TestRedisRepository(t *testing.T) {
	addr := os.Getenv("EVTCORE_REDIS_ADDR")
	if addr == "" {
		t.Skip("EVTCORE_REDIS_ADDR not set")
	}
	c := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = c.Close() })

	repo, err := NewRedisRepository(c, "snap-test-"+uuid.NewString()+":")
	require.NoError(t, err)
	runRepositoryContract(t, repo)
}
