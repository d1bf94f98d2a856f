package projection

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"evtcore/data/db"
	basicdb "evtcore/data/db/basic"
	"evtcore/modeling"
)

var orderType = modeling.NewNamedAggregate("sales", "order")

func runCheckpointContract(t *testing.T, newStore func(t *testing.T) ICheckpointStore) {
	ctx := context.Background()

	t.Run("missing checkpoint is zero", func(t *testing.T) {
		s := newStore(t)
		v, err := s.Load(ctx, "view", orderType.Aggregate("o-1"))
		require.NoError(t, err)
		assert.Zero(t, v)
	})

	t.Run("advance is monotonic", func(t *testing.T) {
		s := newStore(t)
		id := orderType.Aggregate("o-1")
		require.NoError(t, s.Advance(ctx, "view", id, 3))
		require.NoError(t, s.Advance(ctx, "view", id, 2))
		v, err := s.Load(ctx, "view", id)
		require.NoError(t, err)
		assert.Equal(t, uint64(3), v)

		require.NoError(t, s.Advance(ctx, "view", id, 5))
		v, err = s.Load(ctx, "view", id)
		require.NoError(t, err)
		assert.Equal(t, uint64(5), v)
	})

	t.Run("projections and tenants are isolated", func(t *testing.T) {
		s := newStore(t)
		id := orderType.Aggregate("o-1")
		other := modeling.NewAggregateId(orderType, "o-1", "acme")
		require.NoError(t, s.Advance(ctx, "view", id, 2))

		v, err := s.Load(ctx, "report", id)
		require.NoError(t, err)
		assert.Zero(t, v)
		v, err = s.Load(ctx, "view", other)
		require.NoError(t, err)
		assert.Zero(t, v)
	})

	t.Run("reset clears one projection", func(t *testing.T) {
		s := newStore(t)
		id := orderType.Aggregate("o-1")
		require.NoError(t, s.Advance(ctx, "view", id, 2))
		require.NoError(t, s.Advance(ctx, "report", id, 4))
		require.NoError(t, s.Reset(ctx, "view"))

		v, err := s.Load(ctx, "view", id)
		require.NoError(t, err)
		assert.Zero(t, v)
		v, err = s.Load(ctx, "report", id)
		require.NoError(t, err)
		assert.Equal(t, uint64(4), v)
	})

	t.Run("zero version rejected", func(t *testing.T) {
		s := newStore(t)
		assert.ErrorIs(t, s.Advance(ctx, "view", orderType.Aggregate("o-1"), 0), ErrInvalidCheckpoint)
	})
}

func TestMemoryCheckpointStore(t *testing.T) {
	runCheckpointContract(t, func(t *testing.T) ICheckpointStore {
		return NewMemoryCheckpointStore()
	})
}

func TestSQLCheckpointStore(t *testing.T) {
	runCheckpointContract(t, func(t *testing.T) ICheckpointStore {
		database, err := basicdb.New(db.Config{Driver: "sqlite", DSN: ":memory:"})
		require.NoError(t, err)
		t.Cleanup(func() { _ = database.Close() })
		s, err := NewSQLCheckpointStore(database, "")
		require.NoError(t, err)
		require.NoError(t, s.Init(context.Background()))
		return s
	})
}

func TestSQLCheckpointStore_RejectsBadTable(t *testing.T) {
	database, err := basicdb.New(db.Config{Driver: "sqlite", DSN: ":memory:"})
	require.NoError(t, err)
	defer database.Close()
	_, err = NewSQLCheckpointStore(database, "drop table;")
	assert.Error(t, err)
}
