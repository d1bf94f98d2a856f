package basic

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	core "evtcore/data/db"
)

func setupTestDB(t *testing.T) *DB {
	t.Helper()
	d, err := New(core.Config{Driver: "sqlite", DSN: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	require.NoError(t, d.ExecScript(context.Background(), `
		CREATE TABLE kv (k TEXT PRIMARY KEY, v TEXT NOT NULL);
		CREATE INDEX idx_kv_v ON kv (v);
	`))
	return d
}

func TestWithTx_CommitAndRollback(t *testing.T) {
	ctx := context.Background()
	d := setupTestDB(t)

	require.NoError(t, core.WithTx(ctx, d, func(tx core.ITransaction) error {
		_, err := tx.Exec(ctx, "INSERT INTO kv (k, v) VALUES (?, ?)", "a", "1")
		return err
	}))

	boom := errors.New("boom")
	err := core.WithTx(ctx, d, func(tx core.ITransaction) error {
		if _, err := tx.Exec(ctx, "INSERT INTO kv (k, v) VALUES (?, ?)", "b", "2"); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	var count int
	require.NoError(t, d.QueryRow(ctx, "SELECT COUNT(*) FROM kv").Scan(&count))
	assert.Equal(t, 1, count)
}

func TestWithTx_RollbackOnPanic(t *testing.T) {
	ctx := context.Background()
	d := setupTestDB(t)

	assert.Panics(t, func() {
		_ = core.WithTx(ctx, d, func(tx core.ITransaction) error {
			_, _ = tx.Exec(ctx, "INSERT INTO kv (k, v) VALUES (?, ?)", "p", "1")
			panic("boom")
		})
	})

	var count int
	require.NoError(t, d.QueryRow(ctx, "SELECT COUNT(*) FROM kv").Scan(&count))
	assert.Equal(t, 0, count)
}

func TestQuery_ScansRows(t *testing.T) {
	ctx := context.Background()
	d := setupTestDB(t)
	for _, k := range []string{"x", "y"} {
		_, err := d.Exec(ctx, "INSERT INTO kv (k, v) VALUES (?, ?)", k, k+k)
		require.NoError(t, err)
	}

	rows, err := d.Query(ctx, "SELECT k, v FROM kv ORDER BY k")
	require.NoError(t, err)
	defer rows.Close()

	var got []string
	for rows.Next() {
		var k, v string
		require.NoError(t, rows.Scan(&k, &v))
		got = append(got, k+"="+v)
	}
	require.NoError(t, rows.Err())
	assert.Equal(t, []string{"x=xx", "y=yy"}, got)
	assert.Equal(t, "sqlite", d.GetDialectName())
}
