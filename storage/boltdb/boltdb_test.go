package boltdb

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/bbolt"
)

func TestOpenAndNestedBuckets(t *testing.T) {
	db, err := Open(context.Background(), Config{Path: filepath.Join(t.TempDir(), "nested", "test.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, db.Update(func(tx *bbolt.Tx) error {
		b, err := CreateBucket(tx, []byte("a"), []byte("b"))
		if err != nil {
			return err
		}
		return b.Put([]byte("k"), MarshalUint64(42))
	}))

	require.NoError(t, db.View(func(tx *bbolt.Tx) error {
		assert.Nil(t, Bucket(tx, []byte("a"), []byte("missing")))
		b := Bucket(tx, []byte("a"), []byte("b"))
		require.NotNil(t, b)
		n, err := UnmarshalUint64(b.Get([]byte("k")))
		require.NoError(t, err)
		assert.Equal(t, uint64(42), n)
		return nil
	}))
}

func TestOpen_Errors(t *testing.T) {
	_, err := Open(context.Background(), Config{})
	assert.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = Open(ctx, Config{Path: filepath.Join(t.TempDir(), "x.db")})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestOpen_LockTimeout(t *testing.T) {
	path := filepath.Join(t.TempDir(), "locked.db")
	db, err := Open(context.Background(), Config{Path: path})
	require.NoError(t, err)
	defer db.Close()

	_, err = Open(context.Background(), Config{Path: path, Timeout: 50 * time.Millisecond})
	assert.Error(t, err)
}

func TestUnmarshalUint64_Corrupt(t *testing.T) {
	n, err := UnmarshalUint64(nil)
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = UnmarshalUint64([]byte{1, 2, 3})
	assert.Error(t, err)
}
