package prepare

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.etcd.io/bbolt"

	"evtcore/storage/boltdb"
)

var prepareBucketKey = []byte("prepare")

type boltEntry struct {
	Value []byte `json:"value"`
	TtlAt int64  `json:"ttlAt"`
}

// BoltStore bbolt PrepareKey 后端：prepare/<key> -> JSON
//
// 所有写操作在单个 Update 事务内完成，bbolt 的单写者事务保证原子性。
type BoltStore struct {
	db    *bbolt.DB
	clock Clock
}

// NewBoltStore 创建 bbolt 后端
func NewBoltStore(db *bbolt.DB) (*BoltStore, error) {
	if db == nil {
		return nil, errors.New("bolt database not configured")
	}
	return &BoltStore{db: db, clock: time.Now}, nil
}

// WithClock 替换判定过期的时钟
func (s *BoltStore) WithClock(clock Clock) *BoltStore {
	s.clock = clock
	return s
}

func getLive(b *bbolt.Bucket, key string, now int64) (*Entry, error) {
	if b == nil {
		return nil, nil
	}
	data := b.Get([]byte(key))
	if data == nil {
		return nil, nil
	}
	var be boltEntry
	if err := json.Unmarshal(data, &be); err != nil {
		return nil, err
	}
	e := Entry{Value: be.Value, TtlAt: be.TtlAt}
	if e.expired(now) {
		return nil, nil
	}
	return &e, nil
}

func putEntry(b *bbolt.Bucket, key string, entry Entry) error {
	data, err := json.Marshal(boltEntry{Value: entry.Value, TtlAt: entry.TtlAt})
	if err != nil {
		return err
	}
	return b.Put([]byte(key), data)
}

// update 在写事务中执行 fn，fn 返回 false 时不做修改
func (s *BoltStore) update(ctx context.Context, fn func(b *bbolt.Bucket, now int64) (bool, error)) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	now := nowMs(s.clock)
	var ok bool
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b, err := boltdb.CreateBucket(tx, prepareBucketKey)
		if err != nil {
			return err
		}
		ok, err = fn(b, now)
		return err
	})
	return ok, err
}

func (s *BoltStore) Prepare(ctx context.Context, key string, entry Entry) (bool, error) {
	return s.update(ctx, func(b *bbolt.Bucket, now int64) (bool, error) {
		cur, err := getLive(b, key, now)
		if err != nil || cur != nil {
			return false, err
		}
		return true, putEntry(b, key, entry)
	})
}

func (s *BoltStore) GetValue(ctx context.Context, key string) (*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	now := nowMs(s.clock)
	var e *Entry
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		e, err = getLive(boltdb.Bucket(tx, prepareBucketKey), key, now)
		return err
	})
	return e, err
}

func (s *BoltStore) Rollback(ctx context.Context, key string) (bool, error) {
	return s.update(ctx, func(b *bbolt.Bucket, now int64) (bool, error) {
		cur, err := getLive(b, key, now)
		if err != nil || cur == nil {
			return false, err
		}
		return true, b.Delete([]byte(key))
	})
}

func (s *BoltStore) RollbackIf(ctx context.Context, key string, value []byte) (bool, error) {
	return s.update(ctx, func(b *bbolt.Bucket, now int64) (bool, error) {
		cur, err := getLive(b, key, now)
		if err != nil || cur == nil || !cur.matches(value) {
			return false, err
		}
		return true, b.Delete([]byte(key))
	})
}

func (s *BoltStore) Reprepare(ctx context.Context, key string, entry Entry) (bool, error) {
	return s.update(ctx, func(b *bbolt.Bucket, now int64) (bool, error) {
		cur, err := getLive(b, key, now)
		if err != nil || cur == nil {
			return false, err
		}
		return true, putEntry(b, key, entry)
	})
}

func (s *BoltStore) ReprepareIf(ctx context.Context, key string, oldValue []byte, entry Entry) (bool, error) {
	return s.update(ctx, func(b *bbolt.Bucket, now int64) (bool, error) {
		cur, err := getLive(b, key, now)
		if err != nil || cur == nil || !cur.matches(oldValue) {
			return false, err
		}
		return true, putEntry(b, key, entry)
	})
}

func (s *BoltStore) Move(ctx context.Context, oldKey string, oldValue []byte, newKey string, entry Entry) (bool, error) {
	return s.update(ctx, func(b *bbolt.Bucket, now int64) (bool, error) {
		old, err := getLive(b, oldKey, now)
		if err != nil || old == nil || !old.matches(oldValue) {
			return false, err
		}
		taken, err := getLive(b, newKey, now)
		if err != nil || taken != nil {
			return false, err
		}
		if err := b.Delete([]byte(oldKey)); err != nil {
			return false, err
		}
		return true, putEntry(b, newKey, entry)
	})
}

// Reap 删除已过期条目，返回删除数量
func (s *BoltStore) Reap(ctx context.Context) (int, error) {
	n := 0
	_, err := s.update(ctx, func(b *bbolt.Bucket, now int64) (bool, error) {
		var expired [][]byte
		err := b.ForEach(func(k, v []byte) error {
			var be boltEntry
			if err := json.Unmarshal(v, &be); err != nil {
				return err
			}
			if isExpired(be.TtlAt, now) {
				expired = append(expired, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return false, err
		}
		for _, k := range expired {
			if err := b.Delete(k); err != nil {
				return false, err
			}
		}
		n = len(expired)
		return n > 0, nil
	})
	return n, err
}

var _ IStore = (*BoltStore)(nil)
