package snapshot

import (
	"context"

	"go.etcd.io/bbolt"

	"evtcore/eventing/store"
	"evtcore/modeling"
	"evtcore/storage/boltdb"
)

var snapshotBucketKey = []byte("snapshots")

// BoltRepository bbolt 快照仓库：snapshots/<context.aggregate>/<id\x00tenant> -> JSON
type BoltRepository struct {
	db *bbolt.DB
}

// NewBoltRepository 创建 bbolt 快照仓库
func NewBoltRepository(db *bbolt.DB) *BoltRepository {
	return &BoltRepository{db: db}
}

func (r *BoltRepository) Save(ctx context.Context, snap *Snapshot) error {
	if err := snap.Validate(); err != nil {
		return err
	}
	data, err := marshalSnapshot(snap)
	if err != nil {
		return err
	}
	key := []byte(store.ScanKey(snap.AggregateId))
	return r.db.Update(func(tx *bbolt.Tx) error {
		b, err := boltdb.CreateBucket(tx, snapshotBucketKey, []byte(snap.AggregateId.NamedAggregate.String()))
		if err != nil {
			return err
		}
		if existing := b.Get(key); existing != nil {
			cur, err := unmarshalSnapshot(existing)
			if err != nil {
				return err
			}
			if cur.Version > snap.Version {
				return nil
			}
		}
		return b.Put(key, data)
	})
}

func (r *BoltRepository) Load(ctx context.Context, id modeling.AggregateId) (*Snapshot, error) {
	var snap *Snapshot
	err := r.db.View(func(tx *bbolt.Tx) error {
		b := boltdb.Bucket(tx, snapshotBucketKey, []byte(id.NamedAggregate.String()))
		if b == nil {
			return nil
		}
		data := b.Get([]byte(store.ScanKey(id)))
		if data == nil {
			return nil
		}
		var err error
		snap, err = unmarshalSnapshot(data)
		return err
	})
	return snap, err
}

func (r *BoltRepository) ScanAggregateId(ctx context.Context, named modeling.NamedAggregate, after modeling.AggregateId, limit int) ([]modeling.AggregateId, error) {
	var ids []modeling.AggregateId
	err := r.db.View(func(tx *bbolt.Tx) error {
		b := boltdb.Bucket(tx, snapshotBucketKey, []byte(named.String()))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		var k []byte
		if after.ID == "" {
			k, _ = c.First()
		} else {
			cursor := store.ScanKey(after)
			k, _ = c.Seek([]byte(cursor))
			if k != nil && string(k) == cursor {
				k, _ = c.Next()
			}
		}
		for ; k != nil && len(ids) < limit; k, _ = c.Next() {
			ids = append(ids, store.ParseScanKey(named, string(k)))
		}
		return nil
	})
	return ids, err
}

var _ IRepository = (*BoltRepository)(nil)
