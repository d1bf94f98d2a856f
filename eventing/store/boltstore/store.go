// Package boltstore 基于 bbolt 的嵌入式事件存储
//
// bucket 布局：
//
//	events/<context.aggregate>/<id\x00tenant>/streams   version(8 字节大端) -> 事件流 JSON
//	events/<context.aggregate>/<id\x00tenant>/requests  requestId -> version
//
// bbolt 同一时刻只有一个写事务，版本与 requestId 检查天然原子。
package boltstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"evtcore/eventing"
	"evtcore/eventing/store"
	"evtcore/modeling"
	"evtcore/storage/boltdb"
)

var (
	rootBucketKey     = []byte("events")
	streamsBucketKey  = []byte("streams")
	requestsBucketKey = []byte("requests")
)

// EventStore bbolt 事件存储
type EventStore struct {
	db *bbolt.DB
}

// NewEventStore 使用已打开的数据库创建事件存储
func NewEventStore(db *bbolt.DB) *EventStore {
	return &EventStore{db: db}
}

func aggregatePath(id modeling.AggregateId) [][]byte {
	return [][]byte{rootBucketKey, []byte(id.NamedAggregate.String()), []byte(store.ScanKey(id))}
}

func (s *EventStore) Append(ctx context.Context, stream *eventing.DomainEventStream) error {
	payload, err := stream.Marshal()
	if err != nil {
		return err
	}
	errConflict := errors.New("conflict")
	errDuplicate := errors.New("duplicate")

	err = s.db.Update(func(tx *bbolt.Tx) error {
		agg, err := boltdb.CreateBucket(tx, aggregatePath(stream.AggregateId)...)
		if err != nil {
			return err
		}
		streams, err := agg.CreateBucketIfNotExists(streamsBucketKey)
		if err != nil {
			return err
		}
		requests, err := agg.CreateBucketIfNotExists(requestsBucketKey)
		if err != nil {
			return err
		}

		var head uint64
		if k, _ := streams.Cursor().Last(); k != nil {
			if head, err = boltdb.UnmarshalUint64(k); err != nil {
				return err
			}
		}
		if stream.Version != head+1 {
			return errConflict
		}
		if requests.Get([]byte(stream.RequestID)) != nil {
			return errDuplicate
		}

		key := boltdb.MarshalUint64(stream.Version)
		if err := streams.Put(key, payload); err != nil {
			return err
		}
		return requests.Put([]byte(stream.RequestID), key)
	})

	switch {
	case err == nil:
		return nil
	case errors.Is(err, errConflict):
		return eventing.NewEventVersionConflictError(stream)
	case errors.Is(err, errDuplicate):
		return eventing.NewDuplicateRequestIdError(stream)
	default:
		return fmt.Errorf("append event stream %s@%d: %w", stream.AggregateId, stream.Version, err)
	}
}

func (s *EventStore) Load(ctx context.Context, id modeling.AggregateId, headVersion, tailVersion uint64) ([]*eventing.DomainEventStream, error) {
	var out []*eventing.DomainEventStream
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := boltdb.Bucket(tx, append(aggregatePath(id), streamsBucketKey)...)
		if b == nil {
			return nil
		}
		c := b.Cursor()
		end := boltdb.MarshalUint64(tailVersion)
		for k, v := c.Seek(boltdb.MarshalUint64(headVersion)); k != nil && string(k) <= string(end); k, v = c.Next() {
			st, err := eventing.UnmarshalStream(v)
			if err != nil {
				return err
			}
			out = append(out, st)
		}
		return nil
	})
	return out, err
}

func (s *EventStore) LoadByTime(ctx context.Context, id modeling.AggregateId, headTime, tailTime time.Time) ([]*eventing.DomainEventStream, error) {
	all, err := s.Load(ctx, id, modeling.InitialVersion, modeling.MaxVersion)
	if err != nil {
		return nil, err
	}
	var out []*eventing.DomainEventStream
	for _, st := range all {
		if !st.CreateTime.Before(headTime) && !st.CreateTime.After(tailTime) {
			out = append(out, st)
		}
	}
	return out, nil
}

func (s *EventStore) Last(ctx context.Context, id modeling.AggregateId) (*eventing.DomainEventStream, error) {
	var last *eventing.DomainEventStream
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := boltdb.Bucket(tx, append(aggregatePath(id), streamsBucketKey)...)
		if b == nil {
			return nil
		}
		k, v := b.Cursor().Last()
		if k == nil {
			return nil
		}
		var err error
		last, err = eventing.UnmarshalStream(v)
		return err
	})
	return last, err
}

func (s *EventStore) FindByRequestID(ctx context.Context, id modeling.AggregateId, requestID string) (*eventing.DomainEventStream, error) {
	var found *eventing.DomainEventStream
	err := s.db.View(func(tx *bbolt.Tx) error {
		agg := boltdb.Bucket(tx, aggregatePath(id)...)
		if agg == nil {
			return nil
		}
		requests, streams := agg.Bucket(requestsBucketKey), agg.Bucket(streamsBucketKey)
		if requests == nil || streams == nil {
			return nil
		}
		key := requests.Get([]byte(requestID))
		if key == nil {
			return nil
		}
		v := streams.Get(key)
		if v == nil {
			return nil
		}
		var err error
		found, err = eventing.UnmarshalStream(v)
		return err
	})
	return found, err
}

func (s *EventStore) ScanAggregateId(ctx context.Context, named modeling.NamedAggregate, after modeling.AggregateId, limit int) ([]modeling.AggregateId, error) {
	var ids []modeling.AggregateId
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := boltdb.Bucket(tx, rootBucketKey, []byte(named.String()))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		var k []byte
		if after.ID == "" {
			k, _ = c.First()
		} else {
			cursor := []byte(store.ScanKey(after))
			k, _ = c.Seek(cursor)
			if k != nil && string(k) == string(cursor) {
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

var (
	_ store.IEventStore   = (*EventStore)(nil)
	_ store.IRequestIndex = (*EventStore)(nil)
)
