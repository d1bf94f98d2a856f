package state

import (
	"encoding/json"
	"fmt"
	"time"

	"evtcore/eventing/store/snapshot"
)

// ToSnapshot 把已初始化的聚合编码为快照
func ToSnapshot[S any](agg *StateAggregate[S], now time.Time) (*snapshot.Snapshot, error) {
	if !agg.Initialized() {
		return nil, fmt.Errorf("snapshot of uninitialized aggregate %s", agg.AggregateId)
	}
	raw, err := json.Marshal(agg.State)
	if err != nil {
		return nil, fmt.Errorf("encode state of %s: %w", agg.AggregateId, err)
	}
	return &snapshot.Snapshot{
		AggregateId:    agg.AggregateId,
		Version:        agg.Version,
		State:          raw,
		FirstEventTime: agg.FirstEventTime,
		EventTime:      agg.EventTime,
		SnapshotTime:   now.UTC().Truncate(time.Millisecond),
		Deleted:        agg.Deleted,
	}, nil
}

// FromSnapshot 以 base 为默认状态解码快照
func FromSnapshot[S any](snap *snapshot.Snapshot, base S) (*StateAggregate[S], error) {
	state := base
	if len(snap.State) > 0 {
		if err := json.Unmarshal(snap.State, &state); err != nil {
			return nil, fmt.Errorf("decode snapshot state of %s: %w", snap.AggregateId, err)
		}
	}
	return &StateAggregate[S]{
		AggregateId:     snap.AggregateId,
		Version:         snap.Version,
		State:           state,
		FirstEventTime:  snap.FirstEventTime,
		EventTime:       snap.EventTime,
		Deleted:         snap.Deleted,
		SnapshotVersion: snap.Version,
		SnapshotTime:    snap.SnapshotTime,
	}, nil
}
