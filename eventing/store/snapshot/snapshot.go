// Package snapshot 保存聚合状态快照，并决定何时生成快照。
//
// 快照只是加载加速手段：丢失或落后的快照不影响正确性，
// 仓库保证已保存的版本不会被更旧的快照覆盖。
package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"evtcore/modeling"
)

// Snapshot 聚合状态快照
type Snapshot struct {
	AggregateId    modeling.AggregateId `json:"aggregateId"`
	Version        uint64               `json:"version"`
	State          json.RawMessage      `json:"state"`
	FirstEventTime time.Time            `json:"firstEventTime"`
	EventTime      time.Time            `json:"eventTime"`
	SnapshotTime   time.Time            `json:"snapshotTime"`
	Deleted        bool                 `json:"deleted"`
}

// Validate 保存前的结构检查
func (s *Snapshot) Validate() error {
	if s == nil {
		return fmt.Errorf("%w: nil snapshot", modeling.ErrPrecondition)
	}
	if err := s.AggregateId.Validate(); err != nil {
		return fmt.Errorf("%w: %v", modeling.ErrPrecondition, err)
	}
	if s.Version < modeling.InitialVersion {
		return fmt.Errorf("%w: snapshot of uninitialized aggregate %s", modeling.ErrPrecondition, s.AggregateId)
	}
	return nil
}

// IRepository 快照仓库
type IRepository interface {
	// Save 保存快照；已存在更高版本时忽略本次保存
	Save(ctx context.Context, snap *Snapshot) error

	// Load 读取最新快照，不存在时返回 (nil, nil)
	Load(ctx context.Context, id modeling.AggregateId) (*Snapshot, error)

	// ScanAggregateId 按 (ID, TenantID) 升序分页列出有快照的聚合
	ScanAggregateId(ctx context.Context, named modeling.NamedAggregate, after modeling.AggregateId, limit int) ([]modeling.AggregateId, error)
}

// NoopRepository 不保存任何快照，用于关闭快照的场景
type NoopRepository struct{}

func (NoopRepository) Save(context.Context, *Snapshot) error { return nil }
func (NoopRepository) Load(context.Context, modeling.AggregateId) (*Snapshot, error) {
	return nil, nil
}
func (NoopRepository) ScanAggregateId(context.Context, modeling.NamedAggregate, modeling.AggregateId, int) ([]modeling.AggregateId, error) {
	return nil, nil
}

func marshalSnapshot(s *Snapshot) ([]byte, error) {
	return json.Marshal(s)
}

func unmarshalSnapshot(data []byte) (*Snapshot, error) {
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &s, nil
}

var _ IRepository = NoopRepository{}
