// Package state 负责聚合状态的重建：快照 + 之后的事件流，通过溯源函数折叠得到当前状态。
package state

import (
	"time"

	"evtcore/modeling"
)

// StateAggregate 重建后的聚合运行时视图，只在一次命令处理周期内使用
type StateAggregate[S any] struct {
	AggregateId    modeling.AggregateId
	Version        uint64
	State          S
	EventID        string
	Operator       string
	FirstEventTime time.Time
	EventTime      time.Time
	Deleted        bool

	// 加载时所依据的快照，用于快照策略判断
	SnapshotVersion uint64
	SnapshotTime    time.Time
}

// NewStateAggregate 创建未初始化的聚合视图
func NewStateAggregate[S any](id modeling.AggregateId, state S) *StateAggregate[S] {
	return &StateAggregate[S]{AggregateId: id, Version: modeling.UninitializedVersion, State: state}
}

// Initialized 是否已经应用过至少一条事件流（含快照中的）
func (a *StateAggregate[S]) Initialized() bool {
	return a.Version > modeling.UninitializedVersion
}

// ExpectedNextVersion 下一条事件流应占用的版本
func (a *StateAggregate[S]) ExpectedNextVersion() uint64 {
	return a.Version + 1
}

// Factory 为聚合 ID 创建默认状态
type Factory[S any] func(id modeling.AggregateId) S

// ZeroFactory 以零值作为默认状态
func ZeroFactory[S any]() Factory[S] {
	return func(modeling.AggregateId) S {
		var zero S
		return zero
	}
}
