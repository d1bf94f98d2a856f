package snapshot

import (
	"fmt"
	"strings"
	"time"

	"evtcore/modeling"
)

// Progress 追加事件流后聚合相对上次快照的进度
type Progress struct {
	AggregateId     modeling.AggregateId
	Version         uint64
	EventTime       time.Time
	SnapshotVersion uint64
	SnapshotTime    time.Time
}

// IStrategy 快照策略：纯函数，根据进度判断是否生成快照
type IStrategy interface {
	ShouldSnapshot(p Progress) bool
	Name() string
}

// 策略名称，对应配置项 snapshot.strategy
const (
	StrategyAll           = "all"
	StrategyVersionOffset = "version_offset"
	StrategyTimeOffset    = "time_offset"
	StrategyNone          = "none"
)

// AllStrategy 每次追加都生成快照
type AllStrategy struct{}

func (AllStrategy) ShouldSnapshot(Progress) bool { return true }
func (AllStrategy) Name() string                 { return StrategyAll }

// VersionOffsetStrategy 距上次快照至少 Offset 个版本时生成
type VersionOffsetStrategy struct {
	Offset uint64
}

func (s VersionOffsetStrategy) ShouldSnapshot(p Progress) bool {
	return p.Version >= p.SnapshotVersion+s.Offset
}

func (s VersionOffsetStrategy) Name() string { return StrategyVersionOffset }

// TimeOffsetStrategy 最新事件时间距上次快照时间超过 Offset 时生成
type TimeOffsetStrategy struct {
	Offset time.Duration
}

func (s TimeOffsetStrategy) ShouldSnapshot(p Progress) bool {
	if p.SnapshotTime.IsZero() {
		return true
	}
	return p.EventTime.Sub(p.SnapshotTime) > s.Offset
}

func (s TimeOffsetStrategy) Name() string { return StrategyTimeOffset }

// NoneStrategy 从不生成快照
type NoneStrategy struct{}

func (NoneStrategy) ShouldSnapshot(Progress) bool { return false }
func (NoneStrategy) Name() string                 { return StrategyNone }

// 默认偏移量
const (
	DefaultVersionOffset = 5
	DefaultTimeOffset    = 60 * time.Second
)

// ParseStrategy 根据配置构造策略；三种策略互斥，未设置的偏移量取默认值
func ParseStrategy(name string, versionOffset uint64, timeOffset time.Duration) (IStrategy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case StrategyAll:
		return AllStrategy{}, nil
	case "", StrategyVersionOffset:
		if versionOffset == 0 {
			versionOffset = DefaultVersionOffset
		}
		return VersionOffsetStrategy{Offset: versionOffset}, nil
	case StrategyTimeOffset:
		if timeOffset <= 0 {
			timeOffset = DefaultTimeOffset
		}
		return TimeOffsetStrategy{Offset: timeOffset}, nil
	case StrategyNone:
		return NoneStrategy{}, nil
	default:
		return nil, fmt.Errorf("unknown snapshot strategy %q", name)
	}
}
