// Package monitoring 定义事件存储、命令处理与快照的运行指标接口。
package monitoring

import "time"

// 追加/命令结果标签
const (
	OutcomeOK                 = "ok"
	OutcomeConflict           = "conflict"
	OutcomeDuplicateRequest   = "duplicate_request"
	OutcomeDuplicateAggregate = "duplicate_aggregate"
	OutcomeExhausted          = "exhausted"
	OutcomeTimeout            = "timeout"
	OutcomeError              = "error"
)

// IMetrics 指标记录接口，aggregate 参数为 context.aggregate 形式的聚合类型
type IMetrics interface {
	// ObserveAppend 记录一次事件流追加
	ObserveAppend(aggregate string, d time.Duration, events int, outcome string)

	// ObserveLoad 记录一次事件加载
	ObserveLoad(aggregate string, d time.Duration, streams int)

	// CommandProcessed 记录一次命令处理结果与尝试次数
	CommandProcessed(aggregate string, outcome string, attempts int)

	// SnapshotSaved 记录快照保存结果
	SnapshotSaved(aggregate string, d time.Duration, success bool)

	// LaneQueueDepth 调整调度通道上的排队任务数
	LaneQueueDepth(aggregate string, delta int)

	// StreamPublished 记录一次事件流投递到总线的结果
	StreamPublished(aggregate string, transport string, success bool)
}

// NoopMetrics 不记录任何指标
type NoopMetrics struct{}

// NewNoopMetrics 创建空指标实现
func NewNoopMetrics() *NoopMetrics { return &NoopMetrics{} }

func (NoopMetrics) ObserveAppend(string, time.Duration, int, string) {}
func (NoopMetrics) ObserveLoad(string, time.Duration, int)           {}
func (NoopMetrics) CommandProcessed(string, string, int)             {}
func (NoopMetrics) SnapshotSaved(string, time.Duration, bool)        {}
func (NoopMetrics) LaneQueueDepth(string, int)                       {}
func (NoopMetrics) StreamPublished(string, string, bool)             {}

var _ IMetrics = NoopMetrics{}
