package eventing

import (
	"fmt"

	"evtcore/modeling"
)

// EventVersionConflictError 追加的事件流版本已被占用（乐观并发冲突）
type EventVersionConflictError struct {
	AggregateId modeling.AggregateId
	Version     uint64
	RequestID   string
}

func (e *EventVersionConflictError) Error() string {
	return fmt.Sprintf("event version conflict: aggregate %s version %d (request %s)",
		e.AggregateId, e.Version, e.RequestID)
}

// NewEventVersionConflictError 由事件流构造版本冲突错误
func NewEventVersionConflictError(stream *DomainEventStream) *EventVersionConflictError {
	return &EventVersionConflictError{
		AggregateId: stream.AggregateId,
		Version:     stream.Version,
		RequestID:   stream.RequestID,
	}
}

// DuplicateAggregateIdError 初始版本发生冲突：同一聚合 ID 被重复创建
//
// 它同时是一种版本冲突，errors.As 到 *EventVersionConflictError 同样成立。
type DuplicateAggregateIdError struct {
	AggregateId modeling.AggregateId
	RequestID   string
}

func (e *DuplicateAggregateIdError) Error() string {
	return fmt.Sprintf("duplicate aggregate id: %s (request %s)", e.AggregateId, e.RequestID)
}

func (e *DuplicateAggregateIdError) Unwrap() error {
	return &EventVersionConflictError{
		AggregateId: e.AggregateId,
		Version:     modeling.InitialVersion,
		RequestID:   e.RequestID,
	}
}

// NewDuplicateAggregateIdError 由事件流构造
func NewDuplicateAggregateIdError(stream *DomainEventStream) *DuplicateAggregateIdError {
	return &DuplicateAggregateIdError{AggregateId: stream.AggregateId, RequestID: stream.RequestID}
}

// DuplicateRequestIdError 同一聚合上 requestId 已被使用，该命令已经生效过
type DuplicateRequestIdError struct {
	AggregateId modeling.AggregateId
	RequestID   string
}

func (e *DuplicateRequestIdError) Error() string {
	return fmt.Sprintf("duplicate request id: aggregate %s request %s", e.AggregateId, e.RequestID)
}

// NewDuplicateRequestIdError 由事件流构造
func NewDuplicateRequestIdError(stream *DomainEventStream) *DuplicateRequestIdError {
	return &DuplicateRequestIdError{AggregateId: stream.AggregateId, RequestID: stream.RequestID}
}

// EventStreamCorruptedError 加载到的事件流版本不连续，属于数据损坏
type EventStreamCorruptedError struct {
	AggregateId     modeling.AggregateId
	ExpectedVersion uint64
	ActualVersion   uint64
}

func (e *EventStreamCorruptedError) Error() string {
	return fmt.Sprintf("event stream corrupted: aggregate %s expected version %d, got %d",
		e.AggregateId, e.ExpectedVersion, e.ActualVersion)
}
