package command

import (
	"errors"
	"fmt"

	"evtcore/modeling"
)

// ErrHandlerNotFound 聚合上没有注册该命令
var ErrHandlerNotFound = errors.New("command handler not found")

// ErrNoEvents 决策函数没有产生事件
var ErrNoEvents = errors.New("command produced no events")

// ConcurrencyExhaustedError 版本冲突重试次数用尽
type ConcurrencyExhaustedError struct {
	AggregateId modeling.AggregateId
	CommandID   string
	Attempts    int
	LastVersion uint64
	Cause       error
}

func (e *ConcurrencyExhaustedError) Error() string {
	return fmt.Sprintf("concurrency retries exhausted: aggregate %s command %s after %d attempts, last observed version %d: %v",
		e.AggregateId, e.CommandID, e.Attempts, e.LastVersion, e.Cause)
}

func (e *ConcurrencyExhaustedError) Unwrap() error { return e.Cause }

// ExpectVersionConflictError 命令期望的聚合版本与实际版本不一致
type ExpectVersionConflictError struct {
	AggregateId   modeling.AggregateId
	CommandID     string
	ExpectVersion uint64
	ActualVersion uint64
}

func (e *ExpectVersionConflictError) Error() string {
	return fmt.Sprintf("command %s expects aggregate %s at version %d, actual %d",
		e.CommandID, e.AggregateId, e.ExpectVersion, e.ActualVersion)
}

// OutcomeUnknownError 后端调用超时，写入结果未知
//
// 命令循环把它当作可重试错误，借助 requestId 去重保证重试安全。
type OutcomeUnknownError struct {
	Operation string
	Cause     error
}

func (e *OutcomeUnknownError) Error() string {
	return fmt.Sprintf("%s outcome unknown: %v", e.Operation, e.Cause)
}

func (e *OutcomeUnknownError) Unwrap() error { return e.Cause }
