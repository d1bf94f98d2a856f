package errors

import (
	"context"
	stdErrors "errors"

	"evtcore/eventing"
	"evtcore/modeling"
	"evtcore/modeling/command"
	"evtcore/modeling/state"
)

// Normalize 将领域层/存储层的错误规范化为 AppError，原始错误保留为 cause
//
// 已经是 IError 的错误原样返回；未识别的错误保持原样，由调用方决定是否包装。
func Normalize(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := err.(IError); ok {
		return err
	}

	// 更具体的类型先匹配：DuplicateAggregateIdError 同时是版本冲突，
	// ConcurrencyExhaustedError 包装了最后一次冲突
	var (
		exhausted *command.ConcurrencyExhaustedError
		expect    *command.ExpectVersionConflictError
		unknown   *command.OutcomeUnknownError
		dupAgg    *eventing.DuplicateAggregateIdError
		dupReq    *eventing.DuplicateRequestIdError
		conflict  *eventing.EventVersionConflictError
		corrupted *eventing.EventStreamCorruptedError
		sourcing  *state.SourcingVersionConflictError
		unknownEv *state.UnknownEventError
	)
	switch {
	case stdErrors.As(err, &exhausted):
		return WrapError(err, ErrCodeConcurrency, "并发冲突重试次数已用尽")
	case stdErrors.As(err, &dupAgg):
		return WrapError(err, ErrCodeDuplicate, "聚合已存在")
	case stdErrors.As(err, &dupReq):
		return WrapError(err, ErrCodeDuplicate, "请求已处理")
	case stdErrors.As(err, &expect):
		return WrapError(err, ErrCodeConflict, "聚合版本与命令期望不一致")
	case stdErrors.As(err, &conflict):
		return WrapError(err, ErrCodeConcurrency, "事件版本冲突")
	case stdErrors.As(err, &corrupted), stdErrors.As(err, &sourcing):
		return WrapError(err, ErrCodeCorrupted, "事件流损坏")
	case stdErrors.As(err, &unknown):
		return WrapError(err, ErrCodeTimeout, "后端调用结果未知")
	case stdErrors.As(err, &unknownEv):
		return WrapError(err, ErrCodeInternal, "缺少事件溯源函数")
	case stdErrors.Is(err, modeling.ErrAggregateNotFound):
		return WrapError(err, ErrCodeNotFound, "聚合未找到")
	case stdErrors.Is(err, modeling.ErrAggregateDeleted):
		return WrapError(err, ErrCodeConflict, "聚合已删除")
	case stdErrors.Is(err, command.ErrHandlerNotFound):
		return WrapError(err, ErrCodeNotFound, "命令处理器未找到")
	case stdErrors.Is(err, modeling.ErrPrecondition), stdErrors.Is(err, modeling.ErrInvalidAggregateId),
		stdErrors.Is(err, command.ErrNoEvents):
		return WrapError(err, ErrCodeInvalidInput, "参数不满足前置条件")
	case stdErrors.Is(err, context.DeadlineExceeded):
		return WrapError(err, ErrCodeTimeout, "操作超时")
	}
	return err
}
