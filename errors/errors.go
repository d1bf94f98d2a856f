// Package errors 定义对外统一的错误码体系。
//
// 领域包（eventing、modeling、prepare 等）只返回带类型的错误值，
// 在边界（CLI）处通过 Normalize 归一为 AppError，再由 ExitCode 映射为进程退出码。
package errors

import (
	stdErrors "errors"
	"fmt"
)

// ErrorCode 错误代码类型
type ErrorCode string

const (
	ErrCodeInternal     ErrorCode = "INTERNAL_ERROR"
	ErrCodeInvalidInput ErrorCode = "INVALID_INPUT"
	ErrCodeNotFound     ErrorCode = "NOT_FOUND"
	ErrCodeConflict     ErrorCode = "CONFLICT"
	ErrCodeTimeout      ErrorCode = "TIMEOUT"
	ErrCodeDuplicate    ErrorCode = "DUPLICATE_ERROR"
	ErrCodeConcurrency  ErrorCode = "CONCURRENCY_ERROR"
	ErrCodeCorrupted    ErrorCode = "DATA_CORRUPTED"
	ErrCodeDatabase     ErrorCode = "DATABASE_ERROR"
	ErrCodeUnavailable  ErrorCode = "SERVICE_UNAVAILABLE"
)

// IError 带错误码的错误
type IError interface {
	error
	Code() ErrorCode
	Message() string
}

// AppError 错误码、面向运维的消息与原始错误
type AppError struct {
	code    ErrorCode
	message string
	cause   error
}

func NewError(code ErrorCode, message string) *AppError {
	return &AppError{code: code, message: message}
}

// WrapError 包装错误，err 为 nil 时返回 nil
func WrapError(err error, code ErrorCode, message string) error {
	if err == nil {
		return nil
	}
	return &AppError{code: code, message: message, cause: err}
}

func (e *AppError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.code, e.message, e.cause)
	}
	return fmt.Sprintf("[%s] %s", e.code, e.message)
}

func (e *AppError) Code() ErrorCode { return e.code }

func (e *AppError) Message() string { return e.message }

func (e *AppError) Unwrap() error { return e.cause }

// Is 同错误码的 AppError 视为相等
func (e *AppError) Is(target error) bool {
	appErr, ok := target.(*AppError)
	return ok && e.code == appErr.code
}

// IsErrorCode 检查是否为指定错误代码
func IsErrorCode(err error, code ErrorCode) bool {
	return GetErrorCode(err) == code
}

// GetErrorCode 获取错误代码，未携带错误码的错误视为内部错误
func GetErrorCode(err error) ErrorCode {
	if err == nil {
		return ""
	}
	var appErr *AppError
	if stdErrors.As(err, &appErr) {
		return appErr.code
	}
	return ErrCodeInternal
}

// ExitCode 运维命令的退出码：0 成功，2 输入有误，3 数据冲突，4 后端不可用，1 其余
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	switch GetErrorCode(err) {
	case ErrCodeInvalidInput, ErrCodeNotFound:
		return 2
	case ErrCodeConflict, ErrCodeConcurrency, ErrCodeDuplicate, ErrCodeCorrupted:
		return 3
	case ErrCodeTimeout, ErrCodeUnavailable, ErrCodeDatabase:
		return 4
	default:
		return 1
	}
}
