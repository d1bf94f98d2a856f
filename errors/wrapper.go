package errors

import (
	"context"

	"evtcore/logging"
)

// WrapWithLog 归一化并包装错误，同时以 Warn 级别记录一次
//
// 只在命令入口等边界调用，领域内部不要调用，避免重复记录。
func WrapWithLog(ctx context.Context, err error, msg string, fields ...logging.Field) error {
	if err == nil {
		return nil
	}
	code := GetErrorCode(Normalize(err))
	logging.GetLogger().Warn(ctx, msg, append([]logging.Field{
		logging.Error(err),
		logging.String("error_code", string(code)),
	}, fields...)...)
	return WrapError(err, code, msg)
}
