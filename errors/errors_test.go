package errors

import (
	"bytes"
	"context"
	stdErrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"evtcore/eventing"
	"evtcore/logging"
	"evtcore/modeling"
	"evtcore/modeling/command"
)

var order = modeling.NewNamedAggregate("shop", "order").Aggregate("o-1")

func TestAppError(t *testing.T) {
	cause := stdErrors.New("disk full")
	err := WrapError(cause, ErrCodeDatabase, "写入失败")
	assert.Equal(t, "[DATABASE_ERROR] 写入失败: disk full", err.Error())
	assert.ErrorIs(t, err, cause)
	assert.True(t, stdErrors.Is(err, NewError(ErrCodeDatabase, "other")))
	assert.False(t, stdErrors.Is(err, NewError(ErrCodeTimeout, "other")))

	assert.Nil(t, WrapError(nil, ErrCodeInternal, "x"))
	assert.Equal(t, ErrCodeInternal, GetErrorCode(cause))
	assert.Equal(t, ErrorCode(""), GetErrorCode(nil))
	assert.True(t, IsErrorCode(fmt.Errorf("wrapped: %w", err), ErrCodeDatabase))
}

func TestNormalize(t *testing.T) {
	conflict := &eventing.EventVersionConflictError{AggregateId: order, Version: 3}
	tests := []struct {
		name string
		err  error
		want ErrorCode
	}{
		{"conflict", conflict, ErrCodeConcurrency},
		{"exhausted", &command.ConcurrencyExhaustedError{AggregateId: order, Attempts: 3, Cause: conflict}, ErrCodeConcurrency},
		{"duplicate aggregate", &eventing.DuplicateAggregateIdError{AggregateId: order}, ErrCodeDuplicate},
		{"duplicate request", &eventing.DuplicateRequestIdError{AggregateId: order}, ErrCodeDuplicate},
		{"expect version", &command.ExpectVersionConflictError{AggregateId: order}, ErrCodeConflict},
		{"corrupted", &eventing.EventStreamCorruptedError{AggregateId: order}, ErrCodeCorrupted},
		{"not found", fmt.Errorf("%w: o-1", modeling.ErrAggregateNotFound), ErrCodeNotFound},
		{"deleted", modeling.ErrAggregateDeleted, ErrCodeConflict},
		{"precondition", fmt.Errorf("%w: same key", modeling.ErrPrecondition), ErrCodeInvalidInput},
		{"handler", command.ErrHandlerNotFound, ErrCodeNotFound},
		{"outcome unknown", &command.OutcomeUnknownError{Operation: "append", Cause: context.DeadlineExceeded}, ErrCodeTimeout},
		{"deadline", context.DeadlineExceeded, ErrCodeTimeout},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Normalize(tt.err)
			assert.Equal(t, tt.want, GetErrorCode(got))
			assert.ErrorIs(t, got, tt.err)
		})
	}

	plain := stdErrors.New("plain")
	assert.Same(t, plain, Normalize(plain))
	assert.Nil(t, Normalize(nil))

	already := NewError(ErrCodeTimeout, "x")
	assert.Equal(t, already, Normalize(already))
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, 0, ExitCode(nil))
	assert.Equal(t, 1, ExitCode(stdErrors.New("plain")))
	assert.Equal(t, 2, ExitCode(Normalize(modeling.ErrInvalidAggregateId)))
	assert.Equal(t, 3, ExitCode(Normalize(&eventing.EventVersionConflictError{AggregateId: order, Version: 2})))
	assert.Equal(t, 4, ExitCode(fmt.Errorf("cli: %w", Normalize(context.DeadlineExceeded))))
}

func TestWrapWithLog(t *testing.T) {
	var buf bytes.Buffer
	prev := logging.GetLogger()
	t.Cleanup(func() { logging.SetLogger(prev) })
	logging.SetLogger(logging.NewStdLoggerTo(&buf, "", logging.DebugLevel))

	err := WrapWithLog(context.Background(), modeling.ErrAggregateDeleted, "处理命令失败", logging.String("command", "pay"))
	require.Error(t, err)
	assert.Equal(t, ErrCodeConflict, GetErrorCode(err))
	assert.Contains(t, buf.String(), "error_code=CONFLICT")
	assert.Contains(t, buf.String(), "command=pay")

	assert.NoError(t, WrapWithLog(context.Background(), nil, "x"))
}
