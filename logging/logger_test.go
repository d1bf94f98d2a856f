package logging

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    Level
		wantErr bool
	}{
		{"debug", DebugLevel, false},
		{"", InfoLevel, false},
		{"INFO", InfoLevel, false},
		{"warning", WarnLevel, false},
		{"error", ErrorLevel, false},
		{"verbose", InfoLevel, true},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestStdLogger_LevelFilterAndFields(t *testing.T) {
	var buf bytes.Buffer
	l := NewStdLoggerTo(&buf, "[evt]", WarnLevel)
	ctx := context.Background()

	l.Info(ctx, "丢弃")
	l.WithFields(String("aggregate", "order-1")).Warn(ctx, "保留", Int("attempt", 2), Error(errors.New("boom")))

	out := buf.String()
	assert.NotContains(t, out, "丢弃")
	assert.Contains(t, out, "[WARN]")
	assert.Contains(t, out, "[evt] 保留")
	assert.Contains(t, out, "aggregate=order-1")
	assert.Contains(t, out, "attempt=2")
	assert.Contains(t, out, "error=boom")
}

func TestStdLogger_WithFieldsDoesNotMutateParent(t *testing.T) {
	var buf bytes.Buffer
	parent := NewStdLoggerTo(&buf, "", DebugLevel)
	_ = parent.WithFields(String("child", "yes"))

	parent.Info(context.Background(), "parent")
	assert.False(t, strings.Contains(buf.String(), "child=yes"))
}

func TestComponentLoggerUsesGlobal(t *testing.T) {
	var buf bytes.Buffer
	prev := GetLogger()
	t.Cleanup(func() { SetLogger(prev) })

	SetLogger(NewStdLoggerTo(&buf, "", DebugLevel))
	ComponentLogger("eventstore").Debug(context.Background(), "hello")
	assert.Contains(t, buf.String(), "component=eventstore")

	SetLogger(nil)
	_, ok := GetLogger().(*NoopLogger)
	assert.True(t, ok)
}

func TestZapLogger_ConvertsFields(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	l := NewZapLogger(zap.New(core)).WithFields(String("component", "prepare"))

	l.Error(context.Background(), "failed",
		Uint64("version", 3),
		Duration("elapsed", time.Second),
		Error(errors.New("boom")),
		Bool("retry", true),
	)

	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, "failed", entry.Message)
	fields := entry.ContextMap()
	assert.Equal(t, "prepare", fields["component"])
	assert.Equal(t, uint64(3), fields["version"])
	assert.Equal(t, time.Second, fields["elapsed"])
	assert.Equal(t, "boom", fields["error"])
	assert.Equal(t, true, fields["retry"])
}

func TestNewZapProduction_RejectsUnknownEncoding(t *testing.T) {
	_, err := NewZapProduction("xml", InfoLevel)
	assert.Error(t, err)

	l, err := NewZapProduction("console", DebugLevel)
	require.NoError(t, err)
	assert.NotNil(t, l.Zap())
}
