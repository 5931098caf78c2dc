package logger

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNew(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name   string
		config *Config
	}{
		{name: "nil config", config: nil},
		{name: "console output", config: &Config{Format: JSONFormat, Console: true}},
		{name: "file output", config: &Config{File: filepath.Join(dir, "test.log")}},
		{name: "rotate output", config: &Config{Rotate: &RotateConfig{Filename: filepath.Join(dir, "rotate.log")}}},
		{name: "sampling", config: &Config{Sampling: &SamplingConfig{}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, err := New(tt.config)
			require.NoError(t, err)
			require.NotNil(t, l)
			l.Info("hello")
		})
	}
}

func TestFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.log")
	l, err := NewWithOptions(WithFileOutput(path), WithFormat(JSONFormat))
	require.NoError(t, err)

	l.Info("written to file", zap.String("k", "v"))
	_ = l.Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"written to file"`)
	assert.Contains(t, string(data), `"k":"v"`)
}

func TestContextFields(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	l := NewFromZap(zap.New(core))

	ctx := WithTraceID(context.Background(), "trace-1")
	ctx = WithSessionID(ctx, "sess-1")
	ctx = WithUserID(ctx, "u-1")

	l.InfoContext(ctx, "joined", zap.Bool("initiator", true))

	require.Equal(t, 1, logs.Len())
	fields := logs.All()[0].ContextMap()
	assert.Equal(t, "trace-1", fields["trace_id"])
	assert.Equal(t, "sess-1", fields["session_id"])
	assert.Equal(t, "u-1", fields["user_id"])
	assert.Equal(t, true, fields["initiator"])
	assert.NotContains(t, fields, "span_id")
}

func TestWithContext(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	l := NewFromZap(zap.New(core))

	child := l.WithContext(WithUserID(context.Background(), "u-2"))
	child.Warn("slow")

	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "u-2", logs.All()[0].ContextMap()["user_id"])
	assert.Equal(t, zapcore.WarnLevel, logs.All()[0].Level)
}

func TestContextFields_EmptyContext(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	l := NewFromZap(zap.New(core))

	l.ErrorContext(context.Background(), "nothing attached")
	require.Equal(t, 1, logs.Len())
	assert.Empty(t, logs.All()[0].Context)
}

func TestSetLevel(t *testing.T) {
	l, err := NewWithOptions(WithLevel(InfoLevel), WithFileOutput(filepath.Join(t.TempDir(), "lvl.log")))
	require.NoError(t, err)
	assert.Equal(t, InfoLevel, l.Level())

	l.SetLevel(ErrorLevel)
	assert.Equal(t, ErrorLevel, l.Level())
	assert.False(t, l.Zap().Core().Enabled(zapcore.WarnLevel))
	assert.True(t, l.Zap().Core().Enabled(zapcore.ErrorLevel))

	// 子 Logger 共享级别
	child := l.With(zap.String("module", "test"))
	l.SetLevel(DebugLevel)
	assert.Equal(t, DebugLevel, child.Level())
}

func TestParseLevel(t *testing.T) {
	tests := map[string]Level{
		"debug":   DebugLevel,
		"INFO":    InfoLevel,
		"warning": WarnLevel,
		"error":   ErrorLevel,
		"bogus":   InfoLevel,
		"":        InfoLevel,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseLevel(in), in)
	}
	assert.Equal(t, "warn", WarnLevel.String())
}

func TestNop(t *testing.T) {
	l := Nop()
	l.Info("dropped")
	l.ErrorContext(context.Background(), "dropped")
	assert.NoError(t, l.Sync())
}

func TestTraceIDFromContext(t *testing.T) {
	assert.Equal(t, "", TraceIDFromContext(context.Background()))
	assert.Equal(t, "abc", TraceIDFromContext(WithTraceID(context.Background(), "abc")))
}
