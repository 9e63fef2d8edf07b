package observability

import (
	"context"
	"reflect"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/pitabwire/opgraph/internal/config"
	"github.com/pitabwire/opgraph/model"
)

func TestNewLogger_levels(t *testing.T) {
	tests := []struct {
		level   string
		enabled zapcore.Level
		muted   zapcore.Level
	}{
		{"debug", zapcore.DebugLevel, zapcore.DebugLevel - 1},
		{"info", zapcore.InfoLevel, zapcore.DebugLevel},
		{"warn", zapcore.WarnLevel, zapcore.InfoLevel},
		{"error", zapcore.ErrorLevel, zapcore.WarnLevel},
		{"verbose", zapcore.InfoLevel, zapcore.DebugLevel},
		{"", zapcore.InfoLevel, zapcore.DebugLevel},
	}
	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			logger, err := NewLogger(config.ObservabilityConfig{LogLevel: tt.level})
			if err != nil {
				t.Fatalf("NewLogger() error = %v", err)
			}
			defer func() { _ = logger.Sync() }()

			if !logger.Core().Enabled(tt.enabled) {
				t.Errorf("%s should be enabled", tt.enabled)
			}
			if logger.Core().Enabled(tt.muted) {
				t.Errorf("%s should be muted", tt.muted)
			}
		})
	}
}

func TestNewLogger_console(t *testing.T) {
	logger, err := NewLogger(config.ObservabilityConfig{LogLevel: "debug", LogFormat: "console"})
	if err != nil {
		t.Fatalf("NewLogger() error = %v", err)
	}
	if !logger.Core().Enabled(zapcore.DebugLevel) {
		t.Error("console logger ignores level")
	}
}

func observed() (*zap.Logger, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.DebugLevel)
	return zap.New(core), logs
}

func TestRequestLogger_contextLoggerWins(t *testing.T) {
	scoped, scopedLogs := observed()
	fallback, fallbackLogs := observed()

	ctx := WithLogger(context.Background(), scoped)
	RequestLogger(ctx, fallback).Info("hit")

	if scopedLogs.Len() != 1 || fallbackLogs.Len() != 0 {
		t.Errorf("scoped = %d, fallback = %d", scopedLogs.Len(), fallbackLogs.Len())
	}
}

func TestRequestLogger_fallback(t *testing.T) {
	fallback, logs := observed()
	RequestLogger(context.Background(), fallback).Info("hit")
	if logs.Len() != 1 {
		t.Errorf("fallback entries = %d", logs.Len())
	}

	// A nil fallback must not panic.
	RequestLogger(context.Background(), nil).Info("dropped")
}

func TestRequestLogger_identityFields(t *testing.T) {
	tests := []struct {
		name string
		rc   *model.RequestContext
		want map[string]any
	}{
		{
			name: "authenticated",
			rc: &model.RequestContext{
				SubjectID:     "user-1",
				TenantID:      "acme",
				CorrelationID: "corr-1",
				TraceID:       "4bf92f3577b34da6a3ce929d0e0e4736",
			},
			want: map[string]any{
				"subject_id":     "user-1",
				"tenant_id":      "acme",
				"correlation_id": "corr-1",
				"trace_id":       "4bf92f3577b34da6a3ce929d0e0e4736",
			},
		},
		{
			name: "anonymous",
			rc:   &model.RequestContext{CorrelationID: "corr-2"},
			want: map[string]any{"correlation_id": "corr-2"},
		},
		{
			name: "no request context",
			want: map[string]any{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, logs := observed()
			ctx := context.Background()
			if tt.rc != nil {
				ctx = model.WithRequestContext(ctx, tt.rc)
			}
			RequestLogger(ctx, logger).Info("request")

			got := logs.All()[0].ContextMap()
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("fields = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestOperationLogger(t *testing.T) {
	logger, logs := observed()
	ctx := model.WithRequestContext(context.Background(), &model.RequestContext{CorrelationID: "c-9"})

	OperationLogger(ctx, logger, "country/get", "query").Info("operation executed")

	fields := logs.All()[0].ContextMap()
	if fields["operation"] != "country/get" || fields["kind"] != "query" || fields["correlation_id"] != "c-9" {
		t.Errorf("fields = %v", fields)
	}
}

func TestRedactor(t *testing.T) {
	input := map[string]any{
		"code":     "DE",
		"Password": "hunter2",
		"pin":      "1234",
		"profile": map[string]any{
			"name":         "ada",
			"access_token": "abc",
		},
		"cards": []any{
			map[string]any{"number": "4111", "pin": "0000"},
			"plain",
		},
	}

	got := NewRedactor("pin").Redact(input)

	want := map[string]any{
		"code":     "DE",
		"Password": redacted,
		"pin":      redacted,
		"profile": map[string]any{
			"name":         "ada",
			"access_token": redacted,
		},
		"cards": []any{
			map[string]any{"number": "4111", "pin": redacted},
			"plain",
		},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Redact() = %v\nwant %v", got, want)
	}
	if input["Password"] != "hunter2" || input["profile"].(map[string]any)["access_token"] != "abc" {
		t.Error("Redact() modified its input")
	}
}

func TestRedactor_defaultsOnly(t *testing.T) {
	r := NewRedactor()
	got := r.Redact(map[string]any{"pin": "1234", "token": "t"})
	if got["pin"] != "1234" || got["token"] != redacted {
		t.Errorf("Redact() = %v", got)
	}
	if r.Redact(nil) != nil {
		t.Error("Redact(nil) should be nil")
	}
}
