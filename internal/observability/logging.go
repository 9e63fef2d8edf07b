package observability

import (
	"context"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/pitabwire/opgraph/internal/config"
	"github.com/pitabwire/opgraph/model"
)

// Levels used across opgraph:
//   - error: data-source outages, recovered panics and 5xx results
//   - warn:  4xx results, open circuits and rejected subscriptions
//   - info:  request end, operation results and startup
//   - debug: cache hits, stream transitions and operation input

type loggerKey struct{}

// NewLogger builds the process logger. An unknown level falls back to
// info; the console format is meant for local runs.
func NewLogger(cfg config.ObservabilityConfig) (*zap.Logger, error) {
	level := zap.NewAtomicLevelAt(zapcore.InfoLevel)
	if l, err := zapcore.ParseLevel(cfg.LogLevel); err == nil {
		level.SetLevel(l)
	}

	zc := zap.NewProductionConfig()
	zc.Level = level
	zc.Sampling = nil
	zc.EncoderConfig.TimeKey = "timestamp"
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zc.EncoderConfig.EncodeDuration = zapcore.MillisDurationEncoder
	if cfg.LogFormat == "console" {
		zc.Encoding = "console"
		zc.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	return zc.Build(zap.Fields(zap.String("service", "opgraph")))
}

// WithLogger attaches a request-scoped logger to ctx.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

func loggerFrom(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	if l, _ := ctx.Value(loggerKey{}).(*zap.Logger); l != nil {
		return l
	}
	if fallback == nil {
		return zap.NewNop()
	}
	return fallback
}

// RequestLogger returns the logger attached to ctx, or fallback, carrying
// the caller's identity. Empty identity fields are omitted.
func RequestLogger(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	logger := loggerFrom(ctx, fallback)
	rc := model.RequestContextFrom(ctx)
	if rc == nil {
		return logger
	}
	fields := make([]zap.Field, 0, 4)
	for _, kv := range [...][2]string{
		{"correlation_id", rc.CorrelationID},
		{"subject_id", rc.SubjectID},
		{"tenant_id", rc.TenantID},
		{"trace_id", rc.TraceID},
	} {
		if kv[1] != "" {
			fields = append(fields, zap.String(kv[0], kv[1]))
		}
	}
	return logger.With(fields...)
}

// OperationLogger is RequestLogger scoped to one operation invocation.
func OperationLogger(ctx context.Context, fallback *zap.Logger, operation, kind string) *zap.Logger {
	return RequestLogger(ctx, fallback).With(
		zap.String("operation", operation),
		zap.String("kind", kind),
	)
}

const redacted = "[REDACTED]"

var credentialFields = []string{
	"password", "secret", "token", "access_token", "refresh_token",
	"api_key", "authorization", "client_secret",
}

// Redactor masks sensitive values in operation input before it is logged.
// Keys match case-insensitively.
type Redactor struct {
	keys map[string]struct{}
}

// NewRedactor masks the credential field names plus extra.
func NewRedactor(extra ...string) *Redactor {
	r := &Redactor{keys: make(map[string]struct{}, len(credentialFields)+len(extra))}
	for _, k := range append(credentialFields, extra...) {
		r.keys[strings.ToLower(k)] = struct{}{}
	}
	return r
}

// Redact returns a copy of input with sensitive values replaced. Nested
// objects and arrays are walked; input is not modified.
func (r *Redactor) Redact(input map[string]any) map[string]any {
	if input == nil {
		return nil
	}
	return r.value(input).(map[string]any)
}

func (r *Redactor) value(v any) any {
	switch v := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			if _, ok := r.keys[strings.ToLower(k)]; ok {
				out[k] = redacted
				continue
			}
			out[k] = r.value(item)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = r.value(item)
		}
		return out
	default:
		return v
	}
}
