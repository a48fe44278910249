package observability

import (
	"context"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/pitabwire/tabula/internal/config"
	"github.com/pitabwire/tabula/model"
)

type loggerKey struct{}

// NewLogger builds the process logger. Levels are used as follows:
//
//   - error: store failures, configuration errors, panics, 5xx responses
//   - warn:  rejected invocations and other 4xx responses
//   - info:  request summaries, executed actions, table registration
//   - debug: query construction, capability cache activity
//
// An unparseable level falls back to info.
func NewLogger(cfg config.ObservabilityConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zapcore.InfoLevel
	}

	zc := zap.NewProductionConfig()
	if cfg.LogFormat == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.Sampling = nil
	zc.EncoderConfig.TimeKey = "timestamp"
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zc.EncoderConfig.EncodeDuration = zapcore.MillisDurationEncoder
	return zc.Build()
}

// WithLogger stores logger in ctx.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// LoggerFrom returns the logger stored in ctx, or fallback.
func LoggerFrom(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*zap.Logger); ok && l != nil {
		return l
	}
	if fallback == nil {
		return zap.NewNop()
	}
	return fallback
}

// RequestLogger returns the context logger annotated with the principal and
// trace of the request. The trace id comes from the active span when the
// request context does not carry one.
func RequestLogger(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	logger := LoggerFrom(ctx, fallback)
	rctx := model.RequestContextFrom(ctx)
	if rctx == nil {
		return logger
	}

	fields := []zap.Field{
		zap.String("subject_id", rctx.SubjectID),
		zap.String("tenant_id", rctx.TenantID),
	}
	if rctx.CorrelationID != "" {
		fields = append(fields, zap.String("correlation_id", rctx.CorrelationID))
	}
	traceID := rctx.TraceID
	if traceID == "" {
		traceID = TraceIDFromContext(ctx)
	}
	if traceID != "" {
		fields = append(fields, zap.String("trace_id", traceID))
	}
	if rctx.SessionID != "" {
		fields = append(fields, zap.String("session_id", rctx.SessionID))
	}
	return logger.With(fields...)
}

// Redacted replaces sensitive values in logged invocation parameters.
const Redacted = "[REDACTED]"

var sensitiveKeys = []string{
	"password", "secret", "token", "api_key", "authorization",
	"credit_card", "ssn", "pin",
}

func sensitive(key string, extra []string) bool {
	k := strings.ToLower(key)
	for _, s := range sensitiveKeys {
		if k == s || strings.HasSuffix(k, "_"+s) {
			return true
		}
	}
	for _, s := range extra {
		if strings.EqualFold(key, s) {
			return true
		}
	}
	return false
}

// RedactBody returns a copy of body, for debug logging, with the values of
// sensitive keys replaced. Keys match case-insensitively, either exactly or
// by suffix ("access_token" matches "token"); extra names further keys.
// Nested objects and lists of objects are redacted too.
func RedactBody(body map[string]any, extra []string) map[string]any {
	if body == nil {
		return nil
	}
	out := make(map[string]any, len(body))
	for k, v := range body {
		if sensitive(k, extra) {
			out[k] = Redacted
			continue
		}
		out[k] = redactValue(v, extra)
	}
	return out
}

func redactValue(v any, extra []string) any {
	switch node := v.(type) {
	case map[string]any:
		return RedactBody(node, extra)
	case []any:
		items := make([]any, len(node))
		for i, item := range node {
			items[i] = redactValue(item, extra)
		}
		return items
	default:
		return v
	}
}
