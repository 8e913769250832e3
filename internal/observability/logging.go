package observability

import (
	"context"
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/pitabwire/watchtower/internal/config"
	"github.com/pitabwire/watchtower/model"
)

type loggerKey struct{}

// Redacted replaces sensitive values in debug output.
const Redacted = "[REDACTED]"

// NewLogger builds the process logger. Levels are used as follows:
//
//	error  backend outages, failed actions, pipeline misuse
//	warn   denied or forged requests, breaker transitions, store errors
//	info   handler responses and lifecycle events
//	debug  capability cache traffic and redacted inputs
//
// An unknown level falls back to info. LogFormat selects "json" (default) or
// "console" output.
func NewLogger(cfg config.ObservabilityConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zapcore.InfoLevel
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "timestamp"
	encCfg.MessageKey = "msg"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encCfg.EncodeDuration = zapcore.MillisDurationEncoder

	var enc zapcore.Encoder
	switch cfg.LogFormat {
	case "", "json":
		enc = zapcore.NewJSONEncoder(encCfg)
	case "console":
		encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		enc = zapcore.NewConsoleEncoder(encCfg)
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}

	core := zapcore.NewCore(enc, zapcore.Lock(os.Stdout), zap.NewAtomicLevelAt(level))
	return zap.New(core,
		zap.AddCaller(),
		zap.AddStacktrace(zapcore.ErrorLevel),
		zap.ErrorOutput(zapcore.Lock(os.Stderr)),
	), nil
}

// WithLogger stores a logger in the context.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// LoggerFrom returns the context logger or fallback.
func LoggerFrom(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*zap.Logger); ok && l != nil {
		return l
	}
	return fallback
}

// RequestLogger returns the context logger tagged with the console principal
// and the request correlators. Requests without a principal get the logger
// unchanged.
func RequestLogger(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	logger := LoggerFrom(ctx, fallback)
	rctx := model.RequestContextFrom(ctx)
	if rctx == nil || logger == nil {
		return logger
	}
	return logger.With(principalFields(rctx)...)
}

func principalFields(rctx *model.RequestContext) []zap.Field {
	fields := make([]zap.Field, 0, 6)
	fields = append(fields,
		zap.String("subject_id", rctx.SubjectID),
		zap.String("user_type", rctx.UserType.String()),
	)
	if rctx.Username != "" {
		fields = append(fields, zap.String("username", rctx.Username))
	}
	fields = append(fields, zap.String("correlation_id", rctx.CorrelationID))
	if rctx.SessionID != "" {
		fields = append(fields, zap.String("session_id", rctx.SessionID))
	}
	if rctx.TraceID != "" {
		fields = append(fields, zap.String("trace_id", rctx.TraceID))
	}
	return fields
}

// sensitiveInputs lists console form fields that never reach the logs.
var sensitiveInputs = map[string]struct{}{
	"passwd":           {},
	"password":         {},
	"password1":        {},
	"password2":        {},
	"current_password": {},
	"csrf_token":       {},
	"sid":              {},
	"token":            {},
	"secret":           {},
	"tls_psk":          {},
	"tls_psk_identity": {},
	"authorization":    {},
}

// RedactInputs returns a copy of validated inputs that is safe to log at
// debug level. Named fields, sensitive console fields and the values of
// user macro rows are masked. Nested maps and row lists are walked.
func RedactInputs(in map[string]any, extra ...string) map[string]any {
	if in == nil {
		return nil
	}
	mask := make(map[string]struct{}, len(sensitiveInputs)+len(extra))
	for k := range sensitiveInputs {
		mask[k] = struct{}{}
	}
	for _, k := range extra {
		mask[strings.ToLower(k)] = struct{}{}
	}
	return redactMap(in, mask)
}

func redactMap(in map[string]any, mask map[string]struct{}) map[string]any {
	out := make(map[string]any, len(in))
	_, isMacro := in["macro"]
	for k, v := range in {
		if _, hit := mask[strings.ToLower(k)]; hit || (isMacro && k == "value") {
			out[k] = Redacted
			continue
		}
		out[k] = redactValue(v, mask)
	}
	return out
}

func redactValue(v any, mask map[string]struct{}) any {
	switch t := v.(type) {
	case map[string]any:
		return redactMap(t, mask)
	case []map[string]any:
		rows := make([]map[string]any, len(t))
		for i, row := range t {
			rows[i] = redactMap(row, mask)
		}
		return rows
	case []any:
		items := make([]any, len(t))
		for i, item := range t {
			items[i] = redactValue(item, mask)
		}
		return items
	}
	return v
}
