package logger

import (
	"context"
	"fmt"
	"net/url"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Log is the process logger. It discards output until Init runs so that
// packages and tests can log without setup.
var Log = zap.NewNop()

// Config holds logger configuration
type Config struct {
	Level    string // debug, info, warn, error
	Format   string // json, text
	Output   string // stdout, file
	FilePath string
	// Service is stamped on every entry when set
	Service string
}

// Init replaces the process logger. An empty level means info.
func Init(cfg *Config) error {
	level := zapcore.InfoLevel
	if cfg.Level != "" {
		parsed, err := zapcore.ParseLevel(cfg.Level)
		if err != nil {
			return fmt.Errorf("log level: %w", err)
		}
		level = parsed
	}

	var zapConfig zap.Config
	if cfg.Format == "json" {
		zapConfig = zap.NewProductionConfig()
		zapConfig.EncoderConfig.TimeKey = "timestamp"
		zapConfig.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	} else {
		zapConfig = zap.NewDevelopmentConfig()
		zapConfig.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	zapConfig.Level = zap.NewAtomicLevelAt(level)

	if cfg.Output == "file" && cfg.FilePath != "" {
		zapConfig.OutputPaths = []string{cfg.FilePath}
		zapConfig.ErrorOutputPaths = []string{cfg.FilePath}
	} else {
		zapConfig.OutputPaths = []string{"stdout"}
		zapConfig.ErrorOutputPaths = []string{"stderr"}
	}

	opts := []zap.Option{
		zap.AddCaller(),
		zap.AddCallerSkip(1),
		zap.AddStacktrace(zapcore.ErrorLevel),
	}
	if cfg.Service != "" {
		opts = append(opts, zap.Fields(zap.String("service", cfg.Service)))
	}

	built, err := zapConfig.Build(opts...)
	if err != nil {
		return err
	}
	Log = built
	return nil
}

type contextKey string

const (
	requestIDKey contextKey = "request_id"
	sessionIDKey contextKey = "session_id"
)

// WithRequestID adds request ID to context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// WithSessionID tags ctx with the consultation it concerns
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionIDKey, sessionID)
}

// FromContext returns Log with the request and session ids carried by ctx.
func FromContext(ctx context.Context) *zap.Logger {
	var fields []zap.Field
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		fields = append(fields, zap.String("request_id", id))
	}
	if id, ok := ctx.Value(sessionIDKey).(string); ok {
		fields = append(fields, zap.String("session_id", id))
	}
	if len(fields) == 0 {
		return Log
	}
	return Log.With(fields...)
}

// Session returns a child logger tagged with a consultation session id.
func Session(sessionID string, fields ...zap.Field) *zap.Logger {
	return Log.With(append([]zap.Field{zap.String("session_id", sessionID)}, fields...)...)
}

// Participant tags a session logger with the side of the call.
func Participant(sessionID, role string, fields ...zap.Field) *zap.Logger {
	return Session(sessionID, append([]zap.Field{zap.String("role", role)}, fields...)...)
}

// secretParams are query parameters that carry join tokens or bearer tokens.
var secretParams = []string{"token", "access_token"}

// RedactedURI renders u's path and query with token values masked.
func RedactedURI(u *url.URL) string {
	if u.RawQuery == "" {
		return u.Path
	}
	q := u.Query()
	for _, name := range secretParams {
		if q.Has(name) {
			q.Set(name, "REDACTED")
		}
	}
	return u.Path + "?" + q.Encode()
}

func Debug(msg string, fields ...zap.Field) {
	Log.Debug(msg, fields...)
}

func Info(msg string, fields ...zap.Field) {
	Log.Info(msg, fields...)
}

func Warn(msg string, fields ...zap.Field) {
	Log.Warn(msg, fields...)
}

func Error(msg string, fields ...zap.Field) {
	Log.Error(msg, fields...)
}

// Fatal logs and exits the process
func Fatal(msg string, fields ...zap.Field) {
	Log.Fatal(msg, fields...)
}

// Sync flushes any buffered log entries
func Sync() error {
	return Log.Sync()
}
