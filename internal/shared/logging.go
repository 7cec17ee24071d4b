package shared

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// contextKey is a type for context keys to avoid collisions
type contextKey string

const attemptIDKey contextKey = "attempt_id"

// NewLogger builds the process logger. Lines go to stderr as JSON with
// timestamp, component, level and message keys; development switches to
// debug level.
func NewLogger(development bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if development {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		cfg.Development = true
		cfg.Sampling = nil
	}
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}
	cfg.EncoderConfig.TimeKey = "timestamp"
	cfg.EncoderConfig.NameKey = "component"
	cfg.EncoderConfig.LevelKey = "level"
	cfg.EncoderConfig.MessageKey = "message"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg.Build()
}

// NewAttemptID returns a fresh identifier for one connection attempt.
func NewAttemptID() string {
	return uuid.NewString()
}

// WithAttemptID adds a connection attempt ID to the context
func WithAttemptID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, attemptIDKey, id)
}

// AttemptIDFrom retrieves the attempt ID from context, or "" if not present
func AttemptIDFrom(ctx context.Context) string {
	if id, ok := ctx.Value(attemptIDKey).(string); ok {
		return id
	}
	return ""
}

// LoggerFor returns logger annotated with the attempt ID carried by ctx.
func LoggerFor(ctx context.Context, logger *zap.Logger) *zap.Logger {
	if logger == nil {
		return zap.NewNop()
	}
	if id := AttemptIDFrom(ctx); id != "" {
		return logger.With(zap.String("attempt_id", id))
	}
	return logger
}
