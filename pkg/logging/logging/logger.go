package logging

import (
	"context"
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type ctxKey int

// prevents differences when adding new constants
const loggerKey ctxKey = iota

var (
	defaultLogger     *zap.Logger
	defaultLoggerOnce sync.Once
)

// New builds a logger for env ("dev"/"development" gives colored console
// output, anything else JSON) at the given level. An empty level keeps the
// preset's default.
func New(env, level string) (*zap.Logger, error) {
	var config zap.Config

	if env == "dev" || env == "development" {
		config = zap.NewDevelopmentConfig()
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		config = zap.NewProductionConfig()
		//to see who calls it
		config.DisableCaller = false
	}

	if level != "" {
		var lvl zapcore.Level
		if err := lvl.UnmarshalText([]byte(level)); err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", level, err)
		}
		config.Level = zap.NewAtomicLevelAt(lvl)
	}

	return config.Build()
}

// NewLogger reads ENV and LOG_LEVEL from the environment.
func NewLogger() *zap.Logger {
	logger, err := New(os.Getenv("ENV"), os.Getenv("LOG_LEVEL"))
	if err != nil {
		logger, err = New(os.Getenv("ENV"), "")
	}
	if err != nil {
		_, _ = os.Stderr.WriteString("failed to create logger: " + err.Error() + "\n")
		os.Exit(1)
	}
	return logger
}

// Singleton logger
func DefaultLogger() *zap.Logger {
	defaultLoggerOnce.Do(func() {
		if defaultLogger == nil {
			defaultLogger = NewLogger()
		}
	})
	return defaultLogger
}

// SetDefault replaces the logger returned by DefaultLogger. Call it once at
// startup before serving.
func SetDefault(logger *zap.Logger) {
	defaultLoggerOnce.Do(func() {})
	defaultLogger = logger
}

// attach a logger to context
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, loggerKey, logger)
}

//retrieve logger from context

func FromContext(ctx context.Context) *zap.Logger {
	if ctx == nil {
		return DefaultLogger()
	}

	logger, ok := ctx.Value(loggerKey).(*zap.Logger)

	if ok && logger != nil {
		return logger
	} else {
		return DefaultLogger()
	}
}

func L(ctx context.Context) *zap.Logger {
	return FromContext(ctx)
}

// WithFields adds structured fields to the logger in context.
func WithFields(ctx context.Context, fields ...zap.Field) context.Context {
	logger := FromContext(ctx).With(fields...)
	return WithLogger(ctx, logger)
}
