package telemetry

import (
	"context"
	"log/slog"
	"os"
	"strings"
)

// LogLevel читает уровень логирования из LOG_LEVEL:
// DEBUG, INFO (по умолчанию), WARN, ERROR.
func LogLevel() slog.Level {
	switch strings.ToUpper(os.Getenv("LOG_LEVEL")) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// SetupLogger создаёт логгер и делает его глобальным.
//
// LOG_FORMAT:
//   - "json" (по умолчанию) — для production
//   - "text" — для локальной разработки
func SetupLogger() *slog.Logger {
	level := LogLevel()
	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	var handler slog.Handler
	if os.Getenv("LOG_FORMAT") == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	logger := slog.New(handler).With("service", "herald")
	slog.SetDefault(logger)

	return logger
}

type ctxKey struct{}

// WithLogger кладёт логгер в контекст.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, logger)
}

// FromContext извлекает логгер из контекста, иначе возвращает глобальный.
func FromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(ctxKey{}).(*slog.Logger); ok {
		return logger
	}
	return slog.Default()
}

// WithPostID возвращает логгер с добавленным post_id.
func WithPostID(logger *slog.Logger, postID string) *slog.Logger {
	return logger.With("post_id", postID)
}

// WithRequestID возвращает логгер с добавленным request_id.
func WithRequestID(logger *slog.Logger, requestID string) *slog.Logger {
	return logger.With("request_id", requestID)
}
