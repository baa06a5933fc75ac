package log

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
)

type Logger interface {
	With(kv ...any) Logger

	Debug(ctx context.Context, msg string, kv ...any)
	Info(ctx context.Context, msg string, kv ...any)
	Warn(ctx context.Context, msg string, kv ...any)
	Error(ctx context.Context, err error, msg string, kv ...any)

	Sync() error
}

type Options struct {
	App             string
	Version         string
	Level           slog.Level
	StacktraceLevel slog.Level
	JsonFormat      bool
	// MaxErrorChain caps how many unwrapped messages are attached as error_chain
	MaxErrorChain int
	Writer        io.Writer
}

func New(opts Options) (Logger, error) { return newSlog(opts) }

// Component returns the context logger tagged with a component name,
// falling back to base when the context carries none.
func Component(ctx context.Context, base Logger, name string) Logger {
	l := base
	if l == nil {
		l = FromContext(ctx)
	}
	return l.With("component", name)
}

func ParseLevel(s string) (slog.Level, error) {
	x := strings.ToLower(strings.TrimSpace(s))
	switch x {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level %s (valid levels are debug|info|warn|error)", s)
	}
}
