package log

import "context"

type nopLogger struct{}

// Nop returns a Logger that discards everything. Components default to it
// when no logger is configured.
func Nop() Logger { return nopLogger{} }

func (n nopLogger) With(...any) Logger { return n }
func (nopLogger) Debug(context.Context, string, ...any) {}
func (nopLogger) Info(context.Context, string, ...any) {}
func (nopLogger) Warn(context.Context, string, ...any) {}
func (nopLogger) Error(context.Context, error, string, ...any) {}
func (nopLogger) Sync() error { return nil }
