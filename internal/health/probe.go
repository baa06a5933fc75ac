package health

import (
	"context"
	"sync"

	"github.com/keithlinneman/cfdexchange/internal/xerrors"
)

// Probe is evaluated per request. A nil error means healthy.
type Probe interface{ Check(context.Context) error }

// CheckFunc adapts a function into a Probe.
type CheckFunc func(context.Context) error

func (f CheckFunc) Check(ctx context.Context) error { return f(ctx) }

// Fixed always passes, or always fails with reason.
func Fixed(ok bool, reason string) CheckFunc {
	if ok {
		return func(context.Context) error { return nil }
	}
	err := xerrors.New(orDefault(reason, "unhealthy"))
	return func(context.Context) error { return err }
}

// All passes when every probe passes, returning the first failure. Nil
// probes are skipped.
func All(ps ...Probe) CheckFunc {
	return func(ctx context.Context) error {
		for _, p := range ps {
			if p == nil {
				continue
			}
			if err := p.Check(ctx); err != nil {
				return err
			}
		}
		return nil
	}
}

// Any passes when at least one probe passes, otherwise it returns the last
// failure.
func Any(ps ...Probe) CheckFunc {
	return func(ctx context.Context) error {
		err := xerrors.New("no healthy probes")
		for _, p := range ps {
			if p == nil {
				continue
			}
			if err = p.Check(ctx); err == nil {
				return nil
			}
		}
		return err
	}
}

// ShutdownGate fails readiness while the process drains. The zero value is
// open.
type ShutdownGate struct {
	mu     sync.RWMutex
	closed bool
	reason string
}

// Set closes the gate with reason.
func (g *ShutdownGate) Set(reason string) {
	g.mu.Lock()
	g.closed, g.reason = true, reason
	g.mu.Unlock()
}

// Clear reopens the gate.
func (g *ShutdownGate) Clear() {
	g.mu.Lock()
	g.closed, g.reason = false, ""
	g.mu.Unlock()
}

func (g *ShutdownGate) Probe() CheckFunc {
	return func(context.Context) error {
		g.mu.RLock()
		closed, reason := g.closed, g.reason
		g.mu.RUnlock()
		if !closed {
			return nil
		}
		return xerrors.New(orDefault(reason, "draining"))
	}
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
