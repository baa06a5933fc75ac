package opshttp

import (
	"net/http"

	"github.com/keithlinneman/cfdexchange/internal/health"
)

type Options struct {
	Port        int
	Metrics     http.Handler
	EnablePprof bool
	Health      health.Probe
	Readiness   health.Probe
	// AllowPublic serves the admin port to non-private peers. Off by default.
	AllowPublic  bool
	UseRecoverMW bool
	// OnPanic runs per recovered panic, e.g. to bump a counter.
	OnPanic func()
}
