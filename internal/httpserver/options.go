package httpserver

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/cfdexchange/internal/health"
	"github.com/keithlinneman/cfdexchange/internal/httpmw"
	"github.com/keithlinneman/cfdexchange/internal/log"
)

type Options struct {
	Logger       log.Logger
	Port         int
	UseRecoverMW bool
	OnPanic      func()
	MetricsMW    func(http.Handler) http.Handler
	Health       health.Probe
	Readiness    health.Probe
	ClientIPOpts httpmw.ClientIPOptions
	// APIRoutes mounts the application routes on the router.
	APIRoutes func(chi.Router)

	// ReadTimeout and WriteTimeout bound whole uploads and downloads.
	// Zero disables the limit.
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}
