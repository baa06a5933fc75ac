package filehttp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/cfdexchange/internal/archive"
	"github.com/keithlinneman/cfdexchange/internal/httpmw"
	"github.com/keithlinneman/cfdexchange/internal/log"
	"github.com/keithlinneman/cfdexchange/internal/retention"
	"github.com/keithlinneman/cfdexchange/internal/sandbox"
	"github.com/keithlinneman/cfdexchange/internal/transfer"
	"github.com/keithlinneman/cfdexchange/internal/xerrors"
)

// DefaultArchiveName is used when a directory download gives no ?dl= name.
const DefaultArchiveName = "download.zip"

// retryAfterSeconds is sent with 503 responses from the download gate.
const retryAfterSeconds = 5

// Sweeps runs one retention pass. *retention.Runner satisfies it.
type Sweeps interface {
	Trigger(ctx context.Context) retention.Result
}

type ArchiveMetrics interface {
	ObserveArchive(outcome string, took time.Duration)
}

type nopMetrics struct{}

func (nopMetrics) ObserveArchive(string, time.Duration) {}

// Archive outcome labels.
const (
	ArchiveBuilt = "built"
	ArchiveEmpty = "empty"
	ArchiveError = "error"
)

type Options struct {
	// Home is the case tree root served by explore and download.
	Home string
	// Scratch holds transient zips, one subdirectory per request.
	Scratch string
	Store   *transfer.Store
	// Sweeps is optional. Without it the cleanup routes are not mounted.
	Sweeps Sweeps

	CompressArchives bool
	// MaxUploadBytes caps POST /rw bodies. Zero means unlimited.
	MaxUploadBytes int64
	// RateLimit wraps the transfer routes when set.
	RateLimit func(http.Handler) http.Handler

	Logger  log.Logger
	Metrics ArchiveMetrics
}

type API struct {
	home      string
	scratch   string
	store     *transfer.Store
	sweeps    Sweeps
	compress  bool
	maxUpload int64
	limit     func(http.Handler) http.Handler
	logger    log.Logger
	metrics   ArchiveMetrics
}

func NewAPI(opts Options) (*API, error) {
	if opts.Store == nil {
		return nil, xerrors.New("filehttp: transfer store is required")
	}
	home, err := sandbox.Root(opts.Home)
	if err != nil {
		return nil, xerrors.Wrapf(err, "filehttp: home %q", opts.Home)
	}
	if opts.Scratch == "" {
		opts.Scratch = os.TempDir()
	}
	if err := os.MkdirAll(opts.Scratch, 0o755); err != nil {
		return nil, xerrors.Wrap(err, "filehttp: create scratch dir")
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.Metrics == nil {
		opts.Metrics = nopMetrics{}
	}
	return &API{
		home:      home,
		scratch:   opts.Scratch,
		store:     opts.Store,
		sweeps:    opts.Sweeps,
		compress:  opts.CompressArchives,
		maxUpload: opts.MaxUploadBytes,
		limit:     opts.RateLimit,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
	}, nil
}

// RegisterRoutes attaches the exchange endpoints to r.
func (api *API) RegisterRoutes(r chi.Router) {
	r.Get("/", api.handleIndex)

	r.Route("/api", func(r chi.Router) {
		r.With(httpmw.Scope("ls")).Get("/ls", api.handleListUploads)
		r.With(httpmw.Scope("ls")).Get("/ls/{name}", api.handleLookupUpload)
		r.With(httpmw.Scope("explore_api")).Get("/explore", api.handleListDir)
		r.With(httpmw.Scope("explore_api")).Get("/explore/*", api.handleListDir)
		r.With(httpmw.Scope("cases")).Get("/cases", api.handleCases)
		if api.sweeps != nil {
			r.With(httpmw.Scope("cleanup")).Post("/cleanup", api.handleCleanup)
		}
	})

	r.With(httpmw.Scope("explore")).Get("/explore", api.handleExplore)
	r.With(httpmw.Scope("explore")).Get("/explore/*", api.handleExplore)
	if api.sweeps != nil {
		r.With(httpmw.Scope("cleanup")).Get("/cleanup_folders", api.handleLegacyCleanup)
	}

	// transfer routes share one per-client budget
	r.Group(func(r chi.Router) {
		if api.limit != nil {
			r.Use(api.limit)
		}
		r.With(httpmw.Scope("download")).Get("/download/*", api.handleDownload)
		r.With(httpmw.Scope("upload"), httpmw.MaxBody(api.maxUpload)).Post("/rw", api.handleUpload)
		r.With(httpmw.Scope("fetch")).Get("/rw/{name}", api.handleFetch)
	})
}

func (api *API) handleIndex(w http.ResponseWriter, r *http.Request) {
	api.writeJSON(r.Context(), w, http.StatusOK, map[string]bool{"ok": true})
}

type errorResponse struct {
	Error string `json:"error"`
}

func (api *API) writeJSON(ctx context.Context, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.FromContext(ctx).Warn(ctx, "failed to encode JSON response", "err", err)
	}
}

// writeError maps err onto a status. Internal detail is logged, never sent.
func (api *API) writeError(ctx context.Context, w http.ResponseWriter, err error) {
	status, msg := classify(err)
	L := log.FromContext(ctx)
	switch {
	case status >= 500 && status != http.StatusServiceUnavailable:
		L.Error(ctx, err, "request failed", "http.response.status_code", status)
	case status == http.StatusNotFound && errors.Is(err, sandbox.ErrRejected):
		L.Warn(ctx, "path rejected by sandbox")
	default:
		L.Debug(ctx, "request refused", "http.response.status_code", status, "err", err)
	}
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds))
	}
	api.writeJSON(ctx, w, status, errorResponse{Error: msg})
}

func classify(err error) (int, string) {
	switch {
	case httpmw.TooLarge(err):
		return http.StatusRequestEntityTooLarge, "upload too large"
	case errors.Is(err, transfer.ErrNameConflict):
		return http.StatusConflict, "file exists on server, rename before uploading"
	case errors.Is(err, transfer.ErrNameRequired), errors.Is(err, transfer.ErrInvalidName):
		return http.StatusBadRequest, "no valid file name given"
	case errors.Is(err, errNoFilePart):
		return http.StatusBadRequest, "no file selected for upload"
	case errors.Is(err, transfer.ErrNotReady):
		return http.StatusServiceUnavailable, "file is still being written"
	case errors.Is(err, transfer.ErrPublishTimeout):
		return http.StatusServiceUnavailable, "timed out waiting to publish"
	case errors.Is(err, transfer.ErrNotFound),
		errors.Is(err, sandbox.ErrRejected),
		errors.Is(err, archive.ErrEmpty),
		errors.Is(err, os.ErrNotExist):
		return http.StatusNotFound, "not found"
	case errors.Is(err, transfer.ErrStream):
		return http.StatusInternalServerError, "upload stream failed"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

// rest returns the wildcard tail of the route.
func rest(r *http.Request) string {
	return chi.URLParam(r, "*")
}
