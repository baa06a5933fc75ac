package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/keithlinneman/cfdexchange/internal/version"
)

type ServerMetrics struct {
	reg                    *prometheus.Registry
	handler                http.Handler
	inflight               prometheus.Gauge
	reqTotal               *prometheus.CounterVec
	reqDur                 *prometheus.HistogramVec
	respBytes              *prometheus.HistogramVec
	httpPanicTotal         prometheus.Counter
	buildInfo              *prometheus.GaugeVec
	ratelimitDeniedTotal   prometheus.Counter
	ratelimitCapacityTotal prometheus.Counter

	errorsTotal *prometheus.CounterVec

	profilingActive prometheus.Gauge

	// transfer metrics
	uploadsTotal    *prometheus.CounterVec
	uploadBytes     prometheus.Histogram
	publishLockWait prometheus.Histogram
	gateTotal       *prometheus.CounterVec
	gateWait        prometheus.Histogram
	archivesTotal   *prometheus.CounterVec
	archiveDuration prometheus.Histogram
	mirrorTotal     *prometheus.CounterVec

	// retention metrics
	sweepsTotal      *prometheus.CounterVec
	sweepRemoved     *prometheus.CounterVec
	sweepFailures    *prometheus.CounterVec
	sweepDuration    *prometheus.HistogramVec
	sweepLastSuccess *prometheus.GaugeVec
}

var sizeBuckets = []float64{256, 1024, 4096, 16384, 65536, 262144, 1048576, 4194304, 16777216, 67108864, 268435456, 1073741824, 4294967296}

// New returns a fresh registry + standard collectors + HTTP metrics
// safe labels only (method, route, code) to avoid path/cardinality explosions
func New() *ServerMetrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &ServerMetrics{
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "http_inflight_requests",
			Help: "Current number of in-flight HTTP requests",
		}),
		reqTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total HTTP requests by method, route, and status",
		}, []string{"method", "route", "status"}),
		reqDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Request latency by method and route",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 120},
		}, []string{"method", "route"}),
		respBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_response_size_bytes",
			Help:    "Response size by method and route",
			Buckets: sizeBuckets,
		}, []string{"method", "route"}),
		httpPanicTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_panic_total",
			Help: "Total number of recovered httpserver panics",
		}),
		buildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "build_info",
			Help: "Build metadata (value is always 1)",
		}, []string{"app", "component", "version", "commit", "commit_date", "build_id", "build_date", "vcs_dirty", "go_version"}),
		ratelimitDeniedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_requests_rate_limited_total",
			Help: "Total requests rejected by rate limiter",
		}),
		ratelimitCapacityTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_requests_rate_limited_capacity_total",
			Help: "Total number of times rate limiter capacity reached",
		}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_errors_total",
			Help: "Total 5xx HTTP server errors by method and route (SLI)",
		}, []string{"method", "route"}),
		profilingActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "profiling_active",
			Help: "Whether continuous profiling is active (1) or disabled/failed (0)",
		}),
		uploadsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "transfer_uploads_total",
			Help: "Upload attempts by outcome",
		}, []string{"outcome"}),
		uploadBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "transfer_upload_size_bytes",
			Help:    "Size of published artifacts",
			Buckets: sizeBuckets,
		}),
		publishLockWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "transfer_publish_lock_wait_seconds",
			Help:    "Time writers waited for the artifact lock before publishing",
			Buckets: []float64{0.001, 0.005, 0.025, 0.1, 0.5, 1, 5, 30},
		}),
		gateTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "transfer_download_gate_total",
			Help: "Download readiness checks by outcome",
		}, []string{"outcome"}),
		gateWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "transfer_download_gate_wait_seconds",
			Help:    "Time readers waited at the download gate",
			Buckets: []float64{0.001, 0.005, 0.025, 0.1, 0.5, 1, 5, 10},
		}),
		archivesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "archive_builds_total",
			Help: "Directory archives built for download by outcome",
		}, []string{"outcome"}),
		archiveDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "archive_build_duration_seconds",
			Help:    "Time to build a directory archive",
			Buckets: []float64{0.05, 0.25, 1, 5, 15, 60, 300},
		}),
		mirrorTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mirror_uploads_total",
			Help: "Copies of published artifacts to object storage by outcome",
		}, []string{"outcome"}),
		sweepsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "retention_sweeps_total",
			Help: "Completed retention sweeps by kind",
		}, []string{"kind"}),
		sweepRemoved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "retention_removed_total",
			Help: "Entries removed by retention sweeps by kind",
		}, []string{"kind"}),
		sweepFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "retention_failures_total",
			Help: "Entries a retention sweep could not remove, by kind",
		}, []string{"kind"}),
		sweepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "retention_sweep_duration_seconds",
			Help:    "Duration of retention sweeps by kind",
			Buckets: []float64{0.01, 0.05, 0.25, 1, 5, 30, 120},
		}, []string{"kind"}),
		sweepLastSuccess: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "retention_last_sweep_timestamp_seconds",
			Help: "Unix timestamp of the last completed sweep by kind",
		}, []string{"kind"}),
	}
	reg.MustRegister(
		m.inflight,
		m.reqTotal,
		m.reqDur,
		m.respBytes,
		m.httpPanicTotal,
		m.buildInfo,
		m.ratelimitDeniedTotal,
		m.ratelimitCapacityTotal,
		m.errorsTotal,
		m.profilingActive,
		m.uploadsTotal,
		m.uploadBytes,
		m.publishLockWait,
		m.gateTotal,
		m.gateWait,
		m.archivesTotal,
		m.archiveDuration,
		m.mirrorTotal,
		m.sweepsTotal,
		m.sweepRemoved,
		m.sweepFailures,
		m.sweepDuration,
		m.sweepLastSuccess,
	)

	m.handler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
	m.reg = reg
	return m
}

func (m *ServerMetrics) IncHttpPanic() {
	m.httpPanicTotal.Inc()
}

func (m *ServerMetrics) Handler() http.Handler {
	return m.handler
}

// set once at startup.
func (m *ServerMetrics) SetBuildInfoFromVersion(app, component string, vi version.Info) {
	dirty := "unknown"
	if vi.VCSDirty != nil {
		dirty = strconv.FormatBool(*vi.VCSDirty)
	}
	m.buildInfo.With(prometheus.Labels{
		"app":         app,
		"component":   component,
		"version":     vi.Version,
		"commit":      vi.Commit,
		"commit_date": vi.CommitDate,
		"build_id":    vi.BuildId,
		"build_date":  vi.BuildDate,
		"go_version":  vi.GoVersion,
		"vcs_dirty":   dirty,
	}).Set(1)
}

func (m *ServerMetrics) IncRateLimitDenied() {
	m.ratelimitDeniedTotal.Inc()
}

func (m *ServerMetrics) IncRateLimitCapacity() {
	m.ratelimitCapacityTotal.Inc()
}

func (m *ServerMetrics) SetProfilingActive(active bool) {
	if active {
		m.profilingActive.Set(1)
	} else {
		m.profilingActive.Set(0)
	}
}

// ObserveUpload implements transfer.Metrics.
func (m *ServerMetrics) ObserveUpload(outcome string, bytes int64, lockWait time.Duration) {
	m.uploadsTotal.WithLabelValues(outcome).Inc()
	if outcome == "published" {
		m.uploadBytes.Observe(float64(bytes))
		m.publishLockWait.Observe(lockWait.Seconds())
	}
}

// ObserveGate implements transfer.Metrics.
func (m *ServerMetrics) ObserveGate(outcome string, wait time.Duration) {
	m.gateTotal.WithLabelValues(outcome).Inc()
	m.gateWait.Observe(wait.Seconds())
}

func (m *ServerMetrics) ObserveArchive(outcome string, took time.Duration) {
	m.archivesTotal.WithLabelValues(outcome).Inc()
	if outcome == "built" {
		m.archiveDuration.Observe(took.Seconds())
	}
}

func (m *ServerMetrics) IncMirror(outcome string) {
	m.mirrorTotal.WithLabelValues(outcome).Inc()
}

// ObserveSweep implements retention.Metrics.
func (m *ServerMetrics) ObserveSweep(kind string, removed, failed int, took time.Duration) {
	m.sweepsTotal.WithLabelValues(kind).Inc()
	m.sweepRemoved.WithLabelValues(kind).Add(float64(removed))
	m.sweepFailures.WithLabelValues(kind).Add(float64(failed))
	m.sweepDuration.WithLabelValues(kind).Observe(took.Seconds())
	m.sweepLastSuccess.WithLabelValues(kind).Set(float64(time.Now().Unix()))
}
