package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/keithlinneman/cfdexchange/internal/cfg"
	"github.com/keithlinneman/cfdexchange/internal/filehttp"
	"github.com/keithlinneman/cfdexchange/internal/flock"
	"github.com/keithlinneman/cfdexchange/internal/health"
	"github.com/keithlinneman/cfdexchange/internal/httpmw"
	"github.com/keithlinneman/cfdexchange/internal/httpserver"
	"github.com/keithlinneman/cfdexchange/internal/log"
	"github.com/keithlinneman/cfdexchange/internal/metrics"
	"github.com/keithlinneman/cfdexchange/internal/mirror"
	"github.com/keithlinneman/cfdexchange/internal/opshttp"
	"github.com/keithlinneman/cfdexchange/internal/otelx"
	"github.com/keithlinneman/cfdexchange/internal/prof"
	"github.com/keithlinneman/cfdexchange/internal/ratelimit"
	"github.com/keithlinneman/cfdexchange/internal/retention"
	"github.com/keithlinneman/cfdexchange/internal/transfer"
	v "github.com/keithlinneman/cfdexchange/internal/version"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	vi := v.Get()

	var conf cfg.App
	var showVersion bool

	// Parse config from flags and env
	cfg.Register(flag.CommandLine, &conf)
	flag.BoolVar(&showVersion, "V", false, "Print version+build information and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf(
			"%s %s (commit=%s, commit_date=%s, build_id=%s, build_date=%s, go=%s, dirty=%v)\n",
			vi.AppName, vi.Version, vi.Commit, vi.CommitDate, vi.BuildId, vi.BuildDate, vi.GoVersion,
			vi.VCSDirty != nil && *vi.VCSDirty,
		)
		os.Exit(0)
	}

	cfg.FillFromEnv(flag.CommandLine, cfg.EnvPrefix, func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})
	if err := conf.Resolve(); err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(1)
	}
	if err := cfg.Validate(conf); err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(1)
	}

	// Setup logging, levels were validated above
	lvl, _ := log.ParseLevel(conf.LogLevel)
	stackLvl, _ := log.ParseLevel(conf.StacktraceLevel)
	lg, err := log.New(log.Options{
		App:             v.AppName,
		Version:         vi.Version,
		Level:           lvl,
		StacktraceLevel: stackLvl,
		JsonFormat:      conf.LogJSON,
		MaxErrorChain:   conf.MaxErrorChain,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger init error:", err)
		os.Exit(1)
	}
	defer lg.Sync()
	L := lg.With("component", "server")
	ctx = log.WithContext(ctx, L)

	L.Info(ctx, "initializing application",
		"version", vi.Version,
		"commit", vi.Commit,
		"build_id", vi.BuildId,
		"build_date", vi.BuildDate,
		"go_version", vi.GoVersion,
		"vcs_dirty", vi.VCSDirty,
		"http_port", conf.HTTPPort,
		"admin_port", conf.AdminPort,
		"home", conf.Home,
		"upload_folder", conf.UploadFolder,
		"scratch_dir", conf.ScratchDir,
		"max_age", conf.MaxAge,
		"sweep_interval", conf.SweepInterval,
		"publish_timeout", conf.PublishTimeout,
		"ready_timeout", conf.ReadyTimeout,
		"chunk_size", conf.ChunkSize.String(),
		"max_upload_bytes", conf.MaxUploadBytes.String(),
		"compress_archives", conf.CompressArchives,
		"rate_limit", conf.RateLimit,
		"mirror_s3_bucket", conf.MirrorBucket,
		"enable_pprof", conf.EnablePprof,
		"enable_pyroscope", conf.EnablePyroscope,
		"enable_tracing", conf.EnableTracing,
		"trace_sample", conf.TraceSample,
	)

	m := metrics.New()
	m.SetBuildInfoFromVersion(v.AppName, "server", vi)

	// Setup pyroscope profiling, failure is not fatal
	stopProf, err := prof.Start(ctx, prof.Options{
		Enabled:       conf.EnablePyroscope,
		AppName:       v.AppName,
		ServerAddress: conf.PyroServer,
		TenantID:      conf.PyroTenantID,
		Tags: map[string]string{
			"app":       v.AppName,
			"component": "server",
			"version":   vi.Version,
			"commit":    vi.Commit,
			"build_id":  vi.BuildId,
		},
	})
	if err != nil {
		L.Error(ctx, err, "pyroscope start failed", "pyro_server", conf.PyroServer)
	}
	m.SetProfilingActive(conf.EnablePyroscope && err == nil)
	defer stopProf()

	// Insecure is true because we only export to a collector on localhost
	shutdownOTEL, err := otelx.Init(ctx, otelx.Options{
		Enabled:   conf.EnableTracing,
		Endpoint:  conf.OTLPEndpoint,
		Insecure:  true,
		Sample:    conf.TraceSample,
		Service:   v.AppName,
		Component: "server",
		Version:   vi.Version,
	})
	if err != nil {
		L.Error(ctx, err, "otel init failed, tracing disabled")
		shutdownOTEL = func(context.Context) error { return nil }
	}

	// one locker for the store and the sweeper so both honor the same leases
	locker := flock.NewFileLocker()

	store, err := transfer.New(transfer.Options{
		Dir:            conf.UploadFolder,
		Locker:         locker,
		ChunkSize:      int(conf.ChunkSize),
		PublishTimeout: conf.PublishTimeout,
		ReadyTimeout:   conf.ReadyTimeout,
		Logger:         lg.With("component", "transfer"),
		Metrics:        m,
	})
	if err != nil {
		L.Error(ctx, err, "failed to open upload folder", "upload_folder", conf.UploadFolder)
		os.Exit(1)
	}

	if conf.MirrorBucket != "" {
		mir, err := mirror.New(ctx, mirror.Options{
			Bucket:  conf.MirrorBucket,
			Prefix:  conf.MirrorPrefix,
			Source:  store,
			Logger:  lg.With("component", "mirror"),
			Metrics: m,
		})
		if err != nil {
			// mirroring is best effort, serve without it
			L.Error(ctx, err, "failed to set up s3 mirror, published uploads stay local only", "bucket", conf.MirrorBucket)
		} else {
			store.OnPublish(mir.Hook())
			go mir.Run(ctx)
		}
	}

	sweeper := retention.NewSweeper(retention.Options{
		Preserve: []string{conf.UploadFolder},
		Locker:   locker,
		Logger:   lg.With("component", "retention"),
		Metrics:  m,
	})
	sweeps := retention.NewRunner(retention.RunnerOptions{
		Sweeper:  sweeper,
		Home:     conf.Home,
		Uploads:  conf.UploadFolder,
		MaxAge:   conf.MaxAge,
		Interval: conf.SweepInterval,
		Logger:   lg.With("component", "retention_runner"),
	})
	go sweeps.Run(ctx)

	// per-ip limits on the routes that hold disk and connections open
	var limitMW func(next http.Handler) http.Handler
	if conf.RateLimit > 0 {
		limiter := ratelimit.New(ctx,
			ratelimit.WithRate(conf.RateLimit, conf.RateBurst),
			// increment prometheus counter on each denied request
			ratelimit.WithOnDenied(func(ip string) {
				m.IncRateLimitDenied()
			}),
			// only log the first time an ip is denied each time it is cleaned from the bucket
			ratelimit.WithOnFirstDenied(func(ip string) {
				L.Warn(ctx, "rate limit triggered", "ip", ip)
			}),
			ratelimit.WithOnCapacity(func() {
				m.IncRateLimitCapacity()
				L.Warn(ctx, "rate limit capacity reached, rejecting new visitors until some are evicted")
			}),
		)
		limitMW = limiter.Middleware
	}

	api, err := filehttp.NewAPI(filehttp.Options{
		Home:             conf.Home,
		Scratch:          conf.ScratchDir,
		Store:            store,
		Sweeps:           sweeps,
		CompressArchives: conf.CompressArchives,
		MaxUploadBytes:   int64(conf.MaxUploadBytes),
		RateLimit:        limitMW,
		Logger:           lg.With("component", "filehttp"),
		Metrics:          m,
	})
	if err != nil {
		L.Error(ctx, err, "failed to create file exchange api")
		os.Exit(1)
	}

	// ready while not draining and both trees accept writes
	var gate health.ShutdownGate
	readiness := health.All(
		gate.Probe(),
		health.WritableDir(conf.Home),
		health.WritableDir(conf.UploadFolder),
	)

	appHTTPStop, err := httpserver.Start(ctx, &httpserver.Options{
		Logger:       L,
		Port:         conf.HTTPPort,
		UseRecoverMW: true,
		OnPanic:      m.IncHttpPanic,
		MetricsMW:    m.Middleware,
		Health:       health.Fixed(true, ""),
		Readiness:    readiness,
		ClientIPOpts: httpmw.ClientIPOptions{TrustedHops: conf.TrustedHops},
		APIRoutes:    api.RegisterRoutes,
		ReadTimeout:  conf.ReadTimeout,
		WriteTimeout: conf.WriteTimeout,
	})
	if err != nil {
		L.Error(ctx, err, "failed to start app http listener")
		os.Exit(1)
	}

	// admin listener serves metrics, probes and pprof to private networks only
	opsHTTPStop, err := opshttp.Start(ctx, L, &opshttp.Options{
		Port:         conf.AdminPort,
		Metrics:      m.Handler(),
		EnablePprof:  conf.EnablePprof,
		Health:       health.Fixed(true, ""),
		Readiness:    readiness,
		UseRecoverMW: true,
		OnPanic:      m.IncHttpPanic,
	})
	if err != nil {
		L.Error(ctx, err, "failed to start ops http listener")
		os.Exit(1)
	}

	if err := notifySystemd(); err != nil {
		// worst case systemd kills the process after its start timeout
		L.Warn(ctx, "failed to notify systemd of readiness", "error", err)
	}

	<-ctx.Done()
	stop()
	L.Info(context.Background(), "shutdown signal received")

	// fail readiness first so the load balancer stops sending new transfers
	gate.Set("draining")
	if conf.DrainDelay > 0 {
		L.Info(context.Background(), "draining", "delay", conf.DrainDelay)
		forceCh := make(chan os.Signal, 1)
		signal.Notify(forceCh, os.Interrupt, syscall.SIGTERM)
		select {
		case <-time.After(conf.DrainDelay):
		case <-forceCh:
			L.Warn(context.Background(), "second signal received, skipping drain")
		}
		signal.Stop(forceCh)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := appHTTPStop(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "app http server shutdown")
	}
	if err := opsHTTPStop(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "ops http server shutdown")
	}
	if err := shutdownOTEL(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "otel shutdown")
	}

	L.Info(context.Background(), "shutdown complete")
}

func notifySystemd() error {
	// systemd sets NOTIFY_SOCKET when the unit uses Type=notify
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return nil
	}
	conn, err := net.Dial("unixgram", addr)
	if err != nil {
		return fmt.Errorf("systemd notify: dial: %w", err)
	}
	defer conn.Close()
	if _, err := conn.Write([]byte("READY=1")); err != nil {
		return fmt.Errorf("systemd notify: write: %w", err)
	}
	return nil
}
