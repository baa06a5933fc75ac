package cfg

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/keithlinneman/cfdexchange/internal/log"
	"github.com/keithlinneman/cfdexchange/internal/sandbox"
)

// EnvPrefix maps flag "upload-folder" to CFD_UPLOAD_FOLDER.
const EnvPrefix = "CFD_"

type App struct {
	LogJSON         bool
	LogLevel        string
	StacktraceLevel string
	MaxErrorChain   int

	HTTPPort     int
	AdminPort    int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	TrustedHops  int
	DrainDelay   time.Duration

	EnablePprof     bool
	EnablePyroscope bool
	EnableTracing   bool
	PyroServer      string
	PyroTenantID    string
	OTLPEndpoint    string
	TraceSample     float64

	Home         string
	UploadFolder string
	ScratchDir   string

	MaxAge         time.Duration
	SweepInterval  time.Duration
	PublishTimeout time.Duration
	ReadyTimeout   time.Duration

	ChunkSize        ByteSize
	MaxUploadBytes   ByteSize
	CompressArchives bool

	RateLimit float64
	RateBurst int

	MirrorBucket string
	MirrorPrefix string
}

// ByteSize is a flag.Value accepting humanized sizes like "64MiB" or "1.5GB".
type ByteSize uint64

func (b *ByteSize) String() string {
	if b == nil || *b == 0 {
		return "0"
	}
	return humanize.IBytes(uint64(*b))
}

func (b *ByteSize) Set(s string) error {
	n, err := humanize.ParseBytes(strings.TrimSpace(s))
	if err != nil {
		return err
	}
	*b = ByteSize(n)
	return nil
}

// Register binds all config fields to the given FlagSet with defaults inline
func Register(fs *flag.FlagSet, c *App) {
	fs.BoolVar(&c.LogJSON, "log-json", true, "JSON logs (true) or logfmt (false)")
	fs.StringVar(&c.LogLevel, "log-level", "info", "debug|info|warn|error")
	fs.StringVar(&c.StacktraceLevel, "stacktrace-level", "error", "minimum level that carries a stack (debug|info|warn|error)")
	fs.IntVar(&c.MaxErrorChain, "max-error-chain", 8, "max unwrapped error messages attached to a log line (1..64)")

	fs.IntVar(&c.HTTPPort, "http-port", 8080, "listen TCP port (1..65535)")
	fs.IntVar(&c.AdminPort, "admin-port", 9000, "admin listen TCP port (1..65535)")
	fs.DurationVar(&c.ReadTimeout, "read-timeout", 30*time.Minute, "max time to read a request including the upload body (0 disables)")
	fs.DurationVar(&c.WriteTimeout, "write-timeout", 30*time.Minute, "max time to write a response including downloads (0 disables)")
	fs.IntVar(&c.TrustedHops, "trusted-hops", 0, "number of trusted reverse proxies that append to X-Forwarded-For")
	fs.DurationVar(&c.DrainDelay, "drain-delay", 15*time.Second, "time between failing readiness and stopping listeners on shutdown")

	fs.BoolVar(&c.EnablePprof, "enable-pprof", true, "Enable pprof profiling (on admin port only)")
	fs.BoolVar(&c.EnableTracing, "enable-tracing", false, "Enable OTLP tracing and push to otlp-endpoint")
	fs.BoolVar(&c.EnablePyroscope, "enable-pyroscope", false, "Enable pushing Pyroscope data to server set in -pyro-server")
	fs.StringVar(&c.PyroServer, "pyro-server", "", "pyroscope server url to push to")
	fs.StringVar(&c.PyroTenantID, "pyro-tenant", "", "tenant (x-scope-orgid) to use for pyro-server")
	fs.StringVar(&c.OTLPEndpoint, "otlp-endpoint", "", "OTLP endpoint to push to (gRPC) (host:port)")
	fs.Float64Var(&c.TraceSample, "trace-sample", 0.0, "trace sampling ratio (0..1)")

	fs.StringVar(&c.Home, "home", "", "trusted root that browse, explore and download are confined to (required)")
	fs.StringVar(&c.UploadFolder, "upload-folder", "", "directory for uploaded artifacts (default <home>/uploads)")
	fs.StringVar(&c.ScratchDir, "scratch-dir", "", "directory for transient download archives (default <tmp>/cfdexchange)")

	fs.DurationVar(&c.MaxAge, "max-age", 48*time.Hour, "age after which cases and uploads are swept")
	fs.DurationVar(&c.SweepInterval, "sweep-interval", time.Hour, "time between background sweeps (0 disables)")
	fs.DurationVar(&c.PublishTimeout, "publish-timeout", 0, "max time an upload waits for the artifact lock (0 waits indefinitely)")
	fs.DurationVar(&c.ReadyTimeout, "ready-timeout", 10*time.Second, "max time a download waits for an in-progress publish")

	c.ChunkSize = 64 * humanize.KiByte
	c.MaxUploadBytes = 0
	fs.Var(&c.ChunkSize, "chunk-size", "copy buffer size for uploads (e.g. 64KiB)")
	fs.Var(&c.MaxUploadBytes, "max-upload-bytes", "upload body limit (e.g. 20GiB, 0 disables)")
	fs.BoolVar(&c.CompressArchives, "compress-archives", false, "deflate download archives (stored when false)")

	fs.Float64Var(&c.RateLimit, "rate-limit", 5, "per client IP requests/second on transfer routes (0 disables)")
	fs.IntVar(&c.RateBurst, "rate-burst", 20, "per client IP burst on transfer routes")

	fs.StringVar(&c.MirrorBucket, "mirror-s3-bucket", "", "copy published uploads to this S3 bucket (empty disables)")
	fs.StringVar(&c.MirrorPrefix, "mirror-s3-prefix", "cfdexchange/uploads", "key prefix for mirrored uploads")
}

// FillFromEnv sets any flag not explicitly passed on the CLI from
// environment variables. Flag "foo-bar" maps to PREFIX_FOO_BAR.
// Precedence: cli flag > env var > default.
func FillFromEnv(fs *flag.FlagSet, prefix string, logf func(string, ...any)) {
	explicit := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { explicit[f.Name] = true })

	fs.VisitAll(func(f *flag.Flag) {
		key := EnvKey(prefix, f.Name)
		val, ok := os.LookupEnv(key)
		if !ok {
			return
		}
		if explicit[f.Name] {
			if logf != nil {
				logf("flag -%s: cli value %q overrides env %s=%q", f.Name, f.Value.String(), key, val)
			}
			return
		}
		prev := f.Value.String()
		if err := fs.Set(f.Name, val); err != nil {
			_ = fs.Set(f.Name, prev)
			if logf != nil {
				logf("flag -%s: ignoring invalid env %s=%q: %v", f.Name, key, val, err)
			}
		}
	})
}

func EnvKey(prefix, flagName string) string {
	return prefix + strings.ReplaceAll(strings.ToUpper(flagName), "-", "_")
}

// Resolve fills directory defaults that depend on other fields and makes
// every directory absolute. Call after flags and env are applied.
func (c *App) Resolve() error {
	if c.Home == "" {
		return nil
	}
	home, err := filepath.Abs(c.Home)
	if err != nil {
		return fmt.Errorf("resolve HOME %q: %w", c.Home, err)
	}
	c.Home = home
	if c.UploadFolder == "" {
		c.UploadFolder = filepath.Join(home, "uploads")
	}
	if c.UploadFolder, err = filepath.Abs(c.UploadFolder); err != nil {
		return fmt.Errorf("resolve UPLOAD_FOLDER: %w", err)
	}
	if c.ScratchDir == "" {
		c.ScratchDir = filepath.Join(os.TempDir(), "cfdexchange")
	}
	if c.ScratchDir, err = filepath.Abs(c.ScratchDir); err != nil {
		return fmt.Errorf("resolve SCRATCH_DIR: %w", err)
	}
	return nil
}

// Validate checks that config values are within expected ranges and formats.
// Returns an error describing all invalid fields, or nil if all valid.
func Validate(c App) error {
	var errs []error

	// Ports
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.HTTPPort))
	}
	if c.AdminPort < 1 || c.AdminPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid ADMIN_PORT %d (must be 1..65535)", c.AdminPort))
	}
	if c.AdminPort == c.HTTPPort {
		errs = append(errs, fmt.Errorf("ADMIN_PORT and HTTP_PORT must differ (both %d)", c.HTTPPort))
	}
	if c.ReadTimeout < 0 || c.WriteTimeout < 0 || c.DrainDelay < 0 {
		errs = append(errs, fmt.Errorf("READ_TIMEOUT, WRITE_TIMEOUT and DRAIN_DELAY must not be negative"))
	}
	if c.TrustedHops < 0 {
		errs = append(errs, fmt.Errorf("TRUSTED_HOPS must not be negative (got %d)", c.TrustedHops))
	}

	// Logging
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("invalid LOG_LEVEL %q: %w", c.LogLevel, err))
	}
	if c.StacktraceLevel != "" {
		if _, err := log.ParseLevel(c.StacktraceLevel); err != nil {
			errs = append(errs, fmt.Errorf("invalid STACKTRACE_LEVEL %q: %w", c.StacktraceLevel, err))
		}
	}
	if c.MaxErrorChain < 1 || c.MaxErrorChain > 64 {
		errs = append(errs, fmt.Errorf("MAX_ERROR_CHAIN must be 1..64 (got %d)", c.MaxErrorChain))
	}

	// Telemetry
	if c.TraceSample < 0 || c.TraceSample > 1 {
		errs = append(errs, fmt.Errorf("invalid TRACE_SAMPLE %.3f (must be 0..1)", c.TraceSample))
	}
	if c.EnablePyroscope {
		if c.PyroServer == "" {
			errs = append(errs, fmt.Errorf("PYRO_SERVER required when ENABLE_PYROSCOPE=true"))
		} else if u, err := url.Parse(c.PyroServer); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("PYRO_SERVER must be a URL (got %q)", c.PyroServer))
		}
		if c.PyroTenantID == "" {
			errs = append(errs, fmt.Errorf("PYRO_TENANT required when ENABLE_PYROSCOPE=true"))
		}
	}
	// grpc exporter wants host:port, no scheme
	if c.EnableTracing {
		if c.OTLPEndpoint == "" {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT required when ENABLE_TRACING=true"))
		} else if _, _, err := net.SplitHostPort(c.OTLPEndpoint); err != nil {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT must be host:port (got %q): %v", c.OTLPEndpoint, err))
		}
	}

	// Directories
	if c.Home == "" {
		errs = append(errs, fmt.Errorf("HOME is required"))
	} else if fi, err := os.Stat(c.Home); err != nil || !fi.IsDir() {
		errs = append(errs, fmt.Errorf("HOME %q must be an existing directory", c.Home))
	}
	if c.ScratchDir != "" && c.Home != "" && sandbox.Within(c.Home, c.ScratchDir) {
		errs = append(errs, fmt.Errorf("SCRATCH_DIR %q must not be inside HOME", c.ScratchDir))
	}

	// Transfer and retention
	if c.MaxAge <= 0 {
		errs = append(errs, fmt.Errorf("MAX_AGE must be positive (got %s)", c.MaxAge))
	}
	if c.SweepInterval < 0 {
		errs = append(errs, fmt.Errorf("SWEEP_INTERVAL must not be negative (got %s)", c.SweepInterval))
	}
	if c.PublishTimeout < 0 {
		errs = append(errs, fmt.Errorf("PUBLISH_TIMEOUT must not be negative (got %s)", c.PublishTimeout))
	}
	if c.ReadyTimeout <= 0 {
		errs = append(errs, fmt.Errorf("READY_TIMEOUT must be positive (got %s)", c.ReadyTimeout))
	}
	if c.ChunkSize < 4*humanize.KiByte || c.ChunkSize > 64*humanize.MiByte {
		errs = append(errs, fmt.Errorf("CHUNK_SIZE must be 4KiB..64MiB (got %s)", c.ChunkSize.String()))
	}
	if c.RateLimit < 0 {
		errs = append(errs, fmt.Errorf("RATE_LIMIT must not be negative (got %g)", c.RateLimit))
	}
	if c.RateLimit > 0 && c.RateBurst < 1 {
		errs = append(errs, fmt.Errorf("RATE_BURST must be at least 1 when RATE_LIMIT is set (got %d)", c.RateBurst))
	}

	if c.MirrorBucket != "" && strings.HasPrefix(c.MirrorPrefix, "/") {
		errs = append(errs, fmt.Errorf("MIRROR_S3_PREFIX must not start with / (got %q)", c.MirrorPrefix))
	}

	return errors.Join(errs...)
}
