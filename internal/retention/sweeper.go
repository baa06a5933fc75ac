// Package retention deletes case directories and uploaded files once they
// are older than a maximum age. Sweeps are best effort: a failure on one
// entry is recorded and the sweep moves on.
package retention

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/keithlinneman/cfdexchange/internal/catalog"
	"github.com/keithlinneman/cfdexchange/internal/flock"
	"github.com/keithlinneman/cfdexchange/internal/log"
	"github.com/keithlinneman/cfdexchange/internal/sandbox"
	"github.com/keithlinneman/cfdexchange/internal/transfer"
)

const DefaultLockWait = time.Second

// Sweep kinds, used as metric labels.
const (
	KindCases   = "cases"
	KindFiles   = "files"
	KindOrphans = "orphans"
)

var (
	// ErrInUse is recorded when an artifact's lock could not be taken.
	ErrInUse = errors.New("artifact in use")
	// ErrProtected is recorded for a case that is the root or holds a
	// preserved path.
	ErrProtected = errors.New("protected path")
)

type Failure struct {
	Path string
	Err  error
}

type Report struct {
	Removed  []string
	Failures []Failure
}

func (r *Report) fail(path string, err error) {
	r.Failures = append(r.Failures, Failure{Path: path, Err: err})
}

// Metrics receives one observation per completed sweep.
type Metrics interface {
	ObserveSweep(kind string, removed, failed int, took time.Duration)
}

type nopMetrics struct{}

func (nopMetrics) ObserveSweep(string, int, int, time.Duration) {}

type Options struct {
	// Now defaults to time.Now.
	Now func() time.Time
	// Preserve lists directories that are never removed, nor any case
	// directory containing them.
	Preserve []string
	// Locker guards upload artifacts against a concurrent publish.
	Locker flock.Locker
	// LockWait bounds each artifact lock attempt.
	LockWait time.Duration
	Logger   log.Logger
	Metrics  Metrics
}

type Sweeper struct {
	now      func() time.Time
	preserve []string
	locker   flock.Locker
	lockWait time.Duration
	logger   log.Logger
	metrics  Metrics
}

func NewSweeper(opts Options) *Sweeper {
	s := &Sweeper{
		now:      opts.Now,
		locker:   opts.Locker,
		lockWait: opts.LockWait,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.locker == nil {
		s.locker = flock.NewFileLocker()
	}
	if s.lockWait <= 0 {
		s.lockWait = DefaultLockWait
	}
	if s.logger == nil {
		s.logger = log.Nop()
	}
	if s.metrics == nil {
		s.metrics = nopMetrics{}
	}
	for _, p := range opts.Preserve {
		if c, err := filepath.Abs(p); err == nil {
			if r, err := filepath.EvalSymlinks(c); err == nil {
				c = r
			}
			s.preserve = append(s.preserve, c)
		}
	}
	return s
}

var tracer = otel.Tracer("cfdexchange/retention")

func (s *Sweeper) begin(ctx context.Context, kind, dir string) (context.Context, func(*Report)) {
	ctx, span := tracer.Start(ctx, "retention.sweep_"+kind,
		trace.WithAttributes(attribute.String("retention.dir", dir)))
	start := time.Now()
	return ctx, func(r *Report) {
		took := time.Since(start)
		span.SetAttributes(
			attribute.Int("retention.removed", len(r.Removed)),
			attribute.Int("retention.failed", len(r.Failures)),
		)
		span.End()
		s.metrics.ObserveSweep(kind, len(r.Removed), len(r.Failures), took)
		for _, f := range r.Failures {
			if errors.Is(f.Err, ErrInUse) {
				s.logger.Debug(ctx, "sweep skipped entry", "kind", kind, "path", f.Path, "reason", f.Err)
				continue
			}
			s.logger.Warn(ctx, "sweep could not remove entry", "kind", kind, "path", f.Path, "err", f.Err)
		}
		if len(r.Removed) > 0 {
			s.logger.Info(ctx, "sweep removed entries", "kind", kind, "removed", len(r.Removed), "took", took)
		}
	}
}

// protected reports whether removing p would remove the root or a
// preserved directory.
func (s *Sweeper) protected(root, p string) bool {
	if p == root || !sandbox.Within(root, p) {
		return true
	}
	for _, keep := range s.preserve {
		if sandbox.Within(p, keep) {
			return true
		}
	}
	return false
}

// SweepCases removes every marked case under root whose youngest file is
// older than maxAge, then removes empty directories directly under root.
func (s *Sweeper) SweepCases(ctx context.Context, root string, maxAge time.Duration) (rep Report) {
	ctx, done := s.begin(ctx, KindCases, root)
	defer func() { done(&rep) }()

	base, err := sandbox.Root(root)
	if err != nil {
		rep.fail(root, err)
		return rep
	}
	skip := catalog.WithSkipHook(func(p string, err error) {
		s.logger.Debug(ctx, "case scan skipped entry", "path", p, "err", err)
	})
	// collect first so removals do not disturb the walk
	cases := slices.Collect(catalog.FindMarkedCases(base, skip))
	now := s.now()
	for _, c := range cases {
		if ctx.Err() != nil {
			rep.fail(base, ctx.Err())
			return rep
		}
		dir := filepath.Join(base, filepath.FromSlash(c.Path))
		if s.protected(base, dir) {
			rep.fail(dir, ErrProtected)
			continue
		}
		youngest, ok := youngestMtime(dir)
		if !ok {
			continue
		}
		if now.Sub(youngest) <= maxAge {
			continue
		}
		if err := os.RemoveAll(dir); err != nil {
			rep.fail(dir, err)
			continue
		}
		rep.Removed = append(rep.Removed, dir)
	}

	entries, err := os.ReadDir(base)
	if err != nil {
		rep.fail(base, err)
		return rep
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		dir := filepath.Join(base, e.Name())
		if s.protected(base, dir) || !isEmptyDir(dir) {
			continue
		}
		// Remove refuses a directory that filled up since the check
		if err := os.Remove(dir); err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				rep.fail(dir, err)
			}
			continue
		}
		rep.Removed = append(rep.Removed, dir)
	}
	return rep
}

// youngestMtime returns the newest modification time of any non-symlink
// file below dir. ok is false if dir vanished.
func youngestMtime(dir string) (time.Time, bool) {
	if _, err := os.Lstat(dir); err != nil {
		return time.Time{}, false
	}
	var youngest time.Time
	_ = filepath.WalkDir(dir, func(_ string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || d.Type()&fs.ModeSymlink != 0 {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			return nil
		}
		if fi.ModTime().After(youngest) {
			youngest = fi.ModTime()
		}
		return nil
	})
	return youngest, true
}

func isEmptyDir(dir string) bool {
	f, err := os.Open(dir)
	if err != nil {
		return false
	}
	defer f.Close()
	_, err = f.Readdirnames(1)
	return errors.Is(err, io.EOF)
}

// SweepFiles removes regular files directly in folder older than maxAge.
// Symlinks and shadow files of the publish protocol are left alone. Each
// removal happens under the artifact's lock so it cannot race a publish.
func (s *Sweeper) SweepFiles(ctx context.Context, folder string, maxAge time.Duration) (rep Report) {
	ctx, done := s.begin(ctx, KindFiles, folder)
	defer func() { done(&rep) }()

	entries, err := os.ReadDir(folder)
	if err != nil {
		rep.fail(folder, err)
		return rep
	}
	now := s.now()
	for _, e := range entries {
		if ctx.Err() != nil {
			rep.fail(folder, ctx.Err())
			return rep
		}
		name := e.Name()
		if !e.Type().IsRegular() || transfer.IsShadow(name) {
			continue
		}
		p := filepath.Join(folder, name)
		if !s.expired(p, now, maxAge) {
			continue
		}
		s.removeLocked(ctx, &rep, p, filepath.Join(folder, name+transfer.LockSuffix), now, maxAge)
	}
	return rep
}

// SweepOrphans removes part and old files left by interrupted uploads, and
// lock files left by crashed processes, once older than maxAge and not in
// use.
func (s *Sweeper) SweepOrphans(ctx context.Context, folder string, maxAge time.Duration) (rep Report) {
	ctx, done := s.begin(ctx, KindOrphans, folder)
	defer func() { done(&rep) }()

	entries, err := os.ReadDir(folder)
	if err != nil {
		rep.fail(folder, err)
		return rep
	}
	now := s.now()
	for _, e := range entries {
		if ctx.Err() != nil {
			rep.fail(folder, ctx.Err())
			return rep
		}
		name := e.Name()
		if !e.Type().IsRegular() || !transfer.IsShadow(name) {
			continue
		}
		p := filepath.Join(folder, name)
		if !s.expired(p, now, maxAge) {
			continue
		}
		lockPath := filepath.Join(folder, transfer.ArtifactName(name)+transfer.LockSuffix)
		if strings.HasSuffix(name, transfer.LockSuffix) {
			// acquiring and releasing a free lock unlinks its file
			lease, err := s.locker.Acquire(ctx, p, s.lockWait)
			if err != nil {
				rep.fail(p, ErrInUse)
				continue
			}
			if err := lease.Release(); err != nil {
				rep.fail(p, err)
				continue
			}
			rep.Removed = append(rep.Removed, p)
			continue
		}
		s.removeLocked(ctx, &rep, p, lockPath, now, maxAge)
	}
	return rep
}

func (s *Sweeper) expired(p string, now time.Time, maxAge time.Duration) bool {
	fi, err := os.Lstat(p)
	if err != nil || !fi.Mode().IsRegular() {
		return false
	}
	return now.Sub(fi.ModTime()) > maxAge
}

// removeLocked deletes p while holding lockPath, re-checking its age under
// the lock.
func (s *Sweeper) removeLocked(ctx context.Context, rep *Report, p, lockPath string, now time.Time, maxAge time.Duration) {
	lease, err := s.locker.Acquire(ctx, lockPath, s.lockWait)
	if err != nil {
		rep.fail(p, ErrInUse)
		return
	}
	defer func() {
		if err := lease.Release(); err != nil {
			s.logger.Warn(ctx, "release sweep lock", "path", lockPath, "err", err)
		}
	}()
	if !s.expired(p, now, maxAge) {
		return
	}
	if err := os.Remove(p); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			rep.fail(p, err)
		}
		return
	}
	rep.Removed = append(rep.Removed, p)
}
