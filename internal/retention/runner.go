package retention

import (
	"context"
	"sync"
	"time"

	"github.com/keithlinneman/cfdexchange/internal/log"
)

// Result holds the reports of one full pass.
type Result struct {
	Cases   Report
	Files   Report
	Orphans Report
}

// Removed counts entries removed across all sweeps.
func (r Result) Removed() int {
	return len(r.Cases.Removed) + len(r.Files.Removed) + len(r.Orphans.Removed)
}

// Failed counts failures across all sweeps.
func (r Result) Failed() int {
	return len(r.Cases.Failures) + len(r.Files.Failures) + len(r.Orphans.Failures)
}

type RunnerOptions struct {
	Sweeper *Sweeper
	// Home is swept for case directories.
	Home string
	// Uploads is swept for expired artifacts and orphaned shadow files.
	Uploads  string
	MaxAge   time.Duration
	Interval time.Duration
	Logger   log.Logger
}

// Runner performs full passes on a ticker or on demand. Passes never
// overlap within one process.
type Runner struct {
	opts RunnerOptions
	mu   sync.Mutex
}

func NewRunner(opts RunnerOptions) *Runner {
	if opts.Sweeper == nil {
		var keep []string
		if opts.Uploads != "" {
			keep = append(keep, opts.Uploads)
		}
		opts.Sweeper = NewSweeper(Options{Logger: opts.Logger, Preserve: keep})
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	return &Runner{opts: opts}
}

// Trigger runs one pass now, waiting for any pass already underway.
func (r *Runner) Trigger(ctx context.Context) Result {
	r.mu.Lock()
	defer r.mu.Unlock()

	var res Result
	if r.opts.Home != "" {
		res.Cases = r.opts.Sweeper.SweepCases(ctx, r.opts.Home, r.opts.MaxAge)
	}
	if r.opts.Uploads != "" {
		res.Files = r.opts.Sweeper.SweepFiles(ctx, r.opts.Uploads, r.opts.MaxAge)
		res.Orphans = r.opts.Sweeper.SweepOrphans(ctx, r.opts.Uploads, r.opts.MaxAge)
	}
	return res
}

// Run sweeps every Interval until ctx ends. A non-positive Interval returns
// immediately.
func (r *Runner) Run(ctx context.Context) {
	if r.opts.Interval <= 0 {
		return
	}
	L := r.opts.Logger
	L.Info(ctx, "retention sweeps scheduled", "interval", r.opts.Interval, "max_age", r.opts.MaxAge)

	ticker := time.NewTicker(r.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res := r.Trigger(ctx)
			L.Debug(ctx, "retention pass complete", "removed", res.Removed(), "failed", res.Failed())
		}
	}
}
