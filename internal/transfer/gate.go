package transfer

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/keithlinneman/cfdexchange/internal/catalog"
	"github.com/keithlinneman/cfdexchange/internal/flock"
	"github.com/keithlinneman/cfdexchange/internal/xerrors"
)

// AwaitReady waits up to timeout for any in-progress publish of name to
// finish. The lock is released as soon as it is obtained. A timeout <= 0
// uses the store's ready timeout.
func (s *Store) AwaitReady(ctx context.Context, name string, timeout time.Duration) (err error) {
	ctx, span := tracer.Start(ctx, "transfer.await_ready")
	start := time.Now()
	outcome := OutcomeError
	defer func() {
		s.metrics.ObserveGate(outcome, time.Since(start))
		span.SetAttributes(attribute.String("transfer.outcome", outcome))
		span.End()
	}()

	name, ok := cleanName(name)
	if !ok {
		outcome = OutcomeNotFound
		return ErrNotFound
	}
	if _, err := os.Stat(s.path(name)); err != nil {
		outcome = OutcomeNotFound
		return ErrNotFound
	}
	if timeout <= 0 {
		timeout = s.ready
	}
	lease, err := s.locker.Acquire(ctx, s.lockPath(name), timeout)
	if err != nil {
		if errors.Is(err, flock.ErrTimeout) {
			outcome = OutcomeNotReady
			return xerrors.Mark(ErrNotReady, err)
		}
		return xerrors.Wrap(err, "await ready")
	}
	if err := lease.Release(); err != nil {
		s.logger.Warn(ctx, "release gate lock", "name", name, "err", err)
	}
	outcome = OutcomeReady
	return nil
}

// Open passes the download gate and opens name for reading. The caller
// closes the file.
func (s *Store) Open(ctx context.Context, name string) (*os.File, fs.FileInfo, error) {
	if err := s.AwaitReady(ctx, name, s.ready); err != nil {
		return nil, nil, err
	}
	// AwaitReady accepted name as already clean
	f, err := os.Open(s.path(name))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil, ErrNotFound
		}
		return nil, nil, xerrors.Wrap(err, "open artifact")
	}
	fi, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, nil, xerrors.Wrap(err, "stat artifact")
	}
	if !fi.Mode().IsRegular() {
		_ = f.Close()
		return nil, nil, ErrNotFound
	}
	return f, fi, nil
}

// List returns published artifacts newest first. Shadow files are hidden.
func (s *Store) List() ([]catalog.Record, error) {
	l, err := catalog.List(s.dir, "")
	if err != nil {
		return nil, err
	}
	out := make([]catalog.Record, 0, len(l.Files))
	for _, r := range l.Files {
		if !IsShadow(r.Name) {
			out = append(out, r)
		}
	}
	catalog.SortByModified(out)
	return out, nil
}

// Lookup returns the record of one published artifact.
func (s *Store) Lookup(name string) (catalog.Record, error) {
	name, ok := cleanName(name)
	if !ok {
		return catalog.Record{}, ErrNotFound
	}
	r, err := catalog.Stat(s.dir, name, "")
	if err != nil || r.IsDir() {
		return catalog.Record{}, ErrNotFound
	}
	return r, nil
}
