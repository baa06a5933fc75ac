package transfer

import (
	"context"
	"errors"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/keithlinneman/cfdexchange/internal/flock"
	"github.com/keithlinneman/cfdexchange/internal/sandbox"
	"github.com/keithlinneman/cfdexchange/internal/xerrors"
)

var tracer = otel.Tracer("cfdexchange/transfer")

// Accept streams body into a shadow file and publishes it as the sanitized
// form of nameHint. A stream failure leaves the shadow file for the orphan
// sweep and nothing is published.
func (s *Store) Accept(ctx context.Context, nameHint string, body io.Reader) (_ Published, err error) {
	ctx, span := tracer.Start(ctx, "transfer.accept")
	var (
		outcome  = OutcomeError
		size     int64
		lockWait time.Duration
	)
	defer func() {
		s.metrics.ObserveUpload(outcome, size, lockWait)
		span.SetAttributes(attribute.String("transfer.outcome", outcome))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if nameHint == "" {
		outcome = OutcomeInvalid
		return Published{}, ErrNameRequired
	}
	name, err := sandbox.SafeName(nameHint)
	if err != nil || IsShadow(name) {
		outcome = OutcomeInvalid
		return Published{}, xerrors.Markf(ErrInvalidName, sandbox.ErrUnsafeName, "name %q", nameHint)
	}
	span.SetAttributes(attribute.String("transfer.name", name))
	L := s.logger.With("name", name)

	target := s.path(name)
	if _, err := os.Lstat(target); err == nil {
		outcome = OutcomeConflict
		return Published{}, ErrNameConflict
	}

	part := target + "." + uuid.NewString()[:8] + PartSuffix
	size, err = s.stream(ctx, part, body)
	if err != nil {
		outcome = OutcomeStream
		if ctx.Err() != nil {
			outcome = OutcomeCanceled
		}
		L.Warn(ctx, "upload stream failed", "part", part, "bytes", size, "err", err)
		return Published{}, xerrors.Mark(ErrStream, err)
	}
	span.SetAttributes(attribute.Int64("transfer.bytes", size))

	waitStart := time.Now()
	lease, err := s.locker.Acquire(ctx, s.lockPath(name), s.pubWait)
	lockWait = time.Since(waitStart)
	if err != nil {
		if errors.Is(err, flock.ErrTimeout) {
			outcome = OutcomeTimeout
			return Published{}, xerrors.Mark(ErrPublishTimeout, err)
		}
		if ctx.Err() != nil {
			outcome = OutcomeCanceled
		}
		return Published{}, xerrors.Wrap(err, "acquire publish lock")
	}
	span.AddEvent("lock.acquired", trace.WithAttributes(attribute.Float64("lock.wait_seconds", lockWait.Seconds())))

	err = s.swap(target, part)
	if rerr := lease.Release(); rerr != nil {
		L.Warn(ctx, "release publish lock", "err", rerr)
	}
	if err != nil {
		return Published{}, err
	}

	outcome = OutcomePublished
	pub := Published{Name: name, Path: target, Size: size}
	L.Info(ctx, "artifact published", "bytes", size, "lock_wait", lockWait)
	s.runHooks(ctx, pub)
	return pub, nil
}

func (s *Store) stream(ctx context.Context, part string, body io.Reader) (int64, error) {
	f, err := os.OpenFile(part, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, err
	}
	n, err := io.CopyBuffer(f, ctxReader{ctx: ctx, r: body}, make([]byte, s.chunk))
	if err != nil {
		_ = f.Close()
		return n, err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return n, err
	}
	return n, f.Close()
}

// swap runs under the artifact lock.
func (s *Store) swap(target, part string) error {
	old := target + OldSuffix
	hadPrev := false
	if _, err := os.Lstat(target); err == nil {
		if err := os.Rename(target, old); err != nil {
			return xerrors.Wrap(err, "move previous artifact aside")
		}
		hadPrev = true
	}
	if err := os.Rename(part, target); err != nil {
		if hadPrev {
			_ = os.Rename(old, target)
		}
		return xerrors.Wrap(err, "publish artifact")
	}
	if hadPrev {
		if err := os.Remove(old); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn(context.Background(), "remove previous artifact", "path", old, "err", err)
		}
	}
	if err := syncDir(s.dir); err != nil {
		s.logger.Warn(context.Background(), "artifact published without dir sync", "path", target, "err", err)
	}
	return nil
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return xerrors.Wrap(err, "open uploads dir")
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return xerrors.Wrap(err, "sync uploads dir")
	}
	return nil
}

func (s *Store) runHooks(ctx context.Context, p Published) {
	s.mu.RLock()
	hooks := s.hooks
	s.mu.RUnlock()
	for _, h := range hooks {
		h(ctx, p)
	}
}

// ctxReader stops a copy loop once the request context ends.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
