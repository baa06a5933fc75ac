// Package transfer publishes uploaded artifacts atomically into a single
// uploads directory and gates downloads on in-progress publishes.
//
// An upload streams into a private shadow file, then under the artifact's
// advisory lock renames any existing artifact to <name>.old, renames the
// shadow onto <name> and removes <name>.old. Readers never see a partial
// artifact because the rename is the publish point. Coordination happens
// only through the filesystem.
package transfer

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/keithlinneman/cfdexchange/internal/flock"
	"github.com/keithlinneman/cfdexchange/internal/log"
	"github.com/keithlinneman/cfdexchange/internal/sandbox"
	"github.com/keithlinneman/cfdexchange/internal/xerrors"
)

var (
	ErrNameRequired   = errors.New("file name required")
	ErrInvalidName    = errors.New("invalid file name")
	ErrNameConflict   = errors.New("file exists on server")
	ErrStream         = errors.New("upload stream failed")
	ErrPublishTimeout = errors.New("publish lock wait timed out")
	ErrNotFound       = errors.New("file not found on server")
	ErrNotReady       = errors.New("file timeout on server")
)

const (
	DefaultChunkSize    = 4096
	DefaultReadyTimeout = 10 * time.Second
)

// Shadow file suffixes. They are appended to the full artifact name.
const (
	PartSuffix = ".part"
	LockSuffix = ".lock"
	OldSuffix  = ".old"
)

// IsShadow reports whether name is a transient file of the publish protocol.
func IsShadow(name string) bool {
	return strings.HasSuffix(name, PartSuffix) ||
		strings.HasSuffix(name, LockSuffix) ||
		strings.HasSuffix(name, OldSuffix)
}

// Published describes a completed upload.
type Published struct {
	Name string
	Path string
	Size int64
}

// PublishHook runs after an artifact is published. Hooks must not block for
// long; they run on the uploading request's goroutine.
type PublishHook func(ctx context.Context, p Published)

type Options struct {
	// Dir is the uploads directory, created if absent.
	Dir string
	// Locker defaults to flock.NewFileLocker().
	Locker flock.Locker
	// ChunkSize is the copy buffer size for upload streams.
	ChunkSize int
	// PublishTimeout bounds the writer's lock wait. Zero waits until the
	// request context ends.
	PublishTimeout time.Duration
	// ReadyTimeout is the download gate wait used by Open.
	ReadyTimeout time.Duration
	Logger       log.Logger
	Metrics      Metrics
	Hooks        []PublishHook
}

type Store struct {
	dir     string
	locker  flock.Locker
	chunk   int
	pubWait time.Duration
	ready   time.Duration
	logger  log.Logger
	metrics Metrics

	mu    sync.RWMutex
	hooks []PublishHook
}

func New(opts Options) (*Store, error) {
	if opts.Dir == "" {
		return nil, xerrors.New("transfer: uploads dir is required")
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, xerrors.Wrap(err, "create uploads dir")
	}
	dir, err := sandbox.Root(opts.Dir)
	if err != nil {
		return nil, xerrors.Wrapf(err, "uploads dir %s", opts.Dir)
	}
	s := &Store{
		dir:     dir,
		locker:  opts.Locker,
		chunk:   opts.ChunkSize,
		pubWait: opts.PublishTimeout,
		ready:   opts.ReadyTimeout,
		logger:  opts.Logger,
		metrics: opts.Metrics,
		hooks:   append([]PublishHook(nil), opts.Hooks...),
	}
	if s.locker == nil {
		s.locker = flock.NewFileLocker()
	}
	if s.chunk <= 0 {
		s.chunk = DefaultChunkSize
	}
	if s.ready <= 0 {
		s.ready = DefaultReadyTimeout
	}
	if s.logger == nil {
		s.logger = log.Nop()
	}
	if s.metrics == nil {
		s.metrics = nopMetrics{}
	}
	return s, nil
}

// Dir returns the canonical uploads directory.
func (s *Store) Dir() string { return s.dir }

// OnPublish registers a hook run after every successful publish.
func (s *Store) OnPublish(h PublishHook) {
	if h == nil {
		return
	}
	s.mu.Lock()
	s.hooks = append(s.hooks, h)
	s.mu.Unlock()
}

func (s *Store) path(name string) string { return filepath.Join(s.dir, name) }

func (s *Store) lockPath(name string) string { return s.path(name) + LockSuffix }

// LockPath returns the advisory lock file guarding name.
func (s *Store) LockPath(name string) string { return s.lockPath(name) }

// ArtifactName maps a shadow file name back to the artifact it belongs to.
// Part files carry an upload id: <name>.<id>.part.
func ArtifactName(shadow string) string {
	switch {
	case strings.HasSuffix(shadow, PartSuffix):
		base := strings.TrimSuffix(shadow, PartSuffix)
		if i := strings.LastIndexByte(base, '.'); i > 0 {
			return base[:i]
		}
		return base
	case strings.HasSuffix(shadow, OldSuffix):
		return strings.TrimSuffix(shadow, OldSuffix)
	case strings.HasSuffix(shadow, LockSuffix):
		return strings.TrimSuffix(shadow, LockSuffix)
	}
	return shadow
}

// cleanName validates a name coming from a client for lookups. It must
// already be in safe form.
func cleanName(name string) (string, bool) {
	safe, err := sandbox.SafeName(name)
	if err != nil || safe != name || IsShadow(safe) {
		return "", false
	}
	return safe, true
}
