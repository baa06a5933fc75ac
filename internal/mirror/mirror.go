// Package mirror copies published artifacts to an S3 bucket in the
// background. Uploads are never delayed by the mirror: the publish hook only
// enqueues, and a full queue drops the copy.
package mirror

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/keithlinneman/cfdexchange/internal/log"
	"github.com/keithlinneman/cfdexchange/internal/transfer"
	"github.com/keithlinneman/cfdexchange/internal/xerrors"
)

const (
	DefaultQueueSize = 64
	DefaultTimeout   = 5 * time.Minute
)

// Outcome labels for mirror_uploads_total.
const (
	OutcomeUploaded = "uploaded"
	OutcomeFailed   = "failed"
	OutcomeDropped  = "dropped"
	OutcomeGone     = "gone"
)

var tracer = otel.Tracer("cfdexchange/mirror")

// Putter is the slice of the S3 client the mirror needs.
type Putter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Source opens a published artifact once it is safe to read.
// *transfer.Store satisfies it.
type Source interface {
	Open(ctx context.Context, name string) (*os.File, fs.FileInfo, error)
}

type Metrics interface {
	IncMirror(outcome string)
}

type nopMetrics struct{}

func (nopMetrics) IncMirror(string) {}

type Options struct {
	Bucket string
	// Prefix is prepended to artifact names with a slash.
	Prefix string
	Source Source

	// Client defaults to an s3 client built from AWSConfig, or from the
	// default credential chain when AWSConfig is nil.
	Client    Putter
	AWSConfig *aws.Config

	QueueSize int
	// Timeout bounds one PutObject call.
	Timeout time.Duration
	Logger  log.Logger
	Metrics Metrics
}

type Mirror struct {
	bucket  string
	prefix  string
	src     Source
	client  Putter
	queue   chan string
	timeout time.Duration
	logger  log.Logger
	metrics Metrics
}

func New(ctx context.Context, opts Options) (*Mirror, error) {
	if opts.Bucket == "" {
		return nil, xerrors.New("mirror: bucket is required")
	}
	if opts.Source == nil {
		return nil, xerrors.New("mirror: source is required")
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.Metrics == nil {
		opts.Metrics = nopMetrics{}
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}

	client := opts.Client
	if client == nil {
		var awsCfg aws.Config
		if opts.AWSConfig != nil {
			awsCfg = *opts.AWSConfig
		} else {
			var err error
			awsCfg, err = config.LoadDefaultConfig(ctx)
			if err != nil {
				return nil, xerrors.Wrap(err, "load AWS config")
			}
		}
		client = s3.NewFromConfig(awsCfg)
	}

	return &Mirror{
		bucket:  opts.Bucket,
		prefix:  opts.Prefix,
		src:     opts.Source,
		client:  client,
		queue:   make(chan string, opts.QueueSize),
		timeout: opts.Timeout,
		logger:  opts.Logger,
		metrics: opts.Metrics,
	}, nil
}

// Key returns the object key for an artifact name.
func (m *Mirror) Key(name string) string {
	if m.prefix == "" {
		return name
	}
	return path.Join(m.prefix, name)
}

// Hook is registered with transfer.Store.OnPublish.
func (m *Mirror) Hook() transfer.PublishHook {
	return func(ctx context.Context, p transfer.Published) {
		select {
		case m.queue <- p.Name:
		default:
			m.metrics.IncMirror(OutcomeDropped)
			m.logger.Warn(ctx, "mirror queue full, skipping artifact", "name", p.Name)
		}
	}
}

// Run uploads queued artifacts until ctx ends.
func (m *Mirror) Run(ctx context.Context) {
	m.logger.Info(ctx, "mirror started", "bucket", m.bucket, "prefix", m.prefix)
	for {
		select {
		case <-ctx.Done():
			return
		case name := <-m.queue:
			m.Copy(ctx, name)
		}
	}
}

// Copy uploads the current content of name and records the outcome.
func (m *Mirror) Copy(ctx context.Context, name string) {
	err := m.put(ctx, name)
	switch {
	case err == nil:
		m.metrics.IncMirror(OutcomeUploaded)
	case errors.Is(err, transfer.ErrNotFound):
		// replaced or swept before we got to it
		m.metrics.IncMirror(OutcomeGone)
		m.logger.Debug(ctx, "mirror skipped missing artifact", "name", name)
	default:
		m.metrics.IncMirror(OutcomeFailed)
		m.logger.Error(ctx, err, "mirror upload failed", "name", name, "bucket", m.bucket)
	}
}

func (m *Mirror) put(ctx context.Context, name string) (err error) {
	key := m.Key(name)
	ctx, span := tracer.Start(ctx, "mirror.put")
	span.SetAttributes(attribute.String("artifact.name", name), attribute.String("s3.key", key))
	defer func() {
		if err != nil && !errors.Is(err, transfer.ErrNotFound) {
			span.RecordError(err)
			span.SetStatus(codes.Error, "mirror failed")
		}
		span.End()
	}()

	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	f, fi, err := m.src.Open(ctx, name)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = m.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(m.bucket),
		Key:           aws.String(key),
		Body:          f,
		ContentLength: aws.Int64(fi.Size()),
	})
	if err != nil {
		return xerrors.Wrapf(err, "put s3://%s/%s", m.bucket, key)
	}
	span.SetAttributes(attribute.Int64("artifact.size", fi.Size()))
	return nil
}
