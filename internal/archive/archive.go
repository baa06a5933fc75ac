// Package archive packs a directory tree into a zip file on disk.
package archive

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"slices"

	"github.com/klauspost/compress/zip"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/keithlinneman/cfdexchange/internal/xerrors"
)

// ErrEmpty is returned when dir holds no regular files. No zip is written.
var ErrEmpty = errors.New("archive: no files to pack")

type config struct {
	method uint16
}

type Option func(*config)

// WithCompression selects deflate instead of store for every entry.
func WithCompression(on bool) Option {
	return func(c *config) {
		if on {
			c.method = zip.Deflate
		} else {
			c.method = zip.Store
		}
	}
}

// Build writes every regular file below dir into a zip at target and
// returns target. Entry names are relative to dir's parent so the directory
// itself is the top-level entry. Symlinks are not followed. On failure any
// partial target written by Build is removed.
func Build(ctx context.Context, dir, target string, opts ...Option) (_ string, err error) {
	dir = filepath.Clean(dir)
	c := config{method: zip.Store}
	for _, o := range opts {
		o(&c)
	}

	ctx, span := otel.Tracer("cfdexchange/archive").Start(ctx, "archive.build",
		trace.WithAttributes(attribute.String("archive.dir", filepath.Base(dir))))
	defer func() {
		if err != nil && !errors.Is(err, ErrEmpty) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	files, err := collect(dir)
	if err != nil {
		return "", err
	}
	if len(files) == 0 {
		return "", ErrEmpty
	}
	span.SetAttributes(attribute.Int("archive.entries", len(files)))

	f, err := os.Create(target)
	if err != nil {
		return "", xerrors.Wrap(err, "create archive")
	}
	defer func() {
		if err != nil {
			_ = f.Close()
			_ = os.Remove(target)
		}
	}()

	zw := zip.NewWriter(f)
	parent := filepath.Dir(dir)
	for _, p := range files {
		if err = ctx.Err(); err != nil {
			return "", err
		}
		if err = addFile(zw, parent, p, c.method); err != nil {
			return "", err
		}
	}
	if err = zw.Close(); err != nil {
		return "", xerrors.Wrap(err, "finish archive")
	}
	if err = f.Close(); err != nil {
		return "", xerrors.Wrap(err, "close archive")
	}
	return target, nil
}

func collect(dir string) ([]string, error) {
	fi, err := os.Stat(dir)
	if err != nil {
		return nil, xerrors.Wrap(err, "stat archive dir")
	}
	if !fi.IsDir() {
		return nil, xerrors.Newf("archive: %s is not a directory", filepath.Base(dir))
	}
	var files []string
	err = filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			files = append(files, p)
		}
		return nil
	})
	if err != nil {
		return nil, xerrors.Wrap(err, "walk archive dir")
	}
	slices.Sort(files)
	return files, nil
}

func addFile(zw *zip.Writer, parent, p string, method uint16) error {
	src, err := os.Open(p)
	if err != nil {
		return xerrors.Wrap(err, "open entry")
	}
	defer src.Close()

	fi, err := src.Stat()
	if err != nil {
		return xerrors.Wrap(err, "stat entry")
	}
	rel, err := filepath.Rel(parent, p)
	if err != nil {
		return xerrors.Wrap(err, "entry name")
	}
	hdr, err := zip.FileInfoHeader(fi)
	if err != nil {
		return xerrors.Wrap(err, "entry header")
	}
	hdr.Name = filepath.ToSlash(rel)
	hdr.Method = method

	w, err := zw.CreateHeader(hdr)
	if err != nil {
		return xerrors.Wrapf(err, "create entry %s", hdr.Name)
	}
	if _, err := io.Copy(w, src); err != nil {
		return xerrors.Wrapf(err, "write entry %s", hdr.Name)
	}
	return nil
}
