package filehttp

import (
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/keithlinneman/cfdexchange/internal/archive"
	"github.com/keithlinneman/cfdexchange/internal/log"
	"github.com/keithlinneman/cfdexchange/internal/sandbox"
)

// handleDownload sends a file as an attachment, or zips a directory into
// scratch, streams it and deletes it.
func (api *API) handleDownload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tail := rest(r)
	if strings.Trim(tail, "/") == "" {
		api.writeError(ctx, w, os.ErrNotExist)
		return
	}
	p, err := sandbox.Resolve(api.home, tail)
	if err != nil {
		api.writeError(ctx, w, err)
		return
	}
	fi, err := os.Stat(p)
	if err != nil {
		api.writeError(ctx, w, err)
		return
	}
	switch {
	case fi.Mode().IsRegular():
		api.serveFile(w, r, p)
	case fi.IsDir():
		api.serveArchive(w, r, p)
	default:
		api.writeError(ctx, w, os.ErrNotExist)
	}
}

func (api *API) serveFile(w http.ResponseWriter, r *http.Request, p string) {
	f, err := os.Open(p)
	if err != nil {
		api.writeError(r.Context(), w, err)
		return
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		api.writeError(r.Context(), w, err)
		return
	}
	attachment(w, fi.Name())
	http.ServeContent(w, r, fi.Name(), fi.ModTime(), f)
}

func (api *API) serveArchive(w http.ResponseWriter, r *http.Request, dir string) {
	ctx := r.Context()
	L := log.FromContext(ctx)
	name := archiveName(r.URL.Query().Get("dl"))

	work := filepath.Join(api.scratch, uuid.NewString())
	if err := os.MkdirAll(work, 0o755); err != nil {
		api.writeError(ctx, w, err)
		return
	}
	defer func() {
		if err := os.RemoveAll(work); err != nil {
			L.Warn(ctx, "remove archive scratch dir", "dir", work, "err", err)
		}
	}()

	start := time.Now()
	target, err := archive.Build(ctx, dir, filepath.Join(work, name), archive.WithCompression(api.compress))
	switch {
	case errors.Is(err, archive.ErrEmpty):
		api.metrics.ObserveArchive(ArchiveEmpty, time.Since(start))
		api.writeError(ctx, w, err)
		return
	case err != nil:
		api.metrics.ObserveArchive(ArchiveError, time.Since(start))
		api.writeError(ctx, w, err)
		return
	}
	api.metrics.ObserveArchive(ArchiveBuilt, time.Since(start))
	L.Info(ctx, "archive built", "archive", name, "took", time.Since(start))

	api.serveFile(w, r, target)
}

// archiveName sanitizes a ?dl= value into a .zip file name.
func archiveName(hint string) string {
	if hint == "" {
		return DefaultArchiveName
	}
	name, err := sandbox.SafeName(hint)
	if err != nil {
		return DefaultArchiveName
	}
	if !strings.EqualFold(filepath.Ext(name), ".zip") {
		name += ".zip"
	}
	return name
}
