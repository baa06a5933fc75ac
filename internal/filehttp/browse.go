package filehttp

import (
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/cfdexchange/internal/catalog"
	"github.com/keithlinneman/cfdexchange/internal/log"
	"github.com/keithlinneman/cfdexchange/internal/sandbox"
)

// sniffLen is how much of a file decides between text and binary.
const sniffLen = 8 << 10

func (api *API) handleListUploads(w http.ResponseWriter, r *http.Request) {
	recs, err := api.store.List()
	if err != nil {
		api.writeError(r.Context(), w, err)
		return
	}
	api.writeJSON(r.Context(), w, http.StatusOK, recs)
}

// handleLookupUpload answers {} for an unknown name so pollers can test for
// presence without handling an error status.
func (api *API) handleLookupUpload(w http.ResponseWriter, r *http.Request) {
	rec, err := api.store.Lookup(chi.URLParam(r, "name"))
	if err != nil {
		api.writeJSON(r.Context(), w, http.StatusOK, struct{}{})
		return
	}
	api.writeJSON(r.Context(), w, http.StatusOK, rec)
}

func (api *API) handleListDir(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	L := log.FromContext(ctx)
	listing, err := catalog.List(api.home, rest(r), catalog.WithSkipHook(func(p string, err error) {
		L.Debug(ctx, "listing skipped entry", "entry", p, "err", err)
	}))
	if err != nil {
		api.writeError(ctx, w, err)
		return
	}
	api.writeJSON(ctx, w, http.StatusOK, listing)
}

func (api *API) handleCases(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	L := log.FromContext(ctx)
	cases := []catalog.Record{}
	for rec := range catalog.FindMarkedCases(api.home, catalog.WithSkipHook(func(p string, err error) {
		L.Debug(ctx, "case scan skipped entry", "entry", p, "err", err)
	})) {
		if ctx.Err() != nil {
			return
		}
		cases = append(cases, rec)
	}
	catalog.SortByModified(cases)
	api.writeJSON(ctx, w, http.StatusOK, cases)
}

// handleExplore serves a file inline or lists a directory.
func (api *API) handleExplore(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	p, err := sandbox.Resolve(api.home, rest(r))
	if err != nil {
		api.writeError(ctx, w, err)
		return
	}
	f, err := os.Open(p)
	if err != nil {
		api.writeError(ctx, w, err)
		return
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		api.writeError(ctx, w, err)
		return
	}
	if fi.IsDir() {
		api.handleListDir(w, r)
		return
	}
	if !fi.Mode().IsRegular() {
		api.writeError(ctx, w, catalog.ErrUnsupported)
		return
	}

	head := make([]byte, sniffLen)
	n, err := io.ReadFull(f, head)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		api.writeError(ctx, w, err)
		return
	}
	ctype := "application/octet-stream"
	if looksText(head[:n], fi.Size() > int64(n)) {
		ctype = "text/plain; charset=utf-8"
	}
	w.Header().Set("Content-Type", ctype)
	w.Header().Set("Content-Disposition", mime.FormatMediaType("inline", map[string]string{"filename": fi.Name()}))
	http.ServeContent(w, r, fi.Name(), fi.ModTime(), f)
}

// looksText reports whether b is valid UTF-8. When b was cut from a longer
// file a rune split at the end is ignored.
func looksText(b []byte, truncated bool) bool {
	if truncated {
		for i := 1; i <= utf8.UTFMax && i <= len(b); i++ {
			if utf8.RuneStart(b[len(b)-i]) {
				if !utf8.FullRune(b[len(b)-i:]) {
					b = b[:len(b)-i]
				}
				break
			}
		}
	}
	return utf8.Valid(b)
}

// attachment sets a download disposition for base name.
func attachment(w http.ResponseWriter, name string) {
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": filepath.Base(name)}))
}
