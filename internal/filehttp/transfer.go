package filehttp

import (
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/cfdexchange/internal/xerrors"
)

// UploadField is the multipart field carrying the file.
const UploadField = "file"

var errNoFilePart = errors.New("no file part in upload")

type uploadResponse struct {
	Name string `json:"name"`
	Size int64  `json:"file_size"`
}

// handleUpload streams the first "file" part straight into the store
// without buffering the form.
func (api *API) handleUpload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	mr, err := r.MultipartReader()
	if err != nil {
		api.writeError(ctx, w, xerrors.Mark(errNoFilePart, err))
		return
	}
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			api.writeError(ctx, w, errNoFilePart)
			return
		}
		if err != nil {
			api.writeError(ctx, w, xerrors.Mark(errNoFilePart, err))
			return
		}
		if part.FormName() != UploadField {
			_ = part.Close()
			continue
		}

		pub, err := api.store.Accept(ctx, part.FileName(), part)
		_ = part.Close()
		if err != nil {
			api.writeError(ctx, w, err)
			return
		}
		api.writeJSON(ctx, w, http.StatusCreated, uploadResponse{Name: pub.Name, Size: pub.Size})
		return
	}
}

// handleFetch passes the download gate then streams the artifact.
func (api *API) handleFetch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	f, fi, err := api.store.Open(ctx, chi.URLParam(r, "name"))
	if err != nil {
		api.writeError(ctx, w, err)
		return
	}
	defer f.Close()
	attachment(w, fi.Name())
	http.ServeContent(w, r, fi.Name(), fi.ModTime(), f)
}
