package httpmw

import (
	"errors"
	"net/http"
)

// MaxBody caps the request body at limit bytes. A non-positive limit
// disables the cap. Reads past the limit fail with *http.MaxBytesError,
// which handlers report with TooLarge.
func MaxBody(limit int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if limit <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.Body = http.MaxBytesReader(w, r.Body, limit)
			next.ServeHTTP(w, r)
		})
	}
}

// TooLarge reports whether err came from a body read that hit the MaxBody cap.
func TooLarge(err error) bool {
	var mbe *http.MaxBytesError
	return errors.As(err, &mbe)
}
