// Package httpmw holds the middleware in front of the file exchange routes.
//
// httpserver composes them outermost first: recover, security headers,
// request ID, client IP, tracing, metrics, logger injection and access log.
// Rate limiting and body caps are attached per route group by filehttp,
// since listing and downloads should not share a budget with uploads.
//
// File names and query strings from clients are logged only after routing
// has validated them.
package httpmw
