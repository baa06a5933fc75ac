package httpmw

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/keithlinneman/cfdexchange/internal/log"
)

// recLogger keeps the fields bound through With and the last Info call.
type recLogger struct {
	log.Logger
	mu     *sync.Mutex
	fields map[string]any
	infos  *[]map[string]any
}

func newRecLogger() *recLogger {
	return &recLogger{Logger: log.Nop(), mu: &sync.Mutex{}, fields: map[string]any{}, infos: &[]map[string]any{}}
}

func (l *recLogger) With(kv ...any) log.Logger {
	next := &recLogger{Logger: l.Logger, mu: l.mu, fields: map[string]any{}, infos: l.infos}
	for k, v := range l.fields {
		next.fields[k] = v
	}
	for i := 0; i+1 < len(kv); i += 2 {
		if k, ok := kv[i].(string); ok {
			next.fields[k] = kv[i+1]
		}
	}
	return next
}

func (l *recLogger) Info(_ context.Context, msg string, kv ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	m := map[string]any{"msg": msg}
	for k, v := range l.fields {
		m[k] = v
	}
	for i := 0; i+1 < len(kv); i += 2 {
		m[kv[i].(string)] = kv[i+1]
	}
	*l.infos = append(*l.infos, m)
}

func (l *recLogger) last(t *testing.T) map[string]any {
	t.Helper()
	l.mu.Lock()
	defer l.mu.Unlock()
	require.NotEmpty(t, *l.infos)
	return (*l.infos)[len(*l.infos)-1]
}

func TestResponseWriter_StatusAndBytes(t *testing.T) {
	rec := httptest.NewRecorder()
	rw := &responseWriter{ResponseWriter: rec, ctx: context.Background()}

	require.Equal(t, http.StatusOK, rw.code())
	rw.WriteHeader(http.StatusCreated)
	rw.WriteHeader(http.StatusInternalServerError)
	_, _ = rw.Write([]byte("abc"))
	_, _ = rw.Write([]byte("de"))

	require.Equal(t, http.StatusCreated, rw.code())
	require.EqualValues(t, 5, rw.bytes)
	require.Equal(t, rec, rw.Unwrap())
	rw.Flush()
	require.True(t, rec.Flushed)

	_, _, err := rw.Hijack()
	require.Error(t, err)
	rw.endWrite()
}

func TestSchemeFromRequest(t *testing.T) {
	cases := []struct {
		proto string
		tls   bool
		want  string
	}{
		{want: "http"},
		{tls: true, want: "https"},
		{proto: "HTTPS", want: "https"},
		{proto: "https, http", want: "https"},
		{proto: "gopher", want: "http"},
		{proto: "https\r\nX-Evil: 1", want: "http"},
	}
	for _, tc := range cases {
		r := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
		if tc.proto != "" {
			r.Header.Set("X-Forwarded-Proto", tc.proto)
		}
		if tc.tls {
			r = httptest.NewRequest(http.MethodGet, "https://exchange.local/", http.NoBody)
		}
		require.Equal(t, tc.want, schemeFromRequest(r), "proto=%q tls=%v", tc.proto, tc.tls)
	}
}

func TestWithLogger_BindsRequestFields(t *testing.T) {
	base := newRecLogger()
	h := Chain(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.FromContext(r.Context()).Info(r.Context(), "inside")
	}), RequestID(""), ClientIP, WithLogger(base))

	r := httptest.NewRequest(http.MethodGet, "/api/ls?secret=1", http.NoBody)
	r.RemoteAddr = "10.0.0.7:5555"
	r.Header.Set("X-Request-Id", "req-1")
	h.ServeHTTP(httptest.NewRecorder(), r)

	m := base.last(t)
	require.Equal(t, "req-1", m["request_id"])
	require.Equal(t, "10.0.0.7", m["client.address"])
	require.Equal(t, "10.0.0.7", m["network.peer.address"])
	require.Equal(t, "/api/ls", m["url.path"])
	require.Equal(t, "http", m["url.scheme"])
	for _, v := range m {
		if s, ok := v.(string); ok {
			require.NotContains(t, s, "secret", "query string must stay out of logs")
		}
	}
}

func TestAccessLog_UsesRoutePattern(t *testing.T) {
	base := newRecLogger()
	r := chi.NewRouter()
	r.Use(AccessLog())
	r.Get("/rw/{name}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(strings.Repeat("z", 10)))
	})
	h := WithLogger(base)(r)

	req := httptest.NewRequest(http.MethodGet, "/rw/result.txt", http.NoBody)
	h.ServeHTTP(httptest.NewRecorder(), req)

	m := base.last(t)
	require.Equal(t, "http request", m["msg"])
	require.Equal(t, "/rw/{name}", m["http.route"])
	require.Equal(t, http.StatusAccepted, m["http.response.status_code"])
	require.EqualValues(t, 10, m["http.response.body.size"])
}

func TestAccessLog_Unmatched(t *testing.T) {
	base := newRecLogger()
	h := WithLogger(base)(AccessLog()(http.NotFoundHandler()))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/nope", strings.NewReader("abc")))

	m := base.last(t)
	require.Equal(t, "unmatched", m["http.route"])
	require.Equal(t, http.StatusNotFound, m["http.response.status_code"])
	require.EqualValues(t, 3, m["http.request.body.size"])
}

func TestAccessLog_NoLoggerInContext(t *testing.T) {
	h := AccessLog()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", http.NoBody))
	require.Equal(t, http.StatusNoContent, rec.Code)
}

func TestScope_TagsHandler(t *testing.T) {
	base := newRecLogger()
	h := WithLogger(base)(Scope("upload")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.FromContext(r.Context()).Info(r.Context(), "scoped")
	})))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/rw", http.NoBody))
	require.Equal(t, "upload", base.last(t)["handler"])
}
