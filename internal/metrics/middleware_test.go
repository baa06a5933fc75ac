package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/trace"
)

func TestCountingWriter(t *testing.T) {
	rec := httptest.NewRecorder()
	cw := &countingWriter{ResponseWriter: rec}

	cw.WriteHeader(http.StatusCreated)
	cw.WriteHeader(http.StatusInternalServerError)
	_, _ = cw.Write([]byte("abc"))
	_, _ = cw.Write([]byte("de"))

	if cw.status != http.StatusCreated {
		t.Fatalf("status = %d, want first header 201", cw.status)
	}
	if cw.bytes != 5 {
		t.Fatalf("bytes = %d, want 5", cw.bytes)
	}
	if cw.Unwrap() != rec {
		t.Fatal("Unwrap should return the underlying writer")
	}
}

func TestMiddleware_LabelsByRoutePattern(t *testing.T) {
	m := New()
	r := chi.NewRouter()
	r.Get("/rw/{name}", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("payload"))
	})
	h := m.Middleware(r)

	for _, name := range []string{"a.zip", "b.zip", "c.zip"} {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/rw/"+name, nil))
	}

	f := gatherMetric(t, m.reg, "http_requests_total")
	if f == nil || len(f.GetMetric()) != 1 {
		t.Fatalf("want a single series for the route, got %v", f)
	}
	got := f.GetMetric()[0]
	l := labelsOf(got)
	if l["route"] != "/rw/{name}" || l["method"] != "GET" || l["status"] != "200" {
		t.Fatalf("labels = %v", l)
	}
	if got.GetCounter().GetValue() != 3 {
		t.Fatalf("count = %f, want 3", got.GetCounter().GetValue())
	}
	if n := histogramCount(t, m.reg, "http_request_duration_seconds"); n != 3 {
		t.Fatalf("duration samples = %d, want 3", n)
	}
	if sum := firstMetric(t, m.reg, "http_response_size_bytes").GetHistogram().GetSampleSum(); sum != 21 {
		t.Fatalf("response bytes = %f, want 21", sum)
	}
}

func TestMiddleware_StatusAndErrors(t *testing.T) {
	tests := []struct {
		name       string
		handler    http.HandlerFunc
		wantStatus string
		wantErrors bool
	}{
		{"silent handler is 200", func(http.ResponseWriter, *http.Request) {}, "200", false},
		{"not found", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNotFound) }, "404", false},
		{"not ready", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusServiceUnavailable) }, "503", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := New()
			m.Middleware(tt.handler).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/x", nil))

			l := labelsOf(firstMetric(t, m.reg, "http_requests_total"))
			if l["status"] != tt.wantStatus {
				t.Fatalf("status label = %q, want %q", l["status"], tt.wantStatus)
			}
			if l["route"] != "unmatched" {
				t.Fatalf("route label = %q, want unmatched", l["route"])
			}
			if got := gatherMetric(t, m.reg, "http_errors_total") != nil; got != tt.wantErrors {
				t.Fatalf("errors counted = %v, want %v", got, tt.wantErrors)
			}
		})
	}
}

func TestMiddleware_InflightDuringRequest(t *testing.T) {
	m := New()
	var during float64
	m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		during = firstMetric(t, m.reg, "http_inflight_requests").GetGauge().GetValue()
	})).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/rw", nil))

	if during != 1 {
		t.Fatalf("inflight during request = %f, want 1", during)
	}
	if after := firstMetric(t, m.reg, "http_inflight_requests").GetGauge().GetValue(); after != 0 {
		t.Fatalf("inflight after request = %f, want 0", after)
	}
}

func TestMiddleware_InstallsRouteContext(t *testing.T) {
	m := New()
	var rc *chi.Context
	m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rc = chi.RouteContext(r.Context())
	})).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

	if rc == nil {
		t.Fatal("route context should be installed for downstream handlers")
	}
}

func TestTraceExemplar(t *testing.T) {
	tid, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	sid, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	ctxWith := func(flags trace.TraceFlags) context.Context {
		sc := trace.NewSpanContext(trace.SpanContextConfig{TraceID: tid, SpanID: sid, TraceFlags: flags})
		return trace.ContextWithSpanContext(context.Background(), sc)
	}

	if ex := traceExemplar(ctxWith(trace.FlagsSampled)); ex["trace_id"] != tid.String() {
		t.Fatalf("sampled exemplar = %v", ex)
	}
	if ex := traceExemplar(ctxWith(0)); ex != nil {
		t.Fatalf("unsampled span should not produce an exemplar: %v", ex)
	}
	if ex := traceExemplar(context.Background()); ex != nil {
		t.Fatalf("no span should not produce an exemplar: %v", ex)
	}
}
