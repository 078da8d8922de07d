package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/trace"
)

// adminRouter mirrors the admin listener: metrics middleware in front of
// chi routes with a path parameter.
func adminRouter(m *ServerMetrics, h http.HandlerFunc) http.Handler {
	r := chi.NewRouter()
	r.Use(m.Middleware)
	r.Get("/-/ready", h)
	r.Get("/-/health", h)
	r.Get("/-/health/{check}", h)
	return r
}

func serve(h http.Handler, method, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

// histogramTotal sums sample counts over every series of a histogram.
func histogramTotal(t *testing.T, m *ServerMetrics, name string) uint64 {
	t.Helper()
	f := gatherMetric(t, m.reg, name)
	if f == nil {
		t.Fatalf("metric %q not found", name)
	}
	var n uint64
	for _, mm := range f.GetMetric() {
		n += mm.GetHistogram().GetSampleCount()
	}
	return n
}

func TestStatusWriter(t *testing.T) {
	tests := []struct {
		name       string
		header     int
		writes     []string
		wantStatus int
		wantBytes  int
	}{
		{name: "header only", header: http.StatusServiceUnavailable, wantStatus: 503},
		{name: "write defaults to 200", writes: []string{"ready\n"}, wantStatus: 200, wantBytes: 6},
		{name: "header then writes", header: http.StatusTooManyRequests, writes: []string{"rate ", "limited"}, wantStatus: 429, wantBytes: 12},
		{name: "nothing written", wantStatus: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			sw := &statusWriter{ResponseWriter: rec}
			if tt.header != 0 {
				sw.WriteHeader(tt.header)
			}
			for _, w := range tt.writes {
				if _, err := sw.Write([]byte(w)); err != nil {
					t.Fatalf("Write: %v", err)
				}
			}
			if sw.status != tt.wantStatus {
				t.Fatalf("status = %d, want %d", sw.status, tt.wantStatus)
			}
			if sw.n != tt.wantBytes {
				t.Fatalf("bytes = %d, want %d", sw.n, tt.wantBytes)
			}
			if sw.Unwrap() != rec {
				t.Fatal("Unwrap should return the underlying writer")
			}
		})
	}
}

func TestMiddleware_RouteLabels(t *testing.T) {
	m := New()
	h := adminRouter(m, func(w http.ResponseWriter, r *http.Request) {
		if chi.URLParam(r, "check") == "postgres" {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"status":"Healthy"}`))
	})

	serve(h, http.MethodGet, "/-/health")
	serve(h, http.MethodGet, "/-/health/redis")
	serve(h, http.MethodGet, "/-/health/redis")
	serve(h, http.MethodGet, "/-/health/postgres")
	serve(h, http.MethodGet, "/nope")

	f := gatherMetric(t, m.reg, "http_requests_total")
	if f == nil {
		t.Fatal("http_requests_total not found")
	}
	got := map[string]float64{}
	for _, mm := range f.GetMetric() {
		l := labelMap(mm)
		got[l["method"]+" "+l["route"]+" "+l["status"]] = mm.GetCounter().GetValue()
	}
	want := map[string]float64{
		"GET /-/health 200":         1,
		"GET /-/health/{check} 200": 2,
		"GET /-/health/{check} 503": 1,
		"GET unmatched 404":         1,
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("requests[%s] = %v, want %v (all: %v)", k, got[k], v, got)
		}
	}
	if len(got) != len(want) {
		t.Errorf("series = %v, want %d", got, len(want))
	}

	if n := histogramTotal(t, m, "http_request_duration_seconds"); n != 5 {
		t.Fatalf("duration observations = %d, want 5", n)
	}
	if n := histogramTotal(t, m, "http_response_size_bytes"); n != 5 {
		t.Fatalf("size observations = %d, want 5", n)
	}
}

func TestMiddleware_NoWriteCountsAs200(t *testing.T) {
	m := New()
	h := adminRouter(m, func(http.ResponseWriter, *http.Request) {})
	serve(h, http.MethodGet, "/-/ready")

	f := gatherMetric(t, m.reg, "http_requests_total")
	if f == nil || len(f.GetMetric()) != 1 {
		t.Fatalf("http_requests_total = %v", f)
	}
	if s := labelMap(f.GetMetric()[0])["status"]; s != "200" {
		t.Fatalf("status label = %q, want 200", s)
	}
}

func TestMiddleware_InflightGauge(t *testing.T) {
	m := New()
	var during float64
	h := adminRouter(m, func(w http.ResponseWriter, r *http.Request) {
		f := gatherMetric(t, m.reg, "http_inflight_requests")
		during = f.GetMetric()[0].GetGauge().GetValue()
	})
	serve(h, http.MethodGet, "/-/health")

	if during != 1 {
		t.Fatalf("inflight during request = %v, want 1", during)
	}
	f := gatherMetric(t, m.reg, "http_inflight_requests")
	if after := f.GetMetric()[0].GetGauge().GetValue(); after != 0 {
		t.Fatalf("inflight after request = %v, want 0", after)
	}
}

func TestMiddleware_WithoutRouter(t *testing.T) {
	m := New()
	var sawRouteCtx bool
	h := m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sawRouteCtx = chi.RouteContext(r.Context()) != nil
		w.WriteHeader(http.StatusNoContent)
	}))
	rec := serve(h, http.MethodOptions, "/-/health")

	if rec.Code != http.StatusNoContent {
		t.Fatalf("code = %d, want 204", rec.Code)
	}
	if !sawRouteCtx {
		t.Fatal("middleware should install a route context")
	}
	f := gatherMetric(t, m.reg, "http_requests_total")
	l := labelMap(f.GetMetric()[0])
	if l["route"] != unmatchedRoute || l["method"] != http.MethodOptions {
		t.Fatalf("labels = %v", l)
	}
}

func TestTraceExemplar(t *testing.T) {
	tid, _ := trace.TraceIDFromHex("0af7651916cd43dd8448eb211c80319c")
	sid, _ := trace.SpanIDFromHex("b7ad6b7169203331")

	tests := []struct {
		name string
		ctx  context.Context
		want string
	}{
		{name: "no span", ctx: context.Background()},
		{
			name: "sampled",
			ctx: trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
				TraceID: tid, SpanID: sid, TraceFlags: trace.FlagsSampled,
			})),
			want: tid.String(),
		},
		{
			name: "not sampled",
			ctx: trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
				TraceID: tid, SpanID: sid,
			})),
		},
		{
			name: "invalid",
			ctx: trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
				TraceFlags: trace.FlagsSampled,
			})),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ex := traceExemplar(tt.ctx)
			if tt.want == "" {
				if ex != nil {
					t.Fatalf("exemplar = %v, want nil", ex)
				}
				return
			}
			if ex["trace_id"] != tt.want {
				t.Fatalf("trace_id = %q, want %q", ex["trace_id"], tt.want)
			}
		})
	}
}

func TestMiddleware_ExemplarOnSampledRequest(t *testing.T) {
	m := New()
	tid, _ := trace.TraceIDFromHex("0af7651916cd43dd8448eb211c80319c")
	sid, _ := trace.SpanIDFromHex("b7ad6b7169203331")
	sc := trace.NewSpanContext(trace.SpanContextConfig{TraceID: tid, SpanID: sid, TraceFlags: trace.FlagsSampled})

	h := adminRouter(m, func(http.ResponseWriter, *http.Request) {})
	req := httptest.NewRequest(http.MethodGet, "/-/health", nil)
	req = req.WithContext(trace.ContextWithSpanContext(req.Context(), sc))
	h.ServeHTTP(httptest.NewRecorder(), req)

	f := gatherMetric(t, m.reg, "http_request_duration_seconds")
	if f == nil {
		t.Fatal("duration histogram not found")
	}
	var found bool
	for _, b := range f.GetMetric()[0].GetHistogram().GetBucket() {
		if ex := b.GetExemplar(); ex != nil {
			for _, lp := range ex.GetLabel() {
				if lp.GetName() == "trace_id" && lp.GetValue() == tid.String() {
					found = true
				}
			}
		}
	}
	if !found {
		t.Fatal("expected a trace_id exemplar on the duration histogram")
	}
}
