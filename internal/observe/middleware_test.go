package observe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// middlewareHarness wires in-memory metrics and tracing plus a wrapped
// handler capturing what the downstream saw.
type middlewareHarness struct {
	metrics *Metrics
	reader  *sdkmetric.ManualReader
	spans   *tracetest.InMemoryExporter

	// filled per request by the inner handler
	innerCID    string
	innerStatus int
}

func newMiddlewareHarness(t *testing.T) *middlewareHarness {
	t.Helper()

	h := &middlewareHarness{
		reader: sdkmetric.NewManualReader(),
		spans:  tracetest.NewInMemoryExporter(),
	}

	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(h.reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	h.metrics = m

	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(h.spans))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	return h
}

// serve runs one request through the middleware with a handler that records
// the in-context correlation ID and replies with status.
func (h *middlewareHarness) serve(req *http.Request, status int) *httptest.ResponseRecorder {
	handler := Middleware(h.metrics)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.innerCID = CorrelationID(r.Context())
		h.innerStatus = status
		w.WriteHeader(status)
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

// TestMiddleware_CorrelationID checks a fresh trace ID reaches both the
// downstream context and the response header.
func TestMiddleware_CorrelationID(t *testing.T) {
	h := newMiddlewareHarness(t)

	rec := h.serve(httptest.NewRequest("GET", "/runs", nil), http.StatusOK)

	if len(h.innerCID) != 32 {
		t.Errorf("context correlation ID = %q, want 32 hex chars", h.innerCID)
	}
	if got := rec.Header().Get("X-Correlation-ID"); got != h.innerCID {
		t.Errorf("X-Correlation-ID = %q, want %q", got, h.innerCID)
	}
}

// TestMiddleware_ServerSpan checks each request runs under a span named for
// its method and path.
func TestMiddleware_ServerSpan(t *testing.T) {
	h := newMiddlewareHarness(t)

	h.serve(httptest.NewRequest("GET", "/feed", nil), http.StatusOK)

	spans := h.spans.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("recorded %d spans, want 1", len(spans))
	}
	if spans[0].Name != "HTTP GET /feed" {
		t.Errorf("span name = %q, want %q", spans[0].Name, "HTTP GET /feed")
	}
}

// TestMiddleware_DurationMetric checks the histogram sample and its
// method/path attributes.
func TestMiddleware_DurationMetric(t *testing.T) {
	h := newMiddlewareHarness(t)

	h.serve(httptest.NewRequest("GET", "/readyz", nil), http.StatusOK)

	var rm metricdata.ResourceMetrics
	if err := h.reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	met := findMetric(rm, "chatloop.http.request.duration")
	if met == nil {
		t.Fatal("chatloop.http.request.duration not recorded")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok || len(hist.DataPoints) == 0 {
		t.Fatal("duration metric has no histogram data points")
	}

	dp := hist.DataPoints[0]
	if dp.Count != 1 {
		t.Errorf("sample count = %d, want 1", dp.Count)
	}
	want := map[string]string{"method": "GET", "path": "/readyz"}
	for _, kv := range dp.Attributes.ToSlice() {
		if expect, ok := want[string(kv.Key)]; ok && kv.Value.AsString() == expect {
			delete(want, string(kv.Key))
		}
	}
	if len(want) != 0 {
		t.Errorf("missing attributes: %v", want)
	}
}

// TestMiddleware_StatusOnSpan checks a non-200 reply passes through and is
// attributed on the span.
func TestMiddleware_StatusOnSpan(t *testing.T) {
	h := newMiddlewareHarness(t)

	rec := h.serve(httptest.NewRequest("GET", "/missing", nil), http.StatusNotFound)
	if rec.Code != http.StatusNotFound {
		t.Errorf("response status = %d, want 404", rec.Code)
	}

	spans := h.spans.GetSpans()
	if len(spans) == 0 {
		t.Fatal("no spans recorded")
	}
	found := false
	for _, a := range spans[0].Attributes {
		if string(a.Key) == "http.response.status_code" && a.Value.AsInt64() == 404 {
			found = true
		}
	}
	if !found {
		t.Error("span missing http.response.status_code=404")
	}
}

// TestMiddleware_ContinuesIncomingTrace checks a W3C traceparent header keeps
// its trace ID through the middleware.
func TestMiddleware_ContinuesIncomingTrace(t *testing.T) {
	h := newMiddlewareHarness(t)
	const traceID = "4bf92f3577b34da6a3ce929d0e0e4736"

	req := httptest.NewRequest("GET", "/runs", nil)
	req.Header.Set("traceparent", "00-"+traceID+"-00f067aa0ba902b7-01")
	rec := h.serve(req, http.StatusOK)

	if h.innerCID != traceID {
		t.Errorf("context correlation ID = %q, want %q", h.innerCID, traceID)
	}
	if got := rec.Header().Get("X-Correlation-ID"); got != traceID {
		t.Errorf("X-Correlation-ID = %q, want %q", got, traceID)
	}
}
