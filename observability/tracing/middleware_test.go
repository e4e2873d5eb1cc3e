package tracing

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func setupTestProvider(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	prev := otel.GetTracerProvider()
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		_ = tp.Shutdown(context.Background())
		otel.SetTracerProvider(prev)
	})
	return exporter
}

func TestSpanMiddleware_NamesSpanAfterRoute(t *testing.T) {
	exporter := setupTestProvider(t)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/workflows/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	SpanMiddleware(mux).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/workflows/abc", nil))

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if spans[0].Name != "GET /api/workflows/{id}" {
		t.Errorf("expected route pattern span name, got %q", spans[0].Name)
	}
}

func TestSpanMiddleware_UnroutedKeepsPath(t *testing.T) {
	exporter := setupTestProvider(t)

	handler := SpanMiddleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/missing", nil))

	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
	spans := exporter.GetSpans()
	if len(spans) != 1 || spans[0].Name != "POST /missing" {
		t.Fatalf("unexpected spans %v", spans)
	}
	found := false
	for _, attr := range spans[0].Attributes {
		if string(attr.Key) == "error" && attr.Value.AsBool() {
			found = true
		}
	}
	if !found {
		t.Error("expected error attribute on 404 span")
	}
}

func TestSpanMiddleware_TagsPeerAndUser(t *testing.T) {
	exporter := setupTestProvider(t)

	handler := SpanMiddleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	req := httptest.NewRequest(http.MethodPost, "/api/events/receive", nil)
	req.Header.Set("X-Source-Server", "program-service")
	req.Header.Set("X-User-ID", "alice")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	attrs := map[string]string{}
	for _, attr := range spans[0].Attributes {
		attrs[string(attr.Key)] = attr.Value.Emit()
	}
	if attrs["eventflow.source_server"] != "program-service" {
		t.Errorf("source server attribute = %q", attrs["eventflow.source_server"])
	}
	if attrs["eventflow.user_id"] != "alice" {
		t.Errorf("user attribute = %q", attrs["eventflow.user_id"])
	}
}
