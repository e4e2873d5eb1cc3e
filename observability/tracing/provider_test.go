package tracing

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.ServiceName != "eventflow" {
		t.Errorf("expected default service name eventflow, got %s", cfg.ServiceName)
	}
	if cfg.Endpoint != "" {
		t.Errorf("expected no exporter endpoint by default, got %s", cfg.Endpoint)
	}
	if cfg.SampleRate != 1.0 {
		t.Errorf("expected default sample rate 1.0, got %f", cfg.SampleRate)
	}
}

func TestNewProvider_WithoutEndpoint(t *testing.T) {
	prev := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	p, err := NewProvider(context.Background(), Config{SampleRate: 0.5})
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	if otel.GetTracerProvider() != p.TracerProvider() {
		t.Error("expected provider to be installed globally")
	}

	_, span := p.Tracer().Start(context.Background(), "check")
	span.End()
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestProvider_ShutdownNil(t *testing.T) {
	p := &Provider{}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown of nil provider should not error: %v", err)
	}
}

func TestProvider_Tracer(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	p := &Provider{tp: tp, tracer: tp.Tracer("test")}

	_, span := p.Tracer().Start(context.Background(), "op")
	span.End()
	if got := len(exporter.GetSpans()); got != 1 {
		t.Errorf("expected 1 exported span, got %d", got)
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown failed: %v", err)
	}
}
