package tracing

import (
	"context"
	"testing"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/opensource-finance/ringwatch/internal/domain"
)

func TestInitDisabled(t *testing.T) {
	shutdown, err := Init(context.Background(), domain.TracingConfig{Enabled: false}, "test")
	if err != nil {
		t.Fatalf("init failed: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("expected no-op shutdown, got %v", err)
	}
}

func TestInjectExtract(t *testing.T) {
	if _, err := Init(context.Background(), domain.TracingConfig{}, "test"); err != nil {
		t.Fatalf("init failed: %v", err)
	}

	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	defer tp.Shutdown(context.Background())

	ctx, span := tp.Tracer("test").Start(context.Background(), "publish")
	want := TraceID(ctx)
	if want == "" {
		t.Fatal("expected a trace id")
	}

	carrier := Inject(ctx)
	if carrier["traceparent"] == "" {
		t.Fatalf("expected traceparent in carrier, got %v", carrier)
	}
	span.End()

	restored := Extract(context.Background(), carrier)
	if got := TraceID(restored); got != want {
		t.Errorf("expected trace id %s, got %s", want, got)
	}

	if len(recorder.Ended()) != 1 {
		t.Errorf("expected 1 ended span, got %d", len(recorder.Ended()))
	}
}

func TestTraceIDEmpty(t *testing.T) {
	if got := TraceID(context.Background()); got != "" {
		t.Errorf("expected empty trace id, got %q", got)
	}
}
