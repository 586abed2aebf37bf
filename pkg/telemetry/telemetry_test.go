package telemetry

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func TestInitWithoutEndpoint(t *testing.T) {
	if _, err := Init(context.Background(), "", ""); err == nil {
		t.Fatalf("Init() without service name expected error")
	}
	shutdown, err := Init(context.Background(), "veracodecsv", "")
	if err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown() error = %v", err)
	}
}

func TestNewTraceExporterRejectsHostlessURL(t *testing.T) {
	if _, err := newTraceExporter(context.Background(), "http://"); err == nil {
		t.Fatalf("newTraceExporter() expected error")
	}
}

func TestTraceHook(t *testing.T) {
	tp := sdktrace.NewTracerProvider()
	defer func() { _ = tp.Shutdown(context.Background()) }()
	ctx, span := tp.Tracer("test").Start(context.Background(), "op")
	defer span.End()

	var buf bytes.Buffer
	logger := zerolog.New(&buf).Hook(TraceHook{})

	logger.Info().Msg("no context")
	if strings.Contains(buf.String(), "trace_id") {
		t.Fatalf("trace_id without context: %s", buf.String())
	}

	buf.Reset()
	logger.Info().Ctx(ctx).Msg("with span")
	want := `"trace_id":"` + span.SpanContext().TraceID().String() + `"`
	if !strings.Contains(buf.String(), want) {
		t.Fatalf("log = %s, want %s", buf.String(), want)
	}
}

func TestTransportDefaultsBase(t *testing.T) {
	if Transport(nil) == nil {
		t.Fatalf("Transport(nil) = nil")
	}
}
