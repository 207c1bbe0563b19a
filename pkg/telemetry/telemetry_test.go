package telemetry

import (
	"context"
	"os"
	"strconv"
	"strings"
	"sync"
	"testing"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

func TestInit_Disabled(t *testing.T) {
	resetGlobalConfig()
	t.Setenv("OTEL_ENABLED", "")

	ctx := context.Background()
	shutdown, err := Init(ctx, RoleCoordinator)
	if err != nil {
		t.Errorf("Expected no error, got %v", err)
	}
	if shutdown == nil {
		t.Fatal("Expected shutdown function to be non-nil")
	}
	if err := shutdown(ctx); err != nil {
		t.Errorf("Expected no error on shutdown, got %v", err)
	}
	if Enabled() {
		t.Error("Expected Enabled() to return false")
	}
}

func TestGetConfig(t *testing.T) {
	resetGlobalConfig()
	t.Setenv("OTEL_SERVICE_NAME", "test-service")

	cfg := GetConfig()
	if cfg.ServiceName != "test-service" {
		t.Errorf("Expected ServiceName 'test-service', got '%s'", cfg.ServiceName)
	}
}

func TestEnvPropagation(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	defer tp.Shutdown(context.Background())

	ctx, span := tp.Tracer("test").Start(context.Background(), "run")
	defer span.End()

	env := InjectEnv(ctx)
	if len(env) == 0 {
		t.Fatal("Expected TRACEPARENT in the injected environment")
	}
	found := false
	for _, kv := range env {
		if strings.HasPrefix(kv, "TRACEPARENT=") {
			found = true
		}
	}
	if !found {
		t.Errorf("Expected TRACEPARENT entry, got %v", env)
	}

	environ := append([]string{"PATH=/usr/bin", "MALFORMED"}, env...)
	remote := trace.SpanContextFromContext(ExtractEnv(context.Background(), environ))
	if !remote.IsValid() || !remote.IsRemote() {
		t.Fatalf("Expected a valid remote span context, got %+v", remote)
	}
	if remote.TraceID() != span.SpanContext().TraceID() {
		t.Errorf("Trace ID mismatch: %s != %s", remote.TraceID(), span.SpanContext().TraceID())
	}
	if remote.SpanID() != span.SpanContext().SpanID() {
		t.Errorf("Span ID mismatch: %s != %s", remote.SpanID(), span.SpanContext().SpanID())
	}
}

func TestInjectEnv_NoSpan(t *testing.T) {
	if env := InjectEnv(context.Background()); len(env) != 0 {
		t.Errorf("Expected no entries without a span, got %v", env)
	}
}

func TestBuildResource(t *testing.T) {
	cfg := &Config{ServiceName: "histogram", ServiceVersion: "1.0", ResourceAttrs: map[string]string{"team": "data"}}
	res, err := buildResource(cfg, RoleWorker)
	if err != nil {
		t.Fatalf("buildResource failed: %v", err)
	}

	attrs := map[string]string{}
	for _, kv := range res.Attributes() {
		attrs[string(kv.Key)] = kv.Value.Emit()
	}
	if attrs["service.name"] != "histogram" {
		t.Errorf("Expected service.name histogram, got %q", attrs["service.name"])
	}
	if attrs["histogram.role"] != RoleWorker {
		t.Errorf("Expected histogram.role worker, got %q", attrs["histogram.role"])
	}
	if attrs["team"] != "data" {
		t.Errorf("Expected custom attribute, got %q", attrs["team"])
	}
	if attrs["process.pid"] != strconv.Itoa(os.Getpid()) {
		t.Errorf("Expected process.pid %d, got %q", os.Getpid(), attrs["process.pid"])
	}
}

func resetGlobalConfig() {
	globalConfig = nil
	configOnce = sync.Once{}
}
