// Package telemetry provides OpenTelemetry tracing for coordinator and
// worker processes.
//
// Configuration comes from the standard environment variables:
//
//	OTEL_ENABLED                    - Enable/disable tracing (default: false)
//	OTEL_SERVICE_NAME               - Service name (default: histogram)
//	OTEL_SERVICE_VERSION            - Service version (default: unknown)
//	OTEL_EXPORTER_OTLP_ENDPOINT     - OTLP collector endpoint
//	OTEL_EXPORTER_OTLP_PROTOCOL     - Protocol: grpc or http/protobuf (default: grpc)
//	OTEL_EXPORTER_OTLP_HEADERS      - Headers for authentication
//	OTEL_EXPORTER_OTLP_INSECURE     - Use insecure connection (default: false)
//	OTEL_TRACES_SAMPLER             - Sampler type (default: always_on)
//	OTEL_TRACES_SAMPLER_ARG         - Sampler argument (e.g., ratio)
//	OTEL_RESOURCE_ATTRIBUTES        - Additional resource attributes
//
// Worker processes inherit the coordinator's span context through the
// TRACEPARENT environment variable, so one run is one trace.
package telemetry

import (
	"context"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// InstrumentationName names the tracer used throughout the module.
const InstrumentationName = "github.com/parallel-histogram"

// Process roles reported as the histogram.role resource attribute.
const (
	RoleCoordinator = "coordinator"
	RoleWorker      = "worker"
)

var (
	globalConfig *Config
	configOnce   sync.Once
)

// ShutdownFunc flushes and stops the TracerProvider.
type ShutdownFunc func(ctx context.Context) error

func noopShutdown(_ context.Context) error {
	return nil
}

// Init installs the global TracerProvider for a process playing role. When
// OTEL_ENABLED is not "true" it leaves the no-op provider in place.
func Init(ctx context.Context, role string) (ShutdownFunc, error) {
	cfg := loadConfig()
	if !cfg.Enabled {
		return noopShutdown, nil
	}

	res, err := buildResource(cfg, role)
	if err != nil {
		return noopShutdown, err
	}

	exporter, err := createExporter(ctx, cfg)
	if err != nil {
		return noopShutdown, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter),
		sdktrace.WithSampler(cfg.sampler()),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagator)

	return tp.Shutdown, nil
}

// Enabled returns whether OpenTelemetry tracing is enabled.
func Enabled() bool {
	return loadConfig().Enabled
}

// GetConfig returns the current telemetry configuration.
func GetConfig() *Config {
	return loadConfig()
}

func loadConfig() *Config {
	configOnce.Do(func() {
		globalConfig = LoadFromEnv()
	})
	return globalConfig
}

// Tracer returns the module's tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(InstrumentationName)
}

var propagator = propagation.NewCompositeTextMapPropagator(
	propagation.TraceContext{},
	propagation.Baggage{},
)

// envKeys maps propagation header names to environment variable names.
var envKeys = map[string]string{
	"traceparent": "TRACEPARENT",
	"tracestate":  "TRACESTATE",
	"baggage":     "BAGGAGE",
}

// InjectEnv returns KEY=value entries carrying the span context of ctx, for
// appending to a child process environment. It returns nil when ctx carries
// no sampled span.
func InjectEnv(ctx context.Context) []string {
	carrier := propagation.MapCarrier{}
	propagator.Inject(ctx, carrier)

	var env []string
	for header, value := range carrier {
		if key, ok := envKeys[header]; ok && value != "" {
			env = append(env, key+"="+value)
		}
	}
	return env
}

// ExtractEnv returns ctx extended with the remote span context found in
// environ (as returned by os.Environ).
func ExtractEnv(ctx context.Context, environ []string) context.Context {
	carrier := propagation.MapCarrier{}
	for _, kv := range environ {
		key, value, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		for header, envKey := range envKeys {
			if key == envKey {
				carrier[header] = value
			}
		}
	}
	return propagator.Extract(ctx, carrier)
}
