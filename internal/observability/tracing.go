package observability

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/signalsfoundry/reactive-jammer/internal/logging"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

const (
	serviceNamespace    = "reactive-jammer"
	defaultOTLPEndpoint = "localhost:4317"
)

// TracingConfig governs how tracing is initialised for the jammer
// simulator and the agent server.
type TracingConfig struct {
	Enabled     bool
	ServiceName string
	Exporter    string // stdout | otlp
	Endpoint    string // used when Exporter == otlp
	SampleRatio float64

	// Writer receives stdout-exporter output; nil means os.Stdout.
	Writer io.Writer
}

// TracingConfigFromEnv pulls tracing configuration from JAMMER_TRACING_*
// environment variables. defaultService names the process when
// JAMMER_TRACING_SERVICE_NAME is unset.
func TracingConfigFromEnv(defaultService string) TracingConfig {
	cfg := TracingConfig{
		Enabled:     strings.EqualFold(os.Getenv("JAMMER_TRACING_ENABLED"), "true"),
		ServiceName: firstNonEmpty(os.Getenv("JAMMER_TRACING_SERVICE_NAME"), defaultService, serviceNamespace),
		Exporter:    firstNonEmpty(strings.ToLower(os.Getenv("JAMMER_TRACING_EXPORTER")), "stdout"),
		Endpoint:    os.Getenv("JAMMER_OTLP_ENDPOINT"),
		SampleRatio: 1,
	}
	if raw := os.Getenv("JAMMER_TRACING_SAMPLE_RATIO"); raw != "" {
		if ratio, err := strconv.ParseFloat(raw, 64); err == nil && ratio >= 0 && ratio <= 1 {
			cfg.SampleRatio = ratio
		}
	}
	return cfg
}

type exporterFactory func(ctx context.Context, cfg TracingConfig) (sdktrace.SpanExporter, error)

var exporters = map[string]exporterFactory{
	"":         stdoutExporter,
	"stdout":   stdoutExporter,
	"otlp":     otlpExporter,
	"otlpgrpc": otlpExporter,
}

func stdoutExporter(_ context.Context, cfg TracingConfig) (sdktrace.SpanExporter, error) {
	w := cfg.Writer
	if w == nil {
		w = os.Stdout
	}
	return stdouttrace.New(
		stdouttrace.WithWriter(w),
		stdouttrace.WithoutTimestamps(),
	)
}

func otlpExporter(ctx context.Context, cfg TracingConfig) (sdktrace.SpanExporter, error) {
	client := otlptracegrpc.NewClient(
		otlptracegrpc.WithEndpoint(firstNonEmpty(cfg.Endpoint, defaultOTLPEndpoint)),
		otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
	)
	return otlptrace.New(ctx, client)
}

// Validate reports settings InitTracing would reject.
func (c TracingConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if _, ok := exporters[strings.ToLower(c.Exporter)]; !ok {
		return fmt.Errorf("unsupported tracing exporter: %s", c.Exporter)
	}
	if c.SampleRatio < 0 || c.SampleRatio > 1 {
		return fmt.Errorf("tracing sample ratio %v outside [0, 1]", c.SampleRatio)
	}
	return nil
}

// InitTracing installs the global tracer provider and propagators. When
// tracing is disabled a no-op provider is installed so instrumented code
// (the agent bridge spans and the otelgrpc handlers) costs nothing. The
// returned function flushes and stops the provider.
func InitTracing(ctx context.Context, cfg TracingConfig, log logging.Logger) (func(context.Context) error, error) {
	if log == nil {
		log = logging.Noop()
	}
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	if !cfg.Enabled {
		otel.SetTracerProvider(noop.NewTracerProvider())
		log.Debug(ctx, "tracing disabled")
		return func(context.Context) error { return nil }, nil
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	exp, err := exporters[strings.ToLower(cfg.Exporter)](ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create %s exporter: %w", cfg.Exporter, err)
	}

	res, err := resource.New(ctx, resource.WithAttributes(
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.namespace", serviceNamespace),
		attribute.String("service.instance.id", uuid.NewString()),
	))
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))),
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	log.Info(ctx, "tracing enabled",
		logging.String("exporter", cfg.Exporter),
		logging.String("service_name", cfg.ServiceName),
		logging.Float64("sample_ratio", cfg.SampleRatio),
	)
	return tp.Shutdown, nil
}

// ShutdownWithTimeout calls shutdown with a five second budget and logs,
// rather than returns, any failure.
func ShutdownWithTimeout(ctx context.Context, shutdown func(context.Context) error, log logging.Logger) {
	if shutdown == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := shutdown(ctx); err != nil && log != nil {
		log.Warn(ctx, "tracing shutdown failed", logging.Err(err))
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
