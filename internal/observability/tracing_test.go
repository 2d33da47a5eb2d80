package observability

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/signalsfoundry/reactive-jammer/internal/logging"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace/noop"
)

func TestTracingConfigFromEnv(t *testing.T) {
	t.Setenv("JAMMER_TRACING_ENABLED", "TRUE")
	t.Setenv("JAMMER_TRACING_EXPORTER", "OTLP")
	t.Setenv("JAMMER_TRACING_SERVICE_NAME", "")
	t.Setenv("JAMMER_TRACING_SAMPLE_RATIO", "0.25")
	t.Setenv("JAMMER_OTLP_ENDPOINT", "collector:4317")

	cfg := TracingConfigFromEnv("jammer-sim")
	if !cfg.Enabled {
		t.Fatalf("Enabled = false, want true")
	}
	if cfg.Exporter != "otlp" {
		t.Fatalf("Exporter = %q, want otlp", cfg.Exporter)
	}
	if cfg.ServiceName != "jammer-sim" {
		t.Fatalf("ServiceName = %q, want jammer-sim", cfg.ServiceName)
	}
	if cfg.SampleRatio != 0.25 {
		t.Fatalf("SampleRatio = %v, want 0.25", cfg.SampleRatio)
	}
	if cfg.Endpoint != "collector:4317" {
		t.Fatalf("Endpoint = %q", cfg.Endpoint)
	}
}

func TestTracingConfigIgnoresBadRatio(t *testing.T) {
	t.Setenv("JAMMER_TRACING_SAMPLE_RATIO", "3")
	if got := TracingConfigFromEnv("").SampleRatio; got != 1 {
		t.Fatalf("SampleRatio = %v, want 1", got)
	}
}

func TestInitTracingDisabled(t *testing.T) {
	shutdown, err := InitTracing(context.Background(), TracingConfig{}, logging.Noop())
	if err != nil {
		t.Fatalf("InitTracing: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestInitTracingRejectsUnknownExporter(t *testing.T) {
	_, err := InitTracing(context.Background(), TracingConfig{Enabled: true, Exporter: "zipkin"}, nil)
	if err == nil {
		t.Fatalf("InitTracing with unknown exporter succeeded")
	}
}

func TestTracingConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     TracingConfig
		wantErr bool
	}{
		{"disabled ignores everything", TracingConfig{Exporter: "zipkin", SampleRatio: 7}, false},
		{"stdout", TracingConfig{Enabled: true, Exporter: "stdout", SampleRatio: 1}, false},
		{"otlp upper case", TracingConfig{Enabled: true, Exporter: "OTLP", SampleRatio: 0.5}, false},
		{"unknown exporter", TracingConfig{Enabled: true, Exporter: "zipkin", SampleRatio: 1}, true},
		{"negative ratio", TracingConfig{Enabled: true, Exporter: "stdout", SampleRatio: -0.1}, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cfg.Validate()
			if (err != nil) != tc.wantErr {
				t.Fatalf("Validate() = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}

func TestInitTracingStdoutExportsSpans(t *testing.T) {
	t.Cleanup(func() { otel.SetTracerProvider(noop.NewTracerProvider()) })

	var buf bytes.Buffer
	shutdown, err := InitTracing(context.Background(), TracingConfig{
		Enabled:     true,
		ServiceName: "jammer-test",
		Exporter:    "stdout",
		SampleRatio: 1,
		Writer:      &buf,
	}, logging.Noop())
	if err != nil {
		t.Fatalf("InitTracing: %v", err)
	}

	_, span := otel.Tracer("test").Start(context.Background(), "agent.RequestChannel")
	span.End()

	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "agent.RequestChannel") || !strings.Contains(out, "jammer-test") {
		t.Fatalf("exported span missing name or service:\n%s", out)
	}
}
