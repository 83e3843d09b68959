package telemetry

import (
	"context"
	"testing"

	"github.com/mtzanidakis/sitescope/internal/config"
)

func TestInit_Disabled(t *testing.T) {
	p, err := Init(context.Background(), config.TelemetryConfig{Enabled: false})
	if err != nil {
		t.Fatalf("Init disabled: %v", err)
	}
	defer p.Shutdown(context.Background())

	if p.Tracer == nil || p.Meter == nil || p.Metrics == nil {
		t.Fatal("expected non-nil noop tracer, meter and metrics")
	}

	// Instruments must be usable without a backend.
	ctx, span := p.StartSpan(context.Background(), "test", AttrRunID.String("r1"))
	p.Metrics.RunsStarted.Add(ctx, 1)
	span.End()
}

func TestInit_Stdout(t *testing.T) {
	p, err := Init(context.Background(), config.TelemetryConfig{Enabled: true, Exporter: "stdout"})
	if err != nil {
		t.Fatalf("Init stdout: %v", err)
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestInit_UnknownExporter(t *testing.T) {
	_, err := Init(context.Background(), config.TelemetryConfig{Enabled: true, Exporter: "carrier-pigeon"})
	if err == nil {
		t.Fatal("expected error for unknown exporter")
	}
}

func TestOrNoop(t *testing.T) {
	if OrNoop(nil) == nil {
		t.Fatal("expected noop provider for nil")
	}
	p := Noop()
	if OrNoop(p) != p {
		t.Error("expected the same provider back")
	}
}
