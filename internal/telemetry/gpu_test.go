package telemetry

import (
	"os"
	"testing"
)

func TestNewIfEnabledRespectsEnvFlag(t *testing.T) {
	os.Unsetenv("PARAKEET_GPU_TELEMETRY")
	if g := NewIfEnabled(HostSampler{}); g != nil {
		t.Fatalf("expected nil telemetry when PARAKEET_GPU_TELEMETRY unset")
	}
	os.Setenv("PARAKEET_GPU_TELEMETRY", "1")
	defer os.Unsetenv("PARAKEET_GPU_TELEMETRY")
	g := NewIfEnabled(HostSampler{})
	if g == nil {
		t.Fatalf("expected telemetry to be enabled")
	}
}

func TestNoopSamplerAlwaysEmpty(t *testing.T) {
	s := NoopSampler{}.Sample(os.Getpid())
	if s.UtilGPU != nil || s.ProcMemMB != nil {
		t.Fatalf("expected empty sample from NoopSampler, got %+v", s)
	}
}

func TestGPUTelemetryUpdateAggregatePeaks(t *testing.T) {
	os.Setenv("PARAKEET_GPU_TELEMETRY", "1")
	defer os.Unsetenv("PARAKEET_GPU_TELEMETRY")
	g := NewIfEnabled(NoopSampler{})
	if g == nil {
		t.Fatalf("expected telemetry enabled")
	}
	u1 := uint32(10)
	u2 := uint32(40)
	g.updateAggregate(Sample{UtilGPU: &u1})
	g.updateAggregate(Sample{UtilGPU: &u2})
	if g.utilPeak != 40 {
		t.Fatalf("expected peak 40, got %d", g.utilPeak)
	}
	if g.utilSamples != 2 {
		t.Fatalf("expected 2 samples, got %d", g.utilSamples)
	}
}
