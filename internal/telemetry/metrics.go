package telemetry

import "github.com/prometheus/client_golang/prometheus"

// Metrics bundles the Prometheus collectors the harness exposes over
// --metrics-addr.
type Metrics struct {
	DroppedAudioTotal   prometheus.Counter
	BackpressureRetries prometheus.Counter
	WorkerRestartsTotal prometheus.Counter
	GPUUtilPeak         prometheus.Gauge
	GPUMemUsedPeakMB    prometheus.Gauge
}

// NewMetrics constructs and registers the collectors against reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		DroppedAudioTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "parakeet_dropped_audio_total",
			Help: "Audio chunks dropped from SPSC ring buffers on overflow.",
		}),
		BackpressureRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "parakeet_backpressure_retries_total",
			Help: "Total backpressure_full retries observed across all passes.",
		}),
		WorkerRestartsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "parakeet_worker_restarts_total",
			Help: "Total engine worker rebuilds due to poisoning.",
		}),
		GPUUtilPeak: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "parakeet_gpu_util_peak",
			Help: "Peak GPU utilization percentage observed since telemetry started.",
		}),
		GPUMemUsedPeakMB: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "parakeet_gpu_mem_used_peak_mb",
			Help: "Peak GPU memory used (MB) observed since telemetry started.",
		}),
	}
	reg.MustRegister(m.DroppedAudioTotal, m.BackpressureRetries, m.WorkerRestartsTotal, m.GPUUtilPeak, m.GPUMemUsedPeakMB)
	return m
}

// UpdateFromGPU copies a GPUTelemetry's current peaks into the gauges.
// Safe to call even when g is nil (telemetry disabled).
func (m *Metrics) UpdateFromGPU(g *GPUTelemetry) {
	if g == nil {
		return
	}
	m.GPUUtilPeak.Set(float64(g.utilPeak))
	m.GPUMemUsedPeakMB.Set(float64(g.memUsedPeak))
}
