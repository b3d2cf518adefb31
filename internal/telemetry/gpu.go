// Package telemetry implements the optional, purely observational
// telemetry sidecar: periodic sampling with stage marks, running peaks,
// and a per-pass summary. It never influences control flow.
package telemetry

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Sample is one telemetry reading; every field is optional because the
// underlying source (NVML, or /proc on the host stand-in) may not expose
// a given metric.
type Sample struct {
	UtilGPU     *uint32
	UtilMem     *uint32
	MemUsedMB   *uint64
	MemFreeMB   *uint64
	MemTotalMB  *uint64
	ProcMemMB   *uint64
	TempC       *uint32
	PowerW      *float32
	SMClockMHz  *uint32
	MemClockMHz *uint32
}

// Sampler abstracts the data source so the sidecar never needs to know
// whether it is backed by a real GPU counter library or a process-local
// stand-in. HostSampler below degrades every field to nil/zero when a
// query fails.
type Sampler interface {
	Sample(pid int) Sample
}

// NoopSampler always reports an empty sample. Used when telemetry is
// disabled.
type NoopSampler struct{}

func (NoopSampler) Sample(int) Sample { return Sample{} }

// HostSampler reads this process's resident set size from /proc into
// ProcMemMB; it never populates the GPU-specific fields (utilization, GPU
// memory, clocks, power, temperature), mirroring the
// original's graceful Option<T> degradation when a metric is unavailable.
type HostSampler struct{}

func (HostSampler) Sample(pid int) Sample {
	mb, ok := processMemMB(pid)
	if !ok {
		return Sample{}
	}
	return Sample{ProcMemMB: &mb}
}

func processMemMB(pid int) (uint64, bool) {
	f, err := os.Open(fmt.Sprintf("/proc/%d/status", pid))
	if err != nil {
		return 0, false
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "VmRSS:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return 0, false
		}
		kb, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			return 0, false
		}
		return kb / 1024, true
	}
	return 0, false
}

// GPUTelemetry tracks peaks across a pass and emits summary/stage log
// lines.
type GPUTelemetry struct {
	sampler        Sampler
	pid            int
	sampleInterval time.Duration
	lastSample     time.Time

	sampleCount  uint64
	utilSamples  uint64
	utilSum      uint64
	utilPeak     uint32
	memUtilPeak  uint32
	memUsedStart *uint64
	memUsedEnd   *uint64
	memUsedPeak  uint64
	procMemPeak  uint64
	tempPeak     uint32
	powerPeak    float32
	smClockPeak  uint32
	memClockPeak uint32

	log func(format string, args ...any)
}

// NewIfEnabled returns nil unless PARAKEET_GPU_TELEMETRY is truthy. The
// sampling rate may be overridden by PARAKEET_GPU_TELEMETRY_HZ (default 5).
// PARAKEET_GPU_TELEMETRY_DEVICE is not read: samplers are given a process
// id, not a device index.
func NewIfEnabled(sampler Sampler) *GPUTelemetry {
	if !envBool("PARAKEET_GPU_TELEMETRY", false) {
		return nil
	}
	hz := envUint64("PARAKEET_GPU_TELEMETRY_HZ", 5)
	if hz < 1 {
		hz = 1
	}
	intervalMs := uint64(1000) / hz
	if intervalMs < 1 {
		intervalMs = 1
	}
	return &GPUTelemetry{
		sampler:        sampler,
		pid:            os.Getpid(),
		sampleInterval: time.Duration(intervalMs) * time.Millisecond,
		lastSample:     time.Now().Add(-time.Duration(intervalMs) * time.Millisecond),
		log:            func(format string, args ...any) { fmt.Fprintf(os.Stderr, format+"\n", args...) },
	}
}

// MaybeSample samples only if the interval has elapsed since the last
// sample.
func (g *GPUTelemetry) MaybeSample() {
	if time.Since(g.lastSample) >= g.sampleInterval {
		g.sampleNow()
	}
}

// MarkStage always samples (bypassing the interval check) and logs a
// stage line.
func (g *GPUTelemetry) MarkStage(id string, utteranceSeq uint64, stage string) {
	s := g.sampleNow()
	g.log("[asr_test] gpu_stage id=%s utt_seq=%d stage=%s util_gpu=%s mem_used_mb=%s proc_mem_mb=%s",
		id, utteranceSeq, stage, fmtU32(s.UtilGPU), fmtU64(s.MemUsedMB), fmtU64(s.ProcMemMB))
}

// Finish takes a final sample and logs the per-pass summary.
func (g *GPUTelemetry) Finish(id string, utteranceSeq uint64, passLabel string) {
	g.sampleNow()
	var utilAvg float64
	if g.utilSamples > 0 {
		utilAvg = float64(g.utilSum) / float64(g.utilSamples)
	}
	g.log("[asr_test] gpu_summary id=%s utt_seq=%d pass=%s samples=%d util_avg=%.1f util_peak=%d mem_used_peak_mb=%d proc_mem_peak_mb=%d",
		id, utteranceSeq, passLabel, g.sampleCount, utilAvg, g.utilPeak, g.memUsedPeak, g.procMemPeak)
}

func (g *GPUTelemetry) sampleNow() Sample {
	s := g.sampler.Sample(g.pid)
	g.updateAggregate(s)
	g.lastSample = time.Now()
	g.sampleCount++
	return s
}

func (g *GPUTelemetry) updateAggregate(s Sample) {
	if s.UtilGPU != nil {
		g.utilSum += uint64(*s.UtilGPU)
		g.utilSamples++
		if *s.UtilGPU > g.utilPeak {
			g.utilPeak = *s.UtilGPU
		}
	}
	if s.UtilMem != nil && *s.UtilMem > g.memUtilPeak {
		g.memUtilPeak = *s.UtilMem
	}
	if s.MemUsedMB != nil {
		if g.memUsedStart == nil {
			v := *s.MemUsedMB
			g.memUsedStart = &v
		}
		v := *s.MemUsedMB
		g.memUsedEnd = &v
		if v > g.memUsedPeak {
			g.memUsedPeak = v
		}
	}
	if s.ProcMemMB != nil && *s.ProcMemMB > g.procMemPeak {
		g.procMemPeak = *s.ProcMemMB
	}
	if s.TempC != nil && *s.TempC > g.tempPeak {
		g.tempPeak = *s.TempC
	}
	if s.PowerW != nil && *s.PowerW > g.powerPeak {
		g.powerPeak = *s.PowerW
	}
	if s.SMClockMHz != nil && *s.SMClockMHz > g.smClockPeak {
		g.smClockPeak = *s.SMClockMHz
	}
	if s.MemClockMHz != nil && *s.MemClockMHz > g.memClockPeak {
		g.memClockPeak = *s.MemClockMHz
	}
}

func envBool(name string, fallback bool) bool {
	v, ok := os.LookupEnv(name)
	if !ok {
		return fallback
	}
	switch v {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func envUint64(name string, fallback uint64) uint64 {
	v, ok := os.LookupEnv(name)
	if !ok {
		return fallback
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return fallback
	}
	return n
}

func fmtU32(v *uint32) string {
	if v == nil {
		return "-"
	}
	return strconv.FormatUint(uint64(*v), 10)
}

func fmtU64(v *uint64) string {
	if v == nil {
		return "-"
	}
	return strconv.FormatUint(*v, 10)
}
