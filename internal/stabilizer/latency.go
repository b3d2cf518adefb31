package stabilizer

import (
	"sort"
	"time"
)

// Latency accumulates per-stage latency samples and periodically reports
// p50/p95/p99 along with queue high-water marks.
type Latency struct {
	cfg Config

	e2e        []int64
	capToDsp   []int64
	dspToInfer []int64
	inferToUI  []int64
	sttLatency []int64
	decode     []int64

	qAudioLenMax       int
	qAudioAgeMsMax     int64
	qStagingSamplesMax int
	qStagingMsMax      int64

	flushesSinceReport int
	lastReport         time.Time
}

func NewLatency(cfg Config) *Latency {
	return &Latency{cfg: cfg}
}

// RecordFlush records one set of stage-delta samples. Any timestamp that
// is zero is treated as unavailable and its derived delta is skipped.
func (l *Latency) RecordFlush(tCaptureEndMs, tDspDoneMs, tInferDoneMs, nowMs, sttLatencyMs, decodeMs int64) {
	if tCaptureEndMs > 0 && nowMs >= tCaptureEndMs {
		l.e2e = l.push(l.e2e, nowMs-tCaptureEndMs)
	}
	if tCaptureEndMs > 0 && tDspDoneMs > 0 {
		l.capToDsp = l.push(l.capToDsp, tDspDoneMs-tCaptureEndMs)
	}
	if tDspDoneMs > 0 && tInferDoneMs > 0 {
		l.dspToInfer = l.push(l.dspToInfer, tInferDoneMs-tDspDoneMs)
	}
	if tInferDoneMs > 0 && nowMs >= tInferDoneMs {
		l.inferToUI = l.push(l.inferToUI, nowMs-tInferDoneMs)
	}
	if sttLatencyMs > 0 {
		l.sttLatency = l.push(l.sttLatency, sttLatencyMs)
	}
	if decodeMs > 0 {
		l.decode = l.push(l.decode, decodeMs)
	}
	l.flushesSinceReport++
}

// RecordQueueDepths folds one event's queue-depth fields into the running
// high-water marks. Marks accumulate between reports and reset once
// MaybeReport emits them.
func (l *Latency) RecordQueueDepths(qAudioLen int, qAudioAgeMs int64, qStagingSamples int, qStagingMs int64) {
	if qAudioLen > l.qAudioLenMax {
		l.qAudioLenMax = qAudioLen
	}
	if qAudioAgeMs > l.qAudioAgeMsMax {
		l.qAudioAgeMsMax = qAudioAgeMs
	}
	if qStagingSamples > l.qStagingSamplesMax {
		l.qStagingSamplesMax = qStagingSamples
	}
	if qStagingMs > l.qStagingMsMax {
		l.qStagingMsMax = qStagingMs
	}
}

func (l *Latency) push(buf []int64, v int64) []int64 {
	buf = append(buf, v)
	if l.cfg.MaxSamples > 0 && len(buf) > l.cfg.MaxSamples {
		buf = buf[len(buf)-l.cfg.MaxSamples:]
	}
	return buf
}

// Report summarizes every stage's p50/p95/p99 plus the queue high-water
// marks observed since the previous report.
type Report struct {
	E2eP50, E2eP95, E2eP99          int64
	CapDspP50, CapDspP95, CapDspP99 int64
	DspInfP50, DspInfP95, DspInfP99 int64
	InfUiP50, InfUiP95, InfUiP99    int64
	SttP50, SttP95, SttP99          int64
	DecodeP50, DecodeP95, DecodeP99 int64

	QAudioLenMax       int
	QAudioAgeMsMax     int64
	QStagingSamplesMax int
	QStagingMsMax      int64
}

// MaybeReport returns a Report and true if either ReportEvery flushes have
// accumulated or ReportIntervalMs has elapsed since the last report.
func (l *Latency) MaybeReport(now time.Time) (Report, bool) {
	if l.lastReport.IsZero() {
		l.lastReport = now
	}
	dueByCount := l.cfg.ReportEvery > 0 && l.flushesSinceReport >= l.cfg.ReportEvery
	dueByTime := l.cfg.ReportIntervalMs > 0 &&
		now.Sub(l.lastReport) >= time.Duration(l.cfg.ReportIntervalMs)*time.Millisecond
	if !dueByCount && !dueByTime {
		return Report{}, false
	}
	r := Report{
		E2eP50: percentile(l.e2e, 0.50), E2eP95: percentile(l.e2e, 0.95), E2eP99: percentile(l.e2e, 0.99),
		CapDspP50: percentile(l.capToDsp, 0.50), CapDspP95: percentile(l.capToDsp, 0.95), CapDspP99: percentile(l.capToDsp, 0.99),
		DspInfP50: percentile(l.dspToInfer, 0.50), DspInfP95: percentile(l.dspToInfer, 0.95), DspInfP99: percentile(l.dspToInfer, 0.99),
		InfUiP50: percentile(l.inferToUI, 0.50), InfUiP95: percentile(l.inferToUI, 0.95), InfUiP99: percentile(l.inferToUI, 0.99),
		SttP50: percentile(l.sttLatency, 0.50), SttP95: percentile(l.sttLatency, 0.95), SttP99: percentile(l.sttLatency, 0.99),
		DecodeP50: percentile(l.decode, 0.50), DecodeP95: percentile(l.decode, 0.95), DecodeP99: percentile(l.decode, 0.99),

		QAudioLenMax:       l.qAudioLenMax,
		QAudioAgeMsMax:     l.qAudioAgeMsMax,
		QStagingSamplesMax: l.qStagingSamplesMax,
		QStagingMsMax:      l.qStagingMsMax,
	}
	l.qAudioLenMax = 0
	l.qAudioAgeMsMax = 0
	l.qStagingSamplesMax = 0
	l.qStagingMsMax = 0
	l.flushesSinceReport = 0
	l.lastReport = now
	return r, true
}

// percentile returns the q-quantile (0..1) of buf using nearest-rank.
func percentile(buf []int64, q float64) int64 {
	if len(buf) == 0 {
		return 0
	}
	cp := make([]int64, len(buf))
	copy(cp, buf)
	sort.Slice(cp, func(i, j int) bool { return cp[i] < cp[j] })
	rank := int(float64(len(cp)-1)*q + 0.5)
	if rank < 0 {
		rank = 0
	}
	if rank >= len(cp) {
		rank = len(cp) - 1
	}
	return cp[rank]
}
