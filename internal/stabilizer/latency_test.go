package stabilizer

import (
	"testing"
	"time"
)

func TestPercentileEmpty(t *testing.T) {
	if got := percentile(nil, 0.5); got != 0 {
		t.Fatalf("expected 0 for empty buffer, got %d", got)
	}
}

func TestPercentileBasic(t *testing.T) {
	buf := []int64{10, 20, 30, 40, 50}
	if got := percentile(buf, 0.5); got != 30 {
		t.Fatalf("p50 = %d, want 30", got)
	}
	if got := percentile(buf, 0.99); got != 50 {
		t.Fatalf("p99 = %d, want 50", got)
	}
}

func TestLatencyMaybeReportByCount(t *testing.T) {
	cfg := Config{MaxSamples: 10, ReportEvery: 2, ReportIntervalMs: 0}
	l := NewLatency(cfg)
	now := time.Now()
	l.RecordFlush(100, 110, 130, 150, 0, 0)
	if _, due := l.MaybeReport(now); due {
		t.Fatalf("should not be due after a single flush when ReportEvery=2")
	}
	l.RecordFlush(100, 110, 130, 160, 0, 0)
	report, due := l.MaybeReport(now)
	if !due {
		t.Fatalf("expected report to be due after 2 flushes")
	}
	if report.E2eP50 == 0 {
		t.Fatalf("expected nonzero e2e p50, got %+v", report)
	}
}

func TestLatencyMaxSamplesBounded(t *testing.T) {
	cfg := Config{MaxSamples: 3}
	l := NewLatency(cfg)
	for i := int64(1); i <= 10; i++ {
		l.RecordFlush(0, 0, 0, 0, i, 0)
	}
	if len(l.sttLatency) != 3 {
		t.Fatalf("expected buffer capped at 3, got %d", len(l.sttLatency))
	}
	if l.sttLatency[0] != 8 {
		t.Fatalf("expected oldest samples trimmed, got %v", l.sttLatency)
	}
}

func TestLatencyQueueHighWaterMarks(t *testing.T) {
	cfg := Config{MaxSamples: 10, ReportEvery: 1}
	l := NewLatency(cfg)
	l.RecordQueueDepths(3, 120, 4800, 300)
	l.RecordQueueDepths(2, 90, 6400, 150)
	l.RecordFlush(0, 0, 0, 0, 10, 0)

	rep, due := l.MaybeReport(time.Now())
	if !due {
		t.Fatalf("expected report to be due")
	}
	if rep.QAudioLenMax != 3 || rep.QAudioAgeMsMax != 120 {
		t.Fatalf("audio queue marks = (%d, %d), want (3, 120)", rep.QAudioLenMax, rep.QAudioAgeMsMax)
	}
	if rep.QStagingSamplesMax != 6400 || rep.QStagingMsMax != 300 {
		t.Fatalf("staging queue marks = (%d, %d), want (6400, 300)", rep.QStagingSamplesMax, rep.QStagingMsMax)
	}

	// Marks cover only the window since the previous report.
	l.RecordFlush(0, 0, 0, 0, 10, 0)
	rep2, due2 := l.MaybeReport(time.Now())
	if !due2 {
		t.Fatalf("expected second report to be due")
	}
	if rep2.QAudioLenMax != 0 || rep2.QAudioAgeMsMax != 0 || rep2.QStagingSamplesMax != 0 || rep2.QStagingMsMax != 0 {
		t.Fatalf("expected marks reset after reporting, got %+v", rep2)
	}
}
