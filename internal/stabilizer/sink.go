package stabilizer

import (
	"encoding/json"
	"time"

	"github.com/lokutor-ai/parakeet-streamtest/internal/logging"
	"github.com/lokutor-ai/parakeet-streamtest/internal/protocol"
)

// Sink consumes a Signal and optionally reports back a patch ready for
// display.
type Sink interface {
	Consume(sig protocol.Signal, now time.Time) (Patch, bool, error)
}

// TranscriptionSink wires a Stabilizer to the engine's Computed events. It
// also handles the non-stabilizing sources (metrics, slow_chunk,
// stop_stats, reset_ack) so a harness driver only needs one dispatch
// point.
type TranscriptionSink struct {
	ID      string
	Enabled bool

	stabilizer *Stabilizer
	logger     logging.Logger
}

func NewTranscriptionSink(id string, s *Stabilizer, logger logging.Logger) *TranscriptionSink {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	return &TranscriptionSink{ID: id, Enabled: true, stabilizer: s, logger: logger}
}

func (t *TranscriptionSink) Consume(sig protocol.Signal, now time.Time) (Patch, bool, error) {
	if !t.Enabled {
		return Patch{}, false, nil
	}
	cs, ok := sig.(protocol.ComputedSignal)
	if !ok {
		return Patch{}, false, nil
	}

	switch cs.Source {
	case protocol.SourceMetrics:
		var m protocol.SttMetrics
		if err := json.Unmarshal(cs.Content, &m); err == nil {
			t.stabilizer.Latency.RecordFlush(0, 0, 0, 0, m.LatencyMs, m.DecodeMs)
		}
		return Patch{}, false, nil

	case protocol.SourceSlowChunk:
		var sc protocol.SlowChunk
		if err := json.Unmarshal(cs.Content, &sc); err == nil {
			queueMs := int64(0)
			if sc.QueueMs != nil {
				queueMs = *sc.QueueMs
			}
			t.logger.Warn("slow_chunk", "decode_ms", sc.DecodeMs, "queue_ms", queueMs, "enc_shape", sc.EncShape, "profile", sc.ProfileIdx)
		}
		return Patch{}, false, nil

	case protocol.SourceStopStats:
		var ss protocol.StopStats
		if err := json.Unmarshal(cs.Content, &ss); err == nil {
			t.logger.Info("stop_stats", "phase", ss.Phase, "queued_before", ss.QueuedBefore, "queued_after", ss.QueuedAfter)
		}
		return Patch{}, false, nil

	case protocol.SourceResetAck:
		*t.stabilizer = *New(t.stabilizer.cfg, t.logger)
		return Patch{}, false, nil

	case protocol.SourcePartial, protocol.SourceFinal, protocol.SourceError, protocol.SourceEndpoint, protocol.SourceAudioDropped:
		var ev protocol.SttEvent
		if err := json.Unmarshal(cs.Content, &ev); err != nil {
			return Patch{}, false, err
		}
		return t.applyEvent(ev, now)
	}
	return Patch{}, false, nil
}

// FlushPendingIfDue drains a throttled pending partial once its window has
// elapsed. A harness driver must call this on every idle tick so a partial
// queued behind min_update_interval_ms is never stuck past the next update.
func (t *TranscriptionSink) FlushPendingIfDue(now time.Time) (Patch, bool) {
	if !t.Enabled {
		return Patch{}, false
	}
	return t.stabilizer.FlushPendingIfDue(now)
}

// MaybeReportLatency surfaces the periodic percentile/high-water report;
// the driver's drain tick checks this so the accumulated samples reach a
// log line instead of dying with the pass.
func (t *TranscriptionSink) MaybeReportLatency(now time.Time) (Report, bool) {
	if !t.Enabled {
		return Report{}, false
	}
	return t.stabilizer.Latency.MaybeReport(now)
}

func (t *TranscriptionSink) applyEvent(ev protocol.SttEvent, now time.Time) (Patch, bool, error) {
	t.stabilizer.Latency.RecordQueueDepths(ev.QAudioLen, ev.QAudioAgeMs, ev.QStagingSamples, ev.QStagingMs)
	switch ev.Kind {
	case "partial":
		patch := t.stabilizer.ApplyPartial(ev.Text, now)
		t.stabilizer.Latency.RecordFlush(ev.TCaptureEndMs, ev.TDspDoneMs, ev.TInferDoneMs, now.UnixMilli(), 0, 0)
		return patch, true, nil
	case "final":
		patch := t.stabilizer.ApplyFinal(ev.Text, now)
		return patch, true, nil
	default:
		return Patch{}, false, nil
	}
}
