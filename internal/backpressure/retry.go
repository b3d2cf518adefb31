// Package backpressure implements the two cooperating send throttles:
// per-send retry with a bounded deadline and exponential log-doubling,
// and an ack-based inflight window.
package backpressure

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lokutor-ai/parakeet-streamtest/internal/engine"
	"github.com/lokutor-ai/parakeet-streamtest/internal/logging"
	"github.com/lokutor-ai/parakeet-streamtest/internal/protocol"
)

// ErrBackpressureTimeout is returned when the per-send retry deadline is
// exceeded. Use errors.As to recover the TimeoutDetail.
var ErrBackpressureTimeout = errors.New("backpressure_timeout")

// TimeoutDetail carries the diagnostic fields reported on a
// backpressure_timeout.
type TimeoutDetail struct {
	ID           string
	UtteranceSeq uint64
	ChunkIdx     uint64
	Retries      int
	ElapsedMs    int64
	Phase        string
	Offline      bool
}

func (d *TimeoutDetail) Error() string {
	return fmt.Sprintf(
		"backpressure_timeout id=%s utt_seq=%d chunk_idx=%d retries=%d elapsed_ms=%d phase=%s offline=%v",
		d.ID, d.UtteranceSeq, d.ChunkIdx, d.Retries, d.ElapsedMs, d.Phase, d.Offline,
	)
}

func (d *TimeoutDetail) Unwrap() error { return ErrBackpressureTimeout }

// Params bundles the retry policy and the diagnostic identity used when a
// retry ultimately times out.
type Params struct {
	ID           string
	UtteranceSeq uint64
	ChunkIdx     uint64
	Phase        string
	Offline      bool

	RetrySleep time.Duration // minimum 1µs; zero is clamped up
	Timeout    time.Duration // zero disables the deadline (ack pacing is authoritative)

	// OnRetry, when set, is invoked once per retry so callers can feed a
	// metrics counter without the retry loop knowing about metrics.
	OnRetry func()
}

// ProcessAudioWithBackpressure sends audio to eng, retrying on
// engine.ErrBackpressureFull until it succeeds, the context is cancelled,
// or (when p.Timeout > 0) the deadline since the first failure elapses.
// Retry counts are logged at 1, 2, 4, 8, ... to bound log volume.
func ProcessAudioWithBackpressure(ctx context.Context, eng engine.Engine, audio protocol.AudioSignal, p Params, logger logging.Logger) error {
	sleep := p.RetrySleep
	if sleep < time.Microsecond {
		sleep = time.Microsecond
	}

	var firstFailure time.Time
	retries := 0
	nextLog := 1

	for {
		_, _, err := eng.Process(ctx, audio)
		if err == nil {
			return nil
		}
		if !errors.Is(err, engine.ErrBackpressureFull) {
			return err
		}

		if retries == 0 {
			firstFailure = time.Now()
		}
		retries++
		if p.OnRetry != nil {
			p.OnRetry()
		}

		if retries == nextLog {
			logger.Warn("backpressure_full retry",
				"id", p.ID, "utterance_seq", p.UtteranceSeq, "chunk_idx", p.ChunkIdx, "retries", retries)
			nextLog *= 2
		}

		if p.Timeout > 0 && time.Since(firstFailure) >= p.Timeout {
			return &TimeoutDetail{
				ID:           p.ID,
				UtteranceSeq: p.UtteranceSeq,
				ChunkIdx:     p.ChunkIdx,
				Retries:      retries,
				ElapsedMs:    time.Since(firstFailure).Milliseconds(),
				Phase:        p.Phase,
				Offline:      p.Offline,
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}
	}
}
