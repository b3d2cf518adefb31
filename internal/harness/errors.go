// Package harness implements the batch evaluation driver: manifest
// scanning, WER scoring, the per-pass orchestration loop, and
// JSONL/summary persistence.
package harness

import (
	"errors"
	"strings"

	"github.com/lokutor-ai/parakeet-streamtest/internal/backpressure"
)

// Each error kind is a sentinel so callers can use errors.Is/errors.As;
// harness code wraps them with fmt.Errorf("%w: ...") for the specific
// diagnostic context.
var (
	ErrTimeoutFeedingAudio    = errors.New("timeout_feeding_audio")
	ErrTimeoutWaitingForAck   = errors.New("timeout_waiting_for_ack")
	ErrTimeoutFlush           = errors.New("timeout_flush")
	ErrTimeoutEosPad          = errors.New("timeout_eos_pad")
	ErrTimeoutWaitingForFinal = errors.New("timeout_waiting_for_final")
	ErrStopStatsTimeout       = errors.New("stop_stats_timeout")
	ErrResetAckTimeout        = errors.New("reset_ack_timeout")
	ErrTickTimeout            = errors.New("tick_timeout")
	ErrSlowChunkAbort         = errors.New("slow_chunk_abort")
)

// poisoningErrors are the normalized error kinds that mark a worker for
// rebuild.
var poisoningErrors = []error{
	ErrTickTimeout,
	ErrSlowChunkAbort,
	ErrStopStatsTimeout,
	ErrResetAckTimeout,
	backpressure.ErrBackpressureTimeout,
}

// isPoisoning reports whether err should trigger a worker rebuild. Any
// error whose message has the timeout_ prefix also poisons, which covers
// every per-stage deadline sentinel above without listing each one.
func isPoisoning(err error) bool {
	if err == nil {
		return false
	}
	for _, sentinel := range poisoningErrors {
		if errors.Is(err, sentinel) {
			return true
		}
	}
	return strings.HasPrefix(err.Error(), "timeout_")
}
