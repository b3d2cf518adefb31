package harness

import (
	"math"
	"regexp"
)

// SilenceGate is an RMS threshold gate applied client-side before a chunk
// is handed to the engine, with consecutive-frame hysteresis so a single
// hot sample doesn't flip the gate open. It does not replace the engine's
// own gate_threshold setting (still forwarded at configure time); it only
// drives local bookkeeping such as the first_audio_send stage mark.
type SilenceGate struct {
	threshold         float64
	minConfirmed      int
	consecutiveFrames int
	open              bool
}

// NewSilenceGate builds a gate for the given RMS threshold. threshold <= 0
// disables gating entirely.
func NewSilenceGate(threshold float32) *SilenceGate {
	return &SilenceGate{threshold: float64(threshold), minConfirmed: 2}
}

// Enabled reports whether this gate does anything.
func (g *SilenceGate) Enabled() bool { return g.threshold > 0 }

// Admit reports whether chunk should be treated as live audio. Silence
// chunks are still sent to the engine (it owns the authoritative gate);
// Admit only tells the caller whether to count the chunk as "speech" for
// logging/telemetry stage marks such as first_audio_send.
func (g *SilenceGate) Admit(chunk []float32) bool {
	if !g.Enabled() {
		return true
	}
	rms := rmsOf(chunk)
	if rms > g.threshold {
		g.consecutiveFrames++
		if g.consecutiveFrames >= g.minConfirmed {
			g.open = true
		}
	} else {
		g.consecutiveFrames = 0
		g.open = false
	}
	return g.open
}

func rmsOf(chunk []float32) float64 {
	if len(chunk) == 0 {
		return 0
	}
	var sum float64
	for _, s := range chunk {
		v := float64(s)
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(chunk)))
}

// junkOnlyPattern matches hypotheses made up entirely of punctuation or
// whitespace, the content filter_junk suppresses.
var junkOnlyPattern = regexp.MustCompile(`^[\s.,!?'"\-]*$`)

// IsJunkHypothesis reports whether text should be suppressed under
// filter_junk: empty after trimming punctuation-only content.
func IsJunkHypothesis(text string) bool {
	return junkOnlyPattern.MatchString(text)
}
