// Package engine defines the black-box contract the streaming decoder
// satisfies. Only the interface lives here; the deterministic fake
// implementation is in the fake subpackage.
package engine

import (
	"context"
	"errors"

	"github.com/lokutor-ai/parakeet-streamtest/internal/protocol"
)

// ErrBackpressureFull is returned by Process when the engine cannot accept
// an AudioSignal right now. Callers retry with a bounded deadline.
var ErrBackpressureFull = errors.New("backpressure_full")

// Engine is the single operation the core needs from a decoder: feed it a
// Signal, get back at most one Signal. Callers drain output with
// PulseSignal{} until ok is false. Control signals are queued and only
// serviced when audio arrives, so callers follow a control with an audio
// tick; a PulseSignal does not service them.
type Engine interface {
	// Process consumes sig and may produce one output signal. ok reports
	// whether a signal was produced; when ok is false there is nothing
	// more to drain right now.
	Process(ctx context.Context, sig protocol.Signal) (out protocol.Signal, ok bool, err error)

	// Close releases any resources the engine holds. A poisoned engine
	// must be Closed and replaced by a freshly constructed one before the
	// next utterance.
	Close() error
}

// Factory builds a fresh Engine instance, used by the harness to rebuild a
// poisoned worker with the same configuration.
type Factory func() (Engine, error)
