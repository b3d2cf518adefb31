package backpressure

import "sync"

// Window tracks the ack-based inflight pacing precondition:
// sent_chunks - acked_chunks < inflight_chunks. A Limit of 0 disables ack
// pacing entirely (CanSend always reports true).
type Window struct {
	mu    sync.Mutex
	Limit uint64
	sent  uint64
	acked uint64
}

// NewWindow constructs a Window with the given limit (0 disables pacing).
func NewWindow(limit uint64) *Window {
	return &Window{Limit: limit}
}

// CanSend reports whether another chunk may be sent right now.
func (w *Window) CanSend() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.Limit == 0 {
		return true
	}
	return w.sent-w.acked < w.Limit
}

// RecordSent increments the sent counter. Call after a successful send.
func (w *Window) RecordSent() {
	w.mu.Lock()
	w.sent++
	w.mu.Unlock()
}

// RecordAck increments the acked counter. Call once per chunk_ack event
// observed while draining.
func (w *Window) RecordAck() {
	w.mu.Lock()
	w.acked++
	w.mu.Unlock()
}

// Inflight returns sent-acked, the current outstanding chunk count.
func (w *Window) Inflight() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.sent - w.acked
}
