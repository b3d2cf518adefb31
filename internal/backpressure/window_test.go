package backpressure

import "testing"

func TestWindowGatesOnLimit(t *testing.T) {
	w := NewWindow(2)
	if !w.CanSend() {
		t.Fatalf("expected CanSend true when empty")
	}
	w.RecordSent()
	w.RecordSent()
	if w.CanSend() {
		t.Fatalf("expected CanSend false at limit")
	}
	w.RecordAck()
	if !w.CanSend() {
		t.Fatalf("expected CanSend true after an ack frees a slot")
	}
	if got := w.Inflight(); got != 1 {
		t.Fatalf("expected inflight 1, got %d", got)
	}
}

func TestWindowDisabledWhenLimitZero(t *testing.T) {
	w := NewWindow(0)
	for i := 0; i < 1000; i++ {
		w.RecordSent()
	}
	if !w.CanSend() {
		t.Fatalf("limit 0 must never gate sends")
	}
}
