package protocol

import "testing"

func TestPassStateHappyPath(t *testing.T) {
	s := Idle
	s = s.Advance(TransitionReset)
	if s != Resetting {
		t.Fatalf("after reset: got %v", s)
	}
	s = s.Advance(TransitionResetAck)
	if s != Feeding {
		t.Fatalf("after reset_ack: got %v", s)
	}
	s = s.Advance(TransitionStop)
	if s != Draining {
		t.Fatalf("after stop: got %v", s)
	}
	s = s.Advance(TransitionStopStatsPre)
	if s != AwaitingPost {
		t.Fatalf("after stop_stats(pre): got %v", s)
	}
	s = s.Advance(TransitionStopStatsPost)
	if s != Done {
		t.Fatalf("after stop_stats(post): got %v", s)
	}
}

func TestPassStatePoisoningDuringFeeding(t *testing.T) {
	s := Feeding
	s = s.Advance(TransitionErrorOrSlowChunk)
	if s != Poisoned {
		t.Fatalf("expected Poisoned, got %v", s)
	}
	// Poisoned is absorbing except for a fresh reset.
	if got := s.Advance(TransitionStopStatsPost); got != Poisoned {
		t.Fatalf("poisoned state should be absorbing, got %v", got)
	}
	if got := s.Advance(TransitionReset); got != Resetting {
		t.Fatalf("reset should escape Poisoned, got %v", got)
	}
}

func TestPassStateDeadlineAlwaysWins(t *testing.T) {
	for _, s := range []PassState{Idle, Resetting, Feeding, Draining, AwaitingPost} {
		if got := s.Advance(TransitionDeadlineExceeded); got != TimedOut {
			t.Fatalf("from %v: expected TimedOut, got %v", s, got)
		}
	}
}
