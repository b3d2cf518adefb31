package stabilizer

import (
	"testing"
	"time"
)

func TestSplitByTokenWindow(t *testing.T) {
	committed, trailing := SplitByTokenWindow("the quick brown fox jumps", 2)
	if committed != "the quick brown " {
		t.Fatalf("committed = %q", committed)
	}
	if trailing != "fox jumps" {
		t.Fatalf("trailing = %q", trailing)
	}
}

func TestSplitByTokenWindowFewerWordsThanK(t *testing.T) {
	committed, trailing := SplitByTokenWindow("hi", 8)
	if committed != "" || trailing != "hi" {
		t.Fatalf("got committed=%q trailing=%q", committed, trailing)
	}
}

// Three successive partials revealing one extra word each time, with
// revision_tokens=2 and stable_updates=1. stable_updates counts repeats of
// the exact same raw partial, so a partial that keeps growing every call
// never becomes "stable" and nothing commits: the counter resets on every
// change regardless of whether the change is a pure extension. Commits on
// strictly-growing input happen via the max-age fallback, or once the
// engine repeats an unchanged partial.
func TestStabilizerPatchScenario(t *testing.T) {
	cfg := Config{RevisionTokens: 2, StableUpdates: 1, MaxAgeMs: 0, MinUpdateIntervalMs: 0}
	s := New(cfg, nil)

	base := time.Now()
	s.ApplyPartial("the quick brown", base)
	s.ApplyPartial("the quick brown fox", base.Add(10*time.Millisecond))
	patch := s.ApplyPartial("the quick brown fox jumps", base.Add(20*time.Millisecond))

	if s.committedText != "" {
		t.Fatalf("committed_text = %q", s.committedText)
	}
	if s.partialText != "the quick brown fox jumps" {
		t.Fatalf("partial_text = %q", s.partialText)
	}
	wantPrefix := len("the quick brown fox")
	if patch.PrefixLen != wantPrefix {
		t.Fatalf("patch.PrefixLen = %d, want %d", patch.PrefixLen, wantPrefix)
	}
	if patch.Suffix != " jumps" {
		t.Fatalf("patch.Suffix = %q, want %q", patch.Suffix, " jumps")
	}
}

// Once the engine repeats an unchanged partial (no further growth), the
// stability counter does reach threshold and a commit happens.
func TestStabilizerPatchScenarioCommitsOnRepeat(t *testing.T) {
	cfg := Config{RevisionTokens: 2, StableUpdates: 1, MaxAgeMs: 0, MinUpdateIntervalMs: 0}
	s := New(cfg, nil)

	base := time.Now()
	s.ApplyPartial("the quick brown fox jumps", base)
	patch := s.ApplyPartial("the quick brown fox jumps", base.Add(10*time.Millisecond))

	if s.committedText != "the quick brown " {
		t.Fatalf("committed_text = %q", s.committedText)
	}
	if s.partialText != "fox jumps" {
		t.Fatalf("partial_text = %q", s.partialText)
	}
	wantLen := len("the quick brown fox jumps")
	if patch.PrefixLen != wantLen || patch.Suffix != "" {
		t.Fatalf("patch = %+v, want a no-op display patch (prefix_len=%d, suffix=\"\")", patch, wantLen)
	}
}

func TestStabilizerThrottlesAndFlushesPending(t *testing.T) {
	cfg := Config{RevisionTokens: 8, StableUpdates: 3, MaxAgeMs: 1500, MinUpdateIntervalMs: 1000}
	s := New(cfg, nil)

	base := time.Now()
	s.ApplyPartial("hello", base)
	// Immediately within the throttle window: should be queued, not applied.
	patch := s.ApplyPartial("hello world", base.Add(10*time.Millisecond))
	if patch != (Patch{}) {
		t.Fatalf("expected throttled partial to produce empty patch, got %+v", patch)
	}
	if s.pendingPartial == nil {
		t.Fatalf("expected a pending partial to be queued")
	}

	// Ticker fires after the throttle window elapses.
	later := base.Add(2 * time.Second)
	if s.ShouldThrottle(later) {
		t.Fatalf("expected throttle window to have elapsed")
	}
	_, flushed := s.FlushPendingIfDue(later)
	if !flushed {
		t.Fatalf("expected pending partial to flush once due")
	}
	if s.pendingPartial != nil {
		t.Fatalf("expected pending slot to be cleared after flush")
	}
}

// A partial queued behind the throttle must not be replayed after a final
// has closed the utterance: the final discards the pending slot.
func TestStabilizerFinalDiscardsPending(t *testing.T) {
	cfg := Config{RevisionTokens: 8, StableUpdates: 3, MaxAgeMs: 1500, MinUpdateIntervalMs: 1000}
	s := New(cfg, nil)

	base := time.Now()
	s.ApplyPartial("hello", base)
	s.ApplyPartial("hello wor", base.Add(10*time.Millisecond)) // throttled, queued as pending
	if s.pendingPartial == nil {
		t.Fatalf("expected a pending partial before the final")
	}
	s.ApplyFinal("hello world", base.Add(20*time.Millisecond))
	committed := s.committedText

	later := base.Add(3 * time.Second)
	if _, flushed := s.FlushPendingIfDue(later); flushed {
		t.Fatalf("pending partial must not survive a final")
	}
	if s.committedText != committed {
		t.Fatalf("committed_text changed after the final: %q -> %q", committed, s.committedText)
	}
}

func TestStabilizerFinalCommitsPartial(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinUpdateIntervalMs = 0
	s := New(cfg, nil)
	base := time.Now()
	s.ApplyPartial("hello", base)
	s.ApplyFinal("", base.Add(time.Millisecond))
	if s.committedText == "" {
		t.Fatalf("expected committed text to include the outstanding partial")
	}
}

func TestStabilizerFinalAppendsWhenPartialEmpty(t *testing.T) {
	s := New(DefaultConfig(), nil)
	s.ApplyFinal("hello world", time.Now())
	if s.committedText != "hello world\n" {
		t.Fatalf("committed_text = %q", s.committedText)
	}
}
