// Package stabilizer maintains the committed/partial transcript split:
// it commits a hypothesis prefix once it has been stable long enough (or
// too old to plausibly still be revised), keeping a trailing revision
// window uncommitted.
package stabilizer

import (
	"strings"
	"time"

	"github.com/lokutor-ai/parakeet-streamtest/internal/logging"
)

// Patch is the visible update a consumer should render: drop everything
// after PrefixLen from the previous display and append Suffix.
type Patch struct {
	PrefixLen int
	Suffix    string
}

// Stabilizer is not safe for concurrent use; it is owned by a single
// consumer goroutine. Callers needing a read from another goroutine
// should use Snapshot.
type Stabilizer struct {
	cfg    Config
	logger logging.Logger

	committedText   string
	partialText     string
	lastPartialText string
	stableUpdates   int
	lastChangeAt    time.Time

	lastUIEmit     time.Time
	pendingPartial *string
	pendingSetAt   time.Time

	hypDroppedThrottle int64
	mismatchCount      int64
	lastDisplay        string

	Latency *Latency
}

// New constructs a Stabilizer with the given config. A zero-value logger
// (logging.NoOpLogger{}) is fine for tests.
func New(cfg Config, logger logging.Logger) *Stabilizer {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	return &Stabilizer{
		cfg:     cfg,
		logger:  logger,
		Latency: NewLatency(cfg),
	}
}

// Snapshot is a read-only copy safe to hand to another goroutine (e.g. a
// monitor endpoint), so no lock is ever held across a render.
type Snapshot struct {
	CommittedText string
	PartialText   string
	Display       string
}

func (s *Stabilizer) Snapshot() Snapshot {
	return Snapshot{
		CommittedText: s.committedText,
		PartialText:   s.partialText,
		Display:       s.display(),
	}
}

func (s *Stabilizer) display() string {
	return s.committedText + s.partialText
}

// ApplyPartial processes one partial hypothesis update: throttle, strip
// the committed prefix, track stability, commit when ready, and emit a
// display patch. now should be a monotonic-clock read.
func (s *Stabilizer) ApplyPartial(newFull string, now time.Time) Patch {
	if s.cfg.MinUpdateIntervalMs > 0 && !s.lastUIEmit.IsZero() &&
		now.Sub(s.lastUIEmit) < time.Duration(s.cfg.MinUpdateIntervalMs)*time.Millisecond {
		if s.pendingPartial != nil {
			s.hypDroppedThrottle++
		}
		text := newFull
		s.pendingPartial = &text
		s.pendingSetAt = now
		return Patch{}
	}
	return s.applyPartialInternal(newFull, now)
}

func (s *Stabilizer) applyPartialInternal(newFull string, now time.Time) Patch {
	newPartial := newFull
	if strings.HasPrefix(newFull, s.committedText) {
		newPartial = newFull[len(s.committedText):]
	} else {
		s.mismatchCount++
		s.logger.Warn("stabilizer partial prefix mismatch", "committed", s.committedText, "full", newFull)
	}

	if newPartial == s.lastPartialText {
		s.stableUpdates++
	} else {
		s.stableUpdates = 0
		s.lastChangeAt = now
	}
	s.lastPartialText = newPartial

	ready := s.stableUpdates >= s.cfg.StableUpdates ||
		(s.cfg.MaxAgeMs > 0 && !s.lastChangeAt.IsZero() && now.Sub(s.lastChangeAt) >= time.Duration(s.cfg.MaxAgeMs)*time.Millisecond)

	prevDisplay := s.display()
	if ready {
		committed, trailing := SplitByTokenWindow(newPartial, s.cfg.RevisionTokens)
		if committed != "" {
			s.committedText += committed
			s.partialText = trailing
			s.lastPartialText = trailing
			s.stableUpdates = 0
			s.lastChangeAt = now
		} else {
			s.partialText = newPartial
		}
	} else {
		s.partialText = newPartial
	}

	patch := computePatch(prevDisplay, s.display())
	s.lastUIEmit = now
	return patch
}

// ApplyFinal handles a final event: an empty partial with non-empty final
// text is appended directly; otherwise whatever is in partialText is
// committed. Either way a non-empty committed text ends newline-terminated.
func (s *Stabilizer) ApplyFinal(text string, now time.Time) Patch {
	s.pendingPartial = nil
	s.pendingSetAt = time.Time{}
	prevDisplay := s.display()
	if s.partialText == "" && text != "" {
		s.committedText += text
	} else {
		s.commitSegment(s.partialText)
	}
	if !strings.HasSuffix(s.committedText, "\n") && s.committedText != "" {
		s.committedText += "\n"
	}
	s.partialText = ""
	s.lastChangeAt = now
	s.lastUIEmit = now
	return computePatch(prevDisplay, s.display())
}

func (s *Stabilizer) commitSegment(text string) {
	if text != "" {
		s.committedText += text
	}
	s.lastPartialText = ""
	s.stableUpdates = 0
}

// ShouldThrottle reports whether emitting right now would violate the
// min-update-interval.
func (s *Stabilizer) ShouldThrottle(now time.Time) bool {
	if s.cfg.MinUpdateIntervalMs == 0 || s.lastUIEmit.IsZero() {
		return false
	}
	return now.Sub(s.lastUIEmit) < time.Duration(s.cfg.MinUpdateIntervalMs)*time.Millisecond
}

// FlushPendingIfDue flushes a queued pending partial once the throttle
// window has elapsed. Must be driven by a periodic ticker so a throttled
// partial is never permanently suppressed.
func (s *Stabilizer) FlushPendingIfDue(now time.Time) (Patch, bool) {
	if s.pendingPartial == nil {
		return Patch{}, false
	}
	if s.ShouldThrottle(now) {
		return Patch{}, false
	}
	text := *s.pendingPartial
	s.pendingPartial = nil
	s.pendingSetAt = time.Time{}
	return s.applyPartialInternal(text, now), true
}

// HypDroppedThrottle returns the count of pending partials displaced by a
// newer one before they were ever flushed.
func (s *Stabilizer) HypDroppedThrottle() int64 { return s.hypDroppedThrottle }

// MismatchCount returns the count of partials whose full text did not
// extend committed_text.
func (s *Stabilizer) MismatchCount() int64 { return s.mismatchCount }

// SplitByTokenWindow splits text at the last k word-start boundaries: the
// returned committed portion holds everything before that boundary, and
// trailing holds the final k tokens (inclusive of any separating
// whitespace within the trailing span).
func SplitByTokenWindow(text string, k int) (committed, trailing string) {
	if k <= 0 {
		return text, ""
	}
	starts := wordStartOffsets(text)
	if len(starts) <= k {
		return "", text
	}
	boundary := starts[len(starts)-k]
	return text[:boundary], text[boundary:]
}

// wordStartOffsets returns the byte offset of the first character of each
// whitespace-delimited word in text.
func wordStartOffsets(text string) []int {
	var starts []int
	inWord := false
	for i, r := range text {
		isSpace := r == ' ' || r == '\t' || r == '\n' || r == '\r'
		if !isSpace && !inWord {
			starts = append(starts, i)
			inWord = true
		} else if isSpace {
			inWord = false
		}
	}
	return starts
}

// computePatch returns the shared-prefix-length / suffix patch between two
// display strings, operating on runes so multi-byte characters never get
// split mid-codepoint.
func computePatch(prev, next string) Patch {
	prevRunes := []rune(prev)
	nextRunes := []rune(next)
	n := commonPrefixLen(prevRunes, nextRunes)
	return Patch{
		PrefixLen: n,
		Suffix:    string(nextRunes[n:]),
	}
}

func commonPrefixLen(a, b []rune) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	i := 0
	for i < n && a[i] == b[i] {
		i++
	}
	return i
}
