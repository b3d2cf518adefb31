package harness

import (
	"context"
	"strings"
	"testing"

	"github.com/lokutor-ai/parakeet-streamtest/internal/engine/fake"
	"github.com/lokutor-ai/parakeet-streamtest/internal/logging"
)

func testUtterance(id, text string, samples int) Utterance {
	pcm := make([]int16, samples)
	return Utterance{ID: id, Text: text, PCM: pcm, SampleRate: 16000}
}

func baseConfig() Config {
	cfg := DefaultConfig()
	cfg.ChunkMs = 40
	cfg.FlushMs = 0
	cfg.StopStatsTimeoutMs = 200
	cfg.UtteranceTimeoutMs = 2000
	cfg.InflightChunks = 0
	b := false
	cfg.Backpressure = &b
	return cfg
}

func TestRunOneHappyPath(t *testing.T) {
	cfg := baseConfig()
	factory := fake.New(fake.Script{ReferenceText: "the quick brown fox", RevealEveryChunks: 1})
	w, err := NewWorker(factory, logging.NoOpLogger{})
	if err != nil {
		t.Fatalf("NewWorker: %v", err)
	}
	defer w.Close()

	d := NewDriver(cfg, logging.NoOpLogger{}, nil)
	u := testUtterance("u1", "the quick brown fox", 16000*2)
	res := d.RunOne(context.Background(), w, u, 1)

	if res.Error != "" {
		t.Fatalf("unexpected error: %s", res.Error)
	}
	if res.Status != StatusOK {
		t.Fatalf("expected status ok, got %s", res.Status)
	}
	if strings.TrimSpace(res.Hypothesis) == "" {
		t.Fatalf("expected non-empty hypothesis")
	}
	if res.Wer == nil {
		t.Fatalf("expected a wer result")
	}
}

func TestRunOneEmptyHypothesisRetriesOffline(t *testing.T) {
	cfg := baseConfig()
	// RevealEveryChunks: 0 means no partial is ever revealed: with the
	// final also empty, the hypothesis has no raw partial to fall back to
	// and stays genuinely empty, matching the offline-retry precondition
	// (hypothesis.trim().is_empty()) rather than being rescued by a
	// revealed partial the way a real truncated-but-nonempty pass would be.
	factory := fake.New(fake.Script{ReferenceText: "hello world", RevealEveryChunks: 0, EmptyFinal: true})
	w, err := NewWorker(factory, logging.NoOpLogger{})
	if err != nil {
		t.Fatalf("NewWorker: %v", err)
	}
	defer w.Close()

	d := NewDriver(cfg, logging.NoOpLogger{}, nil)
	u := testUtterance("u2", "hello world", 16000)
	res := d.RunOne(context.Background(), w, u, 2)

	if !res.Retried {
		t.Fatalf("expected a retry to have been attempted")
	}
	if res.Status != StatusEmptyHyp {
		t.Fatalf("expected empty_hyp status when every pass returns empty, got %s", res.Status)
	}
}

func TestRunOneTruncationRetriesWithEosPad(t *testing.T) {
	cfg := baseConfig()
	cfg.EosPadMs = 80
	factory := fake.New(fake.Script{
		ReferenceText:     "one two three four five six seven eight nine ten eleven twelve",
		RevealEveryChunks: 1,
		TruncateAtWords:   3,
	})
	w, err := NewWorker(factory, logging.NoOpLogger{})
	if err != nil {
		t.Fatalf("NewWorker: %v", err)
	}
	defer w.Close()

	d := NewDriver(cfg, logging.NoOpLogger{}, nil)
	u := testUtterance("u3", "one two three four five six seven eight nine ten eleven twelve", 16000*2)
	res := d.RunOne(context.Background(), w, u, 3)

	if !res.Retried {
		t.Fatalf("expected the truncation retry to have fired")
	}
	if res.Status != StatusTruncation {
		t.Fatalf("expected truncation status, got %s (hyp=%q)", res.Status, res.Hypothesis)
	}
}

func TestRunOnePoisonsWorkerAfterSlowChunk(t *testing.T) {
	cfg := baseConfig()
	factory := fake.New(fake.Script{ReferenceText: "the quick brown fox", RevealEveryChunks: 1, PoisonAfterChunks: 2})
	w, err := NewWorker(factory, logging.NoOpLogger{})
	if err != nil {
		t.Fatalf("NewWorker: %v", err)
	}
	defer w.Close()

	d := NewDriver(cfg, logging.NoOpLogger{}, nil)
	u := testUtterance("u4", "the quick brown fox", 16000)
	res := d.RunOne(context.Background(), w, u, 4)

	if res.Status != StatusSttError {
		t.Fatalf("expected stt_error status, got %s (err=%s)", res.Status, res.Error)
	}
	if w.Restarts() != 1 {
		t.Fatalf("expected exactly one worker restart, got %d", w.Restarts())
	}
}
