package harness

import "testing"

func TestResolvedBackpressureDefaultsToNotRealtime(t *testing.T) {
	cfg := DefaultConfig()
	if !cfg.ResolvedBackpressure() {
		t.Fatalf("expected backpressure on when realtime is off")
	}
	cfg.Realtime = true
	if cfg.ResolvedBackpressure() {
		t.Fatalf("expected backpressure off when realtime is on")
	}
	on := true
	cfg.Backpressure = &on
	if !cfg.ResolvedBackpressure() {
		t.Fatalf("explicit --backpressure must override the realtime default")
	}
}

func TestResolvedUtteranceTimeoutByMode(t *testing.T) {
	cfg := DefaultConfig()
	if got := cfg.ResolvedUtteranceTimeoutMs(); got != 60000 {
		t.Fatalf("smoke default = %d, want 60000", got)
	}
	cfg.Mode = "full"
	if got := cfg.ResolvedUtteranceTimeoutMs(); got != 120000 {
		t.Fatalf("full default = %d, want 120000", got)
	}
	cfg.UtteranceTimeoutMs = 5000
	if got := cfg.ResolvedUtteranceTimeoutMs(); got != 5000 {
		t.Fatalf("explicit timeout = %d, want 5000", got)
	}
}

func TestResolvedAudioQueueCapTightensUnderBackpressure(t *testing.T) {
	cfg := DefaultConfig()
	if got := cfg.ResolvedAudioQueueCap(); got != 2 {
		t.Fatalf("cap = %d, want 2 with backpressure on", got)
	}
	cfg.Realtime = true
	if got := cfg.ResolvedAudioQueueCap(); got != 0 {
		t.Fatalf("cap = %d, want engine default with backpressure off", got)
	}
	cfg.AudioQueueCap = 8
	if got := cfg.ResolvedAudioQueueCap(); got != 8 {
		t.Fatalf("cap = %d, want the explicit override", got)
	}
}

func TestApplyEnvSeedsDefaults(t *testing.T) {
	t.Setenv("PARAKEET_BLANK_PENALTY", "1.5")
	t.Setenv("PARAKEET_DEBUG_TOPK", "1")
	t.Setenv("PARAKEET_AUDIO_QUEUE_CAP", "4")
	cfg := DefaultConfig().ApplyEnv()
	if cfg.BlankPenalty != 1.5 {
		t.Fatalf("blank_penalty = %v", cfg.BlankPenalty)
	}
	if !cfg.DebugTopK {
		t.Fatalf("expected debug_topk on")
	}
	if cfg.AudioQueueCap != 4 {
		t.Fatalf("audio_queue_cap = %d", cfg.AudioQueueCap)
	}
}

func TestParseFlags(t *testing.T) {
	cfg, err := ParseFlags([]string{
		"--dataset", "testdata",
		"--mode", "full",
		"--chunk-ms", "20",
		"--inflight-chunks", "3",
		"--backpressure=false",
		"--wer-threshold", "0.3",
	}, DefaultConfig())
	if err != nil {
		t.Fatalf("ParseFlags: %v", err)
	}
	if cfg.Dataset != "testdata" || cfg.Mode != "full" || cfg.ChunkMs != 20 || cfg.InflightChunks != 3 {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.Backpressure == nil || *cfg.Backpressure {
		t.Fatalf("expected explicit backpressure=false, got %+v", cfg.Backpressure)
	}
	if cfg.WerThreshold == nil || *cfg.WerThreshold != 0.3 {
		t.Fatalf("expected wer threshold 0.3, got %+v", cfg.WerThreshold)
	}
}

func TestParseFlagsRequiresDataset(t *testing.T) {
	if _, err := ParseFlags(nil, DefaultConfig()); err == nil {
		t.Fatalf("expected an error when --dataset is missing")
	}
}
