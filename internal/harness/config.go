package harness

import (
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config bundles every CLI flag of the harness into one struct.
type Config struct {
	Dataset string `yaml:"dataset"`
	Engine  string `yaml:"engine"`
	Mode    string `yaml:"mode"`
	OutDir  string `yaml:"out_dir"`

	SmokeN int `yaml:"smoke_n"`
	Limit  int `yaml:"limit"`

	ChunkMs    int  `yaml:"chunk_ms"`
	Realtime   bool `yaml:"realtime"`
	RealtimeMs int  `yaml:"realtime_ms"`
	Offline    bool `yaml:"offline"`

	Backpressure             *bool `yaml:"backpressure"`
	BackpressureTimeoutMs    int   `yaml:"backpressure_timeout_ms"`
	BackpressureRetrySleepUs int   `yaml:"backpressure_retry_sleep_us"`
	InflightChunks           int   `yaml:"inflight_chunks"`

	Jobs               int `yaml:"jobs"`
	UtteranceTimeoutMs int `yaml:"utterance_timeout_ms"`
	StopStatsTimeoutMs int `yaml:"stop_stats_timeout_ms"`
	FlushMs            int `yaml:"flush_ms"`
	EosPadMs           int `yaml:"eos_pad_ms"`

	FinalBlankPenaltyDelta float32  `yaml:"final_blank_penalty_delta"`
	BlankPenalty           float32  `yaml:"blank_penalty"`
	NormalizeMode          string   `yaml:"normalize_mode"`
	PreGain                float32  `yaml:"pre_gain"`
	GateThreshold          float32  `yaml:"gate_threshold"`
	FilterJunk             bool     `yaml:"filter_junk"`
	WerThreshold           *float32 `yaml:"wer_threshold"`

	VerboseStop  bool     `yaml:"verbose_stop"`
	SmokeSeed    int64    `yaml:"smoke_seed"`
	SmokeLock    bool     `yaml:"smoke_lock"`
	SmokeUseLast bool     `yaml:"smoke_use_last"`
	IDs          []string `yaml:"ids"`
	DebugIDs     []string `yaml:"debug_ids"`

	DebugTopK     bool `yaml:"debug_topk"`
	AudioQueueCap int  `yaml:"audio_queue_cap"`

	MetricsAddr string `yaml:"metrics_addr"`
	ResultsDSN  string `yaml:"results_dsn"`

	Transport string `yaml:"transport"`
	WSAddr    string `yaml:"ws_addr"`
}

// DefaultConfig returns the documented flag defaults.
func DefaultConfig() Config {
	return Config{
		Engine:                   "parakeet",
		Mode:                     "smoke",
		OutDir:                   "target/asr_test",
		SmokeN:                   3,
		ChunkMs:                  40,
		BackpressureTimeoutMs:    2000,
		BackpressureRetrySleepUs: 200,
		InflightChunks:           1,
		Jobs:                     1,
		StopStatsTimeoutMs:       2000,
		FlushMs:                  4000,
		FinalBlankPenaltyDelta:   0.2,
		NormalizeMode:            "per_chunk",
		PreGain:                  8.0,
		Transport:                "none",
		WSAddr:                   ":8787",
	}
}

// ApplyEnv overlays the PARAKEET_* environment variables that seed
// engine-facing defaults. Called on the base config before flags are
// parsed, so an explicit flag still wins.
func (c Config) ApplyEnv() Config {
	c.BlankPenalty = envFloat32("PARAKEET_BLANK_PENALTY", c.BlankPenalty)
	c.DebugTopK = envBool("PARAKEET_DEBUG_TOPK", c.DebugTopK)
	c.AudioQueueCap = envInt("PARAKEET_AUDIO_QUEUE_CAP", c.AudioQueueCap)
	return c
}

func envFloat32(name string, fallback float32) float32 {
	v, ok := os.LookupEnv(name)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 32)
	if err != nil {
		return fallback
	}
	return float32(f)
}

func envBool(name string, fallback bool) bool {
	v, ok := os.LookupEnv(name)
	if !ok {
		return fallback
	}
	switch v {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func envInt(name string, fallback int) int {
	v, ok := os.LookupEnv(name)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

// ResolvedBackpressure returns the effective backpressure flag: the
// explicit override if set, otherwise !Realtime.
func (c Config) ResolvedBackpressure() bool {
	if c.Backpressure != nil {
		return *c.Backpressure
	}
	return !c.Realtime
}

// ResolvedUtteranceTimeoutMs applies the mode-dependent default (60s smoke,
// 120s otherwise) when the field is unset.
func (c Config) ResolvedUtteranceTimeoutMs() int {
	if c.UtteranceTimeoutMs > 0 {
		return c.UtteranceTimeoutMs
	}
	if c.Mode == "smoke" {
		return 60000
	}
	return 120000
}

// ResolvedAudioQueueCap returns the engine audio queue capacity: the
// explicit override when set, otherwise 2 when backpressure is enabled
// (a deep queue defeats the point of pushback) and 0, meaning the engine
// default, when not.
func (c Config) ResolvedAudioQueueCap() int {
	if c.AudioQueueCap > 0 {
		return c.AudioQueueCap
	}
	if c.ResolvedBackpressure() {
		return 2
	}
	return 0
}

// ResolvedRealtimeMs applies the chunk_ms default when unset.
func (c Config) ResolvedRealtimeMs() int {
	if c.RealtimeMs > 0 {
		return c.RealtimeMs
	}
	return c.ChunkMs
}

// LoadYAMLDefaults reads path (if non-empty) and overlays its fields onto
// base: file values seed defaults, flags (applied by the caller
// afterward) always win.
func LoadYAMLDefaults(path string, base Config) (Config, error) {
	if path == "" {
		return base, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return base, err
	}
	if err := yaml.Unmarshal(data, &base); err != nil {
		return base, err
	}
	return base, nil
}
