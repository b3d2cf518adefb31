package harness

import (
	"fmt"

	flag "github.com/spf13/pflag"
)

// ParseFlags builds the pflag.FlagSet for cmd/asrtest, keeping flag
// wiring in one function separate from the Config type itself. base
// supplies pre-resolved defaults (e.g. after a --config file was loaded),
// so a second pass of flags still wins.
func ParseFlags(args []string, base Config) (Config, error) {
	fs := flag.NewFlagSet("asrtest", flag.ContinueOnError)
	cfg := base

	var configPath string
	fs.StringVar(&configPath, "config", "", "optional YAML file seeding defaults")

	fs.StringVar(&cfg.Dataset, "dataset", cfg.Dataset, "path to a manifest.jsonl or dataset root")
	fs.StringVar(&cfg.Engine, "engine", cfg.Engine, "engine backend: parakeet or fake")
	fs.StringVar(&cfg.Mode, "mode", cfg.Mode, "manifest, smoke, or full")
	fs.StringVar(&cfg.OutDir, "out-dir", cfg.OutDir, "directory for results.jsonl/summary.json")

	fs.IntVar(&cfg.SmokeN, "smoke-n", cfg.SmokeN, "number of utterances sampled in smoke mode")
	fs.IntVar(&cfg.Limit, "limit", cfg.Limit, "cap total utterances processed (0 = no cap)")

	fs.IntVar(&cfg.ChunkMs, "chunk-ms", cfg.ChunkMs, "audio chunk duration in milliseconds")
	fs.BoolVar(&cfg.Realtime, "realtime", cfg.Realtime, "pace chunk feeding to wall-clock duration")
	fs.IntVar(&cfg.RealtimeMs, "realtime-ms", cfg.RealtimeMs, "override the realtime pacing interval")
	fs.BoolVar(&cfg.Offline, "offline", cfg.Offline, "feed the whole utterance as one chunk, no streaming")

	var backpressure bool
	fs.BoolVar(&backpressure, "backpressure", false, "turn backpressure handling on or off regardless of --realtime")
	fs.IntVar(&cfg.BackpressureTimeoutMs, "backpressure-timeout-ms", cfg.BackpressureTimeoutMs, "deadline for a single chunk send under backpressure")
	fs.IntVar(&cfg.BackpressureRetrySleepUs, "backpressure-retry-sleep-us", cfg.BackpressureRetrySleepUs, "sleep between backpressure retries, microseconds")
	fs.IntVar(&cfg.InflightChunks, "inflight-chunks", cfg.InflightChunks, "max unacked chunks in flight (0 disables the window)")

	fs.IntVar(&cfg.Jobs, "jobs", cfg.Jobs, "concurrent utterance workers")
	fs.IntVar(&cfg.UtteranceTimeoutMs, "utterance-timeout-ms", cfg.UtteranceTimeoutMs, "per-pass wall clock deadline")
	fs.IntVar(&cfg.StopStatsTimeoutMs, "stop-stats-timeout-ms", cfg.StopStatsTimeoutMs, "deadline waiting for stop_stats after stop")
	fs.IntVar(&cfg.FlushMs, "flush-ms", cfg.FlushMs, "silence padding fed before stop to flush a decoder")
	fs.IntVar(&cfg.EosPadMs, "eos-pad-ms", cfg.EosPadMs, "extra silence fed on truncation retry")

	fs.Float32Var(&cfg.FinalBlankPenaltyDelta, "final-blank-penalty-delta", cfg.FinalBlankPenaltyDelta, "blank penalty increase the engine applies during post-stop finalization")
	fs.Float32Var(&cfg.BlankPenalty, "blank-penalty", cfg.BlankPenalty, "base blank penalty passed to the engine at configure time")
	fs.StringVar(&cfg.NormalizeMode, "normalize-mode", cfg.NormalizeMode, "audio normalization: per_chunk, running, or none")
	fs.Float32Var(&cfg.PreGain, "pre-gain", cfg.PreGain, "linear gain applied before normalization")
	fs.Float32Var(&cfg.GateThreshold, "gate-threshold", cfg.GateThreshold, "RMS silence gate threshold (0 disables)")
	fs.BoolVar(&cfg.FilterJunk, "filter-junk", cfg.FilterJunk, "suppress punctuation-only hypotheses")

	var werThreshold float32
	var werThresholdSet bool
	fs.Float32Var(&werThreshold, "wer-threshold", 0, "exit non-zero if aggregate WER exceeds this value")

	fs.BoolVar(&cfg.VerboseStop, "verbose-stop", cfg.VerboseStop, "treat a missing post-phase stop_stats as a stop_stats_timeout error")
	fs.Int64Var(&cfg.SmokeSeed, "smoke-seed", cfg.SmokeSeed, "seed for deterministic smoke sampling (0 = time-based)")
	fs.BoolVar(&cfg.SmokeLock, "smoke-lock", cfg.SmokeLock, "write the selected smoke set to smoke_last.json")
	fs.BoolVar(&cfg.SmokeUseLast, "smoke-use-last", cfg.SmokeUseLast, "reuse the ids recorded in smoke_last.json instead of resampling")
	fs.StringSliceVar(&cfg.IDs, "ids", cfg.IDs, "explicit utterance ids to run, overrides sampling")
	fs.StringSliceVar(&cfg.DebugIDs, "debug-ids", cfg.DebugIDs, "utterance ids to log at debug verbosity")

	fs.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "address to serve /metrics on (empty disables)")
	fs.StringVar(&cfg.ResultsDSN, "results-dsn", cfg.ResultsDSN, "optional Postgres DSN mirroring results rows")

	fs.StringVar(&cfg.Transport, "transport", cfg.Transport, "none or ws: relay the engine wire contract to a monitor over websocket")
	fs.StringVar(&cfg.WSAddr, "ws-addr", cfg.WSAddr, "address the websocket monitor relay listens on when --transport ws is set")

	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	if configPath != "" {
		seeded, err := LoadYAMLDefaults(configPath, cfg)
		if err != nil {
			return cfg, fmt.Errorf("loading --config %s: %w", configPath, err)
		}
		cfg = seeded
		if err := fs.Parse(args); err != nil {
			return cfg, err
		}
	}

	if fs.Changed("backpressure") {
		cfg.Backpressure = &backpressure
	}
	if fs.Changed("wer-threshold") {
		werThresholdSet = true
	}
	if werThresholdSet {
		cfg.WerThreshold = &werThreshold
	}

	if cfg.Dataset == "" {
		return cfg, fmt.Errorf("--dataset is required")
	}
	return cfg, nil
}
