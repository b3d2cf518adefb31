// Command asrtest runs the streaming speech-to-text evaluation harness
// against a manifest or dataset directory, producing results.jsonl and
// summary.json: load .env, resolve config, build the worker pool, run,
// report.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lokutor-ai/parakeet-streamtest/internal/engine"
	"github.com/lokutor-ai/parakeet-streamtest/internal/engine/fake"
	"github.com/lokutor-ai/parakeet-streamtest/internal/harness"
	"github.com/lokutor-ai/parakeet-streamtest/internal/logging"
	"github.com/lokutor-ai/parakeet-streamtest/internal/store"
	"github.com/lokutor-ai/parakeet-streamtest/internal/telemetry"
	"github.com/lokutor-ai/parakeet-streamtest/internal/wsrelay"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "[asr_test] %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	_ = godotenv.Load()

	cfg, err := harness.ParseFlags(args, harness.DefaultConfig().ApplyEnv())
	if err != nil {
		return fmt.Errorf("parsing flags: %w", err)
	}

	logger := logging.NewStdLogger("asr_test")
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	rows, err := harness.LoadManifest(cfg.Dataset)
	if err != nil {
		return fmt.Errorf("loading dataset: %w", err)
	}

	if cfg.Mode == "manifest" {
		if err := os.MkdirAll(cfg.OutDir, 0o755); err != nil {
			return fmt.Errorf("creating --out-dir: %w", err)
		}
		path := filepath.Join(cfg.OutDir, "manifest.jsonl")
		if err := harness.WriteManifest(path, rows); err != nil {
			return fmt.Errorf("writing manifest.jsonl: %w", err)
		}
		logger.Info("manifest written", "path", path, "rows", len(rows))
		return nil
	}

	rows = selectRows(cfg, rows, logger)
	if cfg.Limit > 0 && len(rows) > cfg.Limit {
		rows = rows[:cfg.Limit]
	}
	logger.Info("selected utterances", "count", len(rows))

	factory, err := resolveEngine(cfg)
	if err != nil {
		return err
	}

	pool, err := harness.NewPool(cfg.Jobs, factory, logger)
	if err != nil {
		return fmt.Errorf("building worker pool: %w", err)
	}
	defer pool.Close()

	gpu := telemetry.NewIfEnabled(telemetry.HostSampler{})
	driver := harness.NewDriver(cfg, logger, gpu)

	tp := telemetry.NewTracerProvider()
	defer func() { _ = tp.Shutdown(context.Background()) }()
	driver.SetTracer(telemetry.NewPassTracer(tp))

	var relay *wsrelay.Relay
	if cfg.Transport == "ws" {
		relay = wsrelay.NewRelay(logger)
		driver.SetRelay(relay)
		srv := &http.Server{Addr: cfg.WSAddr, Handler: relay}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("ws monitor relay stopped", "error", err)
			}
		}()
		defer srv.Close()
		logger.Info("websocket monitor relay listening", "addr", cfg.WSAddr)
	}

	var metrics *telemetry.Metrics
	if cfg.MetricsAddr != "" {
		reg := prometheus.NewRegistry()
		metrics = telemetry.NewMetrics(reg)
		driver.SetMetrics(metrics)
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server stopped", "error", err)
			}
		}()
		defer srv.Close()
		logger.Info("metrics listening", "addr", cfg.MetricsAddr)
	}

	results, err := driver.RunManifest(ctx, pool, rows)
	if err != nil {
		logger.Error("manifest run aborted", "error", err)
	}

	if metrics != nil {
		metrics.UpdateFromGPU(gpu)
		metrics.WorkerRestartsTotal.Add(float64(pool.Restarts()))
	}

	if err := harness.WriteResults(cfg.OutDir, results); err != nil {
		return fmt.Errorf("writing results.jsonl: %w", err)
	}
	summary := harness.Summarize(results)
	if err := harness.WriteSummary(cfg.OutDir, summary); err != nil {
		return fmt.Errorf("writing summary.json: %w", err)
	}
	fmt.Println(harness.PrintSummaryTable(summary))

	if cfg.SmokeLock && cfg.Mode == "smoke" {
		ids := make([]string, len(rows))
		for i, r := range rows {
			ids[i] = r.ID
		}
		params := harness.SmokeLastParams{
			SmokeN:       cfg.SmokeN,
			BlankPenalty: cfg.BlankPenalty,
			EosPadMs:     cfg.EosPadMs,
			ChunkMs:      cfg.ChunkMs,
		}
		if cfg.SmokeSeed != 0 {
			seed := cfg.SmokeSeed
			params.SmokeSeed = &seed
		}
		last := harness.SmokeLast{
			Dataset:  cfg.Dataset,
			Engine:   cfg.Engine,
			Mode:     cfg.Mode,
			LockedAt: time.Now().UTC().Format(time.RFC3339),
			Params:   params,
			IDs:      ids,
		}
		if err := harness.WriteSmokeLast(cfg.OutDir, last); err != nil {
			logger.Error("writing smoke_last.json", "error", err)
		}
	}

	if cfg.ResultsDSN != "" {
		if err := mirrorToStore(ctx, cfg.ResultsDSN, results); err != nil {
			logger.Error("results store mirror failed", "error", err)
		}
	}

	if cfg.WerThreshold != nil && summary.AggregateWER > float64(*cfg.WerThreshold) {
		return fmt.Errorf("aggregate_wer %.4f exceeds --wer-threshold %.4f", summary.AggregateWER, *cfg.WerThreshold)
	}
	return nil
}

// selectRows applies --ids, --smoke-use-last, or fresh smoke sampling,
// in that priority order.
func selectRows(cfg harness.Config, rows []harness.Utterance, logger logging.Logger) []harness.Utterance {
	if len(cfg.IDs) > 0 {
		return harness.SelectByIDs(rows, cfg.IDs)
	}
	if cfg.Mode != "smoke" {
		return rows
	}
	if cfg.SmokeUseLast {
		last, err := harness.ReadSmokeLast(cfg.OutDir)
		if err != nil {
			logger.Error("reading smoke_last.json", "error", err)
		} else if last != nil {
			return harness.SelectByIDs(rows, last.IDs)
		}
	}
	seed := cfg.SmokeSeed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return harness.SelectSmoke(rows, seed, cfg.SmokeN)
}

// resolveEngine builds the engine.Factory for cfg.Engine. The real
// "parakeet" decoder is referenced only through the engine.Engine
// interface, so selecting it without a real-engine build is a
// configuration error rather than a silent fallback to the fake engine.
func resolveEngine(cfg harness.Config) (engine.Factory, error) {
	switch cfg.Engine {
	case "fake":
		return fake.New(fake.Script{ReferenceText: "the quick brown fox jumps over the lazy dog", RevealEveryChunks: 2}), nil
	case "parakeet":
		return nil, fmt.Errorf("engine %q requires a real-engine build tag not present in this build; use --engine fake", cfg.Engine)
	default:
		return nil, fmt.Errorf("unknown --engine %q", cfg.Engine)
	}
}

func mirrorToStore(ctx context.Context, dsn string, results []harness.Result) error {
	s, err := store.NewResultsStore(ctx, dsn)
	if err != nil {
		return err
	}
	defer s.Close()

	records := make([]store.Record, len(results))
	for i, r := range results {
		wer := 0.0
		if r.Wer != nil {
			wer = r.Wer.WER
		}
		records[i] = store.Record{
			ID:           r.ID,
			UtteranceSeq: r.UtteranceSeq,
			Status:       r.Status,
			Wer:          wer,
			DurationMs:   r.DurationMs,
			Retried:      r.Retried,
			Payload:      r,
		}
	}
	return s.InsertResults(ctx, runID(), records)
}

// runID identifies one invocation's rows in the results table; a PID is
// unique for the life of the process, which is all one run needs.
func runID() string {
	return fmt.Sprintf("pid-%d", os.Getpid())
}
