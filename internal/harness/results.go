package harness

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Status values recorded in results.jsonl rows.
const (
	StatusOK                = "ok"
	StatusStopStatsMissing  = "stop_stats_missing_only"
	StatusTruncation        = "truncation"
	StatusEmptyHyp          = "empty_hyp"
	StatusNoFinal           = "no_final"
	StatusSttError          = "stt_error"
)

// Result is one row of results.jsonl: `{id, wav, reference, hypothesis,
// status, wer, partials?, metrics?, error?}` plus engineering fields
// (utterance_seq, duration_ms, retried, offline) useful when debugging a
// run.
type Result struct {
	ID           string       `json:"id"`
	Wav          string       `json:"wav"`
	UtteranceSeq uint64       `json:"utterance_seq"`
	Reference    string       `json:"reference"`
	Hypothesis   string       `json:"hypothesis,omitempty"`
	Status       string       `json:"status"`
	Wer          *WerResult   `json:"wer,omitempty"`
	Partials     []string     `json:"partials,omitempty"`
	Metrics      *PassMetrics `json:"metrics,omitempty"`
	Error        string       `json:"error,omitempty"`
	DurationMs   int64        `json:"duration_ms"`
	Retried      bool         `json:"retried"`
	Offline      bool         `json:"offline"`
}

// PassMetrics carries the last stt_metrics event observed during the
// winning pass, surfaced in results.jsonl.
type PassMetrics struct {
	LatencyMs int64   `json:"latency_ms"`
	DecodeMs  int64   `json:"decode_ms"`
	Rtf       float64 `json:"rtf"`
	Retries   int     `json:"retries"`
}

// Summary is the summary.json schema: `{total, ok, failures, empty_hyp,
// no_final, stt_error, truncation, stop_stats_missing, aggregate_wer,
// sum_edits, sum_ref_words}`.
type Summary struct {
	Total            int     `json:"total"`
	OK               int     `json:"ok"`
	Failures         int     `json:"failures"`
	EmptyHyp         int     `json:"empty_hyp"`
	NoFinal          int     `json:"no_final"`
	SttError         int     `json:"stt_error"`
	Truncation       int     `json:"truncation"`
	StopStatsMissing int     `json:"stop_stats_missing"`
	AggregateWER     float64 `json:"aggregate_wer"`
	SumEdits         int     `json:"sum_edits"`
	SumRefWords      int     `json:"sum_ref_words"`
}

// WriteResults persists results as newline-delimited JSON, one row per
// utterance (retries folded in) in the order of the results slice.
func WriteResults(outDir string, results []Result) error {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return err
	}
	f, err := os.Create(filepath.Join(outDir, "results.jsonl"))
	if err != nil {
		return err
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	for _, r := range results {
		if err := enc.Encode(r); err != nil {
			return err
		}
	}
	return nil
}

// Summarize computes the aggregate Summary over results. Errored
// utterances are excluded from the ok count but still contribute to
// sum_edits / sum_ref_words, and aggregate WER equals
// sum_edits / sum_ref_words exactly.
func Summarize(results []Result) Summary {
	s := Summary{Total: len(results)}
	for _, r := range results {
		switch r.Status {
		case StatusOK:
			s.OK++
		case StatusStopStatsMissing:
			s.OK++
			s.StopStatsMissing++
		case StatusEmptyHyp:
			s.Failures++
			s.EmptyHyp++
		case StatusNoFinal:
			s.Failures++
			s.NoFinal++
		case StatusSttError:
			s.Failures++
			s.SttError++
		case StatusTruncation:
			s.Failures++
			s.Truncation++
		default:
			if r.Error != "" {
				s.Failures++
			}
		}
		if r.Wer != nil && r.Wer.RefWords > 0 {
			s.SumEdits += r.Wer.Substitutions + r.Wer.Deletions + r.Wer.Insertions
			s.SumRefWords += r.Wer.RefWords
		}
	}
	if s.SumRefWords > 0 {
		s.AggregateWER = float64(s.SumEdits) / float64(s.SumRefWords)
	}
	return s
}

// WriteSummary persists Summary as summary.json.
func WriteSummary(outDir string, s Summary) error {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(outDir, "summary.json"), data, 0o644)
}

// PrintSummaryTable returns a short human-readable one-line summary, the
// console-facing companion to summary.json.
func PrintSummaryTable(s Summary) string {
	return fmt.Sprintf(
		"total=%d ok=%d failures=%d empty_hyp=%d no_final=%d stt_error=%d truncation=%d stop_stats_missing=%d aggregate_wer=%.4f",
		s.Total, s.OK, s.Failures, s.EmptyHyp, s.NoFinal, s.SttError, s.Truncation, s.StopStatsMissing, s.AggregateWER,
	)
}
