// Package store mirrors results.jsonl rows into Postgres when
// --results-dsn is set: parse the dsn, build a pgxpool.Pool, ping,
// migrate a single flat results table.
package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ResultsStore is an additive sink for harness.Result rows; the JSONL/JSON
// file outputs remain authoritative, this is purely a queryable mirror.
type ResultsStore struct {
	pool *pgxpool.Pool
}

// NewResultsStore connects to dsn, pings it, and ensures the results table
// exists.
func NewResultsStore(ctx context.Context, dsn string) (*ResultsStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("results store: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("results store: ping: %w", err)
	}
	if err := migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("results store: migrate: %w", err)
	}
	return &ResultsStore{pool: pool}, nil
}

func migrate(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS asr_test_results (
	run_id       text NOT NULL,
	utterance_id text NOT NULL,
	utterance_seq bigint NOT NULL,
	status       text NOT NULL,
	wer          double precision,
	duration_ms  bigint NOT NULL,
	retried      boolean NOT NULL,
	payload      jsonb NOT NULL,
	inserted_at  timestamptz NOT NULL DEFAULT now(),
	PRIMARY KEY (run_id, utterance_id)
)`)
	return err
}

// Record is the subset of harness.Result the store needs, kept separate
// from the harness package so store has no import cycle back to it.
type Record struct {
	ID           string
	UtteranceSeq uint64
	Status       string
	Wer          float64
	DurationMs   int64
	Retried      bool
	Payload      any
}

// InsertResult upserts one row under runID, replacing any prior attempt for
// the same utterance in the same run.
func (s *ResultsStore) InsertResult(ctx context.Context, runID string, r Record) error {
	payload, err := json.Marshal(r.Payload)
	if err != nil {
		return fmt.Errorf("results store: marshal payload: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
INSERT INTO asr_test_results (run_id, utterance_id, utterance_seq, status, wer, duration_ms, retried, payload)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (run_id, utterance_id) DO UPDATE SET
	status = EXCLUDED.status,
	wer = EXCLUDED.wer,
	duration_ms = EXCLUDED.duration_ms,
	retried = EXCLUDED.retried,
	payload = EXCLUDED.payload,
	inserted_at = now()
`, runID, r.ID, r.UtteranceSeq, r.Status, r.Wer, r.DurationMs, r.Retried, payload)
	return err
}

// InsertResults inserts every record sequentially; the harness only calls
// this once per run against a small manifest, so a batch/pipeline isn't
// worth the complexity.
func (s *ResultsStore) InsertResults(ctx context.Context, runID string, records []Record) error {
	for _, r := range records {
		if err := s.InsertResult(ctx, runID, r); err != nil {
			return fmt.Errorf("results store: insert %s: %w", r.ID, err)
		}
	}
	return nil
}

// Close releases the underlying pool.
func (s *ResultsStore) Close() {
	s.pool.Close()
}
