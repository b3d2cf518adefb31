package backpressure

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/lokutor-ai/parakeet-streamtest/internal/engine"
	"github.com/lokutor-ai/parakeet-streamtest/internal/logging"
	"github.com/lokutor-ai/parakeet-streamtest/internal/protocol"
)

type flakyEngine struct {
	failuresLeft int
}

func (f *flakyEngine) Close() error { return nil }

func (f *flakyEngine) Process(ctx context.Context, sig protocol.Signal) (protocol.Signal, bool, error) {
	if _, ok := sig.(protocol.AudioSignal); ok && f.failuresLeft > 0 {
		f.failuresLeft--
		return nil, false, engine.ErrBackpressureFull
	}
	return nil, false, nil
}

type alwaysFullEngine struct{}

func (alwaysFullEngine) Close() error { return nil }
func (alwaysFullEngine) Process(ctx context.Context, sig protocol.Signal) (protocol.Signal, bool, error) {
	return nil, false, engine.ErrBackpressureFull
}

func TestProcessAudioWithBackpressureSucceedsAfterRetries(t *testing.T) {
	eng := &flakyEngine{failuresLeft: 3}
	err := ProcessAudioWithBackpressure(context.Background(), eng, protocol.AudioSignal{}, Params{
		RetrySleep: time.Microsecond,
		Timeout:    time.Second,
	}, logging.NoOpLogger{})
	if err != nil {
		t.Fatalf("expected eventual success, got %v", err)
	}
}

func TestProcessAudioWithBackpressureTimesOut(t *testing.T) {
	err := ProcessAudioWithBackpressure(context.Background(), alwaysFullEngine{}, protocol.AudioSignal{}, Params{
		ID:           "u1",
		UtteranceSeq: 5,
		ChunkIdx:     3,
		RetrySleep:   time.Microsecond,
		Timeout:      5 * time.Millisecond,
	}, logging.NoOpLogger{})
	if err == nil {
		t.Fatalf("expected a timeout error")
	}
	var detail *TimeoutDetail
	if !errors.As(err, &detail) {
		t.Fatalf("expected *TimeoutDetail, got %T: %v", err, err)
	}
	if detail.ID != "u1" || detail.UtteranceSeq != 5 || detail.ChunkIdx != 3 {
		t.Fatalf("unexpected detail: %+v", detail)
	}
	if !errors.Is(err, ErrBackpressureTimeout) {
		t.Fatalf("expected errors.Is to match ErrBackpressureTimeout")
	}
}

func TestProcessAudioWithBackpressureRespectsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := ProcessAudioWithBackpressure(ctx, alwaysFullEngine{}, protocol.AudioSignal{}, Params{
		RetrySleep: time.Millisecond,
	}, logging.NoOpLogger{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
