package fake

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/lokutor-ai/parakeet-streamtest/internal/engine"
	"github.com/lokutor-ai/parakeet-streamtest/internal/protocol"
)

// tick forces the engine to service its queued controls: a one-sample
// zero chunk, the same nudge the harness driver sends after every control.
func tick(t *testing.T, e engine.Engine) {
	t.Helper()
	if _, _, err := e.Process(context.Background(), protocol.AudioSignal{SampleRate: 16000, Channels: 1, Data: []float32{0}}); err != nil {
		t.Fatalf("control tick: %v", err)
	}
}

func drainAll(t *testing.T, e engine.Engine) []protocol.Signal {
	t.Helper()
	var out []protocol.Signal
	for {
		sig, ok, err := e.Process(context.Background(), protocol.PulseSignal{})
		if err != nil {
			t.Fatalf("unexpected error draining: %v", err)
		}
		if !ok {
			return out
		}
		out = append(out, sig)
	}
}

func TestFakeEngineHappyPath(t *testing.T) {
	factory := New(Script{ReferenceText: "the quick brown fox", RevealEveryChunks: 1})
	eng, err := factory()
	if err != nil {
		t.Fatalf("factory: %v", err)
	}
	ctx := context.Background()
	eng.Process(ctx, protocol.ControlSignal{Control: protocol.SettingsControl{Action: "configure"}})
	eng.Process(ctx, protocol.ControlSignal{Control: protocol.ResetControl{UtteranceID: "u1", UtteranceSeq: 7}})
	tick(t, eng)

	events := drainAll(t, eng)
	if len(events) != 1 {
		t.Fatalf("expected exactly one reset_ack, got %d", len(events))
	}
	cs := events[0].(protocol.ComputedSignal)
	if cs.Source != protocol.SourceResetAck {
		t.Fatalf("expected reset_ack, got %s", cs.Source)
	}

	for i := 0; i < 4; i++ {
		if _, _, err := eng.Process(ctx, protocol.AudioSignal{Data: []float32{0}}); err != nil {
			t.Fatalf("audio %d: %v", i, err)
		}
	}
	events = drainAll(t, eng)
	var gotPartial, gotAck bool
	for _, ev := range events {
		cs := ev.(protocol.ComputedSignal)
		if cs.Source == protocol.SourcePartial {
			gotPartial = true
		}
		if cs.Source == protocol.SourceChunkAck {
			gotAck = true
		}
	}
	if !gotPartial || !gotAck {
		t.Fatalf("expected partial and chunk_ack events, got %v", events)
	}

	eng.Process(ctx, protocol.ControlSignal{Control: protocol.StopControl{}})
	tick(t, eng)
	events = drainAll(t, eng)
	var sawPre, sawPost, sawFinal bool
	for _, ev := range events {
		cs := ev.(protocol.ComputedSignal)
		switch cs.Source {
		case protocol.SourceStopStats:
			var ss protocol.StopStats
			if err := json.Unmarshal(cs.Content, &ss); err != nil {
				t.Fatalf("decoding stop_stats: %v", err)
			}
			sawPre = sawPre || ss.IsPre()
			sawPost = sawPost || ss.IsPost()
		case protocol.SourceFinal:
			sawFinal = true
		}
	}
	if !sawFinal {
		t.Fatalf("expected a final event, got %v", events)
	}
	if !sawPre || !sawPost {
		t.Fatalf("expected pre and post stop_stats, got pre=%v post=%v", sawPre, sawPost)
	}
}

func TestFakeEngineDoubleResetAcksTwice(t *testing.T) {
	factory := New(Script{ReferenceText: "hi"})
	eng, _ := factory()
	ctx := context.Background()
	reset := protocol.ControlSignal{Control: protocol.ResetControl{UtteranceID: "u1", UtteranceSeq: 9}}
	eng.Process(ctx, reset)
	eng.Process(ctx, reset)
	tick(t, eng)

	acks := 0
	for _, ev := range drainAll(t, eng) {
		cs := ev.(protocol.ComputedSignal)
		if cs.Source != protocol.SourceResetAck {
			continue
		}
		var ack protocol.ResetAck
		if err := json.Unmarshal(cs.Content, &ack); err != nil {
			t.Fatalf("decoding reset_ack: %v", err)
		}
		if ack.UtteranceSeq != 9 {
			t.Fatalf("reset_ack seq = %d, want 9", ack.UtteranceSeq)
		}
		acks++
	}
	if acks != 2 {
		t.Fatalf("expected exactly two reset_ack events, got %d", acks)
	}
}

func TestFakeEngineBackpressure(t *testing.T) {
	factory := New(Script{ReferenceText: "hi", BackpressureFailures: 2})
	eng, _ := factory()
	ctx := context.Background()
	eng.Process(ctx, protocol.ControlSignal{Control: protocol.ResetControl{UtteranceSeq: 1}})
	tick(t, eng)
	drainAll(t, eng)

	_, _, err := eng.Process(ctx, protocol.AudioSignal{Data: []float32{0}})
	if err != engine.ErrBackpressureFull {
		t.Fatalf("expected ErrBackpressureFull, got %v", err)
	}
	_, _, err = eng.Process(ctx, protocol.AudioSignal{Data: []float32{0}})
	if err != engine.ErrBackpressureFull {
		t.Fatalf("expected ErrBackpressureFull on second try, got %v", err)
	}
	_, _, err = eng.Process(ctx, protocol.AudioSignal{Data: []float32{0}})
	if err != nil {
		t.Fatalf("expected success on third try, got %v", err)
	}
}

// Controls queue until audio arrives: a pulse alone must not surface the
// reset_ack.
func TestFakeEngineControlsWaitForAudioTick(t *testing.T) {
	factory := New(Script{ReferenceText: "hi"})
	eng, _ := factory()
	ctx := context.Background()
	eng.Process(ctx, protocol.ControlSignal{Control: protocol.ResetControl{UtteranceSeq: 2}})

	if events := drainAll(t, eng); len(events) != 0 {
		t.Fatalf("expected no events before the control tick, got %d", len(events))
	}
	tick(t, eng)
	events := drainAll(t, eng)
	if len(events) != 1 {
		t.Fatalf("expected exactly one reset_ack after the tick, got %d", len(events))
	}
	if cs := events[0].(protocol.ComputedSignal); cs.Source != protocol.SourceResetAck {
		t.Fatalf("expected reset_ack, got %s", cs.Source)
	}
}
