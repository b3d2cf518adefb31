// Package fake provides a deterministic Engine used by every test and by
// `--engine fake` harness runs. It is not a simulation of decoder
// internals: it only honors the wire contract, scripted so callers can
// exercise every retry and poisoning path without a real acoustic model.
package fake

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/lokutor-ai/parakeet-streamtest/internal/engine"
	"github.com/lokutor-ai/parakeet-streamtest/internal/protocol"
)

// Script configures a fake Engine's behavior for one utterance lifetime.
type Script struct {
	// ReferenceText is tokenized on whitespace to build the revealed
	// hypothesis; one additional word is revealed every RevealEveryChunks
	// audio chunks.
	ReferenceText     string
	RevealEveryChunks int

	// TruncateAtWords caps the number of words ever revealed, simulating
	// a truncated hypothesis. 0 means no cap.
	TruncateAtWords int

	// EmptyFinal forces the final hypothesis to be empty even if words
	// were revealed, simulating the empty-hypothesis retry scenario.
	EmptyFinal bool

	// BackpressureFailures is the number of leading Process(Audio) calls
	// that return ErrBackpressureFull before the engine starts accepting
	// chunks.
	BackpressureFailures int

	// PoisonAfterChunks, if nonzero, emits a slow_chunk event after that
	// many chunks and withholds stop_stats(post) entirely, simulating the
	// stop_stats_timeout / worker-poisoning scenario.
	PoisonAfterChunks int
}

// Engine is the fake decoder. Controls are queued and only consumed when
// an audio chunk arrives, matching the real worker's chunk-boundary
// control handling; callers follow every control send with a tiny audio
// tick.
type Engine struct {
	script Script

	configured bool

	ctrl []protocol.ControlKind

	utteranceSeq uint64
	utteranceID  string
	offlineMode  bool
	active       bool

	chunkIdx     uint64
	backpressure int
	revealed     int

	pending []protocol.Signal
}

// New constructs a fake engine bound to script. Matches engine.Factory so
// the harness can rebuild a fresh instance after poisoning.
func New(script Script) engine.Factory {
	return func() (engine.Engine, error) {
		return &Engine{script: script}, nil
	}
}

func (e *Engine) Close() error { return nil }

func (e *Engine) Process(ctx context.Context, sig protocol.Signal) (protocol.Signal, bool, error) {
	switch s := sig.(type) {
	case protocol.ControlSignal:
		e.ctrl = append(e.ctrl, s.Control)
		return nil, false, nil
	case protocol.AudioSignal:
		return e.handleAudio(s)
	case protocol.PulseSignal:
		return e.drainOne()
	default:
		return nil, false, nil
	}
}

func (e *Engine) applyControl(c protocol.ControlKind) {
	switch ctl := c.(type) {
	case protocol.SettingsControl:
		if ctl.Action == "configure" {
			e.configured = true
		}
	case protocol.ResetControl:
		e.utteranceSeq = ctl.UtteranceSeq
		e.utteranceID = ctl.UtteranceID
		e.offlineMode = ctl.OfflineMode
		e.active = true
		e.chunkIdx = 0
		e.backpressure = e.script.BackpressureFailures
		e.revealed = 0
		e.pending = append(e.pending, e.computed(protocol.SourceResetAck, protocol.ResetAck{
			UtteranceSeq: e.utteranceSeq,
			OfflineMode:  e.offlineMode,
		}))
	case protocol.StopControl:
		e.active = false
		e.pending = append(e.pending, e.computed(protocol.SourceStopStats, e.stopStats("pre")))
		if e.script.PoisonAfterChunks == 0 || e.chunkIdx < uint64(e.script.PoisonAfterChunks) {
			e.pending = append(e.pending, e.finalSignal())
			e.pending = append(e.pending, e.computed(protocol.SourceStopStats, e.stopStats("post")))
		}
	}
}

func (e *Engine) handleAudio(a protocol.AudioSignal) (protocol.Signal, bool, error) {
	if e.backpressure > 0 {
		e.backpressure--
		return nil, false, engine.ErrBackpressureFull
	}
	if len(e.ctrl) > 0 {
		for _, c := range e.ctrl {
			e.applyControl(c)
		}
		e.ctrl = nil
		// The chunk that forced control consumption is a tick, not
		// utterance audio: chunk indexing starts at the first chunk after
		// reset_ack.
		return nil, false, nil
	}
	if !e.active {
		return nil, false, nil
	}
	e.chunkIdx++
	e.pending = append(e.pending, e.computed(protocol.SourceChunkAck, protocol.ChunkAck{
		UtteranceSeq: e.utteranceSeq,
		ChunkIdx:     e.chunkIdx,
	}))

	words := strings.Fields(e.script.ReferenceText)
	if e.script.RevealEveryChunks > 0 && int(e.chunkIdx)%e.script.RevealEveryChunks == 0 && e.revealed < len(words) {
		e.revealed++
	}
	if e.script.TruncateAtWords > 0 && e.revealed > e.script.TruncateAtWords {
		e.revealed = e.script.TruncateAtWords
	}
	if e.revealed > 0 {
		text := strings.Join(words[:e.revealed], " ")
		e.pending = append(e.pending, e.computed(protocol.SourcePartial, protocol.SttEvent{
			Kind:         "partial",
			Text:         text,
			UtteranceSeq: e.utteranceSeq,
		}))
	}
	if e.script.PoisonAfterChunks > 0 && int(e.chunkIdx) == e.script.PoisonAfterChunks {
		e.pending = append(e.pending, e.computed(protocol.SourceSlowChunk, protocol.SlowChunk{
			UtteranceSeq:  e.utteranceSeq,
			AudioChunkIdx: e.chunkIdx,
			DecodeMs:      500,
		}))
	}
	return nil, false, nil
}

func (e *Engine) drainOne() (protocol.Signal, bool, error) {
	if len(e.pending) == 0 {
		return nil, false, nil
	}
	next := e.pending[0]
	e.pending = e.pending[1:]
	return next, true, nil
}

func (e *Engine) finalSignal() protocol.Signal {
	words := strings.Fields(e.script.ReferenceText)
	text := ""
	if !e.script.EmptyFinal && e.revealed > 0 {
		text = strings.Join(words[:e.revealed], " ")
	}
	return e.computed(protocol.SourceFinal, protocol.SttEvent{
		Kind:         "final",
		Text:         text,
		UtteranceSeq: e.utteranceSeq,
	})
}

func (e *Engine) stopStats(phase string) protocol.StopStats {
	return protocol.StopStats{
		SchemaVersion:       1,
		Phase:               phase,
		ID:                  e.utteranceID,
		UtteranceSeq:        e.utteranceSeq,
		LastAudioChunkIdx:   e.chunkIdx,
		LastFeatureChunkIdx: e.chunkIdx,
	}
}

func (e *Engine) computed(source string, payload any) protocol.ComputedSignal {
	raw, _ := json.Marshal(payload)
	return protocol.ComputedSignal{Source: source, Content: raw}
}
