// Package protocol defines the wire-level vocabulary the streaming engine
// and its callers exchange: signals flowing in, typed events flowing out,
// and the sequence-number matching rule that ties them to one utterance.
package protocol

import "encoding/json"

// Signal is the closed set of things a caller may send to the engine.
// Go has no sum type, so the set is closed with an unexported marker
// method instead of a type tag; callers switch on a type assertion or the
// Kind() string.
type Signal interface {
	signal()
	Kind() string
}

// AudioSignal carries one chunk of PCM samples, already decoded to float32.
// TimestampUs is microseconds and must advance monotonically per utterance
// regardless of realtime pacing.
type AudioSignal struct {
	SampleRate  int
	Channels    int
	TimestampUs int64
	Data        []float32
}

func (AudioSignal) signal() {}
func (AudioSignal) Kind() string { return "audio" }

// ControlSignal wraps one ControlKind variant.
type ControlSignal struct {
	Control ControlKind
}

func (ControlSignal) signal() {}
func (c ControlSignal) Kind() string { return "control:" + c.Control.Kind() }

// PulseSignal is the idle tick used to drain the engine's internal queue
// without feeding it anything new.
type PulseSignal struct{}

func (PulseSignal) signal() {}
func (PulseSignal) Kind() string { return "pulse" }

// ComputedSignal is a typed event emitted by the engine. Source names one
// of the recognized wire sources (stt_partial, stt_final, ...); Content is
// the raw JSON payload, decoded by the caller into the matching struct
// below.
type ComputedSignal struct {
	Source  string
	Content json.RawMessage
}

func (ComputedSignal) signal() {}
func (c ComputedSignal) Kind() string { return "computed:" + c.Source }

// ControlKind is the closed set of control messages a Settings/Reset/Stop
// action may carry.
type ControlKind interface {
	controlKind()
	Kind() string
}

// SettingsControl carries the recognized settings map.
// Values are left as map[string]any since the settings vocabulary is
// extensible and the engine is a black box that may ignore unknown keys.
type SettingsControl struct {
	Action   string // "configure", "reset", or "stop"
	Settings map[string]any
}

func (SettingsControl) controlKind() {}
func (SettingsControl) Kind() string { return "settings" }

// ResetControl begins a new utterance.
type ResetControl struct {
	UtteranceID  string
	UtteranceSeq uint64
	OfflineMode  bool
}

func (ResetControl) controlKind() {}
func (ResetControl) Kind() string { return "reset" }

// StopControl ends the current utterance's feeding phase.
type StopControl struct{}

func (StopControl) controlKind() {}
func (StopControl) Kind() string { return "stop" }

// Recognized Computed.Source values.
const (
	SourcePartial      = "stt_partial"
	SourceFinal        = "stt_final"
	SourceError        = "stt_error"
	SourceEndpoint     = "stt_endpoint"
	SourceAudioDropped = "stt_audio_dropped"
	SourceMetrics      = "stt_metrics"
	SourceChunkAck     = "stt_chunk_ack"
	SourceSlowChunk    = "stt_slow_chunk"
	SourceStopStats    = "stt_stop_stats"
	SourceResetAck     = "stt_reset_ack"
)

// SttEvent is the payload for stt_partial/stt_final/stt_error/stt_endpoint/
// stt_audio_dropped.
type SttEvent struct {
	Kind            string `json:"kind"`
	Text            string `json:"text"`
	Message         string `json:"message"`
	UtteranceSeq    uint64 `json:"utterance_seq"`
	Code            string `json:"code"`
	TCaptureEndMs   int64  `json:"t_capture_end_ms"`
	TDspDoneMs      int64  `json:"t_dsp_done_ms"`
	TInferDoneMs    int64  `json:"t_infer_done_ms"`
	QAudioLen       int    `json:"q_audio_len"`
	QAudioAgeMs     int64  `json:"q_audio_age_ms"`
	QStagingSamples int    `json:"q_staging_samples"`
	QStagingMs      int64  `json:"q_staging_ms"`
}

// SttMetrics is the payload for stt_metrics.
type SttMetrics struct {
	UtteranceSeq uint64  `json:"utterance_seq"`
	LatencyMs    int64   `json:"latency_ms"`
	DecodeMs     int64   `json:"decode_ms"`
	Rtf          float64 `json:"rtf"`
}

// ChunkAck is the payload for stt_chunk_ack.
type ChunkAck struct {
	UtteranceSeq uint64 `json:"utterance_seq"`
	ChunkIdx     uint64 `json:"chunk_idx"`
}

// SlowChunk is the payload for stt_slow_chunk.
type SlowChunk struct {
	UtteranceSeq  uint64 `json:"utterance_seq"`
	FeatureIdx    uint64 `json:"feature_idx"`
	AudioChunkIdx uint64 `json:"audio_chunk_idx"`
	DecodeMs      int64  `json:"decode_ms"`
	QueueMs       *int64 `json:"queue_ms,omitempty"`
	EncShape      string `json:"enc_shape"`
	LengthShape   string `json:"length_shape"`
	ProfileIdx    int    `json:"profile_idx"`
	PostStop      bool   `json:"post_stop"`
	OfflineMode   bool   `json:"offline_mode"`
}

// StopStats is the payload for stt_stop_stats. Phase is "pre" or "post";
// post supersedes pre.
type StopStats struct {
	SchemaVersion          int              `json:"schema_version"`
	Phase                  string           `json:"phase"`
	ID                     string           `json:"id"`
	UtteranceSeq           uint64           `json:"utterance_seq"`
	StagingSamples         int              `json:"staging_samples"`
	QueuedBefore           int              `json:"queued_before"`
	QueuedAfter            int              `json:"queued_after"`
	OfflineFrames          int              `json:"offline_frames"`
	TailFlushDecodes       int              `json:"tail_flush_decodes"`
	PostStopDecodeIters    int              `json:"post_stop_decode_iters"`
	PostStopEvents         int              `json:"post_stop_events"`
	FinalBlankPenaltyDelta float32          `json:"final_blank_penalty_delta"`
	Emitted                map[string]int64 `json:"emitted"`
	Suppressed             map[string]int64 `json:"suppressed"`
	TimingMarksMs          map[string]int64 `json:"timing_marks_ms"`
	SlowChunkCount         int              `json:"slow_chunk_count"`
	SlowestChunkMs         int64            `json:"slowest_chunk_ms"`
	LastAudioChunkIdx      uint64           `json:"last_audio_chunk_idx"`
	LastFeatureChunkIdx    uint64           `json:"last_feature_chunk_idx"`
	AbortReason            *string          `json:"abort_reason,omitempty"`
}

// IsPre reports whether this is the pre-stop phase.
func (s StopStats) IsPre() bool { return s.Phase == "pre" }

// IsPost reports whether this is the post-stop phase.
func (s StopStats) IsPost() bool { return s.Phase == "post" }

// ResetAck is the payload for stt_reset_ack.
type ResetAck struct {
	UtteranceSeq uint64 `json:"utterance_seq"`
	DrainedAudio int    `json:"drained_audio"`
	CtrlQueued   int    `json:"ctrl_queued"`
	OfflineMode  bool   `json:"offline_mode"`
}
