package harness

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lokutor-ai/parakeet-streamtest/internal/backpressure"
	"github.com/lokutor-ai/parakeet-streamtest/internal/engine"
	"github.com/lokutor-ai/parakeet-streamtest/internal/logging"
	"github.com/lokutor-ai/parakeet-streamtest/internal/protocol"
	"github.com/lokutor-ai/parakeet-streamtest/internal/stabilizer"
	"github.com/lokutor-ai/parakeet-streamtest/internal/telemetry"
	"github.com/lokutor-ai/parakeet-streamtest/internal/wsrelay"
)

// Driver runs one utterance at a time against a Worker's engine, the
// deterministic per-pass routine: configure, reset, wait reset_ack, feed
// with inflight gating and backpressure, eos_pad on truncation retry,
// flush, stop, drain until final.
type Driver struct {
	cfg      Config
	logger   logging.Logger
	gpu      *telemetry.GPUTelemetry
	relay    *wsrelay.Relay
	tracer   *telemetry.PassTracer
	metrics  *telemetry.Metrics
	debugIDs map[string]bool
}

func NewDriver(cfg Config, logger logging.Logger, gpu *telemetry.GPUTelemetry) *Driver {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	debugIDs := make(map[string]bool, len(cfg.DebugIDs))
	for _, id := range cfg.DebugIDs {
		debugIDs[id] = true
	}
	return &Driver{cfg: cfg, logger: logger, gpu: gpu, debugIDs: debugIDs}
}

// SetRelay wires an optional websocket monitor relay (--transport ws); the
// driver broadcasts every ComputedSignal it observes when a relay is
// attached. Each broadcast is a synchronous write to every connected
// monitor.
func (d *Driver) SetRelay(r *wsrelay.Relay) { d.relay = r }

// SetTracer wires an optional OpenTelemetry pass tracer. Attributes
// only; it is never consulted for control flow.
func (d *Driver) SetTracer(t *telemetry.PassTracer) { d.tracer = t }

// SetMetrics wires the optional Prometheus collectors (--metrics-addr).
func (d *Driver) SetMetrics(m *telemetry.Metrics) { d.metrics = m }

// RunManifest drives every row in rows, fanning out across jobs workers
// when cfg.Jobs > 1 via errgroup, and returns results in manifest order
// regardless of completion order.
func (d *Driver) RunManifest(ctx context.Context, pool *Pool, rows []Utterance) ([]Result, error) {
	results := make([]Result, len(rows))
	jobs := d.cfg.Jobs
	if jobs < 1 {
		jobs = 1
	}

	// Goroutine k owns worker k and runs rows k, k+jobs, k+2*jobs, ...
	// sequentially, so no engine is ever driven by two passes at once.
	g, gctx := errgroup.WithContext(ctx)
	for k := 0; k < jobs; k++ {
		k := k
		g.Go(func() error {
			w := pool.Worker(k)
			for i := k; i < len(rows); i += jobs {
				res := d.RunOne(gctx, w, rows[i], uint64(i+1))
				results[i] = res
				if res.Status == StatusSttError {
					return fmt.Errorf("id=%s: %s", res.ID, res.Error)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return results, err
	}
	return results, nil
}

// passOutcome is everything runOneInner learns about a single pass beyond
// the winning hypothesis string, used by RunOne to classify the final
// status.
type passOutcome struct {
	hypothesis           string
	truncated            bool
	finalSeen            bool
	stopStatsMissingOnly bool
	poisoned             bool
	partials             []string
	metrics              *PassMetrics
	errEvent             string
}

// RunOne drives one utterance end to end, applying the retry policies
// (empty-hypothesis -> offline retry, truncation -> streaming retry with
// eos_pad) before giving up.
func (d *Driver) RunOne(ctx context.Context, w *Worker, u Utterance, seq uint64) Result {
	start := time.Now()
	res := Result{ID: u.ID, Wav: u.WavPath, UtteranceSeq: seq, Reference: u.Text}

	poison := func(reason error) {
		if perr := w.Poison(reason); perr != nil {
			d.logger.Error("worker rebuild failed", "id", u.ID, "error", perr)
		}
		d.logger.Warn("worker_restart", "id", u.ID, "reason", reason)
	}

	if len(u.PCM) == 0 {
		if err := u.LoadPCM(); err != nil {
			res.Error = err.Error()
			res.Status = StatusSttError
			res.DurationMs = time.Since(start).Milliseconds()
			return res
		}
	}

	// Even a failed pass reports whatever text it collected: the error
	// row still carries a hypothesis and a WER so the aggregate's
	// sum_edits / sum_ref_words include it.
	failWith := func(out passOutcome, err error) Result {
		if isPoisoning(err) {
			poison(err)
		}
		res.Hypothesis = out.hypothesis
		res.Partials = out.partials
		res.Metrics = out.metrics
		werResult := ComputeWER(u.Text, out.hypothesis)
		res.Wer = &werResult
		res.Error = err.Error()
		res.Status = StatusSttError
		res.DurationMs = time.Since(start).Milliseconds()
		return res
	}

	offline := d.cfg.Offline
	out, err := d.runOneInner(ctx, w, u, seq, offline, false)

	if err != nil {
		return failWith(out, err)
	}

	hyp := out.hypothesis
	stopStatsMissingOnly := out.stopStatsMissingOnly
	truncated := out.truncated
	poisonedPass := out.poisoned

	if strings.TrimSpace(hyp) == "" && !offline {
		d.logger.Warn("empty hypothesis, retrying offline", "id", u.ID)
		res.Retried = true
		out2, err2 := d.runOneInner(ctx, w, u, seq, true, false)
		offline = true
		if err2 != nil {
			return failWith(out2, err2)
		}
		poisonedPass = poisonedPass || out2.poisoned
		if strings.TrimSpace(out2.hypothesis) != "" || len(out2.hypothesis) > len(hyp) {
			hyp = out2.hypothesis
			truncated = out2.truncated
			stopStatsMissingOnly = out2.stopStatsMissingOnly
			out = out2
		}
	}

	if truncated && !offline {
		d.logger.Warn("truncated hypothesis, retrying with eos_pad", "id", u.ID)
		res.Retried = true
		out2, err2 := d.runOneInner(ctx, w, u, seq, false, true)
		if err2 != nil {
			// The retry's error never replaces the original pass's clean
			// result, but a poisoning failure still rebuilds the worker.
			// The rebuild also covers any poison carried over from the
			// first pass, so don't rebuild a second time below.
			if isPoisoning(err2) {
				poison(err2)
				poisonedPass = false
			}
		} else {
			poisonedPass = poisonedPass || out2.poisoned
		}
		if err2 == nil && wordCount(out2.hypothesis) > wordCount(hyp) {
			hyp = out2.hypothesis
			truncated = out2.truncated
			stopStatsMissingOnly = out2.stopStatsMissingOnly
			out = out2
		}
		if truncated {
			if last := lastNonEmptyRaw(out.partials); wordCount(last) > wordCount(hyp) {
				hyp = last
			}
		}
		if wordCount(hyp)*2 < wordCount(u.Text) && wordCount(hyp) > 0 {
			truncated = true
		} else {
			truncated = false
		}
	}

	if d.cfg.FilterJunk && IsJunkHypothesis(hyp) {
		hyp = ""
	}

	res.Hypothesis = hyp
	res.Offline = offline
	res.Partials = out.partials
	res.Metrics = out.metrics
	werResult := ComputeWER(u.Text, hyp)
	res.Wer = &werResult
	res.DurationMs = time.Since(start).Milliseconds()

	switch {
	case strings.TrimSpace(hyp) == "":
		res.Status = StatusEmptyHyp
	case truncated:
		res.Status = StatusTruncation
	case !out.finalSeen && !stopStatsMissingOnly:
		res.Status = StatusNoFinal
	case stopStatsMissingOnly:
		res.Status = StatusStopStatsMissing
	default:
		res.Status = StatusOK
	}

	// A slow_chunk or error event on an otherwise-successful pass still
	// poisons the worker: the next utterance must be served by a fresh
	// engine instance.
	if poisonedPass {
		poison(errors.New("slow_chunk"))
	}
	return res
}

func wordCount(s string) int { return len(strings.Fields(s)) }

// lastNonEmptyRaw returns the most recent non-blank raw partial, the
// fallback hypothesis source when no final or an empty final arrived, and
// when a truncated hypothesis has fewer words than the last partial.
func lastNonEmptyRaw(partials []string) string {
	for i := len(partials) - 1; i >= 0; i-- {
		if strings.TrimSpace(partials[i]) != "" {
			return partials[i]
		}
	}
	return ""
}

// runOneInner drives a single pass (no retries) and returns the best
// hypothesis observed plus whether it looks truncated (a non-empty
// hypothesis with fewer than half as many words as the reference).
func (d *Driver) runOneInner(ctx context.Context, w *Worker, u Utterance, seq uint64, offline, eosPad bool) (passOutcome, error) {
	passLabel := passLabelFor(offline, eosPad)
	if d.tracer != nil {
		var end func()
		ctx, end = d.tracer.EndablePass(ctx, u.ID, seq, passLabel)
		defer end()
	}
	utteranceCtx, cancel := context.WithTimeout(ctx, time.Duration(d.cfg.ResolvedUtteranceTimeoutMs())*time.Millisecond)
	defer cancel()

	eng := w.Engine()
	sink := stabilizer.NewTranscriptionSink(u.ID, stabilizer.New(stabilizer.ConfigFromEnv(), d.logger), d.logger)
	window := backpressure.NewWindow(uint64(d.cfg.InflightChunks))
	gate := NewSilenceGate(d.cfg.GateThreshold)

	state := protocol.Idle
	out := passOutcome{}
	var firstAudioSent, firstPartialSeen bool

	if err := d.configure(utteranceCtx, eng); err != nil {
		return out, err
	}

	state = state.Advance(protocol.TransitionReset)
	if err := d.resetAndAwaitAck(utteranceCtx, eng, u.ID, seq, offline); err != nil {
		return out, err
	}
	state = state.Advance(protocol.TransitionResetAck)
	d.gpuMark(u.ID, seq, "reset_ack")

	// The hypothesis is derived from the final event's own raw text, never
	// from the stabilizer's throttled display snapshot.
	var finalText *string
	var finalParts []string

	flush := func() {
		now := time.Now()
		sink.FlushPendingIfDue(now)
		if rep, due := sink.MaybeReportLatency(now); due {
			d.logger.Info("latency_report", "id", u.ID,
				"e2e_p50", rep.E2eP50, "e2e_p95", rep.E2eP95, "e2e_p99", rep.E2eP99,
				"cap_dsp_p50", rep.CapDspP50, "cap_dsp_p95", rep.CapDspP95, "cap_dsp_p99", rep.CapDspP99,
				"dsp_inf_p50", rep.DspInfP50, "dsp_inf_p95", rep.DspInfP95, "dsp_inf_p99", rep.DspInfP99,
				"inf_ui_p50", rep.InfUiP50, "inf_ui_p95", rep.InfUiP95, "inf_ui_p99", rep.InfUiP99,
				"stt_p50", rep.SttP50, "stt_p95", rep.SttP95, "stt_p99", rep.SttP99,
				"decode_p50", rep.DecodeP50, "decode_p95", rep.DecodeP95, "decode_p99", rep.DecodeP99,
				"q_audio_len_max", rep.QAudioLenMax, "q_audio_age_ms_max", rep.QAudioAgeMsMax,
				"q_staging_samples_max", rep.QStagingSamplesMax, "q_staging_ms_max", rep.QStagingMsMax)
		}
	}

	handleComputed := func(sig protocol.Signal) error {
		d.gpuSample()
		cs, ok := sig.(protocol.ComputedSignal)
		if !ok {
			return nil
		}
		if d.relay != nil {
			d.relay.Broadcast(ctx, wsrelay.Frame{ID: u.ID, UtteranceSeq: seq, Source: cs.Source, Content: cs.Content})
		}
		if d.debugIDs[u.ID] {
			d.logger.Debug("event", "id", u.ID, "source", cs.Source, "content", string(cs.Content))
		}
		var tagged struct {
			UtteranceSeq uint64 `json:"utterance_seq"`
		}
		if err := jsonUnmarshalLenient(cs.Content, &tagged); err == nil {
			if !protocol.MatchesUtteranceSeq(seq, tagged.UtteranceSeq) {
				d.logger.Warn("drop_event", "id", u.ID, "source", cs.Source, "target", seq, "got", tagged.UtteranceSeq)
				return nil
			}
		}
		if cs.Source == protocol.SourceChunkAck {
			window.RecordAck()
			return nil
		}
		if cs.Source == protocol.SourceSlowChunk || cs.Source == protocol.SourceError {
			state = state.Advance(protocol.TransitionErrorOrSlowChunk)
			d.gpuMark(u.ID, seq, "slow_chunk")
		}
		// sink.Consume still runs for its side effects (stabilizer display
		// state, latency sampling, slow_chunk/stop_stats logging); its
		// returned patch is display-only and is not the hypothesis source.
		if _, _, err := sink.Consume(sig, time.Now()); err != nil {
			return err
		}
		if cs.Source == protocol.SourcePartial || cs.Source == protocol.SourceFinal || cs.Source == protocol.SourceError {
			var ev protocol.SttEvent
			if err := jsonUnmarshalLenient(cs.Content, &ev); err != nil {
				return err
			}
			if cs.Source == protocol.SourceError {
				out.errEvent = firstNonEmpty(ev.Message, ev.Code, ev.Text, "stt_error")
			} else if cs.Source == protocol.SourcePartial {
				out.partials = append(out.partials, ev.Text)
				if !firstPartialSeen {
					firstPartialSeen = true
					d.gpuMark(u.ID, seq, "first_partial")
				}
			} else {
				trimmed := strings.TrimSpace(ev.Text)
				if trimmed == "" {
					if finalText == nil || strings.TrimSpace(*finalText) == "" {
						fallback := lastNonEmptyRaw(out.partials)
						finalText = &fallback
					}
				} else {
					if len(finalParts) == 0 || finalParts[len(finalParts)-1] != trimmed {
						finalParts = append(finalParts, trimmed)
					}
					text := ev.Text
					finalText = &text
				}
				if !out.finalSeen {
					out.finalSeen = true
					d.gpuMark(u.ID, seq, "first_final")
				}
			}
		}
		if cs.Source == protocol.SourceMetrics {
			var m protocol.SttMetrics
			if err := jsonUnmarshalLenient(cs.Content, &m); err == nil {
				out.metrics = &PassMetrics{LatencyMs: m.LatencyMs, DecodeMs: m.DecodeMs, Rtf: m.Rtf}
			}
		}
		if cs.Source == protocol.SourceStopStats {
			if sst, ok3 := decodeStopStats(cs.Content); ok3 {
				if sst.IsPre() {
					state = state.Advance(protocol.TransitionStopStatsPre)
					d.gpuMark(u.ID, seq, "stop_stats_pre")
				} else {
					state = state.Advance(protocol.TransitionStopStatsPost)
					d.gpuMark(u.ID, seq, "stop_stats_post")
				}
			}
		}
		return nil
	}

	// deriveHypothesis folds whatever has been collected so far into
	// out.hypothesis/out.truncated; called before every return once
	// feeding has begun, so an errored pass still reports its text.
	deriveHypothesis := func() {
		hyp := ""
		if len(finalParts) > 0 {
			hyp = strings.Join(finalParts, " ")
		} else if finalText != nil {
			hyp = *finalText
		}
		if strings.TrimSpace(hyp) == "" {
			if last := lastNonEmptyRaw(out.partials); last != "" {
				hyp = last
			}
		}
		out.hypothesis = hyp

		refWords := wordCount(u.Text)
		hypWords := wordCount(hyp)
		out.truncated = hypWords > 0 && refWords > 0 && hypWords*2 < refWords
	}

	if err := d.feedAudio(utteranceCtx, eng, u, seq, offline, window, gate, &firstAudioSent, handleComputed, flush); err != nil {
		deriveHypothesis()
		return out, err
	}
	state = state.Advance(protocol.TransitionStop) // entering Draining implicitly via stop below

	padOffset := len(u.PCM)
	if eosPad && d.cfg.EosPadMs > 0 {
		if err := d.feedSilence(utteranceCtx, eng, u, seq, d.cfg.EosPadMs, padOffset, "eos_pad", ErrTimeoutEosPad, window, handleComputed, flush); err != nil {
			deriveHypothesis()
			return out, err
		}
		padOffset += sampleRateOf(u) * d.cfg.EosPadMs / 1000
	}

	if d.cfg.FlushMs > 0 {
		if err := d.feedSilence(utteranceCtx, eng, u, seq, d.cfg.FlushMs, padOffset, "flush", ErrTimeoutFlush, window, handleComputed, flush); err != nil {
			deriveHypothesis()
			return out, err
		}
	}

	postSeen, err := d.stopAndDrain(utteranceCtx, eng, &out.finalSeen, handleComputed, flush)
	if err != nil {
		deriveHypothesis()
		return out, err
	}
	if d.gpu != nil {
		d.gpu.Finish(u.ID, seq, passLabel)
	}

	deriveHypothesis()

	if !postSeen && d.cfg.StopStatsTimeoutMs > 0 {
		if state == protocol.Poisoned || d.cfg.VerboseStop {
			return out, fmt.Errorf("%w: id=%s utt_seq=%d", ErrStopStatsTimeout, u.ID, seq)
		}
		if out.finalSeen {
			out.stopStatsMissingOnly = true
		}
	}

	out.poisoned = state == protocol.Poisoned
	if out.errEvent != "" {
		return out, normalizeEngineError(out.errEvent)
	}
	return out, nil
}

// normalizeEngineError maps an engine-reported error string onto the
// sentinel taxonomy so poisoning matches the same kinds regardless of
// which side surfaced them.
func normalizeEngineError(text string) error {
	switch {
	case strings.HasPrefix(text, "tick_timeout"):
		return fmt.Errorf("%w: %s", ErrTickTimeout, text)
	case strings.HasPrefix(text, "slow_chunk_abort"):
		return fmt.Errorf("%w: %s", ErrSlowChunkAbort, text)
	default:
		return errors.New(text)
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func passLabelFor(offline, eosPad bool) string {
	switch {
	case offline:
		return "offline"
	case eosPad:
		return "streaming_retry"
	default:
		return "streaming"
	}
}

func (d *Driver) onBackpressureRetry() {
	if d.metrics != nil {
		d.metrics.BackpressureRetries.Inc()
	}
}

func (d *Driver) gpuMark(id string, seq uint64, stage string) {
	if d.gpu != nil {
		d.gpu.MarkStage(id, seq, stage)
	}
}

func (d *Driver) gpuSample() {
	if d.gpu != nil {
		d.gpu.MaybeSample()
	}
}

func decodeStopStats(raw []byte) (protocol.StopStats, bool) {
	var ss protocol.StopStats
	if err := jsonUnmarshalLenient(raw, &ss); err != nil {
		return ss, false
	}
	return ss, true
}

func (d *Driver) configure(ctx context.Context, eng engine.Engine) error {
	settings := map[string]any{
		"blank_penalty":             d.cfg.BlankPenalty,
		"normalize_mode":            d.cfg.NormalizeMode,
		"pre_gain":                  d.cfg.PreGain,
		"final_blank_penalty_delta": d.cfg.FinalBlankPenaltyDelta,
		"gate_threshold":            d.cfg.GateThreshold,
		"filter_junk":               d.cfg.FilterJunk,
		"offline_mode":              d.cfg.Offline,
		"backpressure":              d.cfg.ResolvedBackpressure(),
		"backpressure_timeout_ms":   d.cfg.BackpressureTimeoutMs,
		"audio_queue_cap":           d.cfg.ResolvedAudioQueueCap(),
		"debug_topk":                d.cfg.DebugTopK,
	}
	sig := protocol.ControlSignal{Control: protocol.SettingsControl{Action: "configure", Settings: settings}}
	if _, _, err := eng.Process(ctx, sig); err != nil {
		return err
	}
	return d.controlTick(ctx, eng)
}

// controlTick nudges the engine with a one-sample zero chunk so its
// control queue is serviced: the worker only consumes control messages at
// chunk boundaries. Retries on backpressure with its own floor deadline
// since the tick must land even when ack pacing owns the audio path.
func (d *Driver) controlTick(ctx context.Context, eng engine.Engine) error {
	tick := protocol.AudioSignal{SampleRate: 16000, Channels: 1, TimestampUs: 0, Data: []float32{0}}
	timeoutMs := d.cfg.BackpressureTimeoutMs
	if timeoutMs < 2000 {
		timeoutMs = 2000
	}
	deadline := time.Now().Add(time.Duration(timeoutMs) * time.Millisecond)
	for {
		_, _, err := eng.Process(ctx, tick)
		if err == nil {
			return nil
		}
		if !errors.Is(err, engine.ErrBackpressureFull) {
			return err
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: control tick", backpressure.ErrBackpressureTimeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
}

func (d *Driver) resetAndAwaitAck(ctx context.Context, eng engine.Engine, id string, seq uint64, offline bool) error {
	sig := protocol.ControlSignal{Control: protocol.ResetControl{UtteranceID: id, UtteranceSeq: seq, OfflineMode: offline}}
	if _, _, err := eng.Process(ctx, sig); err != nil {
		return err
	}
	if err := d.controlTick(ctx, eng); err != nil {
		return err
	}

	waitMs := d.cfg.StopStatsTimeoutMs
	if waitMs <= 0 {
		waitMs = d.cfg.ResolvedUtteranceTimeoutMs()
	}
	deadline := time.Now().Add(time.Duration(waitMs) * time.Millisecond)
	for {
		out, ok, err := eng.Process(ctx, protocol.PulseSignal{})
		if err != nil {
			return err
		}
		if ok {
			if cs, isComputed := out.(protocol.ComputedSignal); isComputed && cs.Source == protocol.SourceResetAck {
				return nil
			}
			continue
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: reset_ack for %s", ErrResetAckTimeout, id)
		default:
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: reset_ack for %s", ErrResetAckTimeout, id)
		}
		time.Sleep(time.Millisecond)
	}
}

// feedAudio sends the utterance's PCM in cfg.ChunkMs slices, applying
// inflight-window gating and the backpressure retry loop per chunk, and
// optionally pacing to wall-clock duration when cfg.Realtime is set.
func (d *Driver) feedAudio(ctx context.Context, eng engine.Engine, u Utterance, seq uint64, offline bool, window *backpressure.Window, gate *SilenceGate, firstAudioSent *bool, onComputed func(protocol.Signal) error, flush func()) error {
	if offline {
		return d.sendAudioChunk(ctx, eng, u.ID, seq, 0, toFloat32(u.PCM), u.SampleRate, 0, false, "audio", window, onComputed)
	}

	samplesPerChunk := u.SampleRate * d.cfg.ChunkMs / 1000
	if samplesPerChunk <= 0 {
		samplesPerChunk = 1
	}
	realtimeInterval := time.Duration(d.cfg.ResolvedRealtimeMs()) * time.Millisecond

	var chunkIdx uint64
	for offset := 0; offset < len(u.PCM); offset += samplesPerChunk {
		end := offset + samplesPerChunk
		if end > len(u.PCM) {
			end = len(u.PCM)
		}
		ts := int64(offset) * 1_000_000 / int64(u.SampleRate)

		for !window.CanSend() {
			if _, _, err := drainOnce(ctx, eng, onComputed, flush); err != nil {
				return err
			}
			select {
			case <-ctx.Done():
				return fmt.Errorf("%w: inflight window stalled for %s", ErrTimeoutWaitingForAck, u.ID)
			case <-time.After(time.Millisecond):
			}
		}

		chunk := toFloat32(u.PCM[offset:end])
		if gate.Admit(chunk) && !*firstAudioSent {
			*firstAudioSent = true
			d.gpuMark(u.ID, seq, "first_audio_send")
		}

		if err := d.sendAudioChunk(ctx, eng, u.ID, seq, chunkIdx, chunk, u.SampleRate, ts, true, "audio", window, onComputed); err != nil {
			return err
		}
		chunkIdx++

		if _, _, err := drainOnce(ctx, eng, onComputed, flush); err != nil {
			return err
		}

		if d.cfg.Realtime {
			select {
			case <-ctx.Done():
				return fmt.Errorf("%w: %s", ErrTimeoutFeedingAudio, u.ID)
			case <-time.After(realtimeInterval):
			}
		}
	}
	return nil
}

// feedSilence emits ms of zero-valued audio in the same chunk cadence as
// feedAudio, with the same inflight gating and draining, wrapping any
// failure in the phase's sentinel (timeout_eos_pad or timeout_flush).
func (d *Driver) feedSilence(ctx context.Context, eng engine.Engine, u Utterance, seq uint64, ms, sampleOffset int, phase string, sentinel error, window *backpressure.Window, onComputed func(protocol.Signal) error, flush func()) error {
	sr := sampleRateOf(u)
	total := sr * ms / 1000
	if total <= 0 {
		return nil
	}
	samplesPerChunk := sr * d.cfg.ChunkMs / 1000
	if samplesPerChunk <= 0 {
		samplesPerChunk = 1
	}
	silence := make([]float32, samplesPerChunk)

	for sent := 0; sent < total; sent += samplesPerChunk {
		n := samplesPerChunk
		if sent+n > total {
			n = total - sent
		}
		ts := int64(sampleOffset+sent) * 1_000_000 / int64(sr)

		for !window.CanSend() {
			if _, _, err := drainOnce(ctx, eng, onComputed, flush); err != nil {
				return fmt.Errorf("%w: %v", sentinel, err)
			}
			select {
			case <-ctx.Done():
				return fmt.Errorf("%w: inflight window stalled for %s", sentinel, u.ID)
			case <-time.After(time.Millisecond):
			}
		}

		if err := d.sendAudioChunk(ctx, eng, u.ID, seq, 0, silence[:n], sr, ts, true, phase, window, onComputed); err != nil {
			return fmt.Errorf("%w: %v", sentinel, err)
		}
		if _, _, err := drainOnce(ctx, eng, onComputed, flush); err != nil {
			return fmt.Errorf("%w: %v", sentinel, err)
		}
	}
	return nil
}

// sampleRateOf returns u's sample rate, defaulting to 16 kHz when the
// manifest row hasn't loaded audio yet.
func sampleRateOf(u Utterance) int {
	if u.SampleRate > 0 {
		return u.SampleRate
	}
	return 16000
}

func (d *Driver) sendAudioChunk(ctx context.Context, eng engine.Engine, id string, seq, chunkIdx uint64, data []float32, sampleRate int, ts int64, backpressureOn bool, phase string, window *backpressure.Window, onComputed func(protocol.Signal) error) error {
	sig := protocol.AudioSignal{SampleRate: sampleRate, Channels: 1, TimestampUs: ts, Data: data}

	if !backpressureOn || !d.cfg.ResolvedBackpressure() {
		_, _, err := eng.Process(ctx, sig)
		if err != nil {
			return err
		}
		window.RecordSent()
		return nil
	}

	// With ack pacing enabled the inflight window is the authoritative
	// throttle, so the per-send deadline is disabled.
	deadlineMs := d.cfg.BackpressureTimeoutMs
	if d.cfg.InflightChunks > 0 {
		deadlineMs = 0
	}
	params := backpressure.Params{
		ID:           id,
		UtteranceSeq: seq,
		ChunkIdx:     chunkIdx,
		Phase:        phase,
		RetrySleep:   time.Duration(d.cfg.BackpressureRetrySleepUs) * time.Microsecond,
		Timeout:      time.Duration(deadlineMs) * time.Millisecond,
		OnRetry:      d.onBackpressureRetry,
	}
	if err := backpressure.ProcessAudioWithBackpressure(ctx, eng, sig, params, d.logger); err != nil {
		return err
	}
	window.RecordSent()
	return nil
}

// stopAndDrain sends Stop and drains events until a post-phase
// stop_stats has been observed or the utterance/stop_stats deadline
// elapses. It never itself classifies a missing post-phase as an error:
// that decision (stop_stats_missing_only vs. a hard stop_stats_timeout)
// depends on whether an error/slow_chunk was seen and on --verbose-stop,
// both only known to the caller, so it reports postSeen and lets
// runOneInner decide. stop_stats_timeout_ms == 0 disables the wait
// entirely.
func (d *Driver) stopAndDrain(ctx context.Context, eng engine.Engine, finalSeen *bool, onComputed func(protocol.Signal) error, flush func()) (bool, error) {
	if _, _, err := eng.Process(ctx, protocol.ControlSignal{Control: protocol.StopControl{}}); err != nil {
		return false, err
	}
	if err := d.controlTick(ctx, eng); err != nil {
		return false, err
	}

	if d.cfg.StopStatsTimeoutMs <= 0 {
		// Still drain whatever is immediately available, but don't wait.
		for {
			_, ok, err := drainOnce(ctx, eng, onComputed, flush)
			if err != nil {
				return false, err
			}
			if !ok {
				return false, nil
			}
		}
	}

	deadline := time.Now().Add(time.Duration(d.cfg.StopStatsTimeoutMs) * time.Millisecond)
	for {
		out, ok, err := drainOnce(ctx, eng, onComputed, flush)
		if err != nil {
			return false, err
		}
		if ok {
			if cs, isComputed := out.(protocol.ComputedSignal); isComputed {
				if cs.Source == protocol.SourceStopStats {
					var ss protocol.StopStats
					if err := jsonUnmarshalLenient(cs.Content, &ss); err == nil && ss.IsPost() {
						return true, nil
					}
				}
			}
			continue
		}
		if finalSeen != nil && *finalSeen && time.Now().After(deadline) {
			// Final already arrived; a still-missing post phase becomes
			// stop_stats_missing_only (decided by the caller), not a hard
			// wait-for-final timeout.
			return false, nil
		}
		select {
		case <-ctx.Done():
			return false, fmt.Errorf("%w", ErrTimeoutWaitingForFinal)
		default:
		}
		if time.Now().After(deadline) {
			return false, nil
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// drainOnce issues a single PulseSignal, forwards any resulting
// ComputedSignal to onComputed, and always gives flush a chance to run:
// min_update_interval_ms throttling must not permanently strand a pending
// partial behind a quiet stretch with no new signals.
func drainOnce(ctx context.Context, eng engine.Engine, onComputed func(protocol.Signal) error, flush func()) (protocol.Signal, bool, error) {
	out, ok, err := eng.Process(ctx, protocol.PulseSignal{})
	if flush != nil {
		flush()
	}
	if err != nil {
		return nil, false, err
	}
	if ok && onComputed != nil {
		if err := onComputed(out); err != nil {
			return out, ok, err
		}
	}
	return out, ok, nil
}

// jsonUnmarshalLenient decodes a Computed signal's payload, tolerating
// unknown fields (the engine wire contract is allowed to grow).
func jsonUnmarshalLenient(raw []byte, v any) error {
	return json.Unmarshal(raw, v)
}

func toFloat32(pcm []int16) []float32 {
	out := make([]float32, len(pcm))
	for i, s := range pcm {
		out[i] = float32(s) / 32768.0
	}
	return out
}
