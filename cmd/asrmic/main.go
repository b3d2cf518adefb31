// Command asrmic is a live-microphone front end for the streaming
// protocol core: captured PCM is pushed through a ring buffer into
// internal/protocol's Signal contract and a fake engine instance, with
// partial/final frames printed as they arrive.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gen2brain/malgo"
	"github.com/joho/godotenv"

	"github.com/lokutor-ai/parakeet-streamtest/internal/engine"
	"github.com/lokutor-ai/parakeet-streamtest/internal/engine/fake"
	"github.com/lokutor-ai/parakeet-streamtest/internal/harness"
	"github.com/lokutor-ai/parakeet-streamtest/internal/logging"
	"github.com/lokutor-ai/parakeet-streamtest/internal/protocol"
	"github.com/lokutor-ai/parakeet-streamtest/internal/ringbuffer"
)

const sampleRate = 16000

func main() {
	_ = godotenv.Load()

	referenceText := flag.String("reference", "the quick brown fox jumps over the lazy dog", "reference text the fake engine reveals against")
	gateThreshold := flag.Float64("gate-threshold", 0.01, "RMS silence gate threshold (0 disables)")
	flag.Parse()

	logger := logging.NewStdLogger("asrmic")

	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		log.Fatalf("malgo init: %v", err)
	}
	defer mctx.Uninit()

	chunks := ringbuffer.New[[]float32](1024)
	gate := harness.NewSilenceGate(float32(*gateThreshold))

	onSamples := func(_, pInput []byte, frameCount uint32) {
		if pInput == nil {
			return
		}
		samples := bytesToFloat32(pInput)
		gate.Admit(samples) // local speech/silence bookkeeping only; the engine owns the authoritative gate
		if !chunks.TryPush(samples) {
			logger.Warn("dropped_audio", "frames", frameCount)
		}
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatS16
	deviceConfig.Capture.Channels = 1
	deviceConfig.SampleRate = sampleRate
	deviceConfig.Alsa.NoMMap = 1

	device, err := malgo.InitDevice(mctx.Context, deviceConfig, malgo.DeviceCallbacks{Data: onSamples})
	if err != nil {
		log.Fatalf("malgo init device: %v", err)
	}
	defer device.Uninit()

	if err := device.Start(); err != nil {
		log.Fatalf("malgo start: %v", err)
	}

	factory := fake.New(fake.Script{ReferenceText: *referenceText, RevealEveryChunks: 1})
	eng, err := factory()
	if err != nil {
		log.Fatalf("building engine: %v", err)
	}
	defer eng.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if _, _, err := eng.Process(ctx, protocol.ControlSignal{Control: protocol.ResetControl{UtteranceID: "mic", UtteranceSeq: 1}}); err != nil {
		log.Fatalf("reset: %v", err)
	}

	var seq uint64
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	fmt.Println("listening, ctrl-c to stop")
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			drainMicChunks(ctx, eng, chunks, &seq, logger)
		}
	}
}

func drainMicChunks(ctx context.Context, eng engine.Engine, chunks *ringbuffer.SPSC[[]float32], seq *uint64, logger logging.Logger) {
	for {
		samples, ok := chunks.TryPop()
		if !ok {
			break
		}
		*seq++
		ts := int64(*seq) * 20000
		sig := protocol.AudioSignal{SampleRate: sampleRate, Channels: 1, TimestampUs: ts, Data: samples}
		if _, _, err := eng.Process(ctx, sig); err != nil {
			logger.Error("process audio", "error", err)
			return
		}
		drainComputed(ctx, eng, logger)
	}
}

func drainComputed(ctx context.Context, eng engine.Engine, logger logging.Logger) {
	for {
		out, ok, err := eng.Process(ctx, protocol.PulseSignal{})
		if err != nil {
			logger.Error("drain", "error", err)
			return
		}
		if !ok {
			return
		}
		cs, isComputed := out.(protocol.ComputedSignal)
		if !isComputed {
			continue
		}
		switch cs.Source {
		case protocol.SourcePartial, protocol.SourceFinal:
			fmt.Printf("\r[%s] %s\n", cs.Source, string(cs.Content))
		}
	}
}

func bytesToFloat32(pcm []byte) []float32 {
	out := make([]float32, len(pcm)/2)
	for i := range out {
		sample := int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
		out[i] = float32(sample) / math.MaxInt16
	}
	return out
}
