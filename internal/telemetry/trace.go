package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/trace"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// tracerName identifies this module's spans in an OTel backend.
const tracerName = "github.com/lokutor-ai/parakeet-streamtest/internal/harness"

// NewTracerProvider builds a minimal SDK tracer provider. Exporters are
// left to the caller; cmd/asrtest passes none, so spans are created but
// never exported, matching this sidecar's "pure observer, never required"
// status.
func NewTracerProvider(opts ...trace.TracerProviderOption) *trace.TracerProvider {
	return trace.NewTracerProvider(opts...)
}

// PassTracer wraps the one-span-per-pass, child-span-per-phase pattern:
// attributes only, never branches control flow.
type PassTracer struct {
	tracer oteltrace.Tracer
}

func NewPassTracer(tp oteltrace.TracerProvider) *PassTracer {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return &PassTracer{tracer: tp.Tracer(tracerName)}
}

// StartPass opens the top-level "pass.run" span for one utterance pass.
func (p *PassTracer) StartPass(ctx context.Context, utteranceID string, utteranceSeq uint64, passLabel string) (context.Context, oteltrace.Span) {
	return p.tracer.Start(ctx, "pass.run", oteltrace.WithAttributes(
		attribute.String("utterance_id", utteranceID),
		attribute.Int64("utterance_seq", int64(utteranceSeq)),
		attribute.String("pass_label", passLabel),
	))
}

// StartPhase opens a child span named "pass."+phase. The harness driver
// opens only the pass.run span and does not call StartPhase.
func (p *PassTracer) StartPhase(ctx context.Context, phase string) (context.Context, oteltrace.Span) {
	return p.tracer.Start(ctx, "pass."+phase)
}

// EndablePass is StartPass with the span's End folded into the returned
// closure, the shape run.go's defer-on-one-line call site wants.
func (p *PassTracer) EndablePass(ctx context.Context, utteranceID string, utteranceSeq uint64, passLabel string) (context.Context, func()) {
	spanCtx, span := p.StartPass(ctx, utteranceID, utteranceSeq, passLabel)
	return spanCtx, func() { span.End() }
}
