package agent

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/chozzz/agentfabric/internal/providers"
)

// tracer reports through whatever TracerProvider internal/telemetry
// registered at startup; with none registered these calls are no-ops
// (otel's default global provider), so this package never depends on a
// concrete exporter.
var tracer = otel.Tracer("agentfabric/internal/agent")

// callProvider wraps a single model call in a span named after the
// provider and model, recording duration, token usage, and error status.
func (l *Loop) callProvider(ctx context.Context, provider providers.Provider, req providers.ChatRequest, iteration int) (*providers.ChatResponse, error) {
	ctx, span := tracer.Start(ctx, fmt.Sprintf("%s/%s", provider.Name(), req.Model))
	defer span.End()

	span.SetAttributes(
		attribute.String("llm.provider", provider.Name()),
		attribute.String("llm.model", req.Model),
		attribute.Int("llm.iteration", iteration),
	)

	start := time.Now()
	resp, err := provider.Chat(ctx, req)
	span.SetAttributes(attribute.Int64("llm.duration_ms", time.Since(start).Milliseconds()))

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return resp, err
	}
	if resp != nil && resp.Usage != nil {
		span.SetAttributes(
			attribute.Int("llm.prompt_tokens", resp.Usage.PromptTokens),
			attribute.Int("llm.completion_tokens", resp.Usage.CompletionTokens),
		)
	}
	span.SetStatus(codes.Ok, "")
	return resp, nil
}

// startRunSpan opens the top-level span for one queued turn; runTurn
// defers its End.
func startRunSpan(ctx context.Context, sessionKey, runID string) (context.Context, trace.Span) {
	ctx, span := tracer.Start(ctx, "agent.run")
	span.SetAttributes(
		attribute.String("session.key", sessionKey),
		attribute.String("run.id", runID),
	)
	return ctx, span
}
