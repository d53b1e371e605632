// Copyright 2025 James Ross
package obs

import (
	"context"
	"errors"
	"testing"

	"github.com/flyingrobots/comfyqueue/internal/config"
)

func TestStartJobSpanCarriesCorrelationAttrs(t *testing.T) {
	ctx, span := StartJobSpan(context.Background(), "j_abc123def456", "anonymous")
	if span == nil {
		t.Fatal("expected non-nil span")
	}
	AddEvent(ctx, "job.processing.started", KeyValue("worker.id", "w-0"))
	RecordError(ctx, errors.New("boom"))
	span.End()
}

func TestSpanFromContextDefaultsToNoop(t *testing.T) {
	span := SpanFromContext(context.Background())
	if span == nil {
		t.Fatal("expected a non-nil no-op span")
	}
	AddEvent(context.Background(), "anything")
	span.End()
}

func TestMaybeInitTracingDisabledByDefault(t *testing.T) {
	var cfg config.Config
	tp, err := MaybeInitTracing(&cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tp != nil {
		t.Fatal("expected nil provider when tracing is disabled")
	}
	if err := TracerShutdown(context.Background(), tp); err != nil {
		t.Fatalf("shutdown of nil provider should be a no-op: %v", err)
	}
}
