package logger

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

func TestWithTrace_NoSpan(t *testing.T) {
	fields := WithTrace(context.Background(), zap.String("k", "v"))
	if len(fields) != 1 {
		t.Fatalf("Expected 1 field without span context, got %d", len(fields))
	}
}

func TestWithTrace_ValidSpan(t *testing.T) {
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID: trace.TraceID{1, 2, 3},
		SpanID:  trace.SpanID{4, 5, 6},
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	fields := WithTrace(ctx)
	if len(fields) != 2 {
		t.Fatalf("Expected trace_id and span_id fields, got %d", len(fields))
	}
	if fields[0].Key != "trace_id" || fields[1].Key != "span_id" {
		t.Errorf("Unexpected field keys: %s, %s", fields[0].Key, fields[1].Key)
	}
}

func TestInit_UnknownLevelDefaultsToInfo(t *testing.T) {
	old := L
	defer func() { L = old }()

	if err := Init("verbose"); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	if L.Core().Enabled(zap.DebugLevel) {
		t.Error("Expected debug to be disabled for unknown level")
	}
	if !L.Core().Enabled(zap.InfoLevel) {
		t.Error("Expected info to be enabled for unknown level")
	}
}
