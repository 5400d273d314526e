package shared

import (
	"context"
	"testing"
)

func TestTraceID_DefaultDash(t *testing.T) {
	ctx := context.Background()
	if got := TraceID(ctx); got != "-" {
		t.Fatalf("expected -, got %q", got)
	}
	ctx = WithTraceID(ctx, "abc")
	if got := TraceID(ctx); got != "abc" {
		t.Fatalf("expected abc, got %q", got)
	}
	// Empty string falls back to the default.
	ctx = WithTraceID(ctx, "")
	if got := TraceID(ctx); got != "-" {
		t.Fatalf("expected -, got %q", got)
	}
}

func TestNewTraceID_Unique(t *testing.T) {
	a, b := NewTraceID(), NewTraceID()
	if a == "" || a == b {
		t.Fatalf("expected distinct non-empty ids, got %q and %q", a, b)
	}
}

func TestRequestID_RoundTrip(t *testing.T) {
	ctx := context.Background()
	if got := RequestID(ctx); got != "" {
		t.Fatalf("expected empty, got %q", got)
	}
	ctx = WithRequestID(ctx, "req-1")
	if got := RequestID(ctx); got != "req-1" {
		t.Fatalf("expected req-1, got %q", got)
	}
}

func TestTransport_Default(t *testing.T) {
	ctx := context.Background()
	if got := Transport(ctx); got != "internal" {
		t.Fatalf("expected internal, got %q", got)
	}
	ctx = WithTransport(ctx, "stream")
	if got := Transport(ctx); got != "stream" {
		t.Fatalf("expected stream, got %q", got)
	}
}

func TestJobID_RoundTrip(t *testing.T) {
	ctx := WithJobID(context.Background(), "job-7")
	if got := JobID(ctx); got != "job-7" {
		t.Fatalf("expected job-7, got %q", got)
	}
}
