package metrics

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestChunksReceivedCountsByOutcome(t *testing.T) {
	ChunksReceived.Reset()
	ChunksReceived.WithLabelValues("accepted").Inc()
	ChunksReceived.WithLabelValues("accepted").Inc()
	ChunksReceived.WithLabelValues("duplicate").Inc()

	if got := testutil.ToFloat64(ChunksReceived.WithLabelValues("accepted")); got != 2 {
		t.Errorf("accepted = %v, want 2", got)
	}
	if got := testutil.ToFloat64(ChunksReceived.WithLabelValues("duplicate")); got != 1 {
		t.Errorf("duplicate = %v, want 1", got)
	}
}

func TestErrorsByCodeLabelsIndependently(t *testing.T) {
	ErrorsByCode.Reset()
	ErrorsByCode.WithLabelValues("HASH_MISMATCH").Inc()
	ErrorsByCode.WithLabelValues("SIZE_MISMATCH").Inc()
	ErrorsByCode.WithLabelValues("SIZE_MISMATCH").Inc()

	if got := testutil.ToFloat64(ErrorsByCode.WithLabelValues("HASH_MISMATCH")); got != 1 {
		t.Errorf("HASH_MISMATCH = %v, want 1", got)
	}
	if got := testutil.ToFloat64(ErrorsByCode.WithLabelValues("SIZE_MISMATCH")); got != 2 {
		t.Errorf("SIZE_MISMATCH = %v, want 2", got)
	}
}

func TestAssembliesInFlightGaugeSet(t *testing.T) {
	AssembliesInFlight.Set(3)
	if got := testutil.ToFloat64(AssembliesInFlight); got != 3 {
		t.Errorf("AssembliesInFlight = %v, want 3", got)
	}
	AssembliesInFlight.Set(0)
}

func TestStartCaptureSpanReturnsUsableContextAndEndFunc(t *testing.T) {
	ctx, end := StartCaptureSpan(context.Background(), "cap_1", "AABBCCDDEEFF", "img.jpg")
	if ctx == nil {
		t.Fatal("expected non-nil context")
	}
	end()
}
