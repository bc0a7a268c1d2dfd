// Package metrics exposes the ingest pipeline's Prometheus instrumentation
// and a thin OpenTelemetry tracer whose per-capture span the assembly
// manager opens around the finalize call, from completion to device-ACK.
package metrics

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var (
	// ChunksReceived counts inbound chunk messages, labeled by the assembly
	// manager's verdict: accepted, duplicate, or rejected.
	ChunksReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_chunks_received_total",
		Help: "count of chunk messages processed by the assembly manager",
	}, []string{"outcome"})

	// MetadataReceived counts inbound metadata messages.
	MetadataReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ingest_metadata_received_total",
		Help: "count of metadata messages processed by the assembly manager",
	})

	// RetransmitRounds counts each NACK tick the assembly manager fires,
	// labeled by whether it re-armed or exhausted the retry budget.
	RetransmitRounds = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_retransmit_rounds_total",
		Help: "count of retransmit timer ticks, labeled by outcome",
	}, []string{"outcome"})

	// AssembliesInFlight tracks the live assembly count the reaper scans.
	AssembliesInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ingest_assemblies_in_flight",
		Help: "number of in-memory assemblies currently tracked",
	})

	// RouterQueueDepth tracks how full each device's inbox is at enqueue
	// time, as a fraction of its configured capacity.
	RouterQueueDepth = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ingest_router_queue_depth_ratio",
		Help:    "per-device inbox occupancy ratio observed at message enqueue",
		Buckets: []float64{0, 0.25, 0.5, 0.75, 0.9, 1.0},
	})

	// BackpressureDrops counts messages dropped because a device's inbox
	// was full.
	BackpressureDrops = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ingest_backpressure_drops_total",
		Help: "count of inbound messages dropped due to a full per-device inbox",
	})

	// FinalizeLatency measures wall-clock time from finalize start to
	// outcome, labeled by outcome.
	FinalizeLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ingest_finalize_duration_seconds",
		Help:    "duration of a finalize pipeline run, labeled by outcome",
		Buckets: prometheus.DefBuckets,
	}, []string{"outcome"})

	// CommandsDispatched counts commands the poller published.
	CommandsDispatched = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ingest_commands_dispatched_total",
		Help: "count of commands published by the command poller",
	})

	// ErrorsByCode counts every error record inserted, labeled by the
	// fixed §7 taxonomy code.
	ErrorsByCode = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_errors_total",
		Help: "count of error records inserted, labeled by error_code",
	}, []string{"error_code"})
)

// tracer is the package-wide span source for capture lifecycle tracing.
var tracer = otel.Tracer("github.com/edgecam/ingest")

// StartCaptureSpan opens a span following one capture from assembly
// completion through finalize. Callers must call the returned function to
// end it.
func StartCaptureSpan(ctx context.Context, captureID, deviceID, imageName string) (context.Context, func()) {
	ctx, span := tracer.Start(ctx, "finalize_capture", trace.WithAttributes(
		attribute.String("capture_id", captureID),
		attribute.String("device_id", deviceID),
		attribute.String("image_name", imageName),
	))
	return ctx, func() { span.End() }
}
