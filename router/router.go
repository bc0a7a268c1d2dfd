// Package router implements the message router described in spec.md §4.1:
// it classifies inbound transport messages into {status, metadata, chunk,
// device-ack}, audit-logs everything verbatim, and hands classified
// messages off to per-device queues so the transport callback never blocks
// (§5 "Router dispatch... must not block the transport").
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/iancoleman/strcase"
	"github.com/sirupsen/logrus"

	"github.com/edgecam/ingest"
	"github.com/edgecam/ingest/metrics"
	"github.com/edgecam/ingest/transport"
)

// AssemblyHandler receives classified metadata and chunk messages. Calls
// are serialized per device by the router's dispatch loop, so implementors
// need no internal locking across calls for the same hw id.
type AssemblyHandler interface {
	HandleMetadata(ctx context.Context, hwID string, msg ingest.MetadataMessage)
	HandleChunk(ctx context.Context, hwID string, msg ingest.ChunkMessage)
}

// HandshakeHandler receives classified status messages.
type HandshakeHandler interface {
	HandleStatus(ctx context.Context, hwID string, msg ingest.StatusMessage)
}

// AckHandler receives classified device-ack messages (command
// acknowledgement is the command poller's concern; the router only
// classifies and forwards).
type AckHandler interface {
	HandleAck(ctx context.Context, hwID string, msg ingest.DeviceAckMessage)
}

// AuditStore is the narrow persistence surface the router needs.
type AuditStore interface {
	AppendAudit(ctx context.Context, topic string, dir ingest.Direction, payload []byte) error
	InsertError(ctx context.Context, deviceID string, captureID *string, code ingest.ErrorCode, message string, details string) error
}

// Config tunes per-device queueing and backpressure.
type Config struct {
	QueueDepth           int
	BackpressureLogEvery time.Duration
}

// DefaultConfig returns the router's default queue depth and backpressure
// log interval.
func DefaultConfig() Config {
	return Config{QueueDepth: 64, BackpressureLogEvery: time.Minute}
}

// Router classifies and dispatches inbound transport messages.
type Router struct {
	cfg       Config
	store     AuditStore
	assembly  AssemblyHandler
	handshake HandshakeHandler
	acks      AckHandler
	logger    logrus.FieldLogger

	mu        sync.Mutex
	queues    map[string]chan job
	lastDrop  map[string]time.Time
}

// job is one unit of per-device work handed from the transport callback to
// a device's dedicated consumer goroutine.
type job struct {
	topic   string
	payload []byte
}

// New builds a Router. assembly/handshake/acks may be nil in tests that
// only exercise classification.
func New(cfg Config, store AuditStore, assembly AssemblyHandler, handshake HandshakeHandler, acks AckHandler, logger logrus.FieldLogger) *Router {
	if logger == nil {
		logger = logrus.New()
	}
	return &Router{
		cfg:       cfg,
		store:     store,
		assembly:  assembly,
		handshake: handshake,
		acks:      acks,
		logger:    logger,
		queues:    make(map[string]chan job),
		lastDrop:  make(map[string]time.Time),
	}
}

// Subscribe registers the router's inbound handler on the three wildcard
// topics named in §6.
func (r *Router) Subscribe(ctx context.Context, pubsub transport.PubSub, dataPattern, statusPattern, ackPattern string) error {
	if err := pubsub.Subscribe(ctx, statusPattern, r.onMessage); err != nil {
		return fmt.Errorf("router: subscribe status: %w", err)
	}
	if err := pubsub.Subscribe(ctx, dataPattern, r.onMessage); err != nil {
		return fmt.Errorf("router: subscribe data: %w", err)
	}
	if err := pubsub.Subscribe(ctx, ackPattern, r.onMessage); err != nil {
		return fmt.Errorf("router: subscribe ack: %w", err)
	}
	return nil
}

// onMessage is the transport callback. It must never block: it audit-logs,
// extracts and validates the hw id, and enqueues onto that device's bounded
// inbox, dropping (with a rate-limited BACKPRESSURE_DROP) if the inbox is
// full.
func (r *Router) onMessage(ctx context.Context, msg transport.Message) error {
	if err := r.store.AppendAudit(ctx, msg.Topic, ingest.DirectionIn, msg.Payload); err != nil {
		r.logger.WithError(err).Warn("audit log write failed")
	}

	hwID, err := hwIDFromTopic(msg.Topic)
	if err != nil {
		r.recordError(ctx, "", ingest.ErrBadTopic, err.Error(), msg.Topic)
		return nil
	}
	if !ingest.ValidHardwareID(hwID) {
		r.recordError(ctx, hwID, ingest.ErrBadTopic, "hardware id does not match shape", msg.Topic)
		return nil
	}

	q := r.queueFor(hwID)
	select {
	case q <- job{topic: msg.Topic, payload: msg.Payload}:
		metrics.RouterQueueDepth.Observe(float64(len(q)) / float64(cap(q)))
	default:
		metrics.BackpressureDrops.Inc()
		r.dropWithRateLimit(ctx, hwID)
	}
	return nil
}

func (r *Router) queueFor(hwID string) chan job {
	r.mu.Lock()
	defer r.mu.Unlock()
	q, ok := r.queues[hwID]
	if ok {
		return q
	}
	q = make(chan job, r.cfg.QueueDepth)
	r.queues[hwID] = q
	go r.drain(hwID, q)
	return q
}

// drain is the single consumer goroutine for one device's inbox,
// serializing all work for that hw id (§5 "Per-device worker").
func (r *Router) drain(hwID string, q chan job) {
	ctx := context.Background()
	for j := range q {
		r.dispatch(ctx, hwID, j)
	}
}

func (r *Router) dispatch(ctx context.Context, hwID string, j job) {
	kind, err := classify(j.topic, j.payload)
	if err != nil {
		r.recordError(ctx, hwID, ingest.ErrParseFail, err.Error(), j.topic)
		return
	}

	switch kind {
	case kindStatus:
		var sm ingest.StatusMessage
		if err := json.Unmarshal(j.payload, &sm); err != nil {
			r.recordError(ctx, hwID, ingest.ErrParseFail, err.Error(), j.topic)
			return
		}
		if r.handshake != nil {
			r.handshake.HandleStatus(ctx, hwID, sm)
		}
	case kindAck:
		var am ingest.DeviceAckMessage
		if err := json.Unmarshal(j.payload, &am); err != nil {
			r.recordError(ctx, hwID, ingest.ErrParseFail, err.Error(), j.topic)
			return
		}
		am.Raw = j.payload
		if r.acks != nil {
			r.acks.HandleAck(ctx, hwID, am)
		}
	case kindChunk:
		var cm ingest.ChunkMessage
		if err := json.Unmarshal(j.payload, &cm); err != nil {
			r.recordError(ctx, hwID, ingest.ErrParseFail, err.Error(), j.topic)
			return
		}
		if r.assembly != nil {
			r.assembly.HandleChunk(ctx, hwID, cm)
		}
	case kindMetadata:
		mm, err := parseMetadata(j.payload)
		if err != nil {
			r.recordError(ctx, hwID, ingest.ErrParseFail, err.Error(), j.topic)
			return
		}
		if r.assembly != nil {
			r.assembly.HandleMetadata(ctx, hwID, mm)
		}
	case kindIndeterminate:
		r.logger.WithFields(logrus.Fields{"device_id": hwID, "topic": j.topic}).Debug("data message classified as neither chunk nor metadata; dropping")
	}
}

func (r *Router) dropWithRateLimit(ctx context.Context, hwID string) {
	r.mu.Lock()
	last, logged := r.lastDrop[hwID]
	shouldLog := !logged || time.Since(last) >= r.cfg.BackpressureLogEvery
	if shouldLog {
		r.lastDrop[hwID] = time.Now()
	}
	r.mu.Unlock()

	if shouldLog {
		r.recordError(ctx, hwID, ingest.ErrBackpressureDrop, "device inbox full, message dropped", "")
	}
}

func (r *Router) recordError(ctx context.Context, hwID string, code ingest.ErrorCode, message, details string) {
	r.logger.WithFields(logrus.Fields{"device_id": hwID, "error_code": code}).Warn(message)
	metrics.ErrorsByCode.WithLabelValues(string(code)).Inc()
	if err := r.store.InsertError(ctx, hwID, nil, code, message, details); err != nil {
		r.logger.WithError(err).Error("failed to persist error record")
	}
}

// messageKind is the router's content-based classification of a "data"
// topic payload (§4.1).
type messageKind int

const (
	kindStatus messageKind = iota
	kindAck
	kindChunk
	kindMetadata
	kindIndeterminate
)

func classify(topic string, payload []byte) (messageKind, error) {
	seg, err := topicThirdSegment(topic)
	if err != nil {
		return 0, err
	}
	switch seg {
	case "status":
		return kindStatus, nil
	case "ack":
		return kindAck, nil
	case "data":
		return classifyData(payload)
	default:
		return 0, fmt.Errorf("router: unrecognized topic suffix %q", seg)
	}
}

// classifyData distinguishes chunk from metadata payloads by content, since
// devices multiplex both on the same "data" topic (§4.1).
func classifyData(payload []byte) (messageKind, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(payload, &probe); err != nil {
		return 0, fmt.Errorf("router: invalid json: %w", err)
	}
	_, hasChunkID := probe["chunk_id"]
	_, hasPayload := probe["payload"]
	if hasChunkID && hasPayload {
		return kindChunk, nil
	}
	_, hasTotal := probe["total_chunk_count"]
	_, hasSize := probe["image_size"]
	if hasTotal || hasSize {
		return kindMetadata, nil
	}
	return kindIndeterminate, nil
}

// metadataSensorKeys are the loosely-cased sensor readings a device may send
// (§4.2's metadata merge treats these as opaque numeric fields); every other
// metadata key is a fixed wire name from §6 and must match exactly, so only
// these are run through strcase normalization.
var metadataSensorKeys = map[string]bool{
	"temperature":    true,
	"humidity":       true,
	"pressure":       true,
	"gas_resistance": true,
}

// parseMetadata normalizes a device's loosely-cased sensor keys into
// MetadataMessage while leaving every other wire key untouched, so the
// mixed-case capture_timeStamp key (§6) still matches its json tag. The
// permissive parser never errors on unknown fields, per spec.md §9 "keep one
// permissive parser that never throws on unknown fields".
func parseMetadata(payload []byte) (ingest.MetadataMessage, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(payload, &raw); err != nil {
		return ingest.MetadataMessage{}, fmt.Errorf("parse metadata: %w", err)
	}
	normalized := make(map[string]json.RawMessage, len(raw))
	for k, v := range raw {
		if snake := strcase.ToSnake(k); metadataSensorKeys[snake] {
			normalized[snake] = v
			continue
		}
		normalized[k] = v
	}
	normalizedBytes, err := json.Marshal(normalized)
	if err != nil {
		return ingest.MetadataMessage{}, fmt.Errorf("parse metadata: %w", err)
	}
	var mm ingest.MetadataMessage
	if err := json.Unmarshal(normalizedBytes, &mm); err != nil {
		return ingest.MetadataMessage{}, fmt.Errorf("parse metadata: %w", err)
	}
	return mm, nil
}

// hwIDFromTopic extracts the topic's second segment (§4.1).
func hwIDFromTopic(topic string) (string, error) {
	segs := splitTopic(topic)
	if len(segs) < 2 {
		return "", fmt.Errorf("router: topic %q too short", topic)
	}
	return segs[1], nil
}

func topicThirdSegment(topic string) (string, error) {
	segs := splitTopic(topic)
	if len(segs) < 3 {
		return "", fmt.Errorf("router: topic %q missing suffix", topic)
	}
	return segs[2], nil
}

func splitTopic(topic string) []string {
	var segs []string
	start := 0
	for i := 0; i < len(topic); i++ {
		if topic[i] == '/' {
			segs = append(segs, topic[start:i])
			start = i + 1
		}
	}
	segs = append(segs, topic[start:])
	return segs
}
