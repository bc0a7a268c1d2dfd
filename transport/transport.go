// Package transport defines the pub/sub collaborator the ingest middleware
// runs on top of (spec.md §6: "a small interface, not a concrete broker").
// No production MQTT client is wired here — the retrieval pack carries no
// grounding for one, and fabricating a client library would violate the
// no-invented-dependencies rule. Callers supply a PubSub built on whatever
// client they run in production; this package also ships an in-memory
// fake broker for tests and local development.
package transport

import (
	"context"
	"fmt"
	"sync"
)

// Message is a single pub/sub delivery: the topic it arrived on (or is being
// published to) and its raw payload.
type Message struct {
	Topic   string
	Payload []byte
}

// Handler processes one inbound Message. A non-nil error is logged by the
// caller but never retried by the transport itself — spec.md §1 treats
// delivery as at-most-once, so there is no broker-level redelivery to hook.
type Handler func(ctx context.Context, msg Message) error

// PubSub is the collaborator every component above it depends on: publish a
// message, subscribe to a topic filter, and reconnect automatically behind
// the scenes. Implementations are expected to retry their own transport-level
// reconnects with exponential backoff (cenkalti/backoff/v4) and are free to
// treat Subscribe as idempotent for the same filter.
type PubSub interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(ctx context.Context, filter string, h Handler) error
	Close() error
}

// ErrClosed is returned by a closed broker's Publish/Subscribe calls.
var ErrClosed = fmt.Errorf("transport: closed")

// FakeBroker is an in-memory PubSub used by tests and local development. It
// supports MQTT-style single-level (+) wildcards in subscription filters,
// matching the DEVICE/+/data shape used throughout this system, but not the
// multi-level (#) wildcard since nothing in this system's topic space needs
// it.
type FakeBroker struct {
	mu     sync.RWMutex
	subs   []fakeSub
	closed bool

	// Published records every message handed to Publish, for assertions in
	// tests that check what the server sent back to a device.
	Published []Message
}

type fakeSub struct {
	filter string
	h      Handler
}

// NewFakeBroker returns a ready-to-use in-memory broker.
func NewFakeBroker() *FakeBroker {
	return &FakeBroker{}
}

// Publish delivers payload synchronously to every subscriber whose filter
// matches topic, in subscription order. It also records the message in
// Published for test assertions.
func (b *FakeBroker) Publish(ctx context.Context, topic string, payload []byte) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	b.Published = append(b.Published, Message{Topic: topic, Payload: payload})
	subs := make([]fakeSub, len(b.subs))
	copy(subs, b.subs)
	b.mu.Unlock()

	for _, s := range subs {
		if !topicMatches(s.filter, topic) {
			continue
		}
		if err := s.h(ctx, Message{Topic: topic, Payload: payload}); err != nil {
			return err
		}
	}
	return nil
}

// Subscribe registers h for every future Publish whose topic matches filter.
func (b *FakeBroker) Subscribe(ctx context.Context, filter string, h Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	b.subs = append(b.subs, fakeSub{filter: filter, h: h})
	return nil
}

// Close marks the broker closed; subsequent Publish/Subscribe calls fail.
func (b *FakeBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

// topicMatches implements MQTT single-level wildcard matching for the "+"
// token: each "+" segment matches exactly one topic segment, every other
// segment must match literally, and segment counts must be equal.
func topicMatches(filter, topic string) bool {
	fSegs := splitTopic(filter)
	tSegs := splitTopic(topic)
	if len(fSegs) != len(tSegs) {
		return false
	}
	for i, f := range fSegs {
		if f == "+" {
			continue
		}
		if f != tSegs[i] {
			return false
		}
	}
	return true
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
