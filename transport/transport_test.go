package transport

import (
	"context"
	"testing"
)

func TestFakeBrokerWildcardDelivery(t *testing.T) {
	b := NewFakeBroker()
	ctx := context.Background()

	var got []Message
	if err := b.Subscribe(ctx, "DEVICE/+/data", func(ctx context.Context, msg Message) error {
		got = append(got, msg)
		return nil
	}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	if err := b.Publish(ctx, "DEVICE/AABBCCDDEEFF/data", []byte("chunk")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if err := b.Publish(ctx, "DEVICE/AABBCCDDEEFF/status", []byte("ignored")); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	if len(got) != 1 {
		t.Fatalf("got %d deliveries, want 1", len(got))
	}
	if got[0].Topic != "DEVICE/AABBCCDDEEFF/data" {
		t.Errorf("topic = %q", got[0].Topic)
	}
	if len(b.Published) != 2 {
		t.Errorf("Published len = %d, want 2", len(b.Published))
	}
}

func TestFakeBrokerClosedRejects(t *testing.T) {
	b := NewFakeBroker()
	ctx := context.Background()
	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := b.Publish(ctx, "DEVICE/AABBCCDDEEFF/data", nil); err != ErrClosed {
		t.Errorf("Publish after close = %v, want ErrClosed", err)
	}
	if err := b.Subscribe(ctx, "DEVICE/+/data", func(context.Context, Message) error { return nil }); err != ErrClosed {
		t.Errorf("Subscribe after close = %v, want ErrClosed", err)
	}
}

func TestTopicMatches(t *testing.T) {
	cases := []struct {
		filter, topic string
		want          bool
	}{
		{"DEVICE/+/data", "DEVICE/AABBCCDDEEFF/data", true},
		{"DEVICE/+/data", "DEVICE/AABBCCDDEEFF/status", false},
		{"DEVICE/+/data", "DEVICE/AABBCCDDEEFF/data/extra", false},
		{"DEVICE/AABBCCDDEEFF/cmd", "DEVICE/AABBCCDDEEFF/cmd", true},
	}
	for _, c := range cases {
		if got := topicMatches(c.filter, c.topic); got != c.want {
			t.Errorf("topicMatches(%q, %q) = %v, want %v", c.filter, c.topic, got, c.want)
		}
	}
}
