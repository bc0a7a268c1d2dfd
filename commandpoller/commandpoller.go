// Package commandpoller implements the periodic queued-command dispatcher
// described in spec.md §4.5: poll commands in status=queued order, publish
// each to its device's command topic, and only then flip it to sent — so a
// crash between publish and commit leaves a command queued for the next
// tick rather than lost, and a command already marked sent is never
// re-published.
package commandpoller

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/edgecam/ingest"
	"github.com/edgecam/ingest/metrics"
	"github.com/edgecam/ingest/store"
)

// CommandStore is the narrow persistence surface the poller needs.
type CommandStore interface {
	FetchQueuedCommands(ctx context.Context, limit int) ([]store.Command, error)
	MarkCommandSent(ctx context.Context, commandID string, ts time.Time) error
	AcknowledgeCommand(ctx context.Context, commandID string) (bool, error)
}

// Publisher emits a command payload to a device's cmd topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// Config tunes the poll cadence and batch size.
type Config struct {
	Interval  time.Duration
	BatchSize int
}

// DefaultConfig returns the spec's default 2s poll cadence.
func DefaultConfig() Config {
	return Config{Interval: 2 * time.Second, BatchSize: 50}
}

// Poller drives commands from queued to sent, and acknowledged commands
// from device acks.
type Poller struct {
	cfg       Config
	store     CommandStore
	publisher Publisher
	logger    logrus.FieldLogger

	stop chan struct{}
	done chan struct{}
}

// New builds a Poller.
func New(cfg Config, store CommandStore, publisher Publisher, logger logrus.FieldLogger) *Poller {
	if logger == nil {
		logger = logrus.New()
	}
	return &Poller{cfg: cfg, store: store, publisher: publisher, logger: logger, stop: make(chan struct{}), done: make(chan struct{})}
}

// Start runs the poll loop until Stop is called or ctx is cancelled.
func (p *Poller) Start(ctx context.Context) {
	go func() {
		defer close(p.done)
		ticker := time.NewTicker(p.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-p.stop:
				return
			case <-ticker.C:
				p.tick(ctx)
			}
		}
	}()
}

// Stop halts the poll loop and waits for the current tick to finish.
func (p *Poller) Stop() {
	close(p.stop)
	<-p.done
}

// tick processes one batch of queued commands. Each command is published
// before its status commits to sent, per §4.5's ordering requirement.
func (p *Poller) tick(ctx context.Context) {
	cmds, err := p.store.FetchQueuedCommands(ctx, p.cfg.BatchSize)
	if err != nil {
		p.logger.WithError(err).Error("fetch queued commands failed")
		return
	}
	for _, c := range cmds {
		topic := fmt.Sprintf("DEVICE/%s/cmd", c.DeviceID)
		if err := p.publisher.Publish(ctx, topic, []byte(c.Payload)); err != nil {
			// Left queued; the next tick retries. At-least-once delivery is
			// accepted (§9 "Command delivery semantics") since devices treat
			// repeated capture_image as idempotent.
			p.logger.WithError(err).WithField("command_id", c.CommandID).Warn("command publish failed, will retry next tick")
			continue
		}
		metrics.CommandsDispatched.Inc()
		if err := p.store.MarkCommandSent(ctx, c.CommandID, time.Now().UTC()); err != nil {
			p.logger.WithError(err).WithField("command_id", c.CommandID).Error("failed to mark command sent after publish; it may be re-sent next tick")
		}
	}
}

// HandleAck implements router.AckHandler: a device-ack that names a
// command_id flips that command to acknowledged; an unmatched id is logged
// and dropped (§4.5).
func (p *Poller) HandleAck(ctx context.Context, hwID string, msg ingest.DeviceAckMessage) {
	if msg.CommandID == "" {
		return
	}
	matched, err := p.store.AcknowledgeCommand(ctx, msg.CommandID)
	if err != nil {
		p.logger.WithError(err).WithField("command_id", msg.CommandID).Error("acknowledge command failed")
		return
	}
	if !matched {
		p.logger.WithFields(logrus.Fields{"device_id": hwID, "command_id": msg.CommandID}).Debug("ack referenced an unknown command, dropping")
	}
}
