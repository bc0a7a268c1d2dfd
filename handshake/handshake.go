// Package handshake implements the status -> command decision procedure
// described in spec.md §4.4: every inbound status message produces at most
// one outbound command, computed from the device's scheduling config and
// its persisted next_wake_at.
package handshake

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/edgecam/ingest"
	"github.com/edgecam/ingest/metrics"
	"github.com/edgecam/ingest/store"
	"github.com/edgecam/ingest/store/devicecache"
)

// DeviceStore is the narrow persistence surface the scheduler needs.
type DeviceStore interface {
	ResolveDevice(ctx context.Context, hwID string) (store.Device, store.DeviceConfig, error)
	UpdateNextWake(ctx context.Context, deviceID string, t time.Time) error
	InsertDeviceStatus(ctx context.Context, deviceID, status string, pendingImg int) error
	InsertError(ctx context.Context, deviceID string, captureID *string, code ingest.ErrorCode, message, details string) error
}

// Publisher emits the outbound command.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// Config names the default command for devices the scheduler doesn't
// recognize.
type Config struct {
	UnknownDeviceSleep time.Duration
	// Now is overridable for tests; defaults to time.Now.
	Now func() time.Time
}

// DefaultConfig returns the spec's default 12h sleep for unknown devices.
func DefaultConfig() Config {
	return Config{UnknownDeviceSleep: 12 * time.Hour, Now: time.Now}
}

// Scheduler implements router.HandshakeHandler.
type Scheduler struct {
	cfg       Config
	store     DeviceStore
	publisher Publisher
	logger    logrus.FieldLogger
	cache     *devicecache.Cache
}

// SetCache wires an optional device snapshot cache. Each call to
// HandleStatus runs on the router's per-device goroutine, so a cache hit
// here avoids a SQLite round trip on the hot path without any locking
// between devices; a miss falls back to the store, matching the cache's
// own eventual-refresh semantics.
func (s *Scheduler) SetCache(c *devicecache.Cache) {
	s.cache = c
}

// New builds a Scheduler.
func New(cfg Config, store DeviceStore, publisher Publisher, logger logrus.FieldLogger) *Scheduler {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Scheduler{cfg: cfg, store: store, publisher: publisher, logger: logger}
}

// HandleStatus runs the §4.4 decision procedure for one status message and
// publishes at most one command: none when the device lookup fails for a
// reason other than not-found, or when the next_wake_at write fails.
func (s *Scheduler) HandleStatus(ctx context.Context, hwID string, msg ingest.StatusMessage) {
	if err := s.store.InsertDeviceStatus(ctx, hwID, msg.Status, msg.PendingImg); err != nil {
		s.logger.WithError(err).WithField("device_id", hwID).Warn("failed to persist device status")
	}

	device, cfg, err := s.resolveDevice(ctx, hwID)
	if err != nil {
		if err == store.ErrNotFound {
			s.recordError(ctx, hwID, ingest.ErrUnknownDevice, "status received from unregistered device")
			s.publishSleep(ctx, hwID, s.cfg.Now().UTC().Add(s.cfg.UnknownDeviceSleep))
			return
		}
		s.logger.WithError(err).WithField("device_id", hwID).Error("resolve device failed")
		return
	}

	now := s.cfg.Now().UTC()
	interval := captureInterval(cfg)
	due := device.NextWakeAt == nil || !now.Before(*device.NextWakeAt)

	if due {
		nextWake := now.Add(interval)
		if err := s.store.UpdateNextWake(ctx, hwID, nextWake); err != nil {
			// The command and the next_wake_at write are emitted together;
			// if persistence fails, the command must not go out, or the
			// device could be told to capture twice for one wake interval.
			s.logger.WithError(err).WithField("device_id", hwID).Error("failed to persist next_wake_at, suppressing capture command")
			return
		}
		s.publishCommand(ctx, hwID, ingest.ServerCommand{DeviceID: hwID, CaptureImage: true})
		return
	}

	s.publishSleep(ctx, hwID, *device.NextWakeAt)
}

// resolveDevice checks the snapshot cache first, falling back to the store
// on a miss (either because the cache isn't wired, or the device hasn't
// appeared in a refresh yet).
func (s *Scheduler) resolveDevice(ctx context.Context, hwID string) (store.Device, store.DeviceConfig, error) {
	if s.cache != nil {
		if d, cfg, ok := s.cache.Get(hwID); ok {
			return d, cfg, nil
		}
	}
	return s.store.ResolveDevice(ctx, hwID)
}

func captureInterval(cfg store.DeviceConfig) time.Duration {
	if cfg.TestMode {
		return time.Duration(cfg.TestIntervalMinutes) * time.Minute
	}
	return time.Duration(cfg.CaptureIntervalHours) * time.Hour
}

func (s *Scheduler) publishSleep(ctx context.Context, hwID string, until time.Time) {
	s.publishCommand(ctx, hwID, ingest.ServerCommand{DeviceID: hwID, NextWake: until.UTC().Format(time.RFC3339)})
}

func (s *Scheduler) publishCommand(ctx context.Context, hwID string, cmd ingest.ServerCommand) {
	buf, err := marshalCommand(cmd)
	if err != nil {
		s.logger.WithError(err).WithField("device_id", hwID).Error("failed to marshal command")
		return
	}
	topic := fmt.Sprintf("DEVICE/%s/cmd", hwID)
	if err := s.publisher.Publish(ctx, topic, buf); err != nil {
		s.logger.WithError(err).WithField("device_id", hwID).Error("failed to publish command")
	}
}

func marshalCommand(cmd ingest.ServerCommand) ([]byte, error) {
	return json.Marshal(cmd)
}

func (s *Scheduler) recordError(ctx context.Context, hwID string, code ingest.ErrorCode, message string) {
	s.logger.WithFields(logrus.Fields{"device_id": hwID, "error_code": code}).Warn(message)
	metrics.ErrorsByCode.WithLabelValues(string(code)).Inc()
	if err := s.store.InsertError(ctx, hwID, nil, code, message, ""); err != nil {
		s.logger.WithError(err).Error("failed to persist error record")
	}
}
