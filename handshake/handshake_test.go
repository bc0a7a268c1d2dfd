package handshake

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/edgecam/ingest"
	"github.com/edgecam/ingest/store"
)

type fakeStore struct {
	mu         sync.Mutex
	devices    map[string]store.Device
	configs    map[string]store.DeviceConfig
	nextWakes  map[string]time.Time
	statuses   int
	errs       []ingest.ErrorCode
}

func newFakeStore() *fakeStore {
	return &fakeStore{devices: make(map[string]store.Device), configs: make(map[string]store.DeviceConfig), nextWakes: make(map[string]time.Time)}
}

func (f *fakeStore) ResolveDevice(ctx context.Context, hwID string) (store.Device, store.DeviceConfig, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.devices[hwID]
	if !ok {
		return store.Device{}, store.DeviceConfig{}, store.ErrNotFound
	}
	return d, f.configs[hwID], nil
}

func (f *fakeStore) UpdateNextWake(ctx context.Context, deviceID string, t time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextWakes[deviceID] = t
	d := f.devices[deviceID]
	d.NextWakeAt = &t
	f.devices[deviceID] = d
	return nil
}

func (f *fakeStore) InsertDeviceStatus(ctx context.Context, deviceID, status string, pendingImg int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses++
	return nil
}

func (f *fakeStore) InsertError(ctx context.Context, deviceID string, captureID *string, code ingest.ErrorCode, message, details string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs = append(f.errs, code)
	return nil
}

type fakePublisher struct {
	mu        sync.Mutex
	published map[string]ingest.ServerCommand
}

func newFakePublisher() *fakePublisher {
	return &fakePublisher{published: make(map[string]ingest.ServerCommand)}
}

func (f *fakePublisher) Publish(ctx context.Context, topic string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	var cmd ingest.ServerCommand
	_ = json.Unmarshal(payload, &cmd)
	f.published[topic] = cmd
	return nil
}

func fixedNow(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestUnknownDeviceSendsDefaultSleep(t *testing.T) {
	fs := newFakeStore()
	fp := newFakePublisher()
	cfg := DefaultConfig()
	now := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	cfg.Now = fixedNow(now)
	sch := New(cfg, fs, fp, nil)

	sch.HandleStatus(context.Background(), "AABBCCDDEEFF", ingest.StatusMessage{DeviceID: "AABBCCDDEEFF", Status: "awake"})

	cmd, ok := fp.published["DEVICE/AABBCCDDEEFF/cmd"]
	if !ok {
		t.Fatal("expected a command to be published")
	}
	if cmd.CaptureImage {
		t.Error("unknown device must not get capture_image=true")
	}
	wantWake := now.Add(12 * time.Hour).Format(time.RFC3339)
	if cmd.NextWake != wantWake {
		t.Errorf("NextWake = %q, want %q", cmd.NextWake, wantWake)
	}
	if len(fs.errs) != 1 || fs.errs[0] != ingest.ErrUnknownDevice {
		t.Errorf("errs = %v, want [UNKNOWN_DEVICE]", fs.errs)
	}
}

func TestDueDeviceGetsCaptureCommandAndAdvancesWake(t *testing.T) {
	fs := newFakeStore()
	fp := newFakePublisher()
	now := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	fs.devices["AABBCCDDEEFF"] = store.Device{DeviceID: "AABBCCDDEEFF"} // NextWakeAt nil => due
	fs.configs["AABBCCDDEEFF"] = store.DeviceConfig{TestMode: true, TestIntervalMinutes: 5}

	cfg := DefaultConfig()
	cfg.Now = fixedNow(now)
	sch := New(cfg, fs, fp, nil)

	sch.HandleStatus(context.Background(), "AABBCCDDEEFF", ingest.StatusMessage{DeviceID: "AABBCCDDEEFF", Status: "awake"})

	cmd := fp.published["DEVICE/AABBCCDDEEFF/cmd"]
	if !cmd.CaptureImage {
		t.Error("due device should receive capture_image=true")
	}
	wantWake := now.Add(5 * time.Minute)
	if got := fs.nextWakes["AABBCCDDEEFF"]; !got.Equal(wantWake) {
		t.Errorf("next_wake_at = %v, want %v", got, wantWake)
	}
}

func TestNotDueDeviceGetsSleepUntilNextWake(t *testing.T) {
	fs := newFakeStore()
	fp := newFakePublisher()
	now := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	future := now.Add(2 * time.Hour)
	fs.devices["AABBCCDDEEFF"] = store.Device{DeviceID: "AABBCCDDEEFF", NextWakeAt: &future}
	fs.configs["AABBCCDDEEFF"] = store.DeviceConfig{CaptureIntervalHours: 6}

	cfg := DefaultConfig()
	cfg.Now = fixedNow(now)
	sch := New(cfg, fs, fp, nil)

	sch.HandleStatus(context.Background(), "AABBCCDDEEFF", ingest.StatusMessage{DeviceID: "AABBCCDDEEFF"})

	cmd := fp.published["DEVICE/AABBCCDDEEFF/cmd"]
	if cmd.CaptureImage {
		t.Error("device not yet due must not get capture_image=true")
	}
	if cmd.NextWake != future.Format(time.RFC3339) {
		t.Errorf("NextWake = %q, want %q", cmd.NextWake, future.Format(time.RFC3339))
	}
	if _, wrote := fs.nextWakes["AABBCCDDEEFF"]; wrote {
		t.Error("next_wake_at must not be rewritten when the device isn't due")
	}
}
