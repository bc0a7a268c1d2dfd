package devicecache

import (
	"context"
	"testing"

	"github.com/edgecam/ingest/store"
)

type fakeSource struct {
	devices []store.Device
	configs []store.DeviceConfig
}

func (f *fakeSource) AllDevices(ctx context.Context) ([]store.Device, []store.DeviceConfig, error) {
	return f.devices, f.configs, nil
}

func TestGetMissesBeforeRefresh(t *testing.T) {
	c := New()
	if _, _, ok := c.Get("AABBCCDDEEFF"); ok {
		t.Fatal("expected a miss on an empty cache")
	}
}

func TestRefreshPopulatesSnapshot(t *testing.T) {
	c := New()
	src := &fakeSource{
		devices: []store.Device{{DeviceID: "AABBCCDDEEFF", CompanyID: "co_1"}},
		configs: []store.DeviceConfig{{DeviceID: "AABBCCDDEEFF", CaptureIntervalHours: 6}},
	}
	if err := c.Refresh(context.Background(), src); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	d, cfg, ok := c.Get("AABBCCDDEEFF")
	if !ok {
		t.Fatal("expected a hit after refresh")
	}
	if d.CompanyID != "co_1" {
		t.Errorf("CompanyID = %q, want co_1", d.CompanyID)
	}
	if cfg.CaptureIntervalHours != 6 {
		t.Errorf("CaptureIntervalHours = %d, want 6", cfg.CaptureIntervalHours)
	}
	if c.Len() != 1 {
		t.Errorf("Len() = %d, want 1", c.Len())
	}
}

func TestRefreshReplacesPriorSnapshotAtomically(t *testing.T) {
	c := New()
	_ = c.Refresh(context.Background(), &fakeSource{devices: []store.Device{{DeviceID: "AAAAAAAAAAAA"}}})
	_ = c.Refresh(context.Background(), &fakeSource{devices: []store.Device{{DeviceID: "BBBBBBBBBBBB"}}})

	if _, _, ok := c.Get("AAAAAAAAAAAA"); ok {
		t.Error("expected the first device to be gone after the second refresh")
	}
	if _, _, ok := c.Get("BBBBBBBBBBBB"); !ok {
		t.Error("expected the second device to be present")
	}
}
