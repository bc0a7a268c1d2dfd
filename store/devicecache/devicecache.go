// Package devicecache gives every per-device worker a lock-free read of the
// device/device-config tables (spec.md §4.4 step 1's device lookup), backed
// by an immutable map swapped atomically on refresh. Readers never block a
// writer and never block each other, since each holds its own snapshot.
package devicecache

import (
	"context"
	"sync/atomic"

	"github.com/benbjohnson/immutable"

	"github.com/edgecam/ingest/store"
)

// Source is the narrow persistence surface a refresh reads from.
type Source interface {
	AllDevices(ctx context.Context) ([]store.Device, []store.DeviceConfig, error)
}

type entry struct {
	device store.Device
	config store.DeviceConfig
}

// Cache holds the most recently refreshed device snapshot. The zero value is
// not usable; construct with New.
type Cache struct {
	snapshot atomic.Pointer[immutable.Map[string, entry]]
}

// New returns an empty Cache; call Refresh at least once before Get is
// useful.
func New() *Cache {
	c := &Cache{}
	c.snapshot.Store(immutable.NewMap[string, entry](nil))
	return c
}

// Refresh reloads every device and swaps the snapshot in a single atomic
// store, so concurrent Get calls always see either the old or the new
// snapshot in full, never a partial one.
func (c *Cache) Refresh(ctx context.Context, src Source) error {
	devices, configs, err := src.AllDevices(ctx)
	if err != nil {
		return err
	}
	configByDevice := make(map[string]store.DeviceConfig, len(configs))
	for _, cfg := range configs {
		configByDevice[cfg.DeviceID] = cfg
	}

	next := immutable.NewMap[string, entry](nil)
	for _, d := range devices {
		next = next.Set(d.DeviceID, entry{device: d, config: configByDevice[d.DeviceID]})
	}
	c.snapshot.Store(next)
	return nil
}

// Get returns the cached device and config for hwID, and whether it was
// present as of the last Refresh. Safe for concurrent use without locking.
func (c *Cache) Get(hwID string) (store.Device, store.DeviceConfig, bool) {
	e, ok := c.snapshot.Load().Get(hwID)
	if !ok {
		return store.Device{}, store.DeviceConfig{}, false
	}
	return e.device, e.config, true
}

// Len reports how many devices the current snapshot holds.
func (c *Cache) Len() int {
	return c.snapshot.Load().Len()
}
