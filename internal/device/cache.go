package device

import (
	"fmt"
	"sort"
	"time"
)

// Cache maps device IDs to device records.
//
// Cache is not safe for concurrent use. The coordinator owns the committed
// cache and only mutates private clones of it while folding a batch, then
// swaps the clone in under its own lock.
type Cache struct {
	devices map[string]*Device
}

// NewCache creates a cache populated with deep copies of the given devices.
// Devices with an empty ID are skipped.
func NewCache(devices ...*Device) *Cache {
	c := &Cache{devices: make(map[string]*Device, len(devices))}
	for _, d := range devices {
		if d == nil || d.ID == "" {
			continue
		}
		c.devices[d.ID] = d.DeepCopy()
	}
	return c
}

// Get returns the cached device or ErrDeviceNotFound.
// The returned pointer aliases the cache entry.
func (c *Cache) Get(id string) (*Device, error) {
	d, ok := c.devices[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDeviceNotFound, id)
	}
	return d, nil
}

// Has reports whether id is cached.
func (c *Cache) Has(id string) bool {
	_, ok := c.devices[id]
	return ok
}

// Upsert inserts or replaces a device.
func (c *Cache) Upsert(d *Device) error {
	if d == nil || d.ID == "" {
		return ErrInvalidDevice
	}
	c.devices[d.ID] = d.DeepCopy()
	return nil
}

// Remove deletes a device. It reports whether the device was present.
func (c *Cache) Remove(id string) bool {
	if _, ok := c.devices[id]; !ok {
		return false
	}
	delete(c.devices, id)
	return true
}

// ReplaceAll discards every cached device and loads the given set.
func (c *Cache) ReplaceAll(devices []*Device) {
	c.devices = make(map[string]*Device, len(devices))
	for _, d := range devices {
		if d == nil || d.ID == "" {
			continue
		}
		c.devices[d.ID] = d.DeepCopy()
	}
}

// ApplyStateUpdate creates or overwrites the named state on a device.
//
// The value must already be cast from raw using t (see CastValue). Type and
// raw are stored alongside it so the typed value never goes stale across a
// type change.
func (c *Cache) ApplyStateUpdate(id, name string, t DataType, value, raw any) error {
	d, ok := c.devices[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrDeviceNotFound, id)
	}
	if d.States == nil {
		d.States = make(map[string]State)
	}
	d.States[name] = State{Name: name, Type: t, Value: value, Raw: raw}

	now := time.Now().UTC()
	d.StateUpdatedAt = &now
	return nil
}

// SetAvailable sets the availability flag of a device.
func (c *Cache) SetAvailable(id string, available bool) error {
	d, ok := c.devices[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrDeviceNotFound, id)
	}
	d.Available = available
	return nil
}

// Clone returns a deep, independent copy of the cache.
func (c *Cache) Clone() *Cache {
	cpy := &Cache{devices: make(map[string]*Device, len(c.devices))}
	for id, d := range c.devices {
		cpy.devices[id] = d.DeepCopy()
	}
	return cpy
}

// Snapshot returns deep copies of every cached device keyed by ID.
func (c *Cache) Snapshot() map[string]*Device {
	out := make(map[string]*Device, len(c.devices))
	for id, d := range c.devices {
		out[id] = d.DeepCopy()
	}
	return out
}

// List returns deep copies of every cached device sorted by ID.
func (c *Cache) List() []*Device {
	out := make([]*Device, 0, len(c.devices))
	for _, d := range c.devices {
		out = append(out, d.DeepCopy())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// IDs returns the cached device IDs in sorted order.
func (c *Cache) IDs() []string {
	ids := make([]string, 0, len(c.devices))
	for id := range c.devices {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of cached devices.
func (c *Cache) Len() int {
	return len(c.devices)
}
