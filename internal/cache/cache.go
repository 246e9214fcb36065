package cache

import (
	"sort"
	"sync"

	"github.com/darshan-rambhia/fleetlink/internal/model"
)

// Cache is a thread-safe in-memory view of the live fleet.
type Cache struct {
	mu sync.RWMutex

	Devices map[int64]*model.DeviceState
}

// CacheSnapshot is a read-only deep copy of the cache state.
type CacheSnapshot struct {
	Devices map[int64]*model.DeviceState
}

// New returns an initialized Cache.
func New() *Cache {
	return &Cache{
		Devices: make(map[int64]*model.DeviceState),
	}
}

// Load replaces the cache contents, typically from the store at startup.
func (c *Cache) Load(states []model.DeviceState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Devices = make(map[int64]*model.DeviceState, len(states))
	for _, st := range states {
		cp := copyState(&st)
		c.Devices[st.DeviceID] = cp
	}
}

// Upsert stores the latest state of a device.
func (c *Cache) Upsert(st model.DeviceState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Devices[st.DeviceID] = copyState(&st)
}

// SetStatus changes the status of a cached device. It reports whether the
// device was present.
func (c *Cache) SetStatus(deviceID int64, status model.DeviceStatus) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.Devices[deviceID]
	if ok {
		d.Status = status
	}
	return ok
}

// Get returns a copy of one device's state.
func (c *Cache) Get(deviceID int64) (model.DeviceState, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.Devices[deviceID]
	if !ok {
		return model.DeviceState{}, false
	}
	return *copyState(d), true
}

// Snapshot returns a deep copy of the cache contents.
func (c *Cache) Snapshot() CacheSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	snap := CacheSnapshot{
		Devices: make(map[int64]*model.DeviceState, len(c.Devices)),
	}
	for id, d := range c.Devices {
		snap.Devices[id] = copyState(d)
	}
	return snap
}

// Counts returns the number of devices in each status.
func (s CacheSnapshot) Counts() map[model.DeviceStatus]int {
	counts := make(map[model.DeviceStatus]int)
	for _, d := range s.Devices {
		counts[d.Status]++
	}
	return counts
}

// Sorted returns the devices ordered by id.
func (s CacheSnapshot) Sorted() []model.DeviceState {
	out := make([]model.DeviceState, 0, len(s.Devices))
	for _, d := range s.Devices {
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

func copyState(d *model.DeviceState) *model.DeviceState {
	cp := *d
	if d.CPU != nil {
		v := *d.CPU
		cp.CPU = &v
	}
	if d.RAM != nil {
		v := *d.RAM
		cp.RAM = &v
	}
	return &cp
}
