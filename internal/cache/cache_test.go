package cache

import (
	"sync"
	"testing"
	"time"

	"github.com/darshan-rambhia/fleetlink/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func f(v float64) *float64 { return &v }

func TestNew(t *testing.T) {
	c := New()
	assert.NotNil(t, c.Devices)
}

func TestUpsertAndGet(t *testing.T) {
	c := New()
	c.Upsert(model.DeviceState{DeviceID: 1, DeviceName: "scanner-01", Status: model.StatusActive, CPU: f(12.5)})

	got, ok := c.Get(1)
	require.True(t, ok)
	assert.Equal(t, "scanner-01", got.DeviceName)
	assert.Equal(t, 12.5, *got.CPU)

	_, ok = c.Get(2)
	assert.False(t, ok)
}

func TestLoadReplaces(t *testing.T) {
	c := New()
	c.Upsert(model.DeviceState{DeviceID: 9, Status: model.StatusActive})
	c.Load([]model.DeviceState{
		{DeviceID: 1, Status: model.StatusActive},
		{DeviceID: 2, Status: model.StatusOffline},
	})

	snap := c.Snapshot()
	assert.Len(t, snap.Devices, 2)
	assert.NotContains(t, snap.Devices, int64(9))
}

func TestSetStatus(t *testing.T) {
	c := New()
	c.Upsert(model.DeviceState{DeviceID: 1, Status: model.StatusActive})

	assert.True(t, c.SetStatus(1, model.StatusOffline))
	assert.False(t, c.SetStatus(2, model.StatusOffline))

	got, _ := c.Get(1)
	assert.Equal(t, model.StatusOffline, got.Status)
}

func TestSnapshotIsDeepCopy(t *testing.T) {
	c := New()
	c.Upsert(model.DeviceState{DeviceID: 1, Status: model.StatusActive, CPU: f(10)})

	snap := c.Snapshot()
	*snap.Devices[1].CPU = 99
	snap.Devices[1].Status = model.StatusSuspended

	got, _ := c.Get(1)
	assert.Equal(t, 10.0, *got.CPU)
	assert.Equal(t, model.StatusActive, got.Status)
}

func TestSnapshotCountsAndSorted(t *testing.T) {
	c := New()
	c.Upsert(model.DeviceState{DeviceID: 3, Status: model.StatusActive})
	c.Upsert(model.DeviceState{DeviceID: 1, Status: model.StatusActive})
	c.Upsert(model.DeviceState{DeviceID: 2, Status: model.StatusOffline})

	snap := c.Snapshot()
	counts := snap.Counts()
	assert.Equal(t, 2, counts[model.StatusActive])
	assert.Equal(t, 1, counts[model.StatusOffline])

	sorted := snap.Sorted()
	require.Len(t, sorted, 3)
	assert.Equal(t, []int64{1, 2, 3}, []int64{sorted[0].DeviceID, sorted[1].DeviceID, sorted[2].DeviceID})
}

func TestConcurrentAccess(t *testing.T) {
	c := New()
	var wg sync.WaitGroup
	for i := range 10 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := range 100 {
				c.Upsert(model.DeviceState{DeviceID: int64(i), CPU: f(float64(j)), LastSeen: time.Now()})
			}
		}()
		go func() {
			defer wg.Done()
			for range 100 {
				_ = c.Snapshot()
			}
		}()
	}
	wg.Wait()
	assert.Len(t, c.Snapshot().Devices, 10)
}

func BenchmarkSnapshot(b *testing.B) {
	c := New()
	for i := range 500 {
		c.Upsert(model.DeviceState{DeviceID: int64(i + 1), Status: model.StatusActive, CPU: f(float64(i % 100))})
	}
	for b.Loop() {
		_ = c.Snapshot().Sorted()
	}
}
