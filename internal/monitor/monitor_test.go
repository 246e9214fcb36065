package monitor

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"path/filepath"
	"testing"
	"time"

	"github.com/darshan-rambhia/fleetlink/internal/broadcast"
	"github.com/darshan-rambhia/fleetlink/internal/cache"
	"github.com/darshan-rambhia/fleetlink/internal/model"
	"github.com/darshan-rambhia/fleetlink/internal/notify"
	"github.com/darshan-rambhia/fleetlink/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testProvider records notifications for assertions.
type testProvider struct {
	sent []model.Notification
}

func (p *testProvider) Name() string { return "test" }
func (p *testProvider) Send(_ context.Context, n model.Notification) error {
	p.sent = append(p.sent, n)
	return nil
}

var _ notify.Provider = (*testProvider)(nil)

type fakeSweeper struct {
	ttls []time.Duration
	n    int
	err  error
}

func (f *fakeSweeper) SweepStale(_ context.Context, ttl time.Duration) (int, error) {
	f.ttls = append(f.ttls, ttl)
	return f.n, f.err
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// activeDevice creates a device that was enrolled at the given time and
// has not reported since.
func activeDevice(t *testing.T, s *store.Store, name, addr string, enrolledAt time.Time) int64 {
	t.Helper()
	ctx := context.Background()
	_, err := s.UpsertOrganization(ctx, model.Organization{Slug: "acme", Name: "Acme", Type: model.BillingCustomer})
	require.NoError(t, err)
	d, err := s.CreatePendingDevice(ctx, model.PendingDevice{
		OrgSlug: "acme", DeviceName: name, DeviceClass: model.ClassServer, BillingClass: model.BillingCustomer,
	}, "CODE-"+name, enrolledAt.Add(time.Hour), enrolledAt)
	require.NoError(t, err)
	require.NoError(t, s.WithTx(ctx, func(tx *store.Tx) error {
		if err := tx.Reserve(ctx, store.Reservation{
			DeviceID: d.ID, Fingerprint: "fp-" + name, PublicKey: "key-" + name,
			Address: netip.MustParseAddr(addr), ReservedAt: enrolledAt,
		}); err != nil {
			return err
		}
		return tx.Activate(ctx, d.ID, name, model.HardwareDescriptor{}, enrolledAt)
	}))
	return d.ID
}

func newTestMonitor(t *testing.T, cfg Config) (*Monitor, *testProvider, *cache.Cache, *broadcast.Hub, *store.Store) {
	t.Helper()
	s := newTestStore(t)
	c := cache.New()
	hub := broadcast.NewHub(16)
	p := &testProvider{}
	return New(s, c, hub, nil, []notify.Provider{p}, cfg), p, c, hub, s
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 2*time.Minute, cfg.Interval)
	assert.Equal(t, 5*time.Minute, cfg.OfflineAfter)
	assert.Equal(t, 10*time.Minute, cfg.ReservationTTL)
	assert.Equal(t, time.Hour, cfg.Cooldown)
	require.NotNil(t, cfg.CPUHigh)
	assert.Equal(t, 90.0, cfg.CPUHigh.Threshold)
	require.NotNil(t, cfg.RAMHigh)
}

func TestNew(t *testing.T) {
	m := New(nil, cache.New(), nil, nil, nil, Config{})
	assert.Equal(t, DefaultConfig().Interval, m.config.Interval)
	assert.NotNil(t, m.events)
	assert.NotNil(t, m.lastFired)
	assert.NotNil(t, m.sustained)
	assert.NotNil(t, m.offline)
}

func TestCheck_MarksSilentDevicesOffline(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CPUHigh, cfg.RAMHigh = nil, nil
	m, p, c, hub, s := newTestMonitor(t, cfg)
	sub := hub.Subscribe()
	defer sub.Close()

	now := time.Now()
	stale := activeDevice(t, s, "scanner-01", "10.10.0.20", now.Add(-10*time.Minute))
	fresh := activeDevice(t, s, "scanner-02", "10.10.0.21", now.Add(-time.Minute))
	c.Upsert(model.DeviceState{DeviceID: stale, DeviceName: "scanner-01", Status: model.StatusActive})
	c.Upsert(model.DeviceState{DeviceID: fresh, DeviceName: "scanner-02", Status: model.StatusActive})

	m.now = func() time.Time { return now }
	m.Check(context.Background())

	require.Len(t, p.sent, 1)
	n := p.sent[0]
	assert.Equal(t, "device_offline", n.Kind)
	assert.Equal(t, "critical", n.Severity)
	assert.Equal(t, stale, n.DeviceID)
	assert.Equal(t, "Device Offline: scanner-01", n.Title)
	assert.Equal(t, "10.10.0.20", n.Metadata["tunnel_address"])

	d, err := s.GetDevice(context.Background(), stale)
	require.NoError(t, err)
	assert.Equal(t, model.StatusOffline, d.Status)
	d, err = s.GetDevice(context.Background(), fresh)
	require.NoError(t, err)
	assert.Equal(t, model.StatusActive, d.Status)

	st, _ := c.Get(stale)
	assert.Equal(t, model.StatusOffline, st.Status)

	ev := <-sub.Events()
	assert.Equal(t, broadcast.EventDeviceOffline, ev.Type)
	assert.Equal(t, stale, ev.Data.(map[string]any)["device_id"])

	// Already offline: nothing new.
	m.Check(context.Background())
	assert.Len(t, p.sent, 1)
}

func TestCheck_RecoveryNotice(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CPUHigh, cfg.RAMHigh = nil, nil
	m, p, c, _, s := newTestMonitor(t, cfg)

	now := time.Now()
	id := activeDevice(t, s, "server-01", "10.10.0.20", now.Add(-time.Hour))
	c.Upsert(model.DeviceState{DeviceID: id, DeviceName: "server-01", Status: model.StatusActive})
	m.now = func() time.Time { return now }

	m.Check(context.Background())
	require.Len(t, p.sent, 1)

	// A heartbeat brings the device back.
	c.SetStatus(id, model.StatusActive)
	m.Check(context.Background())

	require.Len(t, p.sent, 2)
	assert.True(t, p.sent[1].Resolved)
	assert.Equal(t, "Device Online: server-01", p.sent[1].Title)
	assert.Empty(t, m.offline)
	assert.NotContains(t, m.lastFired, fmt.Sprintf("offline:%d", id))
}

func TestCheck_SustainedCPU(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RAMHigh = nil
	cfg.CPUHigh.Duration = 5 * time.Minute
	m, p, c, _, _ := newTestMonitor(t, cfg)

	cpu := 95.0
	c.Upsert(model.DeviceState{DeviceID: 7, DeviceName: "server-07", Status: model.StatusActive, CPU: &cpu})

	now := time.Now()
	m.now = func() time.Time { return now }
	m.Check(context.Background())
	assert.Empty(t, p.sent, "not sustained yet")

	now = now.Add(6 * time.Minute)
	m.Check(context.Background())
	require.Len(t, p.sent, 1)
	assert.Equal(t, "cpu_high", p.sent[0].Kind)
	assert.Equal(t, "warning", p.sent[0].Severity)
	assert.Equal(t, "95", p.sent[0].Metadata["value"])

	// Cooldown suppresses repeats.
	now = now.Add(time.Minute)
	m.Check(context.Background())
	assert.Len(t, p.sent, 1)
}

func TestCheck_ThresholdResetsWhenValueDrops(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RAMHigh = nil
	m, p, c, _, _ := newTestMonitor(t, cfg)

	cpu := 95.0
	c.Upsert(model.DeviceState{DeviceID: 7, DeviceName: "server-07", Status: model.StatusActive, CPU: &cpu})
	now := time.Now()
	m.now = func() time.Time { return now }
	m.Check(context.Background())
	assert.Contains(t, m.sustained, "cpu_high:7")

	low := 20.0
	c.Upsert(model.DeviceState{DeviceID: 7, DeviceName: "server-07", Status: model.StatusActive, CPU: &low})
	now = now.Add(10 * time.Minute)
	m.Check(context.Background())
	assert.NotContains(t, m.sustained, "cpu_high:7")
	assert.Empty(t, p.sent)
}

func TestCheck_RAMHighImmediate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CPUHigh = nil
	cfg.RAMHigh.Duration = 0
	m, p, c, _, _ := newTestMonitor(t, cfg)

	ram := 97.0
	c.Upsert(model.DeviceState{DeviceID: 3, DeviceName: "scanner-03", Status: model.StatusActive, RAM: &ram})
	m.Check(context.Background())

	require.Len(t, p.sent, 1)
	assert.Equal(t, "ram_high", p.sent[0].Kind)
	assert.Equal(t, "Memory High: scanner-03", p.sent[0].Title)
}

func TestCheck_Sweeps(t *testing.T) {
	cfg := DefaultConfig()
	s := newTestStore(t)
	sw := &fakeSweeper{n: 2}
	m := New(s, cache.New(), nil, sw, nil, cfg)

	m.Check(context.Background())
	assert.Equal(t, []time.Duration{10 * time.Minute}, sw.ttls)

	sw.err = errors.New("db locked")
	m.Check(context.Background())
	assert.Len(t, sw.ttls, 2)
}

func TestCleanup(t *testing.T) {
	m := New(nil, cache.New(), nil, nil, nil, DefaultConfig())
	now := time.Now()
	m.lastFired["old"] = now.Add(-48 * time.Hour)
	m.lastFired["new"] = now
	m.sustained["old"] = now.Add(-48 * time.Hour)

	m.cleanup(now)
	assert.NotContains(t, m.lastFired, "old")
	assert.Contains(t, m.lastFired, "new")
	assert.NotContains(t, m.sustained, "old")
}

func TestRun_CancelledContext(t *testing.T) {
	m := New(newTestStore(t), cache.New(), nil, nil, nil, DefaultConfig())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, m.Run(ctx), context.Canceled)
}
