// Package monitor watches the fleet for silent devices, sustained resource
// pressure and abandoned enrollment reservations.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/darshan-rambhia/fleetlink/internal/broadcast"
	"github.com/darshan-rambhia/fleetlink/internal/cache"
	"github.com/darshan-rambhia/fleetlink/internal/model"
	"github.com/darshan-rambhia/fleetlink/internal/notify"
	"github.com/darshan-rambhia/fleetlink/internal/store"
)

// Config holds monitor settings.
type Config struct {
	Interval       time.Duration
	OfflineAfter   time.Duration
	ReservationTTL time.Duration
	Cooldown       time.Duration
	CPUHigh        *ThresholdRule
	RAMHigh        *ThresholdRule
}

// ThresholdRule triggers when a metric stays at or above Threshold for Duration.
type ThresholdRule struct {
	Threshold float64
	Duration  time.Duration
	Severity  string
}

// DefaultConfig returns the default monitor settings.
func DefaultConfig() Config {
	return Config{
		Interval:       2 * time.Minute,
		OfflineAfter:   5 * time.Minute,
		ReservationTTL: 10 * time.Minute,
		Cooldown:       time.Hour,
		CPUHigh:        &ThresholdRule{Threshold: 90, Duration: 5 * time.Minute, Severity: "warning"},
		RAMHigh:        &ThresholdRule{Threshold: 90, Duration: 5 * time.Minute, Severity: "warning"},
	}
}

// Sweeper releases enrollment reservations older than ttl.
type Sweeper interface {
	SweepStale(ctx context.Context, ttl time.Duration) (int, error)
}

// Monitor runs the periodic fleet checks.
type Monitor struct {
	store     *store.Store
	cache     *cache.Cache
	events    broadcast.Broadcaster
	sweeper   Sweeper
	providers []notify.Provider
	config    Config
	now       func() time.Time

	// alert key → last fired
	lastFired map[string]time.Time
	// alert key → first observed
	sustained map[string]time.Time
	// devices announced offline, awaiting recovery
	offline map[int64]string
}

// New creates a monitor. sweeper may be nil to skip reservation cleanup.
func New(s *store.Store, c *cache.Cache, b broadcast.Broadcaster, sweeper Sweeper, providers []notify.Provider, cfg Config) *Monitor {
	if b == nil {
		b = broadcast.Noop{}
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	return &Monitor{
		store:     s,
		cache:     c,
		events:    b,
		sweeper:   sweeper,
		providers: providers,
		config:    cfg,
		now:       time.Now,
		lastFired: make(map[string]time.Time),
		sustained: make(map[string]time.Time),
		offline:   make(map[int64]string),
	}
}

// Run checks the fleet every interval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	slog.Info("monitor started", "interval", m.config.Interval, "offline_after", m.config.OfflineAfter)

	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("monitor stopped")
			return ctx.Err()
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}

// Check runs one round of every check.
func (m *Monitor) Check(ctx context.Context) {
	now := m.now()
	m.cleanup(now)
	m.markOffline(ctx, now)

	snap := m.cache.Snapshot()
	m.checkRecovered(ctx, now, snap)
	m.checkThresholds(ctx, now, snap)
	m.sweep(ctx)
}

func (m *Monitor) cleanup(now time.Time) {
	const maxAge = 24 * time.Hour
	for key, t := range m.lastFired {
		if now.Sub(t) > maxAge {
			delete(m.lastFired, key)
		}
	}
	for key, t := range m.sustained {
		if now.Sub(t) > maxAge {
			delete(m.sustained, key)
		}
	}
}

func (m *Monitor) markOffline(ctx context.Context, now time.Time) {
	if m.config.OfflineAfter <= 0 {
		return
	}
	devices, err := m.store.MarkStaleOffline(ctx, now.Add(-m.config.OfflineAfter), now)
	if err != nil {
		slog.Error("marking stale devices offline", "error", err)
		return
	}

	for _, d := range devices {
		m.cache.SetStatus(d.ID, model.StatusOffline)
		m.offline[d.ID] = d.DeviceName

		silent := "never reported"
		lastSeen := ""
		if d.LastSeenAt != nil {
			silent = fmt.Sprintf("no heartbeat for %s", now.Sub(*d.LastSeenAt).Round(time.Second))
			lastSeen = d.LastSeenAt.UTC().Format(time.RFC3339)
		}

		m.events.Emit(broadcast.EventDeviceOffline, map[string]any{
			"device_id":    d.ID,
			"device_name":  d.DeviceName,
			"last_seen_at": d.LastSeenAt,
		})
		m.fire(ctx, now, fmt.Sprintf("offline:%d", d.ID), model.Notification{
			Kind:       "device_offline",
			Severity:   "critical",
			Title:      fmt.Sprintf("Device Offline: %s", d.DeviceName),
			Message:    silent,
			DeviceID:   d.ID,
			DeviceName: d.DeviceName,
			Timestamp:  now,
			Metadata: map[string]string{
				"tunnel_address": d.TunnelAddress,
				"last_seen_at":   lastSeen,
			},
		})
	}
}

func (m *Monitor) checkRecovered(ctx context.Context, now time.Time, snap cache.CacheSnapshot) {
	for id, name := range m.offline {
		st, ok := snap.Devices[id]
		if !ok || st.Status != model.StatusActive {
			continue
		}
		delete(m.offline, id)
		delete(m.lastFired, fmt.Sprintf("offline:%d", id))

		notify.Fanout(ctx, m.providers, model.Notification{
			Kind:       "device_offline",
			Severity:   "info",
			Title:      fmt.Sprintf("Device Online: %s", name),
			Message:    "heartbeats resumed",
			DeviceID:   id,
			DeviceName: name,
			Timestamp:  now,
			Resolved:   true,
		})
		slog.Info("device recovered", "device_id", id, "device_name", name)
	}
}

func (m *Monitor) checkThresholds(ctx context.Context, now time.Time, snap cache.CacheSnapshot) {
	for id, st := range snap.Devices {
		if st.Status != model.StatusActive {
			delete(m.sustained, fmt.Sprintf("cpu_high:%d", id))
			delete(m.sustained, fmt.Sprintf("ram_high:%d", id))
			continue
		}
		if r := m.config.CPUHigh; r != nil && st.CPU != nil {
			m.checkSustainedThreshold(ctx, now, fmt.Sprintf("cpu_high:%d", id), *st.CPU, r, model.Notification{
				Kind:       "cpu_high",
				Severity:   r.Severity,
				Title:      fmt.Sprintf("CPU High: %s", st.DeviceName),
				Message:    fmt.Sprintf("CPU at %.0f%% for %s+", *st.CPU, r.Duration),
				DeviceID:   id,
				DeviceName: st.DeviceName,
				Timestamp:  now,
				Metadata:   map[string]string{"value": fmt.Sprintf("%.0f", *st.CPU)},
			})
		}
		if r := m.config.RAMHigh; r != nil && st.RAM != nil {
			m.checkSustainedThreshold(ctx, now, fmt.Sprintf("ram_high:%d", id), *st.RAM, r, model.Notification{
				Kind:       "ram_high",
				Severity:   r.Severity,
				Title:      fmt.Sprintf("Memory High: %s", st.DeviceName),
				Message:    fmt.Sprintf("Memory at %.0f%% for %s+", *st.RAM, r.Duration),
				DeviceID:   id,
				DeviceName: st.DeviceName,
				Timestamp:  now,
				Metadata:   map[string]string{"value": fmt.Sprintf("%.0f", *st.RAM)},
			})
		}
	}
}

func (m *Monitor) checkSustainedThreshold(ctx context.Context, now time.Time, key string, value float64, r *ThresholdRule, notif model.Notification) {
	if value < r.Threshold {
		delete(m.sustained, key)
		return
	}
	first, ok := m.sustained[key]
	if !ok {
		m.sustained[key] = now
		first = now
	}
	if now.Sub(first) >= r.Duration {
		m.fire(ctx, now, key, notif)
	}
}

func (m *Monitor) fire(ctx context.Context, now time.Time, key string, notif model.Notification) {
	if last, ok := m.lastFired[key]; ok && now.Sub(last) < m.config.Cooldown {
		return
	}
	m.lastFired[key] = now

	notify.Fanout(ctx, m.providers, notif)

	slog.Warn("alert fired",
		"kind", notif.Kind,
		"severity", notif.Severity,
		"device_id", notif.DeviceID,
		"device_name", notif.DeviceName,
		"title", notif.Title,
	)
}

func (m *Monitor) sweep(ctx context.Context) {
	if m.sweeper == nil || m.config.ReservationTTL <= 0 {
		return
	}
	n, err := m.sweeper.SweepStale(ctx, m.config.ReservationTTL)
	if err != nil {
		slog.Error("sweeping stale reservations", "error", err)
		return
	}
	if n > 0 {
		slog.Info("stale reservations released", "count", n)
	}
}
