package store

import (
	"context"
	"encoding/json"
	"net/netip"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/darshan-rambhia/fleetlink/internal/addrpool"
	"github.com/darshan-rambhia/fleetlink/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t testing.TB) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := New(filepath.Join(dir, "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// seedPending creates an organization and a pending device with the given claim code.
func seedPending(t testing.TB, s *Store, billing model.BillingClass, code string) *model.Device {
	t.Helper()
	ctx := context.Background()
	orgID, err := s.UpsertOrganization(ctx, model.Organization{Slug: "acme", Name: "Acme Dental", Type: billing})
	require.NoError(t, err)
	_, err = s.UpsertSite(ctx, model.Site{OrgID: orgID, Slug: "main", Name: "Main Office"})
	require.NoError(t, err)

	now := time.Now()
	d, err := s.CreatePendingDevice(ctx, model.PendingDevice{
		OrgSlug:      "acme",
		SiteSlug:     "main",
		DeviceName:   "scanner-" + code,
		DeviceClass:  model.ClassScanner,
		BillingClass: billing,
	}, code, now.Add(24*time.Hour), now)
	require.NoError(t, err)
	return d
}

func reserve(t testing.TB, s *Store, id int64, fp, addr string) {
	t.Helper()
	ctx := context.Background()
	err := s.WithTx(ctx, func(tx *Tx) error {
		return tx.Reserve(ctx, Reservation{
			DeviceID:    id,
			Fingerprint: fp,
			PublicKey:   "key-" + fp,
			Address:     netip.MustParseAddr(addr),
			ReservedAt:  time.Now(),
		})
	})
	require.NoError(t, err)
}

func TestNew(t *testing.T) {
	s := newTestStore(t)
	assert.NotNil(t, s)
	assert.NoError(t, s.Ping(context.Background()))
}

func TestNew_InvalidPath(t *testing.T) {
	_, err := New("/nonexistent/dir/test.db")
	assert.Error(t, err)
}

func TestCreatePendingDevice(t *testing.T) {
	s := newTestStore(t)
	d := seedPending(t, s, model.BillingCustomer, "ABC123")

	assert.Equal(t, model.StatusPending, d.Status)
	assert.Equal(t, "Acme Dental", d.OrgName)
	assert.Equal(t, "Main Office", d.SiteName)
	assert.Equal(t, model.ClassScanner, d.DeviceClass)
	assert.Empty(t, d.TunnelAddress)
}

func TestCreatePendingDevice_UnknownOrg(t *testing.T) {
	s := newTestStore(t)
	_, err := s.CreatePendingDevice(context.Background(), model.PendingDevice{
		OrgSlug: "nobody", DeviceName: "x", DeviceClass: model.ClassServer, BillingClass: model.BillingCustomer,
	}, "CODE", time.Now().Add(time.Hour), time.Now())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCreatePendingDevice_DuplicateClaimCode(t *testing.T) {
	s := newTestStore(t)
	seedPending(t, s, model.BillingCustomer, "DUP")
	_, err := s.CreatePendingDevice(context.Background(), model.PendingDevice{
		OrgSlug: "acme", DeviceName: "other", DeviceClass: model.ClassServer, BillingClass: model.BillingCustomer,
	}, "DUP", time.Now().Add(time.Hour), time.Now())
	assert.ErrorIs(t, err, ErrClaimCodeTaken)
}

func TestClaimableDevice(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	d := seedPending(t, s, model.BillingCustomer, "ABC123")

	got, err := s.ClaimableDevice(ctx, "ABC123", time.Now())
	require.NoError(t, err)
	assert.Equal(t, d.ID, got.ID)

	_, err = s.ClaimableDevice(ctx, "NOPE", time.Now())
	assert.ErrorIs(t, err, ErrNotFound)

	// Expired codes look the same as unknown ones.
	_, err = s.ClaimableDevice(ctx, "ABC123", time.Now().Add(25*time.Hour))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpsertOrganization_Idempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id1, err := s.UpsertOrganization(ctx, model.Organization{Slug: "acme", Name: "Acme", Type: model.BillingCustomer})
	require.NoError(t, err)
	id2, err := s.UpsertOrganization(ctx, model.Organization{Slug: "acme", Name: "Acme Renamed", Type: model.BillingCustomer})
	require.NoError(t, err)
	assert.Equal(t, id1, id2)
}

func TestReserveActivateLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	d := seedPending(t, s, model.BillingCustomer, "ABC123")

	reserve(t, s, d.ID, "fp1", "10.10.0.20")

	got, err := s.GetDevice(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusProvisioning, got.Status)
	assert.Equal(t, "10.10.0.20", got.TunnelAddress)

	hw := model.HardwareDescriptor{
		SerialNumber: "SN1", MACAddresses: "aa:bb:cc:dd:ee:ff, 11:22:33:44:55:66",
		Manufacturer: "Dell", Model: "OptiPlex", CPUCores: 4, RAMGB: 16, DockerPresent: true,
	}
	now := time.Now()
	err = s.WithTx(ctx, func(tx *Tx) error {
		return tx.Activate(ctx, d.ID, "scanner01", hw, now)
	})
	require.NoError(t, err)

	got, err = s.GetDevice(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusActive, got.Status)
	assert.Equal(t, "scanner01", got.Hostname)
	assert.Equal(t, []string{"aa:bb:cc:dd:ee:ff", "11:22:33:44:55:66"}, got.MACAddresses)
	assert.True(t, got.DockerPresent)
	require.NotNil(t, got.EnrolledAt)
	assert.Equal(t, now.Unix(), got.EnrolledAt.Unix())

	// Claim code is consumed.
	_, err = s.ClaimableDevice(ctx, "ABC123", time.Now())
	assert.ErrorIs(t, err, ErrNotFound)

	// Initial snapshot is seeded with zero uptime.
	hb, err := s.GetHeartbeat(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), hb.UptimeSeconds)
}

func TestActivate_WithoutReservation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	d := seedPending(t, s, model.BillingCustomer, "ABC123")

	err := s.WithTx(ctx, func(tx *Tx) error {
		return tx.Activate(ctx, d.ID, "h", model.HardwareDescriptor{}, time.Now())
	})
	assert.ErrorIs(t, err, ErrNotReserved)
}

func TestReleaseReservation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	d := seedPending(t, s, model.BillingCustomer, "ABC123")
	reserve(t, s, d.ID, "fp1", "10.10.0.20")

	require.NoError(t, s.ReleaseReservation(ctx, d.ID, time.Now()))

	got, err := s.GetDevice(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, got.Status)
	assert.Empty(t, got.TunnelAddress)
	assert.Empty(t, got.Fingerprint)

	// Claim code survives and the device can reserve again.
	_, err = s.ClaimableDevice(ctx, "ABC123", time.Now())
	assert.NoError(t, err)

	assert.ErrorIs(t, s.ReleaseReservation(ctx, d.ID, time.Now()), ErrNotReserved)
}

func TestReserve_FingerprintTaken(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a := seedPending(t, s, model.BillingCustomer, "A")
	b := seedPending(t, s, model.BillingCustomer, "B")
	reserve(t, s, a.ID, "same", "10.10.0.20")

	err := s.WithTx(ctx, func(tx *Tx) error {
		owner, err := tx.FingerprintOwner(ctx, "same", b.ID)
		require.NoError(t, err)
		assert.Equal(t, a.ID, owner)

		return tx.Reserve(ctx, Reservation{
			DeviceID: b.ID, Fingerprint: "same", PublicKey: "k",
			Address: netip.MustParseAddr("10.10.0.21"), ReservedAt: time.Now(),
		})
	})
	assert.ErrorIs(t, err, ErrFingerprintTaken)
}

func TestReserve_AddressTaken(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a := seedPending(t, s, model.BillingCustomer, "A")
	b := seedPending(t, s, model.BillingCustomer, "B")
	reserve(t, s, a.ID, "fpA", "10.10.0.20")

	err := s.WithTx(ctx, func(tx *Tx) error {
		return tx.Reserve(ctx, Reservation{
			DeviceID: b.ID, Fingerprint: "fpB", PublicKey: "k",
			Address: netip.MustParseAddr("10.10.0.20"), ReservedAt: time.Now(),
		})
	})
	assert.ErrorIs(t, err, ErrAddressTaken)
}

func TestHighestAddress_ScopedToRange(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	customer := addrpool.MustParseRange("10.10.0.20", "10.10.0.99")
	internal := addrpool.MustParseRange("10.10.0.10", "10.10.0.19")

	a := seedPending(t, s, model.BillingCustomer, "A")
	b := seedPending(t, s, model.BillingInternal, "B")
	c := seedPending(t, s, model.BillingCustomer, "C")
	reserve(t, s, a.ID, "fpA", "10.10.0.20")
	reserve(t, s, b.ID, "fpB", "10.10.0.10")
	// Outside both ranges, and the greatest of the three when compared as text.
	reserve(t, s, c.ID, "fpC", "10.10.0.9")

	err := s.WithTx(ctx, func(tx *Tx) error {
		hi, err := tx.HighestAddress(ctx, customer)
		require.NoError(t, err)
		assert.Equal(t, "10.10.0.20", hi.String())

		hi, err = tx.HighestAddress(ctx, internal)
		require.NoError(t, err)
		assert.Equal(t, "10.10.0.10", hi.String())

		hi, err = tx.HighestAddress(ctx, addrpool.MustParseRange("10.20.0.1", "10.20.0.9"))
		require.NoError(t, err)
		assert.False(t, hi.IsValid())
		return nil
	})
	require.NoError(t, err)
}

func TestStaleReservations(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	d := seedPending(t, s, model.BillingCustomer, "A")
	reserve(t, s, d.ID, "fpA", "10.10.0.20")

	stale, err := s.StaleReservations(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, d.ID, stale[0].DeviceID)
	assert.Equal(t, "key-fpA", stale[0].PublicKey)
	assert.Equal(t, "10.10.0.20", stale[0].Address.String())

	fresh, err := s.StaleReservations(ctx, time.Now().Add(-time.Minute))
	require.NoError(t, err)
	assert.Empty(t, fresh)
}

func activate(t testing.TB, s *Store, code, addr string) *model.Device {
	t.Helper()
	ctx := context.Background()
	d := seedPending(t, s, model.BillingCustomer, code)
	reserve(t, s, d.ID, "fp-"+code, addr)
	require.NoError(t, s.WithTx(ctx, func(tx *Tx) error {
		return tx.Activate(ctx, d.ID, "host-"+code, model.HardwareDescriptor{}, time.Now())
	}))
	return d
}

func ptr(v float64) *float64 { return &v }

func TestUpsertHeartbeat_FullReplace(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	d := activate(t, s, "A", "10.10.0.20")

	first := model.Heartbeat{
		DeviceID:  d.ID,
		Timestamp: time.Now(),
		HeartbeatReport: model.HeartbeatReport{
			UptimeSeconds:   100,
			CPUUsagePercent: ptr(40),
			RAMUsedGB:       ptr(3.5),
			Filesystems:     []model.Filesystem{{Mount: "/", UsedPercent: 50}},
			Services:        json.RawMessage(`[{"name":"sshd","active":true}]`),
			ScannerStats:    json.RawMessage(`{"scans":3}`),
			LastLoginIPs:    []string{"192.168.1.5"},
		},
	}
	second := model.Heartbeat{
		DeviceID:  d.ID,
		Timestamp: time.Now(),
		HeartbeatReport: model.HeartbeatReport{
			UptimeSeconds:   160,
			CPUUsagePercent: ptr(60),
		},
	}

	require.NoError(t, s.WithTx(ctx, func(tx *Tx) error { return tx.UpsertHeartbeat(ctx, first) }))
	require.NoError(t, s.WithTx(ctx, func(tx *Tx) error { return tx.UpsertHeartbeat(ctx, second) }))

	got, err := s.GetHeartbeat(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(160), got.UptimeSeconds)
	require.NotNil(t, got.CPUUsagePercent)
	assert.Equal(t, 60.0, *got.CPUUsagePercent)
	assert.Nil(t, got.RAMUsedGB)
	assert.Empty(t, got.Filesystems)
	assert.Nil(t, got.Services)
	assert.Nil(t, got.ScannerStats)
	assert.Empty(t, got.LastLoginIPs)
}

func TestRollupRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	d := activate(t, s, "A", "10.10.0.20")
	bucket := time.Unix(1_700_000_100, 0).UTC()

	err := s.WithTx(ctx, func(tx *Tx) error {
		_, ok, err := tx.LoadRollup(ctx, d.ID, bucket)
		require.NoError(t, err)
		assert.False(t, ok)

		return tx.SaveRollup(ctx, model.RollupBucket{
			DeviceID: d.ID, TimeBucket: bucket, CPUAvg: 50, CPUMax: 60, SampleCount: 2,
		})
	})
	require.NoError(t, err)

	buckets, err := s.GetRollups(ctx, d.ID, bucket.Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, buckets, 1)
	assert.Equal(t, 50.0, buckets[0].CPUAvg)
	assert.Equal(t, 60.0, buckets[0].CPUMax)
	assert.Equal(t, 2, buckets[0].SampleCount)
	assert.Equal(t, bucket, buckets[0].TimeBucket)
}

func TestRecordReport_Duplicate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	d := activate(t, s, "A", "10.10.0.20")

	record := func() error {
		return s.WithTx(ctx, func(tx *Tx) error {
			return tx.RecordReport(ctx, d.ID, "2f1c7a4e-9d0b-4a4c-8f5e-3b2a1c0d9e8f", time.Now())
		})
	}
	require.NoError(t, record())
	assert.ErrorIs(t, record(), ErrDuplicateReport)
}

func TestTouchDevice_ReactivatesOffline(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	d := activate(t, s, "A", "10.10.0.20")

	marked, err := s.MarkStaleOffline(ctx, time.Now().Add(time.Minute), time.Now())
	require.NoError(t, err)
	require.Len(t, marked, 1)
	assert.Equal(t, d.ID, marked[0].ID)

	err = s.WithTx(ctx, func(tx *Tx) error {
		ref, err := tx.DeviceRef(ctx, d.ID)
		require.NoError(t, err)
		assert.Equal(t, model.StatusOffline, ref.Status)
		return tx.TouchDevice(ctx, d.ID, 42, "203.0.113.9", time.Now())
	})
	require.NoError(t, err)

	got, err := s.GetDevice(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusActive, got.Status)
	assert.Equal(t, int64(42), got.UptimeSeconds)
	assert.Equal(t, "203.0.113.9", got.PublicIP)
}

func TestDeviceRef_NotFound(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	err := s.WithTx(ctx, func(tx *Tx) error {
		_, err := tx.DeviceRef(ctx, 999)
		return err
	})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFactsHistory(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	d := activate(t, s, "A", "10.10.0.20")

	base := time.Now()
	for i := range 3 {
		err := s.WithTx(ctx, func(tx *Tx) error {
			return tx.InsertFacts(ctx, model.DeviceFacts{
				DeviceID:    d.ID,
				CollectedAt: base.Add(time.Duration(i) * time.Millisecond),
				Facts:       json.RawMessage(`{"kernel":"6.1"}`),
			})
		})
		require.NoError(t, err)
	}

	facts, err := s.GetFacts(ctx, d.ID, 2)
	require.NoError(t, err)
	require.Len(t, facts, 2)
	assert.True(t, facts[0].CollectedAt.After(facts[1].CollectedAt))
	assert.JSONEq(t, `{"kernel":"6.1"}`, string(facts[0].Facts))
}

func TestListDevicesAndCounts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	activate(t, s, "A", "10.10.0.20")
	seedPending(t, s, model.BillingCustomer, "B")

	all, err := s.ListDevices(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	active, err := s.ListDevices(ctx, model.StatusActive)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "10.10.0.20", active[0].TunnelAddress)

	counts, err := s.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[model.StatusActive])
	assert.Equal(t, 1, counts[model.StatusPending])

	fleet, err := s.LoadFleet(ctx)
	require.NoError(t, err)
	require.Len(t, fleet, 1)
	assert.Equal(t, model.StatusActive, fleet[0].Status)
}

func TestWithTx_RollsBackOnError(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	d := seedPending(t, s, model.BillingCustomer, "A")

	err := s.WithTx(ctx, func(tx *Tx) error {
		require.NoError(t, tx.Reserve(ctx, Reservation{
			DeviceID: d.ID, Fingerprint: "fp", PublicKey: "k",
			Address: netip.MustParseAddr("10.10.0.20"), ReservedAt: time.Now(),
		}))
		return assert.AnError
	})
	assert.ErrorIs(t, err, assert.AnError)

	got, err := s.GetDevice(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, got.Status)
	assert.Empty(t, got.TunnelAddress)
}

func TestWithTx_ConcurrentWriters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	d := activate(t, s, "A", "10.10.0.20")
	bucket := time.Unix(1_700_000_100, 0).UTC()

	// Read-modify-write under concurrent writers must not lose updates.
	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.WithTx(ctx, func(tx *Tx) error {
				b, ok, err := tx.LoadRollup(ctx, d.ID, bucket)
				if err != nil {
					return err
				}
				if !ok {
					b = model.RollupBucket{DeviceID: d.ID, TimeBucket: bucket}
				}
				b.SampleCount++
				return tx.SaveRollup(ctx, b)
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	buckets, err := s.GetRollups(ctx, d.ID, bucket)
	require.NoError(t, err)
	require.Len(t, buckets, 1)
	assert.Equal(t, 20, buckets[0].SampleCount)
}
