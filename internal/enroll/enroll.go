// Package enroll turns claim codes into active, tunnel-addressed fleet members.
//
// Enrollment runs in two transactions around the tunnel provisioning call.
// The first reserves an address and moves the device to provisioning; the
// peer is then configured with no transaction open; the second transaction
// activates the device. A failed or timed out provisioning call removes the
// peer and releases the reservation, leaving the claim code usable.
package enroll

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"time"

	"github.com/darshan-rambhia/fleetlink/internal/addrpool"
	"github.com/darshan-rambhia/fleetlink/internal/apperr"
	"github.com/darshan-rambhia/fleetlink/internal/broadcast"
	"github.com/darshan-rambhia/fleetlink/internal/cache"
	"github.com/darshan-rambhia/fleetlink/internal/model"
	"github.com/darshan-rambhia/fleetlink/internal/store"
	"github.com/darshan-rambhia/fleetlink/internal/tunnel"
)

// Config holds coordinator settings.
type Config struct {
	ProvisionTimeout time.Duration // default 30s
	ClaimTTL         time.Duration // default 24h
}

// DefaultConfig returns the default coordinator settings.
func DefaultConfig() Config {
	return Config{
		ProvisionTimeout: 30 * time.Second,
		ClaimTTL:         24 * time.Hour,
	}
}

// Request is a device's enrollment submission.
type Request struct {
	ClaimCode string
	Hostname  string
	PublicKey string
	Hardware  model.HardwareDescriptor
}

// Coordinator drives enrollment.
type Coordinator struct {
	store  *store.Store
	pool   *addrpool.Pool
	tunnel tunnel.Provisioner
	events broadcast.Broadcaster
	cache  *cache.Cache
	config Config
	now    func() time.Time
}

// NewCoordinator creates a coordinator. A nil broadcaster is replaced by a
// no-op one.
func NewCoordinator(s *store.Store, pool *addrpool.Pool, p tunnel.Provisioner, b broadcast.Broadcaster, c *cache.Cache, cfg Config) *Coordinator {
	if b == nil {
		b = broadcast.Noop{}
	}
	if cfg.ProvisionTimeout <= 0 {
		cfg.ProvisionTimeout = DefaultConfig().ProvisionTimeout
	}
	if cfg.ClaimTTL <= 0 {
		cfg.ClaimTTL = DefaultConfig().ClaimTTL
	}
	return &Coordinator{
		store:  s,
		pool:   pool,
		tunnel: p,
		events: b,
		cache:  c,
		config: cfg,
		now:    time.Now,
	}
}

// Fingerprint derives the hardware identity of a machine. The MAC list is
// hashed exactly as reported.
func Fingerprint(hw model.HardwareDescriptor) string {
	sum := sha256.Sum256([]byte(hw.SerialNumber + "|" + hw.MACAddresses + "|" + hw.Manufacturer + "|" + hw.Model))
	return hex.EncodeToString(sum[:])
}

var errInvalidClaim = apperr.New(apperr.NotFound, apperr.ReasonInvalidClaimCode, "Invalid or expired claim code")

// Validate checks a claim code without consuming it.
func (c *Coordinator) Validate(ctx context.Context, code string) (*model.Device, error) {
	d, err := c.store.ClaimableDevice(ctx, code, c.now())
	if errors.Is(err, store.ErrNotFound) {
		return nil, errInvalidClaim
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, apperr.ReasonInternal, "Validation failed", err)
	}
	return d, nil
}

// Enroll activates the pending device holding req.ClaimCode and returns it.
func (c *Coordinator) Enroll(ctx context.Context, req Request) (*model.Device, error) {
	if req.ClaimCode == "" || req.Hostname == "" || req.PublicKey == "" {
		return nil, apperr.New(apperr.Validation, apperr.ReasonMissingFields, "Missing required fields")
	}
	if _, err := tunnel.ParseKey(req.PublicKey); err != nil {
		return nil, apperr.Wrap(apperr.Validation, apperr.ReasonMalformedBody, "Invalid tunnel public key", err)
	}

	fingerprint := Fingerprint(req.Hardware)
	dev, addr, err := c.reserve(ctx, req, fingerprint)
	if err != nil {
		return nil, err
	}
	log := slog.With("device_id", dev.ID, "tunnel_address", addr)

	pctx, cancel := context.WithTimeout(ctx, c.config.ProvisionTimeout)
	err = c.tunnel.AddPeer(pctx, req.PublicKey, addr)
	cancel()
	if err != nil {
		log.Error("tunnel provisioning failed", "error", err)
		c.compensate(ctx, dev.ID, req.PublicKey)
		return nil, apperr.Wrap(apperr.UpstreamFailure, apperr.ReasonTunnelProvisioning, "Failed to configure tunnel peer", err)
	}

	now := c.now()
	err = c.store.WithTx(ctx, func(tx *store.Tx) error {
		return tx.Activate(ctx, dev.ID, req.Hostname, req.Hardware, now)
	})
	if err != nil {
		log.Error("activating device failed", "error", err)
		c.compensate(ctx, dev.ID, req.PublicKey)
		return nil, apperr.Wrap(apperr.Internal, apperr.ReasonInternal, "Enrollment failed", err)
	}

	dev.Status = model.StatusActive
	dev.Hostname = req.Hostname
	dev.Fingerprint = fingerprint
	dev.TunnelPublicKey = req.PublicKey
	dev.TunnelAddress = addr.String()
	dev.EnrolledAt = &now

	if c.cache != nil {
		c.cache.Upsert(model.DeviceState{
			DeviceID:      dev.ID,
			DeviceName:    dev.DeviceName,
			Status:        model.StatusActive,
			TunnelAddress: dev.TunnelAddress,
			LastSeen:      now,
		})
	}
	c.events.Emit(broadcast.EventDeviceEnrolled, map[string]any{
		"device_id":      dev.ID,
		"device_name":    dev.DeviceName,
		"org_name":       dev.OrgName,
		"tunnel_address": dev.TunnelAddress,
	})

	log.Info("device enrolled", "device_name", dev.DeviceName, "hostname", req.Hostname, "fingerprint", fingerprint)
	return dev, nil
}

// reserve runs the first transaction: claim lookup, duplicate check and
// address allocation.
func (c *Coordinator) reserve(ctx context.Context, req Request, fingerprint string) (*model.Device, netip.Addr, error) {
	var (
		dev  *model.Device
		addr netip.Addr
	)
	err := c.store.WithTx(ctx, func(tx *store.Tx) error {
		d, err := tx.ClaimableDevice(ctx, req.ClaimCode, c.now())
		if errors.Is(err, store.ErrNotFound) {
			return errInvalidClaim
		}
		if err != nil {
			return err
		}

		owner, err := tx.FingerprintOwner(ctx, fingerprint, d.ID)
		switch {
		case err == nil:
			return &apperr.Error{
				Kind:     apperr.Conflict,
				Reason:   apperr.ReasonAlreadyEnrolled,
				Message:  "Device already enrolled",
				DeviceID: owner,
			}
		case !errors.Is(err, store.ErrNotFound):
			return err
		}

		r, err := c.pool.Range(d.BillingClass)
		if err != nil {
			return err
		}
		highest, err := tx.HighestAddress(ctx, r)
		if err != nil {
			return err
		}
		next, err := r.Next(highest)
		if errors.Is(err, addrpool.ErrExhausted) {
			return apperr.Wrap(apperr.ResourceExhausted, apperr.ReasonAddressExhausted, "No available tunnel addresses in range", err)
		}
		if err != nil {
			return err
		}

		err = tx.Reserve(ctx, store.Reservation{
			DeviceID:    d.ID,
			Fingerprint: fingerprint,
			PublicKey:   req.PublicKey,
			Address:     next,
			ReservedAt:  c.now(),
		})
		if errors.Is(err, store.ErrFingerprintTaken) {
			return apperr.Wrap(apperr.Conflict, apperr.ReasonAlreadyEnrolled, "Device already enrolled", err)
		}
		if err != nil {
			return err
		}

		dev, addr = d, next
		return nil
	})
	if err != nil {
		var ae *apperr.Error
		if errors.As(err, &ae) {
			return nil, netip.Addr{}, ae
		}
		return nil, netip.Addr{}, apperr.Wrap(apperr.Internal, apperr.ReasonInternal, "Enrollment failed", err)
	}
	return dev, addr, nil
}

// compensate undoes a reservation whose activation will not happen. It runs
// detached from the request so a cancelled client cannot skip it. When the
// peer cannot be removed the reservation stays in place, keeping its address
// out of allocation until SweepStale removes the peer.
func (c *Coordinator) compensate(ctx context.Context, deviceID int64, publicKey string) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.config.ProvisionTimeout)
	defer cancel()

	if err := c.tunnel.RemovePeer(cctx, publicKey); err != nil {
		slog.Error("removing tunnel peer during rollback, keeping reservation", "device_id", deviceID, "error", err)
		return
	}
	if err := c.store.ReleaseReservation(cctx, deviceID, c.now()); err != nil {
		slog.Error("releasing reservation during rollback", "device_id", deviceID, "error", err)
		return
	}
	slog.Info("enrollment rolled back", "device_id", deviceID)
}

// SweepStale releases reservations older than ttl, removing their peers
// first. A reservation whose peer cannot be removed is kept for the next
// sweep so its address is not handed out while still routed.
func (c *Coordinator) SweepStale(ctx context.Context, ttl time.Duration) (int, error) {
	stale, err := c.store.StaleReservations(ctx, c.now().Add(-ttl))
	if err != nil {
		return 0, err
	}

	released := 0
	for _, r := range stale {
		if r.PublicKey != "" {
			pctx, cancel := context.WithTimeout(ctx, c.config.ProvisionTimeout)
			err := c.tunnel.RemovePeer(pctx, r.PublicKey)
			cancel()
			if err != nil {
				slog.Error("removing stale tunnel peer", "device_id", r.DeviceID, "error", err)
				continue
			}
		}
		if err := c.store.ReleaseReservation(ctx, r.DeviceID, c.now()); err != nil {
			if errors.Is(err, store.ErrNotReserved) {
				continue // activated or released meanwhile
			}
			return released, fmt.Errorf("releasing stale reservation for device %d: %w", r.DeviceID, err)
		}
		slog.Warn("released stale reservation", "device_id", r.DeviceID, "address", r.Address, "reserved_at", r.ReservedAt)
		released++
	}
	return released, nil
}
