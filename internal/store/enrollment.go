package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/darshan-rambhia/fleetlink/internal/addrpool"
	"github.com/darshan-rambhia/fleetlink/internal/model"
)

// Reservation is the state held by a device between address reservation and
// activation.
type Reservation struct {
	DeviceID    int64
	Fingerprint string
	PublicKey   string
	Address     netip.Addr
	ReservedAt  time.Time
}

// ClaimableDevice is the in-transaction form of Store.ClaimableDevice.
func (t *Tx) ClaimableDevice(ctx context.Context, code string, now time.Time) (*model.Device, error) {
	return claimableDevice(ctx, t.tx, code, now)
}

// FingerprintOwner returns the id of the non-deleted device, other than
// excludeID, that holds fingerprint.
func (t *Tx) FingerprintOwner(ctx context.Context, fingerprint string, excludeID int64) (int64, error) {
	var id int64
	err := t.tx.QueryRowContext(ctx, `
		SELECT id FROM devices
		WHERE fingerprint = ? AND id != ? AND deleted_at IS NULL
		LIMIT 1`,
		fingerprint, excludeID,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("querying fingerprint owner: %w", err)
	}
	return id, nil
}

// HighestAddress returns the highest tunnel address assigned inside r, or the
// zero Addr when the range is empty. Reserved addresses count as assigned.
func (t *Tx) HighestAddress(ctx context.Context, r addrpool.Range) (netip.Addr, error) {
	lo, hi := r.Bounds()
	var highest sql.NullInt64
	err := t.tx.QueryRowContext(ctx, `
		SELECT MAX(tunnel_address_num) FROM devices
		WHERE tunnel_address_num BETWEEN ? AND ?`,
		int64(lo), int64(hi),
	).Scan(&highest)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("querying highest address in %s: %w", r, err)
	}
	if !highest.Valid {
		return netip.Addr{}, nil
	}
	return addrpool.FromUint32(uint32(highest.Int64)), nil
}

// Reserve moves a pending device to provisioning and records its
// fingerprint, key and address.
func (t *Tx) Reserve(ctx context.Context, r Reservation) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE devices SET
			status = 'provisioning',
			fingerprint = ?,
			tunnel_public_key = ?,
			tunnel_address = ?,
			tunnel_address_num = ?,
			reserved_at = ?,
			updated_at = ?
		WHERE id = ? AND status = 'pending'`,
		r.Fingerprint, r.PublicKey, r.Address.String(), int64(addrpool.ToUint32(r.Address)),
		r.ReservedAt.Unix(), r.ReservedAt.Unix(), r.DeviceID,
	)
	switch {
	case isUniqueViolation(err, "fingerprint"):
		return ErrFingerprintTaken
	case isUniqueViolation(err, "tunnel_address"):
		return ErrAddressTaken
	case err != nil:
		return fmt.Errorf("reserving device %d: %w", r.DeviceID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("device %d is not pending: %w", r.DeviceID, ErrNotFound)
	}
	return nil
}

// Activate completes enrollment of a reserved device: it stores the reported
// hardware, clears the claim code and seeds an empty heartbeat snapshot.
func (t *Tx) Activate(ctx context.Context, deviceID int64, hostname string, hw model.HardwareDescriptor, now time.Time) error {
	macs, err := json.Marshal(hw.MACList())
	if err != nil {
		return fmt.Errorf("marshaling mac addresses: %w", err)
	}

	res, err := t.tx.ExecContext(ctx, `
		UPDATE devices SET
			hostname = ?,
			local_ip = ?,
			mac_addresses = ?,
			manufacturer = ?,
			model = ?,
			serial_number = ?,
			cpu_model = ?,
			cpu_cores = ?,
			ram_gb = ?,
			disk_gb = ?,
			os_type = ?,
			os_version = ?,
			kernel_version = ?,
			docker_present = ?,
			lvm_present = ?,
			status = 'active',
			enrolled_at = ?,
			claim_code = NULL,
			claim_code_expires_at = NULL,
			reserved_at = NULL,
			updated_at = ?
		WHERE id = ? AND status = 'provisioning'`,
		hostname, nullString(hw.LocalIP), string(macs),
		nullString(hw.Manufacturer), nullString(hw.Model), nullString(hw.SerialNumber),
		nullString(hw.CPUModel), hw.CPUCores, hw.RAMGB, hw.DiskGB,
		nullString(hw.OSType), nullString(hw.OSVersion), nullString(hw.KernelVersion),
		boolToInt(hw.DockerPresent), boolToInt(hw.LVMPresent),
		now.Unix(), now.Unix(), deviceID,
	)
	if err != nil {
		return fmt.Errorf("activating device %d: %w", deviceID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("activating device %d: %w", deviceID, ErrNotReserved)
	}

	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO heartbeats (device_id, ts, uptime_seconds) VALUES (?, ?, 0)
		ON CONFLICT(device_id) DO NOTHING`,
		deviceID, now.Unix(),
	)
	if err != nil {
		return fmt.Errorf("seeding heartbeat for device %d: %w", deviceID, err)
	}
	return nil
}

// Release returns a reserved device to pending and frees its address. The
// claim code is left untouched so the device can enroll again.
func (t *Tx) Release(ctx context.Context, deviceID int64, now time.Time) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE devices SET
			status = 'pending',
			fingerprint = NULL,
			tunnel_public_key = NULL,
			tunnel_address = NULL,
			tunnel_address_num = NULL,
			reserved_at = NULL,
			updated_at = ?
		WHERE id = ? AND status = 'provisioning'`,
		now.Unix(), deviceID,
	)
	if err != nil {
		return fmt.Errorf("releasing device %d: %w", deviceID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("releasing device %d: %w", deviceID, ErrNotReserved)
	}
	return nil
}

// ReleaseReservation runs Release in its own transaction.
func (s *Store) ReleaseReservation(ctx context.Context, deviceID int64, now time.Time) error {
	return s.WithTx(ctx, func(tx *Tx) error {
		return tx.Release(ctx, deviceID, now)
	})
}

// StaleReservations returns reservations made before cutoff.
func (s *Store) StaleReservations(ctx context.Context, cutoff time.Time) ([]Reservation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, COALESCE(fingerprint, ''), COALESCE(tunnel_public_key, ''),
		       COALESCE(tunnel_address, ''), reserved_at
		FROM devices
		WHERE status = 'provisioning' AND reserved_at < ?
		ORDER BY reserved_at`,
		cutoff.Unix(),
	)
	if err != nil {
		return nil, fmt.Errorf("querying stale reservations: %w", err)
	}
	defer rows.Close()

	var out []Reservation
	for rows.Next() {
		var (
			r          Reservation
			addr       string
			reservedAt int64
		)
		if err := rows.Scan(&r.DeviceID, &r.Fingerprint, &r.PublicKey, &addr, &reservedAt); err != nil {
			return nil, fmt.Errorf("scanning reservation: %w", err)
		}
		if addr != "" {
			r.Address, err = netip.ParseAddr(addr)
			if err != nil {
				return nil, fmt.Errorf("parsing reserved address %q: %w", addr, err)
			}
		}
		r.ReservedAt = time.Unix(reservedAt, 0).UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}
