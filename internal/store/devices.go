package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/darshan-rambhia/fleetlink/internal/model"
)

const deviceSelect = `
	SELECT d.id, d.org_id, d.site_id, COALESCE(o.name, ''), COALESCE(s.name, ''),
	       d.device_name, d.device_class, d.billing_class, d.status,
	       COALESCE(d.hostname, ''), COALESCE(d.fingerprint, ''),
	       COALESCE(d.tunnel_public_key, ''), COALESCE(d.tunnel_address, ''),
	       COALESCE(d.local_ip, ''), COALESCE(d.public_ip, ''), COALESCE(d.mac_addresses, ''),
	       COALESCE(d.manufacturer, ''), COALESCE(d.model, ''), COALESCE(d.serial_number, ''),
	       COALESCE(d.cpu_model, ''), COALESCE(d.cpu_cores, 0), COALESCE(d.ram_gb, 0),
	       COALESCE(d.disk_gb, 0), COALESCE(d.os_type, ''), COALESCE(d.os_version, ''),
	       COALESCE(d.kernel_version, ''), d.docker_present, d.lvm_present,
	       d.enrolled_at, d.last_seen_at, d.uptime_seconds, d.created_at
	FROM devices d
	LEFT JOIN organizations o ON d.org_id = o.id
	LEFT JOIN sites s ON d.site_id = s.id`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDevice(row rowScanner) (*model.Device, error) {
	var (
		d                   model.Device
		orgID, siteID       sql.NullInt64
		macs                string
		docker, lvm         int
		enrolledAt, seenAt  sql.NullInt64
		createdAt           int64
		deviceClass, status string
		billingClass        string
	)
	err := row.Scan(
		&d.ID, &orgID, &siteID, &d.OrgName, &d.SiteName,
		&d.DeviceName, &deviceClass, &billingClass, &status,
		&d.Hostname, &d.Fingerprint, &d.TunnelPublicKey, &d.TunnelAddress,
		&d.LocalIP, &d.PublicIP, &macs, &d.Manufacturer, &d.Model, &d.SerialNumber,
		&d.CPUModel, &d.CPUCores, &d.RAMGB, &d.DiskGB, &d.OSType, &d.OSVersion,
		&d.KernelVersion, &docker, &lvm,
		&enrolledAt, &seenAt, &d.UptimeSeconds, &createdAt,
	)
	if err != nil {
		return nil, err
	}
	if orgID.Valid {
		d.OrgID = &orgID.Int64
	}
	if siteID.Valid {
		d.SiteID = &siteID.Int64
	}
	if macs != "" {
		if err := json.Unmarshal([]byte(macs), &d.MACAddresses); err != nil {
			return nil, fmt.Errorf("decoding mac_addresses for device %d: %w", d.ID, err)
		}
	}
	d.DeviceClass = model.DeviceClass(deviceClass)
	d.BillingClass = model.BillingClass(billingClass)
	d.Status = model.DeviceStatus(status)
	d.DockerPresent = docker != 0
	d.LVMPresent = lvm != 0
	d.EnrolledAt = timeFromNull(enrolledAt)
	d.LastSeenAt = timeFromNull(seenAt)
	d.CreatedAt = time.Unix(createdAt, 0).UTC()
	return &d, nil
}

// GetDevice returns a single non-deleted device.
func (s *Store) GetDevice(ctx context.Context, id int64) (*model.Device, error) {
	row := s.db.QueryRowContext(ctx, deviceSelect+` WHERE d.id = ? AND d.deleted_at IS NULL`, id)
	d, err := scanDevice(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("device %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("querying device %d: %w", id, err)
	}
	return d, nil
}

// ListDevices returns non-deleted devices ordered by id, optionally filtered
// by status.
func (s *Store) ListDevices(ctx context.Context, status model.DeviceStatus) ([]model.Device, error) {
	query := deviceSelect + ` WHERE d.deleted_at IS NULL`
	var args []any
	if status != "" {
		query += ` AND d.status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY d.id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying devices: %w", err)
	}
	defer rows.Close()

	var devices []model.Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning device: %w", err)
		}
		devices = append(devices, *d)
	}
	return devices, rows.Err()
}

// ClaimableDevice looks up a pending device by an unexpired claim code
// without modifying it.
func (s *Store) ClaimableDevice(ctx context.Context, code string, now time.Time) (*model.Device, error) {
	return claimableDevice(ctx, s.db, code, now)
}

func claimableDevice(ctx context.Context, q queryer, code string, now time.Time) (*model.Device, error) {
	row := q.QueryRowContext(ctx, deviceSelect+`
		WHERE d.claim_code = ?
		  AND d.status = 'pending'
		  AND d.claim_code_expires_at > ?
		  AND d.deleted_at IS NULL`,
		code, now.Unix(),
	)
	d, err := scanDevice(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("claim code: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("querying claim code: %w", err)
	}
	return d, nil
}

// CreatePendingDevice inserts a device awaiting enrollment under the given
// claim code. The organization (and site, when given) must already exist.
func (s *Store) CreatePendingDevice(ctx context.Context, p model.PendingDevice, claimCode string, expiresAt, now time.Time) (*model.Device, error) {
	var id int64
	err := s.WithTx(ctx, func(tx *Tx) error {
		var orgID int64
		err := tx.tx.QueryRowContext(ctx, `SELECT id FROM organizations WHERE slug = ?`, p.OrgSlug).Scan(&orgID)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("organization %q: %w", p.OrgSlug, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("querying organization: %w", err)
		}

		var siteID any
		if p.SiteSlug != "" {
			var sid int64
			err := tx.tx.QueryRowContext(ctx, `SELECT id FROM sites WHERE org_id = ? AND slug = ?`, orgID, p.SiteSlug).Scan(&sid)
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("site %q: %w", p.SiteSlug, ErrNotFound)
			}
			if err != nil {
				return fmt.Errorf("querying site: %w", err)
			}
			siteID = sid
		}

		res, err := tx.tx.ExecContext(ctx, `
			INSERT INTO devices
			(org_id, site_id, device_name, device_class, billing_class, status,
			 claim_code, claim_code_expires_at, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, 'pending', ?, ?, ?, ?)`,
			orgID, siteID, p.DeviceName, string(p.DeviceClass), string(p.BillingClass),
			claimCode, expiresAt.Unix(), now.Unix(), now.Unix(),
		)
		if isUniqueViolation(err, "claim_code") {
			return ErrClaimCodeTaken
		}
		if err != nil {
			return fmt.Errorf("inserting pending device: %w", err)
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return nil, err
	}
	return s.GetDevice(ctx, id)
}

// UpsertOrganization inserts or updates an organization by slug and returns its id.
func (s *Store) UpsertOrganization(ctx context.Context, org model.Organization) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO organizations (slug, name, type) VALUES (?, ?, ?)
		ON CONFLICT(slug) DO UPDATE SET name = excluded.name, type = excluded.type
		RETURNING id`,
		org.Slug, org.Name, string(org.Type),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("upserting organization %s: %w", org.Slug, err)
	}
	return id, nil
}

// UpsertSite inserts or updates a site by (organization, slug) and returns its id.
func (s *Store) UpsertSite(ctx context.Context, site model.Site) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO sites (org_id, slug, name) VALUES (?, ?, ?)
		ON CONFLICT(org_id, slug) DO UPDATE SET name = excluded.name
		RETURNING id`,
		site.OrgID, site.Slug, site.Name,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("upserting site %s: %w", site.Slug, err)
	}
	return id, nil
}

// CountByStatus returns the number of non-deleted devices in each status.
func (s *Store) CountByStatus(ctx context.Context) (map[model.DeviceStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM devices WHERE deleted_at IS NULL GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("counting devices: %w", err)
	}
	defer rows.Close()

	counts := make(map[model.DeviceStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scanning device count: %w", err)
		}
		counts[model.DeviceStatus(status)] = n
	}
	return counts, rows.Err()
}

// MarkStaleOffline moves active devices not seen since cutoff to offline and
// returns them.
func (s *Store) MarkStaleOffline(ctx context.Context, cutoff, now time.Time) ([]model.Device, error) {
	var marked []model.Device
	err := s.WithTx(ctx, func(tx *Tx) error {
		marked = marked[:0]
		rows, err := tx.tx.QueryContext(ctx, `
			UPDATE devices SET status = 'offline', updated_at = ?
			WHERE status = 'active'
			  AND deleted_at IS NULL
			  AND COALESCE(last_seen_at, enrolled_at, 0) < ?
			RETURNING id, device_name, COALESCE(tunnel_address, ''), last_seen_at`,
			now.Unix(), cutoff.Unix(),
		)
		if err != nil {
			return fmt.Errorf("marking devices offline: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var d model.Device
			var seen sql.NullInt64
			if err := rows.Scan(&d.ID, &d.DeviceName, &d.TunnelAddress, &seen); err != nil {
				return fmt.Errorf("scanning offline device: %w", err)
			}
			d.Status = model.StatusOffline
			d.LastSeenAt = timeFromNull(seen)
			marked = append(marked, d)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return marked, nil
}

// LoadFleet returns the live state of every enrolled device, used to warm
// the in-memory fleet view at startup.
func (s *Store) LoadFleet(ctx context.Context) ([]model.DeviceState, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT d.id, d.device_name, d.status, COALESCE(d.tunnel_address, ''),
		       h.cpu_usage_percent, h.ram_usage_percent, d.uptime_seconds,
		       COALESCE(d.last_seen_at, d.enrolled_at, 0)
		FROM devices d
		LEFT JOIN heartbeats h ON h.device_id = d.id
		WHERE d.deleted_at IS NULL AND d.status IN ('active', 'offline', 'suspended')
		ORDER BY d.id`)
	if err != nil {
		return nil, fmt.Errorf("querying fleet: %w", err)
	}
	defer rows.Close()

	var fleet []model.DeviceState
	for rows.Next() {
		var (
			st       model.DeviceState
			status   string
			cpu, ram sql.NullFloat64
			seen     int64
		)
		if err := rows.Scan(&st.DeviceID, &st.DeviceName, &status, &st.TunnelAddress, &cpu, &ram, &st.UptimeSeconds, &seen); err != nil {
			return nil, fmt.Errorf("scanning fleet row: %w", err)
		}
		st.Status = model.DeviceStatus(status)
		st.CPU = floatFromNull(cpu)
		st.RAM = floatFromNull(ram)
		st.LastSeen = time.Unix(seen, 0).UTC()
		fleet = append(fleet, st)
	}
	return fleet, rows.Err()
}

func floatFromNull(n sql.NullFloat64) *float64 {
	if !n.Valid {
		return nil
	}
	v := n.Float64
	return &v
}
