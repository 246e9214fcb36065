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

// DeviceRef is the slice of a device the ingestion path needs.
type DeviceRef struct {
	ID            int64
	Name          string
	Class         model.DeviceClass
	Status        model.DeviceStatus
	TunnelAddress string
}

// DeviceRef loads the ingestion view of a non-deleted device.
func (t *Tx) DeviceRef(ctx context.Context, id int64) (DeviceRef, error) {
	var (
		ref           DeviceRef
		class, status string
	)
	err := t.tx.QueryRowContext(ctx, `
		SELECT id, device_name, device_class, status, COALESCE(tunnel_address, '')
		FROM devices WHERE id = ? AND deleted_at IS NULL`,
		id,
	).Scan(&ref.ID, &ref.Name, &class, &status, &ref.TunnelAddress)
	if errors.Is(err, sql.ErrNoRows) {
		return DeviceRef{}, fmt.Errorf("device %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return DeviceRef{}, fmt.Errorf("querying device %d: %w", id, err)
	}
	ref.Class = model.DeviceClass(class)
	ref.Status = model.DeviceStatus(status)
	return ref, nil
}

// RecordReport remembers a client report id. ErrDuplicateReport is returned
// when the id was already recorded for the device.
func (t *Tx) RecordReport(ctx context.Context, deviceID int64, reportID string, now time.Time) error {
	res, err := t.tx.ExecContext(ctx, `
		INSERT INTO heartbeat_reports (device_id, report_id, received_at) VALUES (?, ?, ?)
		ON CONFLICT(device_id, report_id) DO NOTHING`,
		deviceID, reportID, now.Unix(),
	)
	if err != nil {
		return fmt.Errorf("recording report %s: %w", reportID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrDuplicateReport
	}
	return nil
}

// TouchDevice records that a device reported in. An offline device becomes
// active again.
func (t *Tx) TouchDevice(ctx context.Context, deviceID, uptime int64, publicIP string, now time.Time) error {
	_, err := t.tx.ExecContext(ctx, `
		UPDATE devices SET
			last_seen_at = ?,
			uptime_seconds = ?,
			public_ip = COALESCE(?, public_ip),
			status = CASE WHEN status = 'offline' THEN 'active' ELSE status END,
			updated_at = ?
		WHERE id = ?`,
		now.Unix(), uptime, nullString(publicIP), now.Unix(), deviceID,
	)
	if err != nil {
		return fmt.Errorf("updating device %d: %w", deviceID, err)
	}
	return nil
}

// UpsertHeartbeat replaces the device's snapshot with hb. Every column is
// overwritten; nothing from the previous snapshot survives.
func (t *Tx) UpsertHeartbeat(ctx context.Context, hb model.Heartbeat) error {
	filesystems, err := json.Marshal(nonNilFilesystems(hb.Filesystems))
	if err != nil {
		return fmt.Errorf("marshaling filesystems: %w", err)
	}
	logins, err := json.Marshal(nonNilStrings(hb.LastLoginIPs))
	if err != nil {
		return fmt.Errorf("marshaling login ips: %w", err)
	}

	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO heartbeats
		(device_id, ts, uptime_seconds, cpu_usage_percent, ram_usage_percent,
		 ram_used_gb, ram_total_gb, filesystems, network_rx_bytes_per_sec,
		 network_tx_bytes_per_sec, services, containers, scanner_stats,
		 last_login_ips, failed_login_count_24h)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(device_id) DO UPDATE SET
			ts = excluded.ts,
			uptime_seconds = excluded.uptime_seconds,
			cpu_usage_percent = excluded.cpu_usage_percent,
			ram_usage_percent = excluded.ram_usage_percent,
			ram_used_gb = excluded.ram_used_gb,
			ram_total_gb = excluded.ram_total_gb,
			filesystems = excluded.filesystems,
			network_rx_bytes_per_sec = excluded.network_rx_bytes_per_sec,
			network_tx_bytes_per_sec = excluded.network_tx_bytes_per_sec,
			services = excluded.services,
			containers = excluded.containers,
			scanner_stats = excluded.scanner_stats,
			last_login_ips = excluded.last_login_ips,
			failed_login_count_24h = excluded.failed_login_count_24h`,
		hb.DeviceID, hb.Timestamp.Unix(), hb.UptimeSeconds,
		hb.CPUUsagePercent, hb.RAMUsagePercent, hb.RAMUsedGB, hb.RAMTotalGB,
		string(filesystems), hb.NetworkRxBytesPerSec, hb.NetworkTxBytesPerSec,
		rawOrNil(hb.Services), rawOrNil(hb.Containers), rawOrNil(hb.ScannerStats),
		string(logins), hb.FailedLoginCount24h,
	)
	if err != nil {
		return fmt.Errorf("upserting heartbeat for device %d: %w", hb.DeviceID, err)
	}
	return nil
}

// LoadRollup returns the bucket row for (device, bucket). The boolean is
// false when no sample has been folded into the bucket yet.
func (t *Tx) LoadRollup(ctx context.Context, deviceID int64, bucket time.Time) (model.RollupBucket, bool, error) {
	row := t.tx.QueryRowContext(ctx, rollupSelect+` WHERE device_id = ? AND time_bucket = ?`, deviceID, bucket.Unix())
	b, err := scanRollup(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.RollupBucket{}, false, nil
	}
	if err != nil {
		return model.RollupBucket{}, false, fmt.Errorf("loading rollup for device %d: %w", deviceID, err)
	}
	return b, true, nil
}

// SaveRollup writes a bucket row, replacing any existing row for the same key.
func (t *Tx) SaveRollup(ctx context.Context, b model.RollupBucket) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO metrics_rollup
		(device_id, time_bucket, cpu_avg, cpu_max, ram_avg, ram_max,
		 disk_root_avg, disk_root_max, network_rx_avg_mbps, network_rx_max_mbps,
		 network_tx_avg_mbps, network_tx_max_mbps, sample_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(device_id, time_bucket) DO UPDATE SET
			cpu_avg = excluded.cpu_avg,
			cpu_max = excluded.cpu_max,
			ram_avg = excluded.ram_avg,
			ram_max = excluded.ram_max,
			disk_root_avg = excluded.disk_root_avg,
			disk_root_max = excluded.disk_root_max,
			network_rx_avg_mbps = excluded.network_rx_avg_mbps,
			network_rx_max_mbps = excluded.network_rx_max_mbps,
			network_tx_avg_mbps = excluded.network_tx_avg_mbps,
			network_tx_max_mbps = excluded.network_tx_max_mbps,
			sample_count = excluded.sample_count`,
		b.DeviceID, b.TimeBucket.Unix(), b.CPUAvg, b.CPUMax, b.RAMAvg, b.RAMMax,
		b.DiskRootAvg, b.DiskRootMax, b.RxAvgMbps, b.RxMaxMbps,
		b.TxAvgMbps, b.TxMaxMbps, b.SampleCount,
	)
	if err != nil {
		return fmt.Errorf("saving rollup for device %d: %w", b.DeviceID, err)
	}
	return nil
}

// InsertFacts appends an entry to the device's facts history.
func (t *Tx) InsertFacts(ctx context.Context, f model.DeviceFacts) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO device_facts (device_id, collected_at, facts) VALUES (?, ?, ?)`,
		f.DeviceID, f.CollectedAt.UnixNano(), string(f.Facts),
	)
	if err != nil {
		return fmt.Errorf("inserting facts for device %d: %w", f.DeviceID, err)
	}
	return nil
}

// GetHeartbeat returns the latest snapshot for a device.
func (s *Store) GetHeartbeat(ctx context.Context, deviceID int64) (*model.Heartbeat, error) {
	var (
		hb                              model.Heartbeat
		ts                              int64
		cpu, ram, ramUsed, ramTotal     sql.NullFloat64
		rx, tx                          sql.NullFloat64
		filesystems, logins             sql.NullString
		services, containers, scanStats sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT device_id, ts, uptime_seconds, cpu_usage_percent, ram_usage_percent,
		       ram_used_gb, ram_total_gb, filesystems, network_rx_bytes_per_sec,
		       network_tx_bytes_per_sec, services, containers, scanner_stats,
		       last_login_ips, failed_login_count_24h
		FROM heartbeats WHERE device_id = ?`,
		deviceID,
	).Scan(&hb.DeviceID, &ts, &hb.UptimeSeconds, &cpu, &ram, &ramUsed, &ramTotal,
		&filesystems, &rx, &tx, &services, &containers, &scanStats, &logins, &hb.FailedLoginCount24h)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("heartbeat for device %d: %w", deviceID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("querying heartbeat for device %d: %w", deviceID, err)
	}

	hb.Timestamp = time.Unix(ts, 0).UTC()
	hb.CPUUsagePercent = floatFromNull(cpu)
	hb.RAMUsagePercent = floatFromNull(ram)
	hb.RAMUsedGB = floatFromNull(ramUsed)
	hb.RAMTotalGB = floatFromNull(ramTotal)
	hb.NetworkRxBytesPerSec = floatFromNull(rx)
	hb.NetworkTxBytesPerSec = floatFromNull(tx)
	if filesystems.Valid {
		if err := json.Unmarshal([]byte(filesystems.String), &hb.Filesystems); err != nil {
			return nil, fmt.Errorf("decoding filesystems: %w", err)
		}
	}
	if logins.Valid {
		if err := json.Unmarshal([]byte(logins.String), &hb.LastLoginIPs); err != nil {
			return nil, fmt.Errorf("decoding login ips: %w", err)
		}
	}
	if services.Valid {
		hb.Services = json.RawMessage(services.String)
	}
	if containers.Valid {
		hb.Containers = json.RawMessage(containers.String)
	}
	if scanStats.Valid {
		hb.ScannerStats = json.RawMessage(scanStats.String)
	}
	return &hb, nil
}

const rollupSelect = `
	SELECT device_id, time_bucket, cpu_avg, cpu_max, ram_avg, ram_max,
	       disk_root_avg, disk_root_max, network_rx_avg_mbps, network_rx_max_mbps,
	       network_tx_avg_mbps, network_tx_max_mbps, sample_count
	FROM metrics_rollup`

func scanRollup(row rowScanner) (model.RollupBucket, error) {
	var b model.RollupBucket
	var bucket int64
	err := row.Scan(&b.DeviceID, &bucket, &b.CPUAvg, &b.CPUMax, &b.RAMAvg, &b.RAMMax,
		&b.DiskRootAvg, &b.DiskRootMax, &b.RxAvgMbps, &b.RxMaxMbps,
		&b.TxAvgMbps, &b.TxMaxMbps, &b.SampleCount)
	if err != nil {
		return model.RollupBucket{}, err
	}
	b.TimeBucket = time.Unix(bucket, 0).UTC()
	return b, nil
}

// GetRollups returns a device's rollup buckets starting at or after since,
// oldest first.
func (s *Store) GetRollups(ctx context.Context, deviceID int64, since time.Time) ([]model.RollupBucket, error) {
	rows, err := s.db.QueryContext(ctx, rollupSelect+`
		WHERE device_id = ? AND time_bucket >= ?
		ORDER BY time_bucket ASC`,
		deviceID, since.Unix(),
	)
	if err != nil {
		return nil, fmt.Errorf("querying rollups: %w", err)
	}
	defer rows.Close()

	var buckets []model.RollupBucket
	for rows.Next() {
		b, err := scanRollup(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning rollup: %w", err)
		}
		buckets = append(buckets, b)
	}
	return buckets, rows.Err()
}

// GetFacts returns up to limit of the most recent facts entries for a device.
func (s *Store) GetFacts(ctx context.Context, deviceID int64, limit int) ([]model.DeviceFacts, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT device_id, collected_at, facts FROM device_facts
		WHERE device_id = ?
		ORDER BY collected_at DESC
		LIMIT ?`,
		deviceID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying facts: %w", err)
	}
	defer rows.Close()

	var out []model.DeviceFacts
	for rows.Next() {
		var f model.DeviceFacts
		var collected int64
		var facts string
		if err := rows.Scan(&f.DeviceID, &collected, &facts); err != nil {
			return nil, fmt.Errorf("scanning facts: %w", err)
		}
		f.CollectedAt = time.Unix(0, collected).UTC()
		f.Facts = json.RawMessage(facts)
		out = append(out, f)
	}
	return out, rows.Err()
}

func rawOrNil(raw json.RawMessage) any {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return string(raw)
}

func nonNilFilesystems(fs []model.Filesystem) []model.Filesystem {
	if fs == nil {
		return []model.Filesystem{}
	}
	return fs
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
