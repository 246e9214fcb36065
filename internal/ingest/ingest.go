// Package ingest accepts device telemetry: it replaces each device's latest
// snapshot, folds samples into five minute rollups and announces the result.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/darshan-rambhia/fleetlink/internal/apperr"
	"github.com/darshan-rambhia/fleetlink/internal/broadcast"
	"github.com/darshan-rambhia/fleetlink/internal/cache"
	"github.com/darshan-rambhia/fleetlink/internal/model"
	"github.com/darshan-rambhia/fleetlink/internal/store"
)

var errDeviceNotFound = apperr.New(apperr.NotFound, apperr.ReasonDeviceNotFound, "Device not found")

// Ingestor records heartbeats and facts.
type Ingestor struct {
	store  *store.Store
	events broadcast.Broadcaster
	cache  *cache.Cache
	now    func() time.Time
}

// New creates an Ingestor. A nil broadcaster is replaced by a no-op one and a
// nil cache is skipped.
func New(s *store.Store, b broadcast.Broadcaster, c *cache.Cache) *Ingestor {
	if b == nil {
		b = broadcast.Noop{}
	}
	return &Ingestor{store: s, events: b, cache: c, now: time.Now}
}

// Heartbeat stores a report for a device. observedIP is used as the public
// address when the report carries none. A report whose id was already
// recorded changes nothing and returns duplicate = true.
func (i *Ingestor) Heartbeat(ctx context.Context, deviceID int64, r model.HeartbeatReport, observedIP string) (duplicate bool, err error) {
	if r.ReportID != "" {
		if _, err := uuid.Parse(r.ReportID); err != nil {
			return false, apperr.Wrap(apperr.Validation, apperr.ReasonMalformedBody, "report_id must be a UUID", err)
		}
	}
	if r.PublicIP == "" {
		r.PublicIP = observedIP
	}

	now := i.now()
	var ref store.DeviceRef
	err = i.store.WithTx(ctx, func(tx *store.Tx) error {
		duplicate = false
		var err error
		ref, err = tx.DeviceRef(ctx, deviceID)
		if err != nil {
			return err
		}

		if r.ReportID != "" {
			err := tx.RecordReport(ctx, deviceID, r.ReportID, now)
			if errors.Is(err, store.ErrDuplicateReport) {
				duplicate = true
				return nil
			}
			if err != nil {
				return err
			}
		}

		if err := tx.TouchDevice(ctx, deviceID, r.UptimeSeconds, r.PublicIP, now); err != nil {
			return err
		}

		hb := model.Heartbeat{DeviceID: deviceID, Timestamp: now, HeartbeatReport: r}
		if ref.Class != model.ClassScanner {
			hb.ScannerStats = nil
		}
		if err := tx.UpsertHeartbeat(ctx, hb); err != nil {
			return err
		}

		bucket := BucketStart(now)
		current, _, err := tx.LoadRollup(ctx, deviceID, bucket)
		if err != nil {
			return err
		}
		current.DeviceID = deviceID
		current.TimeBucket = bucket
		return tx.SaveRollup(ctx, Fold(current, SampleFrom(r)))
	})
	if errors.Is(err, store.ErrNotFound) {
		return false, errDeviceNotFound
	}
	if err != nil {
		slog.Error("recording heartbeat", "device_id", deviceID, "error", err)
		return false, apperr.Wrap(apperr.Internal, apperr.ReasonInternal, "Failed to record heartbeat", err)
	}
	if duplicate {
		slog.Debug("duplicate heartbeat ignored", "device_id", deviceID, "report_id", r.ReportID)
		return true, nil
	}

	status := ref.Status
	if status == model.StatusOffline {
		status = model.StatusActive
		slog.Info("device back online", "device_id", deviceID, "device_name", ref.Name)
		i.events.Emit(broadcast.EventDeviceOnline, map[string]any{
			"device_id":   deviceID,
			"device_name": ref.Name,
		})
	}
	if i.cache != nil {
		i.cache.Upsert(model.DeviceState{
			DeviceID:      deviceID,
			DeviceName:    ref.Name,
			Status:        status,
			TunnelAddress: ref.TunnelAddress,
			CPU:           r.CPUUsagePercent,
			RAM:           r.RAMUsagePercent,
			UptimeSeconds: r.UptimeSeconds,
			LastSeen:      now,
		})
	}
	i.events.Emit(broadcast.EventDeviceHeartbeat, map[string]any{
		"device_id": deviceID,
		"cpu":       r.CPUUsagePercent,
		"ram":       r.RAMUsagePercent,
		"timestamp": now.UTC(),
	})
	return false, nil
}

// RecordFacts appends a facts document to a device's history.
func (i *Ingestor) RecordFacts(ctx context.Context, deviceID int64, facts json.RawMessage) error {
	if !json.Valid(facts) {
		return apperr.New(apperr.Validation, apperr.ReasonMalformedBody, "Facts must be valid JSON")
	}
	now := i.now()
	err := i.store.WithTx(ctx, func(tx *store.Tx) error {
		if _, err := tx.DeviceRef(ctx, deviceID); err != nil {
			return err
		}
		return tx.InsertFacts(ctx, model.DeviceFacts{DeviceID: deviceID, CollectedAt: now, Facts: facts})
	})
	if errors.Is(err, store.ErrNotFound) {
		return errDeviceNotFound
	}
	if err != nil {
		slog.Error("recording facts", "device_id", deviceID, "error", err)
		return apperr.Wrap(apperr.Internal, apperr.ReasonInternal, "Failed to record facts", err)
	}
	return nil
}
