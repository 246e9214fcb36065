package enroll

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/darshan-rambhia/fleetlink/internal/apperr"
	"github.com/darshan-rambhia/fleetlink/internal/model"
	"github.com/darshan-rambhia/fleetlink/internal/store"
)

// claimAlphabet leaves out characters that are easy to misread (0/O, 1/I).
const claimAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// ClaimCodeLength is the number of characters in a generated claim code.
const ClaimCodeLength = 12

// NewClaimCode returns a random claim code.
func NewClaimCode() (string, error) {
	b := make([]byte, ClaimCodeLength)
	max := big.NewInt(int64(len(claimAlphabet)))
	for i := range b {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("generating claim code: %w", err)
		}
		b[i] = claimAlphabet[n.Int64()]
	}
	return string(b), nil
}

// CreatePending registers a device awaiting enrollment and returns it along
// with its claim code.
func (c *Coordinator) CreatePending(ctx context.Context, p model.PendingDevice) (*model.Device, string, error) {
	now := c.now()
	for attempt := 0; attempt < 5; attempt++ {
		code, err := NewClaimCode()
		if err != nil {
			return nil, "", apperr.Wrap(apperr.Internal, apperr.ReasonInternal, "Could not create device", err)
		}
		d, err := c.store.CreatePendingDevice(ctx, p, code, now.Add(c.config.ClaimTTL), now)
		switch {
		case err == nil:
			slog.Info("pending device created", "device_id", d.ID, "device_name", d.DeviceName, "org", p.OrgSlug)
			return d, code, nil
		case errors.Is(err, store.ErrClaimCodeTaken):
			continue
		case errors.Is(err, store.ErrNotFound):
			return nil, "", apperr.Wrap(apperr.Validation, apperr.ReasonMissingFields, "Unknown organization or site", err)
		default:
			return nil, "", apperr.Wrap(apperr.Internal, apperr.ReasonInternal, "Could not create device", err)
		}
	}
	return nil, "", apperr.New(apperr.Internal, apperr.ReasonInternal, "Could not allocate a unique claim code")
}
