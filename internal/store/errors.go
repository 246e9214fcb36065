package store

import "errors"

// Lookup errors.
var (
	ErrNotFound = errors.New("not found")
)

// Uniqueness errors.
var (
	ErrFingerprintTaken = errors.New("fingerprint already registered to another device")
	ErrAddressTaken     = errors.New("tunnel address already assigned")
	ErrClaimCodeTaken   = errors.New("claim code already in use")
	ErrDuplicateReport  = errors.New("heartbeat report already recorded")
)

// State errors.
var (
	ErrNotReserved = errors.New("device has no active reservation")
)
