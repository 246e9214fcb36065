package tunnel

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Config holds settings for the wg command provisioner.
type Config struct {
	Interface  string
	Keepalive  int
	MaxRetries uint
	MaxElapsed time.Duration
}

// DefaultConfig returns the settings used for the wg0 interface.
func DefaultConfig() Config {
	return Config{
		Interface:  "wg0",
		Keepalive:  25,
		MaxRetries: 3,
		MaxElapsed: 10 * time.Second,
	}
}

// WireGuard provisions peers by running wg and wg-quick through a Runner.
type WireGuard struct {
	runner Runner
	cfg    Config
}

// NewWireGuard creates a command-based provisioner.
func NewWireGuard(r Runner, cfg Config) *WireGuard {
	if cfg.Interface == "" {
		cfg.Interface = "wg0"
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 1
	}
	return &WireGuard{runner: r, cfg: cfg}
}

// AddPeer adds or updates the peer and persists the interface config.
func (w *WireGuard) AddPeer(ctx context.Context, publicKey string, addr netip.Addr) error {
	if _, err := ParseKey(publicKey); err != nil {
		return err
	}
	if !addr.IsValid() {
		return fmt.Errorf("adding peer: invalid address")
	}

	args := []string{"set", w.cfg.Interface, "peer", publicKey, "allowed-ips", netip.PrefixFrom(addr, addr.BitLen()).String()}
	if w.cfg.Keepalive > 0 {
		args = append(args, "persistent-keepalive", strconv.Itoa(w.cfg.Keepalive))
	}
	if err := w.retry(ctx, "wg", args...); err != nil {
		return fmt.Errorf("adding peer %s: %w", addr, err)
	}
	if err := w.retry(ctx, "wg-quick", "save", w.cfg.Interface); err != nil {
		return fmt.Errorf("saving %s after adding peer: %w", w.cfg.Interface, err)
	}
	slog.Info("tunnel peer added", "interface", w.cfg.Interface, "address", addr, "public_key", publicKey)
	return nil
}

// RemovePeer removes the peer and persists the interface config. Removing an
// unknown peer succeeds.
func (w *WireGuard) RemovePeer(ctx context.Context, publicKey string) error {
	if _, err := ParseKey(publicKey); err != nil {
		return err
	}
	if err := w.retry(ctx, "wg", "set", w.cfg.Interface, "peer", publicKey, "remove"); err != nil {
		return fmt.Errorf("removing peer: %w", err)
	}
	if err := w.retry(ctx, "wg-quick", "save", w.cfg.Interface); err != nil {
		return fmt.Errorf("saving %s after removing peer: %w", w.cfg.Interface, err)
	}
	slog.Info("tunnel peer removed", "interface", w.cfg.Interface, "public_key", publicKey)
	return nil
}

func (w *WireGuard) retry(ctx context.Context, name string, args ...string) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond

	operation := func() (struct{}, error) {
		_, err := w.runner.Run(ctx, name, args...)
		if err != nil {
			slog.Debug("tunnel command failed", "command", name, "error", err)
		}
		return struct{}{}, err
	}
	opts := []backoff.RetryOption{backoff.WithBackOff(bo), backoff.WithMaxTries(w.cfg.MaxRetries)}
	if w.cfg.MaxElapsed > 0 {
		opts = append(opts, backoff.WithMaxElapsedTime(w.cfg.MaxElapsed))
	}
	_, err := backoff.Retry(ctx, operation, opts...)
	return err
}
