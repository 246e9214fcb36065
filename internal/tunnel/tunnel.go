// Package tunnel configures WireGuard peers for enrolled devices.
package tunnel

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net/netip"
	"sync"

	"golang.org/x/crypto/curve25519"
)

// Provisioner adds and removes tunnel peers on the server side.
// Both operations are idempotent.
type Provisioner interface {
	AddPeer(ctx context.Context, publicKey string, addr netip.Addr) error
	RemovePeer(ctx context.Context, publicKey string) error
}

// ErrInvalidKey is returned for public keys that are not 32 bytes of base64.
var ErrInvalidKey = errors.New("invalid tunnel public key")

// ParseKey decodes a base64 WireGuard key.
func ParseKey(s string) ([32]byte, error) {
	var key [32]byte
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return key, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	if len(b) != len(key) {
		return key, fmt.Errorf("%w: got %d bytes, want 32", ErrInvalidKey, len(b))
	}
	copy(key[:], b)
	return key, nil
}

// GenerateKeyPair returns a new base64 private and public key.
func GenerateKeyPair() (private, public string, err error) {
	var priv [32]byte
	if _, err := rand.Read(priv[:]); err != nil {
		return "", "", fmt.Errorf("reading random key: %w", err)
	}
	// Clamp as WireGuard does.
	priv[0] &= 248
	priv[31] = (priv[31] & 127) | 64

	pub, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return "", "", fmt.Errorf("deriving public key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(priv[:]), base64.StdEncoding.EncodeToString(pub), nil
}

// Memory is an in-process Provisioner that only records peers.
type Memory struct {
	mu    sync.Mutex
	peers map[string]netip.Addr
}

// NewMemory returns an empty in-memory provisioner.
func NewMemory() *Memory {
	return &Memory{peers: make(map[string]netip.Addr)}
}

func (m *Memory) AddPeer(_ context.Context, publicKey string, addr netip.Addr) error {
	if _, err := ParseKey(publicKey); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.peers[publicKey] = addr
	return nil
}

func (m *Memory) RemovePeer(_ context.Context, publicKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.peers, publicKey)
	return nil
}

// Peers returns a copy of the configured peers.
func (m *Memory) Peers() map[string]netip.Addr {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]netip.Addr, len(m.peers))
	for k, v := range m.peers {
		out[k] = v
	}
	return out
}
