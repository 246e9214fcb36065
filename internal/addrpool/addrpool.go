// Package addrpool hands out sequential tunnel addresses from fixed IPv4 ranges.
package addrpool

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"

	"github.com/darshan-rambhia/fleetlink/internal/model"
)

// ErrExhausted is returned when a range has no address left after its highest
// assigned one.
var ErrExhausted = errors.New("address range exhausted")

// Range is an inclusive span of IPv4 addresses.
type Range struct {
	First netip.Addr
	Last  netip.Addr
}

// ParseRange parses and checks an inclusive range.
func ParseRange(first, last string) (Range, error) {
	f, err := netip.ParseAddr(first)
	if err != nil {
		return Range{}, fmt.Errorf("parsing first address %q: %w", first, err)
	}
	l, err := netip.ParseAddr(last)
	if err != nil {
		return Range{}, fmt.Errorf("parsing last address %q: %w", last, err)
	}
	r := Range{First: f, Last: l}
	if err := r.validate(); err != nil {
		return Range{}, err
	}
	return r, nil
}

// MustParseRange is like ParseRange but panics on error.
func MustParseRange(first, last string) Range {
	r, err := ParseRange(first, last)
	if err != nil {
		panic(err)
	}
	return r
}

func (r Range) validate() error {
	if !r.First.Is4() || !r.Last.Is4() {
		return fmt.Errorf("range %s: only IPv4 addresses are supported", r)
	}
	if r.Last.Less(r.First) {
		return fmt.Errorf("range %s: last address is before first", r)
	}
	return nil
}

func (r Range) String() string {
	return r.First.String() + "-" + r.Last.String()
}

// Bounds returns the numeric form of the first and last address.
func (r Range) Bounds() (uint32, uint32) {
	return ToUint32(r.First), ToUint32(r.Last)
}

// Size is the number of addresses in the range.
func (r Range) Size() int {
	lo, hi := r.Bounds()
	return int(hi-lo) + 1
}

// Contains reports whether a lies inside the range.
func (r Range) Contains(a netip.Addr) bool {
	if !a.Is4() {
		return false
	}
	n := ToUint32(a)
	lo, hi := r.Bounds()
	return n >= lo && n <= hi
}

// Overlaps reports whether the two ranges share any address.
func (r Range) Overlaps(o Range) bool {
	lo, hi := r.Bounds()
	olo, ohi := o.Bounds()
	return lo <= ohi && olo <= hi
}

// Next returns the address following highest, or the range's first address
// when highest is the zero Addr. It never recycles addresses below highest.
func (r Range) Next(highest netip.Addr) (netip.Addr, error) {
	if !highest.IsValid() {
		return r.First, nil
	}
	if !r.Contains(highest) {
		return netip.Addr{}, fmt.Errorf("highest address %s outside range %s", highest, r)
	}
	if highest == r.Last {
		return netip.Addr{}, fmt.Errorf("%w: %s", ErrExhausted, r)
	}
	return highest.Next(), nil
}

// Pool maps billing classes onto their address ranges.
type Pool struct {
	ranges map[model.BillingClass]Range
}

// New builds a pool from the customer and internal ranges, which must not overlap.
func New(customer, internal Range) (*Pool, error) {
	if err := customer.validate(); err != nil {
		return nil, fmt.Errorf("customer %w", err)
	}
	if err := internal.validate(); err != nil {
		return nil, fmt.Errorf("internal %w", err)
	}
	if customer.Overlaps(internal) {
		return nil, fmt.Errorf("customer range %s overlaps internal range %s", customer, internal)
	}
	return &Pool{ranges: map[model.BillingClass]Range{
		model.BillingCustomer: customer,
		model.BillingInternal: internal,
	}}, nil
}

// Default returns the pool with the stock ranges: customers draw from
// 10.10.0.20-99 and internal machines from 10.10.0.10-19.
func Default() *Pool {
	p, _ := New(
		MustParseRange("10.10.0.20", "10.10.0.99"),
		MustParseRange("10.10.0.10", "10.10.0.19"),
	)
	return p
}

// Range returns the range for a billing class.
func (p *Pool) Range(class model.BillingClass) (Range, error) {
	r, ok := p.ranges[class]
	if !ok {
		return Range{}, fmt.Errorf("no address range for billing class %q", class)
	}
	return r, nil
}

// ToUint32 returns the big-endian numeric value of an IPv4 address.
func ToUint32(a netip.Addr) uint32 {
	b := a.As4()
	return binary.BigEndian.Uint32(b[:])
}

// FromUint32 is the inverse of ToUint32.
func FromUint32(n uint32) netip.Addr {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], n)
	return netip.AddrFrom4(b)
}
