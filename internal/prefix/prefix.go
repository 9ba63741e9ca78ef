// Package prefix implements the tagged IPv4/IPv6 network prefix type
// shared by update fingerprinting, the coordinator, and the ROA store.
package prefix

import (
	"fmt"
	"net/netip"
)

// Prefix is an IP prefix tagged with its address family, distinct from
// netip.Prefix in that it exposes the exact byte layout update
// fingerprinting needs.
type Prefix struct {
	addr netip.Addr
	len  uint8
}

// New builds a Prefix from a netip.Addr and a prefix length, validating
// that the length fits the address family (invariant: 0 < len <= bits).
func New(addr netip.Addr, length int) (Prefix, error) {
	if !addr.IsValid() {
		return Prefix{}, fmt.Errorf("prefix: invalid address")
	}
	bits := addr.BitLen()
	if length <= 0 || length > bits {
		return Prefix{}, fmt.Errorf("prefix: length %d out of range for %d-bit address", length, bits)
	}
	return Prefix{addr: addr.Unmap(), len: uint8(length)}, nil
}

// Parse parses a "addr/len" string into a Prefix.
func Parse(s string) (Prefix, error) {
	np, err := netip.ParsePrefix(s)
	if err != nil {
		return Prefix{}, fmt.Errorf("prefix: %w", err)
	}
	return New(np.Addr(), np.Bits())
}

// FromNetip adapts a netip.Prefix, as produced by ROA/RTR decoders.
func FromNetip(p netip.Prefix) (Prefix, error) {
	return New(p.Addr(), p.Bits())
}

// Addr returns the underlying address.
func (p Prefix) Addr() netip.Addr { return p.addr }

// Len returns the prefix length in bits.
func (p Prefix) Len() int { return int(p.len) }

// Version returns 4 or 6.
func (p Prefix) Version() int {
	if p.addr.Is4() {
		return 4
	}
	return 6
}

// Bytes returns the minimal-width address bytes (4 for IPv4, 16 for IPv6),
// used verbatim by the update-id canonical encoding.
func (p Prefix) Bytes() []byte {
	b := p.addr.AsSlice()
	return b
}

// Masked returns the prefix with host bits zeroed, as netip.Prefix does.
func (p Prefix) Masked() Prefix {
	np := netip.PrefixFrom(p.addr, int(p.len)).Masked()
	m, _ := New(np.Addr(), np.Bits())
	return m
}

// Netip converts back to the stdlib representation for ROA-store lookups.
func (p Prefix) Netip() netip.Prefix {
	return netip.PrefixFrom(p.addr, int(p.len))
}

// Contains reports whether p covers other (same family, other is
// at least as specific, and masked p matches other's network part).
func (p Prefix) Contains(other Prefix) bool {
	if p.Version() != other.Version() {
		return false
	}
	if p.len > other.len {
		return false
	}
	return p.Netip().Contains(other.addr) || p.Netip().Masked() == other.Netip().Masked()
}

func (p Prefix) String() string {
	return p.Netip().String()
}

// IsValid reports whether the prefix was properly constructed.
func (p Prefix) IsValid() bool {
	return p.addr.IsValid()
}
