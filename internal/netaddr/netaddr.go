// Package netaddr holds the fixed-width binary address used as the key for
// every peer-indexed table in the engine: the passive roster, the live
// socket map, and the TUN destination lookup.
package netaddr

import (
	"fmt"
	"net"
)

// Family tags the address-family a NetAddr was resolved for.
type Family uint8

const (
	FamilyNone Family = iota
	V4
	V6
)

func (f Family) String() string {
	switch f {
	case V4:
		return "ipv4"
	case V6:
		return "ipv6"
	default:
		return "none"
	}
}

// Addr is a fixed 16-byte opaque address, interpreted as 4 bytes (IPv4) or
// 16 bytes (IPv6) according to Family. It is comparable and therefore
// usable directly as a map key.
type Addr struct {
	bytes  [16]byte
	family Family
}

// FromIP builds an Addr from a net.IP, picking the family from its shape.
func FromIP(ip net.IP) (Addr, bool) {
	var a Addr
	if v4 := ip.To4(); v4 != nil {
		a.family = V4
		copy(a.bytes[:4], v4)
		return a, true
	}
	if v6 := ip.To16(); v6 != nil {
		a.family = V6
		copy(a.bytes[:], v6)
		return a, true
	}
	return Addr{}, false
}

// Parse parses a presentation-format address string (dotted-quad or
// colon-hex).
func Parse(s string) (Addr, error) {
	ip := net.ParseIP(s)
	if ip == nil {
		return Addr{}, fmt.Errorf("netaddr: invalid address %q", s)
	}
	a, ok := FromIP(ip)
	if !ok {
		return Addr{}, fmt.Errorf("netaddr: unrepresentable address %q", s)
	}
	return a, nil
}

// Family reports which address family this Addr was resolved for.
func (a Addr) Family() Family { return a.family }

// IsZero reports whether a is the zero value (no family set).
func (a Addr) IsZero() bool { return a.family == FamilyNone }

// Len returns the number of significant bytes: 4 for IPv4, 16 for IPv6.
func (a Addr) Len() int {
	if a.family == V4 {
		return 4
	}
	return 16
}

// Bytes returns the significant bytes of the address (4 or 16, per Family).
func (a Addr) Bytes() []byte {
	return a.bytes[:a.Len()]
}

// IP converts back to a net.IP for presentation and for passing to stdlib
// networking calls.
func (a Addr) IP() net.IP {
	if a.family == V4 {
		ip := make(net.IP, 4)
		copy(ip, a.bytes[:4])
		return ip
	}
	ip := make(net.IP, 16)
	copy(ip, a.bytes[:])
	return ip
}

func (a Addr) String() string {
	if a.IsZero() {
		return "<none>"
	}
	return a.IP().String()
}

// Compare returns -1, 0, or 1 comparing a and b byte-lexicographically over
// their significant bytes. Addresses of differing families never tie-break
// against one another in practice (the reloader only compares same-family
// pairs), but Compare still orders IPv4 before IPv6 if asked to.
func Compare(a, b Addr) int {
	if a.family != b.family {
		if a.family < b.family {
			return -1
		}
		return 1
	}
	n := a.Len()
	for i := 0; i < n; i++ {
		if a.bytes[i] != b.bytes[i] {
			if a.bytes[i] < b.bytes[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}

// Greater reports whether a sorts strictly after b under Compare: the
// tie-break predicate used to decide which side of a mesh edge dials.
func Greater(a, b Addr) bool { return Compare(a, b) > 0 }
