// Package reloader computes the connect/disconnect delta between the
// current peer roster and a freshly re-read peer file. It never touches a
// socket or the live tables itself: it hands back a Plan the engine
// applies, so the diff logic can be tested without a network or fds.
package reloader

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"os"
	"strings"

	"l3meshd/internal/netaddr"
	"l3meshd/internal/peertable"
)

// maxLineLen bounds a single peer-file line; longer lines are truncated
// before resolution.
const maxLineLen = 256

// Family bits for the address-family mask, named after the USING_IPV4/
// USING_IPV6 flags they replace.
const (
	UsingIPv4 = 1 << 0
	UsingIPv6 = 1 << 1
)

func familyBit(f netaddr.Family) int {
	switch f {
	case netaddr.V4:
		return UsingIPv4
	case netaddr.V6:
		return UsingIPv6
	default:
		return 0
	}
}

// UsingAF derives the family mask from which self-addresses are configured.
func UsingAF(selfV4, selfV6 netaddr.Addr) int {
	mask := 0
	if !selfV4.IsZero() {
		mask |= UsingIPv4
	}
	if !selfV6.IsZero() {
		mask |= UsingIPv6
	}
	return mask
}

// Resolver resolves a hostname to its IP addresses; net.Resolver satisfies
// this, and tests supply a fake.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// Plan is the delta to apply: roster entries to dial and add, and roster
// entries to tear down entirely (live socket destroyed if any, removed from
// passive_peers and the disconnected list).
type Plan struct {
	Connect    []*peertable.PassivePeer
	Disconnect []netaddr.Addr
}

// ReadPeerFile reads one host per line, ignoring blank lines and lines
// starting with '#'. Lines longer than maxLineLen are truncated, and the
// truncated form is what gets resolved, rather than rejecting the line
// outright.
func ReadPeerFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("reloader: open peer file: %w", err)
	}
	defer f.Close()

	var hosts []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if len(line) > maxLineLen {
			line = line[:maxLineLen]
		}
		hosts = append(hosts, line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reloader: read peer file: %w", err)
	}
	return hosts, nil
}

// Compute re-resolves peerFilePath and diffs the result against current's
// passive roster, applying the family mask (by proper bitwise AND, not an
// always-truthy OR) and the self-tie-break rule. If resolution
// of any line fails, it returns an error and an empty Plan: the caller
// must leave the current roster untouched, per the reload failure policy.
func Compute(ctx context.Context, resolver Resolver, peerFilePath string, selfV4, selfV6 netaddr.Addr, current *peertable.Table) (Plan, error) {
	hosts, err := ReadPeerFile(peerFilePath)
	if err != nil {
		return Plan{}, err
	}

	usingAF := UsingAF(selfV4, selfV6)
	updated := make(map[netaddr.Addr]*peertable.PassivePeer)

	for _, host := range hosts {
		ips, err := resolver.LookupIPAddr(ctx, host)
		if err != nil {
			return Plan{}, fmt.Errorf("reloader: resolve %q: %w", host, err)
		}
		for _, ip := range ips {
			a, ok := netaddr.FromIP(ip.IP)
			if !ok {
				continue
			}
			if usingAF&familyBit(a.Family()) == 0 {
				continue
			}
			self := selfV4
			if a.Family() == netaddr.V6 {
				self = selfV6
			}
			if self.IsZero() || !netaddr.Greater(a, self) {
				continue
			}
			if _, dup := updated[a]; !dup {
				updated[a] = &peertable.PassivePeer{Addr: a, Host: host}
			}
		}
	}

	currentAddrs := current.PassiveAddrs()
	currentSet := make(map[netaddr.Addr]bool, len(currentAddrs))
	for _, a := range currentAddrs {
		currentSet[a] = true
	}

	var plan Plan
	for addr, p := range updated {
		if !currentSet[addr] {
			plan.Connect = append(plan.Connect, p)
		}
	}
	for _, addr := range currentAddrs {
		if _, ok := updated[addr]; !ok {
			plan.Disconnect = append(plan.Disconnect, addr)
		}
	}
	return plan, nil
}
