// Package routesync keeps an external kernel packet-filter set in sync with
// the live peer set. The default implementation shells out to ipset, the
// same os/exec pattern the pack uses for iptables rule management; the
// engine depends only on the narrow Sink interface so a netlink-based
// implementation can be swapped in without touching core logic.
package routesync

import (
	"fmt"
	"log/slog"
	"os/exec"

	"l3meshd/internal/netaddr"
)

// Sink adds and removes individual peer addresses from whatever mechanism
// gates TUN routing for reachable peers.
type Sink interface {
	Add(addr netaddr.Addr) error
	Remove(addr netaddr.Addr) error
}

// IPSet shells out to `ipset add|del <name> <addr>`. Exit status is
// surfaced to the caller: a failed Add must fail endpoint creation while a
// failed Remove only warrants a warning, but that policy lives in the
// caller (internal/endpoint), not here.
type IPSet struct {
	Name   string
	Logger *slog.Logger
}

// NewIPSet builds an IPSet sink, defaulting the logger to slog.Default.
func NewIPSet(name string, logger *slog.Logger) *IPSet {
	if logger == nil {
		logger = slog.Default()
	}
	return &IPSet{Name: name, Logger: logger}
}

func (s *IPSet) Add(addr netaddr.Addr) error {
	return s.run("add", addr)
}

func (s *IPSet) Remove(addr netaddr.Addr) error {
	return s.run("del", addr)
}

func (s *IPSet) run(verb string, addr netaddr.Addr) error {
	cmd := exec.Command("ipset", verb, s.Name, addr.String())
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("routesync: ipset %s %s %s: %w (%s)", verb, s.Name, addr, err, out)
	}
	s.Logger.Debug("ipset applied", "verb", verb, "set", s.Name, "addr", addr.String())
	return nil
}

// Noop is a Sink that does nothing, useful for tests and for deployments
// that gate TUN routing some other way.
type Noop struct{}

func (Noop) Add(netaddr.Addr) error    { return nil }
func (Noop) Remove(netaddr.Addr) error { return nil }
