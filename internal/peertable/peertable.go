// Package peertable holds the two address-keyed tables the engine and
// reloader share: the passive roster of configured peers, and the live
// sockets currently connected to a subset of them. Both are plain Go maps
// keyed by netaddr.Addr.
package peertable

import (
	"l3meshd/internal/endpoint"
	"l3meshd/internal/netaddr"
)

// PassivePeer is one configured dial target: the address it resolved to,
// and the human-readable host string it was read from (kept for logging
// and for re-resolution on the next reload).
type PassivePeer struct {
	Addr netaddr.Addr
	Host string
}

// Table owns the passive roster, the live-socket index, and the
// disconnected-retry set. It does not own Endpoints: live holds borrowed
// references into an endpoint.List.
type Table struct {
	passive      map[netaddr.Addr]*PassivePeer
	live         map[netaddr.Addr]*endpoint.Endpoint
	disconnected map[netaddr.Addr]*PassivePeer
}

// New builds an empty table.
func New() *Table {
	return &Table{
		passive:      make(map[netaddr.Addr]*PassivePeer),
		live:         make(map[netaddr.Addr]*endpoint.Endpoint),
		disconnected: make(map[netaddr.Addr]*PassivePeer),
	}
}

// PutPassive inserts or replaces a roster entry.
func (t *Table) PutPassive(p *PassivePeer) { t.passive[p.Addr] = p }

// RemovePassive deletes a roster entry (and any disconnected-retry record
// for it); it does not touch the live socket, which callers must destroy
// separately so fd teardown stays explicit.
func (t *Table) RemovePassive(addr netaddr.Addr) {
	delete(t.passive, addr)
	delete(t.disconnected, addr)
}

// Passive looks up a roster entry.
func (t *Table) Passive(addr netaddr.Addr) (*PassivePeer, bool) {
	p, ok := t.passive[addr]
	return p, ok
}

// PassiveAddrs returns every roster address, in no particular order.
func (t *Table) PassiveAddrs() []netaddr.Addr {
	out := make([]netaddr.Addr, 0, len(t.passive))
	for a := range t.passive {
		out = append(out, a)
	}
	return out
}

// SetLive records addr as reachable through e (invariant 1). Callers must
// not call this for an address that is already live; reconnecting requires
// RemoveLive first.
func (t *Table) SetLive(addr netaddr.Addr, e *endpoint.Endpoint) {
	t.live[addr] = e
	delete(t.disconnected, addr)
}

// RemoveLive drops addr from the live index. It does not destroy the
// endpoint: the caller does that via endpoint.List.Destroy first or after,
// as the teardown ordering requires.
func (t *Table) RemoveLive(addr netaddr.Addr) { delete(t.live, addr) }

// Live looks up the endpoint currently serving addr.
func (t *Table) Live(addr netaddr.Addr) (*endpoint.Endpoint, bool) {
	e, ok := t.live[addr]
	return e, ok
}

// LookupDst is the TUN dispatcher's destination lookup: find the live
// PeerConn endpoint for a packet's destination address.
func (t *Table) LookupDst(dst netaddr.Addr) (*endpoint.Endpoint, bool) { return t.Live(dst) }

// PushDisconnected marks addr as configured but currently unreachable, for
// the engine's periodic retry pass to re-dial. It is a no-op if addr is live.
func (t *Table) PushDisconnected(p *PassivePeer) {
	if _, live := t.live[p.Addr]; live {
		return
	}
	t.disconnected[p.Addr] = p
}

// RemoveDisconnected clears addr's retry record, normally once a connect
// attempt has succeeded and SetLive has just been called.
func (t *Table) RemoveDisconnected(addr netaddr.Addr) { delete(t.disconnected, addr) }

// Disconnected reports whether addr is currently on the retry list.
func (t *Table) Disconnected(addr netaddr.Addr) bool {
	_, ok := t.disconnected[addr]
	return ok
}

// DisconnectedPeers returns every peer currently awaiting a retry.
func (t *Table) DisconnectedPeers() []*PassivePeer {
	out := make([]*PassivePeer, 0, len(t.disconnected))
	for _, p := range t.disconnected {
		out = append(out, p)
	}
	return out
}
