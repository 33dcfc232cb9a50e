// Package endpoint models the three kinds of file descriptor the engine
// multiplexes (listener, peer connection, and TUN device) as a single
// tagged variant, and owns their lifecycle: construction is all-or-nothing,
// destruction is idempotent, and every live endpoint is reachable from
// exactly one owning List.
package endpoint

import (
	"fmt"
	"log/slog"

	"golang.org/x/sys/unix"

	"l3meshd/internal/framer"
	"l3meshd/internal/netaddr"
	"l3meshd/internal/notifier"
	"l3meshd/internal/ring"
	"l3meshd/internal/routesync"
)

// Role tags which of the three variants an Endpoint is.
type Role int

const (
	RoleListener Role = iota
	RolePeerConn
	RoleTun
)

func (r Role) String() string {
	switch r {
	case RoleListener:
		return "listener"
	case RolePeerConn:
		return "peer"
	case RoleTun:
		return "tun"
	default:
		return "role(?)"
	}
}

const (
	// PeerRingSize is the rx and tx ring capacity for a PeerConn endpoint.
	PeerRingSize = 128 * 1024
	// TunTxRingSize is the TUN endpoint's tx ring capacity, sized generously
	// since every peer's rx side drains into it.
	TunTxRingSize = 4 * 1024 * 1024
	// tunWriteAssemblyInitCap is the TUN write-assembly buffer's starting
	// capacity; it doubles from here as needed.
	tunWriteAssemblyInitCap = 4096
)

// Endpoint is a single managed file descriptor. Only the fields relevant to
// Role are meaningful; the others are left zero, a tagged-union shape
// without the aliasing hazard a real union would have.
type Endpoint struct {
	FD   int
	Role Role
	live bool

	// PeerConn fields.
	Peer     netaddr.Addr
	Outbound bool
	RxRing   *ring.Buffer
	TxRing   *ring.Buffer
	// Connecting is true for an outbound PeerConn between the non-blocking
	// connect() call and the first writable readiness notification, at
	// which point the engine checks SO_ERROR to learn whether it succeeded.
	Connecting bool

	// Tun fields.
	TxRingTun     *ring.Buffer
	ReadBuf       []byte
	WriteAssembly *framer.AssemblyBuffer
}

// Live reports whether the endpoint is still registered and open.
func (e *Endpoint) Live() bool { return e.live }

// List owns every endpoint created through it, the notifier it registers
// them with, and the route sink PeerConn endpoints are synced to.
type List struct {
	notifier  *notifier.Notifier
	routeSink routesync.Sink
	logger    *slog.Logger
	items     []*Endpoint
}

// NewList builds an empty owning list. logger defaults to slog.Default().
func NewList(n *notifier.Notifier, sink routesync.Sink, logger *slog.Logger) *List {
	if sink == nil {
		sink = routesync.Noop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &List{notifier: n, routeSink: sink, logger: logger}
}

// All returns the live endpoints, in no particular order.
func (l *List) All() []*Endpoint { return l.items }

// AddListener registers a listening socket fd.
func (l *List) AddListener(fd int) (*Endpoint, error) {
	e := &Endpoint{FD: fd, Role: RoleListener}
	return l.commit(e)
}

// AddTun registers the TUN device fd. At most one Tun endpoint should exist
// per List for the engine's invariant 4 to hold; the list itself does not
// enforce that, the engine does.
func (l *List) AddTun(fd int) (*Endpoint, error) {
	e := &Endpoint{
		FD:            fd,
		Role:          RoleTun,
		TxRingTun:     ring.New(TunTxRingSize),
		ReadBuf:       make([]byte, framer.MaxL3PacketLen),
		WriteAssembly: framer.NewAssemblyBuffer(tunWriteAssemblyInitCap),
	}
	return l.commit(e)
}

// AddPeerConn registers a peer connection fd (inbound or outbound) keyed by
// the peer's NetAddr, allocating its rx/tx rings and syncing the address
// into the route sink. On any failure, including a failed route sink add,
// the endpoint is not created and fd is closed.
func (l *List) AddPeerConn(fd int, peer netaddr.Addr, outbound bool) (*Endpoint, error) {
	if err := l.routeSink.Add(peer); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("endpoint: route sync add %s: %w", peer, err)
	}
	e := &Endpoint{
		FD:       fd,
		Role:     RolePeerConn,
		Peer:     peer,
		Outbound: outbound,
		RxRing:   ring.New(PeerRingSize),
		TxRing:   ring.New(PeerRingSize),
	}
	ep, err := l.commit(e)
	if err != nil {
		_ = l.routeSink.Remove(peer)
		return nil, err
	}
	return ep, nil
}

// commit performs the shared tail of construction: non-blocking mode,
// notifier registration, append to the owning list. On any failure it closes
// the fd and returns a non-nil error without adding e to the list; callers
// that allocated role-specific resources (route sink entries) roll those
// back themselves.
func (l *List) commit(e *Endpoint) (*Endpoint, error) {
	if err := unix.SetNonblock(e.FD, true); err != nil {
		_ = unix.Close(e.FD)
		return nil, fmt.Errorf("endpoint: set non-blocking fd=%d: %w", e.FD, err)
	}
	if err := l.notifier.Add(e.FD); err != nil {
		_ = unix.Close(e.FD)
		return nil, fmt.Errorf("endpoint: notifier register fd=%d: %w", e.FD, err)
	}
	e.live = true
	l.items = append(l.items, e)
	return e, nil
}

// Destroy tears an endpoint down: removes its route sink entry (PeerConn
// only), deregisters it from the notifier, closes the fd, and unlinks it
// from the owning list. It is idempotent: destroying an already-destroyed
// endpoint is a no-op.
func (l *List) Destroy(e *Endpoint) {
	if !e.live {
		return
	}
	e.live = false

	if e.Role == RolePeerConn {
		if err := l.routeSink.Remove(e.Peer); err != nil {
			l.logger.Warn("route sync remove failed", "peer", e.Peer, "err", err)
		}
	}
	_ = l.notifier.Remove(e.FD)
	_ = unix.Close(e.FD)
	e.FD = -1

	for i, it := range l.items {
		if it == e {
			l.items[i] = l.items[len(l.items)-1]
			l.items = l.items[:len(l.items)-1]
			break
		}
	}
}
