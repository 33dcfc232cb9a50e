package engine

import (
	"context"

	"golang.org/x/sys/unix"

	"l3meshd/internal/endpoint"
	"l3meshd/internal/netaddr"
	"l3meshd/internal/notifier"
	"l3meshd/internal/peertable"
	"l3meshd/internal/reloader"
	"l3meshd/internal/ring"
)

// handleEvent fans one readiness notification out to its endpoint's
// role-specific handler. A fd with no entry in fdIndex belongs to an
// endpoint destroyed earlier in this same batch; the stale event is
// dropped.
func (e *Engine) handleEvent(ev notifier.Event) {
	if ev.FD == e.wakeR {
		e.drainWake()
		return
	}
	ep, ok := e.fdIndex[ev.FD]
	if !ok {
		return
	}

	switch ep.Role {
	case endpoint.RoleListener:
		e.acceptLoop(ep)

	case endpoint.RoleTun:
		if ev.Events.Writable() {
			if code := e.tunWriterStep(); code == ring.UnknownErr {
				e.logger.Error("tun writer failed, leaving tun endpoint alive")
			}
		}
		if ev.Events.Readable() {
			if code := e.tunReaderStep(); code == ring.UnknownErr {
				e.logger.Error("tun reader failed, leaving tun endpoint alive")
			}
		}

	case endpoint.RolePeerConn:
		if ep.Connecting {
			e.completeConnect(ep)
			if !ep.Live() {
				return
			}
		}
		if ev.Events.Writable() {
			e.flushPeerTx(ep)
		}
		if ep.Live() && ev.Events.Readable() {
			e.peerReadableStep(ep)
		}
	}
}

func (e *Engine) drainWake() {
	var buf [64]byte
	for {
		n, err := unix.Read(e.wakeR, buf[:])
		if n <= 0 || err != nil {
			return
		}
	}
}

// acceptLoop accepts every pending inbound connection until EAGAIN/EMFILE.
func (e *Engine) acceptLoop(listener *endpoint.Endpoint) {
	for {
		fd, sa, err := unix.Accept4(listener.FD, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			switch err {
			case unix.EAGAIN:
				return
			case unix.EMFILE, unix.ENFILE:
				e.logger.Warn("accept: file descriptor limit reached")
				return
			default:
				e.logger.Warn("accept failed", "err", err)
				return
			}
		}

		addr, ok := sockaddrToAddr(sa)
		if !ok {
			unix.Close(fd)
			continue
		}
		if _, live := e.peers.Live(addr); live {
			// The tie-break rule should prevent both sides from dialing,
			// but a racing reconnect can still land here; the existing
			// link wins.
			unix.Close(fd)
			continue
		}

		ep, err := e.addPeerConn(fd, addr, false)
		if err != nil {
			e.logger.Warn("accept: add endpoint failed", "peer", addr, "err", err)
			continue
		}
		e.peers.SetLive(addr, ep)
		e.logger.Debug("accepted peer connection", "peer", addr)
	}
}

// dialPeer issues a non-blocking outbound connect for p and registers the
// resulting endpoint, marking it Connecting if the connect is still in
// flight. On any failure short of a live endpoint, p is pushed back onto
// the disconnected-retry list.
func (e *Engine) dialPeer(p *peertable.PassivePeer) {
	fd, err := dialSocket(p.Addr, e.cfg.ListenPort)
	if err != nil {
		e.logger.Warn("dial failed", "peer", p.Addr, "err", err)
		e.peers.PushDisconnected(p)
		return
	}

	connecting := false
	err = unix.Connect(fd, addrToSockaddr(p.Addr, e.cfg.ListenPort))
	if err != nil {
		if err == unix.EINPROGRESS {
			connecting = true
		} else {
			unix.Close(fd)
			e.logger.Warn("connect failed", "peer", p.Addr, "err", err)
			e.peers.PushDisconnected(p)
			return
		}
	}

	ep, err := e.addPeerConn(fd, p.Addr, true)
	if err != nil {
		e.logger.Warn("dial: add endpoint failed", "peer", p.Addr, "err", err)
		e.peers.PushDisconnected(p)
		return
	}
	ep.Connecting = connecting
	e.peers.SetLive(p.Addr, ep)
}

// completeConnect resolves a pending non-blocking connect on its first
// writable readiness: SO_ERROR tells us whether it actually succeeded.
func (e *Engine) completeConnect(ep *endpoint.Endpoint) {
	ep.Connecting = false
	errno, err := unix.GetsockoptInt(ep.FD, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil || errno != 0 {
		e.logger.Warn("outbound connect failed", "peer", ep.Peer)
		e.killPeer(ep)
	}
}

// killPeer tears an endpoint down and, for an outbound peer, requeues it
// for retry rather than dropping it from the roster entirely.
func (e *Engine) killPeer(ep *endpoint.Endpoint) {
	addr, outbound := ep.Peer, ep.Outbound
	e.peers.RemoveLive(addr)
	e.destroyEndpoint(ep)
	if outbound {
		if p, ok := e.peers.Passive(addr); ok {
			e.peers.PushDisconnected(p)
		}
	}
}

func (e *Engine) retryDisconnected() {
	for _, p := range e.peers.DisconnectedPeers() {
		e.dialPeer(p)
	}
}

// reload re-reads the peer file and applies the resulting diff. A
// resolution failure leaves the current roster untouched.
func (e *Engine) reload() {
	plan, err := reloader.Compute(context.Background(), e.resolver, e.cfg.PeerFilePath, e.selfV4, e.selfV6, e.peers)
	if err != nil {
		e.logger.Warn("reload failed, keeping prior roster", "err", err)
		return
	}
	e.applyPlan(plan)
}

func (e *Engine) applyPlan(plan reloader.Plan) {
	for _, addr := range plan.Disconnect {
		if ep, ok := e.peers.Live(addr); ok {
			e.destroyEndpoint(ep)
		}
		e.peers.RemoveLive(addr)
		e.peers.RemovePassive(addr)
	}
	for _, p := range plan.Connect {
		e.peers.PutPassive(p)
		e.dialPeer(p)
	}
}

func sockaddrToAddr(sa unix.Sockaddr) (netaddr.Addr, bool) {
	switch s := sa.(type) {
	case *unix.SockaddrInet4:
		ip := make([]byte, 4)
		copy(ip, s.Addr[:])
		return netaddr.FromIP(ip)
	case *unix.SockaddrInet6:
		ip := make([]byte, 16)
		copy(ip, s.Addr[:])
		return netaddr.FromIP(ip)
	default:
		return netaddr.Addr{}, false
	}
}

func addrToSockaddr(a netaddr.Addr, port int) unix.Sockaddr {
	if a.Family() == netaddr.V6 {
		sa := &unix.SockaddrInet6{Port: port}
		copy(sa.Addr[:], a.Bytes())
		return sa
	}
	sa := &unix.SockaddrInet4{Port: port}
	copy(sa.Addr[:], a.Bytes())
	return sa
}

func dialSocket(a netaddr.Addr, _ int) (int, error) {
	domain := unix.AF_INET
	if a.Family() == netaddr.V6 {
		domain = unix.AF_INET6
	}
	return unix.Socket(domain, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
}
