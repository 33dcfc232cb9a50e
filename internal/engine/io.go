package engine

import (
	"net"

	"golang.org/x/sys/unix"

	"l3meshd/internal/endpoint"
	"l3meshd/internal/framer"
	"l3meshd/internal/netaddr"
	"l3meshd/internal/ring"
)

// peerSource adapts a raw peer socket fd to ring.Source for Fill.
type peerSource struct{ fd int }

func (s peerSource) Read(dst []byte) (int, ring.Code) {
	n, err := unix.Read(s.fd, dst)
	if err == nil {
		if n == 0 {
			return 0, ring.Kill // peer closed its write side
		}
		return n, ring.OK
	}
	switch err {
	case unix.EAGAIN:
		return 0, ring.OKExhausted
	case unix.ECONNRESET, unix.ENOTCONN, unix.EPIPE:
		return 0, ring.Kill
	default:
		return 0, ring.UnknownErr
	}
}

// peerSink adapts a raw peer socket fd to ring.Sink for Drain.
type peerSink struct{ fd int }

func (s peerSink) Write(src []byte) (int, ring.Code) {
	n, err := unix.Write(s.fd, src)
	if err == nil {
		return n, ring.OK
	}
	switch err {
	case unix.EAGAIN:
		return 0, ring.OKExhausted
	case unix.ECONNRESET, unix.ENOTCONN, unix.EPIPE:
		return 0, ring.Kill
	default:
		return 0, ring.UnknownErr
	}
}

// peerToTunDrainer is handed to a peer's rx ring Fill call: it peeks each
// candidate L3 packet and hands complete ones to the TUN writer path. An
// unrecognized version nibble is fatal to the stream; the byte is left
// unconsumed and badVersion is set so the caller can kill the endpoint.
type peerToTunDrainer struct {
	eng        *Engine
	badVersion bool
}

func (d *peerToTunDrainer) Drain(r1, r2 []byte) int {
	total := 0
	for {
		if len(r1) == 0 && len(r2) == 0 {
			return total
		}
		totalLen, version, ok := framer.PeekLen(r1, r2)
		if version == 0 {
			d.badVersion = true
			return total
		}
		if !ok {
			return total
		}
		if totalLen < framer.HeaderLen(version) {
			// A declared length shorter than the fixed header is malformed;
			// treat it the same as an unrecognized version rather than
			// stalling on a packet that can never be satisfied.
			d.badVersion = true
			return total
		}
		if len(r1)+len(r2) < totalLen {
			return total
		}
		d.eng.deliverToTun(r1, r2, totalLen, version)
		total += totalLen
		r1, r2 = dropN(r1, r2, totalLen)
		if len(r1) == 0 && len(r2) == 0 {
			return total
		}
	}
}

// peerReadableStep fills a peer's rx ring from the socket, draining whole
// L3 packets to TUN as they complete.
func (e *Engine) peerReadableStep(ep *endpoint.Endpoint) {
	drainer := &peerToTunDrainer{eng: e}
	code := ep.RxRing.Fill(peerSource{fd: ep.FD}, drainer)
	if drainer.badVersion {
		e.logger.Warn("unrecognized L3 version from peer, killing connection", "peer", ep.Peer)
		e.killPeer(ep)
		return
	}
	switch code {
	case ring.Kill:
		e.killPeer(ep)
	case ring.UnknownErr:
		e.logger.Warn("peer read error", "peer", ep.Peer)
	}
}

// flushPeerTx drains a peer's tx ring to its socket, for both the
// opportunistic post-enqueue send and the writable-readiness path.
func (e *Engine) flushPeerTx(ep *endpoint.Endpoint) {
	code := ep.TxRing.Drain(peerSink{fd: ep.FD})
	switch code {
	case ring.Kill:
		e.killPeer(ep)
	case ring.UnknownErr:
		e.logger.Warn("peer write error", "peer", ep.Peer)
	}
}

// deliverToTun tries a single atomic write straight to the device when the
// TUN tx ring is empty and no write is already staged; otherwise it
// enqueues into the TUN tx ring, or drops and counts if it doesn't fit.
// IPv6 is counted and dropped rather than delivered: IPv6 mesh membership
// is not implemented.
func (e *Engine) deliverToTun(r1, r2 []byte, totalLen, version int) {
	if version == 6 {
		e.stats.TunTx.addDrop(totalLen)
		return
	}
	p1, p2 := splitN(r1, r2, totalLen)

	if e.tun.TxRingTun.Empty() && !e.tun.WriteAssembly.InProgress() {
		n, err := e.tunDevice.Writev(p1, p2)
		if err == nil && n == totalLen {
			e.stats.TunTx.addPacket(totalLen)
			return
		}
		if err == nil && n < totalLen {
			// Partial write: stage the unwritten tail so tunWriterStep
			// retries just that remainder instead of requeuing bytes
			// already on the wire.
			rem1, rem2 := dropN(p1, p2, n)
			e.tun.WriteAssembly.Begin(totalLen - n)
			e.tun.WriteAssembly.Append(rem1)
			e.tun.WriteAssembly.Append(rem2)
			e.stats.TunTx.addPacket(totalLen)
			return
		}
		if err != nil && !isEAGAIN(err) {
			e.logger.Warn("tun write failed", "err", err)
		}
	}

	if e.enqueueTun(p1, p2, totalLen) {
		e.stats.TunTx.addPacket(totalLen)
	} else {
		e.stats.TunTx.addDrop(totalLen)
	}
}

func (e *Engine) enqueueTun(p1, p2 []byte, totalLen int) bool {
	if e.tun.TxRingTun.Free() < totalLen {
		return false
	}
	w1, w2 := e.tun.TxRingTun.WritableRegions()
	copied := copySplit(w1, w2, p1, p2)
	e.tun.TxRingTun.CommitWrite(copied)
	return copied == totalLen
}

// tunWriterStep drains the TUN tx ring to the device: a contiguous packet
// is written directly; a wrap-spanning one is staged in the write-assembly
// buffer first so the device sees one atomic write.
func (e *Engine) tunWriterStep() ring.Code {
	for {
		if e.tun.WriteAssembly.InProgress() {
			n, err := e.tunDevice.Write(e.tun.WriteAssembly.Bytes())
			if err != nil {
				if isEAGAIN(err) {
					return ring.OKExhausted
				}
				e.logger.Warn("tun write failed", "err", err)
				return ring.UnknownErr
			}
			if n < len(e.tun.WriteAssembly.Bytes()) {
				return ring.OKExhausted
			}
			e.tun.WriteAssembly.Reset()
			continue
		}

		if e.tun.TxRingTun.Empty() {
			return ring.OK
		}
		r1, r2 := e.tun.TxRingTun.ReadableRegions()
		totalLen, _, ok := framer.PeekLen(r1, r2)
		if !ok {
			return ring.OK
		}
		if len(r1)+len(r2) < totalLen {
			return ring.OK
		}
		p1, p2 := splitN(r1, r2, totalLen)

		if len(p2) == 0 {
			n, err := e.tunDevice.Write(p1)
			if err != nil {
				if isEAGAIN(err) {
					return ring.OKExhausted
				}
				e.logger.Warn("tun write failed", "err", err)
				return ring.UnknownErr
			}
			if n < totalLen {
				e.tun.WriteAssembly.Begin(totalLen - n)
				e.tun.WriteAssembly.Append(p1[n:])
				e.tun.TxRingTun.CommitRead(totalLen)
				continue
			}
			e.tun.TxRingTun.CommitRead(totalLen)
			continue
		}

		e.tun.WriteAssembly.Begin(totalLen)
		e.tun.WriteAssembly.Append(p1)
		e.tun.WriteAssembly.Append(p2)
		e.tun.TxRingTun.CommitRead(totalLen)
	}
}

// tunReaderStep reads whole packets off the TUN device (kernel TUN
// semantics guarantee one packet per read) and dispatches each to its
// destination peer.
func (e *Engine) tunReaderStep() ring.Code {
	for {
		n, err := e.tunDevice.Read(e.tun.ReadBuf)
		if err != nil {
			e.logger.Warn("tun read failed", "err", err)
			return ring.UnknownErr
		}
		if n == 0 {
			return ring.OKExhausted
		}
		e.dispatchFromTun(e.tun.ReadBuf[:n])
	}
}

func (e *Engine) dispatchFromTun(pkt []byte) {
	version := framer.Version(pkt[0])
	var dst netaddr.Addr
	switch version {
	case 4:
		if len(pkt) < 20 {
			e.stats.WorldTx.addDrop(len(pkt))
			return
		}
		dst, _ = netaddr.FromIP(net.IP(pkt[16:20]))
	default:
		// IPv6 egress and unrecognized versions are counted and dropped;
		// IPv6 mesh membership is not implemented.
		e.stats.WorldTx.addDrop(len(pkt))
		return
	}

	ep, ok := e.peers.LookupDst(dst)
	if !ok {
		e.stats.WorldTx.addDrop(len(pkt))
		return
	}
	if ep.TxRing.Free() < len(pkt) {
		e.stats.WorldTx.addDrop(len(pkt))
		return
	}
	w1, w2 := ep.TxRing.WritableRegions()
	copied := copySplit(w1, w2, pkt, nil)
	ep.TxRing.CommitWrite(copied)
	e.stats.WorldTx.addPacket(len(pkt))
	e.flushPeerTx(ep)
}

// splitN slices n bytes off the logical concatenation of r1 then r2.
func splitN(r1, r2 []byte, n int) (p1, p2 []byte) {
	if n <= len(r1) {
		return r1[:n], nil
	}
	return r1, r2[:n-len(r1)]
}

// dropN returns what remains of the logical concatenation of r1 then r2
// after dropping its first n bytes.
func dropN(r1, r2 []byte, n int) (p1, p2 []byte) {
	if n <= len(r1) {
		return r1[n:], r2
	}
	return r2[n-len(r1):], nil
}

// copySplit copies the logical concatenation of src1,src2 into the logical
// concatenation of dst1,dst2, returning the number of bytes copied. The
// caller is responsible for ensuring dst has enough room.
func copySplit(dst1, dst2, src1, src2 []byte) int {
	n := copy(dst1, src1)
	total := n
	if n < len(src1) {
		total += copy(dst2, src1[n:])
		return total
	}
	rem := dst1[n:]
	n2 := copy(rem, src2)
	total += n2
	if n2 < len(src2) {
		total += copy(dst2, src2[n2:])
	}
	return total
}

func isEAGAIN(err error) bool {
	return err == unix.EAGAIN || err == unix.EWOULDBLOCK
}
