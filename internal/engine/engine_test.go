package engine

import (
	"bytes"
	"context"
	"log/slog"
	"net"
	"os"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"l3meshd/internal/endpoint"
	"l3meshd/internal/netaddr"
	"l3meshd/internal/notifier"
	"l3meshd/internal/peertable"
	"l3meshd/internal/routesync"
	"l3meshd/internal/tunio"
)

// buildV4Packet constructs a minimal IPv4 packet of exactly totalLen bytes
// with the given destination address, suitable for exercising the framer
// and dispatcher without a real network stack.
func buildV4Packet(t *testing.T, dst string, totalLen int) []byte {
	t.Helper()
	if totalLen < 20 {
		t.Fatalf("totalLen must be >= 20, got %d", totalLen)
	}
	pkt := make([]byte, totalLen)
	pkt[0] = 0x45
	pkt[2] = byte(totalLen >> 8)
	pkt[3] = byte(totalLen)
	ip := net.ParseIP(dst).To4()
	if ip == nil {
		t.Fatalf("invalid test dst %q", dst)
	}
	copy(pkt[16:20], ip)
	for i := 20; i < totalLen; i++ {
		pkt[i] = byte(i)
	}
	return pkt
}

// socketpair returns a connected pair of stream socket fds, standing in
// for peer TCP connections in these tests.
func socketpair(t *testing.T) (a, b int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

// packetpair returns a connected pair of SOCK_SEQPACKET fds standing in for
// a TUN device: like a real TUN fd, every write reaches the reader as one
// whole packet, so back-to-back packets are never merged into one read.
func packetpair(t *testing.T) (a, b int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_SEQPACKET, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func newBareEngine(t *testing.T) (*Engine, int) {
	t.Helper()
	n, err := notifier.New()
	if err != nil {
		t.Fatalf("notifier.New: %v", err)
	}
	t.Cleanup(func() { n.Close() })

	tunFD, harnessFD := packetpair(t)
	tunDev, err := tunio.FromFD(tunFD)
	if err != nil {
		t.Fatalf("tunio.FromFD: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(discard{}, nil))
	e := &Engine{
		cfg:           Config{ListenPort: 17171},
		notifier:      n,
		endpoints:     endpoint.NewList(n, routesync.Noop{}, logger),
		peers:         peertable.New(),
		fdIndex:       make(map[int]*endpoint.Endpoint),
		tunDevice:     tunDev,
		resolver:      net.DefaultResolver,
		controls:      NewControls(),
		logger:        logger,
		retryInterval: time.Second,
	}
	tunEp, err := e.addTun(tunFD)
	if err != nil {
		t.Fatalf("addTun: %v", err)
	}
	e.tun = tunEp
	return e, harnessFD
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

func addPeer(t *testing.T, e *Engine, addrStr string, outbound bool) (*endpoint.Endpoint, int) {
	t.Helper()
	engineFD, harnessFD := socketpair(t)
	addr, err := netaddr.Parse(addrStr)
	if err != nil {
		t.Fatalf("parse %q: %v", addrStr, err)
	}
	ep, err := e.addPeerConn(engineFD, addr, outbound)
	if err != nil {
		t.Fatalf("addPeerConn: %v", err)
	}
	e.peers.SetLive(addr, ep)
	return ep, harnessFD
}

func TestPeerToTunSingleHop(t *testing.T) {
	e, tunHarness := newBareEngine(t)
	ep, peerHarness := addPeer(t, e, "10.0.0.9", false)

	pkt := buildV4Packet(t, "10.0.0.1", 64)
	if _, err := unix.Write(peerHarness, pkt); err != nil {
		t.Fatalf("write from peer harness: %v", err)
	}

	e.peerReadableStep(ep)
	e.tunWriterStep()

	buf := make([]byte, 256)
	n, err := unix.Read(tunHarness, buf)
	if err != nil {
		t.Fatalf("read from tun harness: %v", err)
	}
	if !bytes.Equal(buf[:n], pkt) {
		t.Fatalf("packet mismatch: got %v want %v", buf[:n], pkt)
	}
	snap := e.Stats().TunTx
	if snap.Packets != 1 || snap.Bytes != int64(len(pkt)) {
		t.Fatalf("unexpected tun tx stats: %+v", snap)
	}
}

// TestPeerToTunDrainsAllCompletePacketsInOneBurst pins the fix for a peer
// that bursts several whole packets and then goes quiet: under
// edge-triggered epoll, a single peerReadableStep call must deliver every
// complete packet sitting in the rx ring, not just the first.
func TestPeerToTunDrainsAllCompletePacketsInOneBurst(t *testing.T) {
	e, tunHarness := newBareEngine(t)
	ep, peerHarness := addPeer(t, e, "10.0.0.9", false)

	pkts := [][]byte{
		buildV4Packet(t, "10.0.0.1", 64),
		buildV4Packet(t, "10.0.0.1", 48),
		buildV4Packet(t, "10.0.0.1", 96),
	}
	var burst []byte
	for _, p := range pkts {
		burst = append(burst, p...)
	}
	if _, err := unix.Write(peerHarness, burst); err != nil {
		t.Fatalf("write from peer harness: %v", err)
	}

	e.peerReadableStep(ep)

	for i, want := range pkts {
		buf := make([]byte, 256)
		n, err := unix.Read(tunHarness, buf)
		if err != nil {
			t.Fatalf("read packet %d from tun harness: %v", i, err)
		}
		if !bytes.Equal(buf[:n], want) {
			t.Fatalf("packet %d mismatch: got %v want %v", i, buf[:n], want)
		}
	}
	snap := e.Stats().TunTx
	if snap.Packets != 3 {
		t.Fatalf("expected all 3 bursted packets delivered, got %+v", snap)
	}
}

func TestTunToPeerSingleHop(t *testing.T) {
	e, tunHarness := newBareEngine(t)
	_, peerHarness := addPeer(t, e, "10.0.0.9", false)

	pkt := buildV4Packet(t, "10.0.0.9", 64)
	if _, err := unix.Write(tunHarness, pkt); err != nil {
		t.Fatalf("write from tun harness: %v", err)
	}

	e.tunReaderStep()

	buf := make([]byte, 256)
	n, err := unix.Read(peerHarness, buf)
	if err != nil {
		t.Fatalf("read from peer harness: %v", err)
	}
	if !bytes.Equal(buf[:n], pkt) {
		t.Fatalf("packet mismatch: got %v want %v", buf[:n], pkt)
	}
	snap := e.Stats().WorldTx
	if snap.Packets != 1 {
		t.Fatalf("unexpected world tx stats: %+v", snap)
	}
}

func TestTunToPeerDropsOnUnknownDestination(t *testing.T) {
	e, tunHarness := newBareEngine(t)

	pkt := buildV4Packet(t, "10.0.0.200", 64)
	if _, err := unix.Write(tunHarness, pkt); err != nil {
		t.Fatalf("write from tun harness: %v", err)
	}
	e.tunReaderStep()

	snap := e.Stats().WorldTx
	if snap.DropPackets != 1 || snap.Packets != 0 {
		t.Fatalf("expected a single drop for unknown destination, got %+v", snap)
	}
}

func TestTunToPeerDropsWhenTxRingFull(t *testing.T) {
	e, tunHarness := newBareEngine(t)
	ep, _ := addPeer(t, e, "10.0.0.9", false)

	// Fill the peer's tx ring to the point where one more packet can't fit.
	w1, _ := ep.TxRing.WritableRegions()
	fill := len(w1) - 10
	ep.TxRing.CommitWrite(fill)

	pkt := buildV4Packet(t, "10.0.0.9", 64)
	if _, err := unix.Write(tunHarness, pkt); err != nil {
		t.Fatalf("write from tun harness: %v", err)
	}
	e.tunReaderStep()

	snap := e.Stats().WorldTx
	if snap.DropPackets != 1 {
		t.Fatalf("expected drop when tx ring lacks space, got %+v", snap)
	}
}

func TestKillPeerRequeuesOutboundForRetry(t *testing.T) {
	e, _ := newBareEngine(t)
	addr, _ := netaddr.Parse("10.0.0.9")
	e.peers.PutPassive(&peertable.PassivePeer{Addr: addr, Host: "peer-a"})
	ep, _ := addPeer(t, e, "10.0.0.9", true)
	fd := ep.FD

	e.killPeer(ep)

	if !e.peers.Disconnected(addr) {
		t.Fatal("expected outbound peer to be requeued for retry after kill")
	}
	if _, ok := e.peers.Live(addr); ok {
		t.Fatal("expected peer removed from live table after kill")
	}
	if _, ok := e.fdIndex[fd]; ok {
		t.Fatal("expected endpoint removed from fd index after kill")
	}
}

func TestBadL3VersionKillsPeerConnection(t *testing.T) {
	e, _ := newBareEngine(t)
	ep, peerHarness := addPeer(t, e, "10.0.0.9", false)

	garbage := []byte{0x00, 0x01, 0x02, 0x03}
	if _, err := unix.Write(peerHarness, garbage); err != nil {
		t.Fatalf("write garbage: %v", err)
	}

	e.peerReadableStep(ep)

	addr, err := netaddr.Parse("10.0.0.9")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if _, ok := e.peers.Live(addr); ok {
		t.Fatal("expected connection killed after unrecognized L3 version")
	}
}

// TestEngineReloadConnectsNewPeers drives Engine.reload (and through it
// applyPlan) end to end with a fake resolver, so the engine-level wiring
// (not just the reloader package in isolation) is covered.
func TestEngineReloadConnectsNewPeers(t *testing.T) {
	e, _ := newBareEngine(t)
	self, _ := netaddr.Parse("10.0.0.1")
	e.selfV4 = self
	e.cfg.PeerFilePath = writeTempPeerFile(t, "higher-peer")
	e.resolver = fakeSingleHostResolver{host: "higher-peer", ip: "10.0.0.50"}

	e.reload()

	addr, _ := netaddr.Parse("10.0.0.50")
	if _, ok := e.peers.Live(addr); !ok {
		if !e.peers.Disconnected(addr) {
			t.Fatalf("expected peer 10.0.0.50 to be either live or queued for retry after reload")
		}
	}
	if _, ok := e.peers.Passive(addr); !ok {
		t.Fatal("expected peer added to passive roster after reload")
	}
}

type fakeSingleHostResolver struct {
	host string
	ip   string
}

func (f fakeSingleHostResolver) LookupIPAddr(_ context.Context, host string) ([]net.IPAddr, error) {
	if host != f.host {
		return nil, nil
	}
	return []net.IPAddr{{IP: net.ParseIP(f.ip)}}, nil
}

func writeTempPeerFile(t *testing.T, lines ...string) string {
	t.Helper()
	dir := t.TempDir()
	path := dir + "/peers"
	content := ""
	for _, l := range lines {
		content += l + "\n"
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write peer file: %v", err)
	}
	return path
}

// TestDropNAdvancesPastConsumedBytes pins the helper used to stage the
// unwritten tail after a short TUN write: it must return what is left of
// the logical r1+r2 concatenation, not what was already written.
func TestDropNAdvancesPastConsumedBytes(t *testing.T) {
	r1 := []byte("hello ")
	r2 := []byte("world")

	p1, p2 := dropN(r1, r2, 3)
	if string(p1) != "lo " || string(p2) != "world" {
		t.Fatalf("drop within r1: got p1=%q p2=%q", p1, p2)
	}

	p1, p2 = dropN(r1, r2, len(r1))
	if len(p1) != 0 || string(p2) != "world" {
		t.Fatalf("drop exactly at boundary: got p1=%q p2=%q", p1, p2)
	}

	p1, p2 = dropN(r1, r2, len(r1)+2)
	if string(p1) != "rld" || p2 != nil {
		t.Fatalf("drop crossing into r2: got p1=%q p2=%q", p1, p2)
	}
}
