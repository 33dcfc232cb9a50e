package engine

import "sync/atomic"

// CounterSnapshot is a point-in-time read of one {packets, bytes,
// drop_packets, drop_bytes} tuple.
type CounterSnapshot struct {
	Packets     int64
	Bytes       int64
	DropPackets int64
	DropBytes   int64
}

// counter is the live, concurrently-readable form. Only the event loop
// goroutine ever increments it; Stats() may be called from any goroutine
// (cmd/l3meshd's periodic logger, a SIGUSR1 handler), hence atomics rather
// than the engine's otherwise lock-free single-goroutine design.
type counter struct {
	packets     atomic.Int64
	bytes       atomic.Int64
	dropPackets atomic.Int64
	dropBytes   atomic.Int64
}

func (c *counter) addPacket(n int) {
	c.packets.Add(1)
	c.bytes.Add(int64(n))
}

func (c *counter) addDrop(n int) {
	c.dropPackets.Add(1)
	c.dropBytes.Add(int64(n))
}

func (c *counter) snapshot() CounterSnapshot {
	return CounterSnapshot{
		Packets:     c.packets.Load(),
		Bytes:       c.bytes.Load(),
		DropPackets: c.dropPackets.Load(),
		DropBytes:   c.dropBytes.Load(),
	}
}

// Stats is the four counter tuples named in the data model: TUN rx/tx and
// world (peer-mesh) rx/tx.
type Stats struct {
	TunRx, TunTx, WorldRx, WorldTx counter
}

// StatsSnapshot is the value returned by Engine.Stats().
type StatsSnapshot struct {
	TunRx, TunTx, WorldRx, WorldTx CounterSnapshot
}

func (s *Stats) snapshot() StatsSnapshot {
	return StatsSnapshot{
		TunRx:   s.TunRx.snapshot(),
		TunTx:   s.TunTx.snapshot(),
		WorldRx: s.WorldRx.snapshot(),
		WorldTx: s.WorldTx.snapshot(),
	}
}
