package spark

import "sync/atomic"

// Counters is the supplemented /metrics-shaped drop-reason tally of §4.2;
// the monitoring sink that would scrape these is an out-of-scope external
// collaborator, so Counters only accumulates in memory.
type Counters struct {
	PacketsRcvd           atomic.Int64
	PacketsSent           atomic.Int64
	DroppedRateLimited    atomic.Int64
	DroppedSelfOriginated atomic.Int64
	DroppedWrongDomain    atomic.Int64
	DroppedHopLimit       atomic.Int64
	DroppedUnknownIface   atomic.Int64
	DroppedMalformed      atomic.Int64
	DroppedWrongVersion   atomic.Int64
	DroppedSubnet         atomic.Int64
	MultipleCommonAreas   atomic.Int64
	NeighborUp            atomic.Int64
	NeighborDown          atomic.Int64
	NeighborRestarting    atomic.Int64
}

// Snapshot is a point-in-time copy suitable for logging or an out-of-scope
// RPC collaborator to poll.
type Snapshot struct {
	PacketsRcvd           int64
	PacketsSent           int64
	DroppedRateLimited    int64
	DroppedSelfOriginated int64
	DroppedWrongDomain    int64
	DroppedHopLimit       int64
	DroppedUnknownIface   int64
	DroppedMalformed      int64
	DroppedWrongVersion   int64
	DroppedSubnet         int64
	MultipleCommonAreas   int64
	NeighborUp            int64
	NeighborDown          int64
	NeighborRestarting    int64
}

func (c *Counters) Snapshot() Snapshot {
	return Snapshot{
		PacketsRcvd:           c.PacketsRcvd.Load(),
		PacketsSent:           c.PacketsSent.Load(),
		DroppedRateLimited:    c.DroppedRateLimited.Load(),
		DroppedSelfOriginated: c.DroppedSelfOriginated.Load(),
		DroppedWrongDomain:    c.DroppedWrongDomain.Load(),
		DroppedHopLimit:       c.DroppedHopLimit.Load(),
		DroppedUnknownIface:   c.DroppedUnknownIface.Load(),
		DroppedMalformed:      c.DroppedMalformed.Load(),
		DroppedWrongVersion:   c.DroppedWrongVersion.Load(),
		DroppedSubnet:         c.DroppedSubnet.Load(),
		MultipleCommonAreas:   c.MultipleCommonAreas.Load(),
		NeighborUp:            c.NeighborUp.Load(),
		NeighborDown:          c.NeighborDown.Load(),
		NeighborRestarting:    c.NeighborRestarting.Load(),
	}
}
