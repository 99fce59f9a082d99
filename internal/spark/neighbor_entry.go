package spark

import (
	"github.com/fabricd/fabricd/internal/bus"
	"github.com/fabricd/fabricd/pkg/model"
)

// neighborEntry is the mutable bookkeeping kept alongside the public
// model.Neighbor tuple: the RTT step detector, the hold/negotiate/GR timer
// handles, and the fast-init flag. It is only ever touched from the owning
// Spark's Loop goroutine.
type neighborEntry struct {
	pub model.Neighbor

	step *stepDetector

	holdTimer      bus.TimerHandle
	negotiateTimer bus.TimerHandle
	grTimer        bus.TimerHandle

	fastInit bool // true while in WARM soliciting fast hellos

	restartingPktsSent int
}

func newNeighborEntry(n model.Neighbor, onRttStep func(int64)) *neighborEntry {
	return &neighborEntry{
		pub:      n,
		step:     newStepDetector(onRttStep),
		fastInit: true,
	}
}

func neighborKey(ifName, nodeName string) string {
	return ifName + "|" + nodeName
}
