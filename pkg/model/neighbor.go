package model

import (
	"net/netip"
	"time"

	"github.com/google/uuid"
)

// NeighState is a state in the Spark adjacency state machine (§4.2).
type NeighState int

const (
	NeighIdle NeighState = iota
	NeighWarm
	NeighNegotiate
	NeighEstablished
	NeighRestart
)

func (s NeighState) String() string {
	switch s {
	case NeighIdle:
		return "IDLE"
	case NeighWarm:
		return "WARM"
	case NeighNegotiate:
		return "NEGOTIATE"
	case NeighEstablished:
		return "ESTABLISHED"
	case NeighRestart:
		return "RESTART"
	default:
		return "UNKNOWN"
	}
}

// NeighEvent is an event fed into the per-neighbor state machine.
type NeighEvent int

const (
	EvHelloRcvdInfo NeighEvent = iota
	EvHelloRcvdNoInfo
	EvHelloRcvdRestart
	EvHandshakeRcvd
	EvHeartbeatRcvd
	EvHeartbeatTimerExpire
	EvNegotiateTimerExpire
	EvGrTimerExpire
)

// Neighbor is the per-adjacency tuple of DATA MODEL §3.
type Neighbor struct {
	InstanceId                uuid.UUID // identity of this run of the adjacency, never reused across a down/up cycle
	DomainName                string
	NodeName                  string
	RemoteIfName              string
	LinkLocalV6               netip.Addr
	V4Addr                    netip.Addr
	SeqNum                    uint64
	State                     NeighState
	RttUs                     int64
	AssignedLocalLabel        uint32
	SupportsFloodOptimization bool
	CommonArea                Area
	LastSeqSent               uint64
	RpcCmdPort                uint32 // peer's negotiated command-transport port, from its handshake
	RpcPubPort                uint32 // peer's negotiated publication-transport port, from its handshake
}

// Interface is a discovered local interface eligible for Spark (§3).
type Interface struct {
	IfName            string
	IfIndex           int
	LinkLocalV6Prefix netip.Prefix
	V4Prefix          netip.Prefix
}

// Peer is added/removed from a KvStore area by the external peer-manager.
type Peer struct {
	NodeName                  string
	CmdUrl                    string
	PubUrl                    string
	SupportsFloodOptimization bool
}

// NeighEventKind tags the neighbor events emitted to the peer-manager collaborator.
type NeighEventKind int

const (
	NeighborUp NeighEventKind = iota
	NeighborDown
	NeighborRestarting
	NeighborRestarted
	NeighborRttChange
)

func (k NeighEventKind) String() string {
	switch k {
	case NeighborUp:
		return "NEIGHBOR_UP"
	case NeighborDown:
		return "NEIGHBOR_DOWN"
	case NeighborRestarting:
		return "NEIGHBOR_RESTARTING"
	case NeighborRestarted:
		return "NEIGHBOR_RESTARTED"
	case NeighborRttChange:
		return "NEIGHBOR_RTT_CHANGE"
	default:
		return "UNKNOWN"
	}
}

// NeighEventMsg is what Spark publishes to the external peer-manager collaborator.
type NeighEventMsg struct {
	Kind                      NeighEventKind
	IfName                    string
	Neighbor                  Neighbor
	RttUs                     int64
	AssignedLabel             uint32
	SupportsFloodOptimization bool
	CommonArea                Area
	At                        time.Time
}

// InterfaceDatabase is the snapshot the netlink collaborator pushes on every
// link/address change (§6). isUp entries are keyed by interface name.
type InterfaceDatabase struct {
	ThisNodeName string
	Interfaces   map[string]InterfaceState
}

type InterfaceState struct {
	IsUp    bool
	IfIndex int
	CIDRs   []netip.Prefix
}

// DiffInterfaces computes the toAdd/toUpdate/toDel sets the core needs when a
// new InterfaceDatabase snapshot arrives (§6). It compares the two maps as
// given and applies no qualification of its own; QualifyInterface decides
// which interfaces the caller puts into them.
func DiffInterfaces(prev, next map[string]Interface) (toAdd, toUpdate []Interface, toDel []string) {
	for name, ni := range next {
		if pi, ok := prev[name]; !ok {
			toAdd = append(toAdd, ni)
		} else if pi != ni {
			toUpdate = append(toUpdate, ni)
		}
	}
	for name := range prev {
		if _, ok := next[name]; !ok {
			toDel = append(toDel, name)
		}
	}
	return
}

// QualifyInterface decides whether an interface state snapshot is eligible to
// run Spark, per §6: up, has a link-local v6 address, and (if v4 is enabled)
// a v4 address. name is the InterfaceDatabase map key the state was read from.
func QualifyInterface(name string, st InterfaceState, enableV4 bool) (Interface, bool) {
	if !st.IsUp {
		return Interface{}, false
	}
	var v6, v4 netip.Prefix
	for _, p := range st.CIDRs {
		if p.Addr().Is6() && p.Addr().IsLinkLocalUnicast() && !v6.IsValid() {
			v6 = p
		}
		if p.Addr().Is4() && !v4.IsValid() {
			v4 = p
		}
	}
	if !v6.IsValid() {
		return Interface{}, false
	}
	if enableV4 && !v4.IsValid() {
		return Interface{}, false
	}
	return Interface{
		IfName:            name,
		IfIndex:           st.IfIndex,
		LinkLocalV6Prefix: v6,
		V4Prefix:          v4,
	}, true
}
