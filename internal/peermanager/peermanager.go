// Package peermanager is the minimal reference implementation of the
// peer-manager collaborator contract of §5: it watches Spark's neighbor
// events and keeps a kvstore.Store's peer set in lock-step, building each
// model.Peer's transport addresses directly from the HandshakeMsg fields the
// adjacency negotiated rather than any policy layer.
package peermanager

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"

	"github.com/fabricd/fabricd/pkg/model"
)

// Store is the subset of kvstore.Store the peer manager depends on, letting
// tests substitute a fake.
type Store interface {
	AddPeers(ctx context.Context, peers map[string]model.Peer) error
	DelPeers(ctx context.Context, names []string) error
}

// Static is a peer manager with no policy: every established neighbor
// becomes a peer, every lost one is removed. A production deployment would
// replace this with multi-area preference and RPC-exposed overrides, out of
// scope per the original spec's exclusion of the operator-query RPC handler.
type Static struct {
	log    *slog.Logger
	store  Store
	events <-chan model.NeighEventMsg
	done   chan struct{}
}

// New wires a Static peer manager that consumes events off the given
// channel until Close is called. Run starts the consuming goroutine.
func New(log *slog.Logger, store Store, events <-chan model.NeighEventMsg) *Static {
	return &Static{log: log, store: store, events: events, done: make(chan struct{})}
}

// Run consumes neighbor events until the channel closes or Close is called.
// It is meant to be started with `go mgr.Run()`.
func (m *Static) Run() {
	for {
		select {
		case ev, ok := <-m.events:
			if !ok {
				return
			}
			m.handle(ev)
		case <-m.done:
			return
		}
	}
}

// Close stops the consuming goroutine. It does not close the events channel,
// which remains owned by whatever publishes to it (typically spark.Spark).
func (m *Static) Close() {
	select {
	case <-m.done:
	default:
		close(m.done)
	}
}

func (m *Static) handle(ev model.NeighEventMsg) {
	ctx := context.Background()
	switch ev.Kind {
	case model.NeighborUp:
		peer, ok := peerFromNeighbor(ev.Neighbor)
		if !ok {
			m.log.Warn("peermanager: neighbor up with no usable transport address", "peer", ev.Neighbor.NodeName)
			return
		}
		if err := m.store.AddPeers(ctx, map[string]model.Peer{ev.Neighbor.NodeName: peer}); err != nil {
			m.log.Warn("peermanager: add peer failed", "peer", ev.Neighbor.NodeName, "error", err)
		}
	case model.NeighborDown:
		if err := m.store.DelPeers(ctx, []string{ev.Neighbor.NodeName}); err != nil {
			m.log.Warn("peermanager: del peer failed", "peer", ev.Neighbor.NodeName, "error", err)
		}
	case model.NeighborRestarting:
		// graceful-restart hold: the adjacency may come back without a full
		// resync, so the peer entry (and its in-flight SPT state) is left
		// alone until either NeighborRestarted or NeighborDown arrives.
	case model.NeighborRestarted:
		peer, ok := peerFromNeighbor(ev.Neighbor)
		if !ok {
			return
		}
		if err := m.store.AddPeers(ctx, map[string]model.Peer{ev.Neighbor.NodeName: peer}); err != nil {
			m.log.Warn("peermanager: re-add restarted peer failed", "peer", ev.Neighbor.NodeName, "error", err)
		}
	}
}

// peerFromNeighbor builds a model.Peer from the transport fields a
// handshake negotiated. It fails closed (ok=false) if the neighbor never
// reported a usable link-local address, which should not happen for any
// neighbor that reached NeighborUp.
func peerFromNeighbor(n model.Neighbor) (model.Peer, bool) {
	if !n.LinkLocalV6.IsValid() {
		return model.Peer{}, false
	}
	addr := n.LinkLocalV6
	if n.RemoteIfName != "" {
		addr = addr.WithZone(n.RemoteIfName)
	}
	return model.Peer{
		NodeName:                  n.NodeName,
		CmdUrl:                    transportURL(addr, n.RpcCmdPort),
		PubUrl:                    transportURL(addr, n.RpcPubPort),
		SupportsFloodOptimization: n.SupportsFloodOptimization,
	}, true
}

func transportURL(addr netip.Addr, port uint32) string {
	return fmt.Sprintf("tcp://[%s]:%d", addr, port)
}
