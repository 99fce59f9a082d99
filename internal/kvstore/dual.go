package kvstore

import (
	"context"
	"sort"

	"github.com/fabricd/fabricd/pkg/wire"
)

// sptState is this node's view of one root's flooding spanning tree:
// distributed-Bellman-Ford convergence (successor = cheapest neighbor,
// Update on every cost change) with Query/Reply used for explicit parent
// confirmation, a deliberate simplification of full DUAL diffusing
// computation (see DESIGN.md).
type sptState struct {
	rootId       string
	isRoot       bool
	cost         uint64
	parent       string
	children     map[string]bool
	neighborCost map[string]uint64
}

func newSptState(rootId string, isRoot bool) *sptState {
	s := &sptState{rootId: rootId, isRoot: isRoot, children: make(map[string]bool), neighborCost: make(map[string]uint64)}
	if isRoot {
		s.cost = 0
	} else {
		s.cost = ^uint64(0)
	}
	return s
}

func sptKey(area, rootId string) string { return area + "|" + rootId }

func (s *Store) sptFor(area, rootId string) *sptState {
	key := sptKey(area, rootId)
	st, ok := s.spt[key]
	if !ok {
		st = newSptState(rootId, rootId == s.nodeId)
		s.spt[key] = st
	}
	return st
}

// sptEdges returns the peer set a publication for (area, rootId) should
// flood across: the parent plus every child, i.e. every tree edge but the
// one the publication arrived on (filtered by the caller).
func (s *Store) sptEdges(area, rootId string) ([]string, bool) {
	st, ok := s.spt[sptKey(area, rootId)]
	if !ok {
		return nil, false
	}
	var out []string
	if st.parent != "" {
		out = append(out, st.parent)
	}
	for child := range st.children {
		out = append(out, child)
	}
	sort.Strings(out)
	return out, true
}

func (s *Store) purgeSptPeer(peerName string) {
	for _, st := range s.spt {
		delete(st.neighborCost, peerName)
		delete(st.children, peerName)
		if st.parent == peerName {
			st.parent = ""
			st.recomputeSuccessor()
		}
	}
}

// recomputeSuccessor picks the cheapest neighbor as parent and updates cost;
// returns whether the successor changed.
func (st *sptState) recomputeSuccessor() bool {
	if st.isRoot {
		return false
	}
	bestPeer := ""
	bestCost := ^uint64(0)
	for peer, cost := range st.neighborCost {
		if cost+1 < bestCost {
			bestCost = cost + 1
			bestPeer = peer
		}
	}
	changed := bestPeer != st.parent || bestCost != st.cost
	st.parent = bestPeer
	st.cost = bestCost
	return changed
}

// handleDualMsg applies an incoming query/reply/update tuple to the relevant
// root's state and re-advertises to neighbors on any cost change.
func (s *Store) handleDualMsg(area, peerName string, msg wire.DualMsg) {
	st := s.sptFor(area, msg.RootId)
	switch msg.Kind {
	case wire.DualUpdate, wire.DualReply:
		st.neighborCost[peerName] = msg.Cost
		if st.recomputeSuccessor() {
			s.advertiseSpt(area, st)
		}
	case wire.DualQuery:
		_ = s.sendFrame(peerName, area, wire.DualMsg{RootId: msg.RootId, Kind: wire.DualReply, Cost: st.cost})
	}
}

func (s *Store) advertiseSpt(area string, st *sptState) {
	for peerName := range s.peers {
		_ = s.sendFrame(peerName, area, wire.DualMsg{RootId: st.rootId, Kind: wire.DualUpdate, Cost: st.cost})
	}
}

// ProcessDualMsg is the PROCESS_DUAL_MSG operation (§4.3).
func (s *Store) ProcessDualMsg(ctx context.Context, area, peerName string, msg wire.DualMsg) error {
	_, err := s.loop.DispatchWait(ctx, func() (any, error) {
		s.handleDualMsg(area, peerName, msg)
		return nil, nil
	})
	return err
}

// UpdateFloodTopoChild is UPDATE_FLOOD_TOPO_CHILD (§4.3): directly marks or
// unmarks peerName as a flood-topology child of rootId, as the convergence
// outcome (or administrative override) dictates.
func (s *Store) UpdateFloodTopoChild(ctx context.Context, area, rootId, peerName string, isAdd bool) error {
	_, err := s.loop.DispatchWait(ctx, func() (any, error) {
		st := s.sptFor(area, rootId)
		if isAdd {
			st.children[peerName] = true
		} else {
			delete(st.children, peerName)
		}
		return nil, nil
	})
	return err
}

// SptInfo is the GET_SPT_INFO snapshot for one root.
type SptInfo struct {
	RootId   string
	IsRoot   bool
	Cost     uint64
	Parent   string
	Children []string
}

// GetSptInfo is GET_SPT_INFO (§4.3).
func (s *Store) GetSptInfo(ctx context.Context, area, rootId string) (SptInfo, error) {
	v, err := s.loop.DispatchWait(ctx, func() (any, error) {
		st := s.sptFor(area, rootId)
		var children []string
		for c := range st.children {
			children = append(children, c)
		}
		sort.Strings(children)
		return SptInfo{RootId: rootId, IsRoot: st.isRoot, Cost: st.cost, Parent: st.parent, Children: children}, nil
	})
	if err != nil {
		return SptInfo{}, err
	}
	return v.(SptInfo), nil
}
