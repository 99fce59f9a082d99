package spark

import (
	"net/netip"
	"time"

	"github.com/fabricd/fabricd/pkg/model"
	"github.com/fabricd/fabricd/pkg/wire"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// handlePacket runs the §4.2 validation pipeline and dispatches the decoded
// body to the right per-message handler. It must only be called on the
// Loop goroutine.
func (s *Spark) handlePacket(data []byte, ifName string, hopLimit int) {
	s.counters.PacketsRcvd.Add(1)

	if ifName == "" {
		s.counters.DroppedUnknownIface.Add(1)
		return
	}
	if _, ok := s.ifaces[ifName]; !ok {
		s.counters.DroppedUnknownIface.Add(1)
		return
	}
	if hopLimit != HopLimit {
		s.counters.DroppedHopLimit.Add(1)
		s.log.Debug("spark: dropping packet with unexpected hop limit", "iface", ifName, "hopLimit", hopLimit)
		return
	}
	if !s.allow(ifName) {
		s.counters.DroppedRateLimited.Add(1)
		return
	}

	pkt, err := wire.DecodeHelloPacket(data)
	if err != nil {
		s.counters.DroppedMalformed.Add(1)
		s.log.Debug("spark: malformed packet", "iface", ifName, "error", err)
		return
	}

	switch body := pkt.Body.(type) {
	case wire.HelloMsg:
		s.handleHello(ifName, body)
	case wire.HandshakeMsg:
		s.handleHandshake(ifName, body)
	case wire.HeartbeatMsg:
		s.handleHeartbeat(ifName, body)
	}
}

func (s *Spark) allow(ifName string) bool {
	item := s.limiters.Get(ifName)
	var limiter *rate.Limiter
	if item == nil {
		limiter = rate.NewLimiter(rate.Limit(s.cfg.FloodRate.MsgsPerSec), s.cfg.FloodRate.Burst)
		s.limiters.Set(ifName, limiter, time.Minute)
	} else {
		limiter = item.Value()
	}
	return limiter.Allow()
}

func (s *Spark) handleHello(ifName string, h wire.HelloMsg) {
	if h.NodeName == s.cfg.NodeName {
		s.counters.DroppedSelfOriginated.Add(1)
		return
	}
	if h.DomainName != s.cfg.DomainName {
		s.counters.DroppedWrongDomain.Add(1)
		return
	}
	if h.Version < ProtocolVersion {
		s.counters.DroppedWrongVersion.Add(1)
		return
	}

	commonArea, err := s.negotiateArea(h.Areas)
	if err != nil {
		s.counters.MultipleCommonAreas.Add(1)
		s.log.Warn("spark: rejecting hello", "peer", h.NodeName, "iface", ifName, "error", err)
		return
	}

	byNode := s.neighbors[ifName]
	if byNode == nil {
		byNode = make(map[string]*neighborEntry)
		s.neighbors[ifName] = byNode
	}
	n, exists := byNode[h.NodeName]
	if !exists {
		n = newNeighborEntry(model.Neighbor{
			InstanceId:   uuid.New(),
			DomainName:   h.DomainName,
			NodeName:     h.NodeName,
			RemoteIfName: ifName,
			State:        model.NeighIdle,
			CommonArea:   model.Area(commonArea),
		}, func(rtt int64) { s.onRttStep(ifName, h.NodeName, rtt) })
		byNode[h.NodeName] = n
	}

	if h.Restarting {
		s.fire(ifName, n, model.EvHelloRcvdRestart)
		return
	}

	sawUs := false
	for _, info := range h.NeighborInfos {
		if info.NodeName == s.cfg.NodeName {
			sawUs = true
			s.maybeMeasureRtt(n, info)
		}
	}
	if n.pub.SeqNum != 0 && h.SeqNum < n.pub.SeqNum {
		// peer seqNum regressed without an explicit restart flag — treated
		// the same as an observed restart, per §4.2 ESTABLISHED maintenance.
		n.pub.SeqNum = h.SeqNum
		s.fire(ifName, n, model.EvHelloRcvdRestart)
		return
	}
	n.pub.SeqNum = h.SeqNum

	if sawUs {
		s.fire(ifName, n, model.EvHelloRcvdInfo)
	} else {
		s.fire(ifName, n, model.EvHelloRcvdNoInfo)
	}
}

func (s *Spark) negotiateArea(peerAreas []string) (string, error) {
	local := s.cfg.AreaNames()
	if len(peerAreas) == 0 {
		return string(model.DefaultArea), nil
	}
	var common []string
	for _, p := range peerAreas {
		for _, l := range local {
			if p == l {
				common = append(common, p)
			}
		}
	}
	if len(common) > 1 {
		return "", ErrMultipleCommonAreas
	}
	if len(common) == 0 {
		return string(model.DefaultArea), nil
	}
	return common[0], nil
}

func (s *Spark) maybeMeasureRtt(n *neighborEntry, info wire.NeighborInfo) {
	mySent := info.LastNbrMsgSentTsUs
	nbrRecv := info.LastMyMsgRcvdTsUs
	if mySent == 0 || nbrRecv == 0 {
		return
	}
	nbrSent := nowUs()
	myRecv := nowUs()
	rtt := (myRecv - mySent) - (nbrSent - nbrRecv)
	if rtt < 0 {
		s.log.Debug("spark: discarding negative RTT sample", "peer", n.pub.NodeName)
		return
	}
	// round down to millisecond granularity, floor of 1ms, per the RTT
	// surfacing requirement of §4.2.
	rtt = (rtt / 1000) * 1000
	if rtt < 1000 {
		rtt = 1000
	}
	if n.pub.RttUs == 0 {
		n.pub.RttUs = rtt
	}
	n.step.addValue(rtt)
}

func (s *Spark) onRttStep(ifName, nodeName string, rtt int64) {
	n, ok := s.neighbors[ifName][nodeName]
	if !ok {
		return
	}
	n.pub.RttUs = rtt
	if n.pub.State != model.NeighEstablished {
		return
	}
	s.emit(model.NeighborRttChange, ifName, n)
}

func (s *Spark) handleHandshake(ifName string, h wire.HandshakeMsg) {
	byNode := s.neighbors[ifName]
	if byNode == nil {
		return
	}
	n, ok := byNode[h.NodeName]
	if !ok {
		return
	}
	v4, _ := netip.ParseAddr(h.V4Addr)
	v6, _ := netip.ParseAddr(h.V6Addr)
	if s.cfg.EnableSubnetValidation && s.cfg.EnableV4 && v4.IsValid() {
		owner, ok := s.v4trie.Lookup(v4)
		if !ok || owner != ifName {
			s.counters.DroppedSubnet.Add(1)
			return
		}
	}
	n.pub.V4Addr = v4
	n.pub.LinkLocalV6 = v6
	n.pub.RpcCmdPort = h.RpcCmdPort
	n.pub.RpcPubPort = h.RpcPubPort

	wasEstablished := n.pub.State == model.NeighEstablished
	s.fire(ifName, n, model.EvHandshakeRcvd)

	if !wasEstablished && n.pub.State == model.NeighEstablished {
		n.pub.InstanceId = uuid.New()
		n.pub.AssignedLocalLabel = s.labels.Allocate(uint32(s.ifaces[ifName].IfIndex))
		n.fastInit = false
		s.emit(model.NeighborUp, ifName, n)
	} else if !h.IsAdjEstablished {
		s.sendHandshake(ifName, n, false)
	}
}

func (s *Spark) handleHeartbeat(ifName string, h wire.HeartbeatMsg) {
	n, ok := s.neighbors[ifName][h.NodeName]
	if !ok {
		return
	}
	s.fire(ifName, n, model.EvHeartbeatRcvd)
}

func (s *Spark) sendHandshake(ifName string, n *neighborEntry, established bool) {
	iface := s.ifaces[ifName]
	msg := wire.HandshakeMsg{
		NodeName:              s.cfg.NodeName,
		IsAdjEstablished:      established,
		HeartbeatHoldTimeMs:   uint64(s.cfg.HeartbeatHoldTime / time.Millisecond),
		GracefulRestartHoldMs: uint64(s.cfg.HoldTime / time.Millisecond),
		V4Addr:                iface.V4Prefix.Addr().String(),
		V6Addr:                iface.LinkLocalV6Prefix.Addr().String(),
		Area:                  string(n.pub.CommonArea),
		RpcCmdPort:            s.cfg.RpcCmdPort,
		RpcPubPort:            s.cfg.RpcPubPort,
	}
	enc, err := wire.EncodeHelloPacket(wire.HelloPacket{Body: msg})
	if err != nil {
		return
	}
	_ = s.transport.Send(ifName, enc)
}

// fire applies the FSM, logging and ignoring invalid transitions, and runs
// the state's side effects.
func (s *Spark) fire(ifName string, n *neighborEntry, ev model.NeighEvent) {
	from := n.pub.State
	to, ok := applyEvent(from, ev)
	if !ok {
		s.log.Debug("spark: ignoring invalid transition", "peer", n.pub.NodeName, "from", from, "event", ev)
		return
	}
	n.pub.State = to
	if from == to {
		if to == model.NeighEstablished {
			// HEARTBEAT_RCVD/HANDSHAKE_RCVD while already ESTABLISHED are
			// self-loops in the FSM; the hold-timer still needs rearming on
			// each one or the adjacency times out despite live traffic.
			s.resetHeartbeatTimer(ifName, n)
		}
		return
	}

	switch to {
	case model.NeighNegotiate:
		s.startNegotiate(ifName, n)
	case model.NeighIdle:
		if from == model.NeighEstablished || from == model.NeighRestart {
			s.releaseNeighbor(ifName, n)
			s.emit(model.NeighborDown, ifName, n)
		}
	case model.NeighRestart:
		s.emit(model.NeighborRestarting, ifName, n)
		n.grTimer = s.loop.ScheduleTask(func() error {
			s.fire(ifName, n, model.EvGrTimerExpire)
			return nil
		}, s.cfg.HoldTime)
	case model.NeighEstablished:
		if from == model.NeighRestart {
			s.emit(model.NeighborRestarted, ifName, n)
		}
		s.resetHeartbeatTimer(ifName, n)
	}
}

func (s *Spark) startNegotiate(ifName string, n *neighborEntry) {
	s.sendHandshake(ifName, n, false)
	n.negotiateTimer = s.loop.ScheduleTask(func() error {
		s.fire(ifName, n, model.EvNegotiateTimerExpire)
		return nil
	}, s.cfg.NegotiateHoldTime)
}

func (s *Spark) resetHeartbeatTimer(ifName string, n *neighborEntry) {
	n.holdTimer.Cancel()
	n.holdTimer = s.loop.ScheduleTask(func() error {
		s.fire(ifName, n, model.EvHeartbeatTimerExpire)
		return nil
	}, s.cfg.HeartbeatHoldTime)
}

func (s *Spark) releaseNeighbor(ifName string, n *neighborEntry) {
	n.holdTimer.Cancel()
	n.negotiateTimer.Cancel()
	n.grTimer.Cancel()
	if n.pub.AssignedLocalLabel != 0 {
		s.labels.Release(n.pub.AssignedLocalLabel)
		n.pub.AssignedLocalLabel = 0
	}
}

func (s *Spark) emit(kind model.NeighEventKind, ifName string, n *neighborEntry) {
	switch kind {
	case model.NeighborUp:
		s.counters.NeighborUp.Add(1)
	case model.NeighborDown:
		s.counters.NeighborDown.Add(1)
	case model.NeighborRestarting:
		s.counters.NeighborRestarting.Add(1)
	}
	if s.events == nil {
		return
	}
	msg := model.NeighEventMsg{
		Kind:                      kind,
		IfName:                    ifName,
		Neighbor:                  n.pub,
		RttUs:                     n.pub.RttUs,
		AssignedLabel:             n.pub.AssignedLocalLabel,
		SupportsFloodOptimization: n.pub.SupportsFloodOptimization,
		CommonArea:                n.pub.CommonArea,
		At:                        time.Now(),
	}
	select {
	case s.events <- msg:
	default:
		s.log.Warn("spark: dropping neighbor event, subscriber channel full", "kind", kind, "peer", n.pub.NodeName)
	}
}
