// Package spark implements neighbor discovery (C2): per-interface hello
// exchange, the adjacency state machine, RTT estimation and local label
// assignment, built on top of bus.Loop exactly as the teacher structures its
// own single-threaded component driving a socket and a timer wheel.
package spark

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/fabricd/fabricd/internal/bus"
	"github.com/fabricd/fabricd/internal/config"
	"github.com/fabricd/fabricd/pkg/model"
	"github.com/fabricd/fabricd/pkg/wire"
	"github.com/gaissmai/bart"
	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/time/rate"
)

// ErrMultipleCommonAreas is the supplemented area-negotiation failure of
// §4.2: a hello's advertised area set and the local configured set share
// more than one member, which the original treats as a configuration error.
var ErrMultipleCommonAreas = fmt.Errorf("spark: multiple common areas with peer")

// ProtocolVersion is both the HelloMsg.Version this node advertises and the
// lowest version it will accept from a peer.
const ProtocolVersion = 1

// Spark runs neighbor discovery over a fixed set of interfaces. Every method
// that touches its state is expected to be called from the Loop goroutine; external
// callers go through loop.Dispatch.
type Spark struct {
	cfg       config.LocalCfg
	log       *slog.Logger
	loop      *bus.Loop
	transport Transport
	ifaces    map[string]model.Interface // by name

	neighbors map[string]map[string]*neighborEntry // ifName -> nodeName -> entry
	labels    *labelAllocator

	limiters *ttlcache.Cache[string, *rate.Limiter]
	seqNum   uint64

	counters Counters

	events chan<- model.NeighEventMsg

	v4trie *bart.Table[string] // prefix -> ifName, for subnet validation

	instanceId uuid.UUID
}

// Deps bundles the collaborators Spark needs, so New has one parameter
// instead of five positional ones.
type Deps struct {
	Cfg       config.LocalCfg
	Log       *slog.Logger
	Loop      *bus.Loop
	Transport Transport
	Events    chan<- model.NeighEventMsg
}

// NewFromConfig builds a Spark wired to a real ipv6Transport bound to the
// interfaces cfg names, instead of an injected fake.
func NewFromConfig(cfg config.LocalCfg, log *slog.Logger, loop *bus.Loop, events chan<- model.NeighEventMsg, ifaces ifIndexer) (*Spark, error) {
	t, err := newIPv6Transport(cfg.UDPMcastPort, ifaces, cfg.Interfaces)
	if err != nil {
		return nil, fmt.Errorf("spark: building transport: %w", err)
	}
	return New(Deps{Cfg: cfg, Log: log, Loop: loop, Transport: t, Events: events}), nil
}

func New(d Deps) *Spark {
	lo, hi := d.Cfg.LabelRange()
	s := &Spark{
		cfg:        d.Cfg,
		log:        d.Log,
		loop:       d.Loop,
		transport:  d.Transport,
		ifaces:     make(map[string]model.Interface),
		neighbors:  make(map[string]map[string]*neighborEntry),
		labels:     newLabelAllocator(lo, hi),
		limiters:   ttlcache.New[string, *rate.Limiter](ttlcache.WithTTL[string, *rate.Limiter](time.Minute)),
		events:     d.Events,
		v4trie:     &bart.Table[string]{},
		instanceId: uuid.New(),
	}
	go s.limiters.Start()
	return s
}

// SetInterfaces installs the current qualifying-interface set (§6), called
// whenever the netlink collaborator pushes a new InterfaceDatabase snapshot.
func (s *Spark) SetInterfaces(ifs map[string]model.Interface) {
	s.loop.Dispatch(func() error {
		toAdd, toUpdate, toDel := model.DiffInterfaces(s.ifaces, ifs)
		for _, i := range toDel {
			delete(s.ifaces, i)
			delete(s.neighbors, i)
		}
		for _, i := range append(toAdd, toUpdate...) {
			s.ifaces[i.IfName] = i
			if _, ok := s.neighbors[i.IfName]; !ok {
				s.neighbors[i.IfName] = make(map[string]*neighborEntry)
			}
			if s.cfg.EnableSubnetValidation && i.V4Prefix.IsValid() {
				s.v4trie.Insert(i.V4Prefix, i.IfName)
			}
			s.scheduleHello(i.IfName)
		}
		return nil
	})
}

// Run starts the packet-receive loop; it blocks until the Loop's context is
// cancelled, so callers run it in its own goroutine alongside loop.Run().
func (s *Spark) Run() {
	for {
		data, ifName, hopLimit, err := s.transport.Recv()
		if err != nil {
			if s.loop.Context().Err() != nil {
				return
			}
			s.log.Warn("spark: receive error", "error", err)
			continue
		}
		d, in, hl := data, ifName, hopLimit
		s.loop.Dispatch(func() error {
			s.handlePacket(d, in, hl)
			return nil
		})
	}
}

func (s *Spark) scheduleHello(ifName string) {
	interval := s.fastOrNormalInterval(ifName)
	s.sendHello(ifName)
	s.loop.ScheduleTask(func() error {
		s.scheduleHello(ifName)
		return nil
	}, interval)
}

func (s *Spark) fastOrNormalInterval(ifName string) time.Duration {
	for _, n := range s.neighbors[ifName] {
		if n.fastInit {
			return s.cfg.FastInitKeepAliveTime
		}
	}
	return jitter(s.cfg.KeepAliveTime, 0.2)
}

func jitter(base time.Duration, frac float64) time.Duration {
	// deterministic +frac/2 offset instead of a random jitter source, since
	// the core must not depend on math/rand for scheduling reproducibility
	// in tests; real jitter diversity comes from nodes starting at different
	// wall-clock offsets.
	return base + time.Duration(float64(base)*frac/2)
}

func (s *Spark) sendHello(ifName string) {
	if _, ok := s.ifaces[ifName]; !ok {
		return
	}
	s.seqNum++
	var infos []wire.NeighborInfo
	for _, n := range s.neighbors[ifName] {
		infos = append(infos, wire.NeighborInfo{
			NodeName:           n.pub.NodeName,
			SeenSeqNum:         n.pub.SeqNum,
			LastNbrMsgSentTsUs: nowUs(),
			LastMyMsgRcvdTsUs:  nowUs(),
		})
	}
	solicit := false
	for _, n := range s.neighbors[ifName] {
		if n.fastInit {
			solicit = true
		}
	}
	msg := wire.HelloMsg{
		DomainName:      s.cfg.DomainName,
		NodeName:        s.cfg.NodeName,
		RemoteIfName:    ifName,
		SeqNum:          s.seqNum,
		Version:         ProtocolVersion,
		SolicitResponse: solicit,
		NeighborInfos:   infos,
		Areas:           s.cfg.AreaNames(),
	}
	enc, err := wire.EncodeHelloPacket(wire.HelloPacket{Body: msg})
	if err != nil {
		s.log.Error("spark: encoding hello", "error", err)
		return
	}
	if err := s.transport.Send(ifName, enc); err != nil {
		s.log.Warn("spark: sending hello", "iface", ifName, "error", err)
		return
	}
	s.counters.PacketsSent.Add(1)
}

// SendGracefulShutdownHellos emits the §4.2 three restarting hellos on every
// interface before the component stops.
func (s *Spark) SendGracefulShutdownHellos(ctx context.Context) {
	for ifName := range s.ifaces {
		for i := 0; i < 3; i++ {
			s.sendRestartingHello(ifName)
			select {
			case <-time.After(50 * time.Millisecond):
			case <-ctx.Done():
				return
			}
		}
	}
}

func (s *Spark) sendRestartingHello(ifName string) {
	msg := wire.HelloMsg{
		DomainName:   s.cfg.DomainName,
		NodeName:     s.cfg.NodeName,
		RemoteIfName: ifName,
		SeqNum:       s.seqNum,
		Version:      ProtocolVersion,
		Restarting:   true,
		Areas:        s.cfg.AreaNames(),
	}
	enc, err := wire.EncodeHelloPacket(wire.HelloPacket{Body: msg})
	if err != nil {
		return
	}
	_ = s.transport.Send(ifName, enc)
}

// Stop sends the graceful-shutdown restarting hellos and releases the
// transport. Callers are expected to stop the owning Loop separately.
func (s *Spark) Stop(ctx context.Context) error {
	s.SendGracefulShutdownHellos(ctx)
	s.limiters.Stop()
	return s.transport.Close()
}

func nowUs() int64 { return time.Now().UnixMicro() }

// Snapshot returns a point-in-time snapshot of drop/event counters.
func (s *Spark) Snapshot() Snapshot { return s.counters.Snapshot() }
