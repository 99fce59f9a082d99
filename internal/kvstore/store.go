// Package kvstore implements the gossip key-value database (C3): per-area
// SET/GET/DUMP, flood-on-install, TTL expiry, hash-based sync and the
// optimized-flooding spanning tree, built on bus.Loop exactly as spark is.
package kvstore

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/fabricd/fabricd/internal/bus"
	"github.com/fabricd/fabricd/internal/config"
	"github.com/fabricd/fabricd/pkg/model"
	"github.com/fabricd/fabricd/pkg/wire"
	"golang.org/x/time/rate"
)

// Store holds one versioned key-value database per area and floods updates
// to peers. Every method that touches unexported state must run on loop.
type Store struct {
	cfg  config.LocalCfg
	log  *slog.Logger
	loop *bus.Loop

	transport Transport
	nodeId    string

	areas map[model.Area]*areaDB
	peers map[string]model.Peer // by node name

	includePrefixes []string
	originatorAllow []string

	floodLimiter *rate.Limiter

	subs *subscriptions

	spt map[string]*sptState // "area|rootId" -> per-root spanning-tree state

	counters Counters
}

// Deps bundles Store's collaborators.
type Deps struct {
	Cfg             config.LocalCfg
	Log             *slog.Logger
	Loop            *bus.Loop
	Transport       Transport
	NodeId          string
	IncludePrefixes []string
	OriginatorAllow []string
}

func New(d Deps) *Store {
	s := &Store{
		cfg:             d.Cfg,
		log:             d.Log,
		loop:            d.Loop,
		transport:       d.Transport,
		nodeId:          d.NodeId,
		areas:           make(map[model.Area]*areaDB),
		peers:           make(map[string]model.Peer),
		includePrefixes: d.IncludePrefixes,
		originatorAllow: d.OriginatorAllow,
		floodLimiter:    rate.NewLimiter(rate.Limit(d.Cfg.FloodRate.MsgsPerSec), d.Cfg.FloodRate.Burst),
		subs:            newSubscriptions(),
		spt:             make(map[string]*sptState),
	}
	for _, a := range d.Cfg.AreaNames() {
		s.areas[model.Area(a)] = newAreaDB()
	}
	if len(s.areas) == 0 {
		s.areas[model.DefaultArea] = newAreaDB()
	}
	return s
}

func (s *Store) areaOf(area string) *areaDB {
	if area == "" {
		area = string(model.DefaultArea)
	}
	db, ok := s.areas[model.Area(area)]
	if !ok {
		db = newAreaDB()
		s.areas[model.Area(area)] = db
	}
	return db
}

// Run reads inbound peer frames until the loop's context is cancelled.
func (s *Store) Run() {
	for {
		frame, peerName, err := s.transport.Recv()
		if err != nil {
			if s.loop.Context().Err() != nil {
				return
			}
			s.log.Warn("kvstore: receive error", "error", err)
			continue
		}
		f, pn := frame, peerName
		s.loop.Dispatch(func() error {
			s.handleFrame(pn, f)
			return nil
		})
	}
}

func (s *Store) handleFrame(peerName string, frame []byte) {
	pkt, err := wire.DecodeKvPacket(frame)
	if err != nil {
		s.counters.DroppedMalformed.Add(1)
		s.log.Debug("kvstore: malformed frame", "peer", peerName, "error", err)
		return
	}
	switch body := pkt.Body.(type) {
	case wire.SetRequest:
		s.handleSetRequest(pkt.Area, peerName, body)
	case wire.GetRequest:
		s.handleGetRequest(pkt.Area, peerName, body)
	case wire.DumpRequest:
		s.handleDumpRequest(pkt.Area, peerName, body)
	case wire.HashReport:
		s.handleHashReport(pkt.Area, peerName, body)
	case wire.Publication:
		s.handlePublication(pkt.Area, peerName, body)
	case wire.DualMsg:
		s.handleDualMsg(pkt.Area, peerName, body)
	}
}

func (s *Store) sendFrame(peerName, area string, body wire.KvBody) error {
	enc, err := wire.EncodeKvPacket(wire.KvPacket{Area: area, Body: body})
	if err != nil {
		return fmt.Errorf("kvstore: encoding frame to %s: %w", peerName, err)
	}
	return s.transport.Send(peerName, enc)
}

// Stop cancels outstanding subscriptions and closes the transport.
func (s *Store) Stop(ctx context.Context) error {
	_, _ = s.loop.DispatchWait(ctx, func() (any, error) {
		s.subs.closeAll()
		return nil, nil
	})
	return s.transport.Close()
}

func (s *Store) Snapshot() Snapshot { return s.counters.Snapshot() }

func nowMs() int64 { return time.Now().UnixMilli() }
