package kvstore

import (
	"time"

	"github.com/fabricd/fabricd/pkg/model"
	"github.com/fabricd/fabricd/pkg/wire"
)

// handleSetRequest is a remote SET(keyVals, nodeIds?) RPC (§4.3), issued by a
// KvClient or administrative caller over the wire rather than in-process.
func (s *Store) handleSetRequest(area, peerName string, req wire.SetRequest) {
	s.setLocked(area, req.KeyVals, req.FloodNodeIds)
}

func (s *Store) handleGetRequest(area, peerName string, req wire.GetRequest) {
	db := s.areaOf(area)
	var out []wire.KeyRecord
	for _, k := range req.Keys {
		if r, ok := db.get(k); ok {
			out = append(out, wire.KeyRecord{Key: k, Record: r})
		}
	}
	_ = s.sendFrame(peerName, area, wire.SetRequest{KeyVals: out})
}

func (s *Store) handleDumpRequest(area, peerName string, req wire.DumpRequest) {
	db := s.areaOf(area)
	byKey := make(map[string]model.Hash, len(req.KeyValHashes))
	for _, kh := range req.KeyValHashes {
		byKey[kh.Key] = kh.Hash
	}
	out := db.dump(req.Prefix, req.Originators, byKey, req.HashesOnly)
	s.counters.SyncsReceived.Add(1)
	if req.HashesOnly {
		entries := make([]wire.KeyHash, len(out))
		for i, kv := range out {
			entries[i] = wire.KeyHash{Key: kv.Key, Hash: kv.Record.ComputeHash()}
		}
		_ = s.sendFrame(peerName, area, wire.HashReport{Entries: entries})
		return
	}
	_ = s.sendFrame(peerName, area, wire.SetRequest{KeyVals: out})
}

// handleHashReport receives the DUMP_HASHES reply and issues a follow-up
// DumpRequest for whatever is missing or locally stale (§4.3 "reconcile").
func (s *Store) handleHashReport(area, peerName string, report wire.HashReport) {
	s.reconcileWithHashes(peerName, area, report.Entries)
}

// handlePublication installs a forwarded flood from a peer: merges KeyVals
// under the normal rule, removes ExpiredKeys, then continues flooding
// onward to every other qualifying peer (loop suppression via NodeIds).
func (s *Store) handlePublication(area, peerName string, pub wire.Publication) {
	db := s.areaOf(area)
	var installed []wire.KeyRecord
	for _, kv := range pub.KeyVals {
		if !s.admitsKey(kv.Key, kv.Record.OriginatorId) {
			continue
		}
		rec, ok := db.merge(kv.Key, kv.Record)
		if !ok {
			continue
		}
		installed = append(installed, wire.KeyRecord{Key: kv.Key, Record: rec})
		s.counters.KeysInstalled.Add(1)
	}
	var expired []string
	for _, k := range pub.ExpiredKeys {
		if _, ok := db.get(k); ok {
			db.delete(k)
			expired = append(expired, k)
		}
	}
	if len(installed) == 0 && len(expired) == 0 {
		return
	}
	nodeIds := append(append([]string(nil), pub.NodeIds...), peerName)
	s.publishAndFloodRoot(area, installed, expired, pub.FloodRootId, nodeIds, peerName)
}

// publishAndFlood is the local-SET flood path: no arrival peer to exclude
// beyond nodeIds, and no flood root (full-flood-minus-visited).
func (s *Store) publishAndFlood(area string, installed []wire.KeyRecord, expired []string, nodeIds []string) {
	s.publishAndFloodRoot(area, installed, expired, "", nodeIds, "")
}

// publishAndFloodRoot delivers the publication to local subscribers and
// floods it to peers. When floodRootId names a root this store has SPT
// state for, the publication is forwarded only along that root's tree edges
// (minus arrivalPeer); otherwise it degrades to full-flood-minus-visited, as
// §4.3 "Optimized flooding (Dual)" specifies.
func (s *Store) publishAndFloodRoot(area string, installed []wire.KeyRecord, expired []string, floodRootId string, nodeIds []string, arrivalPeer string) {
	pub := wire.Publication{
		KeyVals:     installed,
		ExpiredKeys: expired,
		Area:        area,
		FloodRootId: floodRootId,
		NodeIds:     append(append([]string(nil), nodeIds...), s.nodeId),
	}
	s.subs.publish(pub)

	targets := s.floodTargets(area, floodRootId, arrivalPeer)
	visited := make(map[string]bool, len(nodeIds))
	for _, id := range nodeIds {
		visited[id] = true
	}
	decremented := decrementTTLs(installed, s.cfg.TTLDecrement)
	outPub := pub
	outPub.KeyVals = decremented

	for _, peerName := range targets {
		if visited[peerName] {
			s.counters.FloodsSuppressed.Add(1)
			continue
		}
		if !s.floodLimiter.Allow() {
			s.counters.FloodsRateLimited.Add(1)
			continue
		}
		if err := s.sendFrame(peerName, area, outPub); err != nil {
			s.log.Debug("kvstore: flood send failed", "peer", peerName, "error", err)
			continue
		}
		s.counters.FloodsSent.Add(1)
	}
}

// floodTargets returns the peer names a publication should be forwarded to:
// SPT neighbors for floodRootId when Dual is enabled and state exists for
// that root, otherwise every peer but arrivalPeer.
func (s *Store) floodTargets(area, floodRootId, arrivalPeer string) []string {
	if s.cfg.EnableFloodOptimization && floodRootId != "" {
		if edges, ok := s.sptEdges(area, floodRootId); ok {
			var out []string
			for _, p := range edges {
				if p != arrivalPeer {
					out = append(out, p)
				}
			}
			return out
		}
	}
	var out []string
	for name := range s.peers {
		if name != arrivalPeer {
			out = append(out, name)
		}
	}
	return out
}

// decrementTTLs applies the §4.3 hop decrement: the sender reduces each
// record's remaining TTL by dec before transmission. TTLInfinity records are
// left untouched.
func decrementTTLs(in []wire.KeyRecord, dec time.Duration) []wire.KeyRecord {
	out := make([]wire.KeyRecord, len(in))
	ms := dec.Milliseconds()
	for i, kv := range in {
		if kv.Record.TTL != model.TTLInfinity {
			kv.Record.TTL -= ms
		}
		out[i] = kv
	}
	return out
}
