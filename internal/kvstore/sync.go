package kvstore

import (
	"time"

	"github.com/fabricd/fabricd/pkg/wire"
)

// startFullSync issues a DUMP_HASHES request to a newly added peer for every
// area, per §4.3 "On peer add ... the store sends DUMP_HASHES to each peer".
func (s *Store) startFullSync(peerName string) {
	for area := range s.areas {
		req := wire.DumpRequest{HashesOnly: true}
		_ = s.sendFrame(peerName, string(area), req)
		s.counters.SyncsSent.Add(1)
	}
}

// StartPeriodicSync schedules the dbSyncInterval-driven hash sync of §4.3.
func (s *Store) StartPeriodicSync(interval time.Duration) {
	s.loop.RepeatTask(func() error {
		for peerName := range s.peers {
			s.startFullSync(peerName)
		}
		return nil
	}, interval)
}

// handleDumpRequest (flood.go) answers a DUMP request with a SetRequest of
// matching records and a DUMP_HASHES request with a HashReport of their
// hashes. A peer that receives hashes back compares
// them locally; reconciliation happens by issuing a follow-up DumpRequest
// with KeyValHashes populated from what it already has, handled identically
// by handleDumpRequest on the far end (§4.3 "reconcile").
func (s *Store) reconcileWithHashes(peerName, area string, theirs []wire.KeyHash) {
	db := s.areaOf(area)
	var missingOrOlder []wire.KeyHash
	for _, kh := range theirs {
		local, ok := db.get(kh.Key)
		if !ok {
			missingOrOlder = append(missingOrOlder, wire.KeyHash{Key: kh.Key})
			continue
		}
		if localHash := local.ComputeHash(); localHash != kh.Hash {
			missingOrOlder = append(missingOrOlder, wire.KeyHash{Key: kh.Key, Hash: localHash})
		}
	}
	if len(missingOrOlder) == 0 {
		return
	}
	_ = s.sendFrame(peerName, area, wire.DumpRequest{KeyValHashes: missingOrOlder})
}
