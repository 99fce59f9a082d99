package kvstore

import (
	"time"

	"github.com/fabricd/fabricd/pkg/model"
)

// StartReaper schedules the periodic per-area TTL sweep described by §4.3:
// every tick, each key's remaining TTL is reduced by the elapsed wall-clock
// delta; keys reaching zero are removed and folded into the area's next
// outgoing publication's ExpiredKeys.
func (s *Store) StartReaper(interval time.Duration) {
	last := nowMs()
	s.loop.RepeatTask(func() error {
		now := nowMs()
		elapsed := now - last
		last = now
		s.reapOnce(elapsed)
		return nil
	}, interval)
}

func (s *Store) reapOnce(elapsedMs int64) {
	for area, db := range s.areas {
		var expired []string
		for key, rec := range db.records {
			if rec.TTL == model.TTLInfinity {
				continue
			}
			rec.TTL -= elapsedMs
			if rec.TTL <= 0 {
				if s.isOrphanedSelfKey(rec) {
					s.log.Warn("kvstore: orphaned self-key about to expire", "key", key, "area", area)
				}
				db.delete(key)
				expired = append(expired, key)
				s.counters.KeysExpired.Add(1)
				continue
			}
			db.records[key] = rec
		}
		if len(expired) > 0 {
			s.publishAndFlood(string(area), nil, expired, nil)
		}
	}
}

// isOrphanedSelfKey is the supplemented diagnostic of SPEC_FULL §4.3: the
// local node is the originator of a key nearing expiry that no client has
// refreshed.
func (s *Store) isOrphanedSelfKey(rec model.Record) bool {
	return rec.OriginatorId == s.nodeId
}
