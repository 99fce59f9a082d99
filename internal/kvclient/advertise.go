package kvclient

import (
	"context"
	"time"

	"github.com/fabricd/fabricd/pkg/wire"
)

// drainAdvertisements is the §4.4 step-4 advertise timer: every pending key
// whose backoff permits is folded into a single SET request per area; a
// successful SET clears that key's backoff, a failed one doubles it.
func (c *Client) drainAdvertisements() error {
	now := time.Now()
	recsByArea := make(map[string][]wire.KeyRecord)
	keysByArea := make(map[string][]areaKey)

	for ak, full := range c.pending {
		entry, ok := c.entries[ak]
		if !ok {
			delete(c.pending, ak)
			continue
		}
		if !entry.backoff.Ready(entry.lastAttempt, now) {
			continue
		}
		recsByArea[ak.area] = append(recsByArea[ak.area], wire.KeyRecord{Key: ak.key, Record: entry.toRecord(full)})
		keysByArea[ak.area] = append(keysByArea[ak.area], ak)
	}

	for area, recs := range recsByArea {
		ctx, cancel := context.WithTimeout(c.loop.Context(), 2*time.Second)
		err := c.store.Set(ctx, area, recs, nil)
		cancel()
		for _, ak := range keysByArea[area] {
			entry := c.entries[ak]
			entry.lastAttempt = now
			if err != nil {
				entry.backoff.Fail()
				continue
			}
			entry.backoff.Succeed()
			delete(c.pending, ak)
		}
	}
	return nil
}

// advertiseTombstones issues a zero-TTL re-advertisement of every persisted
// key, the clear-on-shutdown supplement of §4.4.
func (c *Client) advertiseTombstones(ctx context.Context) {
	recsByArea := make(map[string][]wire.KeyRecord)
	for ak, entry := range c.entries {
		rec := entry.toRecord(true)
		rec.TTL = 0
		recsByArea[ak.area] = append(recsByArea[ak.area], wire.KeyRecord{Key: ak.key, Record: rec})
	}
	for area, recs := range recsByArea {
		_ = c.store.Set(ctx, area, recs, nil)
	}
}
