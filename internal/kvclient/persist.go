package kvclient

import (
	"bytes"
	"context"
	"time"

	"github.com/fabricd/fabricd/pkg/model"
)

// persistedEntry is the client's local view of one key it is responsible for
// advertising (§4.4 steps 1-3).
type persistedEntry struct {
	value        []byte
	version      int64
	originatorId string
	ttl          time.Duration
	ttlVersion   int64

	backoff     *Backoff
	lastAttempt time.Time
}

// toRecord builds the wire record for this entry. full includes the value;
// otherwise it is the value-less ttl-refresh shape of §4.4 step 5.
func (e *persistedEntry) toRecord(full bool) model.Record {
	ttlMs := model.TTLInfinity
	if e.ttl > 0 {
		ttlMs = e.ttl.Milliseconds()
	}
	r := model.Record{
		Version:      e.version,
		OriginatorId: e.originatorId,
		TTL:          ttlMs,
		TTLVersion:   e.ttlVersion,
	}
	if full {
		r.Value = append([]byte(nil), e.value...)
		r.HasValue = true
	}
	return r
}

// PersistKey is the persistKey(key, value, ttl, area) operation of §4.4.
func (c *Client) PersistKey(ctx context.Context, area, key string, value []byte, ttl time.Duration) error {
	_, err := c.loop.DispatchWait(ctx, func() (any, error) {
		return nil, c.persistKeyLocked(ctx, area, key, value, ttl)
	})
	return err
}

func (c *Client) persistKeyLocked(ctx context.Context, area, key string, value []byte, ttl time.Duration) error {
	ak := areaKey{area: area, key: key}
	entry, ok := c.entries[ak]
	if !ok {
		// Step 1: probe the store; absent an existing local entry, adopt the
		// store's version/ttlVersion as the baseline if it already has one.
		entry = &persistedEntry{originatorId: c.nodeId, backoff: NewBackoff(c.initialBackoff, c.maxBackoff)}
		if got, err := c.store.Get(ctx, area, []string{key}); err == nil && len(got) == 1 {
			entry.version = got[0].Record.Version
			entry.originatorId = got[0].Record.OriginatorId
			entry.ttlVersion = got[0].Record.TTLVersion
		}
		c.entries[ak] = entry
	}

	// Step 2: bump version and reset ttlVersion only if the originator is
	// foreign or the value actually differs; a ttl-only change is applied
	// in place without bumping anything.
	if entry.originatorId != c.nodeId || !bytes.Equal(entry.value, value) {
		entry.version++
		entry.ttlVersion = 0
		entry.originatorId = c.nodeId
		entry.value = append([]byte(nil), value...)
	}
	entry.ttl = ttl

	// Step 3: (re)arm the backoff and enqueue for advertisement.
	entry.backoff = NewBackoff(c.initialBackoff, c.maxBackoff)
	c.pending[ak] = true
	c.scheduleTTLRefresh(ak, ttl)
	return nil
}
