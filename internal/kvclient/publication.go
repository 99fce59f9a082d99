package kvclient

import (
	"bytes"

	"github.com/fabricd/fabricd/pkg/model"
	"github.com/fabricd/fabricd/pkg/wire"
)

// handlePublication is §4.4's "Publications from the store are processed as
// follows": reconcile against anything locally persisted, then fire
// callbacks for every key and every expired key.
func (c *Client) handlePublication(area string, pub wire.Publication) {
	for _, kv := range pub.KeyVals {
		ak := areaKey{area: area, key: kv.Key}
		if entry, ok := c.entries[ak]; ok {
			c.reconcile(ak, entry, kv.Record)
		}
		rec := kv.Record
		c.callbacks.fire(kv.Key, &rec)
	}
	for _, key := range pub.ExpiredKeys {
		c.callbacks.fire(key, nil)
	}
}

func (c *Client) reconcile(ak areaKey, entry *persistedEntry, rec model.Record) {
	if model.IsTTLRefresh(rec) {
		if rec.OriginatorId == entry.originatorId && rec.Version == entry.version && rec.TTLVersion > entry.ttlVersion {
			entry.ttlVersion = rec.TTLVersion
		}
		return
	}
	if rec.Version == entry.version && rec.OriginatorId == entry.originatorId && bytes.Equal(rec.Value, entry.value) {
		return
	}
	// version/originator/value disagree with local: bump local version
	// strictly above received and re-advertise.
	if rec.Version >= entry.version {
		entry.version = rec.Version + 1
	}
	entry.originatorId = c.nodeId
	entry.ttlVersion = 0
	c.pending[ak] = true
}
