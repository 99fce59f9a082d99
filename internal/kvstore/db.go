package kvstore

import (
	"strings"

	"github.com/fabricd/fabricd/pkg/model"
	"github.com/fabricd/fabricd/pkg/wire"
)

// areaDB is the versioned key-value map for a single area, plus the
// countdown bookkeeping the TTL reaper needs.
type areaDB struct {
	records map[string]model.Record
}

func newAreaDB() *areaDB {
	return &areaDB{records: make(map[string]model.Record)}
}

// merge applies the total order of model.Compare: incoming replaces existing
// only if it strictly exceeds it. A value-less TTL refresh carrying the
// stored version and originator is the exception: with a higher ttlVersion
// it updates only the stored ttl/ttlVersion and keeps the value, otherwise
// it is dropped. Returns the record to publish (the refresh itself for a
// TTL refresh, or the zero value) and whether an install happened.
func (d *areaDB) merge(key string, incoming model.Record) (model.Record, bool) {
	existing, ok := d.records[key]
	if ok && !incoming.HasValue && existing.HasValue &&
		incoming.Version == existing.Version && incoming.OriginatorId == existing.OriginatorId {
		if incoming.TTLVersion <= existing.TTLVersion {
			return model.Record{}, false
		}
		existing.TTL, existing.TTLVersion = incoming.TTL, incoming.TTLVersion
		d.records[key] = existing
		return incoming, true
	}
	if ok && !model.Exceeds(incoming, existing) {
		return model.Record{}, false
	}
	d.records[key] = incoming
	return incoming, true
}

func (d *areaDB) get(key string) (model.Record, bool) {
	r, ok := d.records[key]
	return r, ok
}

func (d *areaDB) delete(key string) {
	delete(d.records, key)
}

// matchesOriginators reports whether originators is empty (meaning "no
// filter") or contains r.OriginatorId.
func matchesOriginators(r model.Record, originators []string) bool {
	if len(originators) == 0 {
		return true
	}
	for _, o := range originators {
		if o == r.OriginatorId {
			return true
		}
	}
	return false
}

// dump returns every key matching prefix AND matchesOriginators AND (absent
// from hashes, or whose local hash differs from the supplied one). A hash
// carries no merge order, so such a key is returned whether the local copy
// is newer or older than the requester's. hashesOnly strips Value/HasValue
// from the returned records.
func (d *areaDB) dump(prefix string, originators []string, hashes map[string]model.Hash, hashesOnly bool) []wire.KeyRecord {
	var out []wire.KeyRecord
	for key, rec := range d.records {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		if !matchesOriginators(rec, originators) {
			continue
		}
		if h, ok := hashes[key]; ok {
			local := rec.ComputeHash()
			if local == h {
				continue
			}
		}
		if hashesOnly {
			rec.Value = nil
			rec.HasValue = false
		}
		out = append(out, wire.KeyRecord{Key: key, Record: rec})
	}
	return out
}
