package wire

import (
	"sort"

	"github.com/fabricd/fabricd/pkg/model"
	"google.golang.org/protobuf/encoding/protowire"
)

// KeyRecord pairs a key with its record, the unit SetRequest/Publication/DUMP
// replies are built from.
type KeyRecord struct {
	Key    string
	Record model.Record
}

func sortKeyRecords(in []KeyRecord) []KeyRecord {
	out := append([]KeyRecord(nil), in...)
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

const (
	rTagVersion  protowire.Number = 1
	rTagOrig     protowire.Number = 2
	rTagValue    protowire.Number = 3
	rTagHasValue protowire.Number = 4
	rTagTTL      protowire.Number = 5
	rTagTTLVer   protowire.Number = 6
)

func appendRecord(b []byte, num protowire.Number, r model.Record) []byte {
	inner := appendUvarint(nil, rTagVersion, uint64(r.Version))
	inner = appendString(inner, rTagOrig, r.OriginatorId)
	if r.HasValue {
		inner = appendBytes(inner, rTagValue, r.Value)
		inner = appendBool(inner, rTagHasValue, true)
	}
	inner = appendUvarint(inner, rTagTTL, uint64(r.TTL))
	inner = appendUvarint(inner, rTagTTLVer, uint64(r.TTLVersion))
	return appendBytes(b, num, inner)
}

func decodeRecord(b []byte) (model.Record, error) {
	var r model.Record
	err := fieldReader(b, func(num protowire.Number, typ protowire.Type, rest []byte) ([]byte, error) {
		switch num {
		case rTagVersion:
			v, rr, err := consumeUvarint(rest)
			r.Version = int64(v)
			return rr, err
		case rTagOrig:
			s, rr, err := consumeString(rest)
			r.OriginatorId = s
			return rr, err
		case rTagValue:
			v, rr, err := consumeBytes(rest)
			r.Value = v
			return rr, err
		case rTagHasValue:
			v, rr, err := consumeUvarint(rest)
			r.HasValue = v != 0
			return rr, err
		case rTagTTL:
			v, rr, err := consumeUvarint(rest)
			r.TTL = int64(v)
			return rr, err
		case rTagTTLVer:
			v, rr, err := consumeUvarint(rest)
			r.TTLVersion = int64(v)
			return rr, err
		}
		return nil, nil
	})
	return r, err
}

const (
	krTagKey    protowire.Number = 1
	krTagRecord protowire.Number = 2
)

func appendKeyRecord(b []byte, num protowire.Number, kv KeyRecord) []byte {
	inner := appendString(nil, krTagKey, kv.Key)
	inner = appendRecord(inner, krTagRecord, kv.Record)
	return appendBytes(b, num, inner)
}

func decodeKeyRecord(b []byte) (KeyRecord, error) {
	var kv KeyRecord
	err := fieldReader(b, func(num protowire.Number, typ protowire.Type, rest []byte) ([]byte, error) {
		switch num {
		case krTagKey:
			s, r, err := consumeString(rest)
			kv.Key = s
			return r, err
		case krTagRecord:
			payload, r, err := consumeBytes(rest)
			if err != nil {
				return nil, err
			}
			rec, err := decodeRecord(payload)
			if err != nil {
				return nil, err
			}
			kv.Record = rec
			return r, nil
		}
		return nil, nil
	})
	return kv, err
}

// SetRequest installs a batch of key/value records into a peer's store.
type SetRequest struct {
	KeyVals      []KeyRecord
	FloodNodeIds []string // loop-suppression: nodes this publication has already visited
}

const (
	setTagKv   protowire.Number = 1
	setTagNode protowire.Number = 2
)

func EncodeSetRequest(r SetRequest) []byte {
	var b []byte
	for _, kv := range sortKeyRecords(r.KeyVals) {
		b = appendKeyRecord(b, setTagKv, kv)
	}
	ids := append([]string(nil), r.FloodNodeIds...)
	for _, id := range ids {
		b = appendString(b, setTagNode, id)
	}
	return b
}

func DecodeSetRequest(b []byte) (SetRequest, error) {
	var r SetRequest
	err := fieldReader(b, func(num protowire.Number, typ protowire.Type, rest []byte) ([]byte, error) {
		switch num {
		case setTagKv:
			payload, rr, err := consumeBytes(rest)
			if err != nil {
				return nil, err
			}
			kv, err := decodeKeyRecord(payload)
			if err != nil {
				return nil, err
			}
			r.KeyVals = append(r.KeyVals, kv)
			return rr, nil
		case setTagNode:
			s, rr, err := consumeString(rest)
			if err != nil {
				return nil, err
			}
			r.FloodNodeIds = append(r.FloodNodeIds, s)
			return rr, nil
		}
		return nil, nil
	})
	return r, err
}

// GetRequest asks a peer for the subset of keys it currently holds.
type GetRequest struct {
	Keys []string
}

const getTagKey protowire.Number = 1

func EncodeGetRequest(r GetRequest) []byte {
	var b []byte
	keys := append([]string(nil), r.Keys...)
	sort.Strings(keys)
	for _, k := range keys {
		b = appendString(b, getTagKey, k)
	}
	return b
}

func DecodeGetRequest(b []byte) (GetRequest, error) {
	var r GetRequest
	err := fieldReader(b, func(num protowire.Number, typ protowire.Type, rest []byte) ([]byte, error) {
		if num == getTagKey {
			s, rr, err := consumeString(rest)
			if err != nil {
				return nil, err
			}
			r.Keys = append(r.Keys, s)
			return rr, nil
		}
		return nil, nil
	})
	return r, err
}

// KeyHash pairs a key with the cached digest of the record the sender
// currently holds for it, used by DUMP's keyValHashes delta-sync parameter.
type KeyHash struct {
	Key  string
	Hash model.Hash
}

// DumpRequest returns every key matching Prefix AND (Originators empty OR
// member) AND (not present in KeyValHashes, or whose local hash differs from
// the supplied one; a differing key is returned whether the local copy is
// newer or older).
type DumpRequest struct {
	Prefix       string
	Originators  []string
	KeyValHashes []KeyHash // empty means "full dump"
	HashesOnly   bool      // true selects DUMP_HASHES semantics (value stripped from the reply)
}

const (
	dTagPrefix     protowire.Number = 1
	dTagOriginator protowire.Number = 2
	dTagHash       protowire.Number = 3
	dTagHashesOnly protowire.Number = 4
)

const (
	khTagKey  protowire.Number = 1
	khTagHash protowire.Number = 2
)

func appendKeyHash(b []byte, num protowire.Number, kh KeyHash) []byte {
	inner := appendString(nil, khTagKey, kh.Key)
	inner = appendBytes(inner, khTagHash, kh.Hash[:])
	return appendBytes(b, num, inner)
}

func decodeKeyHash(b []byte) (KeyHash, error) {
	var kh KeyHash
	err := fieldReader(b, func(num protowire.Number, typ protowire.Type, rest []byte) ([]byte, error) {
		switch num {
		case khTagKey:
			s, r, err := consumeString(rest)
			kh.Key = s
			return r, err
		case khTagHash:
			v, r, err := consumeBytes(rest)
			if err != nil {
				return nil, err
			}
			copy(kh.Hash[:], v)
			return r, nil
		}
		return nil, nil
	})
	return kh, err
}

func EncodeDumpRequest(r DumpRequest) []byte {
	var b []byte
	b = appendString(b, dTagPrefix, r.Prefix)
	origs := append([]string(nil), r.Originators...)
	sort.Strings(origs)
	for _, o := range origs {
		b = appendString(b, dTagOriginator, o)
	}
	hashes := append([]KeyHash(nil), r.KeyValHashes...)
	sort.Slice(hashes, func(i, j int) bool { return hashes[i].Key < hashes[j].Key })
	for _, kh := range hashes {
		b = appendKeyHash(b, dTagHash, kh)
	}
	b = appendBool(b, dTagHashesOnly, r.HashesOnly)
	return b
}

func DecodeDumpRequest(b []byte) (DumpRequest, error) {
	var r DumpRequest
	err := fieldReader(b, func(num protowire.Number, typ protowire.Type, rest []byte) ([]byte, error) {
		switch num {
		case dTagPrefix:
			s, rr, err := consumeString(rest)
			r.Prefix = s
			return rr, err
		case dTagOriginator:
			s, rr, err := consumeString(rest)
			if err != nil {
				return nil, err
			}
			r.Originators = append(r.Originators, s)
			return rr, nil
		case dTagHash:
			payload, rr, err := consumeBytes(rest)
			if err != nil {
				return nil, err
			}
			kh, err := decodeKeyHash(payload)
			if err != nil {
				return nil, err
			}
			r.KeyValHashes = append(r.KeyValHashes, kh)
			return rr, nil
		case dTagHashesOnly:
			v, rr, err := consumeUvarint(rest)
			r.HashesOnly = v != 0
			return rr, err
		}
		return nil, nil
	})
	return r, err
}

// HashReport is the reply to a DumpRequest with HashesOnly set: one KeyHash
// per locally matching key, letting the requester diff against its own
// store without transferring any values (§4.3 DUMP_HASHES).
type HashReport struct {
	Entries []KeyHash
}

const hrTagEntry protowire.Number = 1

func EncodeHashReport(r HashReport) []byte {
	var b []byte
	entries := append([]KeyHash(nil), r.Entries...)
	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
	for _, kh := range entries {
		b = appendKeyHash(b, hrTagEntry, kh)
	}
	return b
}

func DecodeHashReport(b []byte) (HashReport, error) {
	var r HashReport
	err := fieldReader(b, func(num protowire.Number, typ protowire.Type, rest []byte) ([]byte, error) {
		if num == hrTagEntry {
			payload, rr, err := consumeBytes(rest)
			if err != nil {
				return nil, err
			}
			kh, err := decodeKeyHash(payload)
			if err != nil {
				return nil, err
			}
			r.Entries = append(r.Entries, kh)
			return rr, nil
		}
		return nil, nil
	})
	return r, err
}

// Publication is flooded by the store to its subscribers and peers whenever
// a SET installs or expires a key.
type Publication struct {
	KeyVals      []KeyRecord
	ExpiredKeys  []string
	Area         string
	FloodRootId  string // empty means "no optimized-flood root, full-flood-minus-sender"
	NodeIds      []string
}

const (
	pTagKv       protowire.Number = 1
	pTagExpired  protowire.Number = 2
	pTagArea     protowire.Number = 3
	pTagRoot     protowire.Number = 4
	pTagNode     protowire.Number = 5
)

func EncodePublication(p Publication) []byte {
	var b []byte
	for _, kv := range sortKeyRecords(p.KeyVals) {
		b = appendKeyRecord(b, pTagKv, kv)
	}
	expired := append([]string(nil), p.ExpiredKeys...)
	sort.Strings(expired)
	for _, k := range expired {
		b = appendString(b, pTagExpired, k)
	}
	b = appendString(b, pTagArea, p.Area)
	b = appendString(b, pTagRoot, p.FloodRootId)
	for _, id := range p.NodeIds {
		b = appendString(b, pTagNode, id)
	}
	return b
}

func DecodePublication(b []byte) (Publication, error) {
	var p Publication
	err := fieldReader(b, func(num protowire.Number, typ protowire.Type, rest []byte) ([]byte, error) {
		switch num {
		case pTagKv:
			payload, r, err := consumeBytes(rest)
			if err != nil {
				return nil, err
			}
			kv, err := decodeKeyRecord(payload)
			if err != nil {
				return nil, err
			}
			p.KeyVals = append(p.KeyVals, kv)
			return r, nil
		case pTagExpired:
			s, r, err := consumeString(rest)
			if err != nil {
				return nil, err
			}
			p.ExpiredKeys = append(p.ExpiredKeys, s)
			return r, nil
		case pTagArea:
			s, r, err := consumeString(rest)
			p.Area = s
			return r, err
		case pTagRoot:
			s, r, err := consumeString(rest)
			p.FloodRootId = s
			return r, err
		case pTagNode:
			s, r, err := consumeString(rest)
			if err != nil {
				return nil, err
			}
			p.NodeIds = append(p.NodeIds, s)
			return r, nil
		}
		return nil, nil
	})
	return p, err
}
