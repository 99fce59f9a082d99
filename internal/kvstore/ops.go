package kvstore

import (
	"context"
	"net"
	"strings"

	"github.com/fabricd/fabricd/pkg/model"
	"github.com/fabricd/fabricd/pkg/wire"
)

// dialer is satisfied by TCPTransport; asserted for optionally so fakes used
// in tests need not implement it.
type dialer interface {
	Dial(peerName, addr string) error
}

// Set installs keyVals into area under the merge rule (§4.3 SET): each
// record that strictly exceeds what is stored is installed, published to
// subscribers and flooded to peers except those already in nodeIds.
// Returns success even when every key was a no-op.
func (s *Store) Set(ctx context.Context, area string, keyVals []wire.KeyRecord, nodeIds []string) error {
	_, err := s.loop.DispatchWait(ctx, func() (any, error) {
		s.setLocked(area, keyVals, nodeIds)
		return nil, nil
	})
	return err
}

func (s *Store) setLocked(area string, keyVals []wire.KeyRecord, nodeIds []string) {
	db := s.areaOf(area)
	var installed []wire.KeyRecord
	for _, kv := range keyVals {
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
	if len(installed) == 0 {
		return
	}
	s.publishAndFlood(area, installed, nil, nodeIds)
}

// admitsKey applies the store's include-prefix / originator-allow filters
// (§4.3 "Filters").
func (s *Store) admitsKey(key, originator string) bool {
	if len(s.includePrefixes) > 0 {
		ok := false
		for _, p := range s.includePrefixes {
			if hasPrefix(key, p) {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if len(s.originatorAllow) > 0 {
		ok := false
		for _, o := range s.originatorAllow {
			if o == originator {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

// Get returns the subset of keys present locally in area.
func (s *Store) Get(ctx context.Context, area string, keys []string) ([]wire.KeyRecord, error) {
	v, err := s.loop.DispatchWait(ctx, func() (any, error) {
		db := s.areaOf(area)
		var out []wire.KeyRecord
		for _, k := range keys {
			if r, ok := db.get(k); ok {
				out = append(out, wire.KeyRecord{Key: k, Record: r})
			}
		}
		return out, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]wire.KeyRecord), nil
}

// Dump returns every local key matching prefix/originators/keyValHashes, per
// §4.3 DUMP. hashesOnly selects the DUMP_HASHES variant (value stripped).
func (s *Store) Dump(ctx context.Context, area, prefix string, originators []string, hashes []wire.KeyHash, hashesOnly bool) ([]wire.KeyRecord, error) {
	v, err := s.loop.DispatchWait(ctx, func() (any, error) {
		db := s.areaOf(area)
		byKey := make(map[string]model.Hash, len(hashes))
		for _, kh := range hashes {
			byKey[kh.Key] = kh.Hash
		}
		return db.dump(prefix, originators, byKey, hashesOnly), nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]wire.KeyRecord), nil
}

// AddPeers installs new peers, triggering a full sync with each (§4.3).
func (s *Store) AddPeers(ctx context.Context, peers map[string]model.Peer) error {
	_, err := s.loop.DispatchWait(ctx, func() (any, error) {
		for name, p := range peers {
			s.peers[name] = p
			if d, ok := s.transport.(dialer); ok {
				if addr, err := cmdAddr(p.CmdUrl); err == nil {
					if err := d.Dial(name, addr); err != nil {
						s.log.Warn("kvstore: dialing peer failed", "peer", name, "error", err)
					}
				}
			}
			s.startFullSync(name)
		}
		return nil, nil
	})
	return err
}

// cmdAddr extracts the host:port a peer's CmdUrl (e.g. "tcp://[fe80::2%eth0]:60100")
// dials to, stripping the zone identifier TCP dial does not accept.
func cmdAddr(cmdUrl string) (string, error) {
	hostPort := cmdUrl
	if i := strings.Index(hostPort, "://"); i >= 0 {
		hostPort = hostPort[i+len("://"):]
	}
	host, port, err := net.SplitHostPort(hostPort)
	if err != nil {
		return "", err
	}
	if i := strings.IndexByte(host, '%'); i >= 0 {
		host = host[:i]
	}
	return net.JoinHostPort(host, port), nil
}

// DelPeers removes peers and revokes any in-flight sync/SPT state for them.
func (s *Store) DelPeers(ctx context.Context, names []string) error {
	_, err := s.loop.DispatchWait(ctx, func() (any, error) {
		for _, name := range names {
			delete(s.peers, name)
			s.purgeSptPeer(name)
		}
		return nil, nil
	})
	return err
}

// GetPeers returns the current peer set.
func (s *Store) GetPeers(ctx context.Context) (map[string]model.Peer, error) {
	v, err := s.loop.DispatchWait(ctx, func() (any, error) {
		out := make(map[string]model.Peer, len(s.peers))
		for k, v := range s.peers {
			out[k] = v
		}
		return out, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(map[string]model.Peer), nil
}

// Subscribe registers a subscriber for the given key prefix ("" for every
// key) and returns the lazy publication sequence described by §4.3 SUBSCRIBE.
func (s *Store) Subscribe(ctx context.Context, prefix string) (*Subscription, error) {
	v, err := s.loop.DispatchWait(ctx, func() (any, error) {
		return s.subs.add(prefix), nil
	})
	if err != nil {
		return nil, err
	}
	sub := v.(*subscriber)
	return &Subscription{
		ch: sub.ch,
		cancel: func() {
			s.loop.Dispatch(func() error {
				s.subs.remove(sub.id)
				return nil
			})
		},
	}, nil
}

// SubscribeAndGetKvStore is Subscribe plus a synthetic first publication
// containing a full dump snapshot of area, per §4.3's "first element ... is
// a full dump snapshot".
func (s *Store) SubscribeAndGetKvStore(ctx context.Context, area, prefix string) (*Subscription, error) {
	sub, err := s.Subscribe(ctx, prefix)
	if err != nil {
		return nil, err
	}
	snap, err := s.Dump(ctx, area, prefix, nil, nil, false)
	if err != nil {
		sub.Cancel()
		return nil, err
	}
	select {
	case sub.ch <- wire.Publication{KeyVals: snap, Area: area}:
	default:
	}
	return sub, nil
}
