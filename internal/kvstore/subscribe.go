package kvstore

import "github.com/fabricd/fabricd/pkg/wire"

// Subscription is the lazy, infinite, non-restartable sequence of
// publications promised by SUBSCRIBE (§4.3). Cancel drops it; the store
// detects this within one publication attempt, per §5's cancellation
// guarantee.
type Subscription struct {
	ch     chan wire.Publication
	cancel func()
}

func (sub *Subscription) Publications() <-chan wire.Publication { return sub.ch }
func (sub *Subscription) Cancel()                               { sub.cancel() }

type subscriber struct {
	id     uint64
	prefix string // "" matches every key
	ch     chan wire.Publication
}

// subscriptions is the loop-owned registry of live subscribers; every method
// here must only run on the owning Store's Loop goroutine.
type subscriptions struct {
	nextId uint64
	subs   map[uint64]*subscriber
}

func newSubscriptions() *subscriptions {
	return &subscriptions{subs: make(map[uint64]*subscriber)}
}

func (s *subscriptions) add(prefix string) *subscriber {
	s.nextId++
	sub := &subscriber{id: s.nextId, prefix: prefix, ch: make(chan wire.Publication, 64)}
	s.subs[sub.id] = sub
	return sub
}

func (s *subscriptions) remove(id uint64) {
	if sub, ok := s.subs[id]; ok {
		close(sub.ch)
		delete(s.subs, id)
	}
}

func (s *subscriptions) closeAll() {
	for id := range s.subs {
		s.remove(id)
	}
}

// publish enqueues pub to every subscriber whose prefix matches at least one
// affected key; a full channel drops the publication for that subscriber
// rather than blocking the store (§5, "never blocks the caller").
func (s *subscriptions) publish(pub wire.Publication) {
	for _, sub := range s.subs {
		if !subscriberInterested(sub, pub) {
			continue
		}
		select {
		case sub.ch <- pub:
		default:
		}
	}
}

func subscriberInterested(sub *subscriber, pub wire.Publication) bool {
	if sub.prefix == "" {
		return true
	}
	for _, kv := range pub.KeyVals {
		if hasPrefix(kv.Key, sub.prefix) {
			return true
		}
	}
	for _, k := range pub.ExpiredKeys {
		if hasPrefix(k, sub.prefix) {
			return true
		}
	}
	return false
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}
