// Package netlinkfeed is a concrete implementation of the netlink
// collaborator contract of §6/§5 ("the external netlink collaborator
// exchanges interface-update snapshots via a single channel"), built on
// github.com/vishvananda/netlink's link/address subscription API. It mirrors
// the real-socket-adapter style of spark's own ipv6Transport: a constructor
// that acquires the kernel resources up front and a background goroutine
// that is the only thing touching them afterward.
package netlinkfeed

import (
	"fmt"
	"net/netip"
	"sync"

	"github.com/fabricd/fabricd/pkg/model"
	"github.com/vishvananda/netlink"
)

// Watcher tracks every link and address on the host and pushes a fresh
// model.InterfaceDatabase snapshot on Updates() whenever either changes. It
// also satisfies spark's ifIndexer contract directly, since it already
// maintains the name<->index mapping the transport needs.
type Watcher struct {
	nodeName string
	updates  chan model.InterfaceDatabase

	linkUpdates chan netlink.LinkUpdate
	linkDone    chan struct{}
	addrUpdates chan netlink.AddrUpdate
	addrDone    chan struct{}

	mu      sync.RWMutex
	byIndex map[int]linkState
}

type linkState struct {
	name  string
	isUp  bool
	cidrs []netip.Prefix
}

// NewWatcher subscribes to link and address changes and primes the first
// snapshot from the current kernel state.
func NewWatcher(nodeName string) (*Watcher, error) {
	w := &Watcher{
		nodeName: nodeName,
		updates:  make(chan model.InterfaceDatabase, 4),
		byIndex:  make(map[int]linkState),
	}
	if err := w.primeFromKernel(); err != nil {
		return nil, err
	}

	w.linkUpdates = make(chan netlink.LinkUpdate)
	w.linkDone = make(chan struct{})
	if err := netlink.LinkSubscribe(w.linkUpdates, w.linkDone); err != nil {
		return nil, fmt.Errorf("netlinkfeed: subscribing to link updates: %w", err)
	}
	w.addrUpdates = make(chan netlink.AddrUpdate)
	w.addrDone = make(chan struct{})
	if err := netlink.AddrSubscribe(w.addrUpdates, w.addrDone); err != nil {
		close(w.linkDone)
		return nil, fmt.Errorf("netlinkfeed: subscribing to address updates: %w", err)
	}

	go w.run()
	w.publish()
	return w, nil
}

func (w *Watcher) primeFromKernel() error {
	links, err := netlink.LinkList()
	if err != nil {
		return fmt.Errorf("netlinkfeed: listing links: %w", err)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, l := range links {
		attrs := l.Attrs()
		st := linkState{name: attrs.Name, isUp: attrs.Flags&netlinkFlagUp != 0}
		addrs, err := netlink.AddrList(l, netlink.FAMILY_ALL)
		if err != nil {
			return fmt.Errorf("netlinkfeed: listing addresses on %q: %w", attrs.Name, err)
		}
		for _, a := range addrs {
			if p, ok := prefixOf(a); ok {
				st.cidrs = append(st.cidrs, p)
			}
		}
		w.byIndex[attrs.Index] = st
	}
	return nil
}

// netlinkFlagUp mirrors net.FlagUp's bit position in the kernel's IFF_UP,
// avoiding a direct dependency on the "net" package's private flag mapping.
const netlinkFlagUp = 1 << 0

func prefixOf(a netlink.Addr) (netip.Prefix, bool) {
	if a.IPNet == nil {
		return netip.Prefix{}, false
	}
	addr, ok := netip.AddrFromSlice(a.IPNet.IP)
	if !ok {
		return netip.Prefix{}, false
	}
	ones, _ := a.IPNet.Mask.Size()
	return netip.PrefixFrom(addr.Unmap(), ones), true
}

func (w *Watcher) run() {
	for {
		select {
		case u, ok := <-w.linkUpdates:
			if !ok {
				return
			}
			w.applyLinkUpdate(u)
			w.publish()
		case u, ok := <-w.addrUpdates:
			if !ok {
				return
			}
			w.applyAddrUpdate(u)
			w.publish()
		}
	}
}

func (w *Watcher) applyLinkUpdate(u netlink.LinkUpdate) {
	w.mu.Lock()
	defer w.mu.Unlock()
	attrs := u.Link.Attrs()
	st := w.byIndex[attrs.Index]
	st.name = attrs.Name
	st.isUp = u.IfInfomsg.Flags&netlinkFlagUp != 0
	w.byIndex[attrs.Index] = st
}

func (w *Watcher) applyAddrUpdate(u netlink.AddrUpdate) {
	w.mu.Lock()
	defer w.mu.Unlock()
	st := w.byIndex[u.LinkIndex]
	p, ok := addrUpdatePrefix(u)
	if !ok {
		return
	}
	if u.NewAddr {
		st.cidrs = append(st.cidrs, p)
	} else {
		st.cidrs = removePrefix(st.cidrs, p)
	}
	w.byIndex[u.LinkIndex] = st
}

func addrUpdatePrefix(u netlink.AddrUpdate) (netip.Prefix, bool) {
	addr, ok := netip.AddrFromSlice(u.LinkAddress.IP)
	if !ok {
		return netip.Prefix{}, false
	}
	ones, _ := u.LinkAddress.Mask.Size()
	return netip.PrefixFrom(addr.Unmap(), ones), true
}

func removePrefix(in []netip.Prefix, target netip.Prefix) []netip.Prefix {
	out := in[:0]
	for _, p := range in {
		if p != target {
			out = append(out, p)
		}
	}
	return out
}

func (w *Watcher) publish() {
	w.mu.RLock()
	db := model.InterfaceDatabase{ThisNodeName: w.nodeName, Interfaces: make(map[string]model.InterfaceState, len(w.byIndex))}
	for idx, st := range w.byIndex {
		db.Interfaces[st.name] = model.InterfaceState{IsUp: st.isUp, IfIndex: idx, CIDRs: append([]netip.Prefix(nil), st.cidrs...)}
	}
	w.mu.RUnlock()
	select {
	case w.updates <- db:
	default:
		// a slow consumer misses an intermediate snapshot; the next update
		// (link or address) republishes the current state regardless.
	}
}

// Updates returns the channel of interface-database snapshots.
func (w *Watcher) Updates() <-chan model.InterfaceDatabase { return w.updates }

// IfIndexOf satisfies spark's ifIndexer contract.
func (w *Watcher) IfIndexOf(ifName string) (int, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	for idx, st := range w.byIndex {
		if st.name == ifName {
			return idx, true
		}
	}
	return 0, false
}

// IfNameOf satisfies spark's ifIndexer contract.
func (w *Watcher) IfNameOf(ifIndex int) (string, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	st, ok := w.byIndex[ifIndex]
	if !ok {
		return "", false
	}
	return st.name, true
}

// Close stops both subscriptions.
func (w *Watcher) Close() error {
	close(w.linkDone)
	close(w.addrDone)
	return nil
}
