// Package kvclient implements the Key-Value Client (C4): per-key
// persistence, re-advertise-on-conflict, a ttl/4 refresh scheduler and
// subscription callbacks, built on bus.Loop exactly as spark and kvstore are.
package kvclient

import (
	"context"
	"log/slog"
	"time"

	"github.com/fabricd/fabricd/internal/bus"
	"github.com/fabricd/fabricd/internal/kvstore"
)

// areaKey identifies one persisted key within one area.
type areaKey struct {
	area string
	key  string
}

// Client owns the persisted-key map, the advertise/ttl/audit timers and the
// callback registry. Every method that touches unexported state must run on
// loop.
type Client struct {
	log   *slog.Logger
	loop  *bus.Loop
	store *kvstore.Store

	nodeId string

	initialBackoff  time.Duration
	maxBackoff      time.Duration
	auditInterval   time.Duration
	clearOnShutdown bool

	entries map[areaKey]*persistedEntry
	pending map[areaKey]bool // true = full (value included), false = ttl-only refresh

	callbacks *callbackRegistry

	subs []*kvstore.Subscription
}

// Deps bundles Client's collaborators.
type Deps struct {
	Log   *slog.Logger
	Loop  *bus.Loop
	Store *kvstore.Store

	NodeId string

	InitialBackoff  time.Duration
	MaxBackoff      time.Duration
	AuditInterval   time.Duration // 0 disables the periodic auditor
	ClearOnShutdown bool
}

func New(d Deps) *Client {
	initial, max := d.InitialBackoff, d.MaxBackoff
	if initial <= 0 {
		initial = time.Second
	}
	if max <= 0 {
		max = 32 * time.Second
	}
	return &Client{
		log:             d.Log,
		loop:            d.Loop,
		store:           d.Store,
		nodeId:          d.NodeId,
		initialBackoff:  initial,
		maxBackoff:      max,
		auditInterval:   d.AuditInterval,
		clearOnShutdown: d.ClearOnShutdown,
		entries:         make(map[areaKey]*persistedEntry),
		pending:         make(map[areaKey]bool),
		callbacks:       newCallbackRegistry(),
	}
}

// Start subscribes to every area's publications, arms the advertise-drain
// ticker and, when configured, the periodic auditor.
func (c *Client) Start(ctx context.Context, areas []string, advertiseInterval time.Duration) error {
	for _, area := range areas {
		sub, err := c.store.SubscribeAndGetKvStore(ctx, area, "")
		if err != nil {
			return err
		}
		c.subs = append(c.subs, sub)
		a := area
		go c.consume(a, sub)
	}
	c.loop.RepeatTask(c.drainAdvertisements, advertiseInterval)
	if c.auditInterval > 0 {
		c.loop.RepeatTask(c.auditOnce, c.auditInterval)
	}
	return nil
}

func (c *Client) consume(area string, sub *kvstore.Subscription) {
	for pub := range sub.Publications() {
		p := pub
		c.loop.Dispatch(func() error {
			c.handlePublication(area, p)
			return nil
		})
	}
}

// Close cancels every outstanding subscription, optionally clearing
// (tombstoning) everything this client persisted first (§4.4 supplement,
// "clear-on-shutdown").
func (c *Client) Close(ctx context.Context) error {
	if c.clearOnShutdown {
		c.clearAll(ctx)
	}
	for _, sub := range c.subs {
		sub.Cancel()
	}
	return nil
}

func (c *Client) clearAll(ctx context.Context) {
	_, _ = c.loop.DispatchWait(ctx, func() (any, error) {
		c.advertiseTombstones(ctx)
		return nil, nil
	})
}
