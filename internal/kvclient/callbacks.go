package kvclient

import (
	"context"
	"strings"

	"github.com/fabricd/fabricd/pkg/model"
)

// Callback is invoked on the client's own loop goroutine for every key it is
// interested in; rec is nil for an expired key. Callbacks must not block
// (§4.4, "they must not block").
type Callback func(key string, rec *model.Record)

type filterSub struct {
	prefix     string
	originator string // "" matches any originator
	cb         Callback
}

// callbackRegistry is the subscription API of §4.4: per-key callbacks, a
// prefix+originator filter callback, and the global catch-all (prefix "",
// originator "").
type callbackRegistry struct {
	nextId  uint64
	byKey   map[string]map[uint64]Callback
	filters map[uint64]filterSub
}

func newCallbackRegistry() *callbackRegistry {
	return &callbackRegistry{byKey: make(map[string]map[uint64]Callback), filters: make(map[uint64]filterSub)}
}

func (r *callbackRegistry) fire(key string, rec *model.Record) {
	for _, cb := range r.byKey[key] {
		cb(key, rec)
	}
	for _, f := range r.filters {
		if !strings.HasPrefix(key, f.prefix) {
			continue
		}
		if f.originator != "" {
			if rec == nil || rec.OriginatorId != f.originator {
				continue
			}
		}
		f.cb(key, rec)
	}
}

// CallbackHandle cancels a previously registered callback.
type CallbackHandle struct {
	cancel func()
}

func (h CallbackHandle) Cancel() { h.cancel() }

// OnKey registers a callback fired only for the exact key.
func (c *Client) OnKey(ctx context.Context, key string, cb Callback) (CallbackHandle, error) {
	v, err := c.loop.DispatchWait(ctx, func() (any, error) {
		c.callbacks.nextId++
		id := c.callbacks.nextId
		if c.callbacks.byKey[key] == nil {
			c.callbacks.byKey[key] = make(map[uint64]Callback)
		}
		c.callbacks.byKey[key][id] = cb
		return id, nil
	})
	if err != nil {
		return CallbackHandle{}, err
	}
	id := v.(uint64)
	return CallbackHandle{cancel: func() {
		c.loop.Dispatch(func() error {
			delete(c.callbacks.byKey[key], id)
			return nil
		})
	}}, nil
}

// OnPrefix registers a callback fired for every key with the given prefix,
// optionally restricted to a single originator ("" for any).
func (c *Client) OnPrefix(ctx context.Context, prefix, originator string, cb Callback) (CallbackHandle, error) {
	v, err := c.loop.DispatchWait(ctx, func() (any, error) {
		c.callbacks.nextId++
		id := c.callbacks.nextId
		c.callbacks.filters[id] = filterSub{prefix: prefix, originator: originator, cb: cb}
		return id, nil
	})
	if err != nil {
		return CallbackHandle{}, err
	}
	id := v.(uint64)
	return CallbackHandle{cancel: func() {
		c.loop.Dispatch(func() error {
			delete(c.callbacks.filters, id)
			return nil
		})
	}}, nil
}

// OnAll registers a global catch-all callback, fired for every key.
func (c *Client) OnAll(ctx context.Context, cb Callback) (CallbackHandle, error) {
	return c.OnPrefix(ctx, "", "", cb)
}
