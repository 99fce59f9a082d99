package kvclient

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/fabricd/fabricd/internal/bus"
	"github.com/fabricd/fabricd/internal/config"
	"github.com/fabricd/fabricd/internal/kvstore"
	"github.com/fabricd/fabricd/pkg/model"
	"github.com/stretchr/testify/require"
)

// noopTransport is a kvstore.Transport with no peers: Recv blocks until
// closed, Send is unreachable in these single-node tests.
type noopTransport struct {
	mu     sync.Mutex
	closed chan struct{}
}

func newNoopTransport() *noopTransport { return &noopTransport{closed: make(chan struct{})} }

func (t *noopTransport) Send(string, []byte) error { return nil }

func (t *noopTransport) Recv() ([]byte, string, error) {
	<-t.closed
	return nil, "", context.Canceled
}

func (t *noopTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	select {
	case <-t.closed:
	default:
		close(t.closed)
	}
	return nil
}

func newTestClient(t *testing.T) *Client {
	t.Helper()
	ctx, cancel := context.WithCancelCause(context.Background())
	t.Cleanup(func() { cancel(nil) })
	loop := bus.NewLoop(ctx, cancel, slog.New(slog.NewTextHandler(io.Discard, nil)))
	go loop.Run()

	cfg := config.LocalCfg{NodeName: "n1", Areas: []config.AreaCfg{{Name: "0"}}, FloodRate: config.FloodRate{Burst: 100, MsgsPerSec: 1000}}
	store := kvstore.New(kvstore.Deps{Cfg: cfg, Log: slog.New(slog.NewTextHandler(io.Discard, nil)), Loop: loop, Transport: newNoopTransport(), NodeId: "n1"})
	go store.Run()

	clientLoop := bus.NewLoop(ctx, cancel, slog.New(slog.NewTextHandler(io.Discard, nil)))
	go clientLoop.Run()

	c := New(Deps{
		Log:            slog.New(slog.NewTextHandler(io.Discard, nil)),
		Loop:           clientLoop,
		Store:          store,
		NodeId:         "n1",
		InitialBackoff: 10 * time.Millisecond,
		MaxBackoff:     100 * time.Millisecond,
	})
	require.NoError(t, c.Start(ctx, []string{"0"}, 20*time.Millisecond))
	return c
}

func TestPersistKeyAdvertisesToStore(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	require.NoError(t, c.PersistKey(ctx, "0", "k1", []byte("v1"), 0))

	require.Eventually(t, func() bool {
		got, err := c.store.Get(ctx, "0", []string{"k1"})
		return err == nil && len(got) == 1 && string(got[0].Record.Value) == "v1"
	}, time.Second, 10*time.Millisecond)
}

func TestPersistKeyNoOpOnIdenticalValueDoesNotBumpVersion(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	require.NoError(t, c.PersistKey(ctx, "0", "k1", []byte("v1"), 0))
	require.Eventually(t, func() bool {
		got, _ := c.store.Get(ctx, "0", []string{"k1"})
		return len(got) == 1
	}, time.Second, 10*time.Millisecond)

	_, err := c.loop.DispatchWait(ctx, func() (any, error) {
		return c.entries[areaKey{area: "0", key: "k1"}].version, nil
	})
	require.NoError(t, err)

	require.NoError(t, c.PersistKey(ctx, "0", "k1", []byte("v1"), 0))
	v, err := c.loop.DispatchWait(ctx, func() (any, error) {
		return c.entries[areaKey{area: "0", key: "k1"}].version, nil
	})
	require.NoError(t, err)
	require.EqualValues(t, 1, v)
}

func TestPersistKeyBumpsVersionOnValueChange(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	require.NoError(t, c.PersistKey(ctx, "0", "k1", []byte("v1"), 0))
	require.NoError(t, c.PersistKey(ctx, "0", "k1", []byte("v2"), 0))

	v, err := c.loop.DispatchWait(ctx, func() (any, error) {
		return c.entries[areaKey{area: "0", key: "k1"}].version, nil
	})
	require.NoError(t, err)
	require.EqualValues(t, 2, v)
}

func TestOnKeyCallbackFiresOnMatchingPublication(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	fired := make(chan string, 4)
	_, err := c.OnKey(ctx, "k1", func(key string, rec *model.Record) {
		fired <- key
	})
	require.NoError(t, err)

	require.NoError(t, c.PersistKey(ctx, "0", "k1", []byte("v1"), 0))

	select {
	case k := <-fired:
		require.Equal(t, "k1", k)
	case <-time.After(time.Second):
		t.Fatal("expected OnKey callback to fire")
	}
}

func TestOnPrefixCallbackFiltersByOriginator(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	fired := make(chan string, 4)
	_, err := c.OnPrefix(ctx, "a/", "other", func(key string, rec *model.Record) {
		fired <- key
	})
	require.NoError(t, err)

	// Own-originated key under the prefix must NOT fire (originator filter excludes n1).
	require.NoError(t, c.PersistKey(ctx, "0", "a/1", []byte("v1"), 0))

	select {
	case k := <-fired:
		t.Fatalf("unexpected callback fire for %s", k)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestAuditOnceRequeuesMissingKey(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	require.NoError(t, c.PersistKey(ctx, "0", "k1", []byte("v1"), 0))
	require.Eventually(t, func() bool {
		got, _ := c.store.Get(ctx, "0", []string{"k1"})
		return len(got) == 1
	}, time.Second, 10*time.Millisecond)

	// k2 is persisted locally but was never advertised, so the store lacks it.
	_, err := c.loop.DispatchWait(ctx, func() (any, error) {
		delete(c.pending, areaKey{area: "0", key: "k1"})
		c.entries[areaKey{area: "0", key: "k2"}] = &persistedEntry{
			value:        []byte("v2"),
			version:      1,
			originatorId: "n1",
			backoff:      NewBackoff(c.initialBackoff, c.maxBackoff),
		}
		return nil, nil
	})
	require.NoError(t, err)

	_, err = c.store.Get(ctx, "0", []string{"k1"})
	require.NoError(t, err)

	v, err := c.loop.DispatchWait(ctx, func() (any, error) {
		if err := c.auditOnce(); err != nil {
			return nil, err
		}
		return [2]bool{c.pending[areaKey{area: "0", key: "k1"}], c.pending[areaKey{area: "0", key: "k2"}]}, nil
	})
	require.NoError(t, err)
	require.Equal(t, [2]bool{false, true}, v)
}
