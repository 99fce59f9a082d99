package kvstore

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/fabricd/fabricd/internal/bus"
	"github.com/fabricd/fabricd/internal/config"
	"github.com/fabricd/fabricd/pkg/model"
	"github.com/fabricd/fabricd/pkg/wire"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, nodeId string) (*Store, *fakeTransport) {
	t.Helper()
	ctx, cancel := context.WithCancelCause(context.Background())
	t.Cleanup(func() { cancel(nil) })
	loop := bus.NewLoop(ctx, cancel, slog.New(slog.NewTextHandler(io.Discard, nil)))
	go loop.Run()

	cfg := config.LocalCfg{
		NodeName:  nodeId,
		Areas:     []config.AreaCfg{{Name: "0"}},
		FloodRate: config.FloodRate{Burst: 100, MsgsPerSec: 1000},
	}
	transport := newFakeTransport()
	s := New(Deps{Cfg: cfg, Log: slog.New(slog.NewTextHandler(io.Discard, nil)), Loop: loop, Transport: transport, NodeId: nodeId})
	go s.Run()
	return s, transport
}

func rec(version int64, originator string, value string) model.Record {
	return model.Record{Version: version, OriginatorId: originator, Value: []byte(value), HasValue: true, TTL: model.TTLInfinity}
}

func TestSetInstallsAndGetReturnsIt(t *testing.T) {
	s, _ := newTestStore(t, "n1")
	ctx := context.Background()
	require.NoError(t, s.Set(ctx, "0", []wire.KeyRecord{{Key: "k1", Record: rec(1, "n1", "v1")}}, nil))

	got, err := s.Get(ctx, "0", []string{"k1", "missing"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "k1", got[0].Key)
	require.Equal(t, []byte("v1"), got[0].Record.Value)
}

func TestSetIgnoresRecordThatDoesNotExceed(t *testing.T) {
	s, _ := newTestStore(t, "n1")
	ctx := context.Background()
	require.NoError(t, s.Set(ctx, "0", []wire.KeyRecord{{Key: "k1", Record: rec(5, "n1", "new")}}, nil))
	require.NoError(t, s.Set(ctx, "0", []wire.KeyRecord{{Key: "k1", Record: rec(1, "n1", "stale")}}, nil))

	got, err := s.Get(ctx, "0", []string{"k1"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, []byte("new"), got[0].Record.Value)
}

func TestSubscribeReceivesPublicationOnSet(t *testing.T) {
	s, _ := newTestStore(t, "n1")
	ctx := context.Background()
	sub, err := s.Subscribe(ctx, "")
	require.NoError(t, err)
	defer sub.Cancel()

	require.NoError(t, s.Set(ctx, "0", []wire.KeyRecord{{Key: "k1", Record: rec(1, "n1", "v1")}}, nil))

	select {
	case pub := <-sub.Publications():
		require.Len(t, pub.KeyVals, 1)
		require.Equal(t, "k1", pub.KeyVals[0].Key)
	case <-time.After(time.Second):
		t.Fatal("expected a publication")
	}
}

func TestSubscribeAndGetKvStoreDeliversSnapshotFirst(t *testing.T) {
	s, _ := newTestStore(t, "n1")
	ctx := context.Background()
	require.NoError(t, s.Set(ctx, "0", []wire.KeyRecord{{Key: "k1", Record: rec(1, "n1", "v1")}}, nil))

	sub, err := s.SubscribeAndGetKvStore(ctx, "0", "")
	require.NoError(t, err)
	defer sub.Cancel()

	select {
	case pub := <-sub.Publications():
		require.Len(t, pub.KeyVals, 1)
		require.Equal(t, "k1", pub.KeyVals[0].Key)
	case <-time.After(time.Second):
		t.Fatal("expected the snapshot publication")
	}
}

func TestSetFloodsToPeersExceptVisited(t *testing.T) {
	s, transport := newTestStore(t, "n1")
	ctx := context.Background()
	require.NoError(t, s.AddPeers(ctx, map[string]model.Peer{"p1": {NodeName: "p1"}, "p2": {NodeName: "p2"}}))

	// full-sync DUMP_HASHES is sent to each peer on add
	require.Eventually(t, func() bool { return len(transport.sentTo("p1")) >= 1 }, time.Second, 10*time.Millisecond)

	require.NoError(t, s.Set(ctx, "0", []wire.KeyRecord{{Key: "k1", Record: rec(1, "n1", "v1")}}, nil))

	require.Eventually(t, func() bool {
		return len(transport.sentTo("p1")) >= 2 && len(transport.sentTo("p2")) >= 2
	}, time.Second, 10*time.Millisecond)
}

func TestSetSuppressesFloodToVisitedNode(t *testing.T) {
	s, transport := newTestStore(t, "n1")
	ctx := context.Background()
	require.NoError(t, s.AddPeers(ctx, map[string]model.Peer{"p1": {NodeName: "p1"}}))
	require.Eventually(t, func() bool { return len(transport.sentTo("p1")) >= 1 }, time.Second, 10*time.Millisecond)

	require.NoError(t, s.Set(ctx, "0", []wire.KeyRecord{{Key: "k1", Record: rec(1, "n1", "v1")}}, []string{"p1"}))
	time.Sleep(50 * time.Millisecond)
	require.EqualValues(t, 1, s.counters.FloodsSuppressed.Load())
}

func TestHandlePublicationInstallsAndForwards(t *testing.T) {
	s, transport := newTestStore(t, "n1")
	ctx := context.Background()
	require.NoError(t, s.AddPeers(ctx, map[string]model.Peer{"p1": {NodeName: "p1"}, "p2": {NodeName: "p2"}}))
	require.Eventually(t, func() bool { return len(transport.sentTo("p1")) >= 1 }, time.Second, 10*time.Millisecond)

	enc, err := wire.EncodeKvPacket(wire.KvPacket{Area: "0", Body: wire.Publication{
		KeyVals: []wire.KeyRecord{{Key: "k1", Record: rec(1, "other", "v1")}},
		Area:    "0",
		NodeIds: []string{"other"},
	}})
	require.NoError(t, err)
	transport.deliver("p1", enc)

	got := func() []wire.KeyRecord {
		v, _ := s.Get(ctx, "0", []string{"k1"})
		return v
	}
	require.Eventually(t, func() bool { return len(got()) == 1 }, time.Second, 10*time.Millisecond)

	// forwarded onward to p2 but not back to p1 (loop suppression)
	require.Eventually(t, func() bool { return len(transport.sentTo("p2")) >= 2 }, time.Second, 10*time.Millisecond)
}

func TestDumpFiltersByPrefixAndOriginator(t *testing.T) {
	s, _ := newTestStore(t, "n1")
	ctx := context.Background()
	require.NoError(t, s.Set(ctx, "0", []wire.KeyRecord{
		{Key: "a/1", Record: rec(1, "n1", "v1")},
		{Key: "a/2", Record: rec(1, "n2", "v2")},
		{Key: "b/1", Record: rec(1, "n1", "v3")},
	}, nil))

	out, err := s.Dump(ctx, "0", "a/", nil, nil, false)
	require.NoError(t, err)
	require.Len(t, out, 2)

	out, err = s.Dump(ctx, "0", "a/", []string{"n1"}, nil, false)
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, "a/1", out[0].Key)
}

func TestDumpHashesOnlyStripsValue(t *testing.T) {
	s, _ := newTestStore(t, "n1")
	ctx := context.Background()
	require.NoError(t, s.Set(ctx, "0", []wire.KeyRecord{{Key: "k1", Record: rec(1, "n1", "v1")}}, nil))

	out, err := s.Dump(ctx, "0", "", nil, nil, true)
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.False(t, out[0].Record.HasValue)
	require.Nil(t, out[0].Record.Value)
}

func TestReaperExpiresAndPublishes(t *testing.T) {
	s, _ := newTestStore(t, "n1")
	ctx := context.Background()
	r := rec(1, "n1", "v1")
	r.TTL = 10
	require.NoError(t, s.Set(ctx, "0", []wire.KeyRecord{{Key: "k1", Record: r}}, nil))

	sub, err := s.Subscribe(ctx, "")
	require.NoError(t, err)
	defer sub.Cancel()

	_, err = s.loop.DispatchWait(ctx, func() (any, error) {
		s.reapOnce(20)
		return nil, nil
	})
	require.NoError(t, err)

	select {
	case pub := <-sub.Publications():
		require.Equal(t, []string{"k1"}, pub.ExpiredKeys)
	case <-time.After(time.Second):
		t.Fatal("expected an expiry publication")
	}

	got, err := s.Get(ctx, "0", []string{"k1"})
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestGetSptInfoDefaultsToSelfAsRoot(t *testing.T) {
	s, _ := newTestStore(t, "n1")
	ctx := context.Background()
	info, err := s.GetSptInfo(ctx, "0", "n1")
	require.NoError(t, err)
	require.True(t, info.IsRoot)
	require.EqualValues(t, 0, info.Cost)
}

func TestProcessDualMsgUpdatesCostAndAdvertises(t *testing.T) {
	s, transport := newTestStore(t, "n1")
	ctx := context.Background()
	require.NoError(t, s.AddPeers(ctx, map[string]model.Peer{"p1": {NodeName: "p1"}}))
	require.Eventually(t, func() bool { return len(transport.sentTo("p1")) >= 1 }, time.Second, 10*time.Millisecond)

	require.NoError(t, s.ProcessDualMsg(ctx, "0", "p1", wire.DualMsg{RootId: "root1", Kind: wire.DualUpdate, Cost: 3}))

	info, err := s.GetSptInfo(ctx, "0", "root1")
	require.NoError(t, err)
	require.Equal(t, "p1", info.Parent)
	require.EqualValues(t, 4, info.Cost)
}

func TestUpdateFloodTopoChildTracksChildren(t *testing.T) {
	s, _ := newTestStore(t, "n1")
	ctx := context.Background()
	require.NoError(t, s.UpdateFloodTopoChild(ctx, "0", "n1", "p1", true))
	info, err := s.GetSptInfo(ctx, "0", "n1")
	require.NoError(t, err)
	require.Equal(t, []string{"p1"}, info.Children)

	require.NoError(t, s.UpdateFloodTopoChild(ctx, "0", "n1", "p1", false))
	info, err = s.GetSptInfo(ctx, "0", "n1")
	require.NoError(t, err)
	require.Empty(t, info.Children)
}

func TestDelPeersPurgesSptState(t *testing.T) {
	s, transport := newTestStore(t, "n1")
	ctx := context.Background()
	require.NoError(t, s.AddPeers(ctx, map[string]model.Peer{"p1": {NodeName: "p1"}}))
	require.Eventually(t, func() bool { return len(transport.sentTo("p1")) >= 1 }, time.Second, 10*time.Millisecond)
	require.NoError(t, s.ProcessDualMsg(ctx, "0", "p1", wire.DualMsg{RootId: "root1", Kind: wire.DualUpdate, Cost: 3}))

	require.NoError(t, s.DelPeers(ctx, []string{"p1"}))

	info, err := s.GetSptInfo(ctx, "0", "root1")
	require.NoError(t, err)
	require.Empty(t, info.Parent)
}
