package kvstore

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTCPTransportSendRecvRoundTrip(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	server, err := NewTCPTransport(log, "127.0.0.1:0")
	require.NoError(t, err)
	defer server.Close()

	client, err := NewTCPTransport(log, "127.0.0.1:0")
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, client.Dial("server", server.listener.Addr().String()))

	done := make(chan struct{})
	go func() {
		data, peer, err := server.Recv()
		require.NoError(t, err)
		require.Equal(t, []byte("hello"), data)
		require.NotEmpty(t, peer)
		close(done)
	}()

	require.NoError(t, client.Send("server", []byte("hello")))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("expected server to receive frame")
	}
}
