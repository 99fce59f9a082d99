package kvstore

import (
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
)

// TCPTransport is the real Transport: one persistent length-prefixed TCP
// stream per peer, dialed through Dial when the peer is added. A connection
// that fails is not redialed; Send to that peer keeps failing until Dial is
// called again. It is the store's counterpart to spark's ipv6Transport — the
// only thing in the process that touches the socket.
type TCPTransport struct {
	log      *slog.Logger
	listener net.Listener

	mu    sync.Mutex
	conns map[string]net.Conn // peerName -> outbound conn

	inbound chan tcpInboundFrame
	closed  chan struct{}
}

type tcpInboundFrame struct {
	data []byte
	peer string
}

// NewTCPTransport binds listenAddr (host:port, typically the node's own
// RpcCmdPort) and returns a Transport ready to Send to peers once their
// CmdUrl is known via Dial.
func NewTCPTransport(log *slog.Logger, listenAddr string) (*TCPTransport, error) {
	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return nil, fmt.Errorf("kvstore: listening on %s: %w", listenAddr, err)
	}
	t := &TCPTransport{
		log:      log,
		listener: ln,
		conns:    make(map[string]net.Conn),
		inbound:  make(chan tcpInboundFrame, 64),
		closed:   make(chan struct{}),
	}
	go t.acceptLoop()
	return t, nil
}

func (t *TCPTransport) acceptLoop() {
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			select {
			case <-t.closed:
				return
			default:
				t.log.Warn("kvstore: accept failed", "error", err)
				return
			}
		}
		go t.readLoop(conn, conn.RemoteAddr().String())
	}
}

// Dial establishes (or replaces) the outbound connection used to Send to
// peerName, addressed at addr (host:port parsed from the peer's CmdUrl).
func (t *TCPTransport) Dial(peerName, addr string) error {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return fmt.Errorf("kvstore: dialing peer %s at %s: %w", peerName, addr, err)
	}
	t.mu.Lock()
	if old, ok := t.conns[peerName]; ok {
		_ = old.Close()
	}
	t.conns[peerName] = conn
	t.mu.Unlock()
	go t.readLoop(conn, peerName)
	return nil
}

func (t *TCPTransport) readLoop(conn net.Conn, peer string) {
	defer conn.Close()
	var lenBuf [4]byte
	for {
		if _, err := io.ReadFull(conn, lenBuf[:]); err != nil {
			return
		}
		n := binary.BigEndian.Uint32(lenBuf[:])
		buf := make([]byte, n)
		if _, err := io.ReadFull(conn, buf); err != nil {
			return
		}
		select {
		case t.inbound <- tcpInboundFrame{data: buf, peer: peer}:
		case <-t.closed:
			return
		}
	}
}

// Send writes frame to the peer's outbound connection, dialing lazily is the
// caller's job via Dial; Send fails if no connection has been established.
func (t *TCPTransport) Send(peerName string, frame []byte) error {
	t.mu.Lock()
	conn, ok := t.conns[peerName]
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("kvstore: no connection to peer %s", peerName)
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(frame)))
	if _, err := conn.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := conn.Write(frame)
	return err
}

// Recv blocks for the next frame from any peer, inbound or outbound.
func (t *TCPTransport) Recv() ([]byte, string, error) {
	select {
	case f := <-t.inbound:
		return f.data, f.peer, nil
	case <-t.closed:
		return nil, "", io.EOF
	}
}

// Close shuts down the listener and every outbound connection.
func (t *TCPTransport) Close() error {
	select {
	case <-t.closed:
		return nil
	default:
		close(t.closed)
	}
	_ = t.listener.Close()
	t.mu.Lock()
	for _, c := range t.conns {
		_ = c.Close()
	}
	t.mu.Unlock()
	return nil
}
