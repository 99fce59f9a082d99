package spark

import "sync"

// fakeTransport is an in-memory Transport used by tests; Send appends to Sent
// and Recv blocks on an injectable Inbox channel so tests can feed packets
// without a real socket.
type fakeTransport struct {
	mu   sync.Mutex
	sent []sentPacket

	inbox chan inboundPacket
}

type sentPacket struct {
	IfName string
	Data   []byte
}

type inboundPacket struct {
	Data     []byte
	IfName   string
	HopLimit int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{inbox: make(chan inboundPacket, 16)}
}

func (f *fakeTransport) Send(ifName string, b []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := append([]byte(nil), b...)
	f.sent = append(f.sent, sentPacket{IfName: ifName, Data: cp})
	return nil
}

func (f *fakeTransport) Recv() (data []byte, ifName string, hopLimit int, err error) {
	p, ok := <-f.inbox
	if !ok {
		return nil, "", 0, errClosed
	}
	return p.Data, p.IfName, p.HopLimit, nil
}

func (f *fakeTransport) Close() error {
	close(f.inbox)
	return nil
}

func (f *fakeTransport) deliver(p inboundPacket) {
	f.inbox <- p
}

func (f *fakeTransport) sentPackets() []sentPacket {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentPacket(nil), f.sent...)
}

type sentinelError string

func (e sentinelError) Error() string { return string(e) }

const errClosed = sentinelError("fake transport closed")
