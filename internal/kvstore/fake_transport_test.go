package kvstore

import "sync"

// fakeTransport is an in-memory Transport for tests: Send appends to a named
// peer's outbox, Recv blocks on a single shared inbox fed by deliver.
type fakeTransport struct {
	mu     sync.Mutex
	sent   map[string][][]byte
	inbox  chan inboundFrame
}

type inboundFrame struct {
	Frame    []byte
	PeerName string
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{sent: make(map[string][][]byte), inbox: make(chan inboundFrame, 64)}
}

func (f *fakeTransport) Send(peerName string, frame []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent[peerName] = append(f.sent[peerName], append([]byte(nil), frame...))
	return nil
}

func (f *fakeTransport) Recv() ([]byte, string, error) {
	p, ok := <-f.inbox
	if !ok {
		return nil, "", errClosed
	}
	return p.Frame, p.PeerName, nil
}

func (f *fakeTransport) Close() error {
	close(f.inbox)
	return nil
}

func (f *fakeTransport) deliver(peerName string, frame []byte) {
	f.inbox <- inboundFrame{Frame: frame, PeerName: peerName}
}

func (f *fakeTransport) sentTo(peerName string) [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.sent[peerName]...)
}

type sentinelError string

func (e sentinelError) Error() string { return string(e) }

const errClosed = sentinelError("fake transport closed")
