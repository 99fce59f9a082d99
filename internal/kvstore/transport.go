package kvstore

// Transport is the peer-to-peer byte transport of §6 ("request/response
// messaging over an inter-process byte transport"). A frame is one
// wire.KvPacket encoding; Send/Recv attribute every frame to the peer name
// it was addressed to or arrived from. The real implementation is a
// length-prefixed reliable stream per peer; tests substitute an in-memory
// fake.
type Transport interface {
	Send(peerName string, frame []byte) error
	Recv() (frame []byte, peerName string, err error)
	Close() error
}
