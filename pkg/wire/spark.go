package wire

import (
	"fmt"
	"sort"

	"google.golang.org/protobuf/encoding/protowire"
)

// NeighborInfo is one entry of a HelloMsg's neighborInfos map (§4.1), keyed
// by the peer node name it describes.
type NeighborInfo struct {
	NodeName           string
	SeenSeqNum         uint64
	LastNbrMsgSentTsUs int64
	LastMyMsgRcvdTsUs  int64
}

// HelloMsg is sent periodically by Spark on every qualifying interface.
type HelloMsg struct {
	DomainName      string
	NodeName        string
	RemoteIfName    string
	SeqNum          uint64
	Version         uint32
	SolicitResponse bool
	Restarting      bool
	NeighborInfos   []NeighborInfo
	Areas           []string // empty means "no area negotiation offered"
}

// HandshakeMsg negotiates adjacency parameters once a hello round-trip has
// been observed.
type HandshakeMsg struct {
	NodeName               string
	IsAdjEstablished       bool
	HeartbeatHoldTimeMs    uint64
	GracefulRestartHoldMs  uint64
	V4Addr                 string
	V6Addr                 string
	RpcCmdPort             uint32
	RpcPubPort             uint32
	Area                   string
}

// HeartbeatMsg keeps an ESTABLISHED adjacency alive. Per original §9 open
// question, the handler for this message is deliberately unspecified beyond
// "resets the hold timer" — SeqNum is carried but not interpreted.
type HeartbeatMsg struct {
	NodeName string
	SeqNum   uint64
}

// LegacyPayload is the backward-compatibility block carried by older peers
// inside a HelloPacket envelope instead of a typed HelloMsg.
type LegacyPayload struct {
	Originator      string
	SeqNum          uint64
	NeighborInfos   []NeighborInfo
	TimestampUs     int64
	SolicitResponse bool
	Restarting      bool
	Areas           []string
}

// PacketBody is the sum type dispatched on the HelloPacket envelope's
// present-tag, per design note §9 ("polymorphism ... should be a sum type on
// the wire; implementations dispatch on the present tag").
type PacketBody interface {
	isPacketBody()
}

func (HelloMsg) isPacketBody()      {}
func (HandshakeMsg) isPacketBody()  {}
func (HeartbeatMsg) isPacketBody()  {}
func (LegacyPayload) isPacketBody() {}

// HelloPacket is the outer envelope placed on the wire: exactly one of Body
// is populated, plus an optional Legacy block for old readers.
type HelloPacket struct {
	Body   PacketBody
	Legacy *LegacyPayload
}

const (
	tagHelloBody      protowire.Number = 1
	tagHandshakeBody  protowire.Number = 2
	tagHeartbeatBody  protowire.Number = 3
	tagLegacyPayload  protowire.Number = 4
)

// --- HelloMsg ---

const (
	hTagDomain     protowire.Number = 1
	hTagNode       protowire.Number = 2
	hTagIfName     protowire.Number = 3
	hTagSeq        protowire.Number = 4
	hTagVersion    protowire.Number = 5
	hTagSolicit    protowire.Number = 6
	hTagRestarting protowire.Number = 7
	hTagNeighInfo  protowire.Number = 8
	hTagArea       protowire.Number = 9
)

const (
	niTagNode      protowire.Number = 1
	niTagSeen      protowire.Number = 2
	niTagNbrSentUs protowire.Number = 3
	niTagMyRcvdUs  protowire.Number = 4
)

func appendNeighborInfo(b []byte, num protowire.Number, ni NeighborInfo) []byte {
	inner := appendString(nil, niTagNode, ni.NodeName)
	inner = appendUvarint(inner, niTagSeen, ni.SeenSeqNum)
	inner = appendInt64(inner, niTagNbrSentUs, ni.LastNbrMsgSentTsUs)
	inner = appendInt64(inner, niTagMyRcvdUs, ni.LastMyMsgRcvdTsUs)
	return appendBytes(b, num, inner)
}

func decodeNeighborInfo(b []byte) (NeighborInfo, error) {
	var ni NeighborInfo
	err := fieldReader(b, func(num protowire.Number, typ protowire.Type, rest []byte) ([]byte, error) {
		switch num {
		case niTagNode:
			s, r, err := consumeString(rest)
			if err != nil {
				return nil, err
			}
			ni.NodeName = s
			return r, nil
		case niTagSeen:
			v, r, err := consumeUvarint(rest)
			if err != nil {
				return nil, err
			}
			ni.SeenSeqNum = v
			return r, nil
		case niTagNbrSentUs:
			v, r, err := consumeUvarint(rest)
			if err != nil {
				return nil, err
			}
			ni.LastNbrMsgSentTsUs = int64(v)
			return r, nil
		case niTagMyRcvdUs:
			v, r, err := consumeUvarint(rest)
			if err != nil {
				return nil, err
			}
			ni.LastMyMsgRcvdTsUs = int64(v)
			return r, nil
		}
		return nil, nil
	})
	return ni, err
}

func sortNeighborInfos(infos []NeighborInfo) []NeighborInfo {
	out := append([]NeighborInfo(nil), infos...)
	sort.Slice(out, func(i, j int) bool { return out[i].NodeName < out[j].NodeName })
	return out
}

func EncodeHelloMsg(h HelloMsg) []byte {
	var b []byte
	b = appendString(b, hTagDomain, h.DomainName)
	b = appendString(b, hTagNode, h.NodeName)
	b = appendString(b, hTagIfName, h.RemoteIfName)
	b = appendUvarint(b, hTagSeq, h.SeqNum)
	b = appendUvarint(b, hTagVersion, uint64(h.Version))
	b = appendBool(b, hTagSolicit, h.SolicitResponse)
	b = appendBool(b, hTagRestarting, h.Restarting)
	for _, ni := range sortNeighborInfos(h.NeighborInfos) {
		b = appendNeighborInfo(b, hTagNeighInfo, ni)
	}
	areas := append([]string(nil), h.Areas...)
	sort.Strings(areas)
	for _, a := range areas {
		b = appendString(b, hTagArea, a)
	}
	return b
}

func DecodeHelloMsg(b []byte) (HelloMsg, error) {
	var h HelloMsg
	err := fieldReader(b, func(num protowire.Number, typ protowire.Type, rest []byte) ([]byte, error) {
		switch num {
		case hTagDomain:
			s, r, err := consumeString(rest)
			h.DomainName = s
			return r, err
		case hTagNode:
			s, r, err := consumeString(rest)
			h.NodeName = s
			return r, err
		case hTagIfName:
			s, r, err := consumeString(rest)
			h.RemoteIfName = s
			return r, err
		case hTagSeq:
			v, r, err := consumeUvarint(rest)
			h.SeqNum = v
			return r, err
		case hTagVersion:
			v, r, err := consumeUvarint(rest)
			h.Version = uint32(v)
			return r, err
		case hTagSolicit:
			v, r, err := consumeUvarint(rest)
			h.SolicitResponse = v != 0
			return r, err
		case hTagRestarting:
			v, r, err := consumeUvarint(rest)
			h.Restarting = v != 0
			return r, err
		case hTagNeighInfo:
			payload, r, err := consumeBytes(rest)
			if err != nil {
				return nil, err
			}
			ni, err := decodeNeighborInfo(payload)
			if err != nil {
				return nil, err
			}
			h.NeighborInfos = append(h.NeighborInfos, ni)
			return r, nil
		case hTagArea:
			s, r, err := consumeString(rest)
			if err != nil {
				return nil, err
			}
			h.Areas = append(h.Areas, s)
			return r, nil
		}
		return nil, nil
	})
	return h, err
}

// --- HandshakeMsg ---

const (
	sTagNode      protowire.Number = 1
	sTagEstab     protowire.Number = 2
	sTagHbHold    protowire.Number = 3
	sTagGrHold    protowire.Number = 4
	sTagV4        protowire.Number = 5
	sTagV6        protowire.Number = 6
	sTagCmdPort   protowire.Number = 7
	sTagPubPort   protowire.Number = 8
	sTagArea      protowire.Number = 9
)

func EncodeHandshakeMsg(h HandshakeMsg) []byte {
	var b []byte
	b = appendString(b, sTagNode, h.NodeName)
	b = appendBool(b, sTagEstab, h.IsAdjEstablished)
	b = appendUvarint(b, sTagHbHold, h.HeartbeatHoldTimeMs)
	b = appendUvarint(b, sTagGrHold, h.GracefulRestartHoldMs)
	b = appendString(b, sTagV4, h.V4Addr)
	b = appendString(b, sTagV6, h.V6Addr)
	b = appendUvarint(b, sTagCmdPort, uint64(h.RpcCmdPort))
	b = appendUvarint(b, sTagPubPort, uint64(h.RpcPubPort))
	b = appendString(b, sTagArea, h.Area)
	return b
}

func DecodeHandshakeMsg(b []byte) (HandshakeMsg, error) {
	var h HandshakeMsg
	err := fieldReader(b, func(num protowire.Number, typ protowire.Type, rest []byte) ([]byte, error) {
		switch num {
		case sTagNode:
			s, r, err := consumeString(rest)
			h.NodeName = s
			return r, err
		case sTagEstab:
			v, r, err := consumeUvarint(rest)
			h.IsAdjEstablished = v != 0
			return r, err
		case sTagHbHold:
			v, r, err := consumeUvarint(rest)
			h.HeartbeatHoldTimeMs = v
			return r, err
		case sTagGrHold:
			v, r, err := consumeUvarint(rest)
			h.GracefulRestartHoldMs = v
			return r, err
		case sTagV4:
			s, r, err := consumeString(rest)
			h.V4Addr = s
			return r, err
		case sTagV6:
			s, r, err := consumeString(rest)
			h.V6Addr = s
			return r, err
		case sTagCmdPort:
			v, r, err := consumeUvarint(rest)
			h.RpcCmdPort = uint32(v)
			return r, err
		case sTagPubPort:
			v, r, err := consumeUvarint(rest)
			h.RpcPubPort = uint32(v)
			return r, err
		case sTagArea:
			s, r, err := consumeString(rest)
			h.Area = s
			return r, err
		}
		return nil, nil
	})
	return h, err
}

// --- HeartbeatMsg ---

const (
	bTagNode protowire.Number = 1
	bTagSeq  protowire.Number = 2
)

func EncodeHeartbeatMsg(h HeartbeatMsg) []byte {
	var b []byte
	b = appendString(b, bTagNode, h.NodeName)
	b = appendUvarint(b, bTagSeq, h.SeqNum)
	return b
}

func DecodeHeartbeatMsg(b []byte) (HeartbeatMsg, error) {
	var h HeartbeatMsg
	err := fieldReader(b, func(num protowire.Number, typ protowire.Type, rest []byte) ([]byte, error) {
		switch num {
		case bTagNode:
			s, r, err := consumeString(rest)
			h.NodeName = s
			return r, err
		case bTagSeq:
			v, r, err := consumeUvarint(rest)
			h.SeqNum = v
			return r, err
		}
		return nil, nil
	})
	return h, err
}

// --- LegacyPayload ---

const (
	lTagOriginator protowire.Number = 1
	lTagSeq        protowire.Number = 2
	lTagNeighInfo  protowire.Number = 3
	lTagTsUs       protowire.Number = 4
	lTagSolicit    protowire.Number = 5
	lTagRestarting protowire.Number = 6
	lTagArea       protowire.Number = 7
)

func encodeLegacyPayload(l LegacyPayload) []byte {
	var b []byte
	b = appendString(b, lTagOriginator, l.Originator)
	b = appendUvarint(b, lTagSeq, l.SeqNum)
	for _, ni := range sortNeighborInfos(l.NeighborInfos) {
		b = appendNeighborInfo(b, lTagNeighInfo, ni)
	}
	b = appendInt64(b, lTagTsUs, l.TimestampUs)
	b = appendBool(b, lTagSolicit, l.SolicitResponse)
	b = appendBool(b, lTagRestarting, l.Restarting)
	areas := append([]string(nil), l.Areas...)
	sort.Strings(areas)
	for _, a := range areas {
		b = appendString(b, lTagArea, a)
	}
	return b
}

func decodeLegacyPayload(b []byte) (LegacyPayload, error) {
	var l LegacyPayload
	err := fieldReader(b, func(num protowire.Number, typ protowire.Type, rest []byte) ([]byte, error) {
		switch num {
		case lTagOriginator:
			s, r, err := consumeString(rest)
			l.Originator = s
			return r, err
		case lTagSeq:
			v, r, err := consumeUvarint(rest)
			l.SeqNum = v
			return r, err
		case lTagNeighInfo:
			payload, r, err := consumeBytes(rest)
			if err != nil {
				return nil, err
			}
			ni, err := decodeNeighborInfo(payload)
			if err != nil {
				return nil, err
			}
			l.NeighborInfos = append(l.NeighborInfos, ni)
			return r, nil
		case lTagTsUs:
			v, r, err := consumeUvarint(rest)
			l.TimestampUs = int64(v)
			return r, err
		case lTagSolicit:
			v, r, err := consumeUvarint(rest)
			l.SolicitResponse = v != 0
			return r, err
		case lTagRestarting:
			v, r, err := consumeUvarint(rest)
			l.Restarting = v != 0
			return r, err
		case lTagArea:
			s, r, err := consumeString(rest)
			if err != nil {
				return nil, err
			}
			l.Areas = append(l.Areas, s)
			return r, nil
		}
		return nil, nil
	})
	return l, err
}

// --- HelloPacket envelope ---

func EncodeHelloPacket(p HelloPacket) ([]byte, error) {
	var b []byte
	switch body := p.Body.(type) {
	case HelloMsg:
		b = appendBytes(b, tagHelloBody, EncodeHelloMsg(body))
	case HandshakeMsg:
		b = appendBytes(b, tagHandshakeBody, EncodeHandshakeMsg(body))
	case HeartbeatMsg:
		b = appendBytes(b, tagHeartbeatBody, EncodeHeartbeatMsg(body))
	default:
		return nil, fmt.Errorf("wire: unsupported packet body %T", p.Body)
	}
	if p.Legacy != nil {
		b = appendBytes(b, tagLegacyPayload, encodeLegacyPayload(*p.Legacy))
	}
	if err := CheckSize(b); err != nil {
		return nil, err
	}
	return b, nil
}

func DecodeHelloPacket(b []byte) (HelloPacket, error) {
	if err := CheckSize(b); err != nil {
		return HelloPacket{}, err
	}
	var p HelloPacket
	sawBody := false
	err := fieldReader(b, func(num protowire.Number, typ protowire.Type, rest []byte) ([]byte, error) {
		switch num {
		case tagHelloBody:
			payload, r, err := consumeBytes(rest)
			if err != nil {
				return nil, err
			}
			msg, err := DecodeHelloMsg(payload)
			if err != nil {
				return nil, err
			}
			p.Body = msg
			sawBody = true
			return r, nil
		case tagHandshakeBody:
			payload, r, err := consumeBytes(rest)
			if err != nil {
				return nil, err
			}
			msg, err := DecodeHandshakeMsg(payload)
			if err != nil {
				return nil, err
			}
			p.Body = msg
			sawBody = true
			return r, nil
		case tagHeartbeatBody:
			payload, r, err := consumeBytes(rest)
			if err != nil {
				return nil, err
			}
			msg, err := DecodeHeartbeatMsg(payload)
			if err != nil {
				return nil, err
			}
			p.Body = msg
			sawBody = true
			return r, nil
		case tagLegacyPayload:
			payload, r, err := consumeBytes(rest)
			if err != nil {
				return nil, err
			}
			legacy, err := decodeLegacyPayload(payload)
			if err != nil {
				return nil, err
			}
			p.Legacy = &legacy
			return r, nil
		}
		return nil, nil
	})
	if err != nil {
		return HelloPacket{}, err
	}
	if !sawBody && p.Legacy == nil {
		return HelloPacket{}, fmt.Errorf("%w: envelope carried neither a typed body nor a legacy payload", ErrUnknownTag)
	}
	return p, nil
}
