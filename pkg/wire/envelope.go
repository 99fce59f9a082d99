package wire

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// KvBody is the sum type carried on the peer-to-peer key-value transport
// (§6, "request/response messaging over an inter-process byte transport"):
// exactly one concrete type is present on any given KvPacket.
type KvBody interface {
	isKvBody()
}

func (SetRequest) isKvBody()  {}
func (GetRequest) isKvBody()  {}
func (DumpRequest) isKvBody() {}
func (HashReport) isKvBody()  {}
func (Publication) isKvBody() {}
func (DualMsg) isKvBody()     {}

// KvPacket is the outer envelope for every frame exchanged between two
// KvStore peers, keyed by Area so a single transport can multiplex requests
// for every area a pair of nodes shares.
type KvPacket struct {
	Area string
	Body KvBody
}

const (
	kpTagArea  protowire.Number = 1
	kpTagSet   protowire.Number = 2
	kpTagGet   protowire.Number = 3
	kpTagDump  protowire.Number = 4
	kpTagPub   protowire.Number = 5
	kpTagDual  protowire.Number = 6
	kpTagHash  protowire.Number = 7
)

func EncodeKvPacket(p KvPacket) ([]byte, error) {
	var b []byte
	b = appendString(b, kpTagArea, p.Area)
	switch body := p.Body.(type) {
	case SetRequest:
		b = appendBytes(b, kpTagSet, EncodeSetRequest(body))
	case GetRequest:
		b = appendBytes(b, kpTagGet, EncodeGetRequest(body))
	case DumpRequest:
		b = appendBytes(b, kpTagDump, EncodeDumpRequest(body))
	case Publication:
		b = appendBytes(b, kpTagPub, EncodePublication(body))
	case DualMsg:
		b = appendBytes(b, kpTagDual, EncodeDualMsg(body))
	case HashReport:
		b = appendBytes(b, kpTagHash, EncodeHashReport(body))
	default:
		return nil, fmt.Errorf("wire: unsupported kv packet body %T", p.Body)
	}
	if err := CheckSize(b); err != nil {
		return nil, err
	}
	return b, nil
}

func DecodeKvPacket(b []byte) (KvPacket, error) {
	if err := CheckSize(b); err != nil {
		return KvPacket{}, err
	}
	var p KvPacket
	sawBody := false
	err := fieldReader(b, func(num protowire.Number, typ protowire.Type, rest []byte) ([]byte, error) {
		switch num {
		case kpTagArea:
			s, r, err := consumeString(rest)
			p.Area = s
			return r, err
		case kpTagSet:
			payload, r, err := consumeBytes(rest)
			if err != nil {
				return nil, err
			}
			v, err := DecodeSetRequest(payload)
			if err != nil {
				return nil, err
			}
			p.Body, sawBody = v, true
			return r, nil
		case kpTagGet:
			payload, r, err := consumeBytes(rest)
			if err != nil {
				return nil, err
			}
			v, err := DecodeGetRequest(payload)
			if err != nil {
				return nil, err
			}
			p.Body, sawBody = v, true
			return r, nil
		case kpTagDump:
			payload, r, err := consumeBytes(rest)
			if err != nil {
				return nil, err
			}
			v, err := DecodeDumpRequest(payload)
			if err != nil {
				return nil, err
			}
			p.Body, sawBody = v, true
			return r, nil
		case kpTagPub:
			payload, r, err := consumeBytes(rest)
			if err != nil {
				return nil, err
			}
			v, err := DecodePublication(payload)
			if err != nil {
				return nil, err
			}
			p.Body, sawBody = v, true
			return r, nil
		case kpTagDual:
			payload, r, err := consumeBytes(rest)
			if err != nil {
				return nil, err
			}
			v, err := DecodeDualMsg(payload)
			if err != nil {
				return nil, err
			}
			p.Body, sawBody = v, true
			return r, nil
		case kpTagHash:
			payload, r, err := consumeBytes(rest)
			if err != nil {
				return nil, err
			}
			v, err := DecodeHashReport(payload)
			if err != nil {
				return nil, err
			}
			p.Body, sawBody = v, true
			return r, nil
		}
		return nil, nil
	})
	if err != nil {
		return KvPacket{}, err
	}
	if !sawBody {
		return KvPacket{}, fmt.Errorf("%w: kv envelope carried no recognized body", ErrUnknownTag)
	}
	return p, nil
}
