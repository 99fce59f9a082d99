package wire

import "google.golang.org/protobuf/encoding/protowire"

// DualMsgKind tags which of the three classic DUAL message types a DualMsg
// carries (§4.3, "Dual messages carrying query/reply/update tuples").
type DualMsgKind int32

const (
	DualQuery DualMsgKind = iota
	DualReply
	DualUpdate
)

// DualMsg drives per-root spanning-tree convergence between two peers
// participating in optimized flooding.
type DualMsg struct {
	RootId string
	Kind   DualMsgKind
	Cost   uint64
}

const (
	dmTagRoot protowire.Number = 1
	dmTagKind protowire.Number = 2
	dmTagCost protowire.Number = 3
)

func EncodeDualMsg(m DualMsg) []byte {
	var b []byte
	b = appendString(b, dmTagRoot, m.RootId)
	b = appendUvarint(b, dmTagKind, uint64(m.Kind))
	b = appendUvarint(b, dmTagCost, m.Cost)
	return b
}

func DecodeDualMsg(b []byte) (DualMsg, error) {
	var m DualMsg
	err := fieldReader(b, func(num protowire.Number, typ protowire.Type, rest []byte) ([]byte, error) {
		switch num {
		case dmTagRoot:
			s, r, err := consumeString(rest)
			m.RootId = s
			return r, err
		case dmTagKind:
			v, r, err := consumeUvarint(rest)
			m.Kind = DualMsgKind(v)
			return r, err
		case dmTagCost:
			v, r, err := consumeUvarint(rest)
			m.Cost = v
			return r, err
		}
		return nil, nil
	})
	return m, err
}
