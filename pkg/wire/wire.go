// Package wire implements the canonical, forward-compatible binary encoding
// of the four Spark packet bodies and the key-value request/response types
// (§4.1). Encoding uses the tag/varint/length-delimited primitives from
// google.golang.org/protobuf/encoding/protowire: every field is written as
// tag|value with a hand-assigned, never-reused field number, so a decoder
// built against an older version of this package skips tags it does not
// recognize instead of failing — the forward-compatibility requirement.
//
// Field ordering on the wire is fixed by the order fields are appended in
// each encode function below; map-typed fields are always sorted by key
// before being written so that encode(decode(x)) is byte-identical to x.
package wire

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// MaxPacketSize is the IPv6 minimum MTU (§6): Spark packets larger than this
// are rejected unread.
const MaxPacketSize = 1280

var (
	ErrTruncated  = errors.New("wire: truncated message")
	ErrMalformed  = errors.New("wire: malformed field")
	ErrTooLarge   = errors.New("wire: packet exceeds IPv6 minimum MTU")
	ErrUnknownTag = errors.New("wire: unknown outer envelope tag")
)

func appendUvarint(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBool(b []byte, num protowire.Number, v bool) []byte {
	if !v {
		return b
	}
	return appendUvarint(b, num, 1)
}

func appendInt64(b []byte, num protowire.Number, v int64) []byte {
	return appendUvarint(b, num, uint64(v))
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendString(b []byte, num protowire.Number, v string) []byte {
	if v == "" {
		return b
	}
	return appendBytes(b, num, []byte(v))
}

// fieldReader walks a buffer of tag/value pairs, dispatching known tags to a
// caller-supplied handler and skipping everything else. This single loop is
// what gives every decoder in this package its forward-compatibility.
func fieldReader(b []byte, onField func(num protowire.Number, typ protowire.Type, b []byte) (rest []byte, err error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: bad tag", ErrMalformed)
		}
		b = b[n:]
		rest, err := onField(num, typ, b)
		if err != nil {
			return err
		}
		if rest == nil {
			// handler did not recognize the tag; skip its value generically.
			skip := protowire.ConsumeFieldValue(num, typ, b)
			if skip < 0 {
				return fmt.Errorf("%w: cannot skip unknown tag %d", ErrMalformed, num)
			}
			b = b[skip:]
		} else {
			b = rest
		}
	}
	return nil
}

func consumeUvarint(b []byte) (uint64, []byte, error) {
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, nil, fmt.Errorf("%w: bad varint", ErrMalformed)
	}
	return v, b[n:], nil
}

func consumeBytes(b []byte) ([]byte, []byte, error) {
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return nil, nil, fmt.Errorf("%w: bad length-delimited field", ErrMalformed)
	}
	// protowire.ConsumeBytes may return a slice aliasing b; copy so callers
	// can retain it past the lifetime of the inbound socket buffer.
	out := append([]byte(nil), v...)
	return out, b[n:], nil
}

func consumeString(b []byte) (string, []byte, error) {
	v, rest, err := consumeBytes(b)
	if err != nil {
		return "", nil, err
	}
	return string(v), rest, nil
}

// CheckSize enforces the §6 MTU clamp before any parsing begins.
func CheckSize(b []byte) error {
	if len(b) > MaxPacketSize {
		return ErrTooLarge
	}
	return nil
}
