package wire

import (
	"testing"

	"github.com/fabricd/fabricd/pkg/model"
	"github.com/google/go-cmp/cmp"
)

func TestHelloMsgRoundTrip(t *testing.T) {
	h := HelloMsg{
		DomainName:      "universe",
		NodeName:        "thanos",
		RemoteIfName:    "eth0",
		SeqNum:          42,
		Version:         3,
		SolicitResponse: true,
		Restarting:      false,
		NeighborInfos: []NeighborInfo{
			{NodeName: "gamora", SeenSeqNum: 7, LastNbrMsgSentTsUs: 100, LastMyMsgRcvdTsUs: 200},
			{NodeName: "nebula", SeenSeqNum: 1},
		},
		Areas: []string{"0", "backbone"},
	}
	enc, err := EncodeHelloPacket(HelloPacket{Body: h})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	dec, err := DecodeHelloPacket(enc)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	got, ok := dec.Body.(HelloMsg)
	if !ok {
		t.Fatalf("expected HelloMsg body, got %T", dec.Body)
	}
	if diff := cmp.Diff(h, got); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}

	// re-encoding the decoded value must be byte-identical (canonical ordering).
	reenc, err := EncodeHelloPacket(HelloPacket{Body: got})
	if err != nil {
		t.Fatalf("re-encode: %v", err)
	}
	if string(reenc) != string(enc) {
		t.Fatalf("encoding is not canonical: first pass and second pass differ")
	}
}

func TestHelloMsgMapOrderIndependent(t *testing.T) {
	a := HelloMsg{NodeName: "a", NeighborInfos: []NeighborInfo{{NodeName: "z"}, {NodeName: "a"}}}
	b := HelloMsg{NodeName: "a", NeighborInfos: []NeighborInfo{{NodeName: "a"}, {NodeName: "z"}}}
	ea, _ := EncodeHelloPacket(HelloPacket{Body: a})
	eb, _ := EncodeHelloPacket(HelloPacket{Body: b})
	if string(ea) != string(eb) {
		t.Fatalf("encoding must not depend on input slice order for map-like fields")
	}
}

func TestHandshakeMsgRoundTrip(t *testing.T) {
	h := HandshakeMsg{
		NodeName:              "thanos",
		IsAdjEstablished:      true,
		HeartbeatHoldTimeMs:   9000,
		GracefulRestartHoldMs: 60000,
		V4Addr:                "10.0.0.1",
		V6Addr:                "fe80::1",
		RpcCmdPort:            60001,
		RpcPubPort:            60002,
		Area:                  "0",
	}
	enc, err := EncodeHelloPacket(HelloPacket{Body: h})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	dec, err := DecodeHelloPacket(enc)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	got, ok := dec.Body.(HandshakeMsg)
	if !ok {
		t.Fatalf("expected HandshakeMsg body, got %T", dec.Body)
	}
	if diff := cmp.Diff(h, got); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestHeartbeatMsgRoundTrip(t *testing.T) {
	h := HeartbeatMsg{NodeName: "thanos", SeqNum: 5}
	enc, err := EncodeHelloPacket(HelloPacket{Body: h})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	dec, err := DecodeHelloPacket(enc)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	got, ok := dec.Body.(HeartbeatMsg)
	if !ok {
		t.Fatalf("expected HeartbeatMsg body, got %T", dec.Body)
	}
	if diff := cmp.Diff(h, got); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestLegacyPayloadCoexistsWithTypedBody(t *testing.T) {
	legacy := LegacyPayload{Originator: "thanos", SeqNum: 1, TimestampUs: 123}
	p := HelloPacket{
		Body:   HeartbeatMsg{NodeName: "thanos", SeqNum: 1},
		Legacy: &legacy,
	}
	enc, err := EncodeHelloPacket(p)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	dec, err := DecodeHelloPacket(enc)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if dec.Legacy == nil || dec.Legacy.Originator != "thanos" {
		t.Fatalf("expected legacy payload to survive alongside typed body, got %+v", dec.Legacy)
	}
}

func TestPacketOversizeRejected(t *testing.T) {
	big := make([]byte, MaxPacketSize+1)
	if err := CheckSize(big); err == nil {
		t.Fatalf("expected 1281-byte packet to be rejected")
	}
	ok := make([]byte, MaxPacketSize)
	if err := CheckSize(ok); err != nil {
		t.Fatalf("expected exactly-1280-byte packet to be accepted: %v", err)
	}
}

func TestSetRequestRoundTrip(t *testing.T) {
	req := SetRequest{
		KeyVals: []KeyRecord{
			{Key: "prefix:1", Record: model.Record{Version: 1, OriginatorId: "a", Value: []byte("v1"), HasValue: true, TTL: 60000}},
			{Key: "prefix:2", Record: model.Record{Version: 2, OriginatorId: "b", HasValue: false, TTL: model.TTLInfinity, TTLVersion: 3}},
		},
		FloodNodeIds: []string{"a", "b"},
	}
	enc := EncodeSetRequest(req)
	dec, err := DecodeSetRequest(enc)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if diff := cmp.Diff(sortKeyRecords(req.KeyVals), dec.KeyVals); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestDumpRequestRoundTrip(t *testing.T) {
	req := DumpRequest{
		Prefix:      "adj:",
		Originators: []string{"b", "a"},
		KeyValHashes: []KeyHash{
			{Key: "adj:1", Hash: model.Record{Version: 1, OriginatorId: "a"}.ComputeHash()},
		},
		HashesOnly: true,
	}
	enc := EncodeDumpRequest(req)
	dec, err := DecodeDumpRequest(enc)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if dec.Prefix != req.Prefix || !dec.HashesOnly {
		t.Fatalf("got %+v", dec)
	}
	if diff := cmp.Diff([]string{"a", "b"}, dec.Originators); diff != "" {
		t.Fatalf("originators not canonically sorted (-want +got):\n%s", diff)
	}
}

func TestPublicationRoundTrip(t *testing.T) {
	pub := Publication{
		KeyVals: []KeyRecord{
			{Key: "k1", Record: model.Record{Version: 1, OriginatorId: "a", Value: []byte("v"), HasValue: true, TTL: 1000}},
		},
		ExpiredKeys: []string{"k2"},
		Area:        "0",
		FloodRootId: "a",
		NodeIds:     []string{"a", "b"},
	}
	enc := EncodePublication(pub)
	dec, err := DecodePublication(enc)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if diff := cmp.Diff(pub, dec); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestUnknownFieldsAreSkipped(t *testing.T) {
	// Simulate an older decoder receiving a message with an extra, unknown
	// trailing field appended after a known one — it must not error.
	known := appendString(nil, hTagNode, "thanos")
	withExtra := appendString(append([]byte(nil), known...), 99, "future-field")
	h, err := DecodeHelloMsg(withExtra)
	if err != nil {
		t.Fatalf("decoding a message with an unknown trailing tag must succeed: %v", err)
	}
	if h.NodeName != "thanos" {
		t.Fatalf("known fields must still decode correctly: %+v", h)
	}
}
