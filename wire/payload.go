package wire

import (
	"encoding/binary"

	"xrlink/rpcerror"
)

// ProtocolRevision is the schema revision this build speaks. Both ends must
// load descriptor tables generated for the same revision; the handshake is
// the single place this is checked, and a mismatch is fatal with no fallback.
const ProtocolRevision uint32 = 3

// Greeting is the handshake body. Fixed format: just the revision — the
// magic and wire version already travelled in the frame header.
type Greeting struct {
	Revision uint32
}

// EncodeGreeting serializes a greeting body.
func EncodeGreeting(g Greeting) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, g.Revision)
	return buf
}

// DecodeGreeting parses a greeting body.
func DecodeGreeting(body []byte) (Greeting, error) {
	if len(body) != 4 {
		return Greeting{}, rpcerror.New(rpcerror.KindMalformed, "greeting body is %d bytes, want 4", len(body))
	}
	return Greeting{Revision: binary.BigEndian.Uint32(body)}, nil
}

// EncodeTimestamp serializes a sync body: one monotonic timestamp in
// nanoseconds, two's complement in the wire byte order.
func EncodeTimestamp(ns int64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(ns))
	return buf
}

// DecodeTimestamp parses a sync body.
func DecodeTimestamp(body []byte) (int64, error) {
	if len(body) != 8 {
		return 0, rpcerror.New(rpcerror.KindMalformed, "sync body is %d bytes, want 8", len(body))
	}
	return int64(binary.BigEndian.Uint64(body)), nil
}
