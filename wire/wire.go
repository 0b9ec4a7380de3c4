// Package wire implements the framed message protocol between an xrlink
// client and server.
//
// Every message is a fixed 9-byte header followed by a variable-length body.
// The receiver reads the header first to learn the body length, then reads
// exactly that many bytes — the stream carries no other framing.
//
// Frame format:
//
//	0      3  4  5         9
//	┌──────┬──┬──┬─────────┬───────────────┐
//	│magic │v │mt│ bodyLen │    body ...    │
//	│ xlp  │01│  │ uint32  │ bodyLen bytes  │
//	└──────┴──┴──┴─────────┴───────────────┘
//
// The protocol is strictly lock-step: at most one Call is outstanding per
// session, and the matching Return is identified by stream order alone. No
// sequence numbers travel on the wire.
package wire

import (
	"encoding/binary"

	"xrlink/rpcerror"
	"xrlink/transport"
)

// Magic number bytes: "xlp" (xrlink protocol). Rejects non-protocol peers
// (e.g. an HTTP client hitting the wrong port) on the first frame.
const (
	MagicByte1 byte = 0x78 // 'x'
	MagicByte2 byte = 0x6c // 'l'
	MagicByte3 byte = 0x70 // 'p'
	Version    byte = 0x01
	HeaderSize int  = 9 // 3 (magic) + 1 (version) + 1 (msgType) + 4 (bodyLen)
)

// MaxBodyLen bounds how much a single frame may ask us to allocate. XR call
// payloads can reach tens of megabytes (swapchain metadata, input snapshots);
// anything beyond this is treated as a corrupted length prefix.
const MaxBodyLen = 64 << 20

// MsgType distinguishes the six message kinds of the protocol.
type MsgType byte

const (
	MsgTypeHandshake    MsgType = 0 // Greeting with the protocol revision, both directions
	MsgTypeSyncRequest  MsgType = 1 // Client clock sample (monotonic timestamp)
	MsgTypeSyncResponse MsgType = 2 // Server clock sample answering a SyncRequest
	MsgTypeCall         MsgType = 3 // Function ID + encoded in/inout parameters
	MsgTypeReturn       MsgType = 4 // Status + encoded out/inout parameters
	MsgTypeClose        MsgType = 5 // Orderly teardown, no body

	// MsgTypeExtensionBase is the first message type available to loaded
	// extension modules. Types below it are reserved for the core protocol;
	// types at or above MsgTypeExtensionLimit are invalid.
	MsgTypeExtensionBase  MsgType = 32
	MsgTypeExtensionLimit MsgType = 128
)

func (m MsgType) String() string {
	switch m {
	case MsgTypeHandshake:
		return "handshake"
	case MsgTypeSyncRequest:
		return "sync-request"
	case MsgTypeSyncResponse:
		return "sync-response"
	case MsgTypeCall:
		return "call"
	case MsgTypeReturn:
		return "return"
	case MsgTypeClose:
		return "close"
	default:
		if m >= MsgTypeExtensionBase && m < MsgTypeExtensionLimit {
			return "extension"
		}
		return "invalid"
	}
}

func validMsgType(b byte) bool {
	if b <= byte(MsgTypeClose) {
		return true
	}
	return b >= byte(MsgTypeExtensionBase) && b < byte(MsgTypeExtensionLimit)
}

// WriteMessage frames body under the given type and sends it as one buffer.
// The transport serializes concurrent sends, so a frame is never interleaved
// with another writer's bytes.
func WriteMessage(t transport.Transport, mt MsgType, body []byte) error {
	if len(body) > MaxBodyLen {
		return rpcerror.New(rpcerror.KindMalformed, "body of %d bytes exceeds frame limit", len(body))
	}
	buf := make([]byte, HeaderSize+len(body))
	buf[0] = MagicByte1
	buf[1] = MagicByte2
	buf[2] = MagicByte3
	buf[3] = Version
	buf[4] = byte(mt)
	binary.BigEndian.PutUint32(buf[5:9], uint32(len(body)))
	copy(buf[HeaderSize:], body)
	return t.Send(buf)
}

// ReadMessage reads one complete frame. It validates the magic, version and
// message type before trusting the length prefix; a violation is a malformed
// frame (the stream position is unrecoverable, the session must fault), while
// a failed receive is a transport failure.
func ReadMessage(t transport.Transport) (MsgType, []byte, error) {
	header, err := t.ReceiveExact(HeaderSize)
	if err != nil {
		return 0, nil, err
	}

	if header[0] != MagicByte1 || header[1] != MagicByte2 || header[2] != MagicByte3 {
		return 0, nil, rpcerror.New(rpcerror.KindMalformed, "invalid magic number: %x", header[0:3])
	}
	if header[3] != Version {
		return 0, nil, rpcerror.New(rpcerror.KindVersionMismatch, "unsupported wire version: %d", header[3])
	}
	if !validMsgType(header[4]) {
		return 0, nil, rpcerror.New(rpcerror.KindMalformed, "unsupported message type: %d", header[4])
	}

	bodyLen := binary.BigEndian.Uint32(header[5:9])
	if bodyLen > MaxBodyLen {
		return 0, nil, rpcerror.New(rpcerror.KindMalformed, "body length %d exceeds frame limit", bodyLen)
	}
	if bodyLen == 0 {
		return MsgType(header[4]), nil, nil
	}

	body, err := t.ReceiveExact(int(bodyLen))
	if err != nil {
		return 0, nil, err
	}
	return MsgType(header[4]), body, nil
}
