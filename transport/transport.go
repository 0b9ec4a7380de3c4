// Package transport provides the byte-stream contract the session layer runs on.
//
// The session never assumes anything about the medium beyond this interface:
// whole-buffer sends and exact-length receives. Framing is built above it by
// the wire package, which length-prefixes every message itself.
package transport

import "xrlink/rpcerror"

// Transport is one connected byte stream. Implementations must surface every
// failure (disconnect, timeout, short read) as a transport error — the session
// treats them all identically and faults.
type Transport interface {
	// Send writes the whole buffer or fails.
	Send(p []byte) error

	// ReceiveExact blocks until exactly n bytes have arrived, or fails.
	ReceiveExact(n int) ([]byte, error)

	// Close tears the stream down. Safe to call more than once.
	Close() error

	// RemoteAddr describes the peer, for diagnostics only.
	RemoteAddr() string
}

// failure wraps a raw stream error into the session-fatal transport kind.
func failure(cause error, op string) error {
	return rpcerror.Wrap(rpcerror.KindTransportFailure, cause, "%s", op)
}
