// Package rpcerror defines the error taxonomy shared by every layer of xrlink.
//
// Wire-level failures are fatal for the session that produced them: the protocol
// carries no correlation tokens and call side effects on the remote side are
// unknown, so nothing below the application can safely retry. Classifying errors
// by Kind lets the session decide between "fault the whole connection" and
// "reject this call locally" without string matching.
package rpcerror

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind identifies the failure class of an Error.
type Kind int

const (
	// KindUnknown is the zero Kind, reported for errors that did not
	// originate in this module.
	KindUnknown Kind = iota

	// KindVersionMismatch: the two ends disagree on the protocol revision.
	// Detected during handshake only; no fallback negotiation is attempted.
	KindVersionMismatch

	// KindUnknownFunction: a Call named a function ID absent from the
	// descriptor table. Indicates build skew between client and server.
	KindUnknownFunction

	// KindUnknownStructTag: an extension chain carried a tag with no
	// registered decoder. Payload length is unknowable, so the stream
	// position is lost and the session must die.
	KindUnknownStructTag

	// KindMalformed: framing violated — bad magic, truncated payload,
	// over-long body, trailing garbage inside a message.
	KindMalformed

	// KindUnmappedHandle: a handle token with no mapping in the session's
	// handle table. Client and server state have diverged.
	KindUnmappedHandle

	// KindTransportFailure: the byte stream failed (disconnect, timeout).
	// Fatal for the session; never retried here.
	KindTransportFailure

	// KindArgumentContract: the caller passed arguments that disagree with
	// the descriptor. A local programming error, raised before any bytes
	// are sent.
	KindArgumentContract

	// KindSessionState: an operation was attempted in a state that forbids
	// it (e.g. a call on a Faulted session).
	KindSessionState
)

func (k Kind) String() string {
	switch k {
	case KindVersionMismatch:
		return "protocol version mismatch"
	case KindUnknownFunction:
		return "unknown function id"
	case KindUnknownStructTag:
		return "unknown struct tag"
	case KindMalformed:
		return "malformed message"
	case KindUnmappedHandle:
		return "unmapped handle"
	case KindTransportFailure:
		return "transport failure"
	case KindArgumentContract:
		return "argument contract violation"
	case KindSessionState:
		return "invalid session state"
	default:
		return "unknown error"
	}
}

// Error is a classified failure. Cause may be nil.
type Error struct {
	Kind  Kind
	Msg   string
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

// Unwrap exposes the cause to errors.Is / errors.As chains.
func (e *Error) Unwrap() error {
	return e.Cause
}

// New builds a classified error with a formatted message.
func New(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to an underlying cause.
// A nil cause returns nil so call sites can wrap unconditionally.
func Wrap(kind Kind, cause error, format string, args ...any) error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Cause: cause}
}

// KindOf classifies err. Errors from outside this module report KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Is reports whether err carries the given kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// IsFatal reports whether err must terminate the session it occurred on.
// Argument contract violations are local and leave the session usable.
func IsFatal(err error) bool {
	switch KindOf(err) {
	case KindVersionMismatch, KindUnknownFunction, KindUnknownStructTag,
		KindMalformed, KindUnmappedHandle, KindTransportFailure:
		return true
	default:
		return false
	}
}
