// Package session orchestrates one connection's message exchange: handshake,
// lock-step call/return cycles, clock synchronization and teardown.
//
// The protocol is strictly half-duplex. A session admits exactly one call in
// flight; the matching Return is identified by stream order alone, so a
// second call must not touch the wire before the first one's Return arrives.
// One mutex serializes handshake, sync exchanges and calls — a sync racing an
// about-to-be-sent call simply runs first ("drain pending sync before
// starting a call").
//
// Sessions share nothing mutable: each owns its transport, its handle table
// and its clock offset. The descriptor table is frozen and shared.
package session

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"xrlink/codec"
	"xrlink/handle"
	"xrlink/rpcerror"
	"xrlink/schema"
	"xrlink/transport"
	"xrlink/wire"
)

// State is the session's protocol state.
type State int32

const (
	Disconnected State = iota
	Handshaking
	Ready
	Calling
	Closed
	Faulted
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Handshaking:
		return "handshaking"
	case Ready:
		return "ready"
	case Calling:
		return "calling"
	case Closed:
		return "closed"
	case Faulted:
		return "faulted"
	default:
		return "invalid"
	}
}

type role uint8

const (
	roleInitiator role = iota
	roleAcceptor
)

// MessageHandler consumes one extension message. Handlers run on the
// session's receive path; returning an error faults the session.
//
// The receive path includes the window where a call is in flight: the peer
// may push an extension message between a Call and its Return, and the
// handler runs before the Return is awaited further. Local sends are the
// asymmetric case — SendMessage requires Ready, because a local send while
// this end is mid-call would share the wire with the call's own exchange.
type MessageHandler func(s *Session, mt wire.MsgType, body []byte) error

// Options tune a session. The zero value is usable.
type Options struct {
	Logger *logrus.Logger

	// SyncInterval bounds how often the initiator refreshes its clock
	// offset. Zero means DefaultSyncInterval.
	SyncInterval time.Duration

	// Clock supplies monotonic nanoseconds. Nil means the process default.
	// Tests inject deterministic clocks here.
	Clock func() int64
}

// DefaultSyncInterval keeps clock drift bounded without measurable traffic.
const DefaultSyncInterval = 2 * time.Second

var processStart = time.Now()

func monotonicNow() int64 {
	return int64(time.Since(processStart))
}

// Session is one handshake-to-close lifetime of a connection.
type Session struct {
	tr      transport.Transport
	table   *schema.Table
	handles *handle.Table
	side    role
	clock   func() int64
	log     *logrus.Entry

	// mu serializes every round-trip on the wire: handshake, sync, call.
	mu sync.Mutex

	state       atomic.Int32
	clockOffset atomic.Int64 // acceptor clock minus initiator clock

	faultMu  sync.Mutex
	faultErr error

	syncGate *rate.Limiter

	handlerMu sync.Mutex
	handlers  map[wire.MsgType]MessageHandler
}

// NewInitiator builds the dialing side of a session. Its handle tokens are
// minted in the initiator token space and its timestamps are rebased onto
// the acceptor's clock.
func NewInitiator(tr transport.Transport, table *schema.Table, opts Options) *Session {
	return newSession(tr, table, opts, roleInitiator)
}

// NewAcceptor builds the accepting side. The acceptor is the time authority:
// it never rebases timestamps and answers SyncRequests with its own clock.
func NewAcceptor(tr transport.Transport, table *schema.Table, opts Options) *Session {
	return newSession(tr, table, opts, roleAcceptor)
}

func newSession(tr transport.Transport, table *schema.Table, opts Options, side role) *Session {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	clock := opts.Clock
	if clock == nil {
		clock = monotonicNow
	}
	interval := opts.SyncInterval
	if interval == 0 {
		interval = DefaultSyncInterval
	}
	mintBase := uint64(0)
	roleName := "acceptor"
	if side == roleInitiator {
		mintBase = handle.InitiatorMintBase
		roleName = "initiator"
	}

	s := &Session{
		tr:       tr,
		table:    table,
		handles:  handle.NewTable(mintBase),
		side:     side,
		clock:    clock,
		syncGate: rate.NewLimiter(rate.Every(interval), 1),
		handlers: make(map[wire.MsgType]MessageHandler),
		log: logger.WithFields(logrus.Fields{
			"remote": tr.RemoteAddr(),
			"role":   roleName,
		}),
	}
	s.state.Store(int32(Disconnected))
	return s
}

// State reports the current protocol state.
func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) setState(st State) {
	s.state.Store(int32(st))
}

// Handles exposes the session's handle table for bind/release at the
// marshalling layer.
func (s *Session) Handles() *handle.Table {
	return s.handles
}

// Table exposes the shared descriptor table.
func (s *Session) Table() *schema.Table {
	return s.table
}

// ClockOffset reports the current estimate of acceptor-clock minus
// local-clock, in nanoseconds. Always zero on the acceptor.
func (s *Session) ClockOffset() int64 {
	return s.clockOffset.Load()
}

// FaultReason reports why the session faulted, or nil.
func (s *Session) FaultReason() error {
	s.faultMu.Lock()
	defer s.faultMu.Unlock()
	return s.faultErr
}

// RemoteAddr describes the peer.
func (s *Session) RemoteAddr() string {
	return s.tr.RemoteAddr()
}

// Env builds the codec translation context for this session. adopt selects
// the return-path inbound handle mode, where tokens not yet mapped mint a
// fresh local handle and are bound before the call completes.
func (s *Session) Env(adopt bool) *codec.Env {
	var handles codec.HandleTranslator = s.handles
	if adopt {
		handles = s.handles.Adopting()
	}
	return &codec.Env{Handles: handles, Clock: s, Structs: s.table}
}

// TimeOutbound implements codec.ClockTranslator: local nanoseconds rebased
// onto the peer's timebase on the way out.
func (s *Session) TimeOutbound(ns int64) int64 {
	if s.side == roleAcceptor {
		return ns
	}
	return ns + s.clockOffset.Load()
}

// TimeInbound rebases a received timestamp onto the local clock.
func (s *Session) TimeInbound(ns int64) int64 {
	if s.side == roleAcceptor {
		return ns
	}
	return ns - s.clockOffset.Load()
}

// Handshake runs the greeting exchange for this session's role: the
// initiator sends first, the acceptor answers. A revision mismatch faults
// the session; there is no fallback negotiation.
func (s *Session) Handshake() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if st := s.State(); st != Disconnected {
		return rpcerror.New(rpcerror.KindSessionState, "handshake in state %s", st)
	}
	s.setState(Handshaking)

	ours := wire.EncodeGreeting(wire.Greeting{Revision: s.table.Revision()})

	if s.side == roleInitiator {
		if err := wire.WriteMessage(s.tr, wire.MsgTypeHandshake, ours); err != nil {
			s.fault(err)
			return err
		}
	}

	mt, body, err := wire.ReadMessage(s.tr)
	if err != nil {
		s.fault(err)
		return err
	}
	if mt != wire.MsgTypeHandshake {
		err := rpcerror.New(rpcerror.KindMalformed, "expected handshake, got %s", mt)
		s.fault(err)
		return err
	}
	theirs, err := wire.DecodeGreeting(body)
	if err != nil {
		s.fault(err)
		return err
	}

	// The acceptor answers before verifying, so a mismatched initiator
	// still receives the diagnostic revision instead of a dead socket.
	if s.side == roleAcceptor {
		if err := wire.WriteMessage(s.tr, wire.MsgTypeHandshake, ours); err != nil {
			s.fault(err)
			return err
		}
	}

	if theirs.Revision != s.table.Revision() {
		err := rpcerror.New(rpcerror.KindVersionMismatch,
			"peer speaks revision %d, this build speaks %d", theirs.Revision, s.table.Revision())
		s.fault(err)
		return err
	}

	s.setState(Ready)
	s.log.WithField("revision", theirs.Revision).Debug("session established")
	return nil
}

// RoundTrip sends one Call body and blocks until the matching Return body
// arrives. A due clock sync is drained first, before the call touches the
// wire. Any transport or framing failure while the call is in flight faults
// the session and unblocks the caller — the call's remote side effects are
// unknown, so nothing here retries.
func (s *Session) RoundTrip(body []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if st := s.State(); st != Ready {
		return nil, s.stateError("call", st)
	}

	if s.side == roleInitiator && s.syncGate.Allow() {
		if err := s.syncLocked(); err != nil {
			return nil, err
		}
	}

	s.setState(Calling)
	if err := wire.WriteMessage(s.tr, wire.MsgTypeCall, body); err != nil {
		s.fault(err)
		return nil, err
	}

	for {
		mt, resp, err := wire.ReadMessage(s.tr)
		if err != nil {
			s.fault(err)
			return nil, err
		}
		switch {
		case mt == wire.MsgTypeReturn:
			s.setState(Ready)
			return resp, nil

		case mt == wire.MsgTypeClose:
			err := rpcerror.New(rpcerror.KindTransportFailure, "peer closed the session during a call")
			s.teardown(Closed, err)
			return nil, err

		case mt >= wire.MsgTypeExtensionBase:
			if err := s.dispatchExtension(mt, resp); err != nil {
				s.fault(err)
				return nil, err
			}

		default:
			// Strict lock-step: nothing but the Return is valid here.
			err := rpcerror.New(rpcerror.KindMalformed, "unexpected %s message while a call is in flight", mt)
			s.fault(err)
			return nil, err
		}
	}
}

// Sync forces a clock synchronization exchange now, outside the periodic
// cadence. Initiator only; valid in Ready.
func (s *Session) Sync() error {
	if s.side != roleInitiator {
		return rpcerror.New(rpcerror.KindSessionState, "only the initiator samples the peer clock")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if st := s.State(); st != Ready {
		return s.stateError("sync", st)
	}
	return s.syncLocked()
}

// syncLocked runs one timestamp exchange and stores the offset estimate.
// The peer's sample is assumed to sit at the round-trip midpoint; the
// estimate is additive only and refreshed on the syncGate cadence.
func (s *Session) syncLocked() error {
	t0 := s.clock()
	if err := wire.WriteMessage(s.tr, wire.MsgTypeSyncRequest, wire.EncodeTimestamp(t0)); err != nil {
		s.fault(err)
		return err
	}

	for {
		mt, body, err := wire.ReadMessage(s.tr)
		if err != nil {
			s.fault(err)
			return err
		}
		switch {
		case mt == wire.MsgTypeSyncResponse:
			theirs, err := wire.DecodeTimestamp(body)
			if err != nil {
				s.fault(err)
				return err
			}
			t1 := s.clock()
			midpoint := t0 + (t1-t0)/2
			offset := theirs - midpoint
			s.clockOffset.Store(offset)
			s.log.WithFields(logrus.Fields{
				"offset_ns": offset,
				"rtt_ns":    t1 - t0,
			}).Debug("clock offset updated")
			return nil

		case mt == wire.MsgTypeClose:
			err := rpcerror.New(rpcerror.KindTransportFailure, "peer closed the session during sync")
			s.teardown(Closed, err)
			return err

		case mt >= wire.MsgTypeExtensionBase:
			if err := s.dispatchExtension(mt, body); err != nil {
				s.fault(err)
				return err
			}

		default:
			err := rpcerror.New(rpcerror.KindMalformed, "unexpected %s message during sync", mt)
			s.fault(err)
			return err
		}
	}
}

// RespondSync answers one SyncRequest with the local clock. Acceptor read
// loops call this; the request body is validated but its timestamp is only
// the peer's business.
func (s *Session) RespondSync(body []byte) error {
	if _, err := wire.DecodeTimestamp(body); err != nil {
		s.fault(err)
		return err
	}
	if err := wire.WriteMessage(s.tr, wire.MsgTypeSyncResponse, wire.EncodeTimestamp(s.clock())); err != nil {
		s.fault(err)
		return err
	}
	return nil
}

// RegisterHandler installs an extension message handler. Core message types
// cannot be overridden. Install handlers before the session carries traffic.
func (s *Session) RegisterHandler(mt wire.MsgType, h MessageHandler) error {
	if mt < wire.MsgTypeExtensionBase || mt >= wire.MsgTypeExtensionLimit {
		return rpcerror.New(rpcerror.KindArgumentContract, "message type %d is reserved for the core protocol", mt)
	}
	s.handlerMu.Lock()
	defer s.handlerMu.Unlock()
	s.handlers[mt] = h
	return nil
}

// SendMessage sends one extension message. Valid in Ready only; it shares
// the round-trip mutex, so it can never interleave with a call's bytes.
func (s *Session) SendMessage(mt wire.MsgType, body []byte) error {
	if mt < wire.MsgTypeExtensionBase || mt >= wire.MsgTypeExtensionLimit {
		return rpcerror.New(rpcerror.KindArgumentContract, "message type %d is reserved for the core protocol", mt)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if st := s.State(); st != Ready {
		return s.stateError("send", st)
	}
	if err := wire.WriteMessage(s.tr, mt, body); err != nil {
		s.fault(err)
		return err
	}
	return nil
}

func (s *Session) dispatchExtension(mt wire.MsgType, body []byte) error {
	s.handlerMu.Lock()
	h, ok := s.handlers[mt]
	s.handlerMu.Unlock()
	if !ok {
		return rpcerror.New(rpcerror.KindMalformed, "no handler registered for extension message type %d", mt)
	}
	return h(s, mt, body)
}

// Close tears the session down in an orderly way, telling the peer first.
// Safe to call in any state.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.State() {
	case Closed, Faulted, Disconnected:
		return nil
	}
	// Best effort: the peer may already be gone.
	_ = wire.WriteMessage(s.tr, wire.MsgTypeClose, nil)
	s.teardown(Closed, nil)
	s.log.Debug("session closed")
	return nil
}

// Fault kills the session, recording the first cause. Handle mappings are
// discarded atomically with the session; a caller blocked in a call is
// unblocked by the transport close.
func (s *Session) Fault(err error) {
	s.fault(err)
}

func (s *Session) fault(err error) {
	s.log.WithError(err).Warn("session faulted")
	s.teardown(Faulted, err)
}

func (s *Session) teardown(st State, cause error) {
	s.faultMu.Lock()
	if s.faultErr == nil {
		s.faultErr = cause
	}
	s.faultMu.Unlock()

	s.setState(st)
	s.handles.DiscardAll()
	_ = s.tr.Close()
}

func (s *Session) stateError(op string, st State) error {
	if cause := s.FaultReason(); cause != nil {
		return rpcerror.Wrap(rpcerror.KindSessionState, cause, "cannot %s in state %s", op, st)
	}
	return rpcerror.New(rpcerror.KindSessionState, "cannot %s in state %s", op, st)
}
