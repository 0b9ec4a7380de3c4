package session

import (
	"xrlink/rpcerror"
	"xrlink/wire"
)

// DispatchFunc turns one Call body into one Return body. A returned error is
// protocol-fatal (unknown function ID, malformed arguments): the session is
// faulted and closed, nothing is sent back.
type DispatchFunc func(body []byte) ([]byte, error)

// Serve runs the acceptor's receive loop until the peer closes, the
// transport fails, or a protocol error kills the session. Calls are handled
// strictly one at a time — the lock-step contract means the peer cannot have
// a second call in flight anyway. Sync requests are answered with the local
// clock; extension messages go to their registered handlers.
func (s *Session) Serve(dispatch DispatchFunc) error {
	if s.side != roleAcceptor {
		return rpcerror.New(rpcerror.KindSessionState, "only the acceptor serves calls")
	}
	if st := s.State(); st != Ready {
		return s.stateError("serve", st)
	}

	for {
		mt, body, err := wire.ReadMessage(s.tr)
		if err != nil {
			s.fault(err)
			return err
		}

		switch {
		case mt == wire.MsgTypeCall:
			s.setState(Calling)
			resp, err := dispatch(body)
			if err != nil {
				s.fault(err)
				return err
			}
			if err := wire.WriteMessage(s.tr, wire.MsgTypeReturn, resp); err != nil {
				s.fault(err)
				return err
			}
			s.setState(Ready)

		case mt == wire.MsgTypeSyncRequest:
			if err := s.RespondSync(body); err != nil {
				return err
			}

		case mt == wire.MsgTypeClose:
			s.teardown(Closed, nil)
			s.log.Debug("peer closed the session")
			return nil

		case mt >= wire.MsgTypeExtensionBase:
			if err := s.dispatchExtension(mt, body); err != nil {
				s.fault(err)
				return err
			}

		default:
			err := rpcerror.New(rpcerror.KindMalformed, "unexpected %s message from the initiator", mt)
			s.fault(err)
			return err
		}
	}
}
