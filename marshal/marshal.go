// Package marshal implements the function-call marshalling discipline: which
// arguments travel outbound in a Call message, and which travel back in the
// Return.
//
// The discipline is fixed by the function's descriptor: in and inout
// parameters are encoded into the Call, in declared order; the Return
// carries a status code followed by the out and inout parameters, again in
// declared order. in-only parameters are never echoed back.
package marshal

import (
	"bytes"
	"encoding/binary"

	"xrlink/codec"
	"xrlink/rpcerror"
	"xrlink/schema"
	"xrlink/session"
	"xrlink/wire"
)

// Call invokes fd across sess and blocks for the result.
//
// args holds one value per declared parameter, in order; entries for
// out-only parameters are ignored. outs holds one caller-supplied slot per
// out/inout parameter, in declaration order — results are scattered into
// them before Call returns. Freshly created handles are bound into the
// session's handle table during the scatter, so a subsequent call may use
// them immediately; a successful destroy call releases its handle's mapping.
//
// The returned status is only meaningful when err is nil. Argument mismatch
// is reported before any bytes are sent and leaves the session usable; every
// wire-level failure faults the session.
func Call(sess *session.Session, fd *schema.FuncDesc, args []codec.Value, outs []*codec.Value) (wire.Status, error) {
	if err := validate(fd, args, outs); err != nil {
		return 0, err
	}

	body, err := encodeCall(sess, fd, args)
	if err != nil {
		return 0, err
	}

	resp, err := sess.RoundTrip(body)
	if err != nil {
		return 0, err
	}

	status, err := decodeReturn(sess, fd, resp, outs)
	if err != nil {
		// The stream no longer matches the descriptor; the session cannot
		// tell where the next message starts.
		sess.Fault(err)
		return 0, err
	}

	if fd.DestroysHandle && status.Ok() {
		releaseDestroyed(sess, fd, args)
	}
	return status, nil
}

func validate(fd *schema.FuncDesc, args []codec.Value, outs []*codec.Value) error {
	if len(args) != len(fd.Params) {
		return rpcerror.New(rpcerror.KindArgumentContract,
			"%s takes %d parameters, got %d arguments", fd.Name, len(fd.Params), len(args))
	}
	if want := fd.InboundCount(); len(outs) != want {
		return rpcerror.New(rpcerror.KindArgumentContract,
			"%s returns %d out/inout values, got %d output slots", fd.Name, want, len(outs))
	}
	for i := range outs {
		if outs[i] == nil {
			return rpcerror.New(rpcerror.KindArgumentContract,
				"%s: output slot %d is nil", fd.Name, i)
		}
	}
	for i, p := range fd.Params {
		if !p.Dir.Outbound() {
			continue
		}
		if args[i].Kind != p.Type.Kind {
			return rpcerror.New(rpcerror.KindArgumentContract,
				"%s parameter %s: want %s, got %s", fd.Name, p.Name, p.Type.Kind, args[i].Kind)
		}
	}
	return nil
}

// encodeCall builds the Call body: function ID, then each in/inout argument.
// Handles are translated outbound and timestamps rebased as they pass the
// codec boundary.
func encodeCall(sess *session.Session, fd *schema.FuncDesc, args []codec.Value) ([]byte, error) {
	var buf bytes.Buffer
	var id [4]byte
	binary.BigEndian.PutUint32(id[:], fd.ID)
	buf.Write(id[:])

	env := sess.Env(false)
	for i, p := range fd.Params {
		if !p.Dir.Outbound() {
			continue
		}
		if err := codec.Encode(&buf, args[i], p.Type, env); err != nil {
			return nil, rpcerror.Wrap(rpcerror.KindOf(err), err, "%s parameter %s", fd.Name, p.Name)
		}
	}
	return buf.Bytes(), nil
}

// decodeReturn parses status + out/inout values and scatters them into the
// caller's slots. Creation calls decode handles in adopting mode, minting and
// binding a local handle for the fresh token before Call returns. Every other
// call translates inbound handles strictly: a token this session never minted
// means the two ends have diverged, and substituting a handle would mask it.
func decodeReturn(sess *session.Session, fd *schema.FuncDesc, resp []byte, outs []*codec.Value) (wire.Status, error) {
	r := codec.NewReader(resp)

	statusVal, err := codec.Decode(r, codec.Int32Desc, nil)
	if err != nil {
		return 0, rpcerror.Wrap(rpcerror.KindOf(err), err, "%s status", fd.Name)
	}
	status := wire.Status(statusVal.AsI32())

	env := sess.Env(fd.CreatesHandle)
	slot := 0
	for _, p := range fd.Params {
		if !p.Dir.Inbound() {
			continue
		}
		v, err := codec.Decode(r, p.Type, env)
		if err != nil {
			return 0, rpcerror.Wrap(rpcerror.KindOf(err), err, "%s result %s", fd.Name, p.Name)
		}
		*outs[slot] = v
		slot++
	}

	if r.Remaining() != 0 {
		return 0, rpcerror.New(rpcerror.KindMalformed,
			"%s: %d trailing bytes after the last declared result", fd.Name, r.Remaining())
	}
	return status, nil
}

// releaseDestroyed drops the mapping of the first in-direction handle
// parameter. Release is idempotent, so a repeated destroy on a retried
// application path stays harmless.
func releaseDestroyed(sess *session.Session, fd *schema.FuncDesc, args []codec.Value) {
	for i, p := range fd.Params {
		if p.Dir == schema.DirIn && p.Type.Kind == codec.KindHandle {
			sess.Handles().Release(args[i].Handle)
			return
		}
	}
}
