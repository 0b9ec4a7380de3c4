// Package server implements the executing side: it accepts transports,
// handshakes a session per connection, decodes incoming calls against the
// descriptor table, runs the registered native handler through the
// middleware chain, and encodes the results back.
//
// Request processing pipeline:
//
//	Accept conn → session handshake → session.Serve (one call at a time)
//	  → decode funcID + in/inout args → Middleware Chain → handler
//	  → encode status + out/inout results → Return
package server

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"xrlink/call"
	"xrlink/codec"
	"xrlink/middleware"
	"xrlink/rpcerror"
	"xrlink/schema"
	"xrlink/session"
	"xrlink/transport"
	"xrlink/wire"
)

// Server hosts the native implementation behind the wire protocol.
type Server struct {
	table       *schema.Table
	handlers    map[uint32]middleware.HandlerFunc
	middlewares []middleware.Middleware
	handler     middleware.HandlerFunc // built once, at serve time
	logger      *logrus.Logger
	sessOpts    session.Options

	listener net.Listener
	wg       sync.WaitGroup // in-flight calls, for graceful shutdown
	shutdown atomic.Bool
}

// NewServer creates a server over a frozen descriptor table.
func NewServer(table *schema.Table) *Server {
	return &Server{
		table:    table,
		handlers: make(map[uint32]middleware.HandlerFunc),
		logger:   logrus.StandardLogger(),
	}
}

// SetLogger replaces the default logger. Call before Serve.
func (svr *Server) SetLogger(logger *logrus.Logger) {
	svr.logger = logger
	svr.sessOpts.Logger = logger
}

// Use registers a middleware. Middlewares run in registration order,
// outermost first.
func (svr *Server) Use(mw middleware.Middleware) {
	svr.middlewares = append(svr.middlewares, mw)
}

// Register installs the native handler for one function ID. The ID must
// exist in the descriptor table — a handler for an unknown function is a
// wiring bug worth failing loudly on.
func (svr *Server) Register(id uint32, h middleware.HandlerFunc) error {
	fd, err := svr.table.Lookup(id)
	if err != nil {
		return fmt.Errorf("server: registering handler for unknown function id %d", id)
	}
	if _, dup := svr.handlers[id]; dup {
		return fmt.Errorf("server: duplicate handler for %s (id %d)", fd.Name, id)
	}
	svr.handlers[id] = h
	return nil
}

// Serve listens on the given address and hosts one session per connection
// until Shutdown.
func (svr *Server) Serve(network, address string) error {
	listener, err := net.Listen(network, address)
	if err != nil {
		return err
	}
	svr.listener = listener
	svr.buildChain()

	for {
		conn, err := listener.Accept()
		if err != nil {
			// Shutdown closes the listener; that Accept error is expected.
			if svr.shutdown.Load() {
				return nil
			}
			return err
		}
		go svr.serveConn(conn)
	}
}

// ServeTransport hosts one already-connected transport (a websocket upgrade,
// a test pipe) for its whole session lifetime.
func (svr *Server) ServeTransport(tr transport.Transport) error {
	if svr.handler == nil {
		svr.buildChain()
	}
	sess := session.NewAcceptor(tr, svr.table, svr.sessOpts)
	if err := sess.Handshake(); err != nil {
		return err
	}
	defer sess.Close()
	return sess.Serve(func(body []byte) ([]byte, error) {
		svr.wg.Add(1)
		defer svr.wg.Done()
		return svr.dispatch(sess, body)
	})
}

func (svr *Server) serveConn(conn net.Conn) {
	if err := svr.ServeTransport(transport.NewTCP(conn)); err != nil {
		svr.logger.WithError(err).WithField("remote", conn.RemoteAddr()).Warn("session ended with error")
	}
}

func (svr *Server) buildChain() {
	// Chain wraps in reverse so registration order runs outermost first.
	svr.handler = middleware.Chain(svr.middlewares...)(svr.invokeHandler)
}

// dispatch processes one Call body: lookup, decode, chain, encode.
// A returned error is protocol-fatal and kills the session.
func (svr *Server) dispatch(sess *session.Session, body []byte) ([]byte, error) {
	r := codec.NewReader(body)

	idVal, err := codec.Decode(r, codec.Uint32Desc, nil)
	if err != nil {
		return nil, err
	}
	fd, err := svr.table.Lookup(idVal.AsU32())
	if err != nil {
		return nil, err // build skew; close the connection, never guess
	}

	args, err := svr.decodeArgs(sess, fd, r)
	if err != nil {
		return nil, err
	}

	resp := svr.handler(context.Background(), &call.Request{Desc: fd, Args: args})
	if !svr.validResponse(fd, resp) {
		svr.logger.WithField("func", fd.Name).Error("handler response disagrees with descriptor")
		resp = call.Failure(fd, wire.StatusRuntimeFailure)
	}

	if fd.DestroysHandle && resp.Status.Ok() {
		svr.releaseDestroyed(sess, fd, args)
	}

	return svr.encodeReturn(sess, fd, resp)
}

// decodeArgs scatters the Call body into a full ordered argument list.
// Handles arrive as tokens and are translated strictly: a token this session
// never minted means the two ends have diverged.
func (svr *Server) decodeArgs(sess *session.Session, fd *schema.FuncDesc, r *codec.Reader) ([]codec.Value, error) {
	env := sess.Env(false)
	args := make([]codec.Value, len(fd.Params))
	for i, p := range fd.Params {
		if !p.Dir.Outbound() {
			args[i] = codec.Zero(p.Type)
			continue
		}
		v, err := codec.Decode(r, p.Type, env)
		if err != nil {
			return nil, rpcerror.Wrap(rpcerror.KindOf(err), err, "%s parameter %s", fd.Name, p.Name)
		}
		args[i] = v
	}
	if r.Remaining() != 0 {
		return nil, rpcerror.New(rpcerror.KindMalformed,
			"%s: %d trailing bytes after the last declared parameter", fd.Name, r.Remaining())
	}
	return args, nil
}

func (svr *Server) encodeReturn(sess *session.Session, fd *schema.FuncDesc, resp *call.Response) ([]byte, error) {
	var buf bytes.Buffer
	env := sess.Env(false)
	if err := codec.Encode(&buf, codec.I32(int32(resp.Status)), codec.Int32Desc, nil); err != nil {
		return nil, err
	}
	slot := 0
	for _, p := range fd.Params {
		if !p.Dir.Inbound() {
			continue
		}
		if err := codec.Encode(&buf, resp.Outs[slot], p.Type, env); err != nil {
			return nil, rpcerror.Wrap(rpcerror.KindOf(err), err, "%s result %s", fd.Name, p.Name)
		}
		slot++
	}
	return buf.Bytes(), nil
}

// invokeHandler is the innermost layer of the chain: route by function ID.
func (svr *Server) invokeHandler(ctx context.Context, req *call.Request) *call.Response {
	h, ok := svr.handlers[req.Desc.ID]
	if !ok {
		// The descriptor exists but no native implementation was wired in.
		return call.Failure(req.Desc, wire.StatusFunctionUnsupported)
	}
	return h(ctx, req)
}

func (svr *Server) validResponse(fd *schema.FuncDesc, resp *call.Response) bool {
	if resp == nil || len(resp.Outs) != fd.InboundCount() {
		return false
	}
	slot := 0
	for _, p := range fd.Params {
		if !p.Dir.Inbound() {
			continue
		}
		if resp.Outs[slot].Kind != p.Type.Kind {
			return false
		}
		slot++
	}
	return true
}

func (svr *Server) releaseDestroyed(sess *session.Session, fd *schema.FuncDesc, args []codec.Value) {
	for i, p := range fd.Params {
		if p.Dir == schema.DirIn && p.Type.Kind == codec.KindHandle {
			sess.Handles().Release(args[i].Handle)
			return
		}
	}
}

// Shutdown stops accepting connections and waits for in-flight calls.
func (svr *Server) Shutdown(timeout time.Duration) error {
	// Flag before close, so Serve reads the Accept error as intentional.
	svr.shutdown.Store(true)
	if svr.listener != nil {
		svr.listener.Close()
	}

	done := make(chan struct{})
	go func() {
		svr.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("timeout waiting for in-flight calls to finish")
	}
}
