// Package client is the calling side's convenience layer: it owns a pool of
// independent sessions to one runtime endpoint and routes calls through the
// marshaller.
//
// Sessions share no state. In particular a handle is only meaningful on the
// session that bound it, so a sequence of calls that passes handles around
// must run on one session: Acquire/Release for such sequences, or size the
// pool at one. Call is safe for handle-free traffic at any pool size.
package client

import (
	"sync"

	"xrlink/codec"
	"xrlink/marshal"
	"xrlink/rpcerror"
	"xrlink/schema"
	"xrlink/session"
	"xrlink/transport"
	"xrlink/wire"
)

// Client manages sessions to a single address. Sessions are created lazily
// up to the pool size; a faulted session is discarded on release and its
// slot refilled on the next demand.
type Client struct {
	addr     string
	table    *schema.Table
	opts     session.Options
	poolSize int

	mu       sync.Mutex
	sessions chan *session.Session
	current  int
	closed   bool
}

// Dial prepares a client for addr. No connection is made until the first
// Acquire or Call; a dead endpoint surfaces there.
func Dial(addr string, table *schema.Table, poolSize int, opts session.Options) *Client {
	if poolSize <= 0 {
		poolSize = 1
	}
	return &Client{
		addr:     addr,
		table:    table,
		opts:     opts,
		poolSize: poolSize,
		sessions: make(chan *session.Session, poolSize),
	}
}

// Acquire borrows one ready session, connecting a new one when the pool has
// room. Blocks when every session is out.
func (c *Client) Acquire() (*session.Session, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, rpcerror.New(rpcerror.KindSessionState, "client is closed")
	}
	c.mu.Unlock()

	select {
	case s := <-c.sessions:
		return s, nil
	default:
	}

	c.mu.Lock()
	if c.current < c.poolSize {
		c.current++
		c.mu.Unlock()
		s, err := c.connect()
		if err != nil {
			c.mu.Lock()
			c.current--
			c.mu.Unlock()
			return nil, err
		}
		return s, nil
	}
	c.mu.Unlock()

	// Pool is at capacity; wait for a session to come back.
	return <-c.sessions, nil
}

// Release returns a session to the pool. A session that is no longer Ready
// is closed and its slot freed — the next Acquire dials a replacement.
func (c *Client) Release(s *session.Session) {
	if s.State() != session.Ready {
		s.Close()
		c.mu.Lock()
		c.current--
		c.mu.Unlock()
		return
	}
	c.sessions <- s
}

// Call invokes one function by ID on a pooled session. args and outs follow
// the marshal.Call contract.
func (c *Client) Call(id uint32, args []codec.Value, outs []*codec.Value) (wire.Status, error) {
	fd, err := c.table.Lookup(id)
	if err != nil {
		return 0, err
	}
	s, err := c.Acquire()
	if err != nil {
		return 0, err
	}
	defer c.Release(s)
	return marshal.Call(s, fd, args, outs)
}

func (c *Client) connect() (*session.Session, error) {
	tr, err := transport.DialTCP(c.addr)
	if err != nil {
		return nil, err
	}
	s := session.NewInitiator(tr, c.table, c.opts)
	if err := s.Handshake(); err != nil {
		return nil, err
	}
	return s, nil
}

// Close tears down every pooled session. Sessions currently out on loan are
// the borrower's to close.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	for {
		select {
		case s := <-c.sessions:
			s.Close()
			c.mu.Lock()
			c.current--
			c.mu.Unlock()
		default:
			return
		}
	}
}
