package transport

import (
	"io"
	"net"
	"sync"
)

// TCP adapts a net.Conn to the Transport contract.
//
// A write mutex serializes Send so that two goroutines sharing one transport
// (a caller and the sync loop) cannot interleave their bytes on the stream.
// Reads are not locked: the session is the single reader by construction.
type TCP struct {
	conn    net.Conn
	writeMu sync.Mutex
}

// DialTCP connects to addr and wraps the connection.
func DialTCP(addr string) (*TCP, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, failure(err, "dial "+addr)
	}
	return NewTCP(conn), nil
}

// NewTCP wraps an already-connected stream (the server's accept path).
func NewTCP(conn net.Conn) *TCP {
	return &TCP{conn: conn}
}

func (t *TCP) Send(p []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if _, err := t.conn.Write(p); err != nil {
		return failure(err, "send")
	}
	return nil
}

func (t *TCP) ReceiveExact(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(t.conn, buf); err != nil {
		return nil, failure(err, "receive")
	}
	return buf, nil
}

func (t *TCP) Close() error {
	return t.conn.Close()
}

func (t *TCP) RemoteAddr() string {
	return t.conn.RemoteAddr().String()
}
