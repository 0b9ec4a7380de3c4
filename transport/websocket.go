package transport

import (
	"sync"

	"github.com/gorilla/websocket"
)

// WebSocket adapts a gorilla websocket connection to the byte-stream contract.
//
// Websocket frames are message-oriented; ReceiveExact re-linearizes them into
// a stream by buffering the unconsumed tail of the last binary message. One
// wire message may span several websocket frames and vice versa — the session
// never notices either way.
type WebSocket struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	rest    []byte // unread tail of the last received frame
}

// DialWebSocket connects to a ws:// or wss:// URL and wraps the connection.
func DialWebSocket(url string) (*WebSocket, error) {
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, failure(err, "dial "+url)
	}
	return NewWebSocket(conn), nil
}

// NewWebSocket wraps an already-upgraded connection (the server's HTTP
// upgrade path hands its *websocket.Conn here).
func NewWebSocket(conn *websocket.Conn) *WebSocket {
	return &WebSocket{conn: conn}
}

func (w *WebSocket) Send(p []byte) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	if err := w.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return failure(err, "send")
	}
	return nil
}

func (w *WebSocket) ReceiveExact(n int) ([]byte, error) {
	for len(w.rest) < n {
		kind, data, err := w.conn.ReadMessage()
		if err != nil {
			return nil, failure(err, "receive")
		}
		if kind != websocket.BinaryMessage {
			continue // control/text frames carry no wire bytes
		}
		w.rest = append(w.rest, data...)
	}
	out := w.rest[:n:n]
	w.rest = w.rest[n:]
	return out, nil
}

func (w *WebSocket) Close() error {
	return w.conn.Close()
}

func (w *WebSocket) RemoteAddr() string {
	return w.conn.RemoteAddr().String()
}
