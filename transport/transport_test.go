package transport

import (
	"bytes"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"

	"xrlink/rpcerror"
)

func TestTCPSendReceive(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	left, right := NewTCP(a), NewTCP(b)

	go func() {
		left.Send([]byte{1, 2, 3})
		left.Send([]byte{4, 5})
	}()

	// Exact-length receives re-slice the stream however the caller likes.
	got, err := right.ReceiveExact(4)
	if err != nil {
		t.Fatalf("ReceiveExact failed: %v", err)
	}
	if !bytes.Equal(got, []byte{1, 2, 3, 4}) {
		t.Fatalf("got % x", got)
	}
	got, err = right.ReceiveExact(1)
	if err != nil || got[0] != 5 {
		t.Fatalf("tail byte: % x, %v", got, err)
	}
}

func TestTCPClosedPeerIsTransportFailure(t *testing.T) {
	a, b := net.Pipe()
	defer b.Close()
	right := NewTCP(b)

	a.Close()
	if _, err := right.ReceiveExact(1); !rpcerror.Is(err, rpcerror.KindTransportFailure) {
		t.Fatalf("want transport-failure, got %v", err)
	}
	if err := right.Send([]byte{1}); !rpcerror.Is(err, rpcerror.KindTransportFailure) {
		t.Fatalf("want transport-failure on send, got %v", err)
	}
}

func TestTCPShortFinalReadIsTransportFailure(t *testing.T) {
	a, b := net.Pipe()
	defer b.Close()
	right := NewTCP(b)

	go func() {
		a.Write([]byte{1, 2})
		a.Close()
	}()
	if _, err := right.ReceiveExact(8); !rpcerror.Is(err, rpcerror.KindTransportFailure) {
		t.Fatalf("want transport-failure for short read, got %v", err)
	}
}

var upgrader = websocket.Upgrader{}

// wsEchoServer upgrades each request and echoes binary messages back,
// splitting every payload into single-byte frames to stress reassembly.
func wsEchoServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			kind, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if kind != websocket.BinaryMessage {
				continue
			}
			for _, b := range data {
				if err := conn.WriteMessage(websocket.BinaryMessage, []byte{b}); err != nil {
					return
				}
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestWebSocketReassemblesFramesIntoStream(t *testing.T) {
	srv := wsEchoServer(t)
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	ws, err := DialWebSocket(url)
	if err != nil {
		t.Fatalf("DialWebSocket failed: %v", err)
	}
	defer ws.Close()

	payload := []byte("stream over frames")
	if err := ws.Send(payload); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	// The echo comes back one byte per frame; read it in mismatched chunks.
	head, err := ws.ReceiveExact(6)
	if err != nil {
		t.Fatalf("ReceiveExact failed: %v", err)
	}
	tail, err := ws.ReceiveExact(len(payload) - 6)
	if err != nil {
		t.Fatalf("ReceiveExact failed: %v", err)
	}
	if got := append(head, tail...); !bytes.Equal(got, payload) {
		t.Fatalf("got %q, want %q", got, payload)
	}
}

func TestWebSocketClosedPeerIsTransportFailure(t *testing.T) {
	srv := wsEchoServer(t)
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	ws, err := DialWebSocket(url)
	if err != nil {
		t.Fatalf("DialWebSocket failed: %v", err)
	}
	ws.Close()
	if _, err := ws.ReceiveExact(1); !rpcerror.Is(err, rpcerror.KindTransportFailure) {
		t.Fatalf("want transport-failure, got %v", err)
	}
}
