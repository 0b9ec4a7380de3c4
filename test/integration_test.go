package test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"xrlink/call"
	"xrlink/client"
	"xrlink/codec"
	"xrlink/marshal"
	"xrlink/middleware"
	"xrlink/schema"
	"xrlink/server"
	"xrlink/session"
	"xrlink/transport"
	"xrlink/wire"
)

// ---- Test schema: a miniature XR-style session API ----

const (
	fnCreateSession    = 1
	fnBeginFrame       = 2
	fnEndFrame         = 3
	fnEnumerateFormats = 4
	fnDestroySession   = 5
	fnPing             = 6
)

var (
	overlayDesc = codec.TaggedStructOf("OverlayCreateInfo", 1001,
		codec.Field("layerCount", codec.Uint32Desc))
	debugDesc = codec.TaggedStructOf("DebugUtilsCreateInfo", 1002,
		codec.Field("verbosity", codec.Uint32Desc))

	createInfoDesc = codec.StructOf("SessionCreateInfo",
		codec.Field("flags", codec.Uint64Desc),
		codec.Field("next", codec.ChainDesc))

	frameStateDesc = codec.StructOf("FrameState",
		codec.Field("predictedDisplayTime", codec.TimestampDesc),
		codec.Field("shouldRender", codec.BoolDesc))
)

func buildTable() *schema.Table {
	tbl := schema.NewTable(3)
	tbl.MustRegisterStruct(overlayDesc)
	tbl.MustRegisterStruct(debugDesc)

	tbl.MustRegisterFunc(&schema.FuncDesc{
		ID: fnCreateSession, Name: "CreateSession",
		Params: []schema.ParamDesc{
			schema.In("createInfo", createInfoDesc),
			schema.Out("session", codec.HandleDesc),
		},
		CreatesHandle: true,
	})
	tbl.MustRegisterFunc(&schema.FuncDesc{
		ID: fnBeginFrame, Name: "BeginFrame",
		Params: []schema.ParamDesc{
			schema.In("session", codec.HandleDesc),
			schema.Out("frameState", frameStateDesc),
		},
	})
	tbl.MustRegisterFunc(&schema.FuncDesc{
		ID: fnEndFrame, Name: "EndFrame",
		Params: []schema.ParamDesc{
			schema.In("session", codec.HandleDesc),
			schema.In("displayTime", codec.TimestampDesc),
			schema.In("layers", codec.ArrayOf(codec.Uint32Desc)),
			schema.Out("frameIndex", codec.Uint32Desc),
		},
	})
	tbl.MustRegisterFunc(&schema.FuncDesc{
		ID: fnEnumerateFormats, Name: "EnumerateFormats",
		Params: []schema.ParamDesc{
			schema.In("session", codec.HandleDesc),
			schema.Out("formats", codec.ArrayOf(codec.Int64Desc)),
		},
	})
	tbl.MustRegisterFunc(&schema.FuncDesc{
		ID: fnDestroySession, Name: "DestroySession",
		Params: []schema.ParamDesc{
			schema.In("session", codec.HandleDesc),
		},
		DestroysHandle: true,
	})
	tbl.MustRegisterFunc(&schema.FuncDesc{
		ID: fnPing, Name: "Ping",
		Params: []schema.ParamDesc{
			schema.In("x", codec.Uint32Desc),
			schema.Out("y", codec.Uint32Desc),
		},
	})
	tbl.Freeze()
	return tbl
}

// ---- The native implementation behind the server ----

type xrRuntime struct {
	mu       sync.Mutex
	next     codec.Handle
	sessions map[codec.Handle]uint64 // handle -> creation flags

	lastChain       []codec.ChainNode
	lastDisplayTime int64
	lastLayers      []uint32
	frames          uint32
}

func newXRRuntime() *xrRuntime {
	return &xrRuntime{sessions: make(map[codec.Handle]uint64)}
}

func (rt *xrRuntime) install(svr *server.Server) {
	svr.Register(fnCreateSession, func(ctx context.Context, req *call.Request) *call.Response {
		rt.mu.Lock()
		defer rt.mu.Unlock()
		rt.next++
		h := rt.next
		rt.sessions[h] = req.Args[0].Fields[0].AsU64()
		rt.lastChain = req.Args[0].Fields[1].Nodes
		return &call.Response{Status: wire.StatusSuccess, Outs: []codec.Value{codec.HandleVal(h)}}
	})
	svr.Register(fnBeginFrame, func(ctx context.Context, req *call.Request) *call.Response {
		rt.mu.Lock()
		defer rt.mu.Unlock()
		flags, ok := rt.sessions[req.Args[0].Handle]
		if !ok {
			return call.Failure(req.Desc, wire.StatusHandleInvalid)
		}
		if flags&flagRendering == 0 {
			// Headless sessions never render; refusing is a status, not a
			// protocol violation.
			return call.Failure(req.Desc, wire.StatusRuntimeFailure)
		}
		rt.lastDisplayTime = time.Since(processEpoch).Nanoseconds()
		state := codec.Struct(codec.Timestamp(rt.lastDisplayTime), codec.Bool(true))
		return &call.Response{Status: wire.StatusSuccess, Outs: []codec.Value{state}}
	})
	svr.Register(fnEndFrame, func(ctx context.Context, req *call.Request) *call.Response {
		rt.mu.Lock()
		defer rt.mu.Unlock()
		if _, ok := rt.sessions[req.Args[0].Handle]; !ok {
			return call.Failure(req.Desc, wire.StatusHandleInvalid)
		}
		rt.lastDisplayTime = req.Args[1].AsTimeNanos()
		rt.lastLayers = rt.lastLayers[:0]
		for _, e := range req.Args[2].Elems {
			rt.lastLayers = append(rt.lastLayers, e.AsU32())
		}
		rt.frames++
		return &call.Response{Status: wire.StatusSuccess, Outs: []codec.Value{codec.U32(rt.frames)}}
	})
	svr.Register(fnEnumerateFormats, func(ctx context.Context, req *call.Request) *call.Response {
		formats := codec.Array(codec.I64(-1), codec.I64(34), codec.I64(35))
		return &call.Response{Status: wire.StatusSuccess, Outs: []codec.Value{formats}}
	})
	svr.Register(fnDestroySession, func(ctx context.Context, req *call.Request) *call.Response {
		rt.mu.Lock()
		defer rt.mu.Unlock()
		if _, ok := rt.sessions[req.Args[0].Handle]; !ok {
			return call.Failure(req.Desc, wire.StatusHandleInvalid)
		}
		delete(rt.sessions, req.Args[0].Handle)
		return &call.Response{Status: wire.StatusSuccess}
	})
	svr.Register(fnPing, func(ctx context.Context, req *call.Request) *call.Response {
		return &call.Response{Status: wire.StatusSuccess, Outs: []codec.Value{codec.U32(req.Args[0].AsU32() + 1)}}
	})
}

var processEpoch = time.Now()

// flagRendering marks a session that may begin frames; without it the
// runtime treats the session as headless.
const flagRendering = uint64(0x2)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func startRuntime(tb testing.TB, addr string) (*server.Server, *xrRuntime) {
	tb.Helper()
	rt := newXRRuntime()
	svr := server.NewServer(buildTable())
	svr.SetLogger(quietLogger())
	svr.Use(middleware.Logging(quietLogger()))
	rt.install(svr)

	go svr.Serve("tcp", addr)
	time.Sleep(100 * time.Millisecond)
	tb.Cleanup(func() { svr.Shutdown(3 * time.Second) })
	return svr, rt
}

func sampleCreateInfo() codec.Value {
	return codec.Struct(
		codec.U64(flagRendering),
		codec.Chain(
			codec.ChainNode{Tag: 1001, Fields: []codec.Value{codec.U32(4)}},
			codec.ChainNode{Tag: 1002, Fields: []codec.Value{codec.U32(2)}},
		),
	)
}

// ---- End-to-end over TCP ----

func TestSessionLifecycle(t *testing.T) {
	_, rt := startRuntime(t, "127.0.0.1:19190")
	tbl := buildTable()

	cli := client.Dial("127.0.0.1:19190", tbl, 1, session.Options{Logger: quietLogger()})
	defer cli.Close()

	// Handle-carrying sequences stay on one session.
	sess, err := cli.Acquire()
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	defer cli.Release(sess)

	// CreateSession: the extension chain arrives intact on the native side.
	createFd, _ := tbl.Lookup(fnCreateSession)
	var xrSession codec.Value
	status, err := marshal.Call(sess, createFd, []codec.Value{sampleCreateInfo(), {}}, []*codec.Value{&xrSession})
	if err != nil || status != wire.StatusSuccess {
		t.Fatalf("CreateSession: %v (%s)", err, status)
	}
	if xrSession.Handle == 0 {
		t.Fatal("CreateSession returned the null handle")
	}
	rt.mu.Lock()
	if len(rt.lastChain) != 2 || rt.lastChain[0].Tag != 1001 || rt.lastChain[1].Tag != 1002 {
		t.Fatalf("chain on the native side: %+v", rt.lastChain)
	}
	if rt.lastChain[0].Fields[0].AsU32() != 4 || rt.lastChain[1].Fields[0].AsU32() != 2 {
		t.Fatalf("chain payloads: %+v", rt.lastChain)
	}
	rt.mu.Unlock()

	// BeginFrame: the runtime's timestamp comes back rebased onto our clock.
	beginFd, _ := tbl.Lookup(fnBeginFrame)
	var frameState codec.Value
	status, err = marshal.Call(sess, beginFd, []codec.Value{xrSession, {}}, []*codec.Value{&frameState})
	if err != nil || status != wire.StatusSuccess {
		t.Fatalf("BeginFrame: %v (%s)", err, status)
	}
	if !frameState.Fields[1].AsBool() {
		t.Fatal("shouldRender = false")
	}
	rt.mu.Lock()
	rawDisplay := rt.lastDisplayTime
	rt.mu.Unlock()
	if got := frameState.Fields[0].AsTimeNanos(); got != rawDisplay-sess.ClockOffset() {
		t.Fatalf("predictedDisplayTime = %d, want %d - offset %d", got, rawDisplay, sess.ClockOffset())
	}

	// EndFrame: our timestamp arrives on the runtime's timebase, exactly
	// shifted by the session's offset estimate.
	endFd, _ := tbl.Lookup(fnEndFrame)
	const localTime = int64(123_456_789)
	layers := codec.Array(codec.U32(10), codec.U32(20))
	var frameIndex codec.Value
	status, err = marshal.Call(sess, endFd,
		[]codec.Value{xrSession, codec.Timestamp(localTime), layers, {}},
		[]*codec.Value{&frameIndex})
	if err != nil || status != wire.StatusSuccess {
		t.Fatalf("EndFrame: %v (%s)", err, status)
	}
	if frameIndex.AsU32() != 1 {
		t.Fatalf("frameIndex = %d", frameIndex.AsU32())
	}
	rt.mu.Lock()
	if rt.lastDisplayTime != localTime+sess.ClockOffset() {
		t.Fatalf("runtime saw displayTime %d, want %d", rt.lastDisplayTime, localTime+sess.ClockOffset())
	}
	if len(rt.lastLayers) != 2 || rt.lastLayers[0] != 10 || rt.lastLayers[1] != 20 {
		t.Fatalf("runtime saw layers %v", rt.lastLayers)
	}
	rt.mu.Unlock()

	// EnumerateFormats: arrays come back element-exact.
	enumFd, _ := tbl.Lookup(fnEnumerateFormats)
	var formats codec.Value
	if _, err := marshal.Call(sess, enumFd, []codec.Value{xrSession, {}}, []*codec.Value{&formats}); err != nil {
		t.Fatalf("EnumerateFormats: %v", err)
	}
	want := codec.Array(codec.I64(-1), codec.I64(34), codec.I64(35))
	if !formats.Equal(want) {
		t.Fatalf("formats = %+v", formats)
	}

	// DestroySession: the runtime forgets the session and the wrong handle
	// afterwards is a per-call failure status, not a dead connection.
	destroyFd, _ := tbl.Lookup(fnDestroySession)
	status, err = marshal.Call(sess, destroyFd, []codec.Value{xrSession}, nil)
	if err != nil || status != wire.StatusSuccess {
		t.Fatalf("DestroySession: %v (%s)", err, status)
	}
	rt.mu.Lock()
	if len(rt.sessions) != 0 {
		t.Fatalf("runtime still holds %d sessions", len(rt.sessions))
	}
	rt.mu.Unlock()
}

func TestFailureStatusKeepsSessionUsable(t *testing.T) {
	startRuntime(t, "127.0.0.1:19191")
	tbl := buildTable()
	cli := client.Dial("127.0.0.1:19191", tbl, 1, session.Options{Logger: quietLogger()})
	defer cli.Close()

	sess, err := cli.Acquire()
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	defer cli.Release(sess)

	createFd, _ := tbl.Lookup(fnCreateSession)
	beginFd, _ := tbl.Lookup(fnBeginFrame)

	// A headless session (no rendering flag) refuses BeginFrame with a
	// status. The refusal travels as a normal Return; nothing faults.
	headlessInfo := codec.Struct(codec.U64(0), codec.Chain())
	var headless codec.Value
	if _, err := marshal.Call(sess, createFd, []codec.Value{headlessInfo, {}}, []*codec.Value{&headless}); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	var frameState codec.Value
	status, err := marshal.Call(sess, beginFd, []codec.Value{headless, {}}, []*codec.Value{&frameState})
	if err != nil {
		t.Fatalf("BeginFrame: %v", err)
	}
	if status != wire.StatusRuntimeFailure {
		t.Fatalf("status = %s, want runtime-failure", status)
	}
	if sess.State() != session.Ready {
		t.Fatalf("session state after failure status: %s", sess.State())
	}

	// The same session keeps serving calls afterwards.
	var rendering codec.Value
	if _, err := marshal.Call(sess, createFd, []codec.Value{sampleCreateInfo(), {}}, []*codec.Value{&rendering}); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	status, err = marshal.Call(sess, beginFd, []codec.Value{rendering, {}}, []*codec.Value{&frameState})
	if err != nil || status != wire.StatusSuccess {
		t.Fatalf("BeginFrame on the rendering session: %v (%s)", err, status)
	}
}

func TestConcurrentClients(t *testing.T) {
	_, rt := startRuntime(t, "127.0.0.1:19192")
	tbl := buildTable()

	var wg sync.WaitGroup
	errs := make(chan error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cli := client.Dial("127.0.0.1:19192", tbl, 1, session.Options{Logger: quietLogger()})
			defer cli.Close()
			sess, err := cli.Acquire()
			if err != nil {
				errs <- err
				return
			}
			defer cli.Release(sess)

			createFd, _ := tbl.Lookup(fnCreateSession)
			destroyFd, _ := tbl.Lookup(fnDestroySession)
			var xrSession codec.Value
			if _, err := marshal.Call(sess, createFd, []codec.Value{sampleCreateInfo(), {}}, []*codec.Value{&xrSession}); err != nil {
				errs <- err
				return
			}
			if _, err := marshal.Call(sess, destroyFd, []codec.Value{xrSession}, nil); err != nil {
				errs <- err
				return
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("concurrent client: %v", err)
	}
	rt.mu.Lock()
	if len(rt.sessions) != 0 {
		t.Errorf("runtime still holds %d sessions", len(rt.sessions))
	}
	rt.mu.Unlock()
}

// ---- End-to-end over websocket ----

var upgrader = websocket.Upgrader{}

func TestWebSocketSession(t *testing.T) {
	rt := newXRRuntime()
	svr := server.NewServer(buildTable())
	svr.SetLogger(quietLogger())
	rt.install(svr)

	httpSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		svr.ServeTransport(transport.NewWebSocket(conn))
	}))
	defer httpSrv.Close()

	tr, err := transport.DialWebSocket("ws" + strings.TrimPrefix(httpSrv.URL, "http"))
	if err != nil {
		t.Fatalf("DialWebSocket failed: %v", err)
	}
	tbl := buildTable()
	sess := session.NewInitiator(tr, tbl, session.Options{Logger: quietLogger()})
	if err := sess.Handshake(); err != nil {
		t.Fatalf("handshake over websocket failed: %v", err)
	}
	defer sess.Close()

	pingFd, _ := tbl.Lookup(fnPing)
	var y codec.Value
	status, err := marshal.Call(sess, pingFd, []codec.Value{codec.U32(41), {}}, []*codec.Value{&y})
	if err != nil || status != wire.StatusSuccess {
		t.Fatalf("Ping over websocket: %v (%s)", err, status)
	}
	if y.AsU32() != 42 {
		t.Fatalf("Ping = %d", y.AsU32())
	}
}
