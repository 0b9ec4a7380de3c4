package middleware

import (
	"context"
	"testing"
	"time"

	"xrlink/call"
	"xrlink/codec"
	"xrlink/schema"
	"xrlink/wire"
)

var testDesc = &schema.FuncDesc{
	ID:   1,
	Name: "Probe",
	Params: []schema.ParamDesc{
		schema.In("arg", codec.Uint32Desc),
		schema.Out("result", codec.Uint32Desc),
	},
}

func testRequest() *call.Request {
	return &call.Request{Desc: testDesc, Args: []codec.Value{codec.U32(1), {}}}
}

func echoHandler(ctx context.Context, req *call.Request) *call.Response {
	return &call.Response{Status: wire.StatusSuccess, Outs: []codec.Value{codec.U32(42)}}
}

func slowHandler(ctx context.Context, req *call.Request) *call.Response {
	time.Sleep(200 * time.Millisecond)
	return echoHandler(ctx, req)
}

func TestLoggingPassesThrough(t *testing.T) {
	handler := Logging(nil)(echoHandler)
	resp := handler(context.Background(), testRequest())
	if resp == nil {
		t.Fatal("expect non-nil response")
	}
	if resp.Status != wire.StatusSuccess {
		t.Fatalf("status = %s", resp.Status)
	}
	if resp.Outs[0].AsU32() != 42 {
		t.Fatalf("result = %d", resp.Outs[0].AsU32())
	}
}

func TestTimeoutPass(t *testing.T) {
	handler := Timeout(500 * time.Millisecond)(echoHandler)
	resp := handler(context.Background(), testRequest())
	if resp.Status != wire.StatusSuccess {
		t.Fatalf("fast handler timed out: %s", resp.Status)
	}
}

func TestTimeoutExceeded(t *testing.T) {
	handler := Timeout(50 * time.Millisecond)(slowHandler)
	resp := handler(context.Background(), testRequest())
	if resp.Status != wire.StatusRuntimeFailure {
		t.Fatalf("status = %s, want runtime-failure", resp.Status)
	}
	// The reply still matches the schema: one zero-valued out parameter.
	if len(resp.Outs) != 1 || resp.Outs[0].Kind != codec.KindUint32 {
		t.Fatalf("timeout response is not schema-shaped: %+v", resp.Outs)
	}
}

func TestRateLimit(t *testing.T) {
	// rate=1/s, burst=2: two pass immediately, the third is refused.
	handler := RateLimit(1, 2)(echoHandler)
	for i := 0; i < 2; i++ {
		if resp := handler(context.Background(), testRequest()); resp.Status != wire.StatusSuccess {
			t.Fatalf("request %d should pass, got %s", i, resp.Status)
		}
	}
	if resp := handler(context.Background(), testRequest()); resp.Status != wire.StatusLimitReached {
		t.Fatalf("request 3 should be limited, got %s", resp.Status)
	}
}

func TestChainOrder(t *testing.T) {
	var order []string
	tag := func(name string) Middleware {
		return func(next HandlerFunc) HandlerFunc {
			return func(ctx context.Context, req *call.Request) *call.Response {
				order = append(order, name)
				return next(ctx, req)
			}
		}
	}

	handler := Chain(tag("outer"), tag("inner"))(echoHandler)
	if resp := handler(context.Background(), testRequest()); resp.Status != wire.StatusSuccess {
		t.Fatalf("chained call failed: %s", resp.Status)
	}
	if len(order) != 2 || order[0] != "outer" || order[1] != "inner" {
		t.Fatalf("middleware order = %v", order)
	}
}
