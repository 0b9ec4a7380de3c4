package middleware

import (
	"context"
	"time"

	"xrlink/call"
	"xrlink/wire"
)

// Timeout bounds how long a native handler may run. An expired call answers
// with a runtime-failure status shaped by the descriptor, so the wire reply
// stays schema-exact; the abandoned handler goroutine finishes on its own.
func Timeout(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *call.Request) *call.Response {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			done := make(chan *call.Response, 1)
			go func() {
				done <- next(ctx, req)
			}()

			select {
			case resp := <-done:
				return resp
			case <-ctx.Done():
				return call.Failure(req.Desc, wire.StatusRuntimeFailure)
			}
		}
	}
}
