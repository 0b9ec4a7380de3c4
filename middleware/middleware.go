// Package middleware wraps the server's call dispatch in an onion of
// cross-cutting concerns. The chain is built once at startup; each layer
// sees the decoded request and the response on its way back out.
package middleware

import (
	"context"

	"xrlink/call"
)

// HandlerFunc processes one decoded call.
type HandlerFunc func(ctx context.Context, req *call.Request) *call.Response

// Middleware wraps a handler with one concern.
type Middleware func(next HandlerFunc) HandlerFunc

// Chain composes middlewares into one. Chain(A, B, C)(h) runs A outermost:
// A.before → B.before → C.before → h → C.after → B.after → A.after.
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
