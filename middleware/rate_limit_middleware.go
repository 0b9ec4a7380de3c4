package middleware

import (
	"context"

	"golang.org/x/time/rate"

	"xrlink/call"
	"xrlink/wire"
)

// RateLimit refuses calls beyond a token-bucket budget with a limit-reached
// status. Useful when one runtime serves several remote clients.
func RateLimit(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *call.Request) *call.Response {
			if !limiter.Allow() {
				return call.Failure(req.Desc, wire.StatusLimitReached)
			}
			return next(ctx, req)
		}
	}
}
