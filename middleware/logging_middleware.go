package middleware

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"xrlink/call"
)

// Logging records every dispatched call: function, duration, status.
func Logging(logger *logrus.Logger) Middleware {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *call.Request) *call.Response {
			start := time.Now()
			resp := next(ctx, req)
			entry := logger.WithFields(logrus.Fields{
				"func":     req.Desc.Name,
				"id":       req.Desc.ID,
				"duration": time.Since(start),
				"status":   resp.Status.String(),
			})
			if resp.Status.Ok() {
				entry.Debug("call dispatched")
			} else {
				entry.Warn("call failed")
			}
			return resp
		}
	}
}
