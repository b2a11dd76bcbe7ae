package middleware

import (
	"context"

	"golang.org/x/time/rate"

	"binrpc/message"
)

// RateLimitMiddleware admits r requests per second with the given burst,
// token-bucket style, and answers CodeRateLimited beyond that.
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.RPCRequest) *message.RPCResponse {
			if !limiter.Allow() {
				return Fail(req, message.CodeRateLimited, "rate limit exceeded")
			}
			return next(ctx, req)
		}
	}
}
