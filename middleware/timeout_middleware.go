package middleware

import (
	"context"
	"time"

	"binrpc/message"
)

// TimeoutMiddleware answers CodeTimeout when the handler does not finish
// within timeout. The handler's context is cancelled at the deadline; the
// handler itself keeps running until it returns.
func TimeoutMiddleware(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.RPCRequest) *message.RPCResponse {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			ch := make(chan *message.RPCResponse, 1) // Buffered so the late handler never blocks
			go func() {
				ch <- next(ctx, req)
			}()

			select {
			case resp := <-ch:
				return resp
			case <-ctx.Done():
				return Fail(req, message.CodeTimeout, "request timed out")
			}
		}
	}
}
