package middleware

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"binrpc/message"
)

// RecoverMiddleware turns a panicking handler into a CodeInternal response.
func RecoverMiddleware(logger *zap.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.RPCRequest) (resp *message.RPCResponse) {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("handler panicked",
						zap.Stringer("service", req.Service),
						zap.Uint32("request_id", req.RequestID),
						zap.Any("panic", r),
						zap.Stack("stack"))
					resp = Fail(req, message.CodeInternal, fmt.Sprintf("panic: %v", r))
				}
			}()
			return next(ctx, req)
		}
	}
}
