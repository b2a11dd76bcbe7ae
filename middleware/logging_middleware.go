package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"binrpc/message"
)

func LoggingMiddleware(logger *zap.Logger) Middleware {
	logger = logger.Named("rpc.server")
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.RPCRequest) *message.RPCResponse {
			start := time.Now()
			resp := next(ctx, req)
			fields := []zap.Field{
				zap.Stringer("service", req.Service),
				zap.Uint32("request_id", req.RequestID),
				zap.Duration("duration", time.Since(start)),
				zap.Int32("code", resp.ErrorCode),
			}
			if resp.ErrorCode != message.CodeSuccess {
				logger.Warn("request failed", append(fields, zap.ByteString("error", resp.Return))...)
				return resp
			}
			logger.Debug("request served", fields...)
			return resp
		}
	}
}
