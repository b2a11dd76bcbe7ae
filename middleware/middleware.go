// Package middleware wraps the server's request handler.
//
// Chain(A, B, C)(handler) builds A(B(C(handler))), so execution runs
// A.before → B.before → C.before → handler → C.after → B.after → A.after.
package middleware

import (
	"context"

	"binrpc/message"
)

type HandlerFunc func(ctx context.Context, req *message.RPCRequest) *message.RPCResponse

type Middleware func(next HandlerFunc) HandlerFunc

// Chain composes middlewares into one, outermost first.
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}

// Fail builds an error response for req.
func Fail(req *message.RPCRequest, code int32, msg string) *message.RPCResponse {
	return &message.RPCResponse{RequestID: req.RequestID, ErrorCode: code, Return: []byte(msg)}
}
