// Package reqctx propagates a trace/message id through a context so that
// log lines emitted anywhere along a send or dispatch path can be
// correlated back to the originating message.
package reqctx

import "context"

type traceIDKey struct{}

func WithTraceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, traceIDKey{}, id)
}

func TraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceIDKey{}).(string); ok {
		return v
	}
	return ""
}
