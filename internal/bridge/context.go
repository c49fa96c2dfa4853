package bridge

import (
	"context"

	"github.com/google/uuid"
)

type callIDKey struct{}

// WithCallID attaches id to ctx. Invoke assigns a fresh id when the
// transport did not.
func WithCallID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, callIDKey{}, id)
}

// CallID returns the id of the call ctx belongs to, or "".
func CallID(ctx context.Context) string {
	id, _ := ctx.Value(callIDKey{}).(string)
	return id
}

func ensureCallID(ctx context.Context) context.Context {
	if CallID(ctx) != "" {
		return ctx
	}
	return WithCallID(ctx, uuid.NewString())
}
