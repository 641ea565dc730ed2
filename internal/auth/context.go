package auth

import (
	"context"

	"gitea.jw6.us/james/calcord/internal/store"
)

type contextKey struct{}

// WithUser stores the signed-in user on the context.
func WithUser(ctx context.Context, user *store.User) context.Context {
	return context.WithValue(ctx, contextKey{}, user)
}

// UserFromContext returns the user placed by RequireSession.
func UserFromContext(ctx context.Context) (*store.User, bool) {
	u, ok := ctx.Value(contextKey{}).(*store.User)
	return u, ok && u != nil
}
