package middleware

import (
	"context"
	"log/slog"
)

type userKey struct{}

// UserCtx is the authenticated caller. Method is "dev" or "jwt".
type UserCtx struct {
	UserID string
	Method string
}

func WithUser(ctx context.Context, u UserCtx) context.Context {
	return context.WithValue(ctx, userKey{}, u)
}

// FromCtx returns the caller; UserID is empty outside Auth.
func FromCtx(ctx context.Context) UserCtx {
	u, _ := ctx.Value(userKey{}).(UserCtx)
	return u
}

// Logger tags base with the request id and caller carried by ctx.
func Logger(ctx context.Context, base *slog.Logger) *slog.Logger {
	l := base
	if id := RequestIDFrom(ctx); id != "" {
		l = l.With("request_id", id)
	}
	if u := FromCtx(ctx); u.UserID != "" {
		l = l.With("user_id", u.UserID)
	}
	return l
}
