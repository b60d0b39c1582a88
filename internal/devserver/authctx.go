package devserver

import "context"

type ctxKey string

const userKey ctxKey = "tm.user"

// WithUser stores the authenticated username in context.
func WithUser(ctx context.Context, username string) context.Context {
	return context.WithValue(ctx, userKey, username)
}

// UserFromCtx fetches the authenticated username from context.
func UserFromCtx(ctx context.Context) (string, bool) {
	u, ok := ctx.Value(userKey).(string)
	return u, ok && u != ""
}
