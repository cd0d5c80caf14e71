package browserprocess

import (
	"context"
)

type ctxKey int

const (
	ctxKeyLaunchID ctxKey = iota
)

// WithLaunchID scopes the processes registered with ctx to a launch.
func WithLaunchID(ctx context.Context, lID string) context.Context {
	return context.WithValue(ctx, ctxKeyLaunchID, lID)
}

// GetLaunchID returns the launch ID from the context.
func GetLaunchID(ctx context.Context) string {
	lID, _ := ctx.Value(ctxKeyLaunchID).(string)
	return lID
}
