package security

import (
	"context"
	"strings"
)

// GlobalIdentity is used for attempts that carry no caller identity.
const GlobalIdentity = "global"

type contextKey int

const (
	callerKey contextKey = iota
	originKey
)

// WithCaller returns a context carrying the caller identity used for lockout accounting.
func WithCaller(ctx context.Context, identity string) context.Context {
	return context.WithValue(ctx, callerKey, identity)
}

// CallerFromContext returns the caller identity, or GlobalIdentity when none is set.
func CallerFromContext(ctx context.Context) string {
	if ctx != nil {
		if id, ok := ctx.Value(callerKey).(string); ok {
			return normalizeIdentity(id)
		}
	}
	return GlobalIdentity
}

// WithOrigin returns a context carrying the caller's network origin for audit entries.
func WithOrigin(ctx context.Context, origin string) context.Context {
	return context.WithValue(ctx, originKey, origin)
}

// OriginFromContext returns the origin stored by WithOrigin, if any.
func OriginFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	origin, _ := ctx.Value(originKey).(string)
	return origin
}

func normalizeIdentity(identity string) string {
	identity = strings.TrimSpace(identity)
	if identity == "" {
		return GlobalIdentity
	}
	return identity
}
