package auth

import (
	"context"
)

// Role represents the resolved caller class for a request.
type Role int

const (
	RoleUnauth Role = iota
	// RoleUser is an end user authenticated by a signed bearer token.
	RoleUser
	// RoleBackend is a trusted service authenticated by an API key; it
	// names the user it acts for via the X-User-ID header.
	RoleBackend
)

// SecConfig mirrors the security-related configuration used to drive
// authentication, CORS and rate limiting behavior. Put here so limiter.go
// and gateway.go can reference the shared type.
type SecConfig struct {
	AllowedOrigins []string
	RPS            float64
	Burst          int
	BackendKeys    map[string]struct{}
	JWTSecret      []byte
	Issuer         string
	Audience       string
}

type ctxUserKey struct{}
type ctxRoleKey struct{}

// WithUser returns a context carrying the resolved user id and role.
// Exported so handler tests can build authenticated requests directly.
func WithUser(ctx context.Context, user string, role Role) context.Context {
	ctx = context.WithValue(ctx, ctxUserKey{}, user)
	return context.WithValue(ctx, ctxRoleKey{}, role)
}

// UserIDFromContext returns the authenticated user id or empty string.
func UserIDFromContext(ctx context.Context) string {
	if v := ctx.Value(ctxUserKey{}); v != nil {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// RoleFromContext returns the resolved caller role.
func RoleFromContext(ctx context.Context) Role {
	if v := ctx.Value(ctxRoleKey{}); v != nil {
		if r, ok := v.(Role); ok {
			return r
		}
	}
	return RoleUnauth
}
