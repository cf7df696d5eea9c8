package httpx

import (
	"context"

	domainauth "github.com/casetrail/tcm-ui-api/internal/domain/auth"
)

// sessionKey is an unexported context key type to avoid collisions across
// packages. Centralized here so middleware and handlers share it.
type sessionKey struct{}

// SetSessionInContext returns a child context carrying the session.
func SetSessionInContext(ctx context.Context, sess domainauth.Session) context.Context {
	return context.WithValue(ctx, sessionKey{}, sess)
}

// SessionFromContext returns the authenticated session and a presence flag.
func SessionFromContext(ctx context.Context) (domainauth.Session, bool) {
	sess, ok := ctx.Value(sessionKey{}).(domainauth.Session)
	return sess, ok
}
