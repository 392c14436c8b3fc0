package api

import (
	"context"
	"net/http"
	"strings"
)

// UserIDHeader carries the caller's user ID. Identity is asserted by the
// fronting gateway; this service does not verify it.
const UserIDHeader = "X-User-ID"

type contextKey struct{}

// ContextWithUser returns a copy of ctx carrying userID.
func ContextWithUser(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, contextKey{}, userID)
}

// UserIDFromContext returns the caller set by RequireUser.
func UserIDFromContext(ctx context.Context) (string, bool) {
	userID, ok := ctx.Value(contextKey{}).(string)
	return userID, ok && userID != ""
}

// RequireUser rejects requests without a caller identity.
func RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := strings.TrimSpace(r.Header.Get(UserIDHeader))
		if userID == "" {
			WriteJSONError(w, http.StatusUnauthorized, "missing user identity")
			return
		}
		next.ServeHTTP(w, r.WithContext(ContextWithUser(r.Context(), userID)))
	})
}
