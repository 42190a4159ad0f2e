package chi

import (
	"context"
	"net/http"
	"strings"
)

type contextKey string

const accountIDKey contextKey = "account_id"

// exemptPaths are routes that bypass authentication (health, metrics).
var exemptPaths = map[string]struct{}{
	"/health":  {},
	"/metrics": {},
}

// AccountIDFromContext returns the authenticated account for the request.
func AccountIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(accountIDKey).(string)
	return id
}

// BearerAuthMiddleware returns a middleware that validates Bearer tokens and
// resolves them to account IDs. If apiKeys is empty, authentication is
// disabled (pass-through with no account in context).
func BearerAuthMiddleware(apiKeys map[string]string) func(http.Handler) http.Handler {
	validKeys := make(map[string]string, len(apiKeys))
	for k, accountID := range apiKeys {
		if k != "" && accountID != "" {
			validKeys[k] = accountID
		}
	}

	return func(next http.Handler) http.Handler {
		// Auth disabled — pass everything through
		if len(validKeys) == 0 {
			return next
		}

		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Exempt paths
			if _, ok := exemptPaths[r.URL.Path]; ok {
				next.ServeHTTP(w, r)
				return
			}

			auth := r.Header.Get("Authorization")
			if auth == "" {
				writeError(w, http.StatusUnauthorized, codeUnauthorized, "missing authorization header")
				return
			}

			const bearerPrefix = "Bearer "
			if !strings.HasPrefix(auth, bearerPrefix) {
				writeError(w, http.StatusUnauthorized,
					codeUnauthorized, "authorization header must use Bearer scheme")
				return
			}

			accountID, ok := validKeys[auth[len(bearerPrefix):]]
			if !ok {
				writeError(w, http.StatusUnauthorized, codeUnauthorized, "invalid api key")
				return
			}

			ctx := context.WithValue(r.Context(), accountIDKey, accountID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
