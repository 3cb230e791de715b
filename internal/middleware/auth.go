package middleware

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/pliu/dmrelay/internal/auth"
)

type contextKey string

const UserIDKey contextKey = "user_id"

// UserIDFromContext returns the verified user id, or "" if none.
func UserIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(UserIDKey).(string)
	return id
}

// WithUserID returns a copy of ctx carrying userID.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, UserIDKey, userID)
}

// TokenFromRequest finds the identity token in the Authorization header,
// the token query parameter (websocket clients cannot set headers) or the
// token cookie, in that order.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		token, err := auth.ParseBearerToken(h)
		if err != nil {
			return ""
		}
		return token
	}
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	if cookie, err := r.Cookie(auth.CookieName); err == nil {
		return cookie.Value
	}
	return ""
}

// AuthMiddleware rejects requests without a valid identity token and puts
// the token's user id in the request context.
func AuthMiddleware(v *auth.Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, err := v.Verify(TokenFromRequest(r))
			if err != nil {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				json.NewEncoder(w).Encode(map[string]any{
					"error":     "Unauthorized",
					"code":      "unauthorized",
					"retryable": false,
				})
				return
			}
			next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), userID)))
		})
	}
}
