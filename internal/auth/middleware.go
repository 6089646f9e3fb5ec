package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/bher20/wargabill/internal/storage"
)

type contextKey string

const tokenContextKey contextKey = "token"

// TokenFromContext returns the token attached by Middleware, if any.
func TokenFromContext(ctx context.Context) (*storage.Token, bool) {
	t, ok := ctx.Value(tokenContextKey).(*storage.Token)
	return t, ok
}

// Middleware resolves a bearer token into the request context. Requests
// without an Authorization header pass through anonymously.
func (s *Service) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			next.ServeHTTP(w, r)
			return
		}

		scheme, value, ok := strings.Cut(authHeader, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") || value == "" {
			writeAuthError(w, http.StatusUnauthorized, "invalid authorization header")
			return
		}

		token, err := s.ValidateToken(r.Context(), strings.TrimSpace(value))
		if err != nil {
			writeAuthError(w, http.StatusUnauthorized, "invalid token")
			return
		}

		ctx := context.WithValue(r.Context(), tokenContextKey, token)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequirePermission rejects requests whose token's user may not perform act
// on obj.
func (s *Service) RequirePermission(obj, act string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := TokenFromContext(r.Context())
		if !ok {
			writeAuthError(w, http.StatusUnauthorized, "unauthorized")
			return
		}

		allowed, err := s.Enforce(token.UserID, obj, act)
		if err != nil {
			writeAuthError(w, http.StatusInternalServerError, "internal server error")
			return
		}
		if !allowed {
			writeAuthError(w, http.StatusForbidden, "forbidden")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func writeAuthError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"code":"UNAUTHORIZED","message":"` + msg + `"}`))
}
