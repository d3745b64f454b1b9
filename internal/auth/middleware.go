package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
)

type ctxKey struct{}

// LocalOwner is the owner assumed when no signing secret is configured.
const LocalOwner = "local"

// Middleware authenticates requests with a bearer token, or a "token" query
// parameter for WebSocket clients that cannot set headers. A nil maker
// admits every request as LocalOwner.
func Middleware(maker *Maker) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if maker == nil {
				claims := &Claims{}
				claims.Subject = LocalOwner
				next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
				return
			}
			claims, err := maker.Verify(tokenFromRequest(r))
			if err != nil {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error(), "code": "unauthorized"})
				return
			}
			next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
		})
	}
}

func WithClaims(ctx context.Context, c *Claims) context.Context {
	return context.WithValue(ctx, ctxKey{}, c)
}

func ClaimsFrom(ctx context.Context) (*Claims, bool) {
	c, ok := ctx.Value(ctxKey{}).(*Claims)
	return c, ok && c != nil
}

func tokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		fields := strings.Fields(h)
		if len(fields) == 2 && strings.EqualFold(fields[0], "Bearer") {
			return fields[1]
		}
		return ""
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}
