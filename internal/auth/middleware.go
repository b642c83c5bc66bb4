package auth

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

// scope claim values understood by the trigger API.
const (
	ScopeRun  = "sync:run"
	ScopeRead = "sync:read"
)

// Middleware validates HMAC bearer tokens and hydrates the caller's
// capability from the token's space-separated scope claim. With an empty
// secret the middleware grants full capability, which keeps local
// development friction-free.
func Middleware(secret string, logger *zap.SugaredLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret == "" {
				next.ServeHTTP(w, r.WithContext(WithCapability(r.Context(), FullCapability())))
				return
			}

			raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if raw == "" || raw == r.Header.Get("Authorization") {
				unauthorized(w, "missing bearer token")
				return
			}

			claims := jwt.MapClaims{}
			_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
				return []byte(secret), nil
			}, jwt.WithValidMethods([]string{"HS256"}))
			if err != nil {
				logger.Debugw("token rejected", "err", err)
				unauthorized(w, "invalid token")
				return
			}

			granted := capabilityFromScope(claims)
			next.ServeHTTP(w, r.WithContext(WithCapability(r.Context(), granted)))
		})
	}
}

func capabilityFromScope(claims jwt.MapClaims) Capability {
	scope, _ := claims["scope"].(string)
	var c Capability
	for _, s := range strings.Fields(scope) {
		switch s {
		case ScopeRun:
			c.TriggerRuns = true
		case ScopeRead:
			c.ReadReports = true
		}
	}
	return c
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
