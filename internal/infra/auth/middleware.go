package auth

import (
	"context"
	"net/http"

	"github.com/xela07ax/trainwatch/internal/domain"
	"go.uber.org/zap"
)

// TokenValidator проверяет токен из заголовка Authorization
type TokenValidator interface {
	VerifyToken(tokenStr string) (*domain.CustomClaims, error)
}

type ctxKey string

const claimsKey ctxKey = "claims"

// ClaimsFromContext достает claims, положенные NewMiddleware
func ClaimsFromContext(ctx context.Context) (*domain.CustomClaims, bool) {
	c, ok := ctx.Value(claimsKey).(*domain.CustomClaims)
	return c, ok
}

// NewMiddleware требует валидный токен. scopes, если заданы, должны быть все.
func NewMiddleware(v TokenValidator, logger *zap.Logger, scopes ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			claims, err := v.VerifyToken(authHeader)
			if err != nil {
				logger.Warn("auth failure", zap.String("path", r.URL.Path), zap.Error(err))
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			for _, scope := range scopes {
				if !claims.HasScope(scope) {
					logger.Warn("missing scope",
						zap.String("user_id", claims.UserID),
						zap.String("scope", scope))
					http.Error(w, "Forbidden", http.StatusForbidden)
					return
				}
			}

			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsKey, claims)))
		})
	}
}
