package domain

import (
	"github.com/golang-jwt/jwt/v5"
)

// ScopeTrainingWrite дает право создавать сети и запускать/отменять обучение через шлюз
const ScopeTrainingWrite = "training.write"

type CustomClaims struct {
	UserID string          `json:"user_id"`
	Scopes map[string]bool `json:"scopes"` // "training.write": true
	jwt.RegisteredClaims
}

// HasScope проверяет право из токена
func (c *CustomClaims) HasScope(scope string) bool {
	return c != nil && c.Scopes[scope]
}
