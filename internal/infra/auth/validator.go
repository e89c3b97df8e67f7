package auth

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/xela07ax/trainwatch/internal/domain"
)

// RSAValidator проверяет JWT, подписанные RS256 внешним издателем токенов
type RSAValidator struct {
	publicKey *rsa.PublicKey
	parser    *jwt.Parser
}

func NewRSAValidator(pubKey *rsa.PublicKey) *RSAValidator {
	return &RSAValidator{
		publicKey: pubKey,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
			jwt.WithExpirationRequired(),
		),
	}
}

func (v *RSAValidator) VerifyToken(tokenStr string) (*domain.CustomClaims, error) {
	tokenStr, ok := strings.CutPrefix(strings.TrimSpace(tokenStr), "Bearer ")
	if !ok {
		return nil, errors.New("bearer token expected")
	}

	claims := &domain.CustomClaims{}
	token, err := v.parser.ParseWithClaims(strings.TrimSpace(tokenStr), claims, func(*jwt.Token) (interface{}, error) {
		return v.publicKey, nil
	})
	if err != nil || !token.Valid {
		return nil, fmt.Errorf("invalid token: %w", err)
	}
	return claims, nil
}

// ParseRSAPublicKey превращает PEM в ключ для проверки подписи
func ParseRSAPublicKey(data []byte) (*rsa.PublicKey, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("public key data is empty")
	}
	key, err := jwt.ParseRSAPublicKeyFromPEM(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}
	return key, nil
}
