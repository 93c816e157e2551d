package service

import (
	"fmt"
	"net/url"
	"strings"

	"hosted-payment-bridge/internal/core/domain"
	"hosted-payment-bridge/internal/core/ports"

	"github.com/golang-jwt/jwt/v5"
)

// JWTTokenService validates the platform's embedded-admin session tokens.
// Tokens are HS256 signed with the app client secret; the shop host travels
// in the "dest" claim.
type JWTTokenService struct {
	secret   []byte
	audience string
}

// NewJWTTokenService creates a new JWT token service. An empty audience
// disables the aud check.
func NewJWTTokenService(secret, audience string) *JWTTokenService {
	return &JWTTokenService{
		secret:   []byte(secret),
		audience: audience,
	}
}

// Validate parses and validates a platform session token, returning the claims.
func (s *JWTTokenService) Validate(tokenString string) (*ports.TokenClaims, error) {
	if len(s.secret) == 0 {
		return nil, fmt.Errorf("token secret not configured")
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if s.audience != "" {
		opts = append(opts, jwt.WithAudience(s.audience))
	}

	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("parsing token: %w", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}

	dest, _ := claims["dest"].(string)
	shop := destHost(dest)
	if shop == "" {
		return nil, fmt.Errorf("missing dest claim")
	}

	sub, _ := claims["sub"].(string)
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return nil, fmt.Errorf("missing exp claim")
	}

	return &ports.TokenClaims{
		Shop:      shop,
		Subject:   sub,
		ExpiresAt: exp.Time,
	}, nil
}

// destHost accepts either a bare host or a URL and returns the normalized host.
func destHost(dest string) string {
	dest = strings.TrimSpace(dest)
	if dest == "" {
		return ""
	}
	if strings.Contains(dest, "://") {
		if u, err := url.Parse(dest); err == nil {
			dest = u.Host
		}
	}
	return domain.NormalizeShop(dest)
}
