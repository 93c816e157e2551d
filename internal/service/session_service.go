package service

import (
	"crypto/hmac"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"hosted-payment-bridge/internal/core/domain"
	"hosted-payment-bridge/pkg/apperror"
)

const keyInfoSession = "hpb/admin-session"

// HMACSessionService issues stateless admin session tokens of the form
// base64url(json claims) "." hex(hmac-sha256).
type HMACSessionService struct {
	key []byte
	ttl time.Duration
	now func() time.Time
}

// NewHMACSessionService creates a session service. The signing key is derived
// from secret so the raw secret never signs anything else.
func NewHMACSessionService(secret string, ttl time.Duration) (*HMACSessionService, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, fmt.Errorf("session secret is required")
	}
	key, err := DeriveKey([]byte(secret), keyInfoSession, 32)
	if err != nil {
		return nil, err
	}
	return &HMACSessionService{key: key, ttl: ttl, now: time.Now}, nil
}

// WithClock replaces the time source.
func (s *HMACSessionService) WithClock(now func() time.Time) *HMACSessionService {
	s.now = now
	return s
}

// TTL returns the session lifetime.
func (s *HMACSessionService) TTL() time.Duration {
	return s.ttl
}

// Issue mints a token for shop valid for the configured TTL.
func (s *HMACSessionService) Issue(shop, storeID string) (string, time.Time, error) {
	if shop == "" {
		return "", time.Time{}, fmt.Errorf("session requires a shop")
	}
	expiresAt := s.now().Add(s.ttl).Truncate(time.Second)
	payload, err := json.Marshal(domain.SessionClaims{Shop: shop, StoreID: storeID, Exp: expiresAt.Unix()})
	if err != nil {
		return "", time.Time{}, fmt.Errorf("encoding session: %w", err)
	}

	body := base64.RawURLEncoding.EncodeToString(payload)
	return body + "." + hex.EncodeToString(hmacSHA256(s.key, []byte(body))), expiresAt, nil
}

// Read verifies and decodes token. Every failure maps to ErrNoSession.
func (s *HMACSessionService) Read(token string) (*domain.SessionClaims, error) {
	body, sig, ok := strings.Cut(strings.TrimSpace(token), ".")
	if !ok || body == "" || sig == "" {
		return nil, apperror.ErrNoSession()
	}

	provided, err := hex.DecodeString(sig)
	if err != nil || !hmac.Equal(hmacSHA256(s.key, []byte(body)), provided) {
		return nil, apperror.ErrNoSession()
	}

	payload, err := base64.RawURLEncoding.DecodeString(body)
	if err != nil {
		return nil, apperror.ErrNoSession()
	}
	var claims domain.SessionClaims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, apperror.ErrNoSession()
	}
	if !claims.Valid(s.now()) {
		return nil, apperror.ErrNoSession()
	}
	return &claims, nil
}
