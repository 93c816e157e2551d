package service

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"hosted-payment-bridge/internal/core/ports"
	"hosted-payment-bridge/pkg/apperror"
)

// HMACSignatureService implements ports.SignatureService using HMAC-SHA256.
// It holds no state; verification enablement is decided by its callers.
type HMACSignatureService struct{}

// NewHMACSignatureService creates a new HMAC-SHA256 signature service.
func NewHMACSignatureService() *HMACSignatureService {
	return &HMACSignatureService{}
}

// Sign computes HMAC-SHA256 of payload and renders it in enc.
func (s *HMACSignatureService) Sign(secret, payload string, enc ports.Encoding) string {
	return encodeDigest(hmacSHA256([]byte(secret), []byte(payload)), enc)
}

// VerifyWebhook checks headerSig against HMAC-SHA256 of the exact raw body.
func (s *HMACSignatureService) VerifyWebhook(raw []byte, headerSig, secret string, enc ports.Encoding) error {
	headerSig = strings.TrimSpace(headerSig)
	if headerSig == "" {
		return apperror.ErrSignatureMissing()
	}
	if secret == "" {
		return apperror.ErrInvalidSignature()
	}

	provided, err := decodeDigest(headerSig, enc)
	if err != nil {
		return apperror.ErrInvalidSignature()
	}
	if !hmac.Equal(hmacSHA256([]byte(secret), raw), provided) {
		return apperror.ErrInvalidSignature()
	}
	return nil
}

// CheckTimestamp rejects a unix-seconds header outside now ± tolerance.
func (s *HMACSignatureService) CheckTimestamp(header string, tolerance time.Duration, now time.Time) error {
	ts, err := strconv.ParseInt(strings.TrimSpace(header), 10, 64)
	if err != nil {
		return apperror.ErrTimestampExpired()
	}
	drift := now.Sub(time.Unix(ts, 0))
	if drift < 0 {
		drift = -drift
	}
	if drift > tolerance {
		return apperror.ErrTimestampExpired()
	}
	return nil
}

// CanonicalQuery renders every parameter except sigParam as sorted key=value
// pairs joined by "&". Multi-valued parameters are joined with ",".
func (s *HMACSignatureService) CanonicalQuery(values url.Values, sigParam string) string {
	keys := make([]string, 0, len(values))
	for k := range values {
		if k == sigParam {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+strings.Join(values[k], ","))
	}
	return strings.Join(parts, "&")
}

// VerifyQuery checks the sigParam value against HMAC of the canonical query.
func (s *HMACSignatureService) VerifyQuery(values url.Values, sigParam, secret string, enc ports.Encoding) error {
	provided := strings.TrimSpace(values.Get(sigParam))
	if provided == "" {
		return apperror.ErrSignatureMissing()
	}
	if secret == "" {
		return apperror.ErrInvalidSignature()
	}

	got, err := decodeDigest(provided, enc)
	if err != nil {
		return apperror.ErrInvalidSignature()
	}
	canonical := s.CanonicalQuery(values, sigParam)
	if !hmac.Equal(hmacSHA256([]byte(secret), []byte(canonical)), got) {
		return apperror.ErrInvalidSignature()
	}
	return nil
}

func hmacSHA256(key, msg []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(msg)
	return mac.Sum(nil)
}

func encodeDigest(sum []byte, enc ports.Encoding) string {
	if enc == ports.EncodingHex {
		return hex.EncodeToString(sum)
	}
	return base64.StdEncoding.EncodeToString(sum)
}

func decodeDigest(s string, enc ports.Encoding) ([]byte, error) {
	if enc == ports.EncodingHex {
		return hex.DecodeString(strings.ToLower(s))
	}
	return base64.StdEncoding.DecodeString(s)
}
