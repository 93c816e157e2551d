package service

import (
	"crypto/hmac"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"hosted-payment-bridge/internal/core/ports"
	"hosted-payment-bridge/pkg/logger"

	"github.com/rs/zerolog"
)

// HostedPageConfig configures the hosted-page URL builder.
type HostedPageConfig struct {
	BaseURL      string // resolved endpoint, see config.GatewayConfig.GatewayBaseURL
	ExpectedHost string
	StrictHost   bool
	Encoding     ports.Encoding
}

// HostedPageServiceImpl implements ports.HostedPageService.
type HostedPageServiceImpl struct {
	cfg HostedPageConfig
	now func() time.Time
	log zerolog.Logger
}

// NewHostedPageService creates a new hosted-page builder.
func NewHostedPageService(cfg HostedPageConfig, log zerolog.Logger) *HostedPageServiceImpl {
	if cfg.Encoding == "" {
		cfg.Encoding = ports.EncodingBase64
	}
	return &HostedPageServiceImpl{
		cfg: cfg,
		now: time.Now,
		log: logger.Component(log, "hosted_page"),
	}
}

// WithClock replaces the time source used for the signed "time" field.
func (s *HostedPageServiceImpl) WithClock(now func() time.Time) *HostedPageServiceImpl {
	s.now = now
	return s
}

// Canonical renders the five signed fields in their fixed order.
func (s *HostedPageServiceImpl) Canonical(f ports.SignedFields) string {
	var b strings.Builder
	b.WriteString("id=")
	b.WriteString(f.ID)
	b.WriteString("&merch=")
	b.WriteString(f.MerchantID)
	b.WriteString("&amount=")
	b.WriteString(f.Amount)
	b.WriteString("&purchase=")
	b.WriteString(f.Purchase)
	b.WriteString("&time=")
	b.WriteString(strconv.FormatInt(f.Time, 10))
	return b.String()
}

// Build returns the signed hosted-page URL for p.
func (s *HostedPageServiceImpl) Build(p ports.HostedPageParams) (string, error) {
	switch {
	case p.ID == "":
		return "", fmt.Errorf("hosted page: id is required")
	case p.MerchantID == "":
		return "", fmt.Errorf("hosted page: merchant id is required")
	case p.Amount == "":
		return "", fmt.Errorf("hosted page: amount is required")
	case p.Secret == "":
		return "", fmt.Errorf("hosted page: merchant secret is required")
	}

	base := p.BaseURL
	if base == "" {
		base = s.cfg.BaseURL
	}
	u, err := url.Parse(base)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("hosted page: invalid base url %q", base)
	}

	enc := p.Encoding
	if enc == "" {
		enc = s.cfg.Encoding
	}

	fields := ports.SignedFields{
		ID:         p.ID,
		MerchantID: p.MerchantID,
		Amount:     p.Amount,
		Purchase:   "true",
		Time:       s.now().Unix(),
	}
	hash := encodeDigest(hmacSHA256([]byte(p.Secret), []byte(s.Canonical(fields))), enc)

	var q strings.Builder
	q.WriteString("id=" + url.QueryEscape(fields.ID))
	q.WriteString("&merch=" + url.QueryEscape(fields.MerchantID))
	q.WriteString("&amount=" + url.QueryEscape(fields.Amount))
	q.WriteString("&purchase=" + fields.Purchase)
	q.WriteString("&time=" + strconv.FormatInt(fields.Time, 10))
	if extras := withoutSigned(p.Extras).Encode(); extras != "" {
		q.WriteString("&" + extras)
	}
	q.WriteString("&hash=" + url.QueryEscape(hash))

	u.RawQuery = q.String()
	built := u.String()

	if err := s.checkHost(u); err != nil {
		return "", err
	}
	return built, nil
}

// Verify recomputes the digest of f and compares it to signature.
func (s *HostedPageServiceImpl) Verify(f ports.SignedFields, secret, signature string, enc ports.Encoding) bool {
	if secret == "" || signature == "" {
		return false
	}
	if enc == "" {
		enc = s.cfg.Encoding
	}
	provided, err := decodeDigest(strings.TrimSpace(signature), enc)
	if err != nil {
		return false
	}
	return hmac.Equal(hmacSHA256([]byte(secret), []byte(s.Canonical(f))), provided)
}

func (s *HostedPageServiceImpl) checkHost(u *url.URL) error {
	if s.cfg.ExpectedHost == "" || strings.EqualFold(u.Hostname(), s.cfg.ExpectedHost) {
		return nil
	}
	if s.cfg.StrictHost {
		return fmt.Errorf("hosted page: host %q does not match expected %q", u.Hostname(), s.cfg.ExpectedHost)
	}
	s.log.Warn().
		Str("host", u.Hostname()).
		Str("expected", s.cfg.ExpectedHost).
		Msg("hosted page host mismatch")
	return nil
}

// withoutSigned drops extras that would shadow a signed field or the hash.
func withoutSigned(extras url.Values) url.Values {
	out := url.Values{}
	for k, v := range extras {
		switch k {
		case "id", "merch", "amount", "purchase", "time", "hash":
			continue
		}
		out[k] = v
	}
	return out
}
