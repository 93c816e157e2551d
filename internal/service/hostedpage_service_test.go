package service

import (
	"bytes"
	"net/url"
	"strings"
	"testing"
	"time"

	"hosted-payment-bridge/internal/core/ports"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testGatewayURL = "https://dev-secure.rocketgate.com/hostedpage/servlet/HostedPagePurchase"

func newTestHostedPage(cfg HostedPageConfig) *HostedPageServiceImpl {
	if cfg.BaseURL == "" {
		cfg.BaseURL = testGatewayURL
	}
	return NewHostedPageService(cfg, newTestLogger()).
		WithClock(func() time.Time { return time.Unix(1_700_000_000, 0) })
}

func TestHostedPage_Canonical(t *testing.T) {
	svc := newTestHostedPage(HostedPageConfig{})
	got := svc.Canonical(ports.SignedFields{ID: "att-1", MerchantID: "M1", Amount: "10.00", Purchase: "true", Time: 1700000000})
	assert.Equal(t, "id=att-1&merch=M1&amount=10.00&purchase=true&time=1700000000", got)
}

func TestHostedPage_Build(t *testing.T) {
	svc := newTestHostedPage(HostedPageConfig{})
	extras := url.Values{
		"invoice":  {"O-1"},
		"currency": {"USD"},
		"success":  {"https://bridge.example.com/gateway/return?result=success"},
		"amount":   {"999.00"},
	}

	built, err := svc.Build(ports.HostedPageParams{
		ID: "att-1", MerchantID: "M1", Amount: "10.00", Secret: "k", Extras: extras,
	})
	require.NoError(t, err)

	u, err := url.Parse(built)
	require.NoError(t, err)
	assert.Equal(t, "dev-secure.rocketgate.com", u.Host)

	// Signed fields lead in fixed order, hash trails.
	assert.True(t, strings.HasPrefix(u.RawQuery, "id=att-1&merch=M1&amount=10.00&purchase=true&time=1700000000&"))
	keys := queryKeys(u.RawQuery)
	assert.Equal(t, "hash", keys[len(keys)-1])

	q := u.Query()
	assert.Equal(t, []string{"10.00"}, q["amount"], "extras cannot shadow signed fields")
	assert.Equal(t, "O-1", q.Get("invoice"))
	assert.Equal(t, "https://bridge.example.com/gateway/return?result=success", q.Get("success"))

	want := svc.Canonical(ports.SignedFields{ID: "att-1", MerchantID: "M1", Amount: "10.00", Purchase: "true", Time: 1700000000})
	assert.Equal(t, NewHMACSignatureService().Sign("k", want, ports.EncodingBase64), q.Get("hash"))
}

func TestHostedPage_Build_Deterministic(t *testing.T) {
	svc := newTestHostedPage(HostedPageConfig{})
	p := ports.HostedPageParams{ID: "C-9", MerchantID: "M1", Amount: "5.00", Secret: "k"}

	a, err := svc.Build(p)
	require.NoError(t, err)
	b, err := svc.Build(p)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestHostedPage_Build_ExtrasNotSigned(t *testing.T) {
	svc := newTestHostedPage(HostedPageConfig{})
	p := ports.HostedPageParams{ID: "C-9", MerchantID: "M1", Amount: "5.00", Secret: "k"}

	plain, err := svc.Build(p)
	require.NoError(t, err)
	p.Extras = url.Values{"mode": {"test"}}
	withExtra, err := svc.Build(p)
	require.NoError(t, err)

	hashOf := func(raw string) string {
		u, err := url.Parse(raw)
		require.NoError(t, err)
		return u.Query().Get("hash")
	}
	assert.Equal(t, hashOf(plain), hashOf(withExtra))
}

func TestHostedPage_Build_HexAndOverride(t *testing.T) {
	svc := newTestHostedPage(HostedPageConfig{})
	built, err := svc.Build(ports.HostedPageParams{
		ID: "a", MerchantID: "m", Amount: "1.00", Secret: "k",
		BaseURL:  "https://secure.rocketgate.com/hostedpage/servlet/HostedPagePurchase",
		Encoding: ports.EncodingHex,
	})
	require.NoError(t, err)

	u, err := url.Parse(built)
	require.NoError(t, err)
	assert.Equal(t, "secure.rocketgate.com", u.Host)
	assert.Regexp(t, `^[0-9a-f]{64}$`, u.Query().Get("hash"))
}

func TestHostedPage_Build_Validation(t *testing.T) {
	svc := newTestHostedPage(HostedPageConfig{})
	valid := ports.HostedPageParams{ID: "a", MerchantID: "m", Amount: "1.00", Secret: "k"}

	for name, mutate := range map[string]func(p *ports.HostedPageParams){
		"no id":       func(p *ports.HostedPageParams) { p.ID = "" },
		"no merchant": func(p *ports.HostedPageParams) { p.MerchantID = "" },
		"no amount":   func(p *ports.HostedPageParams) { p.Amount = "" },
		"no secret":   func(p *ports.HostedPageParams) { p.Secret = "" },
		"bad base":    func(p *ports.HostedPageParams) { p.BaseURL = "not a url" },
	} {
		t.Run(name, func(t *testing.T) {
			p := valid
			mutate(&p)
			_, err := svc.Build(p)
			assert.Error(t, err)
		})
	}
}

func TestHostedPage_ExpectedHost(t *testing.T) {
	p := ports.HostedPageParams{ID: "a", MerchantID: "m", Amount: "1.00", Secret: "k"}

	strict := newTestHostedPage(HostedPageConfig{ExpectedHost: "secure.rocketgate.com", StrictHost: true})
	_, err := strict.Build(p)
	assert.Error(t, err)

	var buf bytes.Buffer
	lax := NewHostedPageService(HostedPageConfig{BaseURL: testGatewayURL, ExpectedHost: "secure.rocketgate.com"}, zerolog.New(&buf))
	_, err = lax.Build(p)
	assert.NoError(t, err)
	assert.Contains(t, buf.String(), "hosted page host mismatch")

	ok := newTestHostedPage(HostedPageConfig{ExpectedHost: "DEV-secure.rocketgate.com", StrictHost: true})
	_, err = ok.Build(p)
	assert.NoError(t, err)
}

func TestHostedPage_Verify(t *testing.T) {
	svc := newTestHostedPage(HostedPageConfig{})
	built, err := svc.Build(ports.HostedPageParams{ID: "att-1", MerchantID: "M1", Amount: "10.00", Secret: "k"})
	require.NoError(t, err)
	u, _ := url.Parse(built)
	hash := u.Query().Get("hash")

	f := ports.SignedFields{ID: "att-1", MerchantID: "M1", Amount: "10.00", Purchase: "true", Time: 1700000000}
	assert.True(t, svc.Verify(f, "k", hash, ports.EncodingBase64))
	assert.False(t, svc.Verify(f, "other", hash, ports.EncodingBase64))
	assert.False(t, svc.Verify(f, "k", "", ports.EncodingBase64))

	f.Amount = "10.01"
	assert.False(t, svc.Verify(f, "k", hash, ports.EncodingBase64))
}

func queryKeys(raw string) []string {
	var keys []string
	for _, pair := range strings.Split(raw, "&") {
		k, _, _ := strings.Cut(pair, "=")
		keys = append(keys, k)
	}
	return keys
}
