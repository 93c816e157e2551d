package ports

//go:generate mockgen -source=services.go -destination=mocks/services.go -package=mocks

import (
	"context"
	"net/url"
	"time"

	"hosted-payment-bridge/internal/core/domain"
)

// Encoding selects how an HMAC digest is rendered.
type Encoding string

const (
	EncodingHex    Encoding = "hex"
	EncodingBase64 Encoding = "base64"
)

// ParseEncoding maps a config value to an Encoding, defaulting to def.
func ParseEncoding(s string, def Encoding) Encoding {
	switch Encoding(s) {
	case EncodingHex, EncodingBase64:
		return Encoding(s)
	default:
		return def
	}
}

// EncryptionService handles AES-256-GCM encryption/decryption.
type EncryptionService interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
}

// SignatureService verifies inbound HMAC signatures and timestamps.
type SignatureService interface {
	Sign(secret, payload string, enc Encoding) string
	VerifyWebhook(raw []byte, headerSig, secret string, enc Encoding) error
	CheckTimestamp(header string, tolerance time.Duration, now time.Time) error
	CanonicalQuery(values url.Values, sigParam string) string
	VerifyQuery(values url.Values, sigParam, secret string, enc Encoding) error
}

// SessionService mints and reads the stateless admin session token.
type SessionService interface {
	Issue(shop, storeID string) (string, time.Time, error)
	Read(token string) (*domain.SessionClaims, error)
	TTL() time.Duration
}

// TokenService validates platform-issued session JWTs for embedded admin calls.
type TokenService interface {
	Validate(tokenString string) (*TokenClaims, error)
}

// TokenClaims holds the parsed platform JWT claims.
type TokenClaims struct {
	Shop      string
	Subject   string
	ExpiresAt time.Time
}

// IdempotencyCache caches rendered responses by key.
type IdempotencyCache interface {
	Get(ctx context.Context, key string) ([]byte, error) // nil on miss
	// Set keeps an existing live entry; the first cached response wins.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// OAuthStateStore holds pending install handshakes.
type OAuthStateStore interface {
	Put(ctx context.Context, state *domain.OAuthState, ttl time.Duration) error
	// Consume returns and deletes the entry; nil when absent or expired.
	Consume(ctx context.Context, state string) (*domain.OAuthState, error)
}

// --- Outbound platform API ---

// TokenGrant is the result of an OAuth code exchange.
type TokenGrant struct {
	AccessToken string `json:"access_token"`
	Scope       string `json:"scope"`
	StoreID     string `json:"store_id,omitempty"`
}

// PaymentCallback is posted to the platform once a payment resolves.
type PaymentCallback struct {
	ID            string `json:"id"`
	OrderID       string `json:"order_id"`
	Status        string `json:"status"`
	TransactionID string `json:"transaction_id,omitempty"`
	Amount        string `json:"amount,omitempty"`
	Currency      string `json:"currency,omitempty"`
	Test          bool   `json:"test"`
}

// PlatformClient talks to the e-commerce platform's API.
type PlatformClient interface {
	AuthorizeURL(shop, state, redirectURI string) string
	ExchangeToken(ctx context.Context, shop, code string) (*TokenGrant, error)
	RegisterWebhook(ctx context.Context, shop, accessToken, topic, address string) error
	NotifyPaymentComplete(ctx context.Context, callbackURL string, cb PaymentCallback) error
}

// --- Service Ports (Business Logic) ---

// LedgerService is the forward-only payment ledger.
type LedgerService interface {
	CreateOrUpdate(ctx context.Context, key domain.PaymentKey, fields domain.PaymentFields, opts domain.MergeOptions) (*domain.Payment, error)
	// SetStatus reports whether this call moved the row to a new status, as
	// decided inside the write transaction.
	SetStatus(ctx context.Context, key domain.PaymentKey, status domain.PaymentStatus, source string, gatewayTxn *string) (*domain.Payment, bool, error)
	Get(ctx context.Context, key domain.PaymentKey) (*domain.Payment, error)
	// ResolveShop returns the shop owning the order (or attempt), "" when no
	// row exists yet.
	ResolveShop(ctx context.Context, orderID, attemptID string) (string, error)
	InitSession(ctx context.Context, req InitSessionRequest) (*domain.Payment, error)
}

// InitSessionRequest is an idempotent session initialization.
type InitSessionRequest struct {
	Key        domain.PaymentKey
	Amount     string
	Currency   string
	CustomerID string
	Links      domain.PaymentLinks
}

// HostedPageParams are the inputs of a hosted-page redirect URL.
type HostedPageParams struct {
	ID         string // attempt or customer id
	MerchantID string
	Amount     string
	Secret     string
	BaseURL    string // overrides the configured tier when set
	Extras     url.Values
	Encoding   Encoding
}

// SignedFields are the five signed hosted-page fields, in signing order.
type SignedFields struct {
	ID         string
	MerchantID string
	Amount     string
	Purchase   string
	Time       int64
}

// HostedPageService builds and verifies signed hosted-page URLs.
type HostedPageService interface {
	Build(p HostedPageParams) (string, error)
	Canonical(f SignedFields) string
	Verify(f SignedFields, secret, signature string, enc Encoding) bool
}

// AuditService records raw inbound payloads.
type AuditService interface {
	Record(ctx context.Context, e *domain.WebhookEvent)
}

// PaymentSessionRequest starts a hosted-page payment.
type PaymentSessionRequest struct {
	Shop        string
	AttemptID   string
	OrderID     string
	Amount      string
	Currency    string
	CustomerID  string
	CompleteURL string
	CallbackURL string
	CancelURL   string
	Test        bool
}

// PaymentSessionResult is returned to the caller, which performs the redirect.
type PaymentSessionResult struct {
	RedirectURL string          `json:"redirect_url"`
	Payment     *domain.Payment `json:"-"`
}

// ReturnRequest is the buyer's browser coming back from the hosted page.
type ReturnRequest struct {
	Shop         string
	OrderID      string
	AttemptID    string
	Result       string
	GatewayTxnID string
}

// ReturnResult tells the handler where to send the buyer.
type ReturnResult struct {
	Payment     *domain.Payment
	RedirectURL string
	Notified    bool
}

// NotifyRequest is a gateway server-to-server notification.
type NotifyRequest struct {
	Shop         string
	OrderID      string
	AttemptID    string
	Status       string
	GatewayTxnID string
}

// CheckoutService drives the hosted-page checkout.
type CheckoutService interface {
	CreatePaymentSession(ctx context.Context, req PaymentSessionRequest) (*PaymentSessionResult, error)
	StartPayment(ctx context.Context, req PaymentSessionRequest) (*PaymentSessionResult, error)
	HandleReturn(ctx context.Context, req ReturnRequest) (*ReturnResult, error)
	HandleNotify(ctx context.Context, req NotifyRequest) (*domain.Payment, error)
	GetPayment(ctx context.Context, key domain.PaymentKey) (*domain.Payment, error)
}

// InstallResult summarizes a completed OAuth install.
type InstallResult struct {
	Shop  *domain.Shop      `json:"shop"`
	Debug map[string]string `json:"debug,omitempty"`
}

// LaunchResult carries a freshly issued admin session.
type LaunchResult struct {
	Shop      string
	Token     string
	ExpiresAt time.Time
}

// SettingsView is the masked settings representation.
type SettingsView struct {
	Shop           string             `json:"shop"`
	MerchantID     string             `json:"merchant_id"`
	MerchantSecret string             `json:"merchant_secret"`
	Mode           domain.GatewayMode `json:"mode"`
	ReturnURL      string             `json:"return_url"`
	CancelURL      string             `json:"cancel_url"`
	UpdatedAt      *time.Time         `json:"updated_at,omitempty"`
}

// ShopService drives installation, launch and settings.
type ShopService interface {
	BeginInstall(ctx context.Context, query url.Values) (string, error)
	CompleteInstall(ctx context.Context, query url.Values) (*InstallResult, error)
	Launch(ctx context.Context, query url.Values) (*LaunchResult, error)
	GetSettings(ctx context.Context, shop string) (*SettingsView, error)
	UpdateSettings(ctx context.Context, shop string, upd domain.SettingsUpdate) (*SettingsView, error)
	Uninstall(ctx context.Context, shop string) error
}
