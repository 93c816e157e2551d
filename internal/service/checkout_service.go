package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"hosted-payment-bridge/internal/core/domain"
	"hosted-payment-bridge/internal/core/ports"
	"hosted-payment-bridge/pkg/apperror"
	"hosted-payment-bridge/pkg/logger"

	"github.com/rs/zerolog"
)

const (
	defaultSessionCacheTTL = 24 * time.Hour
	platformCallTimeout    = 10 * time.Second
)

// CheckoutConfig configures the checkout flow.
type CheckoutConfig struct {
	// PublicURL is this service's externally reachable base URL; the gateway
	// sends the buyer back to PublicURL + "/gateway/return".
	PublicURL string
	// Global credentials, used when a shop has no complete settings of its own.
	MerchantID     string
	MerchantSecret string
	// TestMode applies to global credentials when the shop has no settings.
	TestMode   bool
	SessionTTL time.Duration
}

// CheckoutServiceImpl implements ports.CheckoutService.
type CheckoutServiceImpl struct {
	ledger   ports.LedgerService
	settings ports.SettingsRepository
	hosted   ports.HostedPageService
	secrets  ports.EncryptionService
	cache    ports.IdempotencyCache
	platform ports.PlatformClient
	cfg      CheckoutConfig
	log      zerolog.Logger
}

// NewCheckoutService creates a new CheckoutServiceImpl. cache may be nil.
func NewCheckoutService(
	ledger ports.LedgerService,
	settings ports.SettingsRepository,
	hosted ports.HostedPageService,
	secrets ports.EncryptionService,
	cache ports.IdempotencyCache,
	platform ports.PlatformClient,
	cfg CheckoutConfig,
	log zerolog.Logger,
) *CheckoutServiceImpl {
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = defaultSessionCacheTTL
	}
	cfg.PublicURL = strings.TrimSuffix(cfg.PublicURL, "/")
	return &CheckoutServiceImpl{
		ledger:   ledger,
		settings: settings,
		hosted:   hosted,
		secrets:  secrets,
		cache:    cache,
		platform: platform,
		cfg:      cfg,
		log:      logger.Component(log, "checkout"),
	}
}

// credentials are the resolved signing inputs for one shop.
type credentials struct {
	merchantID string
	secret     string
	test       bool
}

// cachedSession is what the idempotency cache stores per (shop, attempt).
type cachedSession struct {
	Fingerprint string `json:"fingerprint"`
	RedirectURL string `json:"redirect_url"`
}

// CreatePaymentSession handles the platform payment-session call. Identical
// repeats for one attempt return the same redirect URL.
func (s *CheckoutServiceImpl) CreatePaymentSession(ctx context.Context, req ports.PaymentSessionRequest) (*ports.PaymentSessionResult, error) {
	if req.AttemptID == "" {
		return nil, apperror.Validation("payment attempt id is required")
	}
	if err := s.validateSession(&req); err != nil {
		return nil, err
	}

	cacheKey := domain.BuildSessionCacheKey(req.Shop, req.AttemptID)
	fingerprint := sessionFingerprint(req)
	if hit := s.cachedRedirect(ctx, cacheKey, fingerprint); hit != "" {
		return &ports.PaymentSessionResult{RedirectURL: hit}, nil
	}

	res, err := s.startSession(ctx, req)
	if err != nil {
		return nil, err
	}

	s.storeRedirect(ctx, cacheKey, cachedSession{Fingerprint: fingerprint, RedirectURL: res.RedirectURL})
	return res, nil
}

// StartPayment handles the app-proxy and direct-pay entry points.
func (s *CheckoutServiceImpl) StartPayment(ctx context.Context, req ports.PaymentSessionRequest) (*ports.PaymentSessionResult, error) {
	if err := s.validateSession(&req); err != nil {
		return nil, err
	}
	return s.startSession(ctx, req)
}

// HandleReturn records the buyer's return and decides where to send them.
// A return is never authoritative; it only advances the ledger forward and
// the platform hears "pending" until a gateway notification settles the row.
func (s *CheckoutServiceImpl) HandleReturn(ctx context.Context, req ports.ReturnRequest) (*ports.ReturnResult, error) {
	key := domain.PaymentKey{Shop: domain.NormalizeShop(req.Shop), OrderID: req.OrderID, AttemptID: req.AttemptID}
	if key.Shop == "" {
		return nil, apperror.ErrInvalidShop()
	}
	if err := key.Validate(); err != nil {
		return nil, apperror.Validation(err.Error())
	}

	status := domain.MapReturnResult(req.Result)
	p, _, err := s.ledger.SetStatus(ctx, key, status, domain.SourceReturn, domain.StrPtr(req.GatewayTxnID))
	if err != nil {
		return nil, err
	}

	settings, err := s.settings.Get(ctx, key.Shop)
	if err != nil {
		s.log.Warn().Err(err).Str("shop", key.Shop).Msg("settings lookup failed on return")
		settings = nil
	}

	res := &ports.ReturnResult{Payment: p, RedirectURL: returnRedirect(status, p, settings)}
	if status != domain.PaymentStatusReturnedUnknown {
		res.Notified = s.notifyPlatform(ctx, p)
	}

	s.log.Info().
		Str("shop", key.Shop).
		Str("order_id", p.OrderID).
		Str("result", string(status)).
		Str("status", string(p.Status)).
		Bool("notified", res.Notified).
		Msg("buyer returned")
	return res, nil
}

// HandleNotify applies an authoritative gateway notification. Without a shop
// the row is found by order (or attempt) id; an order nobody has seen is
// seeded unscoped. The platform is called only by the write that moved the
// row into a settled status.
func (s *CheckoutServiceImpl) HandleNotify(ctx context.Context, req ports.NotifyRequest) (*domain.Payment, error) {
	key := domain.PaymentKey{Shop: domain.NormalizeShop(req.Shop), OrderID: req.OrderID, AttemptID: req.AttemptID}
	if key.Shop != "" && !domain.ValidShopHost(key.Shop) {
		return nil, apperror.ErrInvalidShop()
	}
	if err := key.Validate(); err != nil {
		return nil, apperror.Validation(err.Error())
	}
	if key.Shop == "" {
		shop, err := s.ledger.ResolveShop(ctx, key.OrderID, key.AttemptID)
		if err != nil {
			return nil, err
		}
		key.Shop = shop
	}

	status := domain.MapNotifyStatus(req.Status)
	p, advanced, err := s.ledger.SetStatus(ctx, key, status, domain.SourceNotify, domain.StrPtr(req.GatewayTxnID))
	if err != nil {
		return nil, err
	}

	if advanced && p.IsTerminal() {
		s.notifyPlatform(ctx, p)
	}

	s.log.Info().
		Str("shop", key.Shop).
		Str("order_id", p.OrderID).
		Str("gateway_status", req.Status).
		Str("status", string(p.Status)).
		Bool("advanced", advanced).
		Msg("gateway notification applied")
	return p, nil
}

// GetPayment returns the ledger row for key.
func (s *CheckoutServiceImpl) GetPayment(ctx context.Context, key domain.PaymentKey) (*domain.Payment, error) {
	p, err := s.ledger.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, apperror.ErrNotFound("payment")
	}
	return p, nil
}

func (s *CheckoutServiceImpl) validateSession(req *ports.PaymentSessionRequest) error {
	req.Shop = domain.NormalizeShop(req.Shop)
	if req.Shop == "" {
		return apperror.ErrInvalidShop()
	}
	if req.OrderID == "" {
		return apperror.Validation("order id is required")
	}
	amount, err := domain.NormalizeAmount(req.Amount)
	if err != nil {
		return apperror.ErrInvalidAmount()
	}
	req.Amount = amount
	req.Currency = strings.ToUpper(strings.TrimSpace(req.Currency))
	if len(req.Currency) != 3 {
		return apperror.ErrInvalidCurrency()
	}
	return nil
}

// startSession resolves credentials, records the session and signs the URL.
func (s *CheckoutServiceImpl) startSession(ctx context.Context, req ports.PaymentSessionRequest) (*ports.PaymentSessionResult, error) {
	creds, err := s.resolveCredentials(ctx, req.Shop)
	if err != nil {
		return nil, err
	}

	p, err := s.ledger.InitSession(ctx, ports.InitSessionRequest{
		Key:        domain.PaymentKey{Shop: req.Shop, OrderID: req.OrderID, AttemptID: req.AttemptID},
		Amount:     req.Amount,
		Currency:   req.Currency,
		CustomerID: req.CustomerID,
		Links: domain.PaymentLinks{
			CompleteURL: req.CompleteURL,
			CallbackURL: req.CallbackURL,
			CancelURL:   req.CancelURL,
			Test:        req.Test,
		},
	})
	if err != nil {
		return nil, err
	}

	id := firstNonEmpty(req.CustomerID, req.AttemptID, req.OrderID)
	mode := string(domain.GatewayModeLive)
	if creds.test || req.Test {
		mode = string(domain.GatewayModeTest)
	}
	extras := url.Values{
		"shop":     {req.Shop},
		"invoice":  {req.OrderID},
		"currency": {req.Currency},
		"success":  {s.returnURL("success", req)},
		"fail":     {s.returnURL("fail", req)},
		"mode":     {mode},
	}

	redirect, err := s.hosted.Build(ports.HostedPageParams{
		ID:         id,
		MerchantID: creds.merchantID,
		Amount:     req.Amount,
		Secret:     creds.secret,
		Extras:     extras,
	})
	if err != nil {
		return nil, apperror.ErrMisconfigured(err)
	}

	s.log.Info().
		Str("shop", req.Shop).
		Str("order_id", req.OrderID).
		Str("attempt_id", req.AttemptID).
		Str("status", string(p.Status)).
		Msg("payment session started")
	return &ports.PaymentSessionResult{RedirectURL: redirect, Payment: p}, nil
}

// resolveCredentials prefers complete per-shop settings over the global
// gateway config.
func (s *CheckoutServiceImpl) resolveCredentials(ctx context.Context, shop string) (*credentials, error) {
	settings, err := s.settings.Get(ctx, shop)
	if err != nil {
		return nil, apperror.ErrDatabaseError(fmt.Errorf("get settings: %w", err))
	}

	if settings.IsComplete() {
		secret, err := s.secrets.Decrypt(settings.MerchantSecretEnc)
		if err != nil {
			return nil, apperror.ErrEncryptionFailure(fmt.Errorf("decrypt merchant secret: %w", err))
		}
		return &credentials{merchantID: settings.MerchantID, secret: secret, test: settings.IsTest()}, nil
	}

	switch {
	case s.cfg.MerchantID != "" && s.cfg.MerchantSecret != "":
		test := s.cfg.TestMode
		if settings != nil {
			test = settings.IsTest()
		}
		return &credentials{merchantID: s.cfg.MerchantID, secret: s.cfg.MerchantSecret, test: test}, nil
	case s.cfg.MerchantID != "":
		return nil, apperror.ErrMisconfigured(fmt.Errorf("global merchant secret is not set"))
	default:
		return nil, apperror.ErrSettingsMissing()
	}
}

func (s *CheckoutServiceImpl) returnURL(result string, req ports.PaymentSessionRequest) string {
	q := url.Values{"result": {result}, "shop": {req.Shop}, "orderId": {req.OrderID}}
	if req.AttemptID != "" {
		q.Set("attempt", req.AttemptID)
	}
	return s.cfg.PublicURL + "/gateway/return?" + q.Encode()
}

func (s *CheckoutServiceImpl) cachedRedirect(ctx context.Context, key, fingerprint string) string {
	if s.cache == nil {
		return ""
	}
	raw, err := s.cache.Get(ctx, key)
	if err != nil {
		s.log.Warn().Err(err).Str("key", key).Msg("session cache lookup failed, falling through to ledger")
		return ""
	}
	if raw == nil {
		return ""
	}
	var cached cachedSession
	if err := json.Unmarshal(raw, &cached); err != nil {
		s.log.Warn().Err(err).Str("key", key).Msg("corrupt session cache entry")
		return ""
	}
	// A different request body for the same attempt goes to the ledger,
	// which reports the conflict.
	if cached.Fingerprint != fingerprint {
		return ""
	}
	return cached.RedirectURL
}

func (s *CheckoutServiceImpl) storeRedirect(ctx context.Context, key string, entry cachedSession) {
	if s.cache == nil {
		return
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, key, raw, s.cfg.SessionTTL); err != nil {
		s.log.Warn().Err(err).Str("key", key).Msg("failed to cache payment session")
	}
}

// notifyPlatform posts the payment outcome to the session's callback URL.
// Failures are logged and reported as false; they never fail the caller.
func (s *CheckoutServiceImpl) notifyPlatform(ctx context.Context, p *domain.Payment) bool {
	if s.platform == nil || p.Links.CallbackURL == "" {
		return false
	}

	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), platformCallTimeout)
	defer cancel()

	cb := ports.PaymentCallback{
		ID:       derefOr(p.AttemptID, p.OrderID),
		OrderID:  p.OrderID,
		Status:   platformStatus(p.Status),
		Amount:   derefOr(p.Amount, ""),
		Currency: derefOr(p.Currency, ""),
		Test:     p.Links.Test,
	}
	cb.TransactionID = derefOr(p.GatewayTransactionID, "")

	if err := s.platform.NotifyPaymentComplete(callCtx, p.Links.CallbackURL, cb); err != nil {
		s.log.Warn().Err(err).Str("order_id", p.OrderID).Msg("platform payment callback failed")
		return false
	}
	return true
}

// returnRedirect picks the buyer's destination after a return.
func returnRedirect(status domain.PaymentStatus, p *domain.Payment, settings *domain.GatewaySettings) string {
	var shopReturn, shopCancel string
	if settings != nil {
		shopReturn, shopCancel = settings.ReturnURL, settings.CancelURL
	}
	if status == domain.PaymentStatusReturnedFail {
		return firstNonEmpty(p.Links.CancelURL, shopCancel, p.Links.CompleteURL, shopReturn)
	}
	return firstNonEmpty(p.Links.CompleteURL, shopReturn)
}

// platformStatus maps a ledger status to the platform's callback vocabulary.
// Buyer-return statuses are unsigned and report as pending.
func platformStatus(s domain.PaymentStatus) string {
	switch s {
	case domain.PaymentStatusPaid:
		return "success"
	case domain.PaymentStatusDeclined, domain.PaymentStatusError:
		return "failed"
	case domain.PaymentStatusRefunded:
		return "refunded"
	case domain.PaymentStatusVoided:
		return "cancelled"
	default:
		return "pending"
	}
}

func sessionFingerprint(req ports.PaymentSessionRequest) string {
	sum := sha256.Sum256([]byte(strings.Join([]string{
		req.OrderID, req.Amount, req.Currency, req.CustomerID,
		req.CompleteURL, req.CallbackURL, req.CancelURL, strconv.FormatBool(req.Test),
	}, "\x1f")))
	return hex.EncodeToString(sum[:])
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func derefOr(s *string, def string) string {
	if s == nil || *s == "" {
		return def
	}
	return *s
}
