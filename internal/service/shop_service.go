package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"
	"time"

	"hosted-payment-bridge/internal/core/domain"
	"hosted-payment-bridge/internal/core/ports"
	"hosted-payment-bridge/pkg/apperror"
	"hosted-payment-bridge/pkg/logger"

	"github.com/rs/zerolog"
)

// Query parameter carrying the platform's HMAC on install, callback and launch.
const QuerySignatureParam = "hmac"

// ShopConfig configures installation and admin launch.
type ShopConfig struct {
	ClientSecret    string
	PublicURL       string
	StateTTL        time.Duration
	WebhookTopics   []string
	VerifyQuery     bool
	QueryEncoding   ports.Encoding
	LaunchTolerance time.Duration
}

type shopService struct {
	shops    ports.ShopRepository
	settings ports.SettingsRepository
	states   ports.OAuthStateStore
	platform ports.PlatformClient
	sigs     ports.SignatureService
	sessions ports.SessionService
	tokens   ports.EncryptionService
	secrets  ports.EncryptionService
	cfg      ShopConfig
	now      func() time.Time
	log      zerolog.Logger
}

// NewShopService creates the install, launch and settings service. tokens
// encrypts shop access tokens; secrets encrypts merchant secrets.
func NewShopService(
	shops ports.ShopRepository,
	settings ports.SettingsRepository,
	states ports.OAuthStateStore,
	platform ports.PlatformClient,
	sigs ports.SignatureService,
	sessions ports.SessionService,
	tokens ports.EncryptionService,
	secrets ports.EncryptionService,
	cfg ShopConfig,
	log zerolog.Logger,
) ports.ShopService {
	return newShopService(shops, settings, states, platform, sigs, sessions, tokens, secrets, cfg, log, time.Now)
}

func newShopService(
	shops ports.ShopRepository,
	settings ports.SettingsRepository,
	states ports.OAuthStateStore,
	platform ports.PlatformClient,
	sigs ports.SignatureService,
	sessions ports.SessionService,
	tokens ports.EncryptionService,
	secrets ports.EncryptionService,
	cfg ShopConfig,
	log zerolog.Logger,
	now func() time.Time,
) *shopService {
	if cfg.StateTTL <= 0 {
		cfg.StateTTL = 10 * time.Minute
	}
	if cfg.LaunchTolerance <= 0 {
		cfg.LaunchTolerance = 5 * time.Minute
	}
	if cfg.QueryEncoding == "" {
		cfg.QueryEncoding = ports.EncodingHex
	}
	cfg.PublicURL = strings.TrimSuffix(cfg.PublicURL, "/")
	return &shopService{
		shops:    shops,
		settings: settings,
		states:   states,
		platform: platform,
		sigs:     sigs,
		sessions: sessions,
		tokens:   tokens,
		secrets:  secrets,
		cfg:      cfg,
		now:      now,
		log:      logger.Component(log, "shop"),
	}
}

// BeginInstall stores a fresh state and returns the platform authorize URL.
// Direct install links carry no hmac; when one is present it must verify.
func (s *shopService) BeginInstall(ctx context.Context, query url.Values) (string, error) {
	shop, err := shopFromQuery(query)
	if err != nil {
		return "", err
	}
	if query.Get(QuerySignatureParam) != "" {
		if err := s.verifyQuery(query); err != nil {
			return "", err
		}
	}

	state, err := randomState()
	if err != nil {
		return "", apperror.InternalError(err)
	}
	entry := &domain.OAuthState{State: state, Shop: shop, IssuedAt: s.now()}
	if err := s.states.Put(ctx, entry, s.cfg.StateTTL); err != nil {
		return "", apperror.InternalError(fmt.Errorf("store oauth state: %w", err))
	}

	s.log.Info().Str("shop", shop).Msg("install started")
	return s.platform.AuthorizeURL(shop, state, s.cfg.PublicURL+"/oauth/callback"), nil
}

// CompleteInstall finishes the OAuth handshake and records the shop.
func (s *shopService) CompleteInstall(ctx context.Context, query url.Values) (*ports.InstallResult, error) {
	shop, err := shopFromQuery(query)
	if err != nil {
		return nil, err
	}
	if err := s.verifyQuery(query); err != nil {
		return nil, err
	}

	entry, err := s.states.Consume(ctx, query.Get("state"))
	if err != nil {
		return nil, apperror.InternalError(fmt.Errorf("consume oauth state: %w", err))
	}
	if entry == nil || entry.Shop != shop || entry.Expired(s.now(), s.cfg.StateTTL) {
		return nil, apperror.ErrInvalidState()
	}

	code := strings.TrimSpace(query.Get("code"))
	if code == "" {
		return nil, apperror.Validation("authorization code is required")
	}

	grant, err := s.platform.ExchangeToken(ctx, shop, code)
	if err != nil {
		return nil, apperror.ErrUpstream(fmt.Errorf("exchange token: %w", err))
	}
	tokenEnc, err := s.tokens.Encrypt(grant.AccessToken)
	if err != nil {
		return nil, apperror.ErrEncryptionFailure(err)
	}

	now := s.now().UTC()
	record := &domain.Shop{
		Shop:           shop,
		StoreID:        firstNonEmpty(grant.StoreID, query.Get("store_id")),
		AccessTokenEnc: tokenEnc,
		Scope:          grant.Scope,
		InstalledAt:    now,
		UpdatedAt:      now,
	}
	if err := s.shops.Upsert(ctx, record); err != nil {
		return nil, apperror.ErrDatabaseError(err)
	}

	debug := s.registerWebhooks(ctx, shop, grant.AccessToken)

	s.log.Info().Str("shop", shop).Str("scope", grant.Scope).Msg("shop installed")
	return &ports.InstallResult{Shop: record, Debug: debug}, nil
}

// Launch verifies the admin launch link and issues a session.
func (s *shopService) Launch(ctx context.Context, query url.Values) (*ports.LaunchResult, error) {
	shop, err := shopFromQuery(query)
	if err != nil {
		return nil, err
	}
	if s.cfg.VerifyQuery {
		if err := s.verifyQuery(query); err != nil {
			return nil, err
		}
		if err := s.sigs.CheckTimestamp(query.Get("timestamp"), s.cfg.LaunchTolerance, s.now()); err != nil {
			return nil, err
		}
	}

	record, err := s.shops.Get(ctx, shop)
	if err != nil {
		return nil, apperror.ErrDatabaseError(err)
	}
	if record == nil || !record.IsInstalled() {
		return nil, apperror.ErrShopNotInstalled()
	}

	token, expiresAt, err := s.sessions.Issue(shop, record.StoreID)
	if err != nil {
		return nil, apperror.InternalError(err)
	}
	return &ports.LaunchResult{Shop: shop, Token: token, ExpiresAt: expiresAt}, nil
}

// GetSettings returns the masked gateway settings of shop.
func (s *shopService) GetSettings(ctx context.Context, shop string) (*ports.SettingsView, error) {
	settings, err := s.settings.Get(ctx, shop)
	if err != nil {
		return nil, apperror.ErrDatabaseError(err)
	}
	return settingsView(shop, settings), nil
}

// UpdateSettings applies upd field by field. The stored secret is kept unless
// upd carries a non-empty replacement.
func (s *shopService) UpdateSettings(ctx context.Context, shop string, upd domain.SettingsUpdate) (*ports.SettingsView, error) {
	patch := domain.SettingsPatch{
		MerchantID: trimmed(upd.MerchantID),
		ReturnURL:  trimmed(upd.ReturnURL),
		CancelURL:  trimmed(upd.CancelURL),
		UpdatedAt:  s.now().UTC(),
	}
	if upd.Mode != nil {
		switch *upd.Mode {
		case domain.GatewayModeTest, domain.GatewayModeLive:
			patch.Mode = upd.Mode
		default:
			return nil, apperror.Validation(fmt.Sprintf("unknown mode %q", *upd.Mode))
		}
	}
	if upd.ReplacesSecret() {
		enc, err := s.secrets.Encrypt(strings.TrimSpace(*upd.MerchantSecret))
		if err != nil {
			return nil, apperror.ErrEncryptionFailure(err)
		}
		patch.MerchantSecretEnc = &enc
	}

	saved, err := s.settings.Patch(ctx, shop, patch)
	if err != nil {
		return nil, apperror.ErrDatabaseError(err)
	}

	s.log.Info().
		Str("shop", shop).
		Str("mode", string(saved.Mode)).
		Bool("secret_replaced", upd.ReplacesSecret()).
		Msg("gateway settings updated")
	return settingsView(shop, saved), nil
}

// Uninstall stamps the shop as uninstalled. Unknown shops are ignored.
func (s *shopService) Uninstall(ctx context.Context, shop string) error {
	if err := s.shops.MarkUninstalled(ctx, domain.NormalizeShop(shop), s.now().UTC()); err != nil {
		return apperror.ErrDatabaseError(err)
	}
	s.log.Info().Str("shop", shop).Msg("shop uninstalled")
	return nil
}

func (s *shopService) verifyQuery(query url.Values) error {
	if !s.cfg.VerifyQuery {
		return nil
	}
	return s.sigs.VerifyQuery(query, QuerySignatureParam, s.cfg.ClientSecret, s.cfg.QueryEncoding)
}

// registerWebhooks subscribes every configured topic. Failures are recorded
// per topic and never abort the install.
func (s *shopService) registerWebhooks(ctx context.Context, shop, accessToken string) map[string]string {
	if len(s.cfg.WebhookTopics) == 0 {
		return nil
	}

	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), platformCallTimeout)
	defer cancel()

	address := s.cfg.PublicURL + "/webhooks/platform"
	debug := make(map[string]string, len(s.cfg.WebhookTopics))
	for _, topic := range s.cfg.WebhookTopics {
		if err := s.platform.RegisterWebhook(callCtx, shop, accessToken, topic, address); err != nil {
			s.log.Warn().Err(err).Str("shop", shop).Str("topic", topic).Msg("webhook registration failed")
			debug[topic] = err.Error()
			continue
		}
		debug[topic] = "registered"
	}
	return debug
}

func settingsView(shop string, g *domain.GatewaySettings) *ports.SettingsView {
	v := &ports.SettingsView{Shop: shop, Mode: domain.GatewayModeTest}
	if g == nil {
		return v
	}
	v.MerchantID = g.MerchantID
	v.MerchantSecret = g.MaskedSecret()
	v.Mode = g.Mode
	v.ReturnURL = g.ReturnURL
	v.CancelURL = g.CancelURL
	if !g.UpdatedAt.IsZero() {
		at := g.UpdatedAt
		v.UpdatedAt = &at
	}
	return v
}

func shopFromQuery(query url.Values) (string, error) {
	shop := domain.NormalizeShop(query.Get("shop"))
	if !domain.ValidShopHost(shop) {
		return "", apperror.ErrInvalidShop()
	}
	return shop, nil
}

func randomState() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate state: %w", err)
	}
	return hex.EncodeToString(b), nil
}

func trimmed(v *string) *string {
	if v == nil {
		return nil
	}
	t := strings.TrimSpace(*v)
	return &t
}
