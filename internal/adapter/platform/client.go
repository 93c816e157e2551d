// Package platform is the outbound client for the e-commerce platform API.
package platform

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"hosted-payment-bridge/internal/core/ports"
	"hosted-payment-bridge/pkg/logger"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
)

// Header names used by the platform.
const (
	HeaderAccessToken = "Access-Token"
	HeaderHmac        = "X-Shoplazza-Hmac-Sha256"
	HeaderShopDomain  = "X-Shoplazza-Shop-Domain"
	HeaderTopic       = "X-Shoplazza-Topic"
	HeaderTimestamp   = "X-Shoplazza-Timestamp"
)

// Config configures the platform client.
type Config struct {
	ClientID     string
	ClientSecret string
	Scopes       string
	APIVersion   string
	Timeout      time.Duration
	// Scheme used to reach shop hosts; https unless overridden in tests.
	Scheme string
}

// Client implements ports.PlatformClient with resty.
type Client struct {
	http *resty.Client
	cfg  Config
	log  zerolog.Logger
}

// NewClient creates a new platform client.
func NewClient(cfg Config, log zerolog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Scheme == "" {
		cfg.Scheme = "https"
	}
	if cfg.APIVersion == "" {
		cfg.APIVersion = "2022-01"
	}

	httpClient := resty.New().
		SetTimeout(cfg.Timeout).
		SetHeader("Accept", "application/json").
		SetHeader("User-Agent", "hosted-payment-bridge")

	return &Client{
		http: httpClient,
		cfg:  cfg,
		log:  logger.Component(log, "platform_client"),
	}
}

// AuthorizeURL builds the OAuth consent URL for shop.
func (c *Client) AuthorizeURL(shop, state, redirectURI string) string {
	q := url.Values{
		"client_id":     {c.cfg.ClientID},
		"scope":         {c.cfg.Scopes},
		"redirect_uri":  {redirectURI},
		"response_type": {"code"},
		"state":         {state},
	}
	return c.shopURL(shop, "/admin/oauth/authorize") + "?" + q.Encode()
}

// ExchangeToken trades an authorization code for an access token.
func (c *Client) ExchangeToken(ctx context.Context, shop, code string) (*ports.TokenGrant, error) {
	var grant ports.TokenGrant
	resp, err := c.http.R().
		SetContext(ctx).
		SetFormData(map[string]string{
			"client_id":     c.cfg.ClientID,
			"client_secret": c.cfg.ClientSecret,
			"code":          code,
			"grant_type":    "authorization_code",
		}).
		SetResult(&grant).
		Post(c.shopURL(shop, "/admin/oauth/token"))
	if err != nil {
		return nil, fmt.Errorf("token request: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("token request: status %d", resp.StatusCode())
	}
	if grant.AccessToken == "" {
		return nil, fmt.Errorf("token response has no access_token")
	}
	return &grant, nil
}

type webhookRequest struct {
	Address string `json:"address"`
	Topic   string `json:"topic"`
}

// RegisterWebhook subscribes address to topic for shop.
func (c *Client) RegisterWebhook(ctx context.Context, shop, accessToken, topic, address string) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader(HeaderAccessToken, accessToken).
		SetBody(webhookRequest{Address: address, Topic: topic}).
		Post(c.shopURL(shop, "/openapi/"+c.cfg.APIVersion+"/webhooks"))
	if err != nil {
		return fmt.Errorf("register webhook %s: %w", topic, err)
	}
	if resp.IsError() {
		return fmt.Errorf("register webhook %s: status %d", topic, resp.StatusCode())
	}
	return nil
}

// NotifyPaymentComplete posts cb to the session's callback URL. The body is
// signed with the app secret the same way the platform signs its webhooks.
func (c *Client) NotifyPaymentComplete(ctx context.Context, callbackURL string, cb ports.PaymentCallback) error {
	body, err := json.Marshal(cb)
	if err != nil {
		return fmt.Errorf("encode callback: %w", err)
	}

	mac := hmac.New(sha256.New, []byte(c.cfg.ClientSecret))
	mac.Write(body)

	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetHeader(HeaderHmac, base64.StdEncoding.EncodeToString(mac.Sum(nil))).
		SetBody(body).
		Post(callbackURL)
	if err != nil {
		return fmt.Errorf("payment callback: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("payment callback: status %d", resp.StatusCode())
	}

	c.log.Debug().Str("order_id", cb.OrderID).Str("status", cb.Status).Msg("payment callback delivered")
	return nil
}

func (c *Client) shopURL(shop, path string) string {
	return c.cfg.Scheme + "://" + strings.TrimSuffix(shop, "/") + path
}
