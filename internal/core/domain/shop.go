package domain

import (
	"regexp"
	"strings"
	"time"
)

var shopHostRe = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]*[a-z0-9])?(\.[a-z0-9]([a-z0-9-]*[a-z0-9])?)+$`)

// MaskedSecret is rendered in place of any stored merchant secret.
const MaskedSecret = "********"

// GatewayMode selects the gateway account tier for a shop.
type GatewayMode string

const (
	GatewayModeTest GatewayMode = "test"
	GatewayModeLive GatewayMode = "live"
)

// Shop is one installed merchant tenant.
type Shop struct {
	Shop           string     `json:"shop"`
	StoreID        string     `json:"store_id,omitempty"`
	AccessTokenEnc string     `json:"-"` // AES-256-GCM ciphertext
	Scope          string     `json:"scope"`
	InstalledAt    time.Time  `json:"installed_at"`
	UninstalledAt  *time.Time `json:"uninstalled_at,omitempty"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// IsInstalled returns true until the uninstall webhook has been processed.
func (s *Shop) IsInstalled() bool {
	return s.UninstalledAt == nil
}

// GatewaySettings holds the per-shop gateway credentials.
type GatewaySettings struct {
	Shop              string      `json:"shop"`
	MerchantID        string      `json:"merchant_id"`
	MerchantSecretEnc string      `json:"-"` // AES-256-GCM ciphertext
	Mode              GatewayMode `json:"mode"`
	ReturnURL         string      `json:"return_url,omitempty"`
	CancelURL         string      `json:"cancel_url,omitempty"`
	UpdatedAt         time.Time   `json:"updated_at"`
}

// HasSecret reports whether a merchant secret is stored.
func (g *GatewaySettings) HasSecret() bool {
	return g != nil && g.MerchantSecretEnc != ""
}

// MaskedSecret returns the fixed mask when a secret is set, "" otherwise.
func (g *GatewaySettings) MaskedSecret() string {
	if g.HasSecret() {
		return MaskedSecret
	}
	return ""
}

// IsComplete reports whether the settings can sign a hosted-page request.
func (g *GatewaySettings) IsComplete() bool {
	return g != nil && g.MerchantID != "" && g.HasSecret()
}

// IsTest reports whether payments should go through the test tier.
func (g *GatewaySettings) IsTest() bool {
	return g == nil || g.Mode != GatewayModeLive
}

// SettingsUpdate is a partial settings write. A nil or empty MerchantSecret
// keeps the stored secret.
type SettingsUpdate struct {
	MerchantID     *string
	MerchantSecret *string
	Mode           *GatewayMode
	ReturnURL      *string
	CancelURL      *string
}

// SettingsPatch is a column-level settings write. Nil fields keep the stored
// value; MerchantSecretEnc is already encrypted.
type SettingsPatch struct {
	MerchantID        *string
	MerchantSecretEnc *string
	Mode              *GatewayMode
	ReturnURL         *string
	CancelURL         *string
	UpdatedAt         time.Time
}

// ReplacesSecret reports whether the update carries a new non-empty secret.
func (u SettingsUpdate) ReplacesSecret() bool {
	return u.MerchantSecret != nil && strings.TrimSpace(*u.MerchantSecret) != ""
}

// NormalizeShop lowercases and trims a shop host.
func NormalizeShop(shop string) string {
	shop = strings.ToLower(strings.TrimSpace(shop))
	shop = strings.TrimPrefix(shop, "https://")
	shop = strings.TrimPrefix(shop, "http://")
	return strings.TrimSuffix(shop, "/")
}

// ValidShopHost reports whether shop is a bare, already normalized host name.
func ValidShopHost(shop string) bool {
	return len(shop) <= 255 && shopHostRe.MatchString(shop)
}
