package memory

import (
	"context"
	"sync"
	"time"

	"hosted-payment-bridge/internal/core/domain"
)

// ShopRepo implements ports.ShopRepository in memory.
type ShopRepo struct {
	mu    sync.RWMutex
	shops map[string]domain.Shop
}

// NewShopRepo creates an empty ShopRepo.
func NewShopRepo() *ShopRepo {
	return &ShopRepo{shops: make(map[string]domain.Shop)}
}

func (r *ShopRepo) Upsert(_ context.Context, s *domain.Shop) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	next := *s
	next.UninstalledAt = nil
	if prev, ok := r.shops[s.Shop]; ok && next.StoreID == "" {
		next.StoreID = prev.StoreID
	}
	r.shops[s.Shop] = next
	return nil
}

func (r *ShopRepo) Get(_ context.Context, shop string) (*domain.Shop, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.shops[shop]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

func (r *ShopRepo) MarkUninstalled(_ context.Context, shop string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.shops[shop]
	if !ok {
		return nil
	}
	s.UninstalledAt = &at
	s.UpdatedAt = at
	r.shops[shop] = s
	return nil
}

// SettingsRepo implements ports.SettingsRepository in memory.
type SettingsRepo struct {
	mu       sync.RWMutex
	settings map[string]domain.GatewaySettings
}

// NewSettingsRepo creates an empty SettingsRepo.
func NewSettingsRepo() *SettingsRepo {
	return &SettingsRepo{settings: make(map[string]domain.GatewaySettings)}
}

func (r *SettingsRepo) Get(_ context.Context, shop string) (*domain.GatewaySettings, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.settings[shop]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

// Patch writes only the fields p sets.
func (r *SettingsRepo) Patch(_ context.Context, shop string, p domain.SettingsPatch) (*domain.GatewaySettings, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	next, ok := r.settings[shop]
	if !ok {
		next = domain.GatewaySettings{Shop: shop, Mode: domain.GatewayModeTest}
	}
	setIf(&next.MerchantID, p.MerchantID)
	setIf(&next.MerchantSecretEnc, p.MerchantSecretEnc)
	setIf(&next.ReturnURL, p.ReturnURL)
	setIf(&next.CancelURL, p.CancelURL)
	if p.Mode != nil {
		next.Mode = *p.Mode
	}
	next.UpdatedAt = p.UpdatedAt
	r.settings[shop] = next
	out := next
	return &out, nil
}

func setIf(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}

// WebhookEventRepo implements ports.WebhookEventRepository in memory.
type WebhookEventRepo struct {
	mu     sync.RWMutex
	events []domain.WebhookEvent
}

// NewWebhookEventRepo creates an empty WebhookEventRepo.
func NewWebhookEventRepo() *WebhookEventRepo {
	return &WebhookEventRepo{}
}

func (r *WebhookEventRepo) Create(_ context.Context, e *domain.WebhookEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, *e)
	return nil
}

func (r *WebhookEventRepo) ListRecent(_ context.Context, shop string, limit int) ([]domain.WebhookEvent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []domain.WebhookEvent
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].Shop != shop {
			continue
		}
		out = append(out, r.events[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}
