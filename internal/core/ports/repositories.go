package ports

//go:generate mockgen -source=repositories.go -destination=mocks/repositories.go -package=mocks

import (
	"context"
	"time"

	"hosted-payment-bridge/internal/core/domain"

	"github.com/jackc/pgx/v5"
)

// PaymentRepository defines persistence for ledger rows.
// Methods accepting pgx.Tx run inside the ledger's per-key transaction.
type PaymentRepository interface {
	// LockOrder serializes writers of one (shop, order) until tx ends.
	LockOrder(ctx context.Context, tx pgx.Tx, key domain.PaymentKey) error
	// FindForUpdate resolves the row for key and locks it. A key carrying an
	// attempt id adopts a row of the same order that has no attempt id yet.
	FindForUpdate(ctx context.Context, tx pgx.Tx, key domain.PaymentKey) (*domain.Payment, error)
	Insert(ctx context.Context, tx pgx.Tx, p *domain.Payment) error
	Update(ctx context.Context, tx pgx.Tx, p *domain.Payment) error
	Get(ctx context.Context, key domain.PaymentKey) (*domain.Payment, error)
	ListByShop(ctx context.Context, shop string, limit int) ([]domain.Payment, error)
	// OrderShops lists up to three distinct shop scopes holding rows for the
	// order, or for the attempt when orderID is empty.
	OrderShops(ctx context.Context, orderID, attemptID string) ([]string, error)
}

// ShopRepository defines persistence for installed shops.
type ShopRepository interface {
	Upsert(ctx context.Context, shop *domain.Shop) error
	Get(ctx context.Context, shop string) (*domain.Shop, error)
	MarkUninstalled(ctx context.Context, shop string, at time.Time) error
}

// SettingsRepository defines persistence for per-shop gateway credentials.
type SettingsRepository interface {
	Get(ctx context.Context, shop string) (*domain.GatewaySettings, error)
	// Patch writes only the fields p sets, creating the row in test mode when
	// absent, and returns the stored result.
	Patch(ctx context.Context, shop string, p domain.SettingsPatch) (*domain.GatewaySettings, error)
}

// WebhookEventRepository is the append-only inbound payload log.
type WebhookEventRepository interface {
	Create(ctx context.Context, e *domain.WebhookEvent) error
	ListRecent(ctx context.Context, shop string, limit int) ([]domain.WebhookEvent, error)
}

// DBTransactor provides database transaction management.
type DBTransactor interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}
