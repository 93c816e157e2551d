package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"hosted-payment-bridge/internal/core/domain"

	"github.com/jackc/pgx/v5"
)

// ShopRepo implements ports.ShopRepository.
type ShopRepo struct {
	pool Pool
}

// NewShopRepo creates a new ShopRepo.
func NewShopRepo(pool Pool) *ShopRepo {
	return &ShopRepo{pool: pool}
}

// Upsert creates or refreshes an installed shop. Reinstalling clears uninstalled_at.
func (r *ShopRepo) Upsert(ctx context.Context, s *domain.Shop) error {
	query := `INSERT INTO shops (shop, store_id, access_token_enc, scope, installed_at, uninstalled_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, NULL, $6)
		ON CONFLICT (shop) DO UPDATE SET
			store_id = COALESCE(NULLIF(EXCLUDED.store_id, ''), shops.store_id),
			access_token_enc = EXCLUDED.access_token_enc,
			scope = EXCLUDED.scope,
			installed_at = EXCLUDED.installed_at,
			uninstalled_at = NULL,
			updated_at = EXCLUDED.updated_at`

	_, err := r.pool.Exec(ctx, query,
		s.Shop, s.StoreID, s.AccessTokenEnc, s.Scope, s.InstalledAt, s.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert shop: %w", err)
	}
	return nil
}

// Get fetches a shop by host. Returns nil, nil when not installed.
func (r *ShopRepo) Get(ctx context.Context, shop string) (*domain.Shop, error) {
	query := `SELECT shop, store_id, access_token_enc, scope, installed_at, uninstalled_at, updated_at
		FROM shops WHERE shop = $1`

	s := &domain.Shop{}
	err := r.pool.QueryRow(ctx, query, shop).Scan(
		&s.Shop, &s.StoreID, &s.AccessTokenEnc, &s.Scope, &s.InstalledAt, &s.UninstalledAt, &s.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get shop: %w", err)
	}
	return s, nil
}

// MarkUninstalled stamps uninstalled_at. A missing shop is not an error.
func (r *ShopRepo) MarkUninstalled(ctx context.Context, shop string, at time.Time) error {
	_, err := r.pool.Exec(ctx, `UPDATE shops SET uninstalled_at = $1, updated_at = $1 WHERE shop = $2`, at, shop)
	if err != nil {
		return fmt.Errorf("mark shop uninstalled: %w", err)
	}
	return nil
}
