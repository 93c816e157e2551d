package postgres

import (
	"context"
	"errors"
	"fmt"

	"hosted-payment-bridge/internal/core/domain"

	"github.com/jackc/pgx/v5"
)

// SettingsRepo implements ports.SettingsRepository.
type SettingsRepo struct {
	pool Pool
}

// NewSettingsRepo creates a new SettingsRepo.
func NewSettingsRepo(pool Pool) *SettingsRepo {
	return &SettingsRepo{pool: pool}
}

// Get fetches the gateway settings of a shop. Returns nil, nil when unset.
func (r *SettingsRepo) Get(ctx context.Context, shop string) (*domain.GatewaySettings, error) {
	query := `SELECT shop, merchant_id, merchant_secret_enc, mode, return_url, cancel_url, updated_at
		FROM gateway_settings WHERE shop = $1`

	return scanSettings(r.pool.QueryRow(ctx, query, shop))
}

// Patch updates only the columns p sets, so concurrent partial updates of
// different fields both land.
func (r *SettingsRepo) Patch(ctx context.Context, shop string, p domain.SettingsPatch) (*domain.GatewaySettings, error) {
	query := `INSERT INTO gateway_settings (shop, merchant_id, merchant_secret_enc, mode, return_url, cancel_url, updated_at)
		VALUES ($1, COALESCE($2, ''), COALESCE($3, ''), COALESCE($4, 'test'), COALESCE($5, ''), COALESCE($6, ''), $7)
		ON CONFLICT (shop) DO UPDATE SET
			merchant_id = COALESCE($2, gateway_settings.merchant_id),
			merchant_secret_enc = COALESCE($3, gateway_settings.merchant_secret_enc),
			mode = COALESCE($4, gateway_settings.mode),
			return_url = COALESCE($5, gateway_settings.return_url),
			cancel_url = COALESCE($6, gateway_settings.cancel_url),
			updated_at = $7
		RETURNING shop, merchant_id, merchant_secret_enc, mode, return_url, cancel_url, updated_at`

	var mode *string
	if p.Mode != nil {
		m := string(*p.Mode)
		mode = &m
	}
	return scanSettings(r.pool.QueryRow(ctx, query,
		shop, p.MerchantID, p.MerchantSecretEnc, mode, p.ReturnURL, p.CancelURL, p.UpdatedAt,
	))
}

func scanSettings(row pgx.Row) (*domain.GatewaySettings, error) {
	s := &domain.GatewaySettings{}
	err := row.Scan(&s.Shop, &s.MerchantID, &s.MerchantSecretEnc, &s.Mode, &s.ReturnURL, &s.CancelURL, &s.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan gateway settings: %w", err)
	}
	return s, nil
}
