package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"hosted-payment-bridge/internal/core/domain"

	"github.com/jackc/pgx/v5"
)

const paymentColumns = `id, shop_scope, order_id, attempt_id, customer_id, amount, currency,
		status, gateway_transaction_id, status_history, complete_url, callback_url, cancel_url, test,
		created_at, updated_at`

// PaymentRepo implements ports.PaymentRepository.
type PaymentRepo struct {
	pool Pool
}

// NewPaymentRepo creates a new PaymentRepo.
func NewPaymentRepo(pool Pool) *PaymentRepo {
	return &PaymentRepo{pool: pool}
}

// LockOrder takes a transaction-scoped advisory lock on the (shop, order) key.
func (r *PaymentRepo) LockOrder(ctx context.Context, tx pgx.Tx, key domain.PaymentKey) error {
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, key.LockKey()); err != nil {
		return fmt.Errorf("lock payment order: %w", err)
	}
	return nil
}

// FindForUpdate resolves the row for key and locks it until tx ends.
func (r *PaymentRepo) FindForUpdate(ctx context.Context, tx pgx.Tx, key domain.PaymentKey) (*domain.Payment, error) {
	query, args := selectPayment(key)
	return scanPayment(tx.QueryRow(ctx, query+" FOR UPDATE", args...))
}

// Get fetches the row for key outside of any transaction.
func (r *PaymentRepo) Get(ctx context.Context, key domain.PaymentKey) (*domain.Payment, error) {
	query, args := selectPayment(key)
	return scanPayment(r.pool.QueryRow(ctx, query, args...))
}

// Insert creates a new ledger row.
func (r *PaymentRepo) Insert(ctx context.Context, tx pgx.Tx, p *domain.Payment) error {
	history, err := json.Marshal(p.History)
	if err != nil {
		return fmt.Errorf("encode status history: %w", err)
	}

	query := `INSERT INTO payments (id, shop_scope, order_id, attempt_id, customer_id, amount, currency,
		status, gateway_transaction_id, status_history, complete_url, callback_url, cancel_url, test,
		created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`

	_, err = tx.Exec(ctx, query,
		p.ID, p.Shop, p.OrderID, p.AttemptID, p.CustomerID, p.Amount, p.Currency,
		p.Status, p.GatewayTransactionID, history,
		p.Links.CompleteURL, p.Links.CallbackURL, p.Links.CancelURL, p.Links.Test,
		p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert payment: %w", err)
	}
	return nil
}

// Update writes back a merged ledger row.
func (r *PaymentRepo) Update(ctx context.Context, tx pgx.Tx, p *domain.Payment) error {
	history, err := json.Marshal(p.History)
	if err != nil {
		return fmt.Errorf("encode status history: %w", err)
	}

	query := `UPDATE payments SET attempt_id = $1, customer_id = $2, amount = $3, currency = $4,
		status = $5, gateway_transaction_id = $6, status_history = $7,
		complete_url = $8, callback_url = $9, cancel_url = $10, test = $11, updated_at = $12
		WHERE id = $13`

	tag, err := tx.Exec(ctx, query,
		p.AttemptID, p.CustomerID, p.Amount, p.Currency,
		p.Status, p.GatewayTransactionID, history,
		p.Links.CompleteURL, p.Links.CallbackURL, p.Links.CancelURL, p.Links.Test, p.UpdatedAt,
		p.ID,
	)
	if err != nil {
		return fmt.Errorf("update payment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("payment not found: %s", p.ID)
	}
	return nil
}

// ListByShop returns the most recently updated rows of a shop.
func (r *PaymentRepo) ListByShop(ctx context.Context, shop string, limit int) ([]domain.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE shop_scope = $1 ORDER BY updated_at DESC LIMIT $2`

	rows, err := r.pool.Query(ctx, query, shop, limit)
	if err != nil {
		return nil, fmt.Errorf("list payments: %w", err)
	}
	defer rows.Close()

	var payments []domain.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		payments = append(payments, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate payment rows: %w", err)
	}
	return payments, nil
}

// OrderShops lists up to three distinct shop scopes holding rows for the order,
// or for the attempt when orderID is empty.
func (r *PaymentRepo) OrderShops(ctx context.Context, orderID, attemptID string) ([]string, error) {
	query := `SELECT DISTINCT shop_scope FROM payments WHERE order_id = $1 ORDER BY shop_scope LIMIT 3`
	arg := orderID
	if orderID == "" {
		query = `SELECT DISTINCT shop_scope FROM payments WHERE attempt_key = $1 ORDER BY shop_scope LIMIT 3`
		arg = attemptID
	}

	rows, err := r.pool.Query(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("list order shops: %w", err)
	}
	defer rows.Close()

	var shops []string
	for rows.Next() {
		var shop string
		if err := rows.Scan(&shop); err != nil {
			return nil, fmt.Errorf("scan order shop: %w", err)
		}
		shops = append(shops, shop)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate order shops: %w", err)
	}
	return shops, nil
}

// selectPayment builds the lookup for key. With an attempt id, a row of the
// same order still lacking an attempt id is adopted when no exact row exists.
func selectPayment(key domain.PaymentKey) (string, []any) {
	base := `SELECT ` + paymentColumns + ` FROM payments `
	switch {
	case key.OrderID == "":
		return base + `WHERE shop_scope = $1 AND attempt_key = $2
		ORDER BY updated_at DESC LIMIT 1`, []any{key.Shop, key.AttemptID}
	case key.AttemptID != "":
		return base + `WHERE shop_scope = $1 AND order_id = $2 AND attempt_key IN ($3, '')
		ORDER BY (attempt_key = $3) DESC, updated_at DESC LIMIT 1`, []any{key.Shop, key.OrderID, key.AttemptID}
	default:
		return base + `WHERE shop_scope = $1 AND order_id = $2
		ORDER BY updated_at DESC LIMIT 1`, []any{key.Shop, key.OrderID}
	}
}

// scanPayment scans a single row. Returns nil, nil when there is no row.
func scanPayment(row pgx.Row) (*domain.Payment, error) {
	p := &domain.Payment{}
	var history []byte
	err := row.Scan(
		&p.ID, &p.Shop, &p.OrderID, &p.AttemptID, &p.CustomerID, &p.Amount, &p.Currency,
		&p.Status, &p.GatewayTransactionID, &history,
		&p.Links.CompleteURL, &p.Links.CallbackURL, &p.Links.CancelURL, &p.Links.Test,
		&p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan payment: %w", err)
	}
	if len(history) > 0 {
		if err := json.Unmarshal(history, &p.History); err != nil {
			return nil, fmt.Errorf("decode status history: %w", err)
		}
	}
	return p, nil
}
