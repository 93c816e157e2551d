package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"hosted-payment-bridge/internal/core/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// PaymentRepo implements ports.PaymentRepository in memory.
type PaymentRepo struct {
	mu   sync.RWMutex
	rows map[uuid.UUID]*domain.Payment
}

// NewPaymentRepo creates an empty PaymentRepo.
func NewPaymentRepo() *PaymentRepo {
	return &PaymentRepo{rows: make(map[uuid.UUID]*domain.Payment)}
}

// LockOrder is a no-op; the Transactor already serializes writers.
func (r *PaymentRepo) LockOrder(_ context.Context, _ pgx.Tx, _ domain.PaymentKey) error {
	return nil
}

// FindForUpdate resolves the row for key.
func (r *PaymentRepo) FindForUpdate(ctx context.Context, _ pgx.Tx, key domain.PaymentKey) (*domain.Payment, error) {
	return r.Get(ctx, key)
}

// Get resolves the row for key with the same precedence as the SQL store.
func (r *PaymentRepo) Get(_ context.Context, key domain.PaymentKey) (*domain.Payment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var best *domain.Payment
	better := func(p *domain.Payment) bool {
		if best == nil {
			return true
		}
		if key.OrderID != "" && key.AttemptID != "" {
			exact, bestExact := attemptKey(p) == key.AttemptID, attemptKey(best) == key.AttemptID
			if exact != bestExact {
				return exact
			}
		}
		return p.UpdatedAt.After(best.UpdatedAt)
	}

	for _, p := range r.rows {
		if p.Shop != key.Shop {
			continue
		}
		switch {
		case key.OrderID == "":
			if attemptKey(p) != key.AttemptID {
				continue
			}
		case key.AttemptID != "":
			if p.OrderID != key.OrderID || (attemptKey(p) != key.AttemptID && attemptKey(p) != "") {
				continue
			}
		default:
			if p.OrderID != key.OrderID {
				continue
			}
		}
		if better(p) {
			best = p
		}
	}
	return best.Clone(), nil
}

// Insert stores a new row, enforcing (shop, order, attempt) uniqueness.
func (r *PaymentRepo) Insert(_ context.Context, _ pgx.Tx, p *domain.Payment) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.rows {
		if existing.Shop == p.Shop && existing.OrderID == p.OrderID && attemptKey(existing) == attemptKey(p) {
			return fmt.Errorf("insert payment: duplicate key (%s, %s, %s)", p.Shop, p.OrderID, attemptKey(p))
		}
	}
	r.rows[p.ID] = p.Clone()
	return nil
}

// Update replaces an existing row.
func (r *PaymentRepo) Update(_ context.Context, _ pgx.Tx, p *domain.Payment) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.rows[p.ID]; !ok {
		return fmt.Errorf("payment not found: %s", p.ID)
	}
	r.rows[p.ID] = p.Clone()
	return nil
}

// ListByShop returns the most recently updated rows of a shop.
func (r *PaymentRepo) ListByShop(_ context.Context, shop string, limit int) ([]domain.Payment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []domain.Payment
	for _, p := range r.rows {
		if p.Shop == shop {
			out = append(out, *p.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// OrderShops lists up to three distinct shop scopes holding rows for the order,
// or for the attempt when orderID is empty.
func (r *PaymentRepo) OrderShops(_ context.Context, orderID, attemptID string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]bool)
	var shops []string
	for _, p := range r.rows {
		match := p.OrderID == orderID
		if orderID == "" {
			match = attemptKey(p) == attemptID
		}
		if match && !seen[p.Shop] {
			seen[p.Shop] = true
			shops = append(shops, p.Shop)
		}
	}
	sort.Strings(shops)
	if len(shops) > 3 {
		shops = shops[:3]
	}
	return shops, nil
}

// Count returns the number of stored rows.
func (r *PaymentRepo) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rows)
}

func attemptKey(p *domain.Payment) string {
	if p.AttemptID == nil {
		return ""
	}
	return *p.AttemptID
}
