package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"hosted-payment-bridge/internal/core/domain"
)

// WebhookEventRepo implements ports.WebhookEventRepository.
type WebhookEventRepo struct {
	pool Pool
}

// NewWebhookEventRepo creates a new WebhookEventRepo.
func NewWebhookEventRepo(pool Pool) *WebhookEventRepo {
	return &WebhookEventRepo{pool: pool}
}

// Create appends one inbound event.
func (r *WebhookEventRepo) Create(ctx context.Context, e *domain.WebhookEvent) error {
	headers, err := json.Marshal(e.Headers)
	if err != nil {
		return fmt.Errorf("encode webhook headers: %w", err)
	}

	query := `INSERT INTO webhook_events (id, source, topic, shop, order_ref, headers, payload, signature_valid, received_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err = r.pool.Exec(ctx, query,
		e.ID, e.Source, e.Topic, e.Shop, e.OrderRef, headers, e.Payload, e.SignatureValid, e.ReceivedAt,
	)
	if err != nil {
		return fmt.Errorf("insert webhook event: %w", err)
	}
	return nil
}

// ListRecent returns the newest events of a shop, newest first.
func (r *WebhookEventRepo) ListRecent(ctx context.Context, shop string, limit int) ([]domain.WebhookEvent, error) {
	query := `SELECT id, source, topic, shop, order_ref, headers, payload, signature_valid, received_at
		FROM webhook_events WHERE shop = $1 ORDER BY received_at DESC LIMIT $2`

	rows, err := r.pool.Query(ctx, query, shop, limit)
	if err != nil {
		return nil, fmt.Errorf("list webhook events: %w", err)
	}
	defer rows.Close()

	var events []domain.WebhookEvent
	for rows.Next() {
		var e domain.WebhookEvent
		var headers []byte
		if err := rows.Scan(
			&e.ID, &e.Source, &e.Topic, &e.Shop, &e.OrderRef, &headers, &e.Payload, &e.SignatureValid, &e.ReceivedAt,
		); err != nil {
			return nil, fmt.Errorf("scan webhook event: %w", err)
		}
		if len(headers) > 0 {
			if err := json.Unmarshal(headers, &e.Headers); err != nil {
				return nil, fmt.Errorf("decode webhook headers: %w", err)
			}
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate webhook events: %w", err)
	}
	return events, nil
}
