package service

import (
	"context"
	"time"

	"hosted-payment-bridge/internal/core/domain"
	"hosted-payment-bridge/internal/core/ports"
	"hosted-payment-bridge/pkg/logger"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const auditWriteTimeout = 5 * time.Second

type auditService struct {
	repo ports.WebhookEventRepository
	log  zerolog.Logger
}

// NewAuditService creates a new audit service.
// If repo is nil, events are only written to the logger.
func NewAuditService(repo ports.WebhookEventRepository, log zerolog.Logger) ports.AuditService {
	return &auditService{repo: repo, log: logger.Component(log, "audit")}
}

// Record stores the inbound payload asynchronously (fire-and-forget).
// Failures are logged and never reach the caller.
func (s *auditService) Record(_ context.Context, e *domain.WebhookEvent) {
	if e == nil {
		return
	}
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.ReceivedAt.IsZero() {
		e.ReceivedAt = time.Now().UTC()
	}

	go func() {
		s.log.Info().
			Str("source", string(e.Source)).
			Str("topic", e.Topic).
			Str("shop", e.Shop).
			Str("order_ref", e.OrderRef).
			Bool("signature_valid", e.SignatureValid).
			Int("bytes", len(e.Payload)).
			Msg("webhook received")

		if s.repo == nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), auditWriteTimeout)
		defer cancel()
		if err := s.repo.Create(ctx, e); err != nil {
			s.log.Warn().Err(err).Str("source", string(e.Source)).Msg("failed to persist webhook event")
		}
	}()
}
