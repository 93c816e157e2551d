package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"hosted-payment-bridge/internal/core/domain"
	"hosted-payment-bridge/internal/core/ports"
	"hosted-payment-bridge/pkg/apperror"
	"hosted-payment-bridge/pkg/logger"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
)

// LedgerServiceImpl implements ports.LedgerService.
//
// Every write runs in one transaction: advisory lock on (shop, order), row read
// FOR UPDATE, then insert or forward-only merge. The rank comparison is made
// against the row read inside that transaction.
type LedgerServiceImpl struct {
	repo       ports.PaymentRepository
	transactor ports.DBTransactor
	now        func() time.Time
	log        zerolog.Logger
}

// NewLedgerService creates a new LedgerServiceImpl.
func NewLedgerService(repo ports.PaymentRepository, transactor ports.DBTransactor, log zerolog.Logger) *LedgerServiceImpl {
	return &LedgerServiceImpl{
		repo:       repo,
		transactor: transactor,
		now:        func() time.Time { return time.Now().UTC() },
		log:        logger.Component(log, "ledger"),
	}
}

// WithClock replaces the time source.
func (s *LedgerServiceImpl) WithClock(now func() time.Time) *LedgerServiceImpl {
	s.now = now
	return s
}

// CreateOrUpdate inserts the row for key or merges fields into it.
func (s *LedgerServiceImpl) CreateOrUpdate(ctx context.Context, key domain.PaymentKey, fields domain.PaymentFields, opts domain.MergeOptions) (*domain.Payment, error) {
	if err := key.Validate(); err != nil {
		return nil, apperror.Validation(err.Error())
	}
	if fields.Status != nil && !fields.Status.IsKnown() {
		return nil, apperror.Validation(fmt.Sprintf("unknown payment status %q", *fields.Status))
	}
	if fields.Amount != nil {
		amt, err := domain.NormalizeAmount(*fields.Amount)
		if err != nil {
			return nil, apperror.ErrInvalidAmount()
		}
		fields.Amount = &amt
	}
	if fields.Currency != nil {
		cur := strings.ToUpper(strings.TrimSpace(*fields.Currency))
		fields.Currency = domain.StrPtr(cur)
	}
	if fields.AttemptID == nil {
		fields.AttemptID = domain.StrPtr(key.AttemptID)
	}

	p, _, err := s.upsert(ctx, key, fields, opts)
	return p, err
}

// SetStatus moves the row for key forward to status, seeding it when absent.
// advanced is true when the row was created or its status changed.
func (s *LedgerServiceImpl) SetStatus(ctx context.Context, key domain.PaymentKey, status domain.PaymentStatus, source string, gatewayTxn *string) (*domain.Payment, bool, error) {
	if err := key.Validate(); err != nil {
		return nil, false, apperror.Validation(err.Error())
	}
	if !status.IsKnown() {
		return nil, false, apperror.Validation(fmt.Sprintf("unknown payment status %q", status))
	}
	return s.upsert(ctx, key, domain.PaymentFields{
		Status:               &status,
		GatewayTransactionID: gatewayTxn,
		AttemptID:            domain.StrPtr(key.AttemptID),
		Source:               source,
	}, domain.MergeOptions{})
}

func (s *LedgerServiceImpl) upsert(ctx context.Context, key domain.PaymentKey, fields domain.PaymentFields, opts domain.MergeOptions) (*domain.Payment, bool, error) {
	return s.mutate(ctx, key, func(existing *domain.Payment, now time.Time) (*domain.Payment, error) {
		p := existing
		if p == nil {
			p = s.seed(key, fields, opts, now)
		}
		p.Merge(fields, now, opts.SuppressHistory)
		return p, nil
	})
}

// ResolveShop finds the shop scope of the rows for an order, or for an attempt
// when orderID is empty. An unscoped placeholder yields to a shop's row; rows
// in more than one shop are ambiguous.
func (s *LedgerServiceImpl) ResolveShop(ctx context.Context, orderID, attemptID string) (string, error) {
	if err := (domain.PaymentKey{OrderID: orderID, AttemptID: attemptID}).Validate(); err != nil {
		return "", apperror.Validation(err.Error())
	}
	shops, err := s.repo.OrderShops(ctx, orderID, attemptID)
	if err != nil {
		return "", apperror.ErrDatabaseError(fmt.Errorf("resolve order shop: %w", err))
	}
	var scoped []string
	for _, shop := range shops {
		if shop != "" {
			scoped = append(scoped, shop)
		}
	}
	switch len(scoped) {
	case 0:
		return "", nil
	case 1:
		return scoped[0], nil
	default:
		return "", apperror.ErrAmbiguousOrder()
	}
}

// Get returns the row for key, or nil when absent.
func (s *LedgerServiceImpl) Get(ctx context.Context, key domain.PaymentKey) (*domain.Payment, error) {
	if err := key.Validate(); err != nil {
		return nil, apperror.Validation(err.Error())
	}
	p, err := s.repo.Get(ctx, key)
	if err != nil {
		return nil, apperror.ErrDatabaseError(fmt.Errorf("get payment: %w", err))
	}
	return p, nil
}

// InitSession creates the row for a new checkout session or, when one exists,
// backfills its missing fields. Differing non-null amount, currency or
// customer id is a conflict and nothing is written.
func (s *LedgerServiceImpl) InitSession(ctx context.Context, req ports.InitSessionRequest) (*domain.Payment, error) {
	if err := req.Key.Validate(); err != nil {
		return nil, apperror.Validation(err.Error())
	}
	amount, err := domain.NormalizeAmount(req.Amount)
	if err != nil {
		return nil, apperror.ErrInvalidAmount()
	}
	currency := strings.ToUpper(strings.TrimSpace(req.Currency))

	fields := domain.PaymentFields{
		AttemptID:  domain.StrPtr(req.Key.AttemptID),
		CustomerID: domain.StrPtr(req.CustomerID),
		Amount:     &amount,
		Currency:   domain.StrPtr(currency),
		Links:      &req.Links,
		Source:     domain.SourceInit,
	}

	p, _, err := s.mutate(ctx, req.Key, func(existing *domain.Payment, now time.Time) (*domain.Payment, error) {
		if existing == nil {
			p := s.seed(req.Key, fields, domain.MergeOptions{DefaultStatus: domain.PaymentStatusInitiated}, now)
			p.Merge(fields, now, true)
			return p, nil
		}

		if conflicts := sessionConflicts(existing, fields); len(conflicts) > 0 {
			return nil, apperror.ErrIdempotencyConflict(conflicts)
		}
		existing.Merge(fields, now, true)
		return existing, nil
	})
	return p, err
}

// seed builds a fresh row for key. A status outside the rank table seeds at
// initiated; the requested status still lands in history via Merge.
func (s *LedgerServiceImpl) seed(key domain.PaymentKey, fields domain.PaymentFields, opts domain.MergeOptions, now time.Time) *domain.Payment {
	status := opts.DefaultStatus
	if status == "" {
		status = domain.PaymentStatusInitiated
	}
	if fields.Status != nil {
		status = domain.SeedStatus(*fields.Status)
	}

	p := &domain.Payment{
		ID:        uuid.New(),
		Shop:      key.Shop,
		OrderID:   key.OrderID,
		Status:    status,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if fields.Status == nil && !opts.SuppressHistory {
		p.History = append(p.History, domain.StatusEvent{At: now, Status: status, Source: fields.Source})
	}
	return p
}

// mutate runs apply inside the per-key transaction and persists its result.
// The returned flag is true when the row was created or its status changed.
func (s *LedgerServiceImpl) mutate(ctx context.Context, key domain.PaymentKey, apply func(existing *domain.Payment, now time.Time) (*domain.Payment, error)) (*domain.Payment, bool, error) {
	dbTx, err := s.transactor.Begin(ctx)
	if err != nil {
		return nil, false, apperror.ErrDatabaseError(fmt.Errorf("begin tx: %w", err))
	}
	defer dbTx.Rollback(ctx) //nolint:errcheck

	if err := s.repo.LockOrder(ctx, dbTx, key); err != nil {
		return nil, false, apperror.ErrDatabaseError(err)
	}
	existing, err := s.repo.FindForUpdate(ctx, dbTx, key)
	if err != nil {
		return nil, false, apperror.ErrDatabaseError(err)
	}

	var before domain.PaymentStatus
	if existing != nil {
		before = existing.Status
	}

	p, err := apply(existing, s.now())
	if err != nil {
		return nil, false, err
	}

	if err := s.persist(ctx, dbTx, existing == nil, p); err != nil {
		return nil, false, err
	}
	if err := dbTx.Commit(ctx); err != nil {
		return nil, false, apperror.ErrDatabaseError(fmt.Errorf("commit tx: %w", err))
	}
	advanced := existing == nil || before != p.Status

	ev := s.log.Debug().
		Str("shop", key.Shop).
		Str("order_id", p.OrderID).
		Str("status", string(p.Status))
	if existing == nil {
		ev.Msg("payment created")
	} else if advanced {
		ev.Str("from", string(before)).Msg("payment status advanced")
	} else {
		ev.Msg("payment merged")
	}
	return p, advanced, nil
}

func (s *LedgerServiceImpl) persist(ctx context.Context, dbTx pgx.Tx, insert bool, p *domain.Payment) error {
	if insert {
		if err := s.repo.Insert(ctx, dbTx, p); err != nil {
			return apperror.ErrDatabaseError(err)
		}
		return nil
	}
	if err := s.repo.Update(ctx, dbTx, p); err != nil {
		return apperror.ErrDatabaseError(err)
	}
	return nil
}

// sessionConflicts lists core fields whose stored and requested values differ.
// Null on either side never conflicts.
func sessionConflicts(existing *domain.Payment, f domain.PaymentFields) []apperror.Conflict {
	var out []apperror.Conflict
	if existing.Amount != nil && f.Amount != nil && !domain.AmountsEqual(*existing.Amount, *f.Amount) {
		out = append(out, apperror.Conflict{Field: "amount", Existing: *existing.Amount, Requested: *f.Amount})
	}
	if existing.Currency != nil && f.Currency != nil && !strings.EqualFold(*existing.Currency, *f.Currency) {
		out = append(out, apperror.Conflict{Field: "currency", Existing: *existing.Currency, Requested: *f.Currency})
	}
	if existing.CustomerID != nil && f.CustomerID != nil && *existing.CustomerID != *f.CustomerID {
		out = append(out, apperror.Conflict{Field: "customer_id", Existing: *existing.CustomerID, Requested: *f.CustomerID})
	}
	return out
}
