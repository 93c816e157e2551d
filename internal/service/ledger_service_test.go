package service

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"hosted-payment-bridge/internal/adapter/storage/memory"
	"hosted-payment-bridge/internal/core/domain"
	"hosted-payment-bridge/internal/core/ports"
	"hosted-payment-bridge/internal/core/ports/mocks"
	"hosted-payment-bridge/pkg/apperror"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

const testShop = "demo.myshoplaza.com"

type ledgerTestDeps struct {
	svc        *LedgerServiceImpl
	repo       *mocks.MockPaymentRepository
	transactor *mocks.MockDBTransactor
	tx         *mockTx
}

func setupLedgerService(t *testing.T) *ledgerTestDeps {
	ctrl := gomock.NewController(t)
	d := &ledgerTestDeps{
		repo:       mocks.NewMockPaymentRepository(ctrl),
		transactor: mocks.NewMockDBTransactor(ctrl),
		tx:         &mockTx{},
	}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	d.svc = NewLedgerService(d.repo, d.transactor, newTestLogger()).
		WithClock(func() time.Time { return now })
	return d
}

// expectTx wires Begin, LockOrder and FindForUpdate returning existing.
func (d *ledgerTestDeps) expectTx(key domain.PaymentKey, existing *domain.Payment) {
	d.transactor.EXPECT().Begin(gomock.Any()).Return(d.tx, nil)
	d.repo.EXPECT().LockOrder(gomock.Any(), d.tx, key).Return(nil)
	d.repo.EXPECT().FindForUpdate(gomock.Any(), d.tx, key).Return(existing, nil)
}

func newMemoryLedger() (*LedgerServiceImpl, *memory.PaymentRepo) {
	repo := memory.NewPaymentRepo()
	return NewLedgerService(repo, memory.NewTransactor(), newTestLogger()), repo
}

func statusPtr(s domain.PaymentStatus) *domain.PaymentStatus { return &s }

func appErrStatus(t *testing.T, err error) int {
	t.Helper()
	var appErr *apperror.AppError
	require.True(t, errors.As(err, &appErr), "expected AppError, got %v", err)
	return appErr.HTTPStatus
}

// ==================== CreateOrUpdate ====================

func TestLedgerService_CreateOrUpdate_Insert(t *testing.T) {
	d := setupLedgerService(t)
	key := domain.PaymentKey{Shop: testShop, OrderID: "O-1"}
	d.expectTx(key, nil)

	var inserted *domain.Payment
	d.repo.EXPECT().Insert(gomock.Any(), d.tx, gomock.Any()).DoAndReturn(
		func(_ context.Context, _ pgx.Tx, p *domain.Payment) error {
			inserted = p
			return nil
		})

	p, err := d.svc.CreateOrUpdate(context.Background(), key, domain.PaymentFields{
		Amount:   domain.StrPtr("10"),
		Currency: domain.StrPtr("usd"),
		Source:   domain.SourceAdmin,
	}, domain.MergeOptions{DefaultStatus: domain.PaymentStatusPending})

	require.NoError(t, err)
	assert.Same(t, inserted, p)
	assert.Equal(t, domain.PaymentStatusPending, p.Status)
	assert.Equal(t, "10.00", *p.Amount)
	assert.Equal(t, "USD", *p.Currency)
	require.Len(t, p.History, 1)
	assert.Equal(t, domain.PaymentStatusPending, p.History[0].Status)
	assert.True(t, d.tx.committed)
}

func TestLedgerService_CreateOrUpdate_ForwardOnly(t *testing.T) {
	tests := []struct {
		name    string
		current domain.PaymentStatus
		next    domain.PaymentStatus
		want    domain.PaymentStatus
	}{
		{"advance", domain.PaymentStatusReturnedSuccess, domain.PaymentStatusPaid, domain.PaymentStatusPaid},
		{"same rank", domain.PaymentStatusPaid, domain.PaymentStatusPaid, domain.PaymentStatusPaid},
		{"regression ignored", domain.PaymentStatusPaid, domain.PaymentStatusReturnedFail, domain.PaymentStatusPaid},
		{"unknown ignored", domain.PaymentStatusPending, domain.PaymentStatusUnknown, domain.PaymentStatusPending},
		{"declined overwrites paid", domain.PaymentStatusPaid, domain.PaymentStatusDeclined, domain.PaymentStatusDeclined},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := setupLedgerService(t)
			key := domain.PaymentKey{Shop: testShop, OrderID: "O-1"}
			d.expectTx(key, &domain.Payment{Shop: testShop, OrderID: "O-1", Status: tt.current})
			d.repo.EXPECT().Update(gomock.Any(), d.tx, gomock.Any()).Return(nil)

			p, err := d.svc.CreateOrUpdate(context.Background(), key,
				domain.PaymentFields{Status: &tt.next, Source: domain.SourceNotify}, domain.MergeOptions{})
			require.NoError(t, err)
			assert.Equal(t, tt.want, p.Status)
			require.Len(t, p.History, 1, "every supplied status is recorded")
			assert.Equal(t, tt.next, p.History[0].Status)
		})
	}
}

func TestLedgerService_CreateOrUpdate_SuppressHistory(t *testing.T) {
	d := setupLedgerService(t)
	key := domain.PaymentKey{Shop: testShop, OrderID: "O-1"}
	d.expectTx(key, &domain.Payment{Shop: testShop, OrderID: "O-1", Status: domain.PaymentStatusPending})
	d.repo.EXPECT().Update(gomock.Any(), d.tx, gomock.Any()).Return(nil)

	p, err := d.svc.CreateOrUpdate(context.Background(), key,
		domain.PaymentFields{Status: statusPtr(domain.PaymentStatusPaid)},
		domain.MergeOptions{SuppressHistory: true})
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusPaid, p.Status)
	assert.Empty(t, p.History)
}

func TestLedgerService_CreateOrUpdate_Validation(t *testing.T) {
	d := setupLedgerService(t)
	ctx := context.Background()

	_, err := d.svc.CreateOrUpdate(ctx, domain.PaymentKey{Shop: testShop}, domain.PaymentFields{}, domain.MergeOptions{})
	assert.Equal(t, http.StatusBadRequest, appErrStatus(t, err))

	_, err = d.svc.CreateOrUpdate(ctx, domain.PaymentKey{Shop: testShop, OrderID: "O-1"},
		domain.PaymentFields{Status: statusPtr("settled")}, domain.MergeOptions{})
	assert.Equal(t, http.StatusBadRequest, appErrStatus(t, err))

	_, err = d.svc.CreateOrUpdate(ctx, domain.PaymentKey{Shop: testShop, OrderID: "O-1"},
		domain.PaymentFields{Amount: domain.StrPtr("-5")}, domain.MergeOptions{})
	assert.Equal(t, http.StatusBadRequest, appErrStatus(t, err))
}

func TestLedgerService_CreateOrUpdate_RepoErrors(t *testing.T) {
	ctx := context.Background()
	key := domain.PaymentKey{Shop: testShop, OrderID: "O-1"}
	fields := domain.PaymentFields{Status: statusPtr(domain.PaymentStatusPaid)}

	t.Run("begin", func(t *testing.T) {
		d := setupLedgerService(t)
		d.transactor.EXPECT().Begin(gomock.Any()).Return(nil, errors.New("pool closed"))
		_, err := d.svc.CreateOrUpdate(ctx, key, fields, domain.MergeOptions{})
		assert.Equal(t, http.StatusInternalServerError, appErrStatus(t, err))
	})

	t.Run("lock", func(t *testing.T) {
		d := setupLedgerService(t)
		d.transactor.EXPECT().Begin(gomock.Any()).Return(d.tx, nil)
		d.repo.EXPECT().LockOrder(gomock.Any(), d.tx, key).Return(errors.New("deadlock"))
		_, err := d.svc.CreateOrUpdate(ctx, key, fields, domain.MergeOptions{})
		assert.Equal(t, http.StatusInternalServerError, appErrStatus(t, err))
		assert.True(t, d.tx.rolledBack)
	})

	t.Run("update", func(t *testing.T) {
		d := setupLedgerService(t)
		d.expectTx(key, &domain.Payment{Status: domain.PaymentStatusPending})
		d.repo.EXPECT().Update(gomock.Any(), d.tx, gomock.Any()).Return(errors.New("conn reset"))
		_, err := d.svc.CreateOrUpdate(ctx, key, fields, domain.MergeOptions{})
		assert.Equal(t, http.StatusInternalServerError, appErrStatus(t, err))
		assert.False(t, d.tx.committed)
	})
}

// ==================== SetStatus ====================

func TestLedgerService_SetStatus_SeedsPlaceholder(t *testing.T) {
	d := setupLedgerService(t)
	key := domain.PaymentKey{Shop: testShop, OrderID: "O-1"}
	d.expectTx(key, nil)
	d.repo.EXPECT().Insert(gomock.Any(), d.tx, gomock.Any()).Return(nil)

	p, advanced, err := d.svc.SetStatus(context.Background(), key, domain.PaymentStatusReturnedUnknown, domain.SourceReturn, nil)
	require.NoError(t, err)
	assert.True(t, advanced, "a created row counts as advanced")
	assert.Equal(t, domain.PaymentStatusInitiated, p.Status)
	require.Len(t, p.History, 1)
	assert.Equal(t, domain.PaymentStatusReturnedUnknown, p.History[0].Status)
	assert.Nil(t, p.AttemptID)
}

func TestLedgerService_SetStatus_GatewayTxnOverwrites(t *testing.T) {
	d := setupLedgerService(t)
	key := domain.PaymentKey{Shop: testShop, OrderID: "O-1"}
	d.expectTx(key, &domain.Payment{Status: domain.PaymentStatusDeclined, GatewayTransactionID: domain.StrPtr("old")})
	d.repo.EXPECT().Update(gomock.Any(), d.tx, gomock.Any()).Return(nil)

	p, advanced, err := d.svc.SetStatus(context.Background(), key, domain.PaymentStatusPaid, domain.SourceNotify, domain.StrPtr("new"))
	require.NoError(t, err)
	assert.False(t, advanced)
	assert.Equal(t, domain.PaymentStatusDeclined, p.Status)
	assert.Equal(t, "new", *p.GatewayTransactionID)
}

func TestLedgerService_SetStatus_RejectsUnknownStatus(t *testing.T) {
	d := setupLedgerService(t)
	_, _, err := d.svc.SetStatus(context.Background(), domain.PaymentKey{Shop: testShop, OrderID: "O-1"},
		domain.PaymentStatus("bogus"), domain.SourceNotify, nil)
	assert.Equal(t, http.StatusBadRequest, appErrStatus(t, err))
}

// ==================== ResolveShop ====================

func TestLedgerService_ResolveShop(t *testing.T) {
	tests := []struct {
		name     string
		shops    []string
		want     string
		wantCode int
	}{
		{"unknown order", nil, "", 0},
		{"single owner", []string{testShop}, testShop, 0},
		{"only unscoped", []string{""}, "", 0},
		{"shop beats unscoped placeholder", []string{"", testShop}, testShop, 0},
		{"two owners", []string{"a.myshoplaza.com", "b.myshoplaza.com"}, "", http.StatusConflict},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := setupLedgerService(t)
			d.repo.EXPECT().OrderShops(gomock.Any(), "O-1", "att-1").Return(tt.shops, nil)

			shop, err := d.svc.ResolveShop(context.Background(), "O-1", "att-1")
			if tt.wantCode != 0 {
				assert.Equal(t, tt.wantCode, appErrStatus(t, err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, shop)
		})
	}
}

func TestLedgerService_ResolveShop_Errors(t *testing.T) {
	d := setupLedgerService(t)
	_, err := d.svc.ResolveShop(context.Background(), "", "")
	assert.Equal(t, http.StatusBadRequest, appErrStatus(t, err))

	d.repo.EXPECT().OrderShops(gomock.Any(), "O-1", "").Return(nil, errors.New("conn reset"))
	_, err = d.svc.ResolveShop(context.Background(), "O-1", "")
	assert.Equal(t, http.StatusInternalServerError, appErrStatus(t, err))
}

// ==================== Get ====================

func TestLedgerService_Get(t *testing.T) {
	d := setupLedgerService(t)
	key := domain.PaymentKey{Shop: testShop, AttemptID: "att-1"}
	d.repo.EXPECT().Get(gomock.Any(), key).Return(nil, nil)

	p, err := d.svc.Get(context.Background(), key)
	require.NoError(t, err)
	assert.Nil(t, p)

	_, err = d.svc.Get(context.Background(), domain.PaymentKey{Shop: testShop})
	assert.Error(t, err)
}

// ==================== InitSession ====================

func TestLedgerService_InitSession_Conflicts(t *testing.T) {
	existing := &domain.Payment{
		Shop:       testShop,
		OrderID:    "O-1",
		Status:     domain.PaymentStatusInitiated,
		Amount:     domain.StrPtr("10.00"),
		Currency:   domain.StrPtr("USD"),
		CustomerID: domain.StrPtr("C-1"),
	}

	tests := []struct {
		name   string
		req    ports.InitSessionRequest
		fields []string
	}{
		{"amount", ports.InitSessionRequest{Amount: "11", Currency: "USD", CustomerID: "C-1"}, []string{"amount"}},
		{"currency", ports.InitSessionRequest{Amount: "10", Currency: "EUR", CustomerID: "C-1"}, []string{"currency"}},
		{"customer", ports.InitSessionRequest{Amount: "10", Currency: "USD", CustomerID: "C-2"}, []string{"customer_id"}},
		{"all", ports.InitSessionRequest{Amount: "1", Currency: "EUR", CustomerID: "C-2"}, []string{"amount", "currency", "customer_id"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := setupLedgerService(t)
			key := domain.PaymentKey{Shop: testShop, OrderID: "O-1", AttemptID: "att-1"}
			tt.req.Key = key
			d.expectTx(key, existing.Clone())

			_, err := d.svc.InitSession(context.Background(), tt.req)
			require.Error(t, err)

			var appErr *apperror.AppError
			require.True(t, errors.As(err, &appErr))
			assert.Equal(t, http.StatusConflict, appErr.HTTPStatus)
			conflicts := appErr.Details.(map[string]any)["conflicts"].([]apperror.Conflict)
			var got []string
			for _, c := range conflicts {
				got = append(got, c.Field)
			}
			assert.Equal(t, tt.fields, got)
			assert.True(t, d.tx.rolledBack)
		})
	}
}

func TestLedgerService_InitSession_EquivalentAmountIsNotConflict(t *testing.T) {
	d := setupLedgerService(t)
	key := domain.PaymentKey{Shop: testShop, OrderID: "O-1", AttemptID: "att-1"}
	d.expectTx(key, &domain.Payment{OrderID: "O-1", Status: domain.PaymentStatusPending, Amount: domain.StrPtr("10.00"), Currency: domain.StrPtr("USD")})
	d.repo.EXPECT().Update(gomock.Any(), d.tx, gomock.Any()).Return(nil)

	p, err := d.svc.InitSession(context.Background(), ports.InitSessionRequest{Key: key, Amount: "10", Currency: "usd", CustomerID: "C-1"})
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusPending, p.Status, "init never moves status")
	assert.Equal(t, "C-1", *p.CustomerID, "null customer backfilled")
	assert.Equal(t, "att-1", *p.AttemptID)
	assert.Empty(t, p.History)
}

func TestLedgerService_InitSession_InvalidAmount(t *testing.T) {
	d := setupLedgerService(t)
	_, err := d.svc.InitSession(context.Background(), ports.InitSessionRequest{
		Key: domain.PaymentKey{Shop: testShop, OrderID: "O-1"}, Amount: "ten",
	})
	assert.Equal(t, http.StatusBadRequest, appErrStatus(t, err))
}

// ==================== Memory-backed scenarios ====================

func TestLedger_ReturnBeforeInit(t *testing.T) {
	svc, repo := newMemoryLedger()
	ctx := context.Background()

	// Buyer return lands before the session was recorded.
	p, _, err := svc.SetStatus(ctx, domain.PaymentKey{Shop: testShop, OrderID: "O-1"},
		domain.PaymentStatusReturnedSuccess, domain.SourceReturn, domain.StrPtr("txn-1"))
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusReturnedSuccess, p.Status)

	p, err = svc.InitSession(ctx, ports.InitSessionRequest{
		Key:    domain.PaymentKey{Shop: testShop, OrderID: "O-1", AttemptID: "att-1"},
		Amount: "10", Currency: "USD", CustomerID: "C-1",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusReturnedSuccess, p.Status)
	assert.Equal(t, "10.00", *p.Amount)
	assert.Equal(t, "att-1", *p.AttemptID)
	assert.Equal(t, "txn-1", *p.GatewayTransactionID)

	p, _, err = svc.SetStatus(ctx, domain.PaymentKey{Shop: testShop, OrderID: "O-1"},
		domain.PaymentStatusPaid, domain.SourceNotify, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusPaid, p.Status)

	// A late failed return cannot regress the settled row.
	p, _, err = svc.SetStatus(ctx, domain.PaymentKey{Shop: testShop, AttemptID: "att-1"},
		domain.PaymentStatusReturnedFail, domain.SourceReturn, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusPaid, p.Status)
	assert.Len(t, p.History, 3)
	assert.Equal(t, 1, repo.Count())
}

func TestLedger_ConcurrentWritersConverge(t *testing.T) {
	svc, repo := newMemoryLedger()
	ctx := context.Background()
	key := domain.PaymentKey{Shop: testShop, OrderID: "O-2"}

	statuses := []domain.PaymentStatus{
		domain.PaymentStatusPending,
		domain.PaymentStatusReturnedFail,
		domain.PaymentStatusReturnedSuccess,
		domain.PaymentStatusPaid,
		domain.PaymentStatusReturnedUnknown,
	}

	var wg sync.WaitGroup
	errs := make(chan error, len(statuses)*4)
	for i := 0; i < 4; i++ {
		for _, st := range statuses {
			wg.Add(1)
			go func(st domain.PaymentStatus) {
				defer wg.Done()
				if _, _, err := svc.SetStatus(ctx, key, st, domain.SourceNotify, nil); err != nil {
					errs <- err
				}
			}(st)
		}
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	p, err := svc.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusPaid, p.Status, "highest rank wins regardless of arrival order")
	assert.Len(t, p.History, len(statuses)*4)
	assert.Equal(t, 1, repo.Count())
}

func TestLedger_ConcurrentInitSessionsSingleRow(t *testing.T) {
	svc, repo := newMemoryLedger()
	ctx := context.Background()
	req := ports.InitSessionRequest{
		Key:    domain.PaymentKey{Shop: testShop, OrderID: "O-3", AttemptID: "att-3"},
		Amount: "25.5", Currency: "EUR",
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.InitSession(ctx, req)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, repo.Count())
	p, err := svc.Get(ctx, domain.PaymentKey{Shop: testShop, AttemptID: "att-3"})
	require.NoError(t, err)
	assert.Equal(t, "25.50", *p.Amount)
}
