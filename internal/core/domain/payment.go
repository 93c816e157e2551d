package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PaymentStatus is the ledger status vocabulary.
type PaymentStatus string

const (
	PaymentStatusInitiated       PaymentStatus = "initiated"
	PaymentStatusPending         PaymentStatus = "pending"
	PaymentStatusReturnedFail    PaymentStatus = "returned_fail"
	PaymentStatusReturnedSuccess PaymentStatus = "returned_success"
	PaymentStatusPaid            PaymentStatus = "paid"
	PaymentStatusRefunded        PaymentStatus = "refunded"
	PaymentStatusVoided          PaymentStatus = "voided"
	PaymentStatusChargeback      PaymentStatus = "chargeback"
	PaymentStatusError           PaymentStatus = "error"
	PaymentStatusDeclined        PaymentStatus = "declined"

	// Accepted but unranked: never advance a known status.
	PaymentStatusReturnedUnknown PaymentStatus = "returned_unknown"
	PaymentStatusUnknown         PaymentStatus = "unknown"
)

// statusRank is the single ordering table for forward-only transitions.
// declined and error rank above paid; a late decline overwrites a settled payment.
var statusRank = map[PaymentStatus]int{
	PaymentStatusInitiated:       0,
	PaymentStatusPending:         1,
	PaymentStatusReturnedFail:    2,
	PaymentStatusReturnedSuccess: 3,
	PaymentStatusPaid:            4,
	PaymentStatusRefunded:        5,
	PaymentStatusVoided:          6,
	PaymentStatusChargeback:      7,
	PaymentStatusError:           8,
	PaymentStatusDeclined:        9,
}

// RankedStatuses returns the ordered vocabulary, lowest rank first.
func RankedStatuses() []PaymentStatus {
	return []PaymentStatus{
		PaymentStatusInitiated,
		PaymentStatusPending,
		PaymentStatusReturnedFail,
		PaymentStatusReturnedSuccess,
		PaymentStatusPaid,
		PaymentStatusRefunded,
		PaymentStatusVoided,
		PaymentStatusChargeback,
		PaymentStatusError,
		PaymentStatusDeclined,
	}
}

// StatusRank returns the integer rank, or -1 for statuses outside the table.
func StatusRank(s PaymentStatus) int {
	if r, ok := statusRank[s]; ok {
		return r
	}
	return -1
}

// IsKnown reports whether s is part of the accepted vocabulary.
func (s PaymentStatus) IsKnown() bool {
	_, ok := statusRank[s]
	return ok || s == PaymentStatusReturnedUnknown || s == PaymentStatusUnknown
}

// CanAdvance reports whether a record in status from may move to status to.
func CanAdvance(from, to PaymentStatus) bool {
	toRank := StatusRank(to)
	if toRank < 0 {
		return false
	}
	return toRank >= StatusRank(from)
}

// SeedStatus is the status a placeholder row is created with when the first
// write for a key carries status s.
func SeedStatus(s PaymentStatus) PaymentStatus {
	if StatusRank(s) < 0 {
		return PaymentStatusInitiated
	}
	return s
}

// Status sources recorded in history entries.
const (
	SourceInit   = "init"
	SourceReturn = "return"
	SourceNotify = "notify"
	SourceAdmin  = "admin"
)

// StatusEvent is one entry of a payment's append-only status history.
type StatusEvent struct {
	At     time.Time     `json:"at"`
	Status PaymentStatus `json:"status"`
	Source string        `json:"source"`
}

// PaymentKey identifies a ledger row.
type PaymentKey struct {
	Shop      string
	OrderID   string
	AttemptID string
}

// LockKey is the advisory-lock key; attempts of one order serialize together.
func (k PaymentKey) LockKey() string {
	return k.Shop + ":" + k.OrderID
}

// Validate checks the key carries an order or attempt identifier.
func (k PaymentKey) Validate() error {
	if strings.TrimSpace(k.OrderID) == "" && strings.TrimSpace(k.AttemptID) == "" {
		return fmt.Errorf("payment key requires an order id or attempt id")
	}
	return nil
}

// PaymentLinks are the platform URLs of the session that started the payment.
type PaymentLinks struct {
	CompleteURL string `json:"complete_url,omitempty"`
	CallbackURL string `json:"callback_url,omitempty"`
	CancelURL   string `json:"cancel_url,omitempty"`
	Test        bool   `json:"test"`
}

// IsZero reports whether no link is set.
func (l PaymentLinks) IsZero() bool {
	return l == PaymentLinks{}
}

// Payment is one ledger row.
type Payment struct {
	ID                   uuid.UUID     `json:"id"`
	Shop                 string        `json:"shop,omitempty"`
	OrderID              string        `json:"order_id"`
	AttemptID            *string       `json:"payment_attempt_id,omitempty"`
	CustomerID           *string       `json:"customer_id,omitempty"`
	Amount               *string       `json:"amount,omitempty"`
	Currency             *string       `json:"currency,omitempty"`
	Status               PaymentStatus `json:"status"`
	GatewayTransactionID *string       `json:"gateway_transaction_id,omitempty"`
	History              []StatusEvent `json:"status_history"`
	Links                PaymentLinks  `json:"links"`
	CreatedAt            time.Time     `json:"created_at"`
	UpdatedAt            time.Time     `json:"updated_at"`
}

// Clone returns a deep copy.
func (p *Payment) Clone() *Payment {
	if p == nil {
		return nil
	}
	c := *p
	c.AttemptID = cloneStr(p.AttemptID)
	c.CustomerID = cloneStr(p.CustomerID)
	c.Amount = cloneStr(p.Amount)
	c.Currency = cloneStr(p.Currency)
	c.GatewayTransactionID = cloneStr(p.GatewayTransactionID)
	c.History = append([]StatusEvent(nil), p.History...)
	return &c
}

// IsTerminal reports whether the status is settled by the gateway.
func (p *Payment) IsTerminal() bool {
	return StatusRank(p.Status) >= StatusRank(PaymentStatusPaid)
}

// PaymentFields carries a partial update. Nil fields are left untouched.
type PaymentFields struct {
	AttemptID            *string
	CustomerID           *string
	Amount               *string
	Currency             *string
	Status               *PaymentStatus
	GatewayTransactionID *string
	Links                *PaymentLinks
	Source               string
}

// MergeOptions tunes CreateOrUpdate.
type MergeOptions struct {
	// DefaultStatus applies on insert when Fields.Status is nil.
	DefaultStatus PaymentStatus
	// SuppressHistory skips the history append for pure backfills.
	SuppressHistory bool
}

// Merge applies f to p forward-only and reports whether the status changed.
// Existing non-nil CustomerID, Amount and Currency are never overwritten.
func (p *Payment) Merge(f PaymentFields, at time.Time, suppressHistory bool) bool {
	if p.AttemptID == nil && f.AttemptID != nil && *f.AttemptID != "" {
		p.AttemptID = cloneStr(f.AttemptID)
	}
	if p.CustomerID == nil && f.CustomerID != nil {
		p.CustomerID = cloneStr(f.CustomerID)
	}
	if p.Amount == nil && f.Amount != nil {
		p.Amount = cloneStr(f.Amount)
	}
	if p.Currency == nil && f.Currency != nil {
		p.Currency = cloneStr(f.Currency)
	}
	if f.GatewayTransactionID != nil && *f.GatewayTransactionID != "" {
		p.GatewayTransactionID = cloneStr(f.GatewayTransactionID)
	}
	if f.Links != nil && !f.Links.IsZero() {
		p.Links = *f.Links
	}

	changed := false
	if f.Status != nil && CanAdvance(p.Status, *f.Status) {
		changed = p.Status != *f.Status
		p.Status = *f.Status
	}
	if f.Status != nil && !suppressHistory {
		p.History = append(p.History, StatusEvent{At: at, Status: *f.Status, Source: f.Source})
	}
	p.UpdatedAt = at
	return changed
}

// NormalizeAmount parses a monetary amount and renders it with two decimals.
func NormalizeAmount(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("amount is empty")
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return "", fmt.Errorf("parse amount %q: %w", raw, err)
	}
	if d.IsNegative() {
		return "", fmt.Errorf("amount %q is negative", raw)
	}
	return d.StringFixed(2), nil
}

// AmountsEqual compares two amounts numerically; "10" equals "10.00".
func AmountsEqual(a, b string) bool {
	da, errA := decimal.NewFromString(strings.TrimSpace(a))
	db, errB := decimal.NewFromString(strings.TrimSpace(b))
	if errA != nil || errB != nil {
		return strings.TrimSpace(a) == strings.TrimSpace(b)
	}
	return da.Equal(db)
}

// MapReturnResult maps a buyer-return result to a ledger status.
func MapReturnResult(result string) PaymentStatus {
	switch strings.ToLower(strings.TrimSpace(result)) {
	case "success":
		return PaymentStatusReturnedSuccess
	case "fail":
		return PaymentStatusReturnedFail
	default:
		return PaymentStatusReturnedUnknown
	}
}

// MapNotifyStatus maps a gateway notification status to a ledger status.
func MapNotifyStatus(status string) PaymentStatus {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "approved", "captured", "settled", "paid":
		return PaymentStatusPaid
	case "refunded":
		return PaymentStatusRefunded
	case "voided":
		return PaymentStatusVoided
	case "chargeback", "disputed":
		return PaymentStatusChargeback
	case "decline", "declined", "failed":
		return PaymentStatusDeclined
	case "error":
		return PaymentStatusError
	default:
		return PaymentStatusUnknown
	}
}

func cloneStr(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

// StrPtr returns nil for an empty string, otherwise a pointer to s.
func StrPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
