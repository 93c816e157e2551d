package domain

import (
	"time"

	"github.com/google/uuid"
)

// WebhookSource names the sender of an inbound event.
type WebhookSource string

const (
	WebhookSourcePlatform WebhookSource = "platform"
	WebhookSourceGateway  WebhookSource = "gateway"
	WebhookSourceReturn   WebhookSource = "return"
)

// WebhookEvent is an append-only record of a raw inbound payload.
type WebhookEvent struct {
	ID             uuid.UUID         `json:"id"`
	Source         WebhookSource     `json:"source"`
	Topic          string            `json:"topic,omitempty"`
	Shop           string            `json:"shop,omitempty"`
	OrderRef       string            `json:"order_ref,omitempty"`
	Headers        map[string]string `json:"headers,omitempty"`
	Payload        []byte            `json:"-"`
	SignatureValid bool              `json:"signature_valid"`
	ReceivedAt     time.Time         `json:"received_at"`
}
