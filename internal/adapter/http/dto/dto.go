package dto

import (
	"encoding/json"
	"time"
)

// PaymentSessionRequest is the platform's payment-session call.
type PaymentSessionRequest struct {
	ID          string      `json:"id" binding:"required,max=128,safe_id"`
	OrderID     string      `json:"shoplazza_order_id" binding:"required,max=128,safe_id"`
	Amount      json.Number `json:"amount" binding:"required"`
	Currency    string      `json:"currency" binding:"required,iso4217"`
	CustomerID  string      `json:"customer_id,omitempty" binding:"omitempty,max=128"`
	CompleteURL string      `json:"complete_url" binding:"omitempty,safe_url"`
	CallbackURL string      `json:"callback_url" binding:"omitempty,safe_url"`
	CancelURL   string      `json:"cancel_url,omitempty" binding:"omitempty,safe_url"`
	Test        bool        `json:"test"`
	Shop        string      `json:"shop" binding:"required,shop_host"`
}

// DirectPayRequest is the body of POST /api/pay.
type DirectPayRequest struct {
	Shop        string      `json:"shop" binding:"required,shop_host"`
	OrderID     string      `json:"order_id" binding:"required,max=128,safe_id"`
	AttemptID   string      `json:"payment_attempt_id,omitempty" binding:"omitempty,max=128,safe_id"`
	Amount      json.Number `json:"amount" binding:"required"`
	Currency    string      `json:"currency" binding:"required,iso4217"`
	CustomerID  string      `json:"customer_id,omitempty" binding:"omitempty,max=128"`
	CompleteURL string      `json:"complete_url,omitempty" binding:"omitempty,safe_url"`
	CallbackURL string      `json:"callback_url,omitempty" binding:"omitempty,safe_url"`
	CancelURL   string      `json:"cancel_url,omitempty" binding:"omitempty,safe_url"`
	Test        bool        `json:"test"`
}

// ProxyPayQuery is the app-proxy checkout link.
type ProxyPayQuery struct {
	Shop       string `form:"shop" binding:"required,shop_host"`
	OrderID    string `form:"order_id" binding:"required,max=128,safe_id"`
	AttemptID  string `form:"attempt" binding:"omitempty,max=128,safe_id"`
	Amount     string `form:"amount" binding:"required"`
	Currency   string `form:"currency" binding:"required,iso4217"`
	CustomerID string `form:"customer_id" binding:"omitempty,max=128"`
	ReturnURL  string `form:"return_url" binding:"omitempty,safe_url"`
	CancelURL  string `form:"cancel_url" binding:"omitempty,safe_url"`
}

// RedirectResponse carries the hosted-page URL; callers perform the redirect.
type RedirectResponse struct {
	RedirectURL string `json:"redirect_url"`
}

// SettingsRequest is the body of PUT /api/admin/settings. Omitted fields keep
// their stored values.
type SettingsRequest struct {
	MerchantID     *string `json:"merchant_id,omitempty" binding:"omitempty,max=128"`
	MerchantSecret *string `json:"merchant_secret,omitempty" binding:"omitempty,max=512"`
	Mode           *string `json:"mode,omitempty" binding:"omitempty,oneof=test live"`
	ReturnURL      *string `json:"return_url,omitempty" binding:"omitempty,safe_url"`
	CancelURL      *string `json:"cancel_url,omitempty" binding:"omitempty,safe_url"`
}

// LaunchResponse is returned after a successful admin launch.
type LaunchResponse struct {
	Shop      string    `json:"shop"`
	ExpiresAt time.Time `json:"expires_at"`
}

// WebhookAck acknowledges an inbound webhook.
type WebhookAck struct {
	Received bool   `json:"received"`
	Topic    string `json:"topic,omitempty"`
}

// NotifyResponse acknowledges a gateway notification.
type NotifyResponse struct {
	OrderID string `json:"order_id"`
	Status  string `json:"status"`
}
