package handler

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"hosted-payment-bridge/internal/adapter/http/dto"
	"hosted-payment-bridge/internal/adapter/http/middleware"
	"hosted-payment-bridge/internal/core/domain"
	"hosted-payment-bridge/internal/core/ports"
	"hosted-payment-bridge/pkg/apperror"
	"hosted-payment-bridge/pkg/response"

	"github.com/gin-gonic/gin"
)

// Aliases accepted for the inbound callback fields.
var (
	orderParams  = []string{"orderId", "invoice", "shoplazzaOrderId", "order_id"}
	resultParams = []string{"result", "status"}
	txnParams    = []string{"transactId", "rocketgateTxnId", "transaction_id"}
	attemptParam = []string{"attempt", "payment_attempt_id"}
)

// CheckoutHandler serves the checkout entry points and gateway callbacks.
type CheckoutHandler struct {
	checkout ports.CheckoutService
}

// NewCheckoutHandler creates a new CheckoutHandler.
func NewCheckoutHandler(checkout ports.CheckoutService) *CheckoutHandler {
	return &CheckoutHandler{checkout: checkout}
}

// CreatePaymentSession handles POST /payment-sessions. It answers with the
// redirect URL and never redirects itself.
func (h *CheckoutHandler) CreatePaymentSession(c *gin.Context) {
	var req dto.PaymentSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, apperror.Validation(err.Error()))
		return
	}
	dto.TrimStruct(&req)
	c.Set(middleware.CtxOrderRef, req.OrderID)

	res, err := h.checkout.CreatePaymentSession(c.Request.Context(), ports.PaymentSessionRequest{
		Shop:        req.Shop,
		AttemptID:   req.ID,
		OrderID:     req.OrderID,
		Amount:      req.Amount.String(),
		Currency:    req.Currency,
		CustomerID:  req.CustomerID,
		CompleteURL: req.CompleteURL,
		CallbackURL: req.CallbackURL,
		CancelURL:   req.CancelURL,
		Test:        req.Test,
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Bare(c, http.StatusOK, dto.RedirectResponse{RedirectURL: res.RedirectURL})
}

// DirectPay handles POST /api/pay.
func (h *CheckoutHandler) DirectPay(c *gin.Context) {
	var req dto.DirectPayRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, apperror.Validation(err.Error()))
		return
	}
	dto.TrimStruct(&req)
	c.Set(middleware.CtxOrderRef, req.OrderID)

	res, err := h.checkout.StartPayment(c.Request.Context(), ports.PaymentSessionRequest{
		Shop:        req.Shop,
		AttemptID:   req.AttemptID,
		OrderID:     req.OrderID,
		Amount:      req.Amount.String(),
		Currency:    req.Currency,
		CustomerID:  req.CustomerID,
		CompleteURL: req.CompleteURL,
		CallbackURL: req.CallbackURL,
		CancelURL:   req.CancelURL,
		Test:        req.Test,
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Bare(c, http.StatusOK, dto.RedirectResponse{RedirectURL: res.RedirectURL})
}

// ProxyPay handles GET /proxy/pay and redirects the buyer to the hosted page.
func (h *CheckoutHandler) ProxyPay(c *gin.Context) {
	var q dto.ProxyPayQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		response.Error(c, apperror.Validation(err.Error()))
		return
	}
	dto.TrimStruct(&q)

	res, err := h.checkout.StartPayment(c.Request.Context(), ports.PaymentSessionRequest{
		Shop:        q.Shop,
		AttemptID:   q.AttemptID,
		OrderID:     q.OrderID,
		Amount:      q.Amount,
		Currency:    q.Currency,
		CustomerID:  q.CustomerID,
		CompleteURL: q.ReturnURL,
		CancelURL:   q.CancelURL,
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	c.Redirect(http.StatusFound, res.RedirectURL)
}

// Return handles GET /gateway/return, the buyer's browser coming back.
func (h *CheckoutHandler) Return(c *gin.Context) {
	q := c.Request.URL.Query()
	req := ports.ReturnRequest{
		Shop:         q.Get("shop"),
		OrderID:      firstValue(q, orderParams),
		AttemptID:    firstValue(q, attemptParam),
		Result:       firstValue(q, resultParams),
		GatewayTxnID: firstValue(q, txnParams),
	}
	c.Set(middleware.CtxOrderRef, req.OrderID)

	res, err := h.checkout.HandleReturn(c.Request.Context(), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	if res.RedirectURL != "" {
		c.Redirect(http.StatusFound, res.RedirectURL)
		return
	}
	response.OK(c, gin.H{
		"order_id": res.Payment.OrderID,
		"status":   res.Payment.Status,
	})
}

// Notify handles POST /gateway/notify, the authoritative gateway callback.
// Every field comes from the signed body; the query string is ignored.
func (h *CheckoutHandler) Notify(c *gin.Context) {
	values, err := bodyValues(c)
	if err != nil {
		response.Error(c, apperror.Validation(err.Error()))
		return
	}

	req := ports.NotifyRequest{
		Shop:         values.Get("shop"),
		OrderID:      firstValue(values, orderParams),
		AttemptID:    firstValue(values, attemptParam),
		Status:       values.Get("status"),
		GatewayTxnID: firstValue(values, txnParams),
	}
	c.Set(middleware.CtxOrderRef, req.OrderID)
	c.Set(middleware.CtxShop, domain.NormalizeShop(req.Shop))

	p, err := h.checkout.HandleNotify(c.Request.Context(), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	c.Set(middleware.CtxShop, p.Shop)
	response.OK(c, dto.NotifyResponse{OrderID: p.OrderID, Status: string(p.Status)})
}

// GetPayment handles GET /api/admin/payments/:orderId for the session's shop.
func (h *CheckoutHandler) GetPayment(c *gin.Context) {
	key := domain.PaymentKey{
		Shop:      middleware.ShopFromContext(c),
		OrderID:   c.Param("orderId"),
		AttemptID: c.Query("attempt"),
	}
	p, err := h.checkout.GetPayment(c.Request.Context(), key)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, p)
}

// bodyValues flattens a form or JSON body into one set of values.
func bodyValues(c *gin.Context) (url.Values, error) {
	values := url.Values{}
	raw := middleware.RawBytes(c)
	if len(bytes.TrimSpace(raw)) == 0 {
		return values, nil
	}

	if strings.Contains(c.ContentType(), "json") {
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		var obj map[string]any
		if err := dec.Decode(&obj); err != nil {
			return nil, fmt.Errorf("malformed JSON body: %w", err)
		}
		for k, v := range obj {
			if v == nil {
				continue
			}
			values.Set(k, fmt.Sprint(v))
		}
		return values, nil
	}

	form, err := url.ParseQuery(string(raw))
	if err != nil {
		return nil, fmt.Errorf("malformed form body: %w", err)
	}
	for k, v := range form {
		values[k] = v
	}
	return values, nil
}

func firstValue(values url.Values, names []string) string {
	for _, name := range names {
		if v := strings.TrimSpace(values.Get(name)); v != "" {
			return v
		}
	}
	return ""
}
