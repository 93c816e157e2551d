package handler

import (
	"bytes"
	"encoding/json"
	"net/http"
	"time"

	"hosted-payment-bridge/internal/adapter/http/dto"
	"hosted-payment-bridge/internal/adapter/http/middleware"
	"hosted-payment-bridge/internal/core/domain"
	"hosted-payment-bridge/internal/core/ports"
	"hosted-payment-bridge/pkg/apperror"
	"hosted-payment-bridge/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// TopicAppUninstalled is the platform webhook topic sent on uninstall.
const TopicAppUninstalled = "app/uninstalled"

// ShopHandler serves install, launch, admin settings and platform webhooks.
type ShopHandler struct {
	shops      ports.ShopService
	sessionTTL time.Duration
	log        zerolog.Logger
}

// NewShopHandler creates a new ShopHandler.
func NewShopHandler(shops ports.ShopService, sessionTTL time.Duration, log zerolog.Logger) *ShopHandler {
	return &ShopHandler{shops: shops, sessionTTL: sessionTTL, log: log}
}

// Install handles GET /oauth/install.
func (h *ShopHandler) Install(c *gin.Context) {
	authorizeURL, err := h.shops.BeginInstall(c.Request.Context(), c.Request.URL.Query())
	if err != nil {
		response.Error(c, err)
		return
	}
	c.Redirect(http.StatusFound, authorizeURL)
}

// Callback handles GET /oauth/callback.
func (h *ShopHandler) Callback(c *gin.Context) {
	res, err := h.shops.CompleteInstall(c.Request.Context(), c.Request.URL.Query())
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, gin.H{
		"shop":     res.Shop.Shop,
		"store_id": res.Shop.StoreID,
		"scope":    res.Shop.Scope,
		"webhooks": res.Debug,
	})
}

// Launch handles GET /app/launch and sets the admin session cookie.
func (h *ShopHandler) Launch(c *gin.Context) {
	res, err := h.shops.Launch(c.Request.Context(), c.Request.URL.Query())
	if err != nil {
		response.Error(c, err)
		return
	}
	middleware.SetSessionCookie(c, res.Token, h.sessionTTL)
	response.OK(c, dto.LaunchResponse{Shop: res.Shop, ExpiresAt: res.ExpiresAt})
}

// GetSettings handles GET /api/admin/settings.
func (h *ShopHandler) GetSettings(c *gin.Context) {
	view, err := h.shops.GetSettings(c.Request.Context(), middleware.ShopFromContext(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, view)
}

// UpdateSettings handles PUT /api/admin/settings.
func (h *ShopHandler) UpdateSettings(c *gin.Context) {
	var req dto.SettingsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, apperror.Validation(err.Error()))
		return
	}
	dto.TrimStruct(&req)

	upd := domain.SettingsUpdate{
		MerchantID:     req.MerchantID,
		MerchantSecret: req.MerchantSecret,
		ReturnURL:      req.ReturnURL,
		CancelURL:      req.CancelURL,
	}
	if req.Mode != nil {
		mode := domain.GatewayMode(*req.Mode)
		upd.Mode = &mode
	}

	view, err := h.shops.UpdateSettings(c.Request.Context(), middleware.ShopFromContext(c), upd)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, view)
}

// PlatformWebhook handles POST /webhooks/platform. Every verified payload is
// acknowledged; only the uninstall topic changes state.
func (h *ShopHandler) PlatformWebhook(c *gin.Context) {
	topic := c.GetHeader(middleware.HeaderPlatformTopic)
	shop := domain.NormalizeShop(c.GetHeader(middleware.HeaderPlatformShop))
	if shop == "" {
		shop = shopFromBody(middleware.RawBytes(c))
	}
	c.Set(middleware.CtxShop, shop)

	if topic == TopicAppUninstalled {
		if !domain.ValidShopHost(shop) {
			response.Error(c, apperror.ErrInvalidShop())
			return
		}
		if err := h.shops.Uninstall(c.Request.Context(), shop); err != nil {
			response.Error(c, err)
			return
		}
	} else {
		h.log.Debug().Str("topic", topic).Str("shop", shop).Msg("platform webhook acknowledged")
	}
	response.OK(c, dto.WebhookAck{Received: true, Topic: topic})
}

// shopFromBody reads the shop host from a webhook body that does not carry
// the shop domain header.
func shopFromBody(raw []byte) string {
	if len(bytes.TrimSpace(raw)) == 0 {
		return ""
	}
	var body struct {
		Domain     string `json:"domain"`
		ShopDomain string `json:"shop_domain"`
		MyShoplaza string `json:"myshoplaza_domain"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return ""
	}
	for _, v := range []string{body.ShopDomain, body.MyShoplaza, body.Domain} {
		if v != "" {
			return domain.NormalizeShop(v)
		}
	}
	return ""
}
