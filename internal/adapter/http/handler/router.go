package handler

import (
	"time"

	"hosted-payment-bridge/internal/adapter/http/middleware"
	redisStore "hosted-payment-bridge/internal/adapter/storage/redis"
	"hosted-payment-bridge/internal/core/domain"
	"hosted-payment-bridge/internal/core/ports"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// ProxySignatureParam is the query parameter carrying the app-proxy signature.
const ProxySignatureParam = "signature"

// SecurityConfig carries the inbound verification settings.
type SecurityConfig struct {
	VerifyWebhooks   bool
	AppSecret        string
	WebhookEncoding  ports.Encoding
	WebhookTolerance time.Duration
	NotifySecret     string
	NotifyEncoding   ports.Encoding
	ProxyEncoding    ports.Encoding
}

// RouterDeps holds all dependencies needed to set up routes.
type RouterDeps struct {
	Checkout       ports.CheckoutService
	Shops          ports.ShopService
	Sigs           ports.SignatureService
	Sessions       ports.SessionService
	Tokens         ports.TokenService                  // nil = platform JWT auth disabled
	Audit          ports.AuditService                  // nil = payload audit disabled
	RateLimitStore *redisStore.RateLimitStore          // nil = rate limiting disabled
	HealthCheckers []ports.HealthChecker
	Security       SecurityConfig
	MaxBodyBytes   int64
	Logger         zerolog.Logger
}

// SetupRouter initialises the Gin engine with all routes and middleware.
func SetupRouter(deps RouterDeps) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()

	if deps.MaxBodyBytes <= 0 {
		deps.MaxBodyBytes = 1 << 20
	}

	r.Use(middleware.RequestID())
	r.Use(middleware.Recovery(deps.Logger))
	r.Use(middleware.RequestLogger(deps.Logger))
	r.Use(middleware.MaxBodySize(deps.MaxBodyBytes))

	r.GET("/health", HealthCheck(deps.HealthCheckers...))

	rules := middleware.DefaultRateLimitRules()
	rl := func(group string) gin.HandlerFunc {
		if deps.RateLimitStore == nil {
			return func(c *gin.Context) { c.Next() }
		}
		rule, ok := rules[group]
		if !ok {
			return func(c *gin.Context) { c.Next() }
		}
		return middleware.RateLimiter(deps.RateLimitStore, group, rule, deps.Logger)
	}
	audit := func(source domain.WebhookSource) gin.HandlerFunc {
		if deps.Audit == nil {
			return func(c *gin.Context) { c.Next() }
		}
		return middleware.AuditWebhook(deps.Audit, source)
	}

	sec := deps.Security
	platformBody := middleware.VerifyBody(deps.Sigs, middleware.BodyAuth{
		Enabled:         sec.VerifyWebhooks,
		Secret:          sec.AppSecret,
		Encoding:        sec.WebhookEncoding,
		SignatureHeader: middleware.HeaderPlatformHmac,
	}, deps.Logger)
	platformWebhook := middleware.VerifyBody(deps.Sigs, middleware.BodyAuth{
		Enabled:         sec.VerifyWebhooks,
		Secret:          sec.AppSecret,
		Encoding:        sec.WebhookEncoding,
		SignatureHeader: middleware.HeaderPlatformHmac,
		TimestampHeader: middleware.HeaderPlatformTimestamp,
		Tolerance:       sec.WebhookTolerance,
	}, deps.Logger)
	gatewayNotify := middleware.VerifyBody(deps.Sigs, middleware.BodyAuth{
		Enabled:         sec.VerifyWebhooks,
		Secret:          sec.NotifySecret,
		Encoding:        sec.NotifyEncoding,
		SignatureHeader: middleware.HeaderGatewaySignature,
	}, deps.Logger)
	proxyQuery := middleware.VerifyQuery(deps.Sigs, sec.VerifyWebhooks, ProxySignatureParam, sec.AppSecret, sec.ProxyEncoding, deps.Logger)

	// --- Install and launch (query HMAC verified by the shop service) ---
	shopHandler := NewShopHandler(deps.Shops, deps.Sessions.TTL(), deps.Logger)
	oauth := r.Group("/oauth", rl("oauth"))
	{
		oauth.GET("/install", shopHandler.Install)
		oauth.GET("/callback", shopHandler.Callback)
	}
	r.GET("/app/launch", rl("oauth"), shopHandler.Launch)

	// --- Embedded admin (session cookie or platform JWT) ---
	checkoutHandler := NewCheckoutHandler(deps.Checkout)
	admin := r.Group("/api/admin", middleware.AdminAuth(deps.Sessions, deps.Tokens, deps.Logger), rl("admin"))
	{
		admin.GET("/settings", shopHandler.GetSettings)
		admin.PUT("/settings", shopHandler.UpdateSettings)
		admin.GET("/payments/:orderId", checkoutHandler.GetPayment)
	}

	// --- Platform webhooks ---
	r.POST("/webhooks/platform", rl("webhooks"), middleware.RawBody(),
		audit(domain.WebhookSourcePlatform), platformWebhook, shopHandler.PlatformWebhook)

	// --- Checkout entry points ---
	r.POST("/payment-sessions", rl("checkout"), middleware.RawBody(), platformBody, checkoutHandler.CreatePaymentSession)
	r.POST("/api/pay", rl("checkout"), middleware.RawBody(), platformBody, checkoutHandler.DirectPay)
	r.GET("/proxy/pay", rl("checkout"), proxyQuery, checkoutHandler.ProxyPay)

	// --- Gateway callbacks ---
	gateway := r.Group("/gateway")
	{
		gateway.GET("/return", audit(domain.WebhookSourceReturn), checkoutHandler.Return)
		gateway.POST("/notify", rl("webhooks"), middleware.RawBody(),
			audit(domain.WebhookSourceGateway), gatewayNotify, checkoutHandler.Notify)
	}

	return r
}
