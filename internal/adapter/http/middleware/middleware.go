package middleware

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"hosted-payment-bridge/internal/core/domain"
	"hosted-payment-bridge/internal/core/ports"
	"hosted-payment-bridge/pkg/apperror"
	"hosted-payment-bridge/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	// Inbound platform webhook headers
	HeaderPlatformHmac      = "X-Shoplazza-Hmac-Sha256"
	HeaderPlatformTimestamp = "X-Shoplazza-Timestamp"
	HeaderPlatformTopic     = "X-Shoplazza-Topic"
	HeaderPlatformShop      = "X-Shoplazza-Shop-Domain"

	// Gateway notification signature header
	HeaderGatewaySignature = "X-Gateway-Signature"

	HeaderRequestID = "X-Request-ID"

	// Context keys
	CtxRequestID      = response.RequestIDKey
	CtxRawBody        = "raw_body"
	CtxSignatureValid = "signature_valid"
	CtxShop           = "shop"
	CtxStoreID        = "store_id"
	CtxOrderRef       = "order_ref"
)

// BodyAuth configures body-signature verification for one inbound source.
type BodyAuth struct {
	Enabled         bool
	Secret          string
	Encoding        ports.Encoding
	SignatureHeader string
	// TimestampHeader is checked against Tolerance when set.
	TimestampHeader string
	Tolerance       time.Duration
	Now             func() time.Time
}

// RequestID assigns every request an id, reusing a well-formed inbound one.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(HeaderRequestID)
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.New().String()
		}
		c.Set(CtxRequestID, id)
		c.Header(HeaderRequestID, id)
		c.Next()
	}
}

// RawBody buffers the request body so signature checks see the exact bytes
// and handlers can still bind it.
func RawBody() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := c.Get(CtxRawBody); ok {
			c.Next()
			return
		}
		var raw []byte
		if c.Request.Body != nil {
			b, err := io.ReadAll(c.Request.Body)
			if err != nil {
				response.Error(c, apperror.New("PAY_001", "Request body too large or unreadable", http.StatusRequestEntityTooLarge))
				c.Abort()
				return
			}
			raw = b
		}
		c.Request.Body = io.NopCloser(bytes.NewReader(raw))
		c.Set(CtxRawBody, raw)
		c.Next()
	}
}

// VerifyBody checks an HMAC over the raw body and, when configured, the
// freshness of a timestamp header. Verification failures abort with 401.
func VerifyBody(sigs ports.SignatureService, cfg BodyAuth, log zerolog.Logger) gin.HandlerFunc {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return func(c *gin.Context) {
		raw := RawBytes(c)
		if !cfg.Enabled {
			c.Next()
			return
		}

		if err := sigs.VerifyWebhook(raw, c.GetHeader(cfg.SignatureHeader), cfg.Secret, cfg.Encoding); err != nil {
			log.Warn().Str("path", c.Request.URL.Path).Err(err).Msg("body signature rejected")
			response.Error(c, err)
			c.Abort()
			return
		}
		c.Set(CtxSignatureValid, true)

		if cfg.TimestampHeader != "" {
			if err := sigs.CheckTimestamp(c.GetHeader(cfg.TimestampHeader), cfg.Tolerance, cfg.Now()); err != nil {
				log.Warn().Str("path", c.Request.URL.Path).Msg("stale signed request rejected")
				response.Error(c, err)
				c.Abort()
				return
			}
		}
		c.Next()
	}
}

// VerifyQuery checks the HMAC carried in the sigParam query parameter.
func VerifyQuery(sigs ports.SignatureService, enabled bool, sigParam, secret string, enc ports.Encoding, log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !enabled {
			c.Next()
			return
		}
		if err := sigs.VerifyQuery(c.Request.URL.Query(), sigParam, secret, enc); err != nil {
			log.Warn().Str("path", c.Request.URL.Path).Err(err).Msg("query signature rejected")
			response.Error(c, err)
			c.Abort()
			return
		}
		c.Set(CtxSignatureValid, true)
		c.Next()
	}
}

// AdminAuth resolves the shop of an admin request from the session cookie,
// falling back to a platform session JWT in the Authorization header.
func AdminAuth(sessions ports.SessionService, tokens ports.TokenService, log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if cookie, err := c.Cookie(domain.SessionCookieName); err == nil && cookie != "" {
			if claims, err := sessions.Read(cookie); err == nil {
				c.Set(CtxShop, claims.Shop)
				c.Set(CtxStoreID, claims.StoreID)
				c.Next()
				return
			}
		}

		if tokens != nil {
			if bearer, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer "); ok && bearer != "" {
				claims, err := tokens.Validate(bearer)
				if err == nil {
					c.Set(CtxShop, claims.Shop)
					c.Next()
					return
				}
				log.Debug().Err(err).Msg("platform session token rejected")
			}
		}

		response.Error(c, apperror.ErrNoSession())
		c.Abort()
	}
}

// SetSessionCookie writes the admin session cookie.
func SetSessionCookie(c *gin.Context, token string, ttl time.Duration) {
	c.SetSameSite(http.SameSiteNoneMode)
	c.SetCookie(domain.SessionCookieName, token, int(ttl.Seconds()), "/", "", true, true)
}

// RawBytes returns the buffered request body.
func RawBytes(c *gin.Context) []byte {
	if v, ok := c.Get(CtxRawBody); ok {
		if b, ok := v.([]byte); ok {
			return b
		}
	}
	return nil
}

// ShopFromContext returns the authenticated admin shop.
func ShopFromContext(c *gin.Context) string {
	return c.GetString(CtxShop)
}

// RequestLogger creates a middleware that logs every HTTP request.
func RequestLogger(log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		latency := time.Since(start)
		status := c.Writer.Status()

		event := log.Info()
		if status >= http.StatusInternalServerError {
			event = log.Error()
		} else if status >= http.StatusBadRequest {
			event = log.Warn()
		}

		if len(c.Errors) > 0 {
			event = event.Err(c.Errors.Last().Err)
		}
		event.
			Str("request_id", c.GetString(CtxRequestID)).
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", status).
			Dur("latency", latency).
			Str("client_ip", c.ClientIP()).
			Msg("http request")
	}
}

// Recovery creates a panic recovery middleware.
func Recovery(log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				log.Error().
					Interface("panic", r).
					Str("request_id", c.GetString(CtxRequestID)).
					Str("path", c.Request.URL.Path).
					Msg("panic recovered")
				response.Error(c, apperror.InternalError(fmt.Errorf("panic: %v", r)))
			}
		}()
		c.Next()
	}
}

// redactHeaders keeps the headers worth auditing and drops credentials.
func redactHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for name, values := range h {
		switch strings.ToLower(name) {
		case "authorization", "cookie", "access-token":
			continue
		}
		out[name] = strings.Join(values, ",")
	}
	return out
}

// queryPayload renders query parameters as an audit payload for GET callbacks.
func queryPayload(q url.Values) []byte {
	if len(q) == 0 {
		return nil
	}
	return []byte(q.Encode())
}
