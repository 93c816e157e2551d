package middleware

import (
	"net/http"

	"hosted-payment-bridge/internal/core/domain"
	"hosted-payment-bridge/internal/core/ports"

	"github.com/gin-gonic/gin"
)

// AuditWebhook records every inbound payload on the route after the response,
// including ones rejected by signature checks. Mount it before the verifier.
func AuditWebhook(auditSvc ports.AuditService, source domain.WebhookSource) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		payload := RawBytes(c)
		if c.Request.Method == http.MethodGet {
			payload = queryPayload(c.Request.URL.Query())
		}

		shop := c.GetString(CtxShop)
		if shop == "" {
			shop = domain.NormalizeShop(firstHeaderOrQuery(c, HeaderPlatformShop, "shop"))
		}

		auditSvc.Record(c.Request.Context(), &domain.WebhookEvent{
			Source:         source,
			Topic:          c.GetHeader(HeaderPlatformTopic),
			Shop:           shop,
			OrderRef:       c.GetString(CtxOrderRef),
			Headers:        redactHeaders(c.Request.Header),
			Payload:        payload,
			SignatureValid: c.GetBool(CtxSignatureValid),
		})
	}
}

func firstHeaderOrQuery(c *gin.Context, header, param string) string {
	if v := c.GetHeader(header); v != "" {
		return v
	}
	return c.Query(param)
}
