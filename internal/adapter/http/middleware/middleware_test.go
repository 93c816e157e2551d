package middleware

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"hosted-payment-bridge/internal/core/domain"
	"hosted-payment-bridge/internal/core/ports"
	"hosted-payment-bridge/internal/core/ports/mocks"
	"hosted-payment-bridge/internal/service"
	"hosted-payment-bridge/pkg/apperror"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

const webhookSecret = "app-client-secret"

func init() {
	gin.SetMode(gin.TestMode)
}

func signBase64(body string) string {
	mac := hmac.New(sha256.New, []byte(webhookSecret))
	mac.Write([]byte(body))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func errorReason(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Reason string `json:"reason"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body.Reason
}

func webhookRouter(enabled bool, now time.Time) *gin.Engine {
	r := gin.New()
	r.POST("/hook", RawBody(), VerifyBody(service.NewHMACSignatureService(), BodyAuth{
		Enabled:         enabled,
		Secret:          webhookSecret,
		Encoding:        ports.EncodingBase64,
		SignatureHeader: HeaderPlatformHmac,
		TimestampHeader: HeaderPlatformTimestamp,
		Tolerance:       5 * time.Minute,
		Now:             func() time.Time { return now },
	}, zerolog.Nop()), func(c *gin.Context) {
		var payload map[string]any
		if err := c.ShouldBindJSON(&payload); err != nil {
			c.String(http.StatusBadRequest, err.Error())
			return
		}
		c.JSON(http.StatusOK, gin.H{"valid": c.GetBool(CtxSignatureValid), "id": payload["id"]})
	})
	return r
}

func TestVerifyBody(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	body := `{"id": 42,  "topic":"orders/paid"}`
	fresh := strconv.FormatInt(now.Unix(), 10)
	stale := strconv.FormatInt(now.Add(-6*time.Minute).Unix(), 10)

	tests := []struct {
		name       string
		sig        string
		ts         string
		wantStatus int
		wantReason string
	}{
		{"valid", signBase64(body), fresh, http.StatusOK, ""},
		{"missing signature", "", fresh, http.StatusUnauthorized, apperror.ReasonNoHMAC},
		{"wrong signature", signBase64(body + " "), fresh, http.StatusUnauthorized, apperror.ReasonMismatch},
		{"correctly signed but stale", signBase64(body), stale, http.StatusUnauthorized, apperror.ReasonStale},
		{"missing timestamp", signBase64(body), "", http.StatusUnauthorized, apperror.ReasonStale},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/hook", strings.NewReader(body))
			req.Header.Set("Content-Type", "application/json")
			if tt.sig != "" {
				req.Header.Set(HeaderPlatformHmac, tt.sig)
			}
			if tt.ts != "" {
				req.Header.Set(HeaderPlatformTimestamp, tt.ts)
			}
			w := httptest.NewRecorder()
			webhookRouter(true, now).ServeHTTP(w, req)

			assert.Equal(t, tt.wantStatus, w.Code)
			if tt.wantReason != "" {
				assert.Equal(t, tt.wantReason, errorReason(t, w))
			} else {
				assert.JSONEq(t, `{"valid":true,"id":42}`, w.Body.String())
			}
		})
	}
}

func TestVerifyBody_Disabled(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/hook", strings.NewReader(`{"id":1}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	webhookRouter(false, time.Now()).ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"valid":false,"id":1}`, w.Body.String())
}

func TestVerifyQuery(t *testing.T) {
	sigs := service.NewHMACSignatureService()
	r := gin.New()
	r.GET("/proxy", VerifyQuery(sigs, true, "signature", webhookSecret, ports.EncodingHex, zerolog.Nop()), func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})

	q := url.Values{"shop": {"demo.myshoplaza.com"}, "order_id": {"O-1"}, "amount": {"10.00"}}
	q.Set("signature", sigs.Sign(webhookSecret, sigs.CanonicalQuery(q, "signature"), ports.EncodingHex))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/proxy?"+q.Encode(), nil))
	assert.Equal(t, http.StatusNoContent, w.Code)

	q.Set("amount", "1.00")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/proxy?"+q.Encode(), nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, apperror.ReasonMismatch, errorReason(t, w))

	q.Del("signature")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/proxy?"+q.Encode(), nil))
	assert.Equal(t, apperror.ReasonNoHMAC, errorReason(t, w))
}

func adminRouter(sessions ports.SessionService, tokens ports.TokenService) *gin.Engine {
	r := gin.New()
	r.GET("/admin", AdminAuth(sessions, tokens, zerolog.Nop()), func(c *gin.Context) {
		c.String(http.StatusOK, ShopFromContext(c))
	})
	return r
}

func TestAdminAuth_Cookie(t *testing.T) {
	sessions, err := service.NewHMACSessionService("session-secret", 20*time.Minute)
	require.NoError(t, err)
	token, _, err := sessions.Issue("demo.myshoplaza.com", "1001")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/admin", nil)
	req.AddCookie(&http.Cookie{Name: domain.SessionCookieName, Value: token})
	w := httptest.NewRecorder()
	adminRouter(sessions, nil).ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "demo.myshoplaza.com", w.Body.String())
}

func TestAdminAuth_BearerFallback(t *testing.T) {
	ctrl := gomock.NewController(t)
	sessions := mocks.NewMockSessionService(ctrl)
	tokens := mocks.NewMockTokenService(ctrl)

	sessions.EXPECT().Read("tampered").Return(nil, apperror.ErrNoSession())
	tokens.EXPECT().Validate("platform-jwt").Return(&ports.TokenClaims{Shop: "demo.myshoplaza.com"}, nil)

	req := httptest.NewRequest(http.MethodGet, "/admin", nil)
	req.AddCookie(&http.Cookie{Name: domain.SessionCookieName, Value: "tampered"})
	req.Header.Set("Authorization", "Bearer platform-jwt")
	w := httptest.NewRecorder()
	adminRouter(sessions, tokens).ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "demo.myshoplaza.com", w.Body.String())
}

func TestAdminAuth_Rejects(t *testing.T) {
	ctrl := gomock.NewController(t)
	sessions := mocks.NewMockSessionService(ctrl)
	tokens := mocks.NewMockTokenService(ctrl)
	tokens.EXPECT().Validate("bad").Return(nil, errors.New("token is expired"))

	for _, header := range []string{"", "Basic abc", "Bearer bad"} {
		req := httptest.NewRequest(http.MethodGet, "/admin", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		w := httptest.NewRecorder()
		adminRouter(sessions, tokens).ServeHTTP(w, req)

		assert.Equal(t, http.StatusUnauthorized, w.Code, header)
		assert.Equal(t, apperror.ReasonNoSession, errorReason(t, w))
	}
}

func TestSetSessionCookie(t *testing.T) {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	SetSessionCookie(c, "tok", 20*time.Minute)

	cookie := w.Header().Get("Set-Cookie")
	assert.Contains(t, cookie, domain.SessionCookieName+"=tok")
	assert.Contains(t, cookie, "Max-Age=1200")
	assert.Contains(t, cookie, "HttpOnly")
	assert.Contains(t, cookie, "Secure")
	assert.Contains(t, cookie, "SameSite=None")
}

func TestRequestID(t *testing.T) {
	r := gin.New()
	r.Use(RequestID())
	r.GET("/", func(c *gin.Context) { c.String(http.StatusOK, c.GetString(CtxRequestID)) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	_, err := uuid.Parse(w.Body.String())
	assert.NoError(t, err)
	assert.Equal(t, w.Body.String(), w.Header().Get(HeaderRequestID))

	inbound := uuid.New().String()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(HeaderRequestID, inbound)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, inbound, w.Body.String())

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(HeaderRequestID, "<script>")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.NotEqual(t, "<script>", w.Body.String())
}

func TestRecovery(t *testing.T) {
	r := gin.New()
	r.Use(Recovery(zerolog.Nop()))
	r.GET("/panic", func(c *gin.Context) { panic("boom") })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/panic", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "SYS_001")
}
