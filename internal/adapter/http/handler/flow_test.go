package handler_test

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	httpHandler "hosted-payment-bridge/internal/adapter/http/handler"
	"hosted-payment-bridge/internal/adapter/http/middleware"
	"hosted-payment-bridge/internal/adapter/platform"
	"hosted-payment-bridge/internal/adapter/storage/memory"
	redisStorage "hosted-payment-bridge/internal/adapter/storage/redis"
	"hosted-payment-bridge/internal/core/domain"
	"hosted-payment-bridge/internal/core/ports"
	"hosted-payment-bridge/internal/service"
	"hosted-payment-bridge/pkg/logger"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	flowShop      = "demo.myshoplaza.com"
	appSecret     = "app-client-secret"
	notifySecret  = "gateway-notify-secret"
	merchantKey   = "merchant-s3cret"
	flowMasterKey = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"
)

// flowApp is the full HTTP stack over memory storage and miniredis.
type flowApp struct {
	engine    *gin.Engine
	hosted    *service.HostedPageServiceImpl
	sigs      *service.HMACSignatureService
	shops     *memory.ShopRepo
	events    *memory.WebhookEventRepo
	payments  *memory.PaymentRepo
	callbacks *callbackSink
}

// callbackSink stands in for the platform's payment callback endpoint.
type callbackSink struct {
	mu       sync.Mutex
	received []ports.PaymentCallback
	server   *httptest.Server
}

func (s *callbackSink) all() []ports.PaymentCallback {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ports.PaymentCallback(nil), s.received...)
}

func newCallbackSink(t *testing.T) *callbackSink {
	sink := &callbackSink{}
	sink.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var cb ports.PaymentCallback
		if err := json.NewDecoder(r.Body).Decode(&cb); err == nil {
			sink.mu.Lock()
			sink.received = append(sink.received, cb)
			sink.mu.Unlock()
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(sink.server.Close)
	return sink
}

func newFlowApp(t *testing.T) *flowApp {
	t.Helper()
	log := logger.NewWithWriter("error", io.Discard)

	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	master, err := service.NewAESEncryptionService(flowMasterKey)
	require.NoError(t, err)
	tokenEnc, err := master.Derive(service.KeyInfoShopToken)
	require.NoError(t, err)
	secretEnc, err := master.Derive(service.KeyInfoSettings)
	require.NoError(t, err)

	sessions, err := service.NewHMACSessionService("flow-session-secret", 20*time.Minute)
	require.NoError(t, err)

	app := &flowApp{
		sigs:      service.NewHMACSignatureService(),
		shops:     memory.NewShopRepo(),
		events:    memory.NewWebhookEventRepo(),
		payments:  memory.NewPaymentRepo(),
		callbacks: newCallbackSink(t),
	}
	app.hosted = service.NewHostedPageService(service.HostedPageConfig{
		BaseURL:  "https://gw.example.com/hostedpage/servlet/HostedPagePurchase",
		Encoding: ports.EncodingBase64,
	}, log).WithClock(func() time.Time { return time.Unix(1_700_000_000, 0) })

	settings := memory.NewSettingsRepo()
	states := memory.NewOAuthStateStore(time.Minute)
	t.Cleanup(func() { _ = states.Close() })

	platformClient := platform.NewClient(platform.Config{ClientID: "cid", ClientSecret: appSecret, Timeout: 2 * time.Second}, log)
	ledger := service.NewLedgerService(app.payments, memory.NewTransactor(), log)

	checkout := service.NewCheckoutService(ledger, settings, app.hosted, secretEnc,
		redisStorage.NewIdempotencyCache(rdb), platformClient, service.CheckoutConfig{
			PublicURL: "https://bridge.example.com",
		}, log)
	shops := service.NewShopService(app.shops, settings, states, platformClient, app.sigs, sessions,
		tokenEnc, secretEnc, service.ShopConfig{
			ClientSecret: appSecret,
			PublicURL:    "https://bridge.example.com",
			VerifyQuery:  true,
		}, log)

	app.engine = httpHandler.SetupRouter(httpHandler.RouterDeps{
		Checkout:       checkout,
		Shops:          shops,
		Sigs:           app.sigs,
		Sessions:       sessions,
		Tokens:         service.NewJWTTokenService(appSecret, ""),
		Audit:          service.NewAuditService(app.events, log),
		RateLimitStore: redisStorage.NewRateLimitStore(rdb),
		HealthCheckers: []ports.HealthChecker{redisStorage.NewHealthCheck(rdb)},
		Security: httpHandler.SecurityConfig{
			VerifyWebhooks:   true,
			AppSecret:        appSecret,
			WebhookEncoding:  ports.EncodingBase64,
			WebhookTolerance: 5 * time.Minute,
			NotifySecret:     notifySecret,
			NotifyEncoding:   ports.EncodingHex,
			ProxyEncoding:    ports.EncodingHex,
		},
		Logger: log,
	})
	return app
}

func (a *flowApp) do(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	a.engine.ServeHTTP(w, req)
	return w
}

func platformSigned(method, path, body string) *http.Request {
	mac := hmac.New(sha256.New, []byte(appSecret))
	mac.Write([]byte(body))
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(middleware.HeaderPlatformHmac, base64.StdEncoding.EncodeToString(mac.Sum(nil)))
	req.Header.Set(middleware.HeaderPlatformTimestamp, strconv.FormatInt(time.Now().Unix(), 10))
	return req
}

func gatewaySigned(body string) *http.Request {
	mac := hmac.New(sha256.New, []byte(notifySecret))
	mac.Write([]byte(body))
	req := httptest.NewRequest(http.MethodPost, "/gateway/notify", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(middleware.HeaderGatewaySignature, hex.EncodeToString(mac.Sum(nil)))
	return req
}

func (a *flowApp) launch(t *testing.T) *http.Cookie {
	t.Helper()
	q := url.Values{"shop": {flowShop}, "timestamp": {strconv.FormatInt(time.Now().Unix(), 10)}}
	q.Set(service.QuerySignatureParam, a.sigs.Sign(appSecret, a.sigs.CanonicalQuery(q, service.QuerySignatureParam), ports.EncodingHex))

	w := a.do(httptest.NewRequest(http.MethodGet, "/app/launch?"+q.Encode(), nil))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	for _, c := range w.Result().Cookies() {
		if c.Name == domain.SessionCookieName {
			return c
		}
	}
	t.Fatal("launch set no session cookie")
	return nil
}

func (a *flowApp) adminRequest(method, path, body string, cookie *http.Cookie) *http.Request {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.AddCookie(cookie)
	return req
}

func sessionBody(orderID, attempt, amount, callbackURL string) string {
	b, _ := json.Marshal(map[string]any{
		"id":                 attempt,
		"shoplazza_order_id": orderID,
		"amount":             amount,
		"currency":           "USD",
		"customer_id":        "C1",
		"complete_url":       "https://demo.myshoplaza.com/checkout/complete",
		"callback_url":       callbackURL,
		"cancel_url":         "https://demo.myshoplaza.com/checkout/cancel",
		"test":               true,
		"shop":               flowShop,
	})
	return string(b)
}

func redirectOf(t *testing.T, w *httptest.ResponseRecorder) *url.URL {
	t.Helper()
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp struct {
		RedirectURL string `json:"redirect_url"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	u, err := url.Parse(resp.RedirectURL)
	require.NoError(t, err)
	return u
}

func paymentStatus(t *testing.T, w *httptest.ResponseRecorder) (string, int) {
	t.Helper()
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp struct {
		Data domain.Payment `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return string(resp.Data.Status), len(resp.Data.History)
}

func TestFlow_CheckoutLifecycle(t *testing.T) {
	app := newFlowApp(t)
	require.NoError(t, app.shops.Upsert(t.Context(), &domain.Shop{Shop: flowShop, StoreID: "1001", InstalledAt: time.Now()}))
	cookie := app.launch(t)
	callbackURL := app.callbacks.server.URL + "/payments/callback"

	// Without settings and without a global fallback the shop must fix its settings.
	w := app.do(platformSigned(http.MethodPost, "/payment-sessions", sessionBody("O-1", "att-1", "10.00", callbackURL)))
	assert.Equal(t, http.StatusPreconditionFailed, w.Code)

	w = app.do(app.adminRequest(http.MethodPut, "/api/admin/settings",
		`{"merchant_id":"M-1","merchant_secret":"`+merchantKey+`","mode":"test"}`, cookie))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.NotContains(t, w.Body.String(), merchantKey)

	// Settings read back masked; an update without the secret keeps it.
	w = app.do(app.adminRequest(http.MethodPut, "/api/admin/settings", `{"return_url":"https://demo.myshoplaza.com/thanks"}`, cookie))
	require.Equal(t, http.StatusOK, w.Code)
	w = app.do(app.adminRequest(http.MethodGet, "/api/admin/settings", "", cookie))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"merchant_secret":"********"`)

	// Session init returns a signed hosted-page URL.
	w = app.do(platformSigned(http.MethodPost, "/payment-sessions", sessionBody("O-1", "att-1", "10.00", callbackURL)))
	u := redirectOf(t, w)
	q := u.Query()
	assert.Equal(t, "gw.example.com", u.Host)
	assert.Equal(t, "O-1", q.Get("invoice"))
	assert.Equal(t, flowShop, q.Get("shop"))
	assert.Equal(t, "test", q.Get("mode"))
	assert.True(t, strings.HasSuffix(u.RawQuery, "&hash="+url.QueryEscape(q.Get("hash"))))
	assert.True(t, app.hosted.Verify(ports.SignedFields{
		ID: q.Get("id"), MerchantID: q.Get("merch"), Amount: q.Get("amount"), Purchase: q.Get("purchase"), Time: 1_700_000_000,
	}, merchantKey, q.Get("hash"), ports.EncodingBase64))
	assert.Equal(t, "C1", q.Get("id"))
	assert.Equal(t, "M-1", q.Get("merch"))

	// Identical repeat returns the same URL; a different amount conflicts.
	again := redirectOf(t, app.do(platformSigned(http.MethodPost, "/payment-sessions", sessionBody("O-1", "att-1", "10.00", callbackURL))))
	assert.Equal(t, u.String(), again.String())

	w = app.do(platformSigned(http.MethodPost, "/payment-sessions", sessionBody("O-1", "att-1", "11.00", callbackURL)))
	require.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), `"field":"amount"`)
	assert.Contains(t, w.Body.String(), `"existing":"10.00"`)

	// Buyer returns with success.
	ret := q.Get("success") + "&transactId=T-1"
	retURL, err := url.Parse(ret)
	require.NoError(t, err)
	w = app.do(httptest.NewRequest(http.MethodGet, retURL.RequestURI(), nil))
	require.Equal(t, http.StatusFound, w.Code, w.Body.String())
	assert.Equal(t, "https://demo.myshoplaza.com/checkout/complete", w.Header().Get("Location"))

	status, _ := paymentStatus(t, app.do(app.adminRequest(http.MethodGet, "/api/admin/payments/O-1", "", cookie)))
	assert.Equal(t, "returned_success", status)

	// Gateway notifications are authoritative. The shop is resolved from the order.
	w = app.do(gatewaySigned(`{"invoice":"O-1","status":"approved","transactId":"T-1"}`))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"status":"paid"`)

	w = app.do(gatewaySigned(`{"shop":"demo.myshoplaza.com","invoice":"O-1","attempt":"att-1","status":"declined"}`))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"declined"`)

	status, history := paymentStatus(t, app.do(app.adminRequest(http.MethodGet, "/api/admin/payments/O-1?attempt=att-1", "", cookie)))
	assert.Equal(t, "declined", status)
	assert.Equal(t, 4, history)
	assert.Equal(t, 1, app.payments.Count())

	// The return reached the platform as pending; paid and declined settled it.
	require.Eventually(t, func() bool { return len(app.callbacks.all()) == 3 }, 2*time.Second, 10*time.Millisecond)
	cbs := app.callbacks.all()
	assert.Equal(t, "pending", cbs[0].Status)
	assert.Equal(t, "success", cbs[1].Status)
	assert.Equal(t, "T-1", cbs[1].TransactionID)
	assert.Equal(t, "failed", cbs[2].Status)
}

func TestFlow_ReturnBeforeInit(t *testing.T) {
	app := newFlowApp(t)
	require.NoError(t, app.shops.Upsert(t.Context(), &domain.Shop{Shop: flowShop, InstalledAt: time.Now()}))
	cookie := app.launch(t)
	w := app.do(app.adminRequest(http.MethodPut, "/api/admin/settings", `{"merchant_id":"M-1","merchant_secret":"k"}`, cookie))
	require.Equal(t, http.StatusOK, w.Code)

	w = app.do(httptest.NewRequest(http.MethodGet, "/gateway/return?result=success&shop=demo.myshoplaza.com&orderId=O-2&attempt=att-2", nil))
	assert.Equal(t, http.StatusOK, w.Code, "no links yet, so the status is rendered")

	redirectOf(t, app.do(platformSigned(http.MethodPost, "/payment-sessions", sessionBody("O-2", "att-2", "5.00", ""))))

	status, _ := paymentStatus(t, app.do(app.adminRequest(http.MethodGet, "/api/admin/payments/O-2", "", cookie)))
	assert.Equal(t, "returned_success", status)
	assert.Equal(t, 1, app.payments.Count())
}

func TestFlow_NotifyTrustsOnlySignedBody(t *testing.T) {
	app := newFlowApp(t)
	require.NoError(t, app.shops.Upsert(t.Context(), &domain.Shop{Shop: flowShop, InstalledAt: time.Now()}))
	cookie := app.launch(t)
	w := app.do(app.adminRequest(http.MethodPut, "/api/admin/settings", `{"merchant_id":"M-1","merchant_secret":"k"}`, cookie))
	require.Equal(t, http.StatusOK, w.Code)
	callbackURL := app.callbacks.server.URL + "/payments/callback"
	redirectOf(t, app.do(platformSigned(http.MethodPost, "/payment-sessions", sessionBody("O-7", "att-7", "5.00", callbackURL))))

	// Status, shop and ids in the query string are not covered by the signature.
	req := gatewaySigned(`{"invoice":"O-7"}`)
	req.URL.RawQuery = "shop=demo.myshoplaza.com&status=approved&transactId=T-X"
	w = app.do(req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"status":"initiated"`)

	status, _ := paymentStatus(t, app.do(app.adminRequest(http.MethodGet, "/api/admin/payments/O-7", "", cookie)))
	assert.Equal(t, "initiated", status)

	// A notify shaped without a shop settles the order it names.
	w = app.do(gatewaySigned(`{"invoice":"O-7","status":"approved","transactId":"T-7"}`))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"status":"paid"`)

	require.Eventually(t, func() bool { return len(app.callbacks.all()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "success", app.callbacks.all()[0].Status)
	assert.Equal(t, "T-7", app.callbacks.all()[0].TransactionID)
}

func TestFlow_ForgedReturnDoesNotSettle(t *testing.T) {
	app := newFlowApp(t)
	require.NoError(t, app.shops.Upsert(t.Context(), &domain.Shop{Shop: flowShop, InstalledAt: time.Now()}))
	cookie := app.launch(t)
	w := app.do(app.adminRequest(http.MethodPut, "/api/admin/settings", `{"merchant_id":"M-1","merchant_secret":"k"}`, cookie))
	require.Equal(t, http.StatusOK, w.Code)
	callbackURL := app.callbacks.server.URL + "/payments/callback"
	redirectOf(t, app.do(platformSigned(http.MethodPost, "/payment-sessions", sessionBody("O-8", "att-8", "5.00", callbackURL))))

	w = app.do(httptest.NewRequest(http.MethodGet, "/gateway/return?result=success&shop=demo.myshoplaza.com&orderId=O-8&attempt=att-8", nil))
	require.Equal(t, http.StatusFound, w.Code)

	require.Eventually(t, func() bool { return len(app.callbacks.all()) == 1 }, 2*time.Second, 10*time.Millisecond)
	cb := app.callbacks.all()[0]
	assert.Equal(t, "O-8", cb.OrderID)
	assert.Equal(t, "pending", cb.Status)
}

func TestFlow_SignatureGuards(t *testing.T) {
	app := newFlowApp(t)

	// Unsigned session request.
	req := httptest.NewRequest(http.MethodPost, "/payment-sessions", strings.NewReader(sessionBody("O-3", "a", "1.00", "")))
	req.Header.Set("Content-Type", "application/json")
	w := app.do(req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), `"reason":"no_hmac"`)

	// Notify signed with the wrong secret.
	bad := httptest.NewRequest(http.MethodPost, "/gateway/notify", strings.NewReader(`{"invoice":"O-3","status":"approved"}`))
	bad.Header.Set(middleware.HeaderGatewaySignature, strings.Repeat("ab", 32))
	w = app.do(bad)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), `"reason":"mismatch"`)

	// Correctly signed webhook with a stale timestamp.
	stale := platformSigned(http.MethodPost, "/webhooks/platform", `{"shop_domain":"demo.myshoplaza.com"}`)
	stale.Header.Set(middleware.HeaderPlatformTimestamp, strconv.FormatInt(time.Now().Add(-10*time.Minute).Unix(), 10))
	stale.Header.Set(middleware.HeaderPlatformShop, flowShop)
	w = app.do(stale)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), `"reason":"stale"`)

	// Admin routes need a session.
	w = app.do(httptest.NewRequest(http.MethodGet, "/api/admin/settings", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), `"reason":"no_session"`)

	// Rejected payloads are still audited. The stale webhook carried a valid
	// signature; the forged notification did not.
	require.Eventually(t, func() bool {
		signed, _ := app.events.ListRecent(t.Context(), flowShop, 10)
		forged, _ := app.events.ListRecent(t.Context(), "", 10)
		return len(signed) == 1 && signed[0].SignatureValid &&
			len(forged) == 1 && !forged[0].SignatureValid && forged[0].Source == domain.WebhookSourceGateway
	}, 2*time.Second, 10*time.Millisecond)
}

func TestFlow_UninstallEndsAdminAccess(t *testing.T) {
	app := newFlowApp(t)
	require.NoError(t, app.shops.Upsert(t.Context(), &domain.Shop{Shop: flowShop, InstalledAt: time.Now()}))
	app.launch(t)

	req := platformSigned(http.MethodPost, "/webhooks/platform", `{"id":1}`)
	req.Header.Set(middleware.HeaderPlatformTopic, httpHandler.TopicAppUninstalled)
	req.Header.Set(middleware.HeaderPlatformShop, flowShop)
	w := app.do(req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	q := url.Values{"shop": {flowShop}, "timestamp": {strconv.FormatInt(time.Now().Unix(), 10)}}
	q.Set(service.QuerySignatureParam, app.sigs.Sign(appSecret, app.sigs.CanonicalQuery(q, service.QuerySignatureParam), ports.EncodingHex))
	w = app.do(httptest.NewRequest(http.MethodGet, "/app/launch?"+q.Encode(), nil))
	assert.Equal(t, http.StatusNotFound, w.Code)

	require.Eventually(t, func() bool {
		events, _ := app.events.ListRecent(t.Context(), flowShop, 10)
		return len(events) == 1 && events[0].SignatureValid && events[0].Topic == httpHandler.TopicAppUninstalled
	}, 2*time.Second, 10*time.Millisecond)
}

func TestFlow_ProxyPay(t *testing.T) {
	app := newFlowApp(t)
	require.NoError(t, app.shops.Upsert(t.Context(), &domain.Shop{Shop: flowShop, InstalledAt: time.Now()}))
	cookie := app.launch(t)
	w := app.do(app.adminRequest(http.MethodPut, "/api/admin/settings", `{"merchant_id":"M-9","merchant_secret":"k9","mode":"live"}`, cookie))
	require.Equal(t, http.StatusOK, w.Code)

	q := url.Values{"shop": {flowShop}, "order_id": {"O-7"}, "amount": {"7.5"}, "currency": {"USD"}}
	q.Set(httpHandler.ProxySignatureParam, app.sigs.Sign(appSecret, app.sigs.CanonicalQuery(q, httpHandler.ProxySignatureParam), ports.EncodingHex))

	w = app.do(httptest.NewRequest(http.MethodGet, "/proxy/pay?"+q.Encode(), nil))
	require.Equal(t, http.StatusFound, w.Code, w.Body.String())
	loc, err := url.Parse(w.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "M-9", loc.Query().Get("merch"))
	assert.Equal(t, "7.50", loc.Query().Get("amount"))
	assert.Equal(t, "live", loc.Query().Get("mode"))
}

func TestFlow_Health(t *testing.T) {
	app := newFlowApp(t)
	w := app.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"redis"`)
}
