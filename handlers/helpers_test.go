package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"foodorder-svc/auth"
	"foodorder-svc/config"
	"foodorder-svc/middleware"
	"foodorder-svc/models"
	"foodorder-svc/services"
	"foodorder-svc/store"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

var (
	testSecret    = []byte("test-secret")
	webhookSecret = []byte("whsec-test")
)

type testApp struct {
	store    *store.Memory
	orders   *services.OrderService
	status   *services.StatusService
	payments *services.PaymentService
	router   *gin.Engine
}

func setupApp(t *testing.T) *testApp {
	t.Helper()

	logger := zaptest.NewLogger(t, zaptest.Level(zap.ErrorLevel))
	mem := store.NewMemory()
	mem.AddProduct(models.Product{ID: "jollof", Name: "Jollof Rice", Price: decimal.RequireFromString("1500.00"), IsActive: true})
	mem.AddDeliveryZone(models.DeliveryZone{ID: "lekki", Name: "Lekki", BaseFee: decimal.RequireFromString("500.00"), IsActive: true})
	mem.GrantRole("42", auth.RoleAdmin)

	settings := config.Orders{
		AmountTolerance:   decimal.RequireFromString("5.00"),
		Currency:          "NGN",
		StatusDedupWindow: 6 * time.Hour,
		NumberPrefix:      "ORD",
	}
	audit := services.NewAuditWriter(mem, logger, nil)
	queue := services.NewNotificationQueue(logger, nil)
	authorizer := auth.NewRoleAuthorizer(mem, nil, 0, logger)

	app := &testApp{
		store: mem,
		orders: services.NewOrderService(services.OrderServiceDeps{
			Store: mem, Queue: queue, Audit: audit, Authorizer: authorizer, Logger: logger, Settings: settings,
		}),
		status: services.NewStatusService(services.StatusServiceDeps{
			Store: mem, Queue: queue, Audit: audit, Authorizer: authorizer, Logger: logger, Settings: settings,
		}),
		payments: services.NewPaymentService(services.PaymentServiceDeps{
			Store: mem, Queue: queue, Audit: audit, Authorizer: authorizer, Logger: logger, Settings: settings,
		}),
	}

	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/health", HealthCheck)
	orderHandler := NewOrderHandler(app.orders, app.status, logger)
	paymentHandler := NewPaymentHandler(app.payments, logger)
	router.POST("/webhooks/payments", middleware.WebhookSignature(webhookSecret, "X-Signature", logger), paymentHandler.Webhook)
	router.POST("/orders", middleware.OptionalAuthMiddleware(testSecret, logger), orderHandler.CreateOrder)

	authed := router.Group("/", middleware.AuthMiddleware(testSecret, logger))
	authed.GET("/orders/:id", orderHandler.GetOrder)
	authed.GET("/orders/:id/history", orderHandler.GetStatusHistory)
	authed.GET("/orders/:id/events", orderHandler.GetEvents)
	authed.PATCH("/orders/:id/status", orderHandler.UpdateOrderStatus)
	authed.POST("/payments/verify", paymentHandler.VerifyPayment)

	app.router = router
	return app
}

func token(t *testing.T, userID float64) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id": userID,
		"exp":     time.Now().Add(time.Hour).Unix(),
	}).SignedString(testSecret)
	if err != nil {
		t.Fatalf("Failed to sign token: %v", err)
	}
	return signed
}

func encodeBody(t *testing.T, body any) []byte {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("Failed to encode body: %v", err)
		}
	}
	return buf.Bytes()
}

func (a *testApp) send(method, path string, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	return w
}

func (a *testApp) do(t *testing.T, method, path string, body any, bearer string) *httptest.ResponseRecorder {
	t.Helper()
	headers := map[string]string{}
	if bearer != "" {
		headers["Authorization"] = "Bearer " + bearer
	}
	return a.send(method, path, encodeBody(t, body), headers)
}

// webhook posts body signed the way the payment provider signs callbacks.
func (a *testApp) webhook(t *testing.T, body any) *httptest.ResponseRecorder {
	t.Helper()
	raw := encodeBody(t, body)
	return a.send(http.MethodPost, "/webhooks/payments", raw, map[string]string{
		"X-Signature": middleware.SignWebhook(webhookSecret, raw),
	})
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("Failed to decode response %s: %v", w.Body.String(), err)
	}
	return v
}

func orderBody(clientTotal string) map[string]any {
	body := map[string]any{
		"customer":          map[string]any{"email": "ada@example.com", "name": "Ada Obi"},
		"fulfillment_type":  "delivery",
		"items":             []map[string]any{{"product_id": "jollof", "quantity": 2}},
		"delivery":          map[string]any{"zone_id": "lekki", "address": "12 Admiralty Way"},
		"payment_reference": "PSK-1",
	}
	if clientTotal != "" {
		body["client_total"] = clientTotal
	}
	return body
}

func (a *testApp) createOrder(t *testing.T) models.Order {
	t.Helper()
	return a.createOrderAs(t, "")
}

func (a *testApp) createOrderAs(t *testing.T, bearer string) models.Order {
	t.Helper()
	w := a.do(t, http.MethodPost, "/orders", orderBody("3500.00"), bearer)
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected status %d, got %d: %s", http.StatusCreated, w.Code, w.Body.String())
	}
	return decode[models.Order](t, w)
}
