package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"foodorder-svc/config"
	"foodorder-svc/models"
	"foodorder-svc/store"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type roleAuthorizer struct {
	store store.Store
}

func (a roleAuthorizer) IsAdmin(ctx context.Context, actorID string) (bool, error) {
	return a.store.HasRole(ctx, actorID, "admin")
}

type testEnv struct {
	store    *store.Memory
	clock    *fakeClock
	queue    *NotificationQueue
	orders   *OrderService
	payments *PaymentService
	status   *StatusService
}

var testSettings = config.Orders{
	AmountTolerance:   decimal.RequireFromString("5.00"),
	Currency:          "NGN",
	StatusDedupWindow: 6 * time.Hour,
	NumberPrefix:      "ORD",
}

var (
	admin   = models.Actor{ID: "admin-1"}
	webhook = models.SystemActor("payment-webhook")
)

func setupServices(t *testing.T) *testEnv {
	t.Helper()

	logger := zaptest.NewLogger(t, zaptest.Level(zap.WarnLevel))
	mem := store.NewMemory()
	clock := &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}

	mem.AddProduct(models.Product{ID: "jollof", Name: "Jollof Rice", Price: decimal.RequireFromString("1500.00"), IsActive: true})
	mem.AddProduct(models.Product{ID: "plantain", Name: "Fried Plantain", Price: decimal.RequireFromString("800.00"), IsActive: true})
	mem.AddProduct(models.Product{ID: "chapman", Name: "Chapman", Price: decimal.RequireFromString("19.99"), IsActive: true})
	mem.AddProduct(models.Product{ID: "suya", Name: "Suya Platter", Price: decimal.RequireFromString("2500.00"), IsActive: false})
	mem.AddDeliveryZone(models.DeliveryZone{ID: "lekki", Name: "Lekki", BaseFee: decimal.RequireFromString("500.00"), IsActive: true})
	mem.AddDeliveryZone(models.DeliveryZone{ID: "ikeja", Name: "Ikeja", BaseFee: decimal.RequireFromString("700.00"), IsActive: false})
	mem.GrantRole(admin.ID, "admin")

	audit := NewAuditWriter(mem, logger, clock.Now)
	queue := NewNotificationQueue(logger, clock.Now)

	return &testEnv{
		store: mem,
		clock: clock,
		queue: queue,
		orders: NewOrderService(OrderServiceDeps{
			Store: mem, Queue: queue, Audit: audit, Authorizer: roleAuthorizer{store: mem},
			Logger: logger, Settings: testSettings, Now: clock.Now,
		}),
		payments: NewPaymentService(PaymentServiceDeps{
			Store: mem, Queue: queue, Audit: audit, Authorizer: roleAuthorizer{store: mem},
			Logger: logger, Settings: testSettings, Now: clock.Now,
		}),
		status: NewStatusService(StatusServiceDeps{
			Store: mem, Queue: queue, Audit: audit, Authorizer: roleAuthorizer{store: mem},
			Logger: logger, Settings: testSettings, Now: clock.Now,
		}),
	}
}

func pickupRequest(email string, items ...models.OrderItemInput) models.CreateOrderRequest {
	return models.CreateOrderRequest{
		Customer:        models.CustomerInput{Email: email, Name: "Ada Obi", Phone: "+2348000000000"},
		FulfillmentType: models.FulfillmentPickup,
		Items:           items,
	}
}

func item(productID string, qty int) models.OrderItemInput {
	return models.OrderItemInput{ProductID: productID, Quantity: qty}
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func decPtr(s string) *decimal.Decimal {
	d := dec(s)
	return &d
}

func (e *testEnv) createOrder(t *testing.T, req models.CreateOrderRequest) *models.Order {
	t.Helper()
	order, err := e.orders.CreateOrder(context.Background(), req, models.Actor{})
	if err != nil {
		t.Fatalf("Failed to create order: %v", err)
	}
	return order
}

func (e *testEnv) storedOrder(t *testing.T, id string) *models.Order {
	t.Helper()
	order, err := e.store.GetOrder(context.Background(), id)
	if err != nil {
		t.Fatalf("Failed to load order %s: %v", id, err)
	}
	return order
}

func countEvents(events []models.CommunicationEvent, eventType models.EventType) int {
	n := 0
	for _, ev := range events {
		if ev.EventType == eventType {
			n++
		}
	}
	return n
}

func auditByAction(entries []models.AuditEntry, action string) []models.AuditEntry {
	var out []models.AuditEntry
	for _, e := range entries {
		if e.Action == action {
			out = append(out, e)
		}
	}
	return out
}
