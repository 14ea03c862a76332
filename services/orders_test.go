package services

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"foodorder-svc/models"
	"foodorder-svc/pricing"

	"github.com/shopspring/decimal"
)

func TestCreateOrder_ComputesTotals(t *testing.T) {
	env := setupServices(t)

	order := env.createOrder(t, pickupRequest("ada@example.com", item("jollof", 2), item("plantain", 1)))

	if !order.Subtotal.Equal(dec("3800.00")) || !order.Total.Equal(dec("3800.00")) {
		t.Errorf("Expected subtotal and total 3800.00, got %s and %s", order.Subtotal, order.Total)
	}
	if order.Status != models.OrderStatusPending || order.PaymentStatus != models.PaymentStatusPending {
		t.Errorf("Expected pending/pending, got %s/%s", order.Status, order.PaymentStatus)
	}
	if order.OrderNumber != "ORD-20260301-0001" {
		t.Errorf("Expected ORD-20260301-0001, got %s", order.OrderNumber)
	}
	if order.PaymentReference == "" {
		t.Error("Expected a generated payment reference")
	}

	stored := env.storedOrder(t, order.ID)
	if len(stored.Items) != 2 {
		t.Fatalf("Expected 2 items, got %d", len(stored.Items))
	}
	first := stored.Items[0]
	if first.ProductName != "Jollof Rice" || !first.UnitPrice.Equal(dec("1500")) || !first.TotalPrice.Equal(dec("3000")) {
		t.Errorf("Unexpected item snapshot %+v", first)
	}

	events := env.store.Events()
	if countEvents(events, models.EventOrderConfirmation) != 1 {
		t.Errorf("Expected one order confirmation, got %d", countEvents(events, models.EventOrderConfirmation))
	}
	if countEvents(events, models.EventCustomerWelcome) != 1 {
		t.Errorf("Expected one welcome event for a first-time customer, got %d", countEvents(events, models.EventCustomerWelcome))
	}

	entries := auditByAction(env.store.AuditEntries(), "order.create")
	if len(entries) != 1 || entries[0].TargetRef != order.ID {
		t.Fatalf("Expected one order.create audit entry for %s, got %+v", order.ID, entries)
	}
}

func TestCreateOrder_NoFloatDrift(t *testing.T) {
	env := setupServices(t)

	order := env.createOrder(t, pickupRequest("ada@example.com", item("chapman", 3)))

	if order.Total.String() != "59.97" {
		t.Errorf("Expected 59.97, got %s", order.Total)
	}
}

func TestCreateOrder_ReturningCustomerGetsNoWelcome(t *testing.T) {
	env := setupServices(t)

	first := env.createOrder(t, pickupRequest("ada@example.com", item("jollof", 1)))
	second := env.createOrder(t, pickupRequest("ADA@example.com", item("jollof", 1)))

	if countEvents(env.store.Events(), models.EventCustomerWelcome) != 1 {
		t.Errorf("Expected a single welcome event")
	}
	if countEvents(env.store.Events(), models.EventOrderConfirmation) != 2 {
		t.Errorf("Expected a confirmation per order")
	}
	if second.OrderNumber != "ORD-20260301-0002" || first.OrderNumber == second.OrderNumber {
		t.Errorf("Expected sequential order numbers, got %s and %s", first.OrderNumber, second.OrderNumber)
	}
}

func TestCreateOrder_DeliveryFee(t *testing.T) {
	env := setupServices(t)

	zone := "lekki"
	req := pickupRequest("ada@example.com", item("jollof", 2))
	req.FulfillmentType = models.FulfillmentDelivery
	req.Delivery = models.DeliveryInput{ZoneID: &zone, Address: "12 Admiralty Way"}

	order := env.createOrder(t, req)

	if !order.DeliveryFee.Equal(dec("500")) || !order.Total.Equal(dec("3500")) {
		t.Errorf("Expected fee 500 and total 3500, got %s and %s", order.DeliveryFee, order.Total)
	}
}

func TestCreateOrder_ClientTotalTolerance(t *testing.T) {
	cases := []struct {
		name     string
		client   string
		mismatch bool
	}{
		{"exact", "3800.00", false},
		{"within tolerance", "3804.50", false},
		{"at tolerance", "3795.00", false},
		{"beyond tolerance", "3805.01", true},
		{"tampered", "100.00", true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := setupServices(t)

			req := pickupRequest("ada@example.com", item("jollof", 2), item("plantain", 1))
			req.ClientTotal = decPtr(tc.client)

			order, err := env.orders.CreateOrder(context.Background(), req, models.Actor{})
			if !tc.mismatch {
				if err != nil {
					t.Fatalf("Unexpected error: %v", err)
				}
				if !order.Total.Equal(dec("3800")) {
					t.Errorf("Expected server total 3800 to win, got %s", order.Total)
				}
				return
			}

			var mismatch *TotalMismatchError
			if !errors.As(err, &mismatch) {
				t.Fatalf("Expected TotalMismatchError, got %v", err)
			}
			if mismatch.Server != pricing.Cents(380000) {
				t.Errorf("Expected server total 3800.00, got %s", mismatch.Server)
			}
			if len(env.store.Orders()) != 0 || len(env.store.Events()) != 0 {
				t.Error("Expected nothing to be written")
			}

			entries := auditByAction(env.store.AuditEntries(), "order.create")
			if len(entries) != 1 {
				t.Fatalf("Expected the rejected attempt to be audited")
			}
			var details map[string]any
			if err := json.Unmarshal(entries[0].Details, &details); err != nil {
				t.Fatalf("Failed to decode audit details: %v", err)
			}
			if details["outcome"] != "failed" || details["breakdown"] == nil {
				t.Errorf("Expected failed outcome with breakdown, got %v", details)
			}
		})
	}
}

func TestCreateOrder_Rejections(t *testing.T) {
	zone := "ikeja"
	unknownZone := "mars"

	cases := []struct {
		name   string
		mutate func(*models.CreateOrderRequest)
		kind   Kind
		is     error
	}{
		{"missing email", func(r *models.CreateOrderRequest) { r.Customer.Email = " " }, KindValidation, ErrInvalidInput},
		{"malformed email", func(r *models.CreateOrderRequest) { r.Customer.Email = "ada" }, KindValidation, ErrInvalidInput},
		{"missing name", func(r *models.CreateOrderRequest) { r.Customer.Name = "" }, KindValidation, ErrInvalidInput},
		{"bad fulfillment", func(r *models.CreateOrderRequest) { r.FulfillmentType = "drone" }, KindValidation, ErrInvalidInput},
		{"no items", func(r *models.CreateOrderRequest) { r.Items = nil }, KindValidation, ErrInvalidInput},
		{"zero quantity", func(r *models.CreateOrderRequest) { r.Items[0].Quantity = 0 }, KindValidation, ErrInvalidInput},
		{"unknown product", func(r *models.CreateOrderRequest) { r.Items[0].ProductID = "pizza" }, KindNotFound, ErrProductNotFound},
		{"inactive product", func(r *models.CreateOrderRequest) { r.Items[0].ProductID = "suya" }, KindValidation, ErrProductInactive},
		{"delivery without address", func(r *models.CreateOrderRequest) {
			r.FulfillmentType = models.FulfillmentDelivery
		}, KindValidation, ErrInvalidInput},
		{"inactive zone", func(r *models.CreateOrderRequest) {
			r.FulfillmentType = models.FulfillmentDelivery
			r.Delivery = models.DeliveryInput{ZoneID: &zone, Address: "Allen Avenue"}
		}, KindValidation, ErrInvalidInput},
		{"unknown zone", func(r *models.CreateOrderRequest) {
			r.FulfillmentType = models.FulfillmentDelivery
			r.Delivery = models.DeliveryInput{ZoneID: &unknownZone, Address: "Allen Avenue"}
		}, KindValidation, ErrInvalidInput},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := setupServices(t)

			req := pickupRequest("ada@example.com", item("jollof", 1))
			tc.mutate(&req)

			_, err := env.orders.CreateOrder(context.Background(), req, models.Actor{})
			if !errors.Is(err, tc.is) {
				t.Fatalf("Expected %v, got %v", tc.is, err)
			}
			if KindOf(err) != tc.kind {
				t.Errorf("Expected kind %s, got %s", tc.kind, KindOf(err))
			}
			if len(env.store.Orders()) != 0 {
				t.Error("Expected no order to be stored")
			}
			if len(auditByAction(env.store.AuditEntries(), "order.create")) != 1 {
				t.Error("Expected the failed attempt to be audited")
			}
		})
	}
}

func TestCreateOrder_DuplicatePaymentReference(t *testing.T) {
	env := setupServices(t)

	req := pickupRequest("ada@example.com", item("jollof", 1))
	req.PaymentReference = "PSK-123"
	env.createOrder(t, req)

	_, err := env.orders.CreateOrder(context.Background(), req, models.Actor{})
	if KindOf(err) != KindValidation {
		t.Fatalf("Expected validation error, got %v", err)
	}
	if len(env.store.Orders()) != 1 {
		t.Errorf("Expected one order, got %d", len(env.store.Orders()))
	}
}

func TestCreateOrder_PromotionApplied(t *testing.T) {
	env := setupServices(t)

	maxDiscount := dec("1000.00")
	env.store.AddPromotion(models.Promotion{
		ID:                "promo-1",
		Code:              "WELCOME10",
		Type:              models.PromotionPercentage,
		Value:             decimal.NewFromInt(10),
		MaxDiscountAmount: &maxDiscount,
		IsActive:          true,
	})

	req := pickupRequest("ada@example.com", item("jollof", 2), item("plantain", 1))
	req.PromotionCode = "welcome10"
	order := env.createOrder(t, req)

	if !order.Discount.Equal(dec("380")) || !order.Total.Equal(dec("3420")) {
		t.Errorf("Expected discount 380 and total 3420, got %s and %s", order.Discount, order.Total)
	}
	if order.PromotionCode == nil || *order.PromotionCode != "WELCOME10" {
		t.Errorf("Expected promotion code WELCOME10, got %v", order.PromotionCode)
	}
	promo, _ := env.store.Promotion("promo-1")
	if promo.UsageCount != 1 {
		t.Errorf("Expected usage count 1, got %d", promo.UsageCount)
	}
}

func TestCreateOrder_FreeDelivery(t *testing.T) {
	env := setupServices(t)

	env.store.AddPromotion(models.Promotion{ID: "promo-2", Code: "FREESHIP", Type: models.PromotionFreeDelivery, IsActive: true})

	zone := "lekki"
	req := pickupRequest("ada@example.com", item("jollof", 1))
	req.FulfillmentType = models.FulfillmentDelivery
	req.Delivery = models.DeliveryInput{ZoneID: &zone, Address: "12 Admiralty Way"}
	req.PromotionCode = "FREESHIP"

	order := env.createOrder(t, req)

	if !order.DeliveryDiscount.Equal(dec("500")) || !order.Total.Equal(dec("1500")) {
		t.Errorf("Expected delivery discount 500 and total 1500, got %s and %s", order.DeliveryDiscount, order.Total)
	}
}

func TestCreateOrder_InvalidPromotionIsNonFatal(t *testing.T) {
	cases := []struct {
		name  string
		promo *models.Promotion
		code  string
	}{
		{name: "unknown code", code: "NOPE"},
		{name: "inactive", code: "OLD", promo: &models.Promotion{ID: "p-old", Code: "OLD", Type: models.PromotionFixedAmount, Value: dec("100"), IsActive: false}},
		{name: "below minimum", code: "BIG", promo: &models.Promotion{ID: "p-big", Code: "BIG", Type: models.PromotionFixedAmount, Value: dec("100"), MinOrderAmount: dec("50000"), IsActive: true}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := setupServices(t)
			if tc.promo != nil {
				env.store.AddPromotion(*tc.promo)
			}

			req := pickupRequest("ada@example.com", item("jollof", 1))
			req.PromotionCode = tc.code
			order := env.createOrder(t, req)

			if !order.Discount.IsZero() || !order.Total.Equal(dec("1500")) {
				t.Errorf("Expected no discount, got %s off %s", order.Discount, order.Total)
			}
			if order.PromotionCode != nil {
				t.Errorf("Expected no promotion recorded, got %s", *order.PromotionCode)
			}
			if tc.promo != nil {
				promo, _ := env.store.Promotion(tc.promo.ID)
				if promo.UsageCount != 0 {
					t.Error("Expected usage count to be unchanged")
				}
			}

			entries := auditByAction(env.store.AuditEntries(), "order.create")
			var details map[string]any
			if err := json.Unmarshal(entries[0].Details, &details); err != nil {
				t.Fatalf("Failed to decode audit details: %v", err)
			}
			if details["promotion_error"] == nil {
				t.Error("Expected the promotion failure to be audited")
			}
		})
	}
}

func TestCreateOrder_RollsBackOnPersistenceFailure(t *testing.T) {
	env := setupServices(t)
	env.store.FailOn("EnqueueEvent", errors.New("disk full"))

	_, err := env.orders.CreateOrder(context.Background(), pickupRequest("ada@example.com", item("jollof", 1)), models.Actor{})

	var critical *CriticalError
	if !errors.As(err, &critical) || critical.Kind != KindPersistence {
		t.Fatalf("Expected persistence CriticalError, got %v", err)
	}
	if PublicMessage(err) == err.Error() {
		t.Error("Expected a generic message for persistence failures")
	}
	if len(env.store.Orders()) != 0 || len(env.store.Events()) != 0 {
		t.Error("Expected a full rollback")
	}

	env.store.FailOn("EnqueueEvent", nil)
	order := env.createOrder(t, pickupRequest("ada@example.com", item("jollof", 1)))
	if order.OrderNumber != "ORD-20260301-0001" {
		t.Errorf("Expected the order number counter to roll back, got %s", order.OrderNumber)
	}
}

func TestOrderService_ReadAPIs(t *testing.T) {
	env := setupServices(t)
	order := env.createOrder(t, pickupRequest("ada@example.com", item("jollof", 1)))

	if _, err := env.orders.GetOrder(context.Background(), "missing", admin); !errors.Is(err, ErrOrderNotFound) {
		t.Errorf("Expected ErrOrderNotFound, got %v", err)
	}

	events, err := env.orders.Events(context.Background(), order.ID, admin)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if len(events) != 1 || events[0].EventType != models.EventOrderConfirmation {
		t.Errorf("Expected the order confirmation only, got %+v", events)
	}

	history, err := env.orders.StatusHistory(context.Background(), order.ID, admin)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if len(history) != 0 {
		t.Errorf("Expected empty history, got %d entries", len(history))
	}
}

func TestOrderService_ReadAccess(t *testing.T) {
	env := setupServices(t)
	ctx := context.Background()

	req := pickupRequest("ada@example.com", item("jollof", 1))
	claimed := "someone-else"
	req.Customer.CustomerID = &claimed
	order, err := env.orders.CreateOrder(ctx, req, models.Actor{ID: "cust-7"})
	if err != nil {
		t.Fatalf("Failed to create order: %v", err)
	}
	if order.CustomerID == nil || *order.CustomerID != "cust-7" {
		t.Fatalf("Expected the signed-in customer to own the order, got %v", order.CustomerID)
	}

	cases := []struct {
		name     string
		actor    models.Actor
		wantKind Kind
	}{
		{"owner", models.Actor{ID: "cust-7"}, ""},
		{"admin", admin, ""},
		{"other customer", models.Actor{ID: "someone-else"}, KindForbidden},
		{"anonymous", models.Actor{}, KindForbidden},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := env.orders.GetOrder(ctx, order.ID, tc.actor); KindOf(err) != tc.wantKind {
				t.Errorf("GetOrder: expected kind %q, got %v", tc.wantKind, err)
			}
			if _, err := env.orders.Events(ctx, order.ID, tc.actor); KindOf(err) != tc.wantKind {
				t.Errorf("Events: expected kind %q, got %v", tc.wantKind, err)
			}
			if _, err := env.orders.StatusHistory(ctx, order.ID, tc.actor); KindOf(err) != tc.wantKind {
				t.Errorf("StatusHistory: expected kind %q, got %v", tc.wantKind, err)
			}
		})
	}
}

func TestCreateOrder_Limits(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(env *testEnv, r *models.CreateOrderRequest)
	}{
		{"quantity above limit", func(_ *testEnv, r *models.CreateOrderRequest) {
			r.Items = []models.OrderItemInput{item("jollof", models.MaxItemQuantity+1)}
		}},
		{"too many items", func(_ *testEnv, r *models.CreateOrderRequest) {
			r.Items = nil
			for i := 0; i <= models.MaxOrderItems; i++ {
				r.Items = append(r.Items, item("jollof", 1))
			}
		}},
		{"total above column range", func(env *testEnv, r *models.CreateOrderRequest) {
			env.store.AddProduct(models.Product{ID: "banquet", Name: "Banquet", Price: dec("9999999999.99"), IsActive: true})
			r.Items = []models.OrderItemInput{item("banquet", 1), item("jollof", 1)}
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := setupServices(t)
			req := pickupRequest("ada@example.com", item("jollof", 1))
			tc.mutate(env, &req)

			_, err := env.orders.CreateOrder(context.Background(), req, models.Actor{})
			if KindOf(err) != KindValidation {
				t.Fatalf("Expected validation error, got %v", err)
			}
			if len(env.store.Orders()) != 0 {
				t.Error("Expected no order to be stored")
			}
		})
	}
}
