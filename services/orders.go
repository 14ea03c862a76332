package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"foodorder-svc/config"
	"foodorder-svc/middleware"
	"foodorder-svc/models"
	"foodorder-svc/pricing"
	"foodorder-svc/store"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("order-service")

var errPromotionNotFound = errors.New("promotion code not found")

type OrderServiceDeps struct {
	Store    store.Store
	Queue    *NotificationQueue
	Audit    *AuditWriter
	Logger   *zap.Logger
	Settings config.Orders
	Now      func() time.Time
	// Authorizer admits admins to orders they did not place.
	Authorizer Authorizer
}

type OrderService struct {
	store    store.Store
	queue    *NotificationQueue
	audit    *AuditWriter
	authz    Authorizer
	logger   *zap.Logger
	settings config.Orders
	now      func() time.Time
}

func NewOrderService(deps OrderServiceDeps) *OrderService {
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	return &OrderService{
		store:    deps.Store,
		queue:    deps.Queue,
		audit:    deps.Audit,
		authz:    deps.Authorizer,
		logger:   deps.Logger.Named("orders"),
		settings: deps.Settings,
		now:      now,
	}
}

// creation carries what CreateOrder learned, for the audit entry.
type creation struct {
	order          *models.Order
	breakdown      *pricing.Breakdown
	promotionError error
	welcomeSent    bool
}

// CreateOrder validates and prices the request and stores the order with its
// items and confirmation events in one transaction.
func (s *OrderService) CreateOrder(ctx context.Context, req models.CreateOrderRequest, actor models.Actor) (*models.Order, error) {
	ctx, span := tracer.Start(ctx, "CreateOrder")
	defer span.End()

	// Signed-in customers own the order regardless of the submitted id.
	if actor.ID != "" && !actor.System {
		id := actor.ID
		req.Customer.CustomerID = &id
	}

	start := s.now()
	result, err := s.createOrder(ctx, req)
	elapsed := s.now().Sub(start)

	s.auditCreate(ctx, req, actor, result, elapsed, err)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		middleware.RecordOrderCreated(string(KindOf(err)))
		s.logCreateFailure(ctx, req, result, err)
		return nil, err
	}

	span.SetAttributes(
		attribute.String("order.id", result.order.ID),
		attribute.String("order.number", result.order.OrderNumber),
	)
	middleware.RecordOrderCreated("created")
	s.logger.Info("Order created",
		zap.String("trace_id", middleware.GetTraceID(ctx)),
		zap.String("order_id", result.order.ID),
		zap.String("order_number", result.order.OrderNumber),
		zap.String("total", result.order.Total.StringFixed(2)),
		zap.Int("items", len(result.order.Items)),
	)
	return result.order, nil
}

func (s *OrderService) createOrder(ctx context.Context, req models.CreateOrderRequest) (*creation, error) {
	req = normalizeOrderRequest(req)
	if err := validateOrderRequest(req); err != nil {
		return &creation{}, err
	}

	result := &creation{}
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		lines, err := s.priceItems(ctx, tx, req.Items)
		if err != nil {
			return err
		}

		var fee pricing.Cents
		if req.FulfillmentType == models.FulfillmentDelivery && req.Delivery.ZoneID != nil {
			fee, err = s.deliveryFee(ctx, tx, *req.Delivery.ZoneID)
			if err != nil {
				return err
			}
		}

		var (
			adj   pricing.Adjustment
			promo *models.Promotion
		)
		if req.PromotionCode != "" {
			subtotal := pricing.Compute(lines, fee, pricing.Adjustment{}).Subtotal
			promo, adj, result.promotionError, err = s.applyPromotion(ctx, tx, req.PromotionCode, subtotal, fee)
			if err != nil {
				return err
			}
		}

		breakdown := pricing.Compute(lines, fee, adj)
		result.breakdown = &breakdown
		if !breakdown.WithinLimit() {
			return invalid("order total exceeds %s", pricing.MaxAmount)
		}

		if err := s.reconcileClientTotal(ctx, req, breakdown); err != nil {
			return err
		}

		now := s.now().UTC()
		seq, err := tx.NextOrderSequence(ctx, now)
		if err != nil {
			return err
		}
		returning, err := tx.HasOrdersForEmail(ctx, req.Customer.Email)
		if err != nil {
			return err
		}

		order := buildOrder(req, breakdown, now)
		order.OrderNumber = fmt.Sprintf("%s-%s-%04d", s.settings.NumberPrefix, now.Format("20060102"), seq)
		if promo != nil && result.promotionError == nil {
			code := adj.Code
			order.PromotionCode = &code
		}

		if err := tx.InsertOrder(ctx, order); err != nil {
			if errors.Is(err, store.ErrDuplicate) {
				return invalid("payment reference %q is already in use", order.PaymentReference)
			}
			return err
		}

		if promo != nil && result.promotionError == nil {
			if err := tx.IncrementPromotionUsage(ctx, promo.ID); err != nil {
				return err
			}
		}

		if _, err := s.queue.Enqueue(ctx, tx, EnqueueRequest{
			EventType: models.EventOrderConfirmation,
			Recipient: order.CustomerEmail,
			OrderID:   &order.ID,
			Variables: orderVariables(order),
			DedupKey:  order.ID,
			Priority:  models.PriorityHigh,
		}); err != nil {
			return err
		}

		if !returning {
			res, err := s.queue.Enqueue(ctx, tx, EnqueueRequest{
				EventType: models.EventCustomerWelcome,
				Recipient: order.CustomerEmail,
				Variables: map[string]any{"customer_name": order.CustomerName},
				DedupKey:  welcomeDedupKey(order.CustomerEmail),
				Priority:  models.PriorityLow,
			})
			if err != nil {
				return err
			}
			result.welcomeSent = !res.Suppressed
		}

		result.order = order
		return nil
	})
	if err != nil {
		result.order = nil
		return result, unexpected("create order", KindPersistence, err)
	}
	return result, nil
}

func normalizeOrderRequest(req models.CreateOrderRequest) models.CreateOrderRequest {
	req.Customer.Email = strings.TrimSpace(req.Customer.Email)
	req.Customer.Name = strings.TrimSpace(req.Customer.Name)
	req.Customer.Phone = strings.TrimSpace(req.Customer.Phone)
	req.Delivery.Address = strings.TrimSpace(req.Delivery.Address)
	req.PromotionCode = strings.TrimSpace(req.PromotionCode)
	req.PaymentReference = strings.TrimSpace(req.PaymentReference)
	if req.Delivery.ZoneID != nil && strings.TrimSpace(*req.Delivery.ZoneID) == "" {
		req.Delivery.ZoneID = nil
	}
	if req.FulfillmentType == models.FulfillmentPickup {
		req.Delivery = models.DeliveryInput{}
	}
	return req
}

func validateOrderRequest(req models.CreateOrderRequest) error {
	if req.Customer.Email == "" || !strings.Contains(req.Customer.Email, "@") {
		return invalid("a valid customer email is required")
	}
	if req.Customer.Name == "" {
		return invalid("customer name is required")
	}
	if !req.FulfillmentType.Valid() {
		return invalid("fulfillment type must be delivery or pickup, got %q", req.FulfillmentType)
	}
	if len(req.Items) == 0 {
		return invalid("at least one item is required")
	}
	if len(req.Items) > models.MaxOrderItems {
		return invalid("an order holds at most %d items", models.MaxOrderItems)
	}
	for i, item := range req.Items {
		if strings.TrimSpace(item.ProductID) == "" {
			return invalid("item %d has no product", i)
		}
		if item.Quantity <= 0 {
			return invalid("item %d quantity must be positive", i)
		}
		if item.Quantity > models.MaxItemQuantity {
			return invalid("item %d quantity must not exceed %d", i, models.MaxItemQuantity)
		}
	}
	if req.FulfillmentType == models.FulfillmentDelivery && req.Delivery.Address == "" {
		return invalid("delivery address is required for delivery orders")
	}
	if req.ClientTotal != nil && req.ClientTotal.IsNegative() {
		return invalid("client total must not be negative")
	}
	return nil
}

func (s *OrderService) priceItems(ctx context.Context, tx store.Tx, items []models.OrderItemInput) ([]pricing.Line, error) {
	ids := make([]string, 0, len(items))
	seen := make(map[string]bool, len(items))
	for _, item := range items {
		if !seen[item.ProductID] {
			seen[item.ProductID] = true
			ids = append(ids, item.ProductID)
		}
	}

	products, err := tx.ProductsByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}

	lines := make([]pricing.Line, 0, len(items))
	for _, item := range items {
		p, ok := products[item.ProductID]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrProductNotFound, item.ProductID)
		}
		if !p.IsActive {
			return nil, fmt.Errorf("%w: %s", ErrProductInactive, p.Name)
		}
		lines = append(lines, pricing.Line{
			ProductID: p.ID,
			Name:      p.Name,
			UnitPrice: pricing.FromDecimal(p.Price),
			Quantity:  item.Quantity,
		})
	}
	return lines, nil
}

func (s *OrderService) deliveryFee(ctx context.Context, tx store.Tx, zoneID string) (pricing.Cents, error) {
	zone, err := tx.DeliveryZone(ctx, zoneID)
	if errors.Is(err, store.ErrNotFound) {
		return 0, invalid("unknown delivery zone %q", zoneID)
	}
	if err != nil {
		return 0, err
	}
	if !zone.IsActive {
		return 0, invalid("delivery zone %q is not currently served", zone.Name)
	}
	return pricing.FromDecimal(zone.BaseFee), nil
}

// applyPromotion returns the promotion and its adjustment. A promotion that
// does not apply is reported in rejected and never fails the order; err is
// only set for storage failures.
func (s *OrderService) applyPromotion(ctx context.Context, tx store.Tx, code string, subtotal, fee pricing.Cents) (promo *models.Promotion, adj pricing.Adjustment, rejected, err error) {
	promo, err = tx.PromotionForUpdate(ctx, code)
	if errors.Is(err, store.ErrNotFound) {
		rejected = fmt.Errorf("%w: %s", errPromotionNotFound, code)
	} else if err != nil {
		return nil, pricing.Adjustment{}, nil, err
	} else {
		adj, rejected = pricing.ApplyPromotion(*promo, subtotal, fee, s.now())
	}

	if rejected != nil {
		s.logger.Warn("Promotion not applied",
			zap.String("trace_id", middleware.GetTraceID(ctx)),
			zap.String("promotion_code", code),
			zap.Error(rejected),
		)
		return promo, pricing.Adjustment{}, rejected, nil
	}
	return promo, adj, nil, nil
}

func (s *OrderService) reconcileClientTotal(ctx context.Context, req models.CreateOrderRequest, b pricing.Breakdown) error {
	if req.ClientTotal == nil {
		return nil
	}
	client := pricing.FromDecimal(*req.ClientTotal)
	tolerance := pricing.FromDecimal(s.settings.AmountTolerance)

	diff, ok := pricing.Reconcile(b.Total, client, tolerance)
	if !ok {
		return &TotalMismatchError{Client: client, Server: b.Total, Tolerance: tolerance}
	}
	if diff != 0 {
		s.logger.Info("Client total differs within tolerance, using server total",
			zap.String("trace_id", middleware.GetTraceID(ctx)),
			zap.String("client_total", client.String()),
			zap.String("server_total", b.Total.String()),
			zap.String("difference", diff.String()),
		)
	}
	return nil
}

func buildOrder(req models.CreateOrderRequest, b pricing.Breakdown, now time.Time) *models.Order {
	reference := req.PaymentReference
	if reference == "" {
		reference = "PAY-" + strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))
	}

	order := &models.Order{
		ID:               uuid.NewString(),
		CustomerEmail:    req.Customer.Email,
		CustomerName:     req.Customer.Name,
		CustomerPhone:    req.Customer.Phone,
		CustomerID:       req.Customer.CustomerID,
		FulfillmentType:  req.FulfillmentType,
		DeliveryZoneID:   req.Delivery.ZoneID,
		DeliveryAddress:  req.Delivery.Address,
		DeliveryNotes:    req.Delivery.Notes,
		Subtotal:         b.Subtotal.Decimal(),
		DeliveryFee:      b.DeliveryFee.Decimal(),
		Discount:         b.Discount.Decimal(),
		DeliveryDiscount: b.DeliveryDiscount.Decimal(),
		Total:            b.Total.Decimal(),
		Status:           models.OrderStatusPending,
		PaymentStatus:    models.PaymentStatusPending,
		PaymentReference: reference,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	order.Items = make([]models.OrderItem, 0, len(b.Lines))
	for i, line := range b.Lines {
		order.Items = append(order.Items, models.OrderItem{
			ProductID:      line.ProductID,
			ProductName:    line.Name,
			Quantity:       line.Quantity,
			UnitPrice:      line.UnitPrice.Decimal(),
			DiscountAmount: line.Discount.Decimal(),
			TotalPrice:     line.Total().Decimal(),
			Customizations: req.Items[i].Customizations,
		})
	}
	return order
}

func orderVariables(o *models.Order) map[string]any {
	return map[string]any{
		"order_number":      o.OrderNumber,
		"customer_name":     o.CustomerName,
		"fulfillment_type":  o.FulfillmentType,
		"subtotal":          o.Subtotal.StringFixed(2),
		"delivery_fee":      o.DeliveryFee.StringFixed(2),
		"discount":          o.Discount.Add(o.DeliveryDiscount).StringFixed(2),
		"total":             o.Total.StringFixed(2),
		"item_count":        len(o.Items),
		"payment_reference": o.PaymentReference,
	}
}

func (s *OrderService) auditCreate(ctx context.Context, req models.CreateOrderRequest, actor models.Actor, result *creation, elapsed time.Duration, err error) {
	details := map[string]any{
		"customer_email":   req.Customer.Email,
		"fulfillment_type": req.FulfillmentType,
		"item_count":       len(req.Items),
		"duration_ms":      elapsed.Milliseconds(),
	}
	if req.ClientTotal != nil {
		details["client_total"] = req.ClientTotal.StringFixed(2)
	}
	if req.PromotionCode != "" {
		details["promotion_code"] = req.PromotionCode
	}
	if result != nil && result.breakdown != nil {
		details["breakdown"] = result.breakdown.Fields()
	}
	if result != nil && result.promotionError != nil {
		details["promotion_error"] = result.promotionError.Error()
	}

	rec := auditRecord{
		Action:   "order.create",
		Category: models.AuditCategoryOrder,
		Actor:    actor,
		Details:  details,
	}
	if err != nil {
		details["outcome"] = "failed"
		details["error_kind"] = KindOf(err)
		details["reason"] = err.Error()
		rec.Message = "Order creation failed: " + err.Error()
	} else {
		details["outcome"] = "created"
		details["welcome_queued"] = result.welcomeSent
		rec.Message = "Order " + result.order.OrderNumber + " created"
		rec.TargetRef = result.order.ID
		rec.After = result.order
	}
	s.audit.Record(ctx, rec)
}

func (s *OrderService) logCreateFailure(ctx context.Context, req models.CreateOrderRequest, result *creation, err error) {
	fields := []zap.Field{
		zap.String("trace_id", middleware.GetTraceID(ctx)),
		zap.String("customer_email", req.Customer.Email),
		zap.String("kind", string(KindOf(err))),
		zap.Error(err),
	}
	if result != nil && result.breakdown != nil {
		fields = append(fields, zap.Any("breakdown", result.breakdown.Fields()))
	}

	switch KindOf(err) {
	case KindPersistence, KindCritical:
		s.logger.Error("Order creation failed", fields...)
	default:
		s.logger.Warn("Order rejected", fields...)
	}
}

// GetOrder returns the order to its customer or to an admin.
func (s *OrderService) GetOrder(ctx context.Context, id string, actor models.Actor) (*models.Order, error) {
	order, err := s.store.GetOrder(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, id)
	}
	if err != nil {
		return nil, unexpected("get order", KindPersistence, err)
	}
	if err := requireOwnerOrAdmin(ctx, s.authz, actor, order); err != nil {
		s.logger.Warn("Order read denied",
			zap.String("trace_id", middleware.GetTraceID(ctx)),
			zap.String("order_id", id),
			zap.String("actor", actor.String()),
		)
		return nil, err
	}
	return order, nil
}

func (s *OrderService) StatusHistory(ctx context.Context, orderID string, actor models.Actor) ([]models.OrderStatusChange, error) {
	if _, err := s.GetOrder(ctx, orderID, actor); err != nil {
		return nil, err
	}
	changes, err := s.store.ListStatusChanges(ctx, orderID)
	if err != nil {
		return nil, unexpected("list status changes", KindPersistence, err)
	}
	return changes, nil
}

func (s *OrderService) Events(ctx context.Context, orderID string, actor models.Actor) ([]models.CommunicationEvent, error) {
	if _, err := s.GetOrder(ctx, orderID, actor); err != nil {
		return nil, err
	}
	events, err := s.store.ListEvents(ctx, orderID)
	if err != nil {
		return nil, unexpected("list events", KindPersistence, err)
	}
	return events, nil
}

// unexpected wraps err as a CriticalError of the given kind unless it is
// already a classified domain error.
func unexpected(op string, kind Kind, err error) error {
	var critical *CriticalError
	if errors.As(err, &critical) || KindOf(err) != KindCritical {
		return err
	}
	return &CriticalError{Op: op, Kind: kind, Err: err}
}
