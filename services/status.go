package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"foodorder-svc/config"
	"foodorder-svc/middleware"
	"foodorder-svc/models"
	"foodorder-svc/store"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

type StatusServiceDeps struct {
	Store      store.Store
	Queue      *NotificationQueue
	Audit      *AuditWriter
	Authorizer Authorizer
	Logger     *zap.Logger
	Settings   config.Orders
	Now        func() time.Time
}

type StatusService struct {
	store    store.Store
	queue    *NotificationQueue
	audit    *AuditWriter
	authz    Authorizer
	logger   *zap.Logger
	settings config.Orders
	now      func() time.Time
}

func NewStatusService(deps StatusServiceDeps) *StatusService {
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	return &StatusService{
		store:    deps.Store,
		queue:    deps.Queue,
		audit:    deps.Audit,
		authz:    deps.Authorizer,
		logger:   deps.Logger.Named("status"),
		settings: deps.Settings,
		now:      now,
	}
}

type transition struct {
	from         models.OrderStatus
	changed      bool
	notification *models.EnqueueResult
}

// UpdateOrderStatus moves an order to newStatus on behalf of actor. Setting
// the current status again is a no-op that writes nothing.
func (s *StatusService) UpdateOrderStatus(ctx context.Context, orderID, newStatus string, actor models.Actor, reason string) (*models.Order, error) {
	ctx, span := tracer.Start(ctx, "UpdateOrderStatus")
	defer span.End()
	span.SetAttributes(attribute.String("order.id", orderID), attribute.String("order.status", newStatus))

	order, t, err := s.updateStatus(ctx, orderID, newStatus, actor, reason)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	if err != nil || t.changed {
		s.auditTransition(ctx, orderID, newStatus, actor, reason, t, err)
	}

	fields := []zap.Field{
		zap.String("trace_id", middleware.GetTraceID(ctx)),
		zap.String("order_id", orderID),
		zap.String("status", newStatus),
		zap.String("actor", actor.String()),
	}
	switch {
	case err == nil && !t.changed:
		s.logger.Debug("Order status unchanged", fields...)
	case err == nil:
		middleware.RecordStatusTransition(newStatus)
		fields = append(fields, zap.String("previous_status", string(t.from)))
		if t.notification != nil {
			fields = append(fields,
				zap.String("event_id", t.notification.EventID),
				zap.Bool("notification_suppressed", t.notification.Suppressed),
			)
		}
		s.logger.Info("Order status updated", fields...)
	case KindOf(err) == KindCritical || KindOf(err) == KindPersistence:
		s.logger.Error("Order status update failed", append(fields, zap.Error(err))...)
	default:
		s.logger.Warn("Order status update rejected", append(fields, zap.Error(err))...)
	}

	if err != nil {
		return nil, err
	}
	return order, nil
}

func (s *StatusService) updateStatus(ctx context.Context, orderID, newStatus string, actor models.Actor, reason string) (*models.Order, transition, error) {
	var t transition

	target, err := models.ParseOrderStatus(newStatus)
	if err != nil {
		return nil, t, fmt.Errorf("%w: %v", ErrInvalidStatus, err)
	}

	if err := s.authorize(ctx, actor); err != nil {
		return nil, t, err
	}

	var order *models.Order
	err = s.store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		order, err = tx.OrderForUpdate(ctx, orderID)
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
		}
		if err != nil {
			return err
		}

		t.from = order.Status
		if order.Status == target {
			return nil
		}
		if !order.Status.CanTransitionTo(target) {
			return fmt.Errorf("%w: %s to %s", ErrInvalidTransition, order.Status, target)
		}

		now := s.now().UTC()
		if err := tx.ApplyStatusChange(ctx, &models.OrderStatusChange{
			OrderID:        order.ID,
			PreviousStatus: order.Status,
			NewStatus:      target,
			ChangedBy:      actor.String(),
			Reason:         reason,
			CreatedAt:      now,
		}); err != nil {
			return err
		}
		order.Status = target
		order.UpdatedAt = now
		t.changed = true

		templateKey, ok := target.TemplateKey()
		if !ok {
			return nil
		}
		res, err := s.queue.Enqueue(ctx, tx, EnqueueRequest{
			EventType:   models.EventOrderStatusUpdate,
			Recipient:   order.CustomerEmail,
			OrderID:     &order.ID,
			TemplateKey: templateKey,
			Variables: map[string]any{
				"order_number":     order.OrderNumber,
				"customer_name":    order.CustomerName,
				"status":           target,
				"previous_status":  t.from,
				"fulfillment_type": order.FulfillmentType,
				"reason":           reason,
			},
			DedupKey: StatusDedupKey(order.CustomerEmail, order.ID, target),
			Window:   s.settings.StatusDedupWindow,
			Priority: models.PriorityNormal,
		})
		if err != nil {
			return err
		}
		t.notification = &res
		return nil
	})
	if err != nil {
		return nil, transition{from: t.from}, unexpected("update order status", KindPersistence, err)
	}
	return order, t, nil
}

// authorize is a precondition only. System actors are trusted callers inside
// the service.
func (s *StatusService) authorize(ctx context.Context, actor models.Actor) error {
	return requireAdmin(ctx, s.authz, actor)
}

func (s *StatusService) auditTransition(ctx context.Context, orderID, newStatus string, actor models.Actor, reason string, t transition, err error) {
	details := map[string]any{
		"reason": reason,
	}
	rec := auditRecord{
		Action:    "order.status_change",
		Category:  models.AuditCategoryStatus,
		Actor:     actor,
		TargetRef: orderID,
		Details:   details,
	}
	if t.from != "" {
		rec.Before = map[string]any{"status": t.from}
	}
	if err != nil {
		details["outcome"] = "failed"
		details["requested_status"] = newStatus
		details["error_kind"] = KindOf(err)
		details["reason_error"] = err.Error()
		rec.Message = fmt.Sprintf("Status change to %s failed: %v", newStatus, err)
	} else {
		details["outcome"] = "changed"
		rec.After = map[string]any{"status": newStatus}
		if t.notification != nil {
			details["event_id"] = t.notification.EventID
			details["notification_suppressed"] = t.notification.Suppressed
		}
		rec.Message = fmt.Sprintf("Order status changed from %s to %s", t.from, newStatus)
	}
	s.audit.Record(ctx, rec)
}
