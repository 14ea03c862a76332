package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"foodorder-svc/config"
	"foodorder-svc/middleware"
	"foodorder-svc/models"
	"foodorder-svc/pricing"
	"foodorder-svc/store"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

// VerifyPaymentInput is one provider callback or client poll result.
type VerifyPaymentInput struct {
	Reference      string
	ReportedStatus string
	ReportedAmount decimal.Decimal
	Currency       string
	Channel        string
	GatewayPayload json.RawMessage
	Actor          models.Actor
}

type PaymentServiceDeps struct {
	Store    store.Store
	Queue    *NotificationQueue
	Audit    *AuditWriter
	Logger   *zap.Logger
	Settings config.Orders
	Now      func() time.Time
	// Authorizer admits non-system callers. Without one only system actors
	// may verify payments.
	Authorizer Authorizer
}

type PaymentService struct {
	store    store.Store
	queue    *NotificationQueue
	audit    *AuditWriter
	authz    Authorizer
	logger   *zap.Logger
	settings config.Orders
	now      func() time.Time
}

func NewPaymentService(deps PaymentServiceDeps) *PaymentService {
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	return &PaymentService{
		store:    deps.Store,
		queue:    deps.Queue,
		audit:    deps.Audit,
		authz:    deps.Authorizer,
		logger:   deps.Logger.Named("payments"),
		settings: deps.Settings,
		now:      now,
	}
}

// VerifyPayment reconciles a reported payment with the order holding its
// reference. The order row stays locked for the whole check, so concurrent
// calls for one reference are serialised and all but the first observe a
// paid order and return a duplicate result.
func (s *PaymentService) VerifyPayment(ctx context.Context, in VerifyPaymentInput) (models.VerificationResult, error) {
	ctx, span := tracer.Start(ctx, "VerifyPayment")
	defer span.End()
	span.SetAttributes(attribute.String("payment.reference", in.Reference))

	start := s.now()
	in.Reference = strings.TrimSpace(in.Reference)

	var (
		result models.VerificationResult
		order  *models.Order
	)
	status, err := validatePaymentInput(in)
	if err == nil {
		err = requireAdmin(ctx, s.authz, in.Actor)
	}
	if err == nil {
		err = s.store.WithTx(ctx, func(tx store.Tx) error {
			var err error
			order, result, err = s.verify(ctx, tx, in, status)
			return err
		})
		err = unexpected("verify payment", KindCritical, err)
	}
	elapsed := s.now().Sub(start)

	if err != nil {
		result = failedResult(order, err)
	}

	var mismatch *AmountMismatchError
	if errors.As(err, &mismatch) {
		s.recordMismatch(ctx, in, order, mismatch)
	}
	if errors.Is(err, ErrForbidden) {
		s.audit.SecurityIncident(ctx, "payment_verification_unauthorized", "medium", in.Reference, nil, map[string]any{
			"actor":           in.Actor.String(),
			"reported_status": in.ReportedStatus,
			"reported_amount": in.ReportedAmount.StringFixed(2),
		})
	}
	s.auditVerification(ctx, in, order, result, elapsed, err)
	middleware.RecordPaymentVerification(string(result.Outcome), elapsed)

	fields := []zap.Field{
		zap.String("trace_id", middleware.GetTraceID(ctx)),
		zap.String("reference", in.Reference),
		zap.String("outcome", string(result.Outcome)),
		zap.Duration("duration", elapsed),
	}
	switch KindOf(err) {
	case "":
		s.logger.Info("Payment verification processed", fields...)
	case KindCritical, KindPersistence:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.logger.Error("Payment verification failed", append(fields,
			zap.String("reported_status", in.ReportedStatus),
			zap.String("reported_amount", in.ReportedAmount.StringFixed(2)),
			zap.ByteString("gateway_payload", in.GatewayPayload),
			zap.Error(err),
		)...)
	default:
		span.SetStatus(codes.Error, err.Error())
		s.logger.Warn("Payment verification rejected", append(fields, zap.Error(err))...)
	}
	return result, err
}

func validatePaymentInput(in VerifyPaymentInput) (models.TransactionStatus, error) {
	if in.Reference == "" {
		return "", invalid("payment reference is required")
	}
	status, ok := models.ParseTransactionStatus(strings.ToLower(strings.TrimSpace(in.ReportedStatus)))
	if !ok {
		return "", invalid("unknown payment status %q", in.ReportedStatus)
	}
	if in.ReportedAmount.IsNegative() {
		return "", invalid("payment amount must not be negative")
	}
	return status, nil
}

func (s *PaymentService) verify(ctx context.Context, tx store.Tx, in VerifyPaymentInput, status models.TransactionStatus) (*models.Order, models.VerificationResult, error) {
	order, err := tx.OrderByReferenceForUpdate(ctx, in.Reference)
	if errors.Is(err, store.ErrNotFound) {
		return nil, models.VerificationResult{}, fmt.Errorf("%w: no order for payment reference %s", ErrOrderNotFound, in.Reference)
	}
	if err != nil {
		return nil, models.VerificationResult{}, err
	}

	result := models.VerificationResult{OrderID: order.ID, OrderNumber: order.OrderNumber}

	if order.PaymentStatus == models.PaymentStatusPaid {
		result.Outcome = models.VerificationDuplicate
		result.Duplicate = true
		result.Message = "Payment already verified"
		return order, result, nil
	}

	if in.Currency != "" && !strings.EqualFold(in.Currency, s.settings.Currency) {
		return order, result, invalid("payment currency %s does not match %s", in.Currency, s.settings.Currency)
	}

	now := s.now().UTC()
	txn := &models.PaymentTransaction{
		OrderID:           order.ID,
		ProviderReference: in.Reference,
		Amount:            in.ReportedAmount,
		Currency:          s.settings.Currency,
		Status:            status,
		Channel:           in.Channel,
		GatewayResponse:   in.GatewayPayload,
		CreatedAt:         now,
	}

	if status != models.TransactionStatusSuccess {
		applied, err := tx.UpsertTransaction(ctx, txn)
		if err != nil {
			return order, result, err
		}
		if !applied {
			result.Outcome = models.VerificationDuplicate
			result.Duplicate = true
			result.Message = "Payment already verified"
			return order, result, nil
		}
		result.TransactionID = txn.ID
		if status == models.TransactionStatusPending {
			result.Outcome = models.VerificationPending
			result.Message = "Payment is still pending"
			return order, result, nil
		}
		if err := tx.MarkOrderPaymentFailed(ctx, order.ID, now); err != nil {
			return order, result, err
		}
		result.Outcome = models.VerificationFailed
		result.Message = "Payment was not successful"
		return order, result, nil
	}

	expected := pricing.FromDecimal(order.Total)
	received := pricing.FromDecimal(in.ReportedAmount)
	if _, ok := pricing.Reconcile(expected, received, pricing.FromDecimal(s.settings.AmountTolerance)); !ok {
		return order, result, &AmountMismatchError{
			Reference: in.Reference,
			Expected:  order.Total,
			Received:  in.ReportedAmount,
		}
	}

	txn.PaidAt = &now
	applied, err := tx.UpsertTransaction(ctx, txn)
	if err != nil {
		return order, result, err
	}
	if !applied {
		s.logger.Warn("Successful transaction already recorded for unpaid order",
			zap.String("trace_id", middleware.GetTraceID(ctx)),
			zap.String("reference", in.Reference),
			zap.String("order_id", order.ID),
		)
		result.Outcome = models.VerificationDuplicate
		result.Duplicate = true
		result.Message = "Payment already verified"
		return order, result, nil
	}
	result.TransactionID = txn.ID

	if order.Status.CanTransitionTo(models.OrderStatusConfirmed) {
		change := &models.OrderStatusChange{
			OrderID:        order.ID,
			PreviousStatus: order.Status,
			NewStatus:      models.OrderStatusConfirmed,
			ChangedBy:      in.Actor.String(),
			Reason:         "payment verified",
			CreatedAt:      now,
		}
		if err := tx.ApplyStatusChange(ctx, change); err != nil {
			return order, result, err
		}
		middleware.RecordStatusTransition(string(models.OrderStatusConfirmed))
	} else if order.Status.IsTerminal() {
		s.logger.Warn("Payment verified for order that cannot be confirmed",
			zap.String("trace_id", middleware.GetTraceID(ctx)),
			zap.String("order_id", order.ID),
			zap.String("status", string(order.Status)),
		)
	}

	if err := tx.MarkOrderPaid(ctx, order.ID, now); err != nil {
		return order, result, err
	}

	if _, err := s.queue.Enqueue(ctx, tx, EnqueueRequest{
		EventType: models.EventPaymentConfirmation,
		Recipient: order.CustomerEmail,
		OrderID:   &order.ID,
		Variables: map[string]any{
			"order_number":  order.OrderNumber,
			"customer_name": order.CustomerName,
			"amount":        in.ReportedAmount.StringFixed(2),
			"currency":      s.settings.Currency,
			"reference":     in.Reference,
			"channel":       in.Channel,
		},
		DedupKey: in.Reference,
		Priority: models.PriorityHigh,
	}); err != nil {
		return order, result, err
	}

	result.Outcome = models.VerificationConfirmed
	result.Message = "Payment verified"
	return order, result, nil
}

func failedResult(order *models.Order, err error) models.VerificationResult {
	result := models.VerificationResult{Message: PublicMessage(err)}
	if order != nil {
		result.OrderID = order.ID
		result.OrderNumber = order.OrderNumber
	}
	switch KindOf(err) {
	case KindNotFound:
		result.Outcome = models.VerificationNotFound
	case KindAmountMismatch, KindValidation, KindForbidden:
		result.Outcome = models.VerificationRejected
	default:
		result.Outcome = models.VerificationError
	}
	return result
}

func (s *PaymentService) recordMismatch(ctx context.Context, in VerifyPaymentInput, order *models.Order, mismatch *AmountMismatchError) {
	details := map[string]any{
		"expected_amount": mismatch.Expected.StringFixed(2),
		"received_amount": mismatch.Received.StringFixed(2),
		"tolerance":       s.settings.AmountTolerance.StringFixed(2),
		"channel":         in.Channel,
		"actor":           in.Actor.String(),
	}
	var orderID *string
	if order != nil {
		orderID = &order.ID
		details["order_number"] = order.OrderNumber
	}
	s.audit.SecurityIncident(ctx, "payment_amount_mismatch", "high", in.Reference, orderID, details)
}

func (s *PaymentService) auditVerification(ctx context.Context, in VerifyPaymentInput, order *models.Order, result models.VerificationResult, elapsed time.Duration, err error) {
	details := map[string]any{
		"reference":       in.Reference,
		"reported_status": in.ReportedStatus,
		"reported_amount": in.ReportedAmount.StringFixed(2),
		"channel":         in.Channel,
		"outcome":         result.Outcome,
		"duplicate":       result.Duplicate,
		"duration_ms":     elapsed.Milliseconds(),
	}
	if len(in.GatewayPayload) > 0 && json.Valid(in.GatewayPayload) {
		details["gateway_response"] = in.GatewayPayload
	}
	rec := auditRecord{
		Action:    "payment.verify",
		Category:  models.AuditCategoryPayment,
		Actor:     in.Actor,
		TargetRef: in.Reference,
		Details:   details,
	}
	if order != nil {
		details["order_id"] = order.ID
		details["expected_amount"] = order.Total.StringFixed(2)
		rec.Before = map[string]any{"status": order.Status, "payment_status": order.PaymentStatus}
	}
	if result.Outcome == models.VerificationConfirmed {
		rec.After = map[string]any{"status": models.OrderStatusConfirmed, "payment_status": models.PaymentStatusPaid}
	}
	if err != nil {
		details["error_kind"] = KindOf(err)
		details["reason"] = err.Error()
		rec.Message = fmt.Sprintf("Payment verification for %s failed: %v", in.Reference, err)
	} else {
		rec.Message = fmt.Sprintf("Payment verification for %s: %s", in.Reference, result.Outcome)
	}
	s.audit.Record(ctx, rec)
}
