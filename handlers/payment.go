package handlers

import (
	"encoding/json"
	"net/http"

	"foodorder-svc/middleware"
	"foodorder-svc/models"
	"foodorder-svc/services"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

const webhookActor = "payment-webhook"

type PaymentHandler struct {
	payments *services.PaymentService
	logger   *zap.Logger
}

func NewPaymentHandler(payments *services.PaymentService, logger *zap.Logger) *PaymentHandler {
	return &PaymentHandler{payments: payments, logger: logger}
}

// VerifyPayment handles a poll result submitted by an admin. Customers cannot
// report their own payments.
func (h *PaymentHandler) VerifyPayment(c *gin.Context) {
	h.verify(c, middleware.ActorFromContext(c))
}

// Webhook handles provider callbacks. It must sit behind
// middleware.WebhookSignature.
func (h *PaymentHandler) Webhook(c *gin.Context) {
	h.verify(c, models.SystemActor(webhookActor))
}

func (h *PaymentHandler) verify(c *gin.Context, actor models.Actor) {
	ctx, span := otel.Tracer("order-service").Start(c.Request.Context(), "VerifyPayment_HTTP")
	defer span.End()

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, middleware.MaxBodyBytes)
	body, code, err := middleware.ReadBody(c)
	if err != nil {
		c.JSON(code, gin.H{"error": "Failed to read request body", "kind": services.KindValidation})
		return
	}

	var hook models.PaymentWebhook
	if err := json.Unmarshal(body, &hook); err != nil || hook.Reference == "" || hook.Status == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "reference and status are required", "kind": services.KindValidation})
		return
	}
	span.SetAttributes(attribute.String("payment.reference", hook.Reference))

	payload := hook.Payload
	if len(payload) == 0 {
		payload = body
	}

	result, err := h.payments.VerifyPayment(ctx, services.VerifyPaymentInput{
		Reference:      hook.Reference,
		ReportedStatus: hook.Status,
		ReportedAmount: hook.Amount,
		Currency:       hook.Currency,
		Channel:        hook.Channel,
		GatewayPayload: payload,
		Actor:          actor,
	})
	if err != nil {
		span.RecordError(err)
		_ = c.Error(err)
		c.JSON(httpStatus(err), gin.H{
			"error":  services.PublicMessage(err),
			"kind":   services.KindOf(err),
			"result": result,
		})
		return
	}

	c.JSON(http.StatusOK, result)
}
