package handlers

import (
	"net/http"

	"foodorder-svc/middleware"
	"foodorder-svc/models"
	"foodorder-svc/services"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

type OrderHandler struct {
	orders *services.OrderService
	status *services.StatusService
	logger *zap.Logger
}

func NewOrderHandler(orders *services.OrderService, status *services.StatusService, logger *zap.Logger) *OrderHandler {
	return &OrderHandler{
		orders: orders,
		status: status,
		logger: logger,
	}
}

func (h *OrderHandler) CreateOrder(c *gin.Context) {
	ctx, span := otel.Tracer("order-service").Start(c.Request.Context(), "CreateOrder_HTTP")
	defer span.End()

	var req models.CreateOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "kind": services.KindValidation})
		return
	}

	span.SetAttributes(
		attribute.String("fulfillment_type", string(req.FulfillmentType)),
		attribute.Int("items", len(req.Items)),
	)

	order, err := h.orders.CreateOrder(ctx, req, middleware.ActorFromContext(c))
	if err != nil {
		span.RecordError(err)
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, order)
}

// GetOrder and the other reads require AuthMiddleware; only the customer
// who placed the order or an admin sees it.
func (h *OrderHandler) GetOrder(c *gin.Context) {
	ctx, span := otel.Tracer("order-service").Start(c.Request.Context(), "GetOrder")
	defer span.End()

	id := c.Param("id")
	span.SetAttributes(attribute.String("order.id", id))

	order, err := h.orders.GetOrder(ctx, id, middleware.ActorFromContext(c))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, order)
}

func (h *OrderHandler) GetStatusHistory(c *gin.Context) {
	history, err := h.orders.StatusHistory(c.Request.Context(), c.Param("id"), middleware.ActorFromContext(c))
	if err != nil {
		respondError(c, err)
		return
	}
	if history == nil {
		history = []models.OrderStatusChange{}
	}
	c.JSON(http.StatusOK, gin.H{"order_id": c.Param("id"), "history": history})
}

func (h *OrderHandler) GetEvents(c *gin.Context) {
	events, err := h.orders.Events(c.Request.Context(), c.Param("id"), middleware.ActorFromContext(c))
	if err != nil {
		respondError(c, err)
		return
	}
	if events == nil {
		events = []models.CommunicationEvent{}
	}
	c.JSON(http.StatusOK, gin.H{"order_id": c.Param("id"), "events": events})
}

// UpdateOrderStatus requires AuthMiddleware; the service enforces the admin
// role.
func (h *OrderHandler) UpdateOrderStatus(c *gin.Context) {
	ctx, span := otel.Tracer("order-service").Start(c.Request.Context(), "UpdateOrderStatus_HTTP")
	defer span.End()

	var req models.UpdateOrderStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "kind": services.KindValidation})
		return
	}

	order, err := h.status.UpdateOrderStatus(ctx, c.Param("id"), req.Status, middleware.ActorFromContext(c), req.Reason)
	if err != nil {
		span.RecordError(err)
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, order)
}
