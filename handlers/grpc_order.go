package handlers

import (
	"context"
	"strings"

	"foodorder-svc/grpc"
	"foodorder-svc/middleware"
	"foodorder-svc/models"
	"foodorder-svc/services"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// OrderServer implements grpc.OrderServiceServer on top of the services.
type OrderServer struct {
	orders   *services.OrderService
	status   *services.StatusService
	payments *services.PaymentService
	secret   []byte
	logger   *zap.Logger
}

var _ grpc.OrderServiceServer = (*OrderServer)(nil)

func NewOrderServer(
	orders *services.OrderService,
	status *services.StatusService,
	payments *services.PaymentService,
	secret []byte,
	logger *zap.Logger,
) *OrderServer {
	return &OrderServer{
		orders:   orders,
		status:   status,
		payments: payments,
		secret:   secret,
		logger:   logger,
	}
}

// actor reads an optional bearer token from the call metadata. A present but
// invalid token is rejected rather than treated as anonymous.
func (s *OrderServer) actor(ctx context.Context) (models.Actor, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return models.Actor{}, nil
	}
	values := md.Get("authorization")
	if len(values) == 0 {
		return models.Actor{}, nil
	}
	raw, ok := strings.CutPrefix(values[0], "Bearer ")
	if !ok {
		return models.Actor{}, status.Error(codes.Unauthenticated, "Invalid token")
	}
	id, err := middleware.ParseActor(raw, s.secret)
	if err != nil {
		s.logger.Warn("Rejected token",
			zap.String("trace_id", middleware.GetTraceID(ctx)),
			zap.Error(err),
		)
		return models.Actor{}, status.Error(codes.Unauthenticated, "Invalid token")
	}
	return models.Actor{ID: id}, nil
}

// signedIn is actor for calls that must carry a token.
func (s *OrderServer) signedIn(ctx context.Context) (models.Actor, error) {
	actor, err := s.actor(ctx)
	if err != nil {
		return models.Actor{}, err
	}
	if actor.ID == "" {
		return models.Actor{}, status.Error(codes.Unauthenticated, "Missing bearer token")
	}
	return actor, nil
}

func (s *OrderServer) CreateOrder(ctx context.Context, req *models.CreateOrderRequest) (*grpc.OrderResponse, error) {
	ctx, span := otel.Tracer("order-service").Start(ctx, "CreateOrder_gRPC")
	defer span.End()

	actor, err := s.actor(ctx)
	if err != nil {
		return nil, err
	}

	order, err := s.orders.CreateOrder(ctx, *req, actor)
	if err != nil {
		span.RecordError(err)
		return nil, grpcError(err)
	}

	span.SetAttributes(attribute.String("order.id", order.ID))
	return &grpc.OrderResponse{Order: order}, nil
}

func (s *OrderServer) GetOrder(ctx context.Context, req *grpc.GetOrderRequest) (*grpc.OrderResponse, error) {
	actor, err := s.signedIn(ctx)
	if err != nil {
		return nil, err
	}
	order, err := s.orders.GetOrder(ctx, req.OrderID, actor)
	if err != nil {
		return nil, grpcError(err)
	}
	return &grpc.OrderResponse{Order: order}, nil
}

func (s *OrderServer) UpdateOrderStatus(ctx context.Context, req *grpc.UpdateOrderStatusRequest) (*grpc.OrderResponse, error) {
	ctx, span := otel.Tracer("order-service").Start(ctx, "UpdateOrderStatus_gRPC")
	defer span.End()

	actor, err := s.actor(ctx)
	if err != nil {
		return nil, err
	}

	order, err := s.status.UpdateOrderStatus(ctx, req.OrderID, req.Status, actor, req.Reason)
	if err != nil {
		span.RecordError(err)
		return nil, grpcError(err)
	}
	return &grpc.OrderResponse{Order: order}, nil
}

func (s *OrderServer) VerifyPayment(ctx context.Context, req *models.PaymentWebhook) (*models.VerificationResult, error) {
	ctx, span := otel.Tracer("order-service").Start(ctx, "VerifyPayment_gRPC")
	defer span.End()

	// Provider callbacks arrive over HTTP or Kafka; gRPC callers are admins.
	actor, err := s.signedIn(ctx)
	if err != nil {
		return nil, err
	}

	result, err := s.payments.VerifyPayment(ctx, services.VerifyPaymentInput{
		Reference:      req.Reference,
		ReportedStatus: req.Status,
		ReportedAmount: req.Amount,
		Currency:       req.Currency,
		Channel:        req.Channel,
		GatewayPayload: req.Payload,
		Actor:          actor,
	})
	if err != nil {
		span.RecordError(err)
		return nil, grpcError(err)
	}
	return &result, nil
}
