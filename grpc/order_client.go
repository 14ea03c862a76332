package grpc

import (
	"context"
	"fmt"
	"time"

	"foodorder-svc/circuitbreaker"
	"foodorder-svc/models"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// OrderClient calls foodorder.OrderService, used by back-office tools and
// sibling services.
type OrderClient struct {
	conn           *grpc.ClientConn
	circuitBreaker *circuitbreaker.CircuitBreaker
	token          string
	logger         *zap.Logger
}

func NewOrderClient(address, token string, logger *zap.Logger, opts ...grpc.DialOption) (*OrderClient, error) {
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName)),
	}, opts...)

	conn, err := grpc.NewClient(address, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Order Service: %w", err)
	}

	return &OrderClient{
		conn:           conn,
		circuitBreaker: circuitbreaker.NewCircuitBreaker(5, 30*time.Second),
		token:          token,
		logger:         logger,
	}, nil
}

func (oc *OrderClient) invoke(ctx context.Context, method string, in, out any) error {
	if oc.token != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+oc.token)
	}
	// only transport failures count against the breaker
	var callErr error
	err := oc.circuitBreaker.Execute(ctx, func() error {
		callErr = oc.conn.Invoke(ctx, "/"+ServiceName+"/"+method, in, out)
		switch status.Code(callErr) {
		case codes.Unavailable, codes.DeadlineExceeded:
			return callErr
		}
		return nil
	})
	if err != nil {
		return err
	}
	return callErr
}

func (oc *OrderClient) CreateOrder(ctx context.Context, req *models.CreateOrderRequest) (*models.Order, error) {
	resp := new(OrderResponse)
	if err := oc.invoke(ctx, "CreateOrder", req, resp); err != nil {
		return nil, err
	}
	return resp.Order, nil
}

func (oc *OrderClient) GetOrder(ctx context.Context, orderID string) (*models.Order, error) {
	resp := new(OrderResponse)
	if err := oc.invoke(ctx, "GetOrder", &GetOrderRequest{OrderID: orderID}, resp); err != nil {
		return nil, err
	}
	return resp.Order, nil
}

func (oc *OrderClient) UpdateOrderStatus(ctx context.Context, orderID, status, reason string) (*models.Order, error) {
	resp := new(OrderResponse)
	req := &UpdateOrderStatusRequest{OrderID: orderID, Status: status, Reason: reason}
	if err := oc.invoke(ctx, "UpdateOrderStatus", req, resp); err != nil {
		return nil, err
	}
	return resp.Order, nil
}

func (oc *OrderClient) VerifyPayment(ctx context.Context, hook *models.PaymentWebhook) (*models.VerificationResult, error) {
	resp := new(models.VerificationResult)
	if err := oc.invoke(ctx, "VerifyPayment", hook, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (oc *OrderClient) Close() error {
	return oc.conn.Close()
}
