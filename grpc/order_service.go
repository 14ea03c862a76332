package grpc

import (
	"context"

	"foodorder-svc/models"

	"google.golang.org/grpc"
)

const ServiceName = "foodorder.OrderService"

type GetOrderRequest struct {
	OrderID string `json:"order_id"`
}

type UpdateOrderStatusRequest struct {
	OrderID string `json:"order_id"`
	Status  string `json:"status"`
	Reason  string `json:"reason"`
}

type OrderResponse struct {
	Order *models.Order `json:"order"`
}

// OrderServiceServer is the server API for foodorder.OrderService.
type OrderServiceServer interface {
	CreateOrder(context.Context, *models.CreateOrderRequest) (*OrderResponse, error)
	GetOrder(context.Context, *GetOrderRequest) (*OrderResponse, error)
	UpdateOrderStatus(context.Context, *UpdateOrderStatusRequest) (*OrderResponse, error)
	VerifyPayment(context.Context, *models.PaymentWebhook) (*models.VerificationResult, error)
}

func RegisterOrderServiceServer(s grpc.ServiceRegistrar, srv OrderServiceServer) {
	s.RegisterService(&OrderServiceDesc, srv)
}

// unary builds a method handler for one request type.
func unary[Req any, Resp any](name string, call func(OrderServiceServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(OrderServiceServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{
				Server:     srv,
				FullMethod: "/" + ServiceName + "/" + name,
			}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(OrderServiceServer), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

var OrderServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*OrderServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("CreateOrder", OrderServiceServer.CreateOrder),
		unary("GetOrder", OrderServiceServer.GetOrder),
		unary("UpdateOrderStatus", OrderServiceServer.UpdateOrderStatus),
		unary("VerifyPayment", OrderServiceServer.VerifyPayment),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "foodorder/order_service",
}
