package handler

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/status"
)

const (
	OrderServiceName = "orders.OrderService"
	placeOrderMethod = "/" + OrderServiceName + "/PlaceOrder"
	findOrderMethod  = "/" + OrderServiceName + "/FindOrder"
)

// The order service speaks JSON over gRPC, selected with the "json" content
// subtype.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return "json" }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

type OrderServiceServer interface {
	PlaceOrder(ctx context.Context, req *PlaceOrderRequest) (*PlaceOrderResponse, error)
	FindOrder(ctx context.Context, req *FindOrderRequest) (*OrderPayload, error)
}

var orderServiceDesc = grpc.ServiceDesc{
	ServiceName: OrderServiceName,
	HandlerType: (*OrderServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "PlaceOrder", Handler: placeOrderHandler},
		{MethodName: "FindOrder", Handler: findOrderHandler},
	},
	Streams: []grpc.StreamDesc{},
}

func RegisterOrderServiceServer(s grpc.ServiceRegistrar, srv OrderServiceServer) {
	s.RegisterService(&orderServiceDesc, srv)
}

func placeOrderHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(PlaceOrderRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(OrderServiceServer).PlaceOrder(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: placeOrderMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(OrderServiceServer).PlaceOrder(ctx, req.(*PlaceOrderRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func findOrderHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(FindOrderRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(OrderServiceServer).FindOrder(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: findOrderMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(OrderServiceServer).FindOrder(ctx, req.(*FindOrderRequest))
	}
	return interceptor(ctx, in, info, handler)
}

type GRPCHandler struct {
	orders OrderService
	logger *zap.Logger
}

var _ OrderServiceServer = (*GRPCHandler)(nil)

func NewGRPCHandler(orders OrderService, logger *zap.Logger) *GRPCHandler {
	return &GRPCHandler{orders: orders, logger: logger}
}

// PlaceOrder fails with a status error. When an asynchronous payment could
// not be dispatched the response still carries the compensated order id.
func (h *GRPCHandler) PlaceOrder(ctx context.Context, req *PlaceOrderRequest) (*PlaceOrderResponse, error) {
	orderID, err := h.orders.PlaceOrder(ctx, req.toDomain())
	if err != nil {
		return nil, h.statusError(err, orderID)
	}
	return &PlaceOrderResponse{
		Success: true,
		Message: "order placed successfully",
		OrderID: orderID,
	}, nil
}

func (h *GRPCHandler) FindOrder(ctx context.Context, req *FindOrderRequest) (*OrderPayload, error) {
	view, err := h.orders.FindOrder(ctx, req.OrderID)
	if err != nil {
		return nil, h.statusError(err, req.OrderID)
	}
	out := orderPayload(view)
	return &out, nil
}

func (h *GRPCHandler) statusError(err error, orderID string) error {
	f := classify(err)
	if f.code == codes.Internal || f.code == codes.Aborted {
		h.logger.Error("order rpc failed", zap.String("order_id", orderID), zap.Error(err))
	}
	msg := f.message
	if orderID != "" && f.code != codes.NotFound {
		msg += " (order " + orderID + ")"
	}
	return status.Error(f.code, msg)
}

// OrderServiceClient calls the order service with the JSON codec.
type OrderServiceClient struct {
	cc grpc.ClientConnInterface
}

func NewOrderServiceClient(cc grpc.ClientConnInterface) *OrderServiceClient {
	return &OrderServiceClient{cc: cc}
}

func (c *OrderServiceClient) PlaceOrder(ctx context.Context, req *PlaceOrderRequest, opts ...grpc.CallOption) (*PlaceOrderResponse, error) {
	out := new(PlaceOrderResponse)
	opts = append(opts, grpc.CallContentSubtype("json"))
	if err := c.cc.Invoke(ctx, placeOrderMethod, req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *OrderServiceClient) FindOrder(ctx context.Context, req *FindOrderRequest, opts ...grpc.CallOption) (*OrderPayload, error) {
	out := new(OrderPayload)
	opts = append(opts, grpc.CallContentSubtype("json"))
	if err := c.cc.Invoke(ctx, findOrderMethod, req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
