package grpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/vibast-solutions/ms-go-order-payments/app/mapper"
	"github.com/vibast-solutions/ms-go-order-payments/app/provider"
	"github.com/vibast-solutions/ms-go-order-payments/app/service"
	"github.com/vibast-solutions/ms-go-order-payments/app/types"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const serviceName = "payments.v1.OrderPaymentsService"

// OrderPaymentsServer is the internal RPC surface. Messages use the protobuf
// well-known types so no generated code is needed.
type OrderPaymentsServer interface {
	GetOrderPayment(ctx context.Context, req *wrapperspb.UInt64Value) (*structpb.Struct, error)
	CreatePayment(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

var OrderPaymentsServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*OrderPaymentsServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetOrderPayment", Handler: getOrderPaymentHandler},
		{MethodName: "CreatePayment", Handler: createPaymentHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "payments/v1/order_payments.proto",
}

func RegisterOrderPaymentsServer(registrar grpc.ServiceRegistrar, srv OrderPaymentsServer) {
	registrar.RegisterService(&OrderPaymentsServiceDesc, srv)
}

func getOrderPaymentHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.UInt64Value)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(OrderPaymentsServer).GetOrderPayment(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/GetOrderPayment"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(OrderPaymentsServer).GetOrderPayment(ctx, req.(*wrapperspb.UInt64Value))
	}
	return interceptor(ctx, in, info, handler)
}

func createPaymentHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(OrderPaymentsServer).CreatePayment(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/CreatePayment"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(OrderPaymentsServer).CreatePayment(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// OrderPaymentsClient calls OrderPaymentsService over an existing connection.
type OrderPaymentsClient struct {
	cc grpc.ClientConnInterface
}

func NewOrderPaymentsClient(cc grpc.ClientConnInterface) *OrderPaymentsClient {
	return &OrderPaymentsClient{cc: cc}
}

func (c *OrderPaymentsClient) GetOrderPayment(ctx context.Context, in *wrapperspb.UInt64Value, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/GetOrderPayment", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *OrderPaymentsClient) CreatePayment(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/CreatePayment", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

type Server struct {
	paymentService *service.PaymentService
}

func NewServer(paymentService *service.PaymentService) *Server {
	return &Server{paymentService: paymentService}
}

func (s *Server) GetOrderPayment(ctx context.Context, req *wrapperspb.UInt64Value) (*structpb.Struct, error) {
	in := &types.GetOrderPaymentRequest{OrderId: req.GetValue()}
	if err := in.Validate(); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	view, err := s.paymentService.GetOrderPayment(ctx, in.GetOrderId())
	if err != nil {
		if errors.Is(err, service.ErrOrderNotFound) {
			return nil, status.Error(codes.NotFound, "order not found")
		}
		loggerWithContext(ctx).WithError(err).Error("Get order payment failed")
		return nil, status.Error(codes.Internal, "internal server error")
	}

	return toStruct(mapper.OrderPaymentToDTO(view.Order, view.Transactions))
}

func (s *Server) CreatePayment(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	l := loggerWithContext(ctx)
	fields := req.GetFields()
	orderID, err := orderIDField(fields["order_id"])
	if err != nil {
		l.WithError(err).Debug("Create payment validation failed")
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	in := &types.CreatePaymentRequest{
		OrderId:  orderID,
		Provider: strings.ToLower(strings.TrimSpace(fields["provider"].GetStringValue())),
		ClientIp: strings.TrimSpace(fields["client_ip"].GetStringValue()),
	}
	if err := in.Validate(); err != nil {
		l.WithError(err).Debug("Create payment validation failed")
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	started, err := s.paymentService.CreatePayment(ctx, in)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrProviderUnsupported), errors.Is(err, service.ErrOrderNotFound):
			return nil, status.Error(codes.NotFound, err.Error())
		case errors.Is(err, service.ErrOrderAlreadyPaid):
			return nil, status.Error(codes.FailedPrecondition, err.Error())
		case errors.Is(err, service.ErrInvalidRequest), errors.Is(err, provider.ErrInvalidOrderAmount):
			return nil, status.Error(codes.InvalidArgument, err.Error())
		case errors.Is(err, provider.ErrGatewayRejected), errors.Is(err, provider.ErrGatewayUnreachable), errors.Is(err, provider.ErrGatewayNotConfigured):
			return nil, status.Error(codes.Unavailable, err.Error())
		default:
			l.WithError(err).Error("Create payment failed")
			return nil, status.Error(codes.Internal, "internal server error")
		}
	}

	return toStruct(&types.CreatePaymentResponse{
		OrderId:     started.Order.ID,
		Provider:    started.Gateway,
		RedirectUrl: started.RedirectURL,
		Transaction: mapper.TransactionToDTO(started.Transaction),
	})
}

// orderIDField reads a JSON number that must hold a whole positive id. An
// absent or zero value is left for request validation to report.
func orderIDField(value *structpb.Value) (uint64, error) {
	v := value.GetNumberValue()
	if v == 0 {
		return 0, nil
	}
	if v < 0 || v != math.Trunc(v) || v >= math.MaxUint64 {
		return 0, fmt.Errorf("order_id must be a positive integer, got %v", v)
	}
	return uint64(v), nil
}

func toStruct(v interface{}) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, status.Error(codes.Internal, "internal server error")
	}
	var fields map[string]interface{}
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, status.Error(codes.Internal, "internal server error")
	}
	out, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, status.Error(codes.Internal, "internal server error")
	}
	return out, nil
}
