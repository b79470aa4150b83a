package handler

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/rl1809/canteen-ledger/internal/core/domain"
	"github.com/rl1809/canteen-ledger/internal/core/service"
	"github.com/rl1809/canteen-ledger/internal/port"
)

// CodecName is the content subtype clients select with grpc.CallContentSubtype.
const CodecName = "json"

const ledgerServiceName = "canteen.v1.LedgerService"

// jsonCodec lets the ledger service speak gRPC framing with JSON bodies instead of protobuf.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return CodecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

type CheckoutItem struct {
	MenuItemID int64 `json:"menu_item_id"`
	Quantity   int   `json:"quantity"`
}

type CheckoutRPCRequest struct {
	RequestID string         `json:"request_id"`
	UserID    string         `json:"user_id"`
	OwnerName string         `json:"owner_name"`
	Contact   string         `json:"contact"`
	Items     []CheckoutItem `json:"items"`
}

type OrdersRPCResponse struct {
	Orders []OrderResponse `json:"orders"`
}

type AdvanceStatusRPCRequest struct {
	OrderID string `json:"order_id"`
	Status  string `json:"status"`
}

type ConfirmPaymentRPCRequest struct {
	PaymentRef string   `json:"payment_ref"`
	OrderIDs   []string `json:"order_ids"`
}

type GetOrderRPCRequest struct {
	OrderID string `json:"order_id"`
}

// LedgerServer is the gRPC surface of the order ledger.
type LedgerServer interface {
	Checkout(context.Context, *CheckoutRPCRequest) (*OrdersRPCResponse, error)
	AdvanceStatus(context.Context, *AdvanceStatusRPCRequest) (*TransitionHTTPResponse, error)
	ConfirmPayment(context.Context, *ConfirmPaymentRPCRequest) (*OrdersRPCResponse, error)
	GetOrder(context.Context, *GetOrderRPCRequest) (*OrderResponse, error)
}

func unaryMethod[Req, Resp any](name string, call func(LedgerServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	fullMethod := "/" + ledgerServiceName + "/" + name
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(LedgerServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(LedgerServer), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

var ledgerServiceDesc = grpc.ServiceDesc{
	ServiceName: ledgerServiceName,
	HandlerType: (*LedgerServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod("Checkout", LedgerServer.Checkout),
		unaryMethod("AdvanceStatus", LedgerServer.AdvanceStatus),
		unaryMethod("ConfirmPayment", LedgerServer.ConfirmPayment),
		unaryMethod("GetOrder", LedgerServer.GetOrder),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "canteen/v1/ledger.proto",
}

func RegisterLedgerServer(s grpc.ServiceRegistrar, srv LedgerServer) {
	s.RegisterService(&ledgerServiceDesc, srv)
}

type GRPCHandler struct {
	orders     *service.OrderService
	auth       *service.AuthService
	paymentKey string
}

func NewGRPCHandler(orders *service.OrderService, auth *service.AuthService, paymentKey string) *GRPCHandler {
	return &GRPCHandler{orders: orders, auth: auth, paymentKey: paymentKey}
}

func (h *GRPCHandler) Checkout(ctx context.Context, req *CheckoutRPCRequest) (*OrdersRPCResponse, error) {
	if req.RequestID == "" || req.UserID == "" {
		return nil, status.Error(codes.InvalidArgument, "request_id and user_id are required")
	}
	lines := make([]service.CheckoutLine, len(req.Items))
	for i, it := range req.Items {
		lines[i] = service.CheckoutLine{MenuItemID: it.MenuItemID, Quantity: it.Quantity}
	}

	orders, err := h.orders.Checkout(ctx, service.CheckoutRequest{
		RequestID: req.RequestID,
		OwnerID:   req.UserID,
		OwnerName: req.OwnerName,
		Contact:   req.Contact,
		Lines:     lines,
	})
	if err != nil {
		return nil, grpcError(err)
	}
	return &OrdersRPCResponse{Orders: toOrderResponses(orders)}, nil
}

// AdvanceStatus requires an admin session token in the "authorization" metadata.
func (h *GRPCHandler) AdvanceStatus(ctx context.Context, req *AdvanceStatusRPCRequest) (*TransitionHTTPResponse, error) {
	session, err := h.auth.Authenticate(ctx, incomingBearer(ctx))
	if err != nil {
		return nil, grpcError(err)
	}
	if session.Role != port.RoleAdmin {
		return nil, grpcError(errForbidden)
	}

	to, ok := domain.ParseOrderStatus(req.Status)
	if !ok {
		return nil, status.Errorf(codes.InvalidArgument, "unknown status %q", req.Status)
	}
	order, err := h.orders.GetOrder(ctx, req.OrderID)
	if err != nil {
		return nil, grpcError(err)
	}
	if err := authorizeCategory(session, order.Category); err != nil {
		return nil, grpcError(err)
	}

	res, err := h.orders.Advance(ctx, req.OrderID, to)
	if err != nil {
		return nil, grpcError(err)
	}
	out := transitionResponse(res)
	return &out, nil
}

func (h *GRPCHandler) ConfirmPayment(ctx context.Context, req *ConfirmPaymentRPCRequest) (*OrdersRPCResponse, error) {
	if h.paymentKey == "" {
		return nil, status.Error(codes.Unavailable, "payment confirmation not configured")
	}
	if !tokenMatches(incomingBearer(ctx), h.paymentKey) {
		return nil, status.Error(codes.Unauthenticated, "unauthorized")
	}

	confirmed, err := h.orders.ConfirmPayment(ctx, req.PaymentRef, req.OrderIDs)
	if err != nil && len(confirmed) == 0 {
		return nil, grpcError(err)
	}
	return &OrdersRPCResponse{Orders: toOrderResponses(confirmed)}, nil
}

func (h *GRPCHandler) GetOrder(ctx context.Context, req *GetOrderRPCRequest) (*OrderResponse, error) {
	order, err := h.orders.GetOrder(ctx, req.OrderID)
	if err != nil {
		return nil, grpcError(err)
	}
	out := toOrderResponse(*order)
	return &out, nil
}

func incomingBearer(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	for _, v := range md.Get("authorization") {
		if len(v) >= 7 && strings.EqualFold(v[:7], "bearer ") {
			return strings.TrimSpace(v[7:])
		}
	}
	return ""
}

func grpcError(err error) error {
	var code codes.Code
	switch {
	case errors.Is(err, domain.ErrInvalidCategory),
		errors.Is(err, domain.ErrEmptyOrder),
		errors.Is(err, domain.ErrInvalidItem),
		errors.Is(err, service.ErrInvalidRequest):
		code = codes.InvalidArgument
	case errors.Is(err, domain.ErrOrderNotFound), errors.Is(err, domain.ErrMenuItemNotFound):
		code = codes.NotFound
	case errors.Is(err, domain.ErrAlreadyCompleted),
		errors.Is(err, domain.ErrInvalidTransition),
		errors.Is(err, domain.ErrMenuItemUnavailable):
		code = codes.FailedPrecondition
	case errors.Is(err, domain.ErrStatusConflict), errors.Is(err, domain.ErrOptimisticLock):
		code = codes.Aborted
	case errors.Is(err, service.ErrDuplicateRequest):
		code = codes.AlreadyExists
	case errors.Is(err, domain.ErrNotOwner), errors.Is(err, errForbidden):
		code = codes.PermissionDenied
	case errors.Is(err, service.ErrUnauthenticated), errors.Is(err, service.ErrInvalidCredentials):
		code = codes.Unauthenticated
	case errors.Is(err, service.ErrTooManyAttempts):
		code = codes.ResourceExhausted
	case errors.Is(err, domain.ErrConcurrentAllocationConflict),
		errors.Is(err, domain.ErrPersistenceUnavailable):
		code = codes.Unavailable
	default:
		return status.Error(codes.Internal, "internal error")
	}
	return status.Error(code, err.Error())
}

// LedgerClient calls the ledger service over a JSON-coded connection.
type LedgerClient struct {
	cc grpc.ClientConnInterface
}

func NewLedgerClient(cc grpc.ClientConnInterface) *LedgerClient {
	return &LedgerClient{cc: cc}
}

func (c *LedgerClient) invoke(ctx context.Context, method string, in, out any, opts ...grpc.CallOption) error {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	return c.cc.Invoke(ctx, "/"+ledgerServiceName+"/"+method, in, out, opts...)
}

func (c *LedgerClient) Checkout(ctx context.Context, in *CheckoutRPCRequest, opts ...grpc.CallOption) (*OrdersRPCResponse, error) {
	out := new(OrdersRPCResponse)
	if err := c.invoke(ctx, "Checkout", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *LedgerClient) AdvanceStatus(ctx context.Context, in *AdvanceStatusRPCRequest, opts ...grpc.CallOption) (*TransitionHTTPResponse, error) {
	out := new(TransitionHTTPResponse)
	if err := c.invoke(ctx, "AdvanceStatus", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *LedgerClient) ConfirmPayment(ctx context.Context, in *ConfirmPaymentRPCRequest, opts ...grpc.CallOption) (*OrdersRPCResponse, error) {
	out := new(OrdersRPCResponse)
	if err := c.invoke(ctx, "ConfirmPayment", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *LedgerClient) GetOrder(ctx context.Context, in *GetOrderRPCRequest, opts ...grpc.CallOption) (*OrderResponse, error) {
	out := new(OrderResponse)
	if err := c.invoke(ctx, "GetOrder", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
