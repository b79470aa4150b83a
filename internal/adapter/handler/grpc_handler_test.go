package handler

import (
	"context"
	"net"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/rl1809/canteen-ledger/internal/core/domain"
)

func newTestGRPC(t *testing.T) (*LedgerClient, *testAPI) {
	t.Helper()
	api := newTestAPI(t, defaultConfig())

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	RegisterLedgerServer(srv, NewGRPCHandler(api.orders, api.auth, testPaymentKey))
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return NewLedgerClient(conn), api
}

func withBearer(ctx context.Context, token string) context.Context {
	return metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+token)
}

func TestGRPC_CheckoutAndAdvance(t *testing.T) {
	client, api := newTestGRPC(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	created, err := client.Checkout(ctx, &CheckoutRPCRequest{
		RequestID: "grpc-1",
		UserID:    "student-1",
		Items:     []CheckoutItem{{MenuItemID: api.thali, Quantity: 1}, {MenuItemID: api.fries, Quantity: 2}},
	})
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}
	if len(created.Orders) != 2 || created.Orders[0].DisplayToken != "CAN001" || created.Orders[1].DisplayToken != "FRY501" {
		t.Fatalf("unexpected orders %+v", created.Orders)
	}
	orderID := created.Orders[0].ID

	paid, err := client.ConfirmPayment(withBearer(ctx, testPaymentKey), &ConfirmPaymentRPCRequest{PaymentRef: "ref-1", OrderIDs: []string{orderID}})
	if err != nil {
		t.Fatalf("confirm payment: %v", err)
	}
	if paid.Orders[0].Status != string(domain.OrderStatusPending) {
		t.Errorf("expected pending, got %s", paid.Orders[0].Status)
	}

	token := api.login("manager")
	res, err := client.AdvanceStatus(withBearer(ctx, token), &AdvanceStatusRPCRequest{OrderID: orderID, Status: "preparing"})
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if res.Order.Status != string(domain.OrderStatusPreparing) {
		t.Errorf("expected preparing, got %s", res.Order.Status)
	}

	got, err := client.GetOrder(ctx, &GetOrderRPCRequest{OrderID: orderID})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != string(domain.OrderStatusPreparing) {
		t.Errorf("expected stored status preparing, got %s", got.Status)
	}
}

func TestGRPC_ErrorCodes(t *testing.T) {
	client, api := newTestGRPC(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	order := api.placeOrder("student-1")
	fryToken := api.login("fries-stall")

	_, errNotFound := client.GetOrder(ctx, &GetOrderRPCRequest{OrderID: "missing"})
	_, errNoSession := client.AdvanceStatus(ctx, &AdvanceStatusRPCRequest{OrderID: order.ID, Status: "pending"})
	_, errScope := client.AdvanceStatus(withBearer(ctx, fryToken), &AdvanceStatusRPCRequest{OrderID: order.ID, Status: "pending"})
	_, errSkip := client.AdvanceStatus(withBearer(ctx, api.login("manager")), &AdvanceStatusRPCRequest{OrderID: order.ID, Status: "ready"})
	_, errUnpaid := client.AdvanceStatus(withBearer(ctx, api.login("manager")), &AdvanceStatusRPCRequest{OrderID: order.ID, Status: "pending"})
	_, errPayKey := client.ConfirmPayment(withBearer(ctx, "wrong"), &ConfirmPaymentRPCRequest{PaymentRef: "r", OrderIDs: []string{order.ID}})
	_, errEmpty := client.Checkout(ctx, &CheckoutRPCRequest{RequestID: "r", UserID: "u"})

	tests := []struct {
		name string
		err  error
		want codes.Code
	}{
		{"not found", errNotFound, codes.NotFound},
		{"no session", errNoSession, codes.Unauthenticated},
		{"out of scope", errScope, codes.PermissionDenied},
		{"skipped step", errSkip, codes.FailedPrecondition},
		{"release without payment", errUnpaid, codes.FailedPrecondition},
		{"bad payment key", errPayKey, codes.Unauthenticated},
		{"empty cart", errEmpty, codes.InvalidArgument},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := status.Code(tt.err); got != tt.want {
				t.Errorf("expected %s, got %s (%v)", tt.want, got, tt.err)
			}
		})
	}
}
