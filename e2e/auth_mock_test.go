//go:build e2e
// +build e2e

package e2e

import (
	"context"
	"fmt"
	"net"
	"os"
	"strings"
	"testing"

	authpb "github.com/vibast-solutions/ms-go-auth/app/types"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

const authMockAddr = "0.0.0.0:38084"

// apiKeyEnv maps each e2e api key env var to its default.
var apiKeyEnv = map[string]string{
	"ORDERS_CALLER_API_KEY":      "orders-caller-key",
	"ORDERS_NO_ACCESS_API_KEY":   "orders-no-access-key",
	"ORDER_PAYMENTS_APP_API_KEY": "order-payments-app-api-key",
}

func apiKey(env string) string {
	if value := strings.TrimSpace(os.Getenv(env)); value != "" {
		return value
	}
	return apiKeyEnv[env]
}

func ordersCallerAPIKey() string {
	return apiKey("ORDERS_CALLER_API_KEY")
}

func ordersNoAccessAPIKey() string {
	return apiKey("ORDERS_NO_ACCESS_API_KEY")
}

func orderPaymentsAppAPIKey() string {
	return apiKey("ORDER_PAYMENTS_APP_API_KEY")
}

// authMock answers ValidateInternalAccess the way ms-go-auth does for the two
// callers the suite uses. The service under test must present its own app key.
type authMock struct {
	authpb.UnimplementedAuthServiceServer
}

func (s *authMock) ValidateInternalAccess(ctx context.Context, req *authpb.ValidateInternalAccessRequest) (*authpb.ValidateInternalAccessResponse, error) {
	if callerAppKey(ctx) != orderPaymentsAppAPIKey() {
		return nil, status.Error(codes.Unauthenticated, "unauthorized caller")
	}

	callers := map[string][]string{
		ordersCallerAPIKey():   {"order-payments-service", "notifications-service"},
		ordersNoAccessAPIKey(): {"notifications-service"},
	}
	access, ok := callers[strings.TrimSpace(req.GetApiKey())]
	if !ok {
		return nil, status.Error(codes.Unauthenticated, "invalid api key")
	}
	return &authpb.ValidateInternalAccessResponse{
		ServiceName:   "orders-service",
		AllowedAccess: access,
	}, nil
}

func callerAppKey(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	if values := md.Get("x-api-key"); len(values) > 0 {
		return strings.TrimSpace(values[0])
	}
	return ""
}

func TestMain(m *testing.M) {
	for env, value := range apiKeyEnv {
		if os.Getenv(env) == "" {
			_ = os.Setenv(env, value)
		}
	}

	listener, err := net.Listen("tcp", authMockAddr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start auth grpc mock: %v\n", err)
		os.Exit(1)
	}

	grpcServer := grpc.NewServer()
	authpb.RegisterAuthServiceServer(grpcServer, &authMock{})
	go func() {
		_ = grpcServer.Serve(listener)
	}()

	exitCode := m.Run()

	grpcServer.GracefulStop()
	_ = listener.Close()
	os.Exit(exitCode)
}
