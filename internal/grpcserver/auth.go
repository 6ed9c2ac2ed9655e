package grpcserver

import (
	"context"
	"errors"
	"strings"

	"github.com/MarkoPoloResearchLab/tokenledger/internal/httpapi"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

const (
	authorizationMetadataKey = "authorization"
	bearerPrefix             = "Bearer "

	errorMissingToken = "missing bearer token"
	errorInvalidToken = "invalid bearer token"
)

// ErrMissingValidator reports a server constructed without token validators.
var ErrMissingValidator = errors.New("grpcserver: token validator is required")

// ClaimsValidator verifies a raw bearer token.
type ClaimsValidator interface {
	Validate(raw string) (*httpapi.Claims, error)
}

type caller struct {
	subject string
	admin   bool
}

type callerContextKey struct{}

// NewServer builds a gRPC server that serves the ledger to callers holding a service or admin token.
func NewServer(ledgerServer TokenLedgerServer, serviceTokens ClaimsValidator, adminTokens ClaimsValidator, options ...grpc.ServerOption) (*grpc.Server, error) {
	if serviceTokens == nil || adminTokens == nil {
		return nil, ErrMissingValidator
	}
	options = append(options, grpc.ChainUnaryInterceptor(UnaryAuthInterceptor(serviceTokens, adminTokens)))
	server := grpc.NewServer(options...)
	RegisterTokenLedgerServer(server, ledgerServer)
	return server, nil
}

// UnaryAuthInterceptor rejects calls whose bearer token neither validator accepts.
// Admin tokens are tried first so the verified admin id can attribute grants.
func UnaryAuthInterceptor(serviceTokens ClaimsValidator, adminTokens ClaimsValidator) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, request any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		authenticated, err := authenticate(ctx, serviceTokens, adminTokens)
		if err != nil {
			return nil, err
		}
		return handler(context.WithValue(ctx, callerContextKey{}, authenticated), request)
	}
}

func authenticate(ctx context.Context, serviceTokens ClaimsValidator, adminTokens ClaimsValidator) (caller, error) {
	incoming, _ := metadata.FromIncomingContext(ctx)
	values := incoming.Get(authorizationMetadataKey)
	if len(values) == 0 || !strings.HasPrefix(values[0], bearerPrefix) {
		return caller{}, status.Error(codes.Unauthenticated, errorMissingToken)
	}
	raw := strings.TrimSpace(strings.TrimPrefix(values[0], bearerPrefix))
	if adminTokens != nil {
		if claims, err := adminTokens.Validate(raw); err == nil {
			return caller{subject: claims.Subject, admin: true}, nil
		}
	}
	if serviceTokens != nil {
		if claims, err := serviceTokens.Validate(raw); err == nil {
			return caller{subject: claims.Subject}, nil
		}
	}
	return caller{}, status.Error(codes.Unauthenticated, errorInvalidToken)
}

func callerFromContext(ctx context.Context) (caller, bool) {
	authenticated, ok := ctx.Value(callerContextKey{}).(caller)
	return authenticated, ok
}

// BearerToken attaches a bearer token to every call made on a client connection.
type BearerToken string

// GetRequestMetadata implements credentials.PerRPCCredentials.
func (token BearerToken) GetRequestMetadata(context.Context, ...string) (map[string]string, error) {
	return map[string]string{authorizationMetadataKey: bearerPrefix + string(token)}, nil
}

// RequireTransportSecurity implements credentials.PerRPCCredentials.
func (token BearerToken) RequireTransportSecurity() bool {
	return false
}
