package grpcserver

import (
	"context"

	"github.com/MarkoPoloResearchLab/tokenledger/pkg/ledger"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	// ServiceName is the fully qualified gRPC service name.
	ServiceName = "tokenledger.v1.TokenLedger"

	methodConsume          = "Consume"
	methodGrant            = "Grant"
	methodGetBalance       = "GetBalance"
	methodListTransactions = "ListTransactions"

	fieldUserID           = "userId"
	fieldUserType         = "userType"
	fieldUserTypeID       = "userTypeId"
	fieldAmount           = "amount"
	fieldReason           = "reason"
	fieldMetadata         = "metadata"
	fieldIPAddress        = "ipAddress"
	fieldUserAgent        = "userAgent"
	fieldLimit            = "limit"
	fieldOffset           = "offset"
	fieldType             = "type"
	fieldTransactionID    = "transactionId"
	fieldTransactionType  = "transactionType"
	fieldRemainingBalance = "remainingBalance"
	fieldNewBalance       = "newBalance"
	fieldTransactions     = "transactions"
	fieldCurrentBalance   = "currentBalance"
	fieldRequestedAmount  = "requestedAmount"
)

// TokenLedgerServer is the server API for the token ledger service.
// Requests and responses are google.protobuf.Struct messages.
type TokenLedgerServer interface {
	Consume(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Grant(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetBalance(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListTransactions(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// RegisterTokenLedgerServer registers the token ledger service on registrar.
func RegisterTokenLedgerServer(registrar grpc.ServiceRegistrar, server TokenLedgerServer) {
	registrar.RegisterService(&serviceDescription, server)
}

var serviceDescription = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*TokenLedgerServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: methodConsume, Handler: unaryHandler(methodConsume, TokenLedgerServer.Consume)},
		{MethodName: methodGrant, Handler: unaryHandler(methodGrant, TokenLedgerServer.Grant)},
		{MethodName: methodGetBalance, Handler: unaryHandler(methodGetBalance, TokenLedgerServer.GetBalance)},
		{MethodName: methodListTransactions, Handler: unaryHandler(methodListTransactions, TokenLedgerServer.ListTransactions)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "tokenledger/v1/tokenledger.proto",
}

type unaryMethod func(TokenLedgerServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(methodName string, method unaryMethod) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(server any, ctx context.Context, decode func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		request := new(structpb.Struct)
		if err := decode(request); err != nil {
			return nil, err
		}
		ledgerServer := server.(TokenLedgerServer)
		if interceptor == nil {
			return method(ledgerServer, ctx, request)
		}
		info := &grpc.UnaryServerInfo{Server: server, FullMethod: fullMethod(methodName)}
		handler := func(ctx context.Context, request any) (any, error) {
			return method(ledgerServer, ctx, request.(*structpb.Struct))
		}
		return interceptor(ctx, request, info, handler)
	}
}

func fullMethod(methodName string) string {
	return "/" + ServiceName + "/" + methodName
}

// TokenLedgerService exposes the token ledger over gRPC for internal feature services.
type TokenLedgerService struct {
	ledgerService *ledger.Service
}

// NewTokenLedgerService constructs a gRPC server for the ledger service.
func NewTokenLedgerService(ledgerService *ledger.Service) *TokenLedgerService {
	return &TokenLedgerService{ledgerService: ledgerService}
}

func (service *TokenLedgerService) Consume(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	owner, err := ownerFromRequest(request)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	amount, err := amountFromRequest(request)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	result, operationError := service.ledgerService.Consume(ctx, ledger.ConsumeRequest{
		Owner:    owner,
		Amount:   amount,
		Metadata: metadataFromRequest(request),
		Client:   clientFromRequest(request),
	})
	if operationError != nil {
		return nil, mapToGRPCError(operationError)
	}
	return newResponse(map[string]any{
		fieldTransactionID:    result.TransactionID.String(),
		fieldRemainingBalance: result.RemainingBalance,
	})
}

// Grant credits tokens. Only callers holding an admin token record a manual adjustment,
// attributed to the token subject.
func (service *TokenLedgerService) Grant(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	owner, err := ownerFromRequest(request)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	amount, err := amountFromRequest(request)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	grantMetadata := metadataFromRequest(request).Without(ledger.MetadataKeyAdminUserID)
	if authenticated, ok := callerFromContext(ctx); ok && authenticated.admin {
		grantMetadata[ledger.MetadataKeyAdminUserID] = authenticated.subject
	}
	result, operationError := service.ledgerService.Grant(ctx, ledger.GrantRequest{
		Owner:    owner,
		Amount:   amount,
		Reason:   stringField(request, fieldReason),
		Metadata: grantMetadata,
		Client:   clientFromRequest(request),
	})
	if operationError != nil {
		return nil, mapToGRPCError(operationError)
	}
	return newResponse(map[string]any{
		fieldTransactionID:   result.TransactionID.String(),
		fieldTransactionType: result.TransactionType.String(),
		fieldNewBalance:      result.NewBalance,
	})
}

func (service *TokenLedgerService) GetBalance(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	owner, err := ownerFromRequest(request)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	balance, operationError := service.ledgerService.Balance(ctx, owner)
	if operationError != nil {
		return nil, mapToGRPCError(operationError)
	}
	return newResponse(balanceFields(balance))
}

func (service *TokenLedgerService) ListTransactions(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	userID, err := ledger.NewUserID(stringField(request, fieldUserID))
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	limit, err := integerField(request, fieldLimit, ledger.ErrInvalidPagination)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	offset, err := integerField(request, fieldOffset, ledger.ErrInvalidPagination)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	filter, err := ledger.NewTransactionFilter(int(limit), int(offset), stringField(request, fieldType))
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	transactions, operationError := service.ledgerService.Transactions(ctx, userID, filter)
	if operationError != nil {
		return nil, mapToGRPCError(operationError)
	}
	items := make([]any, 0, len(transactions))
	for _, transaction := range transactions {
		items = append(items, transactionFields(transaction))
	}
	return newResponse(map[string]any{fieldTransactions: items})
}
