package grpcserver

import (
	"context"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/tokenledger/pkg/ledger"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client is the typed token ledger client used by feature services.
// Errors returned by the server are mapped back to ledger errors, so
// errors.Is(err, ledger.ErrInsufficientTokens) works across the wire.
type Client struct {
	connection grpc.ClientConnInterface
}

// NewClient wraps an established connection.
func NewClient(connection grpc.ClientConnInterface) *Client {
	return &Client{connection: connection}
}

// Consume debits tokens for the owner.
func (client *Client) Consume(ctx context.Context, request ledger.ConsumeRequest) (ledger.ConsumeResult, error) {
	fields := ownerFields(request.Owner)
	fields[fieldAmount] = request.Amount.Int64()
	fields[fieldMetadata] = plainMetadata(request.Metadata)
	addClientFields(fields, request.Client)
	response, err := client.invoke(ctx, methodConsume, fields)
	if err != nil {
		return ledger.ConsumeResult{}, err
	}
	transactionID, err := ledger.NewTransactionID(stringField(response, fieldTransactionID))
	if err != nil {
		return ledger.ConsumeResult{}, err
	}
	return ledger.ConsumeResult{
		TransactionID:    transactionID,
		RemainingBalance: numberField(response, fieldRemainingBalance),
	}, nil
}

// Grant credits tokens to the owner.
func (client *Client) Grant(ctx context.Context, request ledger.GrantRequest) (ledger.GrantResult, error) {
	fields := ownerFields(request.Owner)
	fields[fieldAmount] = request.Amount.Int64()
	fields[fieldReason] = request.Reason
	fields[fieldMetadata] = plainMetadata(request.Metadata)
	addClientFields(fields, request.Client)
	response, err := client.invoke(ctx, methodGrant, fields)
	if err != nil {
		return ledger.GrantResult{}, err
	}
	transactionID, err := ledger.NewTransactionID(stringField(response, fieldTransactionID))
	if err != nil {
		return ledger.GrantResult{}, err
	}
	transactionType, err := ledger.ParseTransactionType(stringField(response, fieldTransactionType))
	if err != nil {
		return ledger.GrantResult{}, err
	}
	return ledger.GrantResult{
		TransactionID:   transactionID,
		TransactionType: transactionType,
		NewBalance:      numberField(response, fieldNewBalance),
	}, nil
}

// Balance reads the owner's balance; unknown users read as zero.
func (client *Client) Balance(ctx context.Context, owner ledger.Owner) (ledger.Balance, error) {
	response, err := client.invoke(ctx, methodGetBalance, ownerFields(owner))
	if err != nil {
		return ledger.Balance{}, err
	}
	balance := ledger.Balance{
		Owner:          owner,
		Balance:        numberField(response, "balance"),
		TotalPurchased: numberField(response, "totalPurchased"),
		TotalConsumed:  numberField(response, "totalConsumed"),
		TotalGranted:   numberField(response, "totalGranted"),
	}
	if raw := stringField(response, "lastPurchaseAt"); raw != "" {
		lastPurchaseAt, parseErr := time.Parse(time.RFC3339Nano, raw)
		if parseErr != nil {
			return ledger.Balance{}, fmt.Errorf("parse last purchase time: %w", parseErr)
		}
		balance.LastPurchaseAt = &lastPurchaseAt
	}
	return balance, nil
}

// Transactions lists the user's history, newest first.
func (client *Client) Transactions(ctx context.Context, userID ledger.UserID, filter ledger.TransactionFilter) ([]ledger.Transaction, error) {
	fields := map[string]any{
		fieldUserID: userID.String(),
		fieldLimit:  filter.Limit(),
		fieldOffset: filter.Offset(),
	}
	if transactionType, restricted := filter.Type(); restricted {
		fields[fieldType] = transactionType.String()
	}
	response, err := client.invoke(ctx, methodListTransactions, fields)
	if err != nil {
		return nil, err
	}
	items := response.GetFields()[fieldTransactions].GetListValue().GetValues()
	transactions := make([]ledger.Transaction, 0, len(items))
	for _, item := range items {
		transaction, parseErr := parseTransaction(item.GetStructValue())
		if parseErr != nil {
			return nil, parseErr
		}
		transactions = append(transactions, transaction)
	}
	return transactions, nil
}

func (client *Client) invoke(ctx context.Context, methodName string, fields map[string]any) (*structpb.Struct, error) {
	request, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ledger.ErrInvalidMetadata, err)
	}
	response := new(structpb.Struct)
	if err := client.connection.Invoke(ctx, fullMethod(methodName), request, response); err != nil {
		return nil, mapFromGRPCError(err)
	}
	return response, nil
}

func ownerFields(owner ledger.Owner) map[string]any {
	return map[string]any{
		fieldUserID:     owner.UserID().String(),
		fieldUserType:   owner.UserType(),
		fieldUserTypeID: owner.UserTypeID(),
	}
}

func addClientFields(fields map[string]any, client ledger.ClientInfo) {
	if client.IPAddress != "" {
		fields[fieldIPAddress] = client.IPAddress
	}
	if client.UserAgent != "" {
		fields[fieldUserAgent] = client.UserAgent
	}
}

func numberField(message *structpb.Struct, key string) int64 {
	return int64(message.GetFields()[key].GetNumberValue())
}

func parseTransaction(fields *structpb.Struct) (ledger.Transaction, error) {
	transactionID, err := ledger.NewTransactionID(stringField(fields, "id"))
	if err != nil {
		return ledger.Transaction{}, err
	}
	owner, err := ledger.NewOwner(stringField(fields, fieldUserID), "", "")
	if err != nil {
		return ledger.Transaction{}, err
	}
	transactionType, err := ledger.ParseTransactionType(stringField(fields, fieldType))
	if err != nil {
		return ledger.Transaction{}, err
	}
	transactionStatus, err := ledger.ParseTransactionStatus(stringField(fields, "status"))
	if err != nil {
		return ledger.Transaction{}, err
	}
	createdAt, err := time.Parse(time.RFC3339Nano, stringField(fields, "createdAt"))
	if err != nil {
		return ledger.Transaction{}, fmt.Errorf("parse transaction time: %w", err)
	}
	metadata := ledger.Metadata{}
	if nested := fields.GetFields()[fieldMetadata].GetStructValue(); nested != nil {
		metadata = ledger.Metadata(nested.AsMap())
	}
	return ledger.Transaction{
		ID:            transactionID,
		Owner:         owner,
		Type:          transactionType,
		Amount:        numberField(fields, fieldAmount),
		BalanceBefore: numberField(fields, "balanceBefore"),
		BalanceAfter:  numberField(fields, "balanceAfter"),
		Status:        transactionStatus,
		Metadata:      metadata,
		CreatedAt:     createdAt,
		UpdatedAt:     createdAt,
	}, nil
}
