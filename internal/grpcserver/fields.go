package grpcserver

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/MarkoPoloResearchLab/tokenledger/pkg/ledger"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

func stringField(message *structpb.Struct, key string) string {
	return message.GetFields()[key].GetStringValue()
}

// integerField reads a whole number; Struct numbers are doubles on the wire.
func integerField(message *structpb.Struct, key string, sentinel error) (int64, error) {
	value, found := message.GetFields()[key]
	if !found {
		return 0, nil
	}
	if _, isNumber := value.GetKind().(*structpb.Value_NumberValue); !isNumber {
		return 0, fmt.Errorf("%w: %s must be a number", sentinel, key)
	}
	number := value.GetNumberValue()
	if number != math.Trunc(number) || math.Abs(number) > 1<<53 {
		return 0, fmt.Errorf("%w: %s must be a whole number", sentinel, key)
	}
	return int64(number), nil
}

func ownerFromRequest(request *structpb.Struct) (ledger.Owner, error) {
	return ledger.NewOwner(stringField(request, fieldUserID), stringField(request, fieldUserType), stringField(request, fieldUserTypeID))
}

func amountFromRequest(request *structpb.Struct) (ledger.TokenAmount, error) {
	raw, err := integerField(request, fieldAmount, ledger.ErrInvalidTokenAmount)
	if err != nil {
		return 0, err
	}
	return ledger.NewTokenAmount(raw)
}

func metadataFromRequest(request *structpb.Struct) ledger.Metadata {
	nested := request.GetFields()[fieldMetadata].GetStructValue()
	if nested == nil {
		return ledger.Metadata{}
	}
	return ledger.Metadata(nested.AsMap())
}

func clientFromRequest(request *structpb.Struct) ledger.ClientInfo {
	return ledger.ClientInfo{
		IPAddress: stringField(request, fieldIPAddress),
		UserAgent: stringField(request, fieldUserAgent),
	}
}

func newResponse(fields map[string]any) (*structpb.Struct, error) {
	response, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return response, nil
}

func balanceFields(balance ledger.Balance) map[string]any {
	fields := map[string]any{
		fieldUserID:      balance.Owner.UserID().String(),
		fieldUserType:    balance.Owner.UserType(),
		fieldUserTypeID:  balance.Owner.UserTypeID(),
		"balance":        balance.Balance,
		"totalPurchased": balance.TotalPurchased,
		"totalConsumed":  balance.TotalConsumed,
		"totalGranted":   balance.TotalGranted,
	}
	if balance.LastPurchaseAt != nil {
		fields["lastPurchaseAt"] = balance.LastPurchaseAt.UTC().Format(time.RFC3339Nano)
	}
	return fields
}

func transactionFields(transaction ledger.Transaction) map[string]any {
	return map[string]any{
		"id":            transaction.ID.String(),
		fieldUserID:     transaction.Owner.UserID().String(),
		fieldType:       transaction.Type.String(),
		fieldAmount:     transaction.Amount,
		"balanceBefore": transaction.BalanceBefore,
		"balanceAfter":  transaction.BalanceAfter,
		"status":        transaction.Status.String(),
		fieldMetadata:   plainMetadata(transaction.Metadata),
		"createdAt":     transaction.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}

// plainMetadata normalizes metadata to JSON types so it fits a Struct.
func plainMetadata(metadata ledger.Metadata) map[string]any {
	encoded, err := metadata.JSON()
	if err != nil {
		return map[string]any{}
	}
	plain := map[string]any{}
	if err := json.Unmarshal(encoded, &plain); err != nil {
		return map[string]any{}
	}
	return plain
}
