package grpcserver

import (
	"errors"
	"fmt"

	"github.com/MarkoPoloResearchLab/tokenledger/pkg/ledger"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	errorInsufficientTokens     = "insufficient_tokens"
	errorInvalidUserID          = "invalid_user_id"
	errorInvalidTokenAmount     = "invalid_token_amount"
	errorInvalidReason          = "invalid_reason"
	errorInvalidPagination      = "invalid_pagination"
	errorInvalidTransactionType = "invalid_transaction_type"
	errorInvalidTransactionID   = "invalid_transaction_id"
	errorInvalidMetadata        = "invalid_metadata"
	errorInvalidTransaction     = "invalid_transaction"
	errorTransactionNotFound    = "transaction_not_found"
	errorBalanceNotFound        = "balance_not_found"
	errorServiceMisconfigured   = "service_misconfigured"
)

type errorMapping struct {
	sentinel error
	code     codes.Code
	message  string
}

// errorMappings is consulted in order by both the server and the client.
var errorMappings = []errorMapping{
	{sentinel: ledger.ErrInsufficientTokens, code: codes.FailedPrecondition, message: errorInsufficientTokens},
	{sentinel: ledger.ErrInvalidUserID, code: codes.InvalidArgument, message: errorInvalidUserID},
	{sentinel: ledger.ErrInvalidTokenAmount, code: codes.InvalidArgument, message: errorInvalidTokenAmount},
	{sentinel: ledger.ErrInvalidReason, code: codes.InvalidArgument, message: errorInvalidReason},
	{sentinel: ledger.ErrInvalidPagination, code: codes.InvalidArgument, message: errorInvalidPagination},
	{sentinel: ledger.ErrInvalidTransactionType, code: codes.InvalidArgument, message: errorInvalidTransactionType},
	{sentinel: ledger.ErrInvalidTransactionID, code: codes.InvalidArgument, message: errorInvalidTransactionID},
	{sentinel: ledger.ErrInvalidMetadata, code: codes.InvalidArgument, message: errorInvalidMetadata},
	{sentinel: ledger.ErrInvalidTransaction, code: codes.InvalidArgument, message: errorInvalidTransaction},
	{sentinel: ledger.ErrTransactionNotFound, code: codes.NotFound, message: errorTransactionNotFound},
	{sentinel: ledger.ErrBalanceNotFound, code: codes.NotFound, message: errorBalanceNotFound},
	{sentinel: ledger.ErrInvalidServiceConfig, code: codes.FailedPrecondition, message: errorServiceMisconfigured},
}

func mapToGRPCError(source error) error {
	var insufficientError *ledger.InsufficientTokensError
	if errors.As(source, &insufficientError) {
		return insufficientTokensStatus(insufficientError)
	}
	for _, mapping := range errorMappings {
		if errors.Is(source, mapping.sentinel) {
			return status.Error(mapping.code, mapping.message)
		}
	}
	return status.Error(codes.Internal, source.Error())
}

func insufficientTokensStatus(insufficientError *ledger.InsufficientTokensError) error {
	base := status.New(codes.FailedPrecondition, errorInsufficientTokens)
	detail, err := structpb.NewStruct(map[string]any{
		fieldUserID:          insufficientError.UserID,
		fieldCurrentBalance:  insufficientError.CurrentBalance,
		fieldRequestedAmount: insufficientError.RequestedAmount,
	})
	if err != nil {
		return base.Err()
	}
	detailed, err := base.WithDetails(detail)
	if err != nil {
		return base.Err()
	}
	return detailed.Err()
}

// mapFromGRPCError restores ledger errors from a status returned by the server.
func mapFromGRPCError(source error) error {
	remote, isStatus := status.FromError(source)
	if !isStatus {
		return source
	}
	if remote.Code() == codes.FailedPrecondition && remote.Message() == errorInsufficientTokens {
		return insufficientTokensFromStatus(remote)
	}
	for _, mapping := range errorMappings {
		if remote.Code() == mapping.code && remote.Message() == mapping.message {
			return fmt.Errorf("%w: %s", mapping.sentinel, source.Error())
		}
	}
	return source
}

func insufficientTokensFromStatus(remote *status.Status) error {
	insufficientError := &ledger.InsufficientTokensError{}
	for _, detail := range remote.Details() {
		fields, isStruct := detail.(*structpb.Struct)
		if !isStruct {
			continue
		}
		insufficientError.UserID = stringField(fields, fieldUserID)
		insufficientError.CurrentBalance = int64(fields.GetFields()[fieldCurrentBalance].GetNumberValue())
		insufficientError.RequestedAmount = int64(fields.GetFields()[fieldRequestedAmount].GetNumberValue())
	}
	return insufficientError
}
