package ledger

import (
	"context"
	"fmt"
	"strings"
)

// GrantRequest credits tokens that were not paid for.
type GrantRequest struct {
	Owner    Owner
	Amount   TokenAmount
	Reason   string
	Metadata Metadata
	Client   ClientInfo
}

// GrantResult reports a successful credit.
type GrantResult struct {
	TransactionID   TransactionID
	TransactionType TransactionType
	NewBalance      int64
}

// Grant credits the balance, creating it on first touch.
// Metadata carrying adminUserId marks the entry as a manual adjustment.
func (service *Service) Grant(ctx context.Context, request GrantRequest) (GrantResult, error) {
	result, operationError := service.grant(ctx, request)
	service.logOperation(ctx, OperationLog{
		Operation:       operationGrant,
		UserID:          request.Owner.UserID(),
		TransactionID:   result.TransactionID,
		TransactionType: result.TransactionType,
		Amount:          request.Amount.Int64(),
		Balance:         result.NewBalance,
		Metadata:        request.Metadata,
		Error:           operationError,
	})
	return result, operationError
}

func (service *Service) grant(ctx context.Context, request GrantRequest) (GrantResult, error) {
	if _, err := NewTokenAmount(request.Amount.Int64()); err != nil {
		return GrantResult{}, err
	}
	if request.Owner.UserID().IsZero() {
		return GrantResult{}, ErrInvalidUserID
	}
	reason := strings.TrimSpace(request.Reason)
	if reason == "" {
		return GrantResult{}, fmt.Errorf("%w: empty value", ErrInvalidReason)
	}
	if _, err := service.ensureBalance(ctx, request.Owner); err != nil {
		return GrantResult{}, err
	}
	updated, err := service.balances.IncrementBalance(ctx, request.Owner.UserID(), request.Amount, true, service.now())
	if err != nil {
		return GrantResult{}, err
	}

	transactionType := TransactionGrant
	actor := auditActorSystem
	if adminUserID, ok := request.Metadata.StringValue(MetadataKeyAdminUserID); ok {
		transactionType = TransactionManualAdjustment
		actor = adminUserID
	}
	entry := AuditEntry{
		Actor:           actor,
		Target:          request.Owner.UserID(),
		Amount:          request.Amount.Int64(),
		Reason:          reason,
		TransactionType: transactionType,
	}
	input, err := NewTransactionInput(
		request.Owner,
		transactionType,
		request.Amount.Int64(),
		updated.Balance-request.Amount.Int64(),
		updated.Balance,
		TransactionCompleted,
		request.Metadata.With(MetadataKeyReason, reason),
		request.Client,
		service.now(),
	)
	if err != nil {
		entry.Error = err
		service.audit(ctx, entry)
		return GrantResult{}, err
	}
	transaction, err := service.transactions.AppendTransaction(ctx, input)
	if err != nil {
		entry.Error = err
		service.audit(ctx, entry)
		return GrantResult{}, err
	}
	entry.TransactionID = transaction.ID
	service.audit(ctx, entry)
	return GrantResult{
		TransactionID:   transaction.ID,
		TransactionType: transactionType,
		NewBalance:      updated.Balance,
	}, nil
}
