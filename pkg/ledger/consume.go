package ledger

import "context"

// ConsumeRequest debits tokens for feature usage.
type ConsumeRequest struct {
	Owner    Owner
	Amount   TokenAmount
	Metadata Metadata
	Client   ClientInfo
}

// ConsumeResult reports a successful debit.
type ConsumeResult struct {
	TransactionID    TransactionID
	RemainingBalance int64
}

// Consume debits the balance through the store's conditional decrement.
// A lost race between the read and the decrement surfaces as InsufficientTokensError.
func (service *Service) Consume(ctx context.Context, request ConsumeRequest) (ConsumeResult, error) {
	result, operationError := service.consume(ctx, request)
	service.logOperation(ctx, OperationLog{
		Operation:       operationConsume,
		UserID:          request.Owner.UserID(),
		TransactionID:   result.TransactionID,
		TransactionType: TransactionConsume,
		Amount:          -request.Amount.Int64(),
		Balance:         result.RemainingBalance,
		Metadata:        request.Metadata,
		Error:           operationError,
	})
	return result, operationError
}

func (service *Service) consume(ctx context.Context, request ConsumeRequest) (ConsumeResult, error) {
	if _, err := NewTokenAmount(request.Amount.Int64()); err != nil {
		return ConsumeResult{}, err
	}
	userID := request.Owner.UserID()
	if userID.IsZero() {
		return ConsumeResult{}, ErrInvalidUserID
	}
	current, err := service.balances.FindBalance(ctx, userID)
	if err != nil {
		if isBalanceNotFound(err) {
			return ConsumeResult{}, newInsufficientTokensError(userID, 0, request.Amount)
		}
		return ConsumeResult{}, err
	}
	if current.Balance < request.Amount.Int64() {
		return ConsumeResult{}, newInsufficientTokensError(userID, current.Balance, request.Amount)
	}
	updated, applied, err := service.balances.DecrementBalance(ctx, userID, request.Amount, service.now())
	if err != nil {
		return ConsumeResult{}, err
	}
	if !applied {
		latest := current.Balance
		if refreshed, refreshError := service.balances.FindBalance(ctx, userID); refreshError == nil {
			latest = refreshed.Balance
		}
		return ConsumeResult{}, newInsufficientTokensError(userID, latest, request.Amount)
	}
	input, err := NewTransactionInput(
		request.Owner,
		TransactionConsume,
		-request.Amount.Int64(),
		updated.Balance+request.Amount.Int64(),
		updated.Balance,
		TransactionCompleted,
		request.Metadata,
		request.Client,
		service.now(),
	)
	if err != nil {
		return ConsumeResult{}, err
	}
	transaction, err := service.transactions.AppendTransaction(ctx, input)
	if err != nil {
		return ConsumeResult{}, err
	}
	if updated.Balance > 0 && updated.Balance <= LowBalanceThreshold {
		service.notify(ctx, JobLowBalance, userID, Metadata{
			MetadataKeyRemainingBalance: updated.Balance,
			MetadataKeyThreshold:        LowBalanceThreshold,
			MetadataKeyTransactionID:    transaction.ID.String(),
		})
	}
	return ConsumeResult{
		TransactionID:    transaction.ID,
		RemainingBalance: updated.Balance,
	}, nil
}

func newInsufficientTokensError(userID UserID, current int64, requested TokenAmount) error {
	return &InsufficientTokensError{
		UserID:          userID.String(),
		CurrentBalance:  current,
		RequestedAmount: requested.Int64(),
	}
}
