package ledger

import (
	"context"
	"fmt"
	"strings"
)

// Balance returns the stored balance, or a zero balance for users never touched by the ledger.
func (service *Service) Balance(ctx context.Context, owner Owner) (Balance, error) {
	balance, err := service.balances.FindBalance(ctx, owner.UserID())
	if err == nil {
		return balance, nil
	}
	if isBalanceNotFound(err) {
		return Balance{Owner: owner}, nil
	}
	return Balance{}, err
}

// Transactions lists a user's history, newest first.
func (service *Service) Transactions(ctx context.Context, userID UserID, filter TransactionFilter) ([]Transaction, error) {
	if userID.IsZero() {
		return nil, ErrInvalidUserID
	}
	return service.transactions.ListTransactions(ctx, userID, filter)
}

// Transaction returns one entry owned by userID.
func (service *Service) Transaction(ctx context.Context, userID UserID, id TransactionID) (Transaction, error) {
	transaction, err := service.transactions.FindTransaction(ctx, id)
	if err != nil {
		return Transaction{}, err
	}
	if transaction.Owner.UserID() != userID {
		return Transaction{}, fmt.Errorf("%w: %s", ErrTransactionNotFound, id.String())
	}
	return transaction, nil
}

// Packages lists the purchasable packages.
func (service *Service) Packages(ctx context.Context) ([]Package, error) {
	if service.catalog == nil {
		return nil, fmt.Errorf("%w: package catalog dependency is nil", ErrInvalidServiceConfig)
	}
	packages, err := service.catalog.Packages(ctx)
	if err != nil {
		return nil, err
	}
	active := make([]Package, 0, len(packages))
	for _, tokenPackage := range packages {
		if tokenPackage.Active {
			active = append(active, tokenPackage)
		}
	}
	return active, nil
}

// Summary aggregates every balance for operators.
func (service *Service) Summary(ctx context.Context) (Summary, error) {
	if service.summaries == nil {
		return Summary{}, fmt.Errorf("%w: summary reader dependency is nil", ErrInvalidServiceConfig)
	}
	return service.summaries.Summarize(ctx)
}

// PaymentStatus asks the gateway about an earlier charge.
func (service *Service) PaymentStatus(ctx context.Context, reference string) (PaymentState, error) {
	if service.payments == nil {
		return PaymentState{}, fmt.Errorf("%w: payment gateway dependency is nil", ErrInvalidServiceConfig)
	}
	trimmed := strings.TrimSpace(reference)
	if trimmed == "" {
		return PaymentState{}, fmt.Errorf("%w: empty payment reference", ErrInvalidTransactionID)
	}
	return service.payments.PaymentStatus(ctx, trimmed)
}
