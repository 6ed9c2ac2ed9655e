package ledger

import (
	"context"
	"time"
)

// BalanceStore persists one counter row per user.
// IncrementBalance and DecrementBalance must each be a single atomic statement;
// DecrementBalance is a compare-and-swap that reports applied=false instead of going negative.
type BalanceStore interface {
	FindBalance(ctx context.Context, userID UserID) (Balance, error)
	CreateBalance(ctx context.Context, owner Owner, at time.Time) (Balance, error)
	IncrementBalance(ctx context.Context, userID UserID, amount TokenAmount, creditsGranted bool, at time.Time) (Balance, error)
	DecrementBalance(ctx context.Context, userID UserID, amount TokenAmount, at time.Time) (Balance, bool, error)
}

// TransactionLog is the append-only ledger.
// UpdateTransactionStatus is the only mutation and only moves PENDING rows to a terminal status.
type TransactionLog interface {
	AppendTransaction(ctx context.Context, input TransactionInput) (Transaction, error)
	FindTransaction(ctx context.Context, id TransactionID) (Transaction, error)
	ListTransactions(ctx context.Context, userID UserID, filter TransactionFilter) ([]Transaction, error)
	UpdateTransactionStatus(ctx context.Context, id TransactionID, status TransactionStatus, metadata Metadata, at time.Time) (Transaction, error)
}

// SummaryReader aggregates all balances.
type SummaryReader interface {
	Summarize(ctx context.Context) (Summary, error)
}

// PackageCatalog resolves purchasable packages.
type PackageCatalog interface {
	PackageByID(ctx context.Context, id PackageID) (Package, error)
	Packages(ctx context.Context) ([]Package, error)
}

// PaymentGateway charges and refunds real money.
type PaymentGateway interface {
	ProcessPayment(ctx context.Context, request PaymentRequest) (PaymentResult, error)
	RefundPayment(ctx context.Context, reference string, amountCents int64) error
	PaymentStatus(ctx context.Context, reference string) (PaymentState, error)
}

// NotificationQueue accepts fire-and-forget notification jobs.
type NotificationQueue interface {
	Enqueue(ctx context.Context, jobID string, userID UserID, metadata Metadata) error
}
