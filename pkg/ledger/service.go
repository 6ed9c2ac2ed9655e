package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Service contains the ledger operations over a BalanceStore and a TransactionLog.
type Service struct {
	balances       BalanceStore
	transactions   TransactionLog
	summaries      SummaryReader
	catalog        PackageCatalog
	payments       PaymentGateway
	notifications  NotificationQueue
	nowFn          func() time.Time
	loggers        []OperationLogger
	auditor        AuditLogger
	paymentTimeout time.Duration
}

// NewService wires a Service.
func NewService(balances BalanceStore, transactions TransactionLog, now func() time.Time, options ...ServiceOption) (*Service, error) {
	if balances == nil {
		return nil, fmt.Errorf("%w: balance store dependency is nil", ErrInvalidServiceConfig)
	}
	if transactions == nil {
		return nil, fmt.Errorf("%w: transaction log dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{
		balances:       balances,
		transactions:   transactions,
		nowFn:          now,
		paymentTimeout: DefaultPaymentTimeout,
	}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

func (service *Service) now() time.Time {
	return service.nowFn().UTC()
}

// ensureBalance returns the stored balance, creating a zeroed one on first touch.
func (service *Service) ensureBalance(ctx context.Context, owner Owner) (Balance, error) {
	balance, err := service.balances.FindBalance(ctx, owner.UserID())
	if err == nil {
		return balance, nil
	}
	if !isBalanceNotFound(err) {
		return Balance{}, err
	}
	return service.balances.CreateBalance(ctx, owner, service.now())
}

func isBalanceNotFound(err error) bool {
	return errors.Is(err, ErrBalanceNotFound)
}

func (service *Service) notify(ctx context.Context, jobID string, userID UserID, metadata Metadata) {
	if service.notifications == nil {
		return
	}
	enqueueError := service.notifications.Enqueue(context.WithoutCancel(ctx), jobID, userID, metadata)
	if enqueueError == nil {
		return
	}
	service.logOperation(ctx, OperationLog{
		Operation: operationNotify,
		UserID:    userID,
		Metadata:  metadata.With("jobId", jobID),
		Error:     enqueueError,
	})
}

func (service *Service) audit(ctx context.Context, entry AuditEntry) {
	if service.auditor == nil {
		return
	}
	service.auditor.LogAudit(ctx, entry)
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if len(service.loggers) == 0 {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	for _, logger := range service.loggers {
		logger.LogOperation(ctx, entry)
	}
}
