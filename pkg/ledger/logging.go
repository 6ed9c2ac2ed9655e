package ledger

import (
	"context"
	"time"
)

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// OperationLogger records domain-level events emitted by Service operations.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// OperationLog describes a state-changing ledger operation.
type OperationLog struct {
	Operation       string
	UserID          UserID
	TransactionID   TransactionID
	TransactionType TransactionType
	Amount          int64
	Balance         int64
	Metadata        Metadata
	Status          string
	Error           error
}

// AuditLogger receives human-auditable records of value created out of nothing.
type AuditLogger interface {
	LogAudit(ctx context.Context, entry AuditEntry)
}

// AuditEntry names who credited whom, how much and why.
// Error is set when the balance was credited but the transaction row could not be written.
type AuditEntry struct {
	Actor           string
	Target          UserID
	Amount          int64
	Reason          string
	TransactionType TransactionType
	TransactionID   TransactionID
	Error           error
}

// WithOperationLogger wires a logger that receives callbacks for every operation.
// Repeated options fan out to every logger.
func WithOperationLogger(logger OperationLogger) ServiceOption {
	return func(service *Service) {
		if logger != nil {
			service.loggers = append(service.loggers, logger)
		}
	}
}

// WithAuditLogger wires the audit trail for grants and manual adjustments.
func WithAuditLogger(auditor AuditLogger) ServiceOption {
	return func(service *Service) {
		service.auditor = auditor
	}
}

// WithPackageCatalog wires the catalog used to resolve purchases.
func WithPackageCatalog(catalog PackageCatalog) ServiceOption {
	return func(service *Service) {
		service.catalog = catalog
	}
}

// WithPaymentGateway wires the gateway charged by purchases.
func WithPaymentGateway(gateway PaymentGateway) ServiceOption {
	return func(service *Service) {
		service.payments = gateway
	}
}

// WithNotificationQueue wires the best-effort notification sink.
func WithNotificationQueue(queue NotificationQueue) ServiceOption {
	return func(service *Service) {
		service.notifications = queue
	}
}

// WithPaymentTimeout bounds the gateway call of a purchase.
func WithPaymentTimeout(timeout time.Duration) ServiceOption {
	return func(service *Service) {
		if timeout > 0 {
			service.paymentTimeout = timeout
		}
	}
}

// WithSummaryReader wires the aggregate reader behind Summary.
func WithSummaryReader(reader SummaryReader) ServiceOption {
	return func(service *Service) {
		service.summaries = reader
	}
}
