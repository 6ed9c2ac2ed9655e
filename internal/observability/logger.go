package observability

import (
	"context"
	"strings"

	"github.com/MarkoPoloResearchLab/tokenledger/pkg/ledger"
	"go.uber.org/zap"
)

const (
	logModeProduction  = "production"
	logModeDevelopment = "development"
	auditLoggerName    = "audit"
)

// NewLogger builds a zap logger for the given mode ("production" or "development").
func NewLogger(mode string) (*zap.Logger, error) {
	var config zap.Config
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case logModeDevelopment, "dev":
		config = zap.NewDevelopmentConfig()
	default:
		config = zap.NewProductionConfig()
	}
	return config.Build()
}

// ZapOperationLogger reports ledger operations and audit entries through zap.
type ZapOperationLogger struct {
	logger *zap.Logger
	audit  *zap.Logger
}

// NewZapOperationLogger wraps logger; audit entries go to its "audit" child.
func NewZapOperationLogger(logger *zap.Logger) *ZapOperationLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ZapOperationLogger{logger: logger, audit: logger.Named(auditLoggerName)}
}

// LogOperation implements ledger.OperationLogger.
func (operationLogger *ZapOperationLogger) LogOperation(_ context.Context, entry ledger.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("status", entry.Status),
		zap.String("user_id", entry.UserID.String()),
		zap.Int64("amount", entry.Amount),
		zap.Int64("balance", entry.Balance),
	}
	if transactionID := entry.TransactionID.String(); transactionID != "" {
		fields = append(fields, zap.String("transaction_id", transactionID))
	}
	if entry.TransactionType != "" {
		fields = append(fields, zap.String("transaction_type", entry.TransactionType.String()))
	}
	if len(entry.Metadata) > 0 {
		fields = append(fields, zap.Any("metadata", map[string]any(entry.Metadata)))
	}
	if entry.Error != nil {
		fields = append(fields, zap.Error(entry.Error))
		operationLogger.logger.Warn("ledger operation failed", fields...)
		return
	}
	operationLogger.logger.Info("ledger operation", fields...)
}

// LogAudit implements ledger.AuditLogger.
func (operationLogger *ZapOperationLogger) LogAudit(_ context.Context, entry ledger.AuditEntry) {
	fields := []zap.Field{
		zap.String("actor", entry.Actor),
		zap.String("target_user_id", entry.Target.String()),
		zap.Int64("amount", entry.Amount),
		zap.String("reason", entry.Reason),
		zap.String("transaction_type", entry.TransactionType.String()),
	}
	if entry.Error != nil {
		operationLogger.audit.Error("tokens credited without transaction record", append(fields, zap.Error(entry.Error))...)
		return
	}
	operationLogger.audit.Info("tokens credited", append(fields, zap.String("transaction_id", entry.TransactionID.String()))...)
}
