package ledger

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the ledger service.
var (
	ErrInsufficientTokens       = errors.New("insufficient tokens")
	ErrPackageNotFound          = errors.New("package not found")
	ErrPaymentFailed            = errors.New("payment failed")
	ErrBalanceNotFound          = errors.New("balance not found")
	ErrTransactionNotFound      = errors.New("transaction not found")
	ErrTransactionFinalized     = errors.New("transaction already finalized")
	ErrInvalidUserID            = errors.New("invalid user id")
	ErrInvalidTransactionID     = errors.New("invalid transaction id")
	ErrInvalidPackageID         = errors.New("invalid package id")
	ErrInvalidTokenAmount       = errors.New("invalid token amount")
	ErrInvalidTransactionType   = errors.New("invalid transaction type")
	ErrInvalidTransactionStatus = errors.New("invalid transaction status")
	ErrInvalidTransaction       = errors.New("invalid transaction")
	ErrInvalidReason            = errors.New("invalid reason")
	ErrInvalidPagination        = errors.New("invalid pagination")
	ErrInvalidMetadata          = errors.New("invalid metadata")
	ErrInvalidServiceConfig     = errors.New("invalid service config")
)

// InsufficientTokensError reports a consume that the balance could not cover.
type InsufficientTokensError struct {
	UserID          string
	CurrentBalance  int64
	RequestedAmount int64
}

// Error returns the formatted error message.
func (insufficientError *InsufficientTokensError) Error() string {
	return fmt.Sprintf("%v: user %s has %d, requested %d", ErrInsufficientTokens, insufficientError.UserID, insufficientError.CurrentBalance, insufficientError.RequestedAmount)
}

// Is matches ErrInsufficientTokens.
func (insufficientError *InsufficientTokensError) Is(target error) bool {
	return target == ErrInsufficientTokens
}

// PaymentFailureError reports a purchase whose payment did not go through.
// The FAILED transaction row is the durable record.
type PaymentFailureError struct {
	TransactionID string
	Reason        string
	Code          string
}

// Error returns the formatted error message.
func (failureError *PaymentFailureError) Error() string {
	if failureError.Code == "" {
		return fmt.Sprintf("%v: %s", ErrPaymentFailed, failureError.Reason)
	}
	return fmt.Sprintf("%v: %s (%s)", ErrPaymentFailed, failureError.Reason, failureError.Code)
}

// Is matches ErrPaymentFailed.
func (failureError *PaymentFailureError) Is(target error) bool {
	return target == ErrPaymentFailed
}

// OperationError wraps a failure with a stable operation code.
type OperationError struct {
	operation string
	subject   string
	code      string
	err       error
}

// Error returns the formatted error message.
func (operationError OperationError) Error() string {
	return fmt.Sprintf("%s.%s.%s: %v", operationError.operation, operationError.subject, operationError.code, operationError.err)
}

// Unwrap returns the underlying error.
func (operationError OperationError) Unwrap() error {
	return operationError.err
}

// Operation returns the operation segment.
func (operationError OperationError) Operation() string {
	return operationError.operation
}

// Subject returns the subject segment.
func (operationError OperationError) Subject() string {
	return operationError.subject
}

// Code returns the stable error code segment.
func (operationError OperationError) Code() string {
	return operationError.code
}

// WrapError wraps an error with operation, subject, and code metadata.
func WrapError(operation string, subject string, code string, err error) error {
	if err == nil {
		return nil
	}
	return OperationError{
		operation: operation,
		subject:   subject,
		code:      code,
		err:       err,
	}
}
