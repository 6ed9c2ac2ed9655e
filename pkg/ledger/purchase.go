package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// PurchaseRequest buys a catalog package.
type PurchaseRequest struct {
	Owner     Owner
	PackageID PackageID
	Payment   PaymentDetails
	Metadata  Metadata
	Client    ClientInfo
}

// PurchaseResult reports a settled purchase.
type PurchaseResult struct {
	Balance             Balance
	TransactionID       TransactionID
	PaymentConfirmation string
}

// Purchase records a PENDING entry, charges the gateway, then settles the entry.
// Payment failures leave the balance untouched and the entry FAILED.
func (service *Service) Purchase(ctx context.Context, request PurchaseRequest) (PurchaseResult, error) {
	result, tokens, operationError := service.purchase(ctx, request)
	service.logOperation(ctx, OperationLog{
		Operation:       operationPurchase,
		UserID:          request.Owner.UserID(),
		TransactionID:   result.TransactionID,
		TransactionType: TransactionPurchase,
		Amount:          tokens,
		Balance:         result.Balance.Balance,
		Metadata:        request.Metadata.With(MetadataKeyPackageID, request.PackageID.String()),
		Error:           operationError,
	})
	return result, operationError
}

func (service *Service) purchase(ctx context.Context, request PurchaseRequest) (PurchaseResult, int64, error) {
	if service.catalog == nil {
		return PurchaseResult{}, 0, fmt.Errorf("%w: package catalog dependency is nil", ErrInvalidServiceConfig)
	}
	if service.payments == nil {
		return PurchaseResult{}, 0, fmt.Errorf("%w: payment gateway dependency is nil", ErrInvalidServiceConfig)
	}
	if request.Owner.UserID().IsZero() {
		return PurchaseResult{}, 0, ErrInvalidUserID
	}
	tokenPackage, err := service.resolvePackage(ctx, request.PackageID)
	if err != nil {
		return PurchaseResult{}, 0, err
	}
	tokens := tokenPackage.Tokens.Int64()

	current, err := service.ensureBalance(ctx, request.Owner)
	if err != nil {
		return PurchaseResult{}, tokens, err
	}
	pendingMetadata := request.Metadata.Without(purchaseReservedKeys...)
	pendingMetadata[MetadataKeyPackageID] = tokenPackage.ID.String()
	pendingMetadata[MetadataKeyTokens] = tokens
	pendingMetadata[MetadataKeyPriceCents] = tokenPackage.PriceCents
	pendingMetadata[MetadataKeyCurrency] = tokenPackage.Currency
	pendingMetadata[MetadataKeyPaymentMethod] = request.Payment.Method
	input, err := NewTransactionInput(
		request.Owner,
		TransactionPurchase,
		tokens,
		current.Balance,
		current.Balance+tokens,
		TransactionPending,
		pendingMetadata,
		request.Client,
		service.now(),
	)
	if err != nil {
		return PurchaseResult{}, tokens, err
	}
	pending, err := service.transactions.AppendTransaction(ctx, input)
	if err != nil {
		return PurchaseResult{}, tokens, err
	}

	payment, paymentError := service.charge(ctx, tokenPackage, request, pending)

	// Money may have moved: the settle phase must not be abandoned with the caller.
	settleContext := context.WithoutCancel(ctx)
	if paymentError != nil || !payment.Success {
		failure := describePaymentFailure(payment, paymentError)
		failure.TransactionID = pending.ID.String()
		failedMetadata := pending.Metadata.With(MetadataKeyFailureReason, failure.Reason)
		failedMetadata[MetadataKeyErrorCode] = failure.Code
		if _, markError := service.transactions.UpdateTransactionStatus(settleContext, pending.ID, TransactionFailed, failedMetadata, service.now()); markError != nil {
			return PurchaseResult{TransactionID: pending.ID}, tokens, errors.Join(failure, markError)
		}
		return PurchaseResult{TransactionID: pending.ID}, tokens, failure
	}

	updated, err := service.balances.IncrementBalance(settleContext, request.Owner.UserID(), tokenPackage.Tokens, false, service.now())
	if err != nil {
		return PurchaseResult{TransactionID: pending.ID}, tokens, service.abandonSettlement(settleContext, pending, payment, tokenPackage, err)
	}
	completedMetadata := pending.Metadata.With(MetadataKeyPaymentReference, payment.Reference)
	completedMetadata[MetadataKeyPaymentConfirmation] = payment.Confirmation
	if payment.Method != "" {
		completedMetadata[MetadataKeyPaymentMethod] = payment.Method
	}
	if _, err := service.transactions.UpdateTransactionStatus(settleContext, pending.ID, TransactionCompleted, completedMetadata, service.now()); err != nil {
		return PurchaseResult{Balance: updated, TransactionID: pending.ID}, tokens, err
	}
	service.notify(ctx, JobPurchaseConfirmation, request.Owner.UserID(), Metadata{
		MetadataKeyTransactionID:       pending.ID.String(),
		MetadataKeyPackageID:           tokenPackage.ID.String(),
		MetadataKeyTokens:              tokens,
		MetadataKeyBalance:             updated.Balance,
		MetadataKeyPaymentConfirmation: payment.Confirmation,
	})
	return PurchaseResult{
		Balance:             updated,
		TransactionID:       pending.ID,
		PaymentConfirmation: payment.Confirmation,
	}, tokens, nil
}

func (service *Service) resolvePackage(ctx context.Context, packageID PackageID) (Package, error) {
	if packageID.String() == "" {
		return Package{}, fmt.Errorf("%w: empty value", ErrInvalidPackageID)
	}
	tokenPackage, err := service.catalog.PackageByID(ctx, packageID)
	if err != nil {
		return Package{}, err
	}
	if !tokenPackage.Active || tokenPackage.Tokens <= 0 {
		return Package{}, fmt.Errorf("%w: %s is inactive", ErrPackageNotFound, packageID.String())
	}
	return tokenPackage, nil
}

func (service *Service) charge(ctx context.Context, tokenPackage Package, request PurchaseRequest, pending Transaction) (PaymentResult, error) {
	paymentContext, cancel := context.WithTimeout(ctx, service.paymentTimeout)
	defer cancel()
	return service.payments.ProcessPayment(paymentContext, PaymentRequest{
		AmountCents: tokenPackage.PriceCents,
		Currency:    tokenPackage.Currency,
		Method:      request.Payment.Method,
		Data:        request.Payment.Data,
		Metadata: Metadata{
			MetadataKeyTransactionID: pending.ID.String(),
			MetadataKeyPackageID:     tokenPackage.ID.String(),
			"userId":                 request.Owner.UserID().String(),
		},
	})
}

// abandonSettlement closes a charged purchase whose balance credit failed.
func (service *Service) abandonSettlement(ctx context.Context, pending Transaction, payment PaymentResult, tokenPackage Package, cause error) error {
	failedMetadata := pending.Metadata.With(MetadataKeyFailureReason, failureReasonSettlement)
	failedMetadata[MetadataKeyPaymentReference] = payment.Reference
	_, markError := service.transactions.UpdateTransactionStatus(ctx, pending.ID, TransactionFailed, failedMetadata, service.now())
	refundError := service.payments.RefundPayment(ctx, payment.Reference, tokenPackage.PriceCents)
	if refundError != nil {
		service.logOperation(ctx, OperationLog{
			Operation:     operationRefund,
			UserID:        pending.Owner.UserID(),
			TransactionID: pending.ID,
			Metadata:      failedMetadata,
			Error:         refundError,
		})
	}
	return errors.Join(cause, markError)
}

func describePaymentFailure(result PaymentResult, err error) *PaymentFailureError {
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return &PaymentFailureError{Reason: "payment gateway timed out", Code: errorCodeTimeout}
		}
		return &PaymentFailureError{Reason: err.Error(), Code: errorCodeGateway}
	}
	reason := strings.TrimSpace(result.Error)
	if reason == "" {
		reason = "payment declined"
	}
	code := strings.TrimSpace(result.ErrorCode)
	if code == "" {
		code = errorCodeDeclined
	}
	return &PaymentFailureError{Reason: reason, Code: code}
}
