package ledger

import "time"

const (
	operationConsume  = "consume"
	operationGrant    = "grant"
	operationPurchase = "purchase"
	operationNotify   = "notify"
	operationRefund   = "refund"

	operationStatusOK    = "ok"
	operationStatusError = "error"

	// LowBalanceThreshold is the remaining balance at or below which a consume enqueues a warning.
	LowBalanceThreshold int64 = 5

	// JobLowBalance is the notification job emitted when a consume leaves few tokens.
	JobLowBalance = "token-low-balance"
	// JobPurchaseConfirmation is the notification job emitted after a settled purchase.
	JobPurchaseConfirmation = "token-purchase-confirmation"

	// Metadata keys written by the service.
	MetadataKeyAdminUserID         = "adminUserId"
	MetadataKeyReason              = "reason"
	MetadataKeyPackageID           = "packageId"
	MetadataKeyTokens              = "tokens"
	MetadataKeyPriceCents          = "priceCents"
	MetadataKeyCurrency            = "currency"
	MetadataKeyPaymentMethod       = "paymentMethod"
	MetadataKeyPaymentReference    = "paymentReference"
	MetadataKeyPaymentConfirmation = "paymentConfirmation"
	MetadataKeyFailureReason       = "failureReason"
	MetadataKeyErrorCode           = "errorCode"
	MetadataKeyTransactionID       = "transactionId"
	MetadataKeyRemainingBalance    = "remainingBalance"
	MetadataKeyThreshold           = "threshold"
	MetadataKeyBalance             = "balance"

	auditActorSystem = "system"

	failureReasonSettlement = "balance settlement failed"
	errorCodeTimeout        = "timeout"
	errorCodeGateway        = "gateway_error"
	errorCodeDeclined       = "declined"

	// DefaultPaymentTimeout bounds a single payment gateway call.
	DefaultPaymentTimeout = 30 * time.Second

	// DefaultTransactionLimit is used when a history query does not set a limit.
	DefaultTransactionLimit = 20
	// MaxTransactionLimit caps a single history page.
	MaxTransactionLimit = 100
)

// purchaseReservedKeys are written only by the purchase flow; caller values are dropped.
var purchaseReservedKeys = []string{
	MetadataKeyAdminUserID,
	MetadataKeyPackageID,
	MetadataKeyTokens,
	MetadataKeyPriceCents,
	MetadataKeyCurrency,
	MetadataKeyPaymentMethod,
	MetadataKeyPaymentReference,
	MetadataKeyPaymentConfirmation,
	MetadataKeyFailureReason,
	MetadataKeyErrorCode,
	MetadataKeyTransactionID,
}
