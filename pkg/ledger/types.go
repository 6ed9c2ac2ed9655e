package ledger

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// UserID identifies a balance owner.
type UserID struct {
	value string
}

// NewUserID validates and normalizes a user id.
func NewUserID(raw string) (UserID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return UserID{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	return UserID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id UserID) String() string {
	return id.value
}

// IsZero reports whether the id was never set.
func (id UserID) IsZero() bool {
	return id.value == ""
}

// Owner is the user a balance belongs to, with its denormalized classification.
type Owner struct {
	userID     UserID
	userType   string
	userTypeID string
}

// NewOwner validates the owner triple. Only the user id is mandatory.
func NewOwner(rawUserID string, userType string, userTypeID string) (Owner, error) {
	userID, err := NewUserID(rawUserID)
	if err != nil {
		return Owner{}, err
	}
	return Owner{
		userID:     userID,
		userType:   strings.TrimSpace(userType),
		userTypeID: strings.TrimSpace(userTypeID),
	}, nil
}

// UserID returns the owner id.
func (owner Owner) UserID() UserID {
	return owner.userID
}

// UserType returns the owner classification (artist, client, ...).
func (owner Owner) UserType() string {
	return owner.userType
}

// UserTypeID returns the id of the owner's typed profile.
func (owner Owner) UserTypeID() string {
	return owner.userTypeID
}

// TokenAmount is a strictly positive token count.
type TokenAmount int64

// NewTokenAmount validates an amount and ensures it is strictly positive.
func NewTokenAmount(raw int64) (TokenAmount, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidTokenAmount)
	}
	return TokenAmount(raw), nil
}

// Int64 exposes the raw amount.
func (amount TokenAmount) Int64() int64 {
	return int64(amount)
}

// TransactionID identifies a ledger entry.
type TransactionID struct {
	value string
}

// NewTransactionID validates and normalizes a transaction id.
func NewTransactionID(raw string) (TransactionID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return TransactionID{}, fmt.Errorf("%w: empty value", ErrInvalidTransactionID)
	}
	return TransactionID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id TransactionID) String() string {
	return id.value
}

// PackageID identifies a purchasable token package.
type PackageID struct {
	value string
}

// NewPackageID validates and normalizes a package id.
func NewPackageID(raw string) (PackageID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return PackageID{}, fmt.Errorf("%w: empty value", ErrInvalidPackageID)
	}
	return PackageID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id PackageID) String() string {
	return id.value
}

// TransactionType enumerates ledger entry kinds.
type TransactionType string

const (
	TransactionPurchase         TransactionType = "PURCHASE"
	TransactionConsume          TransactionType = "CONSUME"
	TransactionGrant            TransactionType = "GRANT"
	TransactionManualAdjustment TransactionType = "MANUAL_ADJUSTMENT"
)

// ParseTransactionType validates a stored or requested transaction type.
func ParseTransactionType(raw string) (TransactionType, error) {
	switch TransactionType(strings.ToUpper(strings.TrimSpace(raw))) {
	case TransactionPurchase:
		return TransactionPurchase, nil
	case TransactionConsume:
		return TransactionConsume, nil
	case TransactionGrant:
		return TransactionGrant, nil
	case TransactionManualAdjustment:
		return TransactionManualAdjustment, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidTransactionType, raw)
	}
}

// String returns the stored representation.
func (transactionType TransactionType) String() string {
	return string(transactionType)
}

// TransactionStatus defines the transaction lifecycle.
type TransactionStatus string

const (
	TransactionPending   TransactionStatus = "PENDING"
	TransactionCompleted TransactionStatus = "COMPLETED"
	TransactionFailed    TransactionStatus = "FAILED"
)

// ParseTransactionStatus validates a stored status.
func ParseTransactionStatus(raw string) (TransactionStatus, error) {
	switch TransactionStatus(strings.ToUpper(strings.TrimSpace(raw))) {
	case TransactionPending:
		return TransactionPending, nil
	case TransactionCompleted:
		return TransactionCompleted, nil
	case TransactionFailed:
		return TransactionFailed, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidTransactionStatus, raw)
	}
}

// String returns the stored representation.
func (status TransactionStatus) String() string {
	return string(status)
}

// IsTerminal reports whether the status can no longer change.
func (status TransactionStatus) IsTerminal() bool {
	return status == TransactionCompleted || status == TransactionFailed
}

// Metadata is the open key/value payload attached to a transaction.
type Metadata map[string]any

// NewMetadataFromJSON decodes a JSON object (empty input yields empty metadata).
func NewMetadataFromJSON(raw []byte) (Metadata, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return Metadata{}, nil
	}
	var decoded map[string]any
	if err := json.Unmarshal(trimmed, &decoded); err != nil {
		return nil, fmt.Errorf("%w: must be a json object", ErrInvalidMetadata)
	}
	return Metadata(decoded), nil
}

// Clone returns a shallow copy that is never nil.
func (metadata Metadata) Clone() Metadata {
	cloned := make(Metadata, len(metadata)+2)
	for key, value := range metadata {
		cloned[key] = value
	}
	return cloned
}

// With returns a copy with key set to value.
func (metadata Metadata) With(key string, value any) Metadata {
	cloned := metadata.Clone()
	cloned[key] = value
	return cloned
}

// Without returns a copy with the given keys removed.
func (metadata Metadata) Without(keys ...string) Metadata {
	cloned := metadata.Clone()
	for _, key := range keys {
		delete(cloned, key)
	}
	return cloned
}

// StringValue returns a non-blank string stored under key.
func (metadata Metadata) StringValue(key string) (string, bool) {
	raw, ok := metadata[key]
	if !ok || raw == nil {
		return "", false
	}
	value, ok := raw.(string)
	if !ok {
		value = fmt.Sprint(raw)
	}
	value = strings.TrimSpace(value)
	return value, value != ""
}

// JSON encodes the metadata as a JSON object.
func (metadata Metadata) JSON() ([]byte, error) {
	if metadata == nil {
		return []byte("{}"), nil
	}
	encoded, err := json.Marshal(map[string]any(metadata))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMetadata, err)
	}
	return encoded, nil
}

// ClientInfo carries request provenance recorded on a transaction.
type ClientInfo struct {
	IPAddress string
	UserAgent string
}

// Balance is the per-user counter record.
type Balance struct {
	Owner          Owner
	Balance        int64
	TotalPurchased int64
	TotalConsumed  int64
	TotalGranted   int64
	LastPurchaseAt *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Consistent reports whether the counters agree with the spendable balance.
func (balance Balance) Consistent() bool {
	return balance.Balance >= 0 && balance.Balance == balance.TotalGranted+balance.TotalPurchased-balance.TotalConsumed
}

// Transaction is one immutable ledger entry.
type Transaction struct {
	ID            TransactionID
	Owner         Owner
	Type          TransactionType
	Amount        int64
	BalanceBefore int64
	BalanceAfter  int64
	Status        TransactionStatus
	Metadata      Metadata
	IPAddress     string
	UserAgent     string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// TransactionInput is a validated transaction ready to be appended.
type TransactionInput struct {
	owner           Owner
	transactionType TransactionType
	amount          int64
	balanceBefore   int64
	balanceAfter    int64
	status          TransactionStatus
	metadata        Metadata
	client          ClientInfo
	createdAt       time.Time
}

// NewTransactionInput validates the entry shape before it reaches storage.
func NewTransactionInput(owner Owner, transactionType TransactionType, amount int64, balanceBefore int64, balanceAfter int64, status TransactionStatus, metadata Metadata, client ClientInfo, createdAt time.Time) (TransactionInput, error) {
	if owner.UserID().IsZero() {
		return TransactionInput{}, fmt.Errorf("%w: missing owner", ErrInvalidUserID)
	}
	if _, err := ParseTransactionType(transactionType.String()); err != nil {
		return TransactionInput{}, err
	}
	if _, err := ParseTransactionStatus(status.String()); err != nil {
		return TransactionInput{}, err
	}
	if status == TransactionPending && transactionType != TransactionPurchase {
		return TransactionInput{}, fmt.Errorf("%w: only purchases start pending", ErrInvalidTransactionStatus)
	}
	if transactionType == TransactionConsume && amount >= 0 {
		return TransactionInput{}, fmt.Errorf("%w: consume amount must be negative", ErrInvalidTransaction)
	}
	if transactionType != TransactionConsume && amount <= 0 {
		return TransactionInput{}, fmt.Errorf("%w: credit amount must be positive", ErrInvalidTransaction)
	}
	if balanceBefore < 0 || balanceAfter < 0 {
		return TransactionInput{}, fmt.Errorf("%w: negative balance snapshot", ErrInvalidTransaction)
	}
	if balanceAfter-balanceBefore != amount {
		return TransactionInput{}, fmt.Errorf("%w: balance delta %d does not match amount %d", ErrInvalidTransaction, balanceAfter-balanceBefore, amount)
	}
	return TransactionInput{
		owner:           owner,
		transactionType: transactionType,
		amount:          amount,
		balanceBefore:   balanceBefore,
		balanceAfter:    balanceAfter,
		status:          status,
		metadata:        metadata.Clone(),
		client:          client,
		createdAt:       createdAt.UTC(),
	}, nil
}

// Owner returns the entry owner.
func (input TransactionInput) Owner() Owner {
	return input.owner
}

// Type returns the entry kind.
func (input TransactionInput) Type() TransactionType {
	return input.transactionType
}

// Amount returns the signed amount.
func (input TransactionInput) Amount() int64 {
	return input.amount
}

// BalanceBefore returns the balance snapshot before the mutation.
func (input TransactionInput) BalanceBefore() int64 {
	return input.balanceBefore
}

// BalanceAfter returns the balance snapshot after the mutation.
func (input TransactionInput) BalanceAfter() int64 {
	return input.balanceAfter
}

// Status returns the initial status.
func (input TransactionInput) Status() TransactionStatus {
	return input.status
}

// Metadata returns the entry metadata.
func (input TransactionInput) Metadata() Metadata {
	return input.metadata
}

// Client returns request provenance.
func (input TransactionInput) Client() ClientInfo {
	return input.client
}

// CreatedAt returns the creation time.
func (input TransactionInput) CreatedAt() time.Time {
	return input.createdAt
}

// TransactionFilter pages through a user's history.
type TransactionFilter struct {
	limit           int
	offset          int
	transactionType TransactionType
}

// NewTransactionFilter validates paging; a blank type means all types.
func NewTransactionFilter(limit int, offset int, rawType string) (TransactionFilter, error) {
	if limit == 0 {
		limit = DefaultTransactionLimit
	}
	if limit < 0 || limit > MaxTransactionLimit {
		return TransactionFilter{}, fmt.Errorf("%w: limit must be between 1 and %d", ErrInvalidPagination, MaxTransactionLimit)
	}
	if offset < 0 {
		return TransactionFilter{}, fmt.Errorf("%w: offset must not be negative", ErrInvalidPagination)
	}
	filter := TransactionFilter{limit: limit, offset: offset}
	if strings.TrimSpace(rawType) != "" {
		transactionType, err := ParseTransactionType(rawType)
		if err != nil {
			return TransactionFilter{}, err
		}
		filter.transactionType = transactionType
	}
	return filter, nil
}

// Limit returns the page size.
func (filter TransactionFilter) Limit() int {
	if filter.limit == 0 {
		return DefaultTransactionLimit
	}
	return filter.limit
}

// Offset returns the number of rows skipped.
func (filter TransactionFilter) Offset() int {
	return filter.offset
}

// Type returns the type restriction, if any.
func (filter TransactionFilter) Type() (TransactionType, bool) {
	return filter.transactionType, filter.transactionType != ""
}

// Package is a purchasable bundle of tokens.
type Package struct {
	ID         PackageID
	Name       string
	Tokens     TokenAmount
	PriceCents int64
	Currency   string
	Active     bool
}

// PaymentDetails is the caller-supplied payment instruction.
type PaymentDetails struct {
	Method string
	Data   map[string]any
}

// PaymentRequest is what the gateway is asked to charge.
type PaymentRequest struct {
	AmountCents int64
	Currency    string
	Method      string
	Data        map[string]any
	Metadata    Metadata
}

// PaymentResult is the gateway verdict for a charge.
type PaymentResult struct {
	Success      bool
	Reference    string
	Method       string
	Confirmation string
	Error        string
	ErrorCode    string
}

// PaymentState is the gateway view of an earlier charge.
type PaymentState struct {
	Reference   string
	Status      string
	AmountCents int64
	Currency    string
}

// Summary aggregates the whole ledger for operators.
type Summary struct {
	Accounts           int64
	OutstandingBalance int64
	TotalPurchased     int64
	TotalConsumed      int64
	TotalGranted       int64
}
