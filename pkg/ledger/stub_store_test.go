package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"
)

const (
	userIDValue          = "user-1"
	otherUserIDValue     = "user-2"
	userTypeValue        = "artist"
	userTypeIDValue      = "artist-1"
	adminUserIDValue     = "admin-7"
	starterPackageValue  = "starter"
	inactivePackageValue = "legacy"
	errorMismatchMessage = "expected %v, got %v"
)

var fixedTime = time.Date(2026, time.January, 2, 3, 4, 5, 0, time.UTC)

// memoryStore is an in-memory BalanceStore, TransactionLog and SummaryReader.
type memoryStore struct {
	mu           sync.Mutex
	balances     map[string]Balance
	transactions []Transaction
	nextID       int

	findBalanceError   error
	createBalanceError error
	incrementError     error
	decrementError     error
	appendError        error
	updateStatusError  error
	summarizeError     error
	forceDecrementMiss bool
}

func newMemoryStore(test *testing.T) *memoryStore {
	test.Helper()
	return &memoryStore{balances: map[string]Balance{}}
}

func (store *memoryStore) FindBalance(_ context.Context, userID UserID) (Balance, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.findBalanceError != nil {
		return Balance{}, store.findBalanceError
	}
	balance, ok := store.balances[userID.String()]
	if !ok {
		return Balance{}, WrapError("store", "balance", "find", ErrBalanceNotFound)
	}
	return balance, nil
}

func (store *memoryStore) CreateBalance(_ context.Context, owner Owner, at time.Time) (Balance, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.createBalanceError != nil {
		return Balance{}, store.createBalanceError
	}
	if existing, ok := store.balances[owner.UserID().String()]; ok {
		return existing, nil
	}
	balance := Balance{Owner: owner, CreatedAt: at, UpdatedAt: at}
	store.balances[owner.UserID().String()] = balance
	return balance, nil
}

func (store *memoryStore) IncrementBalance(_ context.Context, userID UserID, amount TokenAmount, creditsGranted bool, at time.Time) (Balance, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.incrementError != nil {
		return Balance{}, store.incrementError
	}
	balance, ok := store.balances[userID.String()]
	if !ok {
		return Balance{}, ErrBalanceNotFound
	}
	balance.Balance += amount.Int64()
	if creditsGranted {
		balance.TotalGranted += amount.Int64()
	} else {
		balance.TotalPurchased += amount.Int64()
		purchasedAt := at
		balance.LastPurchaseAt = &purchasedAt
	}
	balance.UpdatedAt = at
	store.balances[userID.String()] = balance
	return balance, nil
}

func (store *memoryStore) DecrementBalance(_ context.Context, userID UserID, amount TokenAmount, at time.Time) (Balance, bool, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.decrementError != nil {
		return Balance{}, false, store.decrementError
	}
	balance, ok := store.balances[userID.String()]
	if !ok || balance.Balance < amount.Int64() || store.forceDecrementMiss {
		return Balance{}, false, nil
	}
	balance.Balance -= amount.Int64()
	balance.TotalConsumed += amount.Int64()
	balance.UpdatedAt = at
	store.balances[userID.String()] = balance
	return balance, true, nil
}

func (store *memoryStore) AppendTransaction(_ context.Context, input TransactionInput) (Transaction, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.appendError != nil {
		return Transaction{}, store.appendError
	}
	store.nextID++
	transactionID, err := NewTransactionID(fmt.Sprintf("tx-%04d", store.nextID))
	if err != nil {
		return Transaction{}, err
	}
	transaction := Transaction{
		ID:            transactionID,
		Owner:         input.Owner(),
		Type:          input.Type(),
		Amount:        input.Amount(),
		BalanceBefore: input.BalanceBefore(),
		BalanceAfter:  input.BalanceAfter(),
		Status:        input.Status(),
		Metadata:      input.Metadata().Clone(),
		IPAddress:     input.Client().IPAddress,
		UserAgent:     input.Client().UserAgent,
		CreatedAt:     input.CreatedAt(),
		UpdatedAt:     input.CreatedAt(),
	}
	store.transactions = append(store.transactions, transaction)
	return transaction, nil
}

func (store *memoryStore) FindTransaction(_ context.Context, id TransactionID) (Transaction, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	for _, transaction := range store.transactions {
		if transaction.ID == id {
			return transaction, nil
		}
	}
	return Transaction{}, ErrTransactionNotFound
}

func (store *memoryStore) ListTransactions(_ context.Context, userID UserID, filter TransactionFilter) ([]Transaction, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	matching := make([]Transaction, 0)
	for index := len(store.transactions) - 1; index >= 0; index-- {
		transaction := store.transactions[index]
		if transaction.Owner.UserID() != userID {
			continue
		}
		if transactionType, ok := filter.Type(); ok && transaction.Type != transactionType {
			continue
		}
		matching = append(matching, transaction)
	}
	if filter.Offset() >= len(matching) {
		return []Transaction{}, nil
	}
	matching = matching[filter.Offset():]
	if len(matching) > filter.Limit() {
		matching = matching[:filter.Limit()]
	}
	return matching, nil
}

func (store *memoryStore) UpdateTransactionStatus(_ context.Context, id TransactionID, status TransactionStatus, metadata Metadata, at time.Time) (Transaction, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.updateStatusError != nil {
		return Transaction{}, store.updateStatusError
	}
	for index, transaction := range store.transactions {
		if transaction.ID != id {
			continue
		}
		if transaction.Status != TransactionPending {
			return Transaction{}, ErrTransactionFinalized
		}
		transaction.Status = status
		transaction.Metadata = metadata.Clone()
		transaction.UpdatedAt = at
		store.transactions[index] = transaction
		return transaction, nil
	}
	return Transaction{}, ErrTransactionNotFound
}

func (store *memoryStore) Summarize(_ context.Context) (Summary, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.summarizeError != nil {
		return Summary{}, store.summarizeError
	}
	summary := Summary{}
	for _, balance := range store.balances {
		summary.Accounts++
		summary.OutstandingBalance += balance.Balance
		summary.TotalPurchased += balance.TotalPurchased
		summary.TotalConsumed += balance.TotalConsumed
		summary.TotalGranted += balance.TotalGranted
	}
	return summary, nil
}

func (store *memoryStore) balanceOf(test *testing.T, userID UserID) Balance {
	test.Helper()
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.balances[userID.String()]
}

// userTransactions returns a user's rows in insertion order.
func (store *memoryStore) userTransactions(test *testing.T, userID UserID) []Transaction {
	test.Helper()
	store.mu.Lock()
	defer store.mu.Unlock()
	rows := make([]Transaction, 0)
	for _, transaction := range store.transactions {
		if transaction.Owner.UserID() == userID {
			rows = append(rows, transaction)
		}
	}
	sort.SliceStable(rows, func(left, right int) bool { return rows[left].CreatedAt.Before(rows[right].CreatedAt) })
	return rows
}

type stubCatalog struct {
	packages map[string]Package
}

func newStubCatalog(test *testing.T) *stubCatalog {
	test.Helper()
	return &stubCatalog{packages: map[string]Package{
		starterPackageValue: {
			ID:         mustPackageID(test, starterPackageValue),
			Name:       "Starter",
			Tokens:     mustTokenAmount(test, 10),
			PriceCents: 999,
			Currency:   "USD",
			Active:     true,
		},
		inactivePackageValue: {
			ID:         mustPackageID(test, inactivePackageValue),
			Name:       "Legacy",
			Tokens:     mustTokenAmount(test, 50),
			PriceCents: 2999,
			Currency:   "USD",
			Active:     false,
		},
	}}
}

func (catalog *stubCatalog) PackageByID(_ context.Context, id PackageID) (Package, error) {
	tokenPackage, ok := catalog.packages[id.String()]
	if !ok {
		return Package{}, fmt.Errorf("%w: %s", ErrPackageNotFound, id.String())
	}
	return tokenPackage, nil
}

func (catalog *stubCatalog) Packages(_ context.Context) ([]Package, error) {
	packages := make([]Package, 0, len(catalog.packages))
	for _, tokenPackage := range catalog.packages {
		packages = append(packages, tokenPackage)
	}
	sort.Slice(packages, func(left, right int) bool { return packages[left].ID.String() < packages[right].ID.String() })
	return packages, nil
}

type stubGateway struct {
	mu          sync.Mutex
	result      PaymentResult
	err         error
	block       bool
	refundError error
	requests    []PaymentRequest
	refunds     []string
}

func (gateway *stubGateway) ProcessPayment(ctx context.Context, request PaymentRequest) (PaymentResult, error) {
	gateway.mu.Lock()
	gateway.requests = append(gateway.requests, request)
	block := gateway.block
	gateway.mu.Unlock()
	if block {
		<-ctx.Done()
		return PaymentResult{}, ctx.Err()
	}
	return gateway.result, gateway.err
}

func (gateway *stubGateway) RefundPayment(_ context.Context, reference string, _ int64) error {
	gateway.mu.Lock()
	defer gateway.mu.Unlock()
	gateway.refunds = append(gateway.refunds, reference)
	return gateway.refundError
}

func (gateway *stubGateway) PaymentStatus(_ context.Context, reference string) (PaymentState, error) {
	return PaymentState{Reference: reference, Status: "succeeded", AmountCents: 999, Currency: "USD"}, nil
}

type queuedJob struct {
	jobID    string
	userID   UserID
	metadata Metadata
}

type recordingQueue struct {
	mu   sync.Mutex
	jobs []queuedJob
	err  error
}

func (queue *recordingQueue) Enqueue(_ context.Context, jobID string, userID UserID, metadata Metadata) error {
	queue.mu.Lock()
	defer queue.mu.Unlock()
	if queue.err != nil {
		return queue.err
	}
	queue.jobs = append(queue.jobs, queuedJob{jobID: jobID, userID: userID, metadata: metadata})
	return nil
}

func (queue *recordingQueue) snapshot() []queuedJob {
	queue.mu.Lock()
	defer queue.mu.Unlock()
	return append([]queuedJob(nil), queue.jobs...)
}

type recorderLogger struct {
	mu      sync.Mutex
	entries []OperationLog
}

func (logger *recorderLogger) LogOperation(_ context.Context, entry OperationLog) {
	logger.mu.Lock()
	defer logger.mu.Unlock()
	logger.entries = append(logger.entries, entry)
}

type recorderAuditor struct {
	entries []AuditEntry
}

func (auditor *recorderAuditor) LogAudit(_ context.Context, entry AuditEntry) {
	auditor.entries = append(auditor.entries, entry)
}

// tickingClock advances one second per call so created_at orders rows.
func tickingClock() func() time.Time {
	var mu sync.Mutex
	current := fixedTime
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		current = current.Add(time.Second)
		return current
	}
}

func mustNewService(test *testing.T, store *memoryStore, options ...ServiceOption) *Service {
	test.Helper()
	service, err := NewService(store, store, tickingClock(), append([]ServiceOption{WithSummaryReader(store)}, options...)...)
	if err != nil {
		test.Fatalf("service init failed: %v", err)
	}
	return service
}

func mustOwner(test *testing.T, rawUserID string) Owner {
	test.Helper()
	owner, err := NewOwner(rawUserID, userTypeValue, userTypeIDValue)
	if err != nil {
		test.Fatalf("owner init failed: %v", err)
	}
	return owner
}

func mustTokenAmount(test *testing.T, raw int64) TokenAmount {
	test.Helper()
	amount, err := NewTokenAmount(raw)
	if err != nil {
		test.Fatalf("amount init failed: %v", err)
	}
	return amount
}

func mustPackageID(test *testing.T, raw string) PackageID {
	test.Helper()
	packageID, err := NewPackageID(raw)
	if err != nil {
		test.Fatalf("package id init failed: %v", err)
	}
	return packageID
}

func mustGrant(test *testing.T, service *Service, owner Owner, amount int64) GrantResult {
	test.Helper()
	result, err := service.Grant(context.Background(), GrantRequest{
		Owner:  owner,
		Amount: mustTokenAmount(test, amount),
		Reason: "welcome bonus",
	})
	if err != nil {
		test.Fatalf("grant failed: %v", err)
	}
	return result
}

func mustFilter(test *testing.T, limit int, offset int, rawType string) TransactionFilter {
	test.Helper()
	filter, err := NewTransactionFilter(limit, offset, rawType)
	if err != nil {
		test.Fatalf("filter init failed: %v", err)
	}
	return filter
}

// assertLedgerInvariants checks the counter identity and the replay of COMPLETED rows.
func assertLedgerInvariants(test *testing.T, store *memoryStore, userID UserID) {
	test.Helper()
	balance := store.balanceOf(test, userID)
	if !balance.Consistent() {
		test.Fatalf("inconsistent balance counters: %+v", balance)
	}
	var replayed int64
	for _, transaction := range store.userTransactions(test, userID) {
		if transaction.BalanceAfter-transaction.BalanceBefore != transaction.Amount {
			test.Fatalf("transaction %s delta mismatch: %+v", transaction.ID.String(), transaction)
		}
		if transaction.Status == TransactionCompleted {
			replayed += transaction.Amount
		}
	}
	if replayed != balance.Balance {
		test.Fatalf("replayed %d, stored balance %d", replayed, balance.Balance)
	}
}
