package pgstore

import (
	"context"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/tokenledger/pkg/ledger"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const (
	pgUniqueViolationCode   = "23505"
	errorOperationStore     = "store"
	errorSubjectBalance     = "balance"
	errorSubjectTransaction = "transaction"
	errorSubjectSummary     = "summary"
	errorSubjectSchema      = "schema"
	errorCodeCreate         = "create"
	errorCodeDecrement      = "decrement"
	errorCodeFind           = "find"
	errorCodeIncrement      = "increment"
	errorCodeInsert         = "insert"
	errorCodeInvalid        = "invalid"
	errorCodeList           = "list"
	errorCodeMigrate        = "migrate"
	errorCodeSum            = "sum"
	errorCodeUpdateStatus   = "update_status"

	balanceColumns = `
		user_id, user_type, user_type_id, balance, total_purchased, total_consumed, total_granted,
		last_purchase_at, created_at, updated_at
	`

	transactionColumns = `
		id::text, user_id, user_type, user_type_id, type, amount, balance_before, balance_after,
		status, coalesce(metadata::text,'{}'), ip_address, user_agent, created_at, updated_at
	`

	sqlSelectBalance = `select ` + balanceColumns + ` from token_balances where user_id = $1`

	sqlInsertBalance = `
		insert into token_balances(user_id, user_type, user_type_id, created_at, updated_at)
		values($1, $2, $3, $4, $4)
		on conflict (user_id) do nothing
		returning ` + balanceColumns

	sqlIncrementGranted = `
		update token_balances
		set balance = balance + $2, total_granted = total_granted + $2, updated_at = $3
		where user_id = $1
		returning ` + balanceColumns

	sqlIncrementPurchased = `
		update token_balances
		set balance = balance + $2, total_purchased = total_purchased + $2, last_purchase_at = $3, updated_at = $3
		where user_id = $1
		returning ` + balanceColumns

	sqlDecrement = `
		update token_balances
		set balance = balance - $2, total_consumed = total_consumed + $2, updated_at = $3
		where user_id = $1 and balance >= $2
		returning ` + balanceColumns

	sqlInsertTransaction = `
		insert into token_transactions(
			user_id, user_type, user_type_id, type, amount, balance_before, balance_after,
			status, metadata, ip_address, user_agent, created_at, updated_at
		)
		values($1, $2, $3, $4, $5, $6, $7, $8, $9::jsonb, $10, $11, $12, $12)
		returning ` + transactionColumns

	sqlSelectTransaction = `select ` + transactionColumns + ` from token_transactions where id = $1::uuid`

	sqlListTransactions = `
		select ` + transactionColumns + `
		from token_transactions
		where user_id = $1 and ($2 = '' or type = $2)
		order by created_at desc, id desc
		limit $3 offset $4
	`

	sqlFinalizeTransaction = `
		update token_transactions
		set status = $2, metadata = $3::jsonb, updated_at = $4
		where id = $1::uuid and status = 'PENDING'
		returning ` + transactionColumns

	sqlSummarize = `
		select count(*), coalesce(sum(balance),0), coalesce(sum(total_purchased),0),
			coalesce(sum(total_consumed),0), coalesce(sum(total_granted),0)
		from token_balances
	`
)

// Database is the subset of pgxpool.Pool (or pgx.Tx) the store uses.
type Database interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, arguments ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, arguments ...any) pgx.Row
}

// Store implements ledger.BalanceStore, ledger.TransactionLog and ledger.SummaryReader with pgx.
// Every mutation is one statement, so no explicit transactions are opened.
type Store struct {
	db Database
}

// New returns a Store backed by a pgx pool.
func New(db Database) *Store {
	return &Store{db: db}
}

func (store *Store) FindBalance(ctx context.Context, userID ledger.UserID) (ledger.Balance, error) {
	balance, err := scanBalance(store.db.QueryRow(ctx, sqlSelectBalance, userID.String()))
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Balance{}, wrapStoreError(errorSubjectBalance, errorCodeFind, ledger.ErrBalanceNotFound)
	}
	if err != nil {
		return ledger.Balance{}, wrapStoreError(errorSubjectBalance, errorCodeFind, err)
	}
	return balance, nil
}

func (store *Store) CreateBalance(ctx context.Context, owner ledger.Owner, at time.Time) (ledger.Balance, error) {
	balance, err := scanBalance(store.db.QueryRow(ctx, sqlInsertBalance, owner.UserID().String(), owner.UserType(), owner.UserTypeID(), at.UTC()))
	if errors.Is(err, pgx.ErrNoRows) || isUniqueViolation(err) {
		return store.FindBalance(ctx, owner.UserID())
	}
	if err != nil {
		return ledger.Balance{}, wrapStoreError(errorSubjectBalance, errorCodeCreate, err)
	}
	return balance, nil
}

func (store *Store) IncrementBalance(ctx context.Context, userID ledger.UserID, amount ledger.TokenAmount, creditsGranted bool, at time.Time) (ledger.Balance, error) {
	statement := sqlIncrementPurchased
	if creditsGranted {
		statement = sqlIncrementGranted
	}
	balance, err := scanBalance(store.db.QueryRow(ctx, statement, userID.String(), amount.Int64(), at.UTC()))
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Balance{}, wrapStoreError(errorSubjectBalance, errorCodeIncrement, ledger.ErrBalanceNotFound)
	}
	if err != nil {
		return ledger.Balance{}, wrapStoreError(errorSubjectBalance, errorCodeIncrement, err)
	}
	return balance, nil
}

func (store *Store) DecrementBalance(ctx context.Context, userID ledger.UserID, amount ledger.TokenAmount, at time.Time) (ledger.Balance, bool, error) {
	balance, err := scanBalance(store.db.QueryRow(ctx, sqlDecrement, userID.String(), amount.Int64(), at.UTC()))
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Balance{}, false, nil
	}
	if err != nil {
		return ledger.Balance{}, false, wrapStoreError(errorSubjectBalance, errorCodeDecrement, err)
	}
	return balance, true, nil
}

func (store *Store) AppendTransaction(ctx context.Context, input ledger.TransactionInput) (ledger.Transaction, error) {
	metadata, err := input.Metadata().JSON()
	if err != nil {
		return ledger.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
	}
	createdAt := input.CreatedAt()
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	transaction, err := scanTransaction(store.db.QueryRow(ctx, sqlInsertTransaction,
		input.Owner().UserID().String(),
		input.Owner().UserType(),
		input.Owner().UserTypeID(),
		input.Type().String(),
		input.Amount(),
		input.BalanceBefore(),
		input.BalanceAfter(),
		input.Status().String(),
		string(metadata),
		input.Client().IPAddress,
		input.Client().UserAgent,
		createdAt,
	))
	if err != nil {
		return ledger.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeInsert, err)
	}
	return transaction, nil
}

func (store *Store) FindTransaction(ctx context.Context, id ledger.TransactionID) (ledger.Transaction, error) {
	key, ok := transactionKey(id)
	if !ok {
		return ledger.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeFind, ledger.ErrTransactionNotFound)
	}
	transaction, err := scanTransaction(store.db.QueryRow(ctx, sqlSelectTransaction, key))
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeFind, ledger.ErrTransactionNotFound)
	}
	if err != nil {
		return ledger.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeFind, err)
	}
	return transaction, nil
}

func (store *Store) ListTransactions(ctx context.Context, userID ledger.UserID, filter ledger.TransactionFilter) ([]ledger.Transaction, error) {
	transactionType, _ := filter.Type()
	rows, err := store.db.Query(ctx, sqlListTransactions, userID.String(), transactionType.String(), filter.Limit(), filter.Offset())
	if err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}
	defer rows.Close()

	transactions := make([]ledger.Transaction, 0, filter.Limit())
	for rows.Next() {
		transaction, err := scanTransaction(rows)
		if err != nil {
			return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
		}
		transactions = append(transactions, transaction)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}
	return transactions, nil
}

func (store *Store) UpdateTransactionStatus(ctx context.Context, id ledger.TransactionID, status ledger.TransactionStatus, metadata ledger.Metadata, at time.Time) (ledger.Transaction, error) {
	if !status.IsTerminal() {
		return ledger.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeUpdateStatus, ledger.ErrInvalidTransactionStatus)
	}
	key, ok := transactionKey(id)
	if !ok {
		return ledger.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeUpdateStatus, ledger.ErrTransactionNotFound)
	}
	encoded, err := metadata.JSON()
	if err != nil {
		return ledger.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
	}
	transaction, err := scanTransaction(store.db.QueryRow(ctx, sqlFinalizeTransaction, key, status.String(), string(encoded), at.UTC()))
	if err == nil {
		return transaction, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return ledger.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeUpdateStatus, err)
	}
	if _, findError := store.FindTransaction(ctx, id); findError != nil {
		return ledger.Transaction{}, findError
	}
	return ledger.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeUpdateStatus, ledger.ErrTransactionFinalized)
}

// transactionKey returns the canonical uuid text; ids that are not uuids match no row.
func transactionKey(id ledger.TransactionID) (string, bool) {
	parsed, err := uuid.Parse(id.String())
	if err != nil {
		return "", false
	}
	return parsed.String(), true
}

func (store *Store) Summarize(ctx context.Context) (ledger.Summary, error) {
	var summary ledger.Summary
	err := store.db.QueryRow(ctx, sqlSummarize).Scan(
		&summary.Accounts,
		&summary.OutstandingBalance,
		&summary.TotalPurchased,
		&summary.TotalConsumed,
		&summary.TotalGranted,
	)
	if err != nil {
		return ledger.Summary{}, wrapStoreError(errorSubjectSummary, errorCodeSum, err)
	}
	return summary, nil
}

func scanBalance(row pgx.Row) (ledger.Balance, error) {
	var (
		userIDValue    string
		userType       string
		userTypeID     string
		balance        ledger.Balance
		lastPurchaseAt *time.Time
	)
	err := row.Scan(
		&userIDValue,
		&userType,
		&userTypeID,
		&balance.Balance,
		&balance.TotalPurchased,
		&balance.TotalConsumed,
		&balance.TotalGranted,
		&lastPurchaseAt,
		&balance.CreatedAt,
		&balance.UpdatedAt,
	)
	if err != nil {
		return ledger.Balance{}, err
	}
	owner, err := ledger.NewOwner(userIDValue, userType, userTypeID)
	if err != nil {
		return ledger.Balance{}, wrapStoreError(errorSubjectBalance, errorCodeInvalid, err)
	}
	balance.Owner = owner
	if lastPurchaseAt != nil {
		value := lastPurchaseAt.UTC()
		balance.LastPurchaseAt = &value
	}
	balance.CreatedAt = balance.CreatedAt.UTC()
	balance.UpdatedAt = balance.UpdatedAt.UTC()
	return balance, nil
}

func scanTransaction(row pgx.Row) (ledger.Transaction, error) {
	var (
		idValue       string
		userIDValue   string
		userType      string
		userTypeID    string
		typeValue     string
		statusValue   string
		metadataValue string
		transaction   ledger.Transaction
	)
	err := row.Scan(
		&idValue,
		&userIDValue,
		&userType,
		&userTypeID,
		&typeValue,
		&transaction.Amount,
		&transaction.BalanceBefore,
		&transaction.BalanceAfter,
		&statusValue,
		&metadataValue,
		&transaction.IPAddress,
		&transaction.UserAgent,
		&transaction.CreatedAt,
		&transaction.UpdatedAt,
	)
	if err != nil {
		return ledger.Transaction{}, err
	}
	transactionID, err := ledger.NewTransactionID(idValue)
	if err != nil {
		return ledger.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
	}
	owner, err := ledger.NewOwner(userIDValue, userType, userTypeID)
	if err != nil {
		return ledger.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
	}
	transactionType, err := ledger.ParseTransactionType(typeValue)
	if err != nil {
		return ledger.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
	}
	status, err := ledger.ParseTransactionStatus(statusValue)
	if err != nil {
		return ledger.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
	}
	metadata, err := ledger.NewMetadataFromJSON([]byte(metadataValue))
	if err != nil {
		return ledger.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
	}
	transaction.ID = transactionID
	transaction.Owner = owner
	transaction.Type = transactionType
	transaction.Status = status
	transaction.Metadata = metadata
	transaction.CreatedAt = transaction.CreatedAt.UTC()
	transaction.UpdatedAt = transaction.UpdatedAt.UTC()
	return transaction, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	return false
}
