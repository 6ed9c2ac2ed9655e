package gormstore

import (
	"context"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/tokenledger/pkg/ledger"
	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	defaultMetadataJSON      = "{}"
	pgUniqueViolationCode    = "23505"
	sqliteConstraintCode     = 19
	errorOperationStore      = "store"
	errorSubjectBalance      = "balance"
	errorSubjectTransaction  = "transaction"
	errorSubjectSummary      = "summary"
	errorCodeCreate          = "create"
	errorCodeDecrement       = "decrement"
	errorCodeFind            = "find"
	errorCodeIncrement       = "increment"
	errorCodeInsert          = "insert"
	errorCodeInvalid         = "invalid"
	errorCodeList            = "list"
	errorCodeSum             = "sum"
	errorCodeUpdateStatus    = "update_status"
	columnBalance            = "balance"
	columnTotalPurchased     = "total_purchased"
	columnTotalConsumed      = "total_consumed"
	columnTotalGranted       = "total_granted"
	columnLastPurchaseAt     = "last_purchase_at"
	columnUpdatedAt          = "updated_at"
	columnStatus             = "status"
	columnMetadata           = "metadata"
	whereUserID              = "user_id = ?"
	whereTransactionID       = "id = ?"
	whereTransactionIsActive = "id = ? AND status = ?"
)

// Store implements ledger.BalanceStore, ledger.TransactionLog and ledger.SummaryReader using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

func (store *Store) FindBalance(ctx context.Context, userID ledger.UserID) (ledger.Balance, error) {
	var row TokenBalance
	err := store.db.WithContext(ctx).Where(whereUserID, userID.String()).Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ledger.Balance{}, wrapStoreError(errorSubjectBalance, errorCodeFind, ledger.ErrBalanceNotFound)
		}
		return ledger.Balance{}, wrapStoreError(errorSubjectBalance, errorCodeFind, err)
	}
	return mapBalance(row)
}

// CreateBalance inserts a zeroed balance. A concurrent insert for the same user wins and its row is returned.
func (store *Store) CreateBalance(ctx context.Context, owner ledger.Owner, at time.Time) (ledger.Balance, error) {
	row := TokenBalance{
		UserID:     owner.UserID().String(),
		UserType:   owner.UserType(),
		UserTypeID: owner.UserTypeID(),
		CreatedAt:  at.UTC(),
		UpdatedAt:  at.UTC(),
	}
	err := store.db.WithContext(ctx).Create(&row).Error
	if isUniqueViolation(err) {
		return store.FindBalance(ctx, owner.UserID())
	}
	if err != nil {
		return ledger.Balance{}, wrapStoreError(errorSubjectBalance, errorCodeCreate, err)
	}
	return mapBalance(row)
}

// IncrementBalance adds amount in one UPDATE. creditsGranted selects total_granted over total_purchased.
func (store *Store) IncrementBalance(ctx context.Context, userID ledger.UserID, amount ledger.TokenAmount, creditsGranted bool, at time.Time) (ledger.Balance, error) {
	updates := map[string]interface{}{
		columnBalance:   gorm.Expr("balance + ?", amount.Int64()),
		columnUpdatedAt: at.UTC(),
	}
	if creditsGranted {
		updates[columnTotalGranted] = gorm.Expr("total_granted + ?", amount.Int64())
	} else {
		updates[columnTotalPurchased] = gorm.Expr("total_purchased + ?", amount.Int64())
		updates[columnLastPurchaseAt] = at.UTC()
	}
	var row TokenBalance
	err := store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		result := transaction.Model(&TokenBalance{}).Where(whereUserID, userID.String()).Updates(updates)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ledger.ErrBalanceNotFound
		}
		return transaction.Where(whereUserID, userID.String()).Take(&row).Error
	})
	if err != nil {
		return ledger.Balance{}, wrapStoreError(errorSubjectBalance, errorCodeIncrement, err)
	}
	return mapBalance(row)
}

// DecrementBalance subtracts amount only while the balance covers it; applied=false means nothing changed.
func (store *Store) DecrementBalance(ctx context.Context, userID ledger.UserID, amount ledger.TokenAmount, at time.Time) (ledger.Balance, bool, error) {
	var (
		row     TokenBalance
		applied bool
	)
	err := store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		result := transaction.Model(&TokenBalance{}).
			Where("user_id = ? AND balance >= ?", userID.String(), amount.Int64()).
			Updates(map[string]interface{}{
				columnBalance:       gorm.Expr("balance - ?", amount.Int64()),
				columnTotalConsumed: gorm.Expr("total_consumed + ?", amount.Int64()),
				columnUpdatedAt:     at.UTC(),
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return nil
		}
		applied = true
		return transaction.Where(whereUserID, userID.String()).Take(&row).Error
	})
	if err != nil {
		return ledger.Balance{}, false, wrapStoreError(errorSubjectBalance, errorCodeDecrement, err)
	}
	if !applied {
		return ledger.Balance{}, false, nil
	}
	balance, err := mapBalance(row)
	if err != nil {
		return ledger.Balance{}, false, err
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
	row := TokenTransaction{
		UserID:        input.Owner().UserID().String(),
		UserType:      input.Owner().UserType(),
		UserTypeID:    input.Owner().UserTypeID(),
		Type:          input.Type().String(),
		Amount:        input.Amount(),
		BalanceBefore: input.BalanceBefore(),
		BalanceAfter:  input.BalanceAfter(),
		Status:        input.Status().String(),
		Metadata:      datatypesJSON(metadata),
		IPAddress:     input.Client().IPAddress,
		UserAgent:     input.Client().UserAgent,
		CreatedAt:     createdAt,
		UpdatedAt:     createdAt,
	}
	if err := store.db.WithContext(ctx).Create(&row).Error; err != nil {
		return ledger.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeInsert, err)
	}
	return mapTransaction(row)
}

func (store *Store) FindTransaction(ctx context.Context, id ledger.TransactionID) (ledger.Transaction, error) {
	var row TokenTransaction
	err := store.db.WithContext(ctx).Where(whereTransactionID, id.String()).Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ledger.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeFind, ledger.ErrTransactionNotFound)
		}
		return ledger.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeFind, err)
	}
	return mapTransaction(row)
}

func (store *Store) ListTransactions(ctx context.Context, userID ledger.UserID, filter ledger.TransactionFilter) ([]ledger.Transaction, error) {
	query := store.db.WithContext(ctx).Where(whereUserID, userID.String())
	if transactionType, ok := filter.Type(); ok {
		query = query.Where("type = ?", transactionType.String())
	}
	var rows []TokenTransaction
	err := query.
		Order("created_at DESC").
		Order("id DESC").
		Limit(filter.Limit()).
		Offset(filter.Offset()).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}
	transactions := make([]ledger.Transaction, 0, len(rows))
	for _, row := range rows {
		transaction, err := mapTransaction(row)
		if err != nil {
			return nil, err
		}
		transactions = append(transactions, transaction)
	}
	return transactions, nil
}

// UpdateTransactionStatus finalizes a PENDING row. Rows already terminal report ErrTransactionFinalized.
func (store *Store) UpdateTransactionStatus(ctx context.Context, id ledger.TransactionID, status ledger.TransactionStatus, metadata ledger.Metadata, at time.Time) (ledger.Transaction, error) {
	if !status.IsTerminal() {
		return ledger.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeUpdateStatus, ledger.ErrInvalidTransactionStatus)
	}
	encoded, err := metadata.JSON()
	if err != nil {
		return ledger.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
	}
	var row TokenTransaction
	err = store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		result := transaction.Model(&TokenTransaction{}).
			Where(whereTransactionIsActive, id.String(), ledger.TransactionPending.String()).
			Updates(map[string]interface{}{
				columnStatus:    status.String(),
				columnMetadata:  datatypesJSON(encoded),
				columnUpdatedAt: at.UTC(),
			})
		if result.Error != nil {
			return result.Error
		}
		findError := transaction.Where(whereTransactionID, id.String()).Take(&row).Error
		if errors.Is(findError, gorm.ErrRecordNotFound) {
			return ledger.ErrTransactionNotFound
		}
		if findError != nil {
			return findError
		}
		if result.RowsAffected == 0 {
			return ledger.ErrTransactionFinalized
		}
		return nil
	})
	if err != nil {
		return ledger.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeUpdateStatus, err)
	}
	return mapTransaction(row)
}

func (store *Store) Summarize(ctx context.Context) (ledger.Summary, error) {
	var totals balanceTotals
	err := store.db.WithContext(ctx).
		Model(&TokenBalance{}).
		Select("count(*) as accounts, coalesce(sum(balance),0) as outstanding, coalesce(sum(total_purchased),0) as purchased, coalesce(sum(total_consumed),0) as consumed, coalesce(sum(total_granted),0) as granted").
		Scan(&totals).Error
	if err != nil {
		return ledger.Summary{}, wrapStoreError(errorSubjectSummary, errorCodeSum, err)
	}
	return ledger.Summary{
		Accounts:           totals.Accounts,
		OutstandingBalance: totals.Outstanding,
		TotalPurchased:     totals.Purchased,
		TotalConsumed:      totals.Consumed,
		TotalGranted:       totals.Granted,
	}, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}

type balanceTotals struct {
	Accounts    int64
	Outstanding int64
	Purchased   int64
	Consumed    int64
	Granted     int64
}

func mapBalance(row TokenBalance) (ledger.Balance, error) {
	owner, err := ledger.NewOwner(row.UserID, row.UserType, row.UserTypeID)
	if err != nil {
		return ledger.Balance{}, wrapStoreError(errorSubjectBalance, errorCodeInvalid, err)
	}
	var lastPurchaseAt *time.Time
	if row.LastPurchaseAt != nil {
		value := row.LastPurchaseAt.UTC()
		lastPurchaseAt = &value
	}
	return ledger.Balance{
		Owner:          owner,
		Balance:        row.Balance,
		TotalPurchased: row.TotalPurchased,
		TotalConsumed:  row.TotalConsumed,
		TotalGranted:   row.TotalGranted,
		LastPurchaseAt: lastPurchaseAt,
		CreatedAt:      row.CreatedAt.UTC(),
		UpdatedAt:      row.UpdatedAt.UTC(),
	}, nil
}

func mapTransaction(row TokenTransaction) (ledger.Transaction, error) {
	transactionID, err := ledger.NewTransactionID(row.ID)
	if err != nil {
		return ledger.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
	}
	owner, err := ledger.NewOwner(row.UserID, row.UserType, row.UserTypeID)
	if err != nil {
		return ledger.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
	}
	transactionType, err := ledger.ParseTransactionType(row.Type)
	if err != nil {
		return ledger.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
	}
	status, err := ledger.ParseTransactionStatus(row.Status)
	if err != nil {
		return ledger.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
	}
	metadata, err := ledger.NewMetadataFromJSON(row.Metadata)
	if err != nil {
		return ledger.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
	}
	return ledger.Transaction{
		ID:            transactionID,
		Owner:         owner,
		Type:          transactionType,
		Amount:        row.Amount,
		BalanceBefore: row.BalanceBefore,
		BalanceAfter:  row.BalanceAfter,
		Status:        status,
		Metadata:      metadata,
		IPAddress:     row.IPAddress,
		UserAgent:     row.UserAgent,
		CreatedAt:     row.CreatedAt.UTC(),
		UpdatedAt:     row.UpdatedAt.UTC(),
	}, nil
}

func datatypesJSON(raw []byte) datatypes.JSON {
	if len(raw) == 0 {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return datatypes.JSON(raw)
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}
