package repository

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/vibast-solutions/ms-go-order-payments/app/entity"
)

const transactionColumns = `
	id, order_id, type, gateway, amount, currency, status,
	gateway_transaction_id, gateway_event_id, raw_payload, created_at, updated_at
`

type TransactionRepository struct {
	db DBTX
}

func NewTransactionRepository(db DBTX) *TransactionRepository {
	return &TransactionRepository{db: db}
}

func (r *TransactionRepository) CreateTransaction(ctx context.Context, txn *entity.Transaction) error {
	query := `
		INSERT INTO transactions (
			order_id, type, gateway, amount, currency, status,
			gateway_transaction_id, gateway_event_id, raw_payload, created_at, updated_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	result, err := r.db.ExecContext(ctx, query,
		txn.OrderID,
		txn.Type,
		txn.Gateway,
		txn.Amount,
		txn.Currency,
		txn.Status,
		nullableStringValue(txn.GatewayTransactionID),
		nullableStringValue(txn.GatewayEventID),
		txn.RawPayload,
		txn.CreatedAt,
		txn.UpdatedAt,
	)
	if err != nil {
		if isDuplicateEntryError(err) {
			return ErrTransactionAlreadyExists
		}
		return err
	}

	id, err := result.LastInsertId()
	if err != nil {
		return err
	}
	txn.ID = uint64(id)
	return nil
}

func (r *TransactionRepository) UpdateTransaction(ctx context.Context, txn *entity.Transaction) error {
	query := `
		UPDATE transactions SET
			amount = ?,
			currency = ?,
			status = ?,
			gateway_transaction_id = ?,
			gateway_event_id = ?,
			raw_payload = ?,
			updated_at = ?
		WHERE id = ?
	`

	result, err := r.db.ExecContext(ctx, query,
		txn.Amount,
		txn.Currency,
		txn.Status,
		nullableStringValue(txn.GatewayTransactionID),
		nullableStringValue(txn.GatewayEventID),
		txn.RawPayload,
		txn.UpdatedAt,
		txn.ID,
	)
	if err != nil {
		if isDuplicateEntryError(err) {
			return ErrTransactionAlreadyExists
		}
		return err
	}
	return expectAffected(result, ErrTransactionNotFound)
}

// CancelPendingTransaction moves a row to canceled only while it is still
// pending. It reports whether the row changed.
func (r *TransactionRepository) CancelPendingTransaction(ctx context.Context, id uint64, at time.Time) (bool, error) {
	query := `UPDATE transactions SET status = ?, updated_at = ? WHERE id = ? AND status = ?`

	result, err := r.db.ExecContext(ctx, query, entity.TransactionStatusCanceled, at, id, entity.TransactionStatusPending)
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// TouchPendingTransaction bumps updated_at of a row that is still pending.
func (r *TransactionRepository) TouchPendingTransaction(ctx context.Context, id uint64, at time.Time) error {
	query := `UPDATE transactions SET updated_at = ? WHERE id = ? AND status = ?`
	_, err := r.db.ExecContext(ctx, query, at, id, entity.TransactionStatusPending)
	return err
}

// FindTransactionByEvent looks a row up by its idempotency key.
func (r *TransactionRepository) FindTransactionByEvent(ctx context.Context, orderID uint64, gateway, eventID string) (*entity.Transaction, error) {
	query := `SELECT ` + transactionColumns + `
		FROM transactions
		WHERE order_id = ? AND gateway = ? AND gateway_event_id = ?
		LIMIT 1
	`
	return r.findOne(ctx, query, orderID, gateway, eventID)
}

// FindPendingTransaction returns the newest pending payment attempt for the
// order on the gateway.
func (r *TransactionRepository) FindPendingTransaction(ctx context.Context, orderID uint64, gateway string) (*entity.Transaction, error) {
	query := `SELECT ` + transactionColumns + `
		FROM transactions
		WHERE order_id = ? AND gateway = ? AND type = ? AND status = ?
		ORDER BY id DESC
		LIMIT 1
	`
	return r.findOne(ctx, query, orderID, gateway, entity.TransactionTypePayment, entity.TransactionStatusPending)
}

func (r *TransactionRepository) ListTransactionsByOrder(ctx context.Context, orderID uint64) ([]*entity.Transaction, error) {
	query := `SELECT ` + transactionColumns + `
		FROM transactions
		WHERE order_id = ?
		ORDER BY id ASC
	`
	return r.list(ctx, query, orderID)
}

// ListStalePending returns pending rows on the given gateways that carry a
// provider reference and have not been touched since before.
func (r *TransactionRepository) ListStalePending(ctx context.Context, gateways []string, before time.Time, limit int32) ([]*entity.Transaction, error) {
	if len(gateways) == 0 {
		return []*entity.Transaction{}, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(gateways)), ", ")
	query := `SELECT ` + transactionColumns + `
		FROM transactions
		WHERE status = ?
		  AND gateway IN (` + placeholders + `)
		  AND gateway_transaction_id IS NOT NULL
		  AND updated_at <= ?
		ORDER BY updated_at ASC
		LIMIT ?
	`

	args := make([]interface{}, 0, len(gateways)+3)
	args = append(args, entity.TransactionStatusPending)
	for _, gateway := range gateways {
		args = append(args, gateway)
	}
	args = append(args, before, limit)

	return r.list(ctx, query, args...)
}

func (r *TransactionRepository) ListExpiredPending(ctx context.Context, cutoff time.Time, limit int32) ([]*entity.Transaction, error) {
	query := `SELECT ` + transactionColumns + `
		FROM transactions
		WHERE status = ?
		  AND created_at <= ?
		ORDER BY created_at ASC
		LIMIT ?
	`
	return r.list(ctx, query, entity.TransactionStatusPending, cutoff, limit)
}

func (r *TransactionRepository) findOne(ctx context.Context, query string, args ...interface{}) (*entity.Transaction, error) {
	txn := &entity.Transaction{}
	if err := scanTransaction(r.db.QueryRowContext(ctx, query, args...), txn); errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	return txn, nil
}

func (r *TransactionRepository) list(ctx context.Context, query string, args ...interface{}) ([]*entity.Transaction, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]*entity.Transaction, 0)
	for rows.Next() {
		txn := &entity.Transaction{}
		if err := scanTransaction(rows, txn); err != nil {
			return nil, err
		}
		items = append(items, txn)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return items, nil
}

func scanTransaction(scan rowScanner, txn *entity.Transaction) error {
	var gatewayTransactionID sql.NullString
	var gatewayEventID sql.NullString
	var rawPayload sql.NullString

	err := scan.Scan(
		&txn.ID,
		&txn.OrderID,
		&txn.Type,
		&txn.Gateway,
		&txn.Amount,
		&txn.Currency,
		&txn.Status,
		&gatewayTransactionID,
		&gatewayEventID,
		&rawPayload,
		&txn.CreatedAt,
		&txn.UpdatedAt,
	)
	if err != nil {
		return err
	}

	txn.GatewayTransactionID = stringPtrFromNull(gatewayTransactionID)
	txn.GatewayEventID = stringPtrFromNull(gatewayEventID)
	txn.RawPayload = rawPayload.String
	return nil
}
