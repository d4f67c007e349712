package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/vibast-solutions/ms-go-order-payments/app/entity"
)

// Ledger is the set of reads and writes the settlement flow performs against
// orders, variants and transactions.
type Ledger interface {
	FindOrder(ctx context.Context, id uint64) (*entity.Order, error)
	LockOrder(ctx context.Context, id uint64) (*entity.Order, error)
	ListOrderItems(ctx context.Context, orderID uint64) ([]*entity.OrderItem, error)
	UpdateOrderPaymentState(ctx context.Context, order *entity.Order) error

	LockVariant(ctx context.Context, id uint64) (*entity.ProductVariant, error)
	UpdateVariantStock(ctx context.Context, variant *entity.ProductVariant) error

	CreateTransaction(ctx context.Context, txn *entity.Transaction) error
	UpdateTransaction(ctx context.Context, txn *entity.Transaction) error
	CancelPendingTransaction(ctx context.Context, id uint64, at time.Time) (bool, error)
	TouchPendingTransaction(ctx context.Context, id uint64, at time.Time) error
	FindTransactionByEvent(ctx context.Context, orderID uint64, gateway, eventID string) (*entity.Transaction, error)
	FindPendingTransaction(ctx context.Context, orderID uint64, gateway string) (*entity.Transaction, error)
	ListTransactionsByOrder(ctx context.Context, orderID uint64) ([]*entity.Transaction, error)
	ListStalePending(ctx context.Context, gateways []string, before time.Time, limit int32) ([]*entity.Transaction, error)
	ListExpiredPending(ctx context.Context, cutoff time.Time, limit int32) ([]*entity.Transaction, error)
}

type SQLLedger struct {
	*OrderRepository
	*VariantRepository
	*TransactionRepository
}

func NewSQLLedger(db DBTX) *SQLLedger {
	return &SQLLedger{
		OrderRepository:       NewOrderRepository(db),
		VariantRepository:     NewVariantRepository(db),
		TransactionRepository: NewTransactionRepository(db),
	}
}

type Store struct {
	db     *sql.DB
	ledger *SQLLedger
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db, ledger: NewSQLLedger(db)}
}

// Ledger runs each statement in autocommit mode.
func (s *Store) Ledger() Ledger {
	return s.ledger
}

// RunInTx runs fn against a ledger bound to one database transaction. The
// transaction commits when fn returns nil and rolls back otherwise.
func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context, ledger Ledger) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return err
	}

	if err := fn(ctx, NewSQLLedger(tx)); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return errors.Join(err, rbErr)
		}
		return err
	}

	return tx.Commit()
}
