package entity

import (
	"time"

	"github.com/shopspring/decimal"
)

const TransactionTypePayment = "payment"

const (
	TransactionStatusPending   = "pending"
	TransactionStatusCompleted = "completed"
	TransactionStatusCanceled  = "canceled"
	TransactionStatusFailed    = "failed"
)

// Transaction is one ledger row per payment attempt or confirmation.
// (OrderID, Gateway, GatewayEventID) is unique when GatewayEventID is set.
type Transaction struct {
	ID uint64

	OrderID  uint64
	Type     string
	Gateway  string
	Amount   decimal.Decimal
	Currency string
	Status   string

	GatewayTransactionID *string
	GatewayEventID       *string
	RawPayload           string

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (t *Transaction) IsTerminal() bool {
	switch t.Status {
	case TransactionStatusCompleted, TransactionStatusCanceled, TransactionStatusFailed:
		return true
	default:
		return false
	}
}
