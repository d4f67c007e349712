package entity

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	PaymentStatusUnpaid   = "UNPAID"
	PaymentStatusPaid     = "PAID"
	PaymentStatusRefunded = "REFUNDED"
)

const (
	OrderStatusPendingConfirmation = "PENDING_CONFIRMATION"
	OrderStatusProcessing          = "PROCESSING"
	OrderStatusShipped             = "SHIPPED"
	OrderStatusDelivered           = "DELIVERED"
	OrderStatusCancelled           = "CANCELLED"
)

const DefaultCurrency = "VND"

// Order is owned by the checkout subsystem; this service only moves
// PaymentStatus and advances Status out of PENDING_CONFIRMATION.
type Order struct {
	ID          uint64
	CustomerRef string

	SubTotal       decimal.Decimal
	ShippingFee    decimal.Decimal
	DiscountAmount decimal.Decimal
	TotalAmount    decimal.Decimal
	Currency       string

	PaymentStatus string
	Status        string

	Items []*OrderItem

	CreatedAt time.Time
	UpdatedAt time.Time
}

// PayableAmount is TotalAmount, or items + shipping - discount when the stored
// total is not positive.
func (o *Order) PayableAmount() decimal.Decimal {
	if o.TotalAmount.IsPositive() {
		return o.TotalAmount
	}
	sum := decimal.Zero
	for _, item := range o.Items {
		if item == nil {
			continue
		}
		sum = sum.Add(item.LineTotal())
	}
	if sum.IsZero() {
		sum = o.SubTotal
	}
	return sum.Add(o.ShippingFee).Sub(o.DiscountAmount)
}

func (o *Order) IsPaid() bool {
	return o.PaymentStatus == PaymentStatusPaid
}

func (o *Order) OrderCurrency() string {
	if o.Currency == "" {
		return DefaultCurrency
	}
	return o.Currency
}

type OrderItem struct {
	ID               uint64
	OrderID          uint64
	ProductVariantID uint64
	Quantity         int64
	UnitPrice        decimal.Decimal
}

func (i *OrderItem) LineTotal() decimal.Decimal {
	return i.UnitPrice.Mul(decimal.NewFromInt(i.Quantity))
}

type ProductVariant struct {
	ID               uint64
	ProductID        uint64
	SKU              string
	StockQuantity    int64
	ReservedQuantity int64
	UpdatedAt        time.Time
}
