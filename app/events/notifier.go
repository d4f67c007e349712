package events

import (
	"context"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/vibast-solutions/ms-go-order-payments/app/entity"
	"github.com/vibast-solutions/ms-go-order-payments/config"
)

type ProductUpdated struct {
	ProductID        uint64    `json:"product_id"`
	VariantID        uint64    `json:"variant_id"`
	SKU              string    `json:"sku,omitempty"`
	StockQuantity    int64     `json:"stock_quantity"`
	ReservedQuantity int64     `json:"reserved_quantity"`
	UpdatedAt        time.Time `json:"updated_at"`
}

type PaymentCompleted struct {
	OrderID              uint64          `json:"order_id"`
	CustomerRef          string          `json:"customer_ref,omitempty"`
	Gateway              string          `json:"gateway"`
	TransactionID        uint64          `json:"transaction_id"`
	GatewayTransactionID string          `json:"gateway_transaction_id,omitempty"`
	Amount               decimal.Decimal `json:"amount"`
	Currency             string          `json:"currency"`
	PaidAt               time.Time       `json:"paid_at"`
}

type CartClear struct {
	CustomerRef string `json:"customer_ref"`
	OrderID     uint64 `json:"order_id"`
}

type Notifier struct {
	publisher Publisher
	topics    config.KafkaConfig
	logger    logrus.FieldLogger
}

func NewNotifier(publisher Publisher, topics config.KafkaConfig, logger logrus.FieldLogger) *Notifier {
	return &Notifier{publisher: publisher, topics: topics, logger: logger}
}

func (n *Notifier) ProductUpdated(ctx context.Context, variant *entity.ProductVariant) error {
	return n.publish(ctx, n.topics.ProductUpdatedTopic, strconv.FormatUint(variant.ProductID, 10), &ProductUpdated{
		ProductID:        variant.ProductID,
		VariantID:        variant.ID,
		SKU:              variant.SKU,
		StockQuantity:    variant.StockQuantity,
		ReservedQuantity: variant.ReservedQuantity,
		UpdatedAt:        variant.UpdatedAt,
	})
}

func (n *Notifier) PaymentCompleted(ctx context.Context, order *entity.Order, txn *entity.Transaction) error {
	event := &PaymentCompleted{
		OrderID:       order.ID,
		CustomerRef:   order.CustomerRef,
		Gateway:       txn.Gateway,
		TransactionID: txn.ID,
		Amount:        txn.Amount,
		Currency:      txn.Currency,
		PaidAt:        txn.UpdatedAt,
	}
	if txn.GatewayTransactionID != nil {
		event.GatewayTransactionID = *txn.GatewayTransactionID
	}
	return n.publish(ctx, n.topics.PaymentEventsTopic, strconv.FormatUint(order.ID, 10), event)
}

// ClearCart asks the cart service to empty the customer's cart. Orders without
// a customer reference are skipped.
func (n *Notifier) ClearCart(ctx context.Context, customerRef string, orderID uint64) error {
	if customerRef == "" {
		return nil
	}
	return n.publish(ctx, n.topics.CartTopic, customerRef, &CartClear{CustomerRef: customerRef, OrderID: orderID})
}

func (n *Notifier) publish(ctx context.Context, topic, key string, payload interface{}) error {
	if topic == "" {
		return nil
	}
	if err := n.publisher.Publish(ctx, topic, key, payload); err != nil {
		n.logger.WithError(err).WithField("topic", topic).Warn("Failed to publish event")
		return err
	}
	return nil
}
