package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/vibast-solutions/ms-go-order-payments/app/entity"
	"github.com/vibast-solutions/ms-go-order-payments/app/provider"
	"github.com/vibast-solutions/ms-go-order-payments/app/repository"
	"github.com/vibast-solutions/ms-go-order-payments/config"
)

const defaultBatchSize = int32(100)

type createPaymentRequest interface {
	GetOrderId() uint64
	GetProvider() string
	GetClientIp() string
}

type gatewayRegistry interface {
	Get(key string) (provider.Gateway, error)
	Pollable() []string
}

// PaymentInitiation is a started payment attempt.
type PaymentInitiation struct {
	Order       *entity.Order
	Gateway     string
	RedirectURL string
	Transaction *entity.Transaction
}

// OrderPayment is the payment read model of one order.
type OrderPayment struct {
	Order        *entity.Order
	Transactions []*entity.Transaction
}

type PaymentService struct {
	store       store
	gateways    gatewayRegistry
	reconciler  *Reconciler
	paymentsCfg config.PaymentsConfig
	logger      logrus.FieldLogger
	now         func() time.Time
}

func NewPaymentService(
	store store,
	gateways gatewayRegistry,
	notifier paymentNotifier,
	paymentsCfg config.PaymentsConfig,
	logger logrus.FieldLogger,
) *PaymentService {
	return &PaymentService{
		store:       store,
		gateways:    gateways,
		reconciler:  NewReconciler(store, notifier, logger),
		paymentsCfg: paymentsCfg,
		logger:      logger,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func (s *PaymentService) Reconciler() *Reconciler {
	return s.reconciler
}

// CreatePayment asks the gateway for a redirect URL and records the attempt
// as a pending transaction. The gateway call happens before the database
// transaction opens.
func (s *PaymentService) CreatePayment(ctx context.Context, req createPaymentRequest) (*PaymentInitiation, error) {
	if req.GetOrderId() == 0 {
		return nil, fmt.Errorf("%w: order id is required", ErrInvalidRequest)
	}

	gateway, err := s.gateways.Get(req.GetProvider())
	if err != nil {
		return nil, err
	}

	order, err := s.store.Ledger().FindOrder(ctx, req.GetOrderId())
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, ErrOrderNotFound
	}
	if order.IsPaid() {
		return nil, ErrOrderAlreadyPaid
	}
	if order.Status == entity.OrderStatusCancelled {
		return nil, fmt.Errorf("%w: order is cancelled", ErrInvalidRequest)
	}

	out, err := gateway.CreatePayment(ctx, &provider.CreateInput{
		Order:    order,
		ClientIP: strings.TrimSpace(req.GetClientIp()),
	})
	if err != nil {
		return nil, err
	}

	var txn *entity.Transaction
	err = s.store.RunInTx(ctx, func(ctx context.Context, ledger repository.Ledger) error {
		var err error
		txn, err = s.recordPending(ctx, ledger, order, gateway.Key(), out)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{
		"order_id":       order.ID,
		"gateway":        gateway.Key(),
		"transaction_id": txn.ID,
		"reference":      out.Reference,
	}).Info("payment.created")

	return &PaymentInitiation{
		Order:       order,
		Gateway:     gateway.Key(),
		RedirectURL: out.RedirectURL,
		Transaction: txn,
	}, nil
}

func (s *PaymentService) recordPending(ctx context.Context, ledger repository.Ledger, order *entity.Order, gatewayKey string, out *provider.CreateOutput) (*entity.Transaction, error) {
	now := s.now()
	txn, err := ledger.FindPendingTransaction(ctx, order.ID, gatewayKey)
	if err != nil {
		return nil, err
	}

	create := txn == nil
	if create {
		txn = &entity.Transaction{
			OrderID:   order.ID,
			Type:      entity.TransactionTypePayment,
			Gateway:   gatewayKey,
			Status:    entity.TransactionStatusPending,
			CreatedAt: now,
		}
	}

	txn.Amount = order.PayableAmount()
	txn.Currency = order.OrderCurrency()
	if out.ChargedAmount.IsPositive() && out.ChargedCurrency != "" {
		txn.Amount = out.ChargedAmount
		txn.Currency = out.ChargedCurrency
	}
	txn.GatewayTransactionID = nil
	if out.Reference != "" {
		reference := out.Reference
		txn.GatewayTransactionID = &reference
	}
	txn.RawPayload = out.RawPayload
	txn.UpdatedAt = now

	if create {
		err = ledger.CreateTransaction(ctx, txn)
	} else {
		err = ledger.UpdateTransaction(ctx, txn)
	}
	if err != nil {
		return nil, err
	}
	return txn, nil
}

func (s *PaymentService) GetOrderPayment(ctx context.Context, orderID uint64) (*OrderPayment, error) {
	if orderID == 0 {
		return nil, fmt.Errorf("%w: order id is required", ErrInvalidRequest)
	}

	ledger := s.store.Ledger()
	order, err := ledger.FindOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, ErrOrderNotFound
	}

	transactions, err := ledger.ListTransactionsByOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}

	return &OrderPayment{Order: order, Transactions: transactions}, nil
}

func (s *PaymentService) batchSize() int32 {
	if s.paymentsCfg.JobBatchSize > 0 {
		return s.paymentsCfg.JobBatchSize
	}
	return defaultBatchSize
}
