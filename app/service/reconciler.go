package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/vibast-solutions/ms-go-order-payments/app/entity"
	"github.com/vibast-solutions/ms-go-order-payments/app/provider"
	"github.com/vibast-solutions/ms-go-order-payments/app/repository"
)

type Decision string

const (
	DecisionApplied   Decision = "applied"
	DecisionRecorded  Decision = "recorded"
	DecisionDuplicate Decision = "duplicate"
	DecisionRejected  Decision = "rejected"
	DecisionIgnored   Decision = "ignored"
)

// Result is what the Reconciler did with one outcome. Err carries the cause
// of a rejected or ignored outcome; infrastructure failures are returned as
// errors instead.
type Result struct {
	Decision    Decision
	Err         error
	Outcome     *provider.Outcome
	Order       *entity.Order
	Transaction *entity.Transaction
	Variants    []*entity.ProductVariant
}

type store interface {
	Ledger() repository.Ledger
	RunInTx(ctx context.Context, fn func(ctx context.Context, ledger repository.Ledger) error) error
}

type paymentNotifier interface {
	ProductUpdated(ctx context.Context, variant *entity.ProductVariant) error
	PaymentCompleted(ctx context.Context, order *entity.Order, txn *entity.Transaction) error
	ClearCart(ctx context.Context, customerRef string, orderID uint64) error
}

var errDuplicateEvent = errors.New("duplicate event")

// Reconciler applies verified outcomes to orders, inventory and the
// transaction ledger. Each outcome runs in one database transaction that
// holds the order row lock.
type Reconciler struct {
	store    store
	notifier paymentNotifier
	logger   logrus.FieldLogger
	now      func() time.Time
}

func NewReconciler(store store, notifier paymentNotifier, logger logrus.FieldLogger) *Reconciler {
	return &Reconciler{
		store:    store,
		notifier: notifier,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (r *Reconciler) Apply(ctx context.Context, outcome *provider.Outcome) (*Result, error) {
	if outcome == nil {
		return nil, fmt.Errorf("%w: outcome is required", ErrInvalidRequest)
	}

	logger := r.logger.WithFields(logrus.Fields{
		"gateway":    outcome.Gateway,
		"order_ref":  outcome.OrderRef,
		"event_id":   outcome.EventID,
		"event_type": outcome.EventType,
		"status":     string(outcome.Status),
	})

	switch outcome.Reason {
	case provider.ReasonGatewayUnreachable:
		return nil, fmt.Errorf("%w: %s", provider.ErrGatewayUnreachable, outcome.Message)
	case provider.ReasonNotConfigured:
		return nil, fmt.Errorf("%w: %s", provider.ErrGatewayNotConfigured, outcome.Message)
	}

	if result := screen(outcome, logger); result != nil {
		return result, nil
	}

	result := &Result{Outcome: outcome}
	err := r.store.RunInTx(ctx, func(ctx context.Context, ledger repository.Ledger) error {
		order, err := ledger.LockOrder(ctx, outcome.OrderID)
		if err != nil {
			return err
		}
		if order == nil {
			return ErrOrderNotFound
		}
		result.Order = order

		if outcome.EventID != "" {
			existing, err := ledger.FindTransactionByEvent(ctx, order.ID, outcome.Gateway, outcome.EventID)
			if err != nil {
				return err
			}
			if existing != nil {
				result.Transaction = existing
				return errDuplicateEvent
			}
		}

		if outcome.Status == provider.StatusSucceeded {
			return r.applySuccess(ctx, ledger, order, outcome, result)
		}
		return r.record(ctx, ledger, order, outcome, result)
	})

	var shortfall *InventoryShortfallError
	switch {
	case err == nil:
	case errors.Is(err, errDuplicateEvent):
		result.Decision = DecisionDuplicate
		logger.WithField("order_id", outcome.OrderID).Info("webhooks.payment.duplicate_event")
		return result, nil
	case errors.Is(err, ErrOrderNotFound):
		result.Decision = DecisionRejected
		result.Err = ErrOrderNotFound
		result.Order = nil
		logger.WithField("order_id", outcome.OrderID).Warn("webhooks.payment.order_not_found")
		return result, nil
	case errors.As(err, &shortfall):
		result.Decision = DecisionRejected
		result.Err = err
		logger.WithFields(logrus.Fields{
			"order_id":       outcome.OrderID,
			"transaction_id": outcome.TransactionID,
			"variant_id":     shortfall.VariantID,
			"requested":      shortfall.Requested,
			"available":      shortfall.Available,
		}).Error("webhooks.payment.inventory_shortfall")
		return result, nil
	default:
		return nil, err
	}

	logger = logger.WithField("order_id", result.Order.ID).WithField("transaction_id", result.Transaction.ID)
	if result.Decision == DecisionApplied {
		logger.Info("webhooks.payment.completed")
		r.notify(ctx, result, logger)
	} else {
		logger.Info("webhooks.payment.recorded")
	}
	return result, nil
}

// screen settles outcomes that never reach the ledger.
func screen(outcome *provider.Outcome, logger logrus.FieldLogger) *Result {
	switch {
	case outcome.Reason == provider.ReasonSignatureInvalid:
		logger.Warn("webhooks.payment.invalid_signature")
		return &Result{Decision: DecisionRejected, Err: ErrSignatureInvalid, Outcome: outcome}
	case outcome.Reason == provider.ReasonMalformed:
		logger.WithField("message", outcome.Message).Warn("webhooks.payment.malformed")
		return &Result{Decision: DecisionRejected, Err: fmt.Errorf("%w: %s", ErrInvalidRequest, outcome.Message), Outcome: outcome}
	case outcome.Reason == provider.ReasonPending:
		logger.WithField("transaction_id", outcome.TransactionID).Info("webhooks.payment.still_pending")
		return &Result{Decision: DecisionIgnored, Err: ErrPaymentPending, Outcome: outcome}
	case outcome.Status == provider.StatusIgnored:
		cause := ErrUnsupportedEventType
		if outcome.Reason == provider.ReasonUnverified {
			cause = ErrUnverifiedOutcome
		}
		logger.WithField("reason", string(outcome.Reason)).Info("webhooks.payment.ignored")
		return &Result{Decision: DecisionIgnored, Err: cause, Outcome: outcome}
	case outcome.Reason == provider.ReasonOrderReferenceMissing || !outcome.HasOrder():
		logger.Warn("webhooks.payment.order_not_found")
		return &Result{Decision: DecisionRejected, Err: ErrOrderReferenceMissing, Outcome: outcome}
	case !outcome.Verified:
		logger.Warn("webhooks.payment.unverified")
		return &Result{Decision: DecisionRejected, Err: ErrUnverifiedOutcome, Outcome: outcome}
	}
	return nil
}

type orderLine struct {
	variantID uint64
	quantity  int64
}

// orderLines sums quantities per variant and sorts by variant id so that
// concurrent confirmations lock variants in the same order.
func orderLines(items []*entity.OrderItem) []orderLine {
	totals := make(map[uint64]int64, len(items))
	for _, item := range items {
		if item == nil || item.Quantity <= 0 {
			continue
		}
		totals[item.ProductVariantID] += item.Quantity
	}

	lines := make([]orderLine, 0, len(totals))
	for variantID, quantity := range totals {
		lines = append(lines, orderLine{variantID: variantID, quantity: quantity})
	}
	sort.Slice(lines, func(i, j int) bool { return lines[i].variantID < lines[j].variantID })
	return lines
}

func (r *Reconciler) applySuccess(ctx context.Context, ledger repository.Ledger, order *entity.Order, outcome *provider.Outcome, result *Result) error {
	if order.IsPaid() {
		return errDuplicateEvent
	}

	lines := orderLines(order.Items)
	variants := make([]*entity.ProductVariant, 0, len(lines))
	for _, line := range lines {
		variant, err := ledger.LockVariant(ctx, line.variantID)
		if err != nil {
			return err
		}
		if variant == nil || variant.StockQuantity < line.quantity {
			available := int64(0)
			if variant != nil {
				available = variant.StockQuantity
			}
			return &InventoryShortfallError{VariantID: line.variantID, Requested: line.quantity, Available: available}
		}
		variants = append(variants, variant)
	}

	now := r.now()
	for i, line := range lines {
		variant := variants[i]
		variant.StockQuantity -= line.quantity
		variant.ReservedQuantity -= line.quantity
		if variant.ReservedQuantity < 0 {
			variant.ReservedQuantity = 0
		}
		variant.UpdatedAt = now
		if err := ledger.UpdateVariantStock(ctx, variant); err != nil {
			return err
		}
	}

	txn, err := upsertTransaction(ctx, ledger, order, outcome, entity.TransactionStatusCompleted, now)
	if err != nil {
		return err
	}
	r.checkSettledAmount(txn, outcome)

	order.PaymentStatus = entity.PaymentStatusPaid
	if order.Status == entity.OrderStatusPendingConfirmation {
		order.Status = entity.OrderStatusProcessing
	}
	order.UpdatedAt = now
	if err := ledger.UpdateOrderPaymentState(ctx, order); err != nil {
		return err
	}

	result.Decision = DecisionApplied
	result.Transaction = txn
	result.Variants = variants
	return nil
}

// record stores a canceled or failed verdict. Order and inventory stay as
// they are.
func (r *Reconciler) record(ctx context.Context, ledger repository.Ledger, order *entity.Order, outcome *provider.Outcome, result *Result) error {
	status := entity.TransactionStatusFailed
	if outcome.Status == provider.StatusCanceled {
		status = entity.TransactionStatusCanceled
	}

	txn, err := upsertTransaction(ctx, ledger, order, outcome, status, r.now())
	if err != nil {
		return err
	}

	result.Decision = DecisionRecorded
	result.Transaction = txn
	return nil
}

// upsertTransaction settles the newest pending attempt for the gateway, or
// inserts a row when the attempt was never recorded. A unique key violation
// means a concurrent delivery of the same event won.
func upsertTransaction(ctx context.Context, ledger repository.Ledger, order *entity.Order, outcome *provider.Outcome, status string, now time.Time) (*entity.Transaction, error) {
	txn, err := ledger.FindPendingTransaction(ctx, order.ID, outcome.Gateway)
	if err != nil {
		return nil, err
	}

	create := txn == nil
	if create {
		txn = &entity.Transaction{
			OrderID:   order.ID,
			Type:      entity.TransactionTypePayment,
			Gateway:   outcome.Gateway,
			Amount:    order.PayableAmount(),
			Currency:  order.OrderCurrency(),
			CreatedAt: now,
		}
		if outcome.Amount.IsPositive() && outcome.Currency != "" {
			txn.Amount = outcome.Amount
			txn.Currency = outcome.Currency
		}
	}

	txn.Status = status
	if outcome.TransactionID != "" {
		transactionID := outcome.TransactionID
		txn.GatewayTransactionID = &transactionID
	}
	if outcome.EventID != "" {
		eventID := outcome.EventID
		txn.GatewayEventID = &eventID
	}
	if outcome.RawPayload != "" {
		txn.RawPayload = outcome.RawPayload
	}
	txn.UpdatedAt = now

	if create {
		err = ledger.CreateTransaction(ctx, txn)
	} else {
		err = ledger.UpdateTransaction(ctx, txn)
	}
	if errors.Is(err, repository.ErrTransactionAlreadyExists) {
		return nil, errDuplicateEvent
	}
	if err != nil {
		return nil, err
	}
	return txn, nil
}

// checkSettledAmount compares what the gateway reports against the attempt
// it settles. A mismatch is logged for follow-up; the gateway verdict stands.
func (r *Reconciler) checkSettledAmount(txn *entity.Transaction, outcome *provider.Outcome) {
	if !outcome.Amount.IsPositive() || outcome.Currency == "" {
		return
	}
	if strings.EqualFold(txn.Currency, outcome.Currency) && txn.Amount.Equal(outcome.Amount) {
		return
	}
	r.logger.WithFields(logrus.Fields{
		"gateway":           outcome.Gateway,
		"order_id":          txn.OrderID,
		"transaction_id":    txn.ID,
		"expected_amount":   txn.Amount.String(),
		"expected_currency": txn.Currency,
		"received_amount":   outcome.Amount.String(),
		"received_currency": outcome.Currency,
	}).Warn("webhooks.payment.amount_mismatch")
}

// notify runs after commit. Failures are logged; the ledger is already final.
func (r *Reconciler) notify(ctx context.Context, result *Result, logger logrus.FieldLogger) {
	if r.notifier == nil {
		return
	}
	for _, variant := range result.Variants {
		if err := r.notifier.ProductUpdated(ctx, variant); err != nil {
			logger.WithError(err).WithField("variant_id", variant.ID).Warn("Failed to publish product update")
		}
	}
	if err := r.notifier.PaymentCompleted(ctx, result.Order, result.Transaction); err != nil {
		logger.WithError(err).Warn("Failed to publish payment completion")
	}
	if err := r.notifier.ClearCart(ctx, result.Order.CustomerRef, result.Order.ID); err != nil {
		logger.WithError(err).Warn("Failed to request cart clear")
	}
}
