package service

import (
	"context"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/vibast-solutions/ms-go-order-payments/app/provider"
)

// RunReconcileBatch polls providers for pending attempts that have not heard
// back, and feeds verified verdicts to the Reconciler.
func (s *PaymentService) RunReconcileBatch(ctx context.Context) error {
	keys := s.gateways.Pollable()
	if len(keys) == 0 {
		return nil
	}

	now := s.now()
	before := now.Add(-s.paymentsCfg.ReconcileStaleAfter)
	ledger := s.store.Ledger()
	items, err := ledger.ListStalePending(ctx, keys, before, s.batchSize())
	if err != nil {
		return err
	}

	var firstErr error
	for _, txn := range items {
		if txn == nil || txn.GatewayTransactionID == nil || strings.TrimSpace(*txn.GatewayTransactionID) == "" {
			continue
		}

		gateway, err := s.gateways.Get(txn.Gateway)
		if err != nil {
			firstErr = keepFirstErr(firstErr, err)
			continue
		}
		checker, ok := gateway.(provider.StatusChecker)
		if !ok {
			continue
		}

		outcome, err := checker.CheckStatus(ctx, strings.TrimSpace(*txn.GatewayTransactionID))
		if err != nil {
			firstErr = keepFirstErr(firstErr, err)
			continue
		}

		logger := s.logger.WithFields(logrus.Fields{"order_id": txn.OrderID, "transaction_id": txn.ID, "gateway": txn.Gateway})
		if outcome == nil {
			if err := ledger.TouchPendingTransaction(ctx, txn.ID, now); err != nil {
				firstErr = keepFirstErr(firstErr, err)
			}
			continue
		}
		if outcome.OrderID != txn.OrderID {
			logger.WithField("order_ref", outcome.OrderRef).Warn("Reconcile outcome names a different order")
			continue
		}

		result, err := s.reconciler.Apply(ctx, outcome)
		if err != nil {
			firstErr = keepFirstErr(firstErr, err)
			continue
		}
		logger.WithField("decision", string(result.Decision)).Info("payment.reconciled")
	}

	return firstErr
}

// RunExpirePendingBatch cancels attempts that stayed pending past the timeout.
func (s *PaymentService) RunExpirePendingBatch(ctx context.Context) error {
	now := s.now()
	cutoff := now.Add(-s.paymentsCfg.PendingTimeout)
	ledger := s.store.Ledger()
	items, err := ledger.ListExpiredPending(ctx, cutoff, s.batchSize())
	if err != nil {
		return err
	}

	var firstErr error
	for _, txn := range items {
		if txn == nil {
			continue
		}
		changed, err := ledger.CancelPendingTransaction(ctx, txn.ID, now)
		if err != nil {
			firstErr = keepFirstErr(firstErr, err)
			continue
		}
		if changed {
			s.logger.WithFields(logrus.Fields{"order_id": txn.OrderID, "transaction_id": txn.ID, "gateway": txn.Gateway}).Info("payment.expired")
		}
	}

	return firstErr
}

func keepFirstErr(current error, candidate error) error {
	if current != nil {
		return current
	}
	return candidate
}
