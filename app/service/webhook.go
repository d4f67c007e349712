package service

import (
	"context"
	"net/url"

	"github.com/sirupsen/logrus"
	"github.com/vibast-solutions/ms-go-order-payments/app/entity"
	"github.com/vibast-solutions/ms-go-order-payments/app/provider"
)

// ReturnResult is what the return page renders. Result is set only when the
// gateway's return is authoritative and was handed to the Reconciler.
type ReturnResult struct {
	Outcome *provider.Outcome
	Result  *Result
	Order   *entity.Order
}

// HandleWebhook verifies and normalizes a provider notification and applies it.
func (s *PaymentService) HandleWebhook(ctx context.Context, gatewayKey string, req *provider.WebhookRequest) (*Result, error) {
	gateway, err := s.gateways.Get(gatewayKey)
	if err != nil {
		return nil, err
	}

	outcome := gateway.HandleWebhook(ctx, req)
	if outcome.Gateway == "" {
		outcome.Gateway = gateway.Key()
	}
	return s.reconciler.Apply(ctx, outcome)
}

// HandleReturn interprets a browser redirect. Only gateways that confirm the
// payment with the provider during the return mutate state; for the rest the
// outcome is rendered next to the order's current payment state.
func (s *PaymentService) HandleReturn(ctx context.Context, gatewayKey string, query url.Values) (*ReturnResult, error) {
	gateway, err := s.gateways.Get(gatewayKey)
	if err != nil {
		return nil, err
	}

	outcome := gateway.HandleReturn(ctx, query)
	if outcome.Gateway == "" {
		outcome.Gateway = gateway.Key()
	}
	res := &ReturnResult{Outcome: outcome}

	logger := s.logger.WithFields(logrus.Fields{
		"gateway":   gateway.Key(),
		"order_ref": outcome.OrderRef,
		"status":    string(outcome.Status),
		"reason":    string(outcome.Reason),
		"verified":  outcome.Verified,
	})

	if verifier, ok := gateway.(provider.ReturnVerifier); ok && verifier.ReturnIsAuthoritative() && outcome.Verified {
		result, err := s.reconciler.Apply(ctx, outcome)
		if err != nil {
			return nil, err
		}
		res.Result = result
		res.Order = result.Order
		logger = logger.WithField("decision", string(result.Decision))
	}

	if res.Order == nil && outcome.HasOrder() {
		order, err := s.store.Ledger().FindOrder(ctx, outcome.OrderID)
		if err != nil {
			return nil, err
		}
		res.Order = order
	}
	if res.Order != nil {
		logger = logger.WithField("order_id", res.Order.ID).WithField("payment_status", res.Order.PaymentStatus)
	}

	logger.Info("payment_return.processed")
	return res, nil
}
