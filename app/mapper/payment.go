package mapper

import (
	"time"

	"github.com/vibast-solutions/ms-go-order-payments/app/entity"
	"github.com/vibast-solutions/ms-go-order-payments/app/provider"
	"github.com/vibast-solutions/ms-go-order-payments/app/types"
)

func TransactionToDTO(item *entity.Transaction) *types.Transaction {
	if item == nil {
		return nil
	}

	return &types.Transaction{
		Id:                   item.ID,
		OrderId:              item.OrderID,
		Type:                 item.Type,
		Gateway:              item.Gateway,
		Amount:               item.Amount.String(),
		Currency:             item.Currency,
		Status:               item.Status,
		GatewayTransactionId: derefString(item.GatewayTransactionID),
		GatewayEventId:       derefString(item.GatewayEventID),
		CreatedAt:            formatTime(item.CreatedAt),
		UpdatedAt:            formatTime(item.UpdatedAt),
	}
}

func TransactionsToDTO(items []*entity.Transaction) []*types.Transaction {
	result := make([]*types.Transaction, 0, len(items))
	for _, item := range items {
		result = append(result, TransactionToDTO(item))
	}
	return result
}

func OrderPaymentToDTO(order *entity.Order, transactions []*entity.Transaction) *types.OrderPayment {
	if order == nil {
		return nil
	}

	return &types.OrderPayment{
		OrderId:       order.ID,
		PaymentStatus: order.PaymentStatus,
		Status:        order.Status,
		TotalAmount:   order.PayableAmount().String(),
		Currency:      order.OrderCurrency(),
		Transactions:  TransactionsToDTO(transactions),
	}
}

// PaymentReturnToDTO renders a return outcome. decision is empty when the
// outcome was display-only.
func PaymentReturnToDTO(outcome *provider.Outcome, order *entity.Order, decision string) *types.PaymentReturn {
	if outcome == nil {
		return nil
	}

	dto := &types.PaymentReturn{
		Provider:      outcome.Gateway,
		Status:        returnStatus(outcome),
		Message:       outcome.Message,
		Verified:      outcome.Verified,
		OrderId:       outcome.OrderID,
		TransactionId: outcome.TransactionID,
		Decision:      decision,
	}
	if order != nil {
		dto.OrderId = order.ID
		dto.PaymentStatus = order.PaymentStatus
	}
	return dto
}

func returnStatus(outcome *provider.Outcome) string {
	if outcome.Reason == provider.ReasonPending {
		return string(provider.ReasonPending)
	}
	return string(outcome.Status)
}

func derefString(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
