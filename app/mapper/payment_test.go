package mapper

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/vibast-solutions/ms-go-order-payments/app/entity"
	"github.com/vibast-solutions/ms-go-order-payments/app/provider"
)

func TestOrderPaymentToDTO(t *testing.T) {
	ref := "14226112"
	created := time.Date(2026, 3, 1, 3, 4, 5, 0, time.FixedZone("GMT+7", 7*60*60))
	order := &entity.Order{
		ID:            42,
		TotalAmount:   decimal.NewFromInt(150000),
		PaymentStatus: entity.PaymentStatusPaid,
		Status:        entity.OrderStatusProcessing,
	}
	txns := []*entity.Transaction{{
		ID:                   9,
		OrderID:              42,
		Type:                 entity.TransactionTypePayment,
		Gateway:              provider.KeyVNPay,
		Amount:               decimal.NewFromInt(150000),
		Currency:             "VND",
		Status:               entity.TransactionStatusCompleted,
		GatewayTransactionID: &ref,
		CreatedAt:            created,
	}}

	dto := OrderPaymentToDTO(order, txns)
	if dto.Currency != "VND" || dto.TotalAmount != "150000" {
		t.Fatalf("unexpected totals: %+v", dto)
	}
	if len(dto.Transactions) != 1 {
		t.Fatalf("expected one transaction, got %d", len(dto.Transactions))
	}
	got := dto.Transactions[0]
	if got.GatewayTransactionId != ref || got.GatewayEventId != "" {
		t.Fatalf("unexpected gateway ids: %+v", got)
	}
	if got.CreatedAt != "2026-02-28T20:04:05Z" {
		t.Fatalf("expected UTC timestamp, got %q", got.CreatedAt)
	}
	if got.UpdatedAt != "" {
		t.Fatalf("expected empty zero timestamp, got %q", got.UpdatedAt)
	}
}

func TestPaymentReturnToDTOPrefersStoredOrder(t *testing.T) {
	outcome := &provider.Outcome{Gateway: provider.KeyMoMo, Status: provider.StatusSucceeded, OrderID: 42, Verified: true}

	dto := PaymentReturnToDTO(outcome, &entity.Order{ID: 42, PaymentStatus: entity.PaymentStatusUnpaid}, "")
	if dto.Status != "succeeded" || dto.PaymentStatus != entity.PaymentStatusUnpaid || dto.Decision != "" {
		t.Fatalf("unexpected return dto: %+v", dto)
	}
	if PaymentReturnToDTO(nil, nil, "") != nil {
		t.Fatal("expected nil for nil outcome")
	}
}

func TestPaymentReturnToDTOShowsPendingAttempt(t *testing.T) {
	outcome := &provider.Outcome{Gateway: provider.KeyPayPal, Status: provider.StatusIgnored, Reason: provider.ReasonPending, OrderID: 42, TransactionID: "5O190127TN364715T"}

	dto := PaymentReturnToDTO(outcome, nil, "")
	if dto.Status != "pending" || dto.Verified || dto.TransactionId != "5O190127TN364715T" {
		t.Fatalf("unexpected return dto: %+v", dto)
	}
}
