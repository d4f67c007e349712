package provider

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/vibast-solutions/ms-go-order-payments/app/currency"
	"github.com/vibast-solutions/ms-go-order-payments/app/entity"
	"github.com/vibast-solutions/ms-go-order-payments/config"
)

func testConverter() Converter {
	logger, _ := test.NewNullLogger()
	return currency.NewNormalizer(config.CurrencyConfig{
		FallbackRates: map[string]decimal.Decimal{"USD:VND": decimal.NewFromInt(25000)},
	}, nil, nil, logger)
}

type failingRateSource struct{}

func (failingRateSource) Rate(context.Context, string, string) (decimal.Decimal, error) {
	return decimal.Zero, errors.New("rate service returned 502")
}

func testOrder() *entity.Order {
	return &entity.Order{
		ID:            42,
		TotalAmount:   decimal.NewFromInt(150000),
		Currency:      "VND",
		PaymentStatus: entity.PaymentStatusUnpaid,
		Status:        entity.OrderStatusPendingConfirmation,
		Items: []*entity.OrderItem{
			{ID: 1, OrderID: 42, ProductVariantID: 7, Quantity: 3, UnitPrice: decimal.NewFromInt(50000)},
		},
	}
}
