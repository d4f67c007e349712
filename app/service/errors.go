package service

import (
	"errors"
	"fmt"

	"github.com/vibast-solutions/ms-go-order-payments/app/provider"
)

var (
	ErrInvalidRequest        = errors.New("invalid request")
	ErrOrderNotFound         = errors.New("order not found")
	ErrOrderReferenceMissing = errors.New("order reference missing")
	ErrOrderAlreadyPaid      = errors.New("order is already paid")
	ErrSignatureInvalid      = errors.New("invalid signature")
	ErrUnsupportedEventType  = errors.New("unsupported event type")
	ErrInsufficientInventory = errors.New("insufficient inventory")
	ErrUnverifiedOutcome     = errors.New("outcome is not verified")
	ErrPaymentPending        = errors.New("payment is pending at the provider")
	ErrProviderUnsupported   = provider.ErrUnsupportedProvider
)

// InventoryShortfallError names the first variant that could not cover the
// order.
type InventoryShortfallError struct {
	VariantID uint64
	Requested int64
	Available int64
}

func (e *InventoryShortfallError) Error() string {
	return fmt.Sprintf("%s: variant %d requested %d available %d", ErrInsufficientInventory, e.VariantID, e.Requested, e.Available)
}

func (e *InventoryShortfallError) Unwrap() error {
	return ErrInsufficientInventory
}
