package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/vibast-solutions/ms-go-order-payments/app/entity"
)

const (
	KeyVNPay  = "vnpay"
	KeyMoMo   = "momo"
	KeyPayPal = "paypal"
	KeyStripe = "stripe"
)

var (
	ErrUnsupportedProvider  = errors.New("provider is not supported")
	ErrInvalidOrderAmount   = errors.New("invalid order amount")
	ErrGatewayRejected      = errors.New("gateway rejected the request")
	ErrGatewayUnreachable   = errors.New("gateway unreachable")
	ErrGatewayNotConfigured = errors.New("gateway is not configured")
)

const MessageInvalidSignature = "Invalid signature"

type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusCanceled  Status = "canceled"
	StatusFailed    Status = "failed"
	StatusIgnored   Status = "ignored"
)

// Reason says why an outcome is not a plain provider verdict.
type Reason string

const (
	ReasonNone                  Reason = ""
	ReasonSignatureInvalid      Reason = "signature_invalid"
	ReasonMalformed             Reason = "malformed"
	ReasonUnsupportedEvent      Reason = "unsupported_event"
	ReasonOrderReferenceMissing Reason = "order_reference_missing"
	ReasonGatewayUnreachable    Reason = "gateway_unreachable"
	ReasonNotConfigured         Reason = "not_configured"
	ReasonUnverified            Reason = "unverified"
	// ReasonPending marks a verified attempt the provider has not settled yet.
	// Such outcomes are ignored so the pending ledger row stays open.
	ReasonPending Reason = "pending"
)

// Outcome is the canonical reading of a return or webhook payload.
type Outcome struct {
	Gateway string
	Status  Status
	Reason  Reason
	Message string

	OrderID       uint64
	OrderRef      string
	TransactionID string
	EventID       string
	EventType     string

	Amount   decimal.Decimal
	Currency string

	// Verified is set once a signature check or a provider API lookup vouched
	// for the payload.
	Verified   bool
	RawPayload string
}

func (o *Outcome) HasOrder() bool {
	return o != nil && o.OrderID > 0
}

type CreateInput struct {
	Order    *entity.Order
	ClientIP string
}

type CreateOutput struct {
	RedirectURL string
	// Reference is the provider's identifier for this attempt, when it has one.
	Reference       string
	ChargedAmount   decimal.Decimal
	ChargedCurrency string
	RawPayload      string
}

type WebhookRequest struct {
	Body   []byte
	Query  url.Values
	Header http.Header
}

type Gateway interface {
	Key() string
	CreatePayment(ctx context.Context, input *CreateInput) (*CreateOutput, error)
	HandleReturn(ctx context.Context, query url.Values) *Outcome
	HandleWebhook(ctx context.Context, req *WebhookRequest) *Outcome
}

// StatusChecker is implemented by gateways that can be polled for the state
// of a pending attempt. A nil outcome means the attempt is still open.
type StatusChecker interface {
	CheckStatus(ctx context.Context, reference string) (*Outcome, error)
}

// ReturnVerifier is implemented by gateways whose return handling confirms the
// payment with the provider, making the return outcome as trustworthy as a
// webhook.
type ReturnVerifier interface {
	ReturnIsAuthoritative() bool
}

type Converter interface {
	Convert(ctx context.Context, amount decimal.Decimal, from, to string) (decimal.Decimal, error)
	ToMinorUnits(ctx context.Context, amount decimal.Decimal, from, to string) (int64, error)
}

func payableAmount(input *CreateInput) (decimal.Decimal, error) {
	if input == nil || input.Order == nil || input.Order.ID == 0 {
		return decimal.Zero, fmt.Errorf("%w: order is required", ErrInvalidOrderAmount)
	}
	amount := input.Order.PayableAmount()
	if !amount.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrInvalidOrderAmount, amount.String())
	}
	return amount, nil
}

// parseOrderRef reads "<orderID>" or "<orderID>-<suffix>".
func parseOrderRef(ref string) (uint64, bool) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return 0, false
	}
	head, _, _ := strings.Cut(ref, "-")
	id, err := strconv.ParseUint(head, 10, 64)
	if err != nil || id == 0 {
		return 0, false
	}
	return id, true
}

func invalidSignature(gateway, raw string) *Outcome {
	return &Outcome{
		Gateway:    gateway,
		Status:     StatusFailed,
		Reason:     ReasonSignatureInvalid,
		Message:    MessageInvalidSignature,
		RawPayload: raw,
	}
}

func malformed(gateway, raw string, err error) *Outcome {
	message := "malformed payload"
	if err != nil {
		message = message + ": " + err.Error()
	}
	return &Outcome{
		Gateway:    gateway,
		Status:     StatusFailed,
		Reason:     ReasonMalformed,
		Message:    message,
		RawPayload: raw,
	}
}

// pending reports an open attempt. It carries no verdict for the ledger.
func pending(gateway, message string) *Outcome {
	return &Outcome{
		Gateway: gateway,
		Status:  StatusIgnored,
		Reason:  ReasonPending,
		Message: message,
	}
}

func notConfigured(gateway string) *Outcome {
	return &Outcome{
		Gateway: gateway,
		Status:  StatusFailed,
		Reason:  ReasonNotConfigured,
		Message: gateway + " is not configured",
	}
}

// withOrderRef fills the order fields and downgrades the outcome when the
// reference does not name an order.
func withOrderRef(outcome *Outcome, ref string) *Outcome {
	outcome.OrderRef = strings.TrimSpace(ref)
	if id, ok := parseOrderRef(ref); ok {
		outcome.OrderID = id
		return outcome
	}
	outcome.Status = StatusFailed
	outcome.Reason = ReasonOrderReferenceMissing
	if outcome.Message == "" {
		outcome.Message = "order reference missing"
	}
	return outcome
}
