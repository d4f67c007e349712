package types

import (
	"errors"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
)

type CreatePaymentRequest struct {
	OrderId  uint64 `json:"order_id"`
	Provider string `json:"provider"`
	ClientIp string `json:"client_ip,omitempty"`
}

func (r *CreatePaymentRequest) GetOrderId() uint64  { return r.OrderId }
func (r *CreatePaymentRequest) GetProvider() string { return r.Provider }
func (r *CreatePaymentRequest) GetClientIp() string { return r.ClientIp }

// NewCreatePaymentRequestFromContext reads POST /orders/:id/payments/:provider.
// A JSON body may carry client_ip when the caller proxies the shopper.
func NewCreatePaymentRequestFromContext(ctx echo.Context) (*CreatePaymentRequest, error) {
	var body CreatePaymentRequest
	if ctx.Request().ContentLength > 0 {
		if err := (&echo.DefaultBinder{}).BindBody(ctx, &body); err != nil {
			return nil, err
		}
	}

	id, err := strconv.ParseUint(ctx.Param("id"), 10, 64)
	if err != nil {
		return nil, err
	}
	body.OrderId = id
	body.Provider = strings.ToLower(strings.TrimSpace(ctx.Param("provider")))
	body.ClientIp = strings.TrimSpace(body.ClientIp)
	if body.ClientIp == "" {
		body.ClientIp = ctx.RealIP()
	}

	return &body, nil
}

func (r *CreatePaymentRequest) Validate() error {
	if r.GetOrderId() == 0 {
		return errors.New("invalid order id")
	}
	if strings.TrimSpace(r.GetProvider()) == "" {
		return errors.New("provider is required")
	}
	return nil
}

type GetOrderPaymentRequest struct {
	OrderId uint64 `json:"order_id"`
}

func (r *GetOrderPaymentRequest) GetOrderId() uint64 { return r.OrderId }

func NewGetOrderPaymentRequestFromContext(ctx echo.Context) (*GetOrderPaymentRequest, error) {
	id, err := strconv.ParseUint(ctx.Param("id"), 10, 64)
	if err != nil {
		return nil, err
	}
	return &GetOrderPaymentRequest{OrderId: id}, nil
}

func (r *GetOrderPaymentRequest) Validate() error {
	if r.GetOrderId() == 0 {
		return errors.New("invalid order id")
	}
	return nil
}

type Transaction struct {
	Id                   uint64 `json:"id"`
	OrderId              uint64 `json:"order_id"`
	Type                 string `json:"type"`
	Gateway              string `json:"gateway"`
	Amount               string `json:"amount"`
	Currency             string `json:"currency"`
	Status               string `json:"status"`
	GatewayTransactionId string `json:"gateway_transaction_id,omitempty"`
	GatewayEventId       string `json:"gateway_event_id,omitempty"`
	CreatedAt            string `json:"created_at"`
	UpdatedAt            string `json:"updated_at"`
}

type OrderPayment struct {
	OrderId       uint64         `json:"order_id"`
	PaymentStatus string         `json:"payment_status"`
	Status        string         `json:"status"`
	TotalAmount   string         `json:"total_amount"`
	Currency      string         `json:"currency"`
	Transactions  []*Transaction `json:"transactions"`
}

type OrderPaymentResponse struct {
	OrderPayment *OrderPayment `json:"order_payment"`
}

type CreatePaymentResponse struct {
	OrderId     uint64       `json:"order_id"`
	Provider    string       `json:"provider"`
	RedirectUrl string       `json:"redirect_url"`
	Transaction *Transaction `json:"transaction,omitempty"`
}

// PaymentReturn is the shopper-facing reading of a return redirect.
// PaymentStatus is the order's stored state, which only webhooks and
// authoritative returns move.
type PaymentReturn struct {
	Provider      string `json:"provider"`
	Status        string `json:"status"`
	Message       string `json:"message,omitempty"`
	Verified      bool   `json:"verified"`
	OrderId       uint64 `json:"order_id,omitempty"`
	TransactionId string `json:"transaction_id,omitempty"`
	PaymentStatus string `json:"payment_status,omitempty"`
	Decision      string `json:"decision,omitempty"`
}

type HealthResponse struct {
	Status string `json:"status"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}
