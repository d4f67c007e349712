package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/vibast-solutions/ms-go-order-payments/app/currency"
	"github.com/vibast-solutions/ms-go-order-payments/app/factory"
	"github.com/vibast-solutions/ms-go-order-payments/config"
)

const (
	paypalOrderCompleted = "COMPLETED"
	paypalOrderApproved  = "APPROVED"
	paypalOrderVoided    = "VOIDED"
)

type PayPalGateway struct {
	cfg       config.PayPalConfig
	converter Converter
	client    *http.Client
	logger    logrus.FieldLogger
}

func NewPayPalGateway(cfg config.PayPalConfig, converter Converter) *PayPalGateway {
	timeout := cfg.HTTPTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api-m.sandbox.paypal.com"
	}
	cfg.Currency = strings.ToUpper(strings.TrimSpace(cfg.Currency))
	if cfg.Currency == "" {
		cfg.Currency = "USD"
	}

	return &PayPalGateway{
		cfg:       cfg,
		converter: converter,
		client:    &http.Client{Timeout: timeout},
		logger:    factory.NewModuleLogger("paypal"),
	}
}

func (g *PayPalGateway) Key() string {
	return KeyPayPal
}

// ReturnIsAuthoritative is true because HandleReturn confirms the order with
// the PayPal API before producing an outcome.
func (g *PayPalGateway) ReturnIsAuthoritative() bool {
	return true
}

func (g *PayPalGateway) configured() bool {
	return strings.TrimSpace(g.cfg.ClientID) != "" && strings.TrimSpace(g.cfg.ClientSecret) != ""
}

type paypalMoney struct {
	CurrencyCode string `json:"currency_code"`
	Value        string `json:"value"`
}

type paypalCapture struct {
	ID       string       `json:"id"`
	Status   string       `json:"status"`
	CustomID string       `json:"custom_id"`
	Amount   *paypalMoney `json:"amount"`
}

type paypalPurchaseUnit struct {
	ReferenceID string       `json:"reference_id"`
	CustomID    string       `json:"custom_id"`
	Description string       `json:"description,omitempty"`
	Amount      *paypalMoney `json:"amount,omitempty"`
	Payments    *struct {
		Captures []paypalCapture `json:"captures"`
	} `json:"payments,omitempty"`
}

type paypalLink struct {
	Href string `json:"href"`
	Rel  string `json:"rel"`
}

type paypalOrder struct {
	ID            string               `json:"id"`
	Status        string               `json:"status"`
	PurchaseUnits []paypalPurchaseUnit `json:"purchase_units"`
	Links         []paypalLink         `json:"links"`
}

func (o *paypalOrder) approveURL() string {
	for _, link := range o.Links {
		if link.Rel == "approve" || link.Rel == "payer-action" {
			return strings.TrimSpace(link.Href)
		}
	}
	return ""
}

func (o *paypalOrder) orderRef() string {
	for _, unit := range o.PurchaseUnits {
		if ref := strings.TrimSpace(unit.CustomID); ref != "" {
			return ref
		}
		if ref := strings.TrimSpace(unit.ReferenceID); ref != "" {
			return ref
		}
	}
	return ""
}

func (o *paypalOrder) firstCapture() *paypalCapture {
	for _, unit := range o.PurchaseUnits {
		if unit.Payments == nil {
			continue
		}
		for i := range unit.Payments.Captures {
			return &unit.Payments.Captures[i]
		}
	}
	return nil
}

func (g *PayPalGateway) CreatePayment(ctx context.Context, input *CreateInput) (*CreateOutput, error) {
	if !g.configured() || strings.TrimSpace(g.cfg.ReturnURL) == "" || strings.TrimSpace(g.cfg.CancelURL) == "" {
		return nil, fmt.Errorf("%w: paypal", ErrGatewayNotConfigured)
	}
	amount, err := payableAmount(input)
	if err != nil {
		return nil, err
	}

	charged, err := g.converter.Convert(ctx, amount, input.Order.OrderCurrency(), g.cfg.Currency)
	if err != nil {
		return nil, err
	}
	if !charged.IsPositive() {
		return nil, fmt.Errorf("%w: %s %s", ErrInvalidOrderAmount, charged.String(), g.cfg.Currency)
	}

	orderID := strconv.FormatUint(input.Order.ID, 10)
	returnURL, err := withQuery(g.cfg.ReturnURL, map[string]string{"order_id": orderID})
	if err != nil {
		return nil, fmt.Errorf("%w: paypal return url: %v", ErrGatewayNotConfigured, err)
	}
	cancelURL, err := withQuery(g.cfg.CancelURL, map[string]string{"order_id": orderID, "state": "cancel"})
	if err != nil {
		return nil, fmt.Errorf("%w: paypal cancel url: %v", ErrGatewayNotConfigured, err)
	}

	payload := map[string]interface{}{
		"intent": "CAPTURE",
		"purchase_units": []paypalPurchaseUnit{{
			ReferenceID: orderID,
			CustomID:    orderID,
			Description: "Order #" + orderID,
			Amount: &paypalMoney{
				CurrencyCode: g.cfg.Currency,
				Value:        charged.StringFixed(currency.Exponent(g.cfg.Currency)),
			},
		}},
		"application_context": map[string]string{
			"return_url":  returnURL,
			"cancel_url":  cancelURL,
			"user_action": "PAY_NOW",
		},
	}

	status, body, err := g.sendJSON(ctx, http.MethodPost, "/v2/checkout/orders", payload)
	if err != nil {
		return nil, err
	}
	if !isSuccess(status) {
		return nil, fmt.Errorf("%w: paypal create order status=%d body=%s", ErrGatewayRejected, status, truncate(string(body), 512))
	}

	var order paypalOrder
	if err := json.Unmarshal(body, &order); err != nil {
		return nil, fmt.Errorf("%w: paypal response: %v", ErrGatewayRejected, err)
	}
	redirectURL := order.approveURL()
	if redirectURL == "" {
		return nil, fmt.Errorf("%w: paypal approve link missing", ErrGatewayRejected)
	}

	return &CreateOutput{
		RedirectURL:     redirectURL,
		Reference:       order.ID,
		ChargedAmount:   charged,
		ChargedCurrency: g.cfg.Currency,
		RawPayload:      string(body),
	}, nil
}

// HandleReturn looks the PayPal order up by its token and captures it when the
// buyer approved it. The lookup happens outside any database transaction.
func (g *PayPalGateway) HandleReturn(ctx context.Context, query url.Values) *Outcome {
	raw := query.Encode()
	if strings.ToLower(strings.TrimSpace(query.Get("state"))) == "cancel" {
		outcome := &Outcome{
			Gateway:       KeyPayPal,
			Status:        StatusCanceled,
			Message:       "Customer canceled the payment",
			TransactionID: strings.TrimSpace(query.Get("token")),
			Currency:      g.cfg.Currency,
			RawPayload:    raw,
		}
		return withOrderRef(outcome, query.Get("order_id"))
	}
	if !g.configured() {
		return notConfigured(KeyPayPal)
	}

	token := strings.TrimSpace(query.Get("token"))
	if token == "" {
		return malformed(KeyPayPal, raw, fmt.Errorf("token is required"))
	}

	outcome, err := g.confirmOrder(ctx, token)
	if err != nil {
		g.logger.WithError(err).WithField("token", token).Warn("PayPal order lookup failed")
		return &Outcome{
			Gateway:    KeyPayPal,
			Status:     StatusFailed,
			Reason:     ReasonGatewayUnreachable,
			Message:    "PayPal is unavailable, the payment will be confirmed shortly",
			RawPayload: raw,
		}
	}
	if outcome == nil {
		outcome = pending(KeyPayPal, "PayPal payment is being processed")
		outcome.TransactionID = token
		outcome.Currency = g.cfg.Currency
		outcome.RawPayload = raw
		return withOrderRef(outcome, query.Get("order_id"))
	}
	return outcome
}

// CheckStatus polls a PayPal order and captures it when it is approved.
func (g *PayPalGateway) CheckStatus(ctx context.Context, paypalOrderID string) (*Outcome, error) {
	if strings.TrimSpace(paypalOrderID) == "" {
		return nil, nil
	}
	if !g.configured() {
		return nil, fmt.Errorf("%w: paypal", ErrGatewayNotConfigured)
	}
	return g.confirmOrder(ctx, paypalOrderID)
}

// confirmOrder returns nil when the order is neither settled nor voided.
func (g *PayPalGateway) confirmOrder(ctx context.Context, paypalOrderID string) (*Outcome, error) {
	order, body, err := g.getOrder(ctx, paypalOrderID)
	if err != nil {
		return nil, err
	}

	if order.Status == paypalOrderApproved {
		captured, captureBody, err := g.captureOrder(ctx, paypalOrderID)
		if err != nil {
			return nil, err
		}
		if captured == nil {
			// Already captured by a concurrent request; read the settled order.
			order, body, err = g.getOrder(ctx, paypalOrderID)
			if err != nil {
				return nil, err
			}
		} else {
			order, body = captured, captureBody
		}
	}

	outcome := &Outcome{
		Gateway:       KeyPayPal,
		TransactionID: order.ID,
		EventID:       "order:" + order.ID,
		EventType:     "CHECKOUT.ORDER." + order.Status,
		Currency:      g.cfg.Currency,
		Verified:      true,
		RawPayload:    string(body),
	}

	switch order.Status {
	case paypalOrderCompleted:
		capture := order.firstCapture()
		if capture == nil || capture.Status != paypalOrderCompleted {
			return nil, nil
		}
		applyCapture(outcome, capture)
		outcome.Status = StatusSucceeded
		outcome.Message = "Payment captured"
	case paypalOrderVoided:
		outcome.Status = StatusCanceled
		outcome.Message = "PayPal order voided"
	default:
		return nil, nil
	}

	return withOrderRef(outcome, order.orderRef()), nil
}

func (g *PayPalGateway) getOrder(ctx context.Context, paypalOrderID string) (*paypalOrder, []byte, error) {
	status, body, err := g.sendJSON(ctx, http.MethodGet, "/v2/checkout/orders/"+url.PathEscape(paypalOrderID), nil)
	if err != nil {
		return nil, nil, err
	}
	if !isSuccess(status) {
		return nil, nil, fmt.Errorf("%w: paypal get order status=%d body=%s", ErrGatewayRejected, status, truncate(string(body), 512))
	}

	var order paypalOrder
	if err := json.Unmarshal(body, &order); err != nil {
		return nil, nil, fmt.Errorf("%w: paypal order: %v", ErrGatewayRejected, err)
	}
	return &order, body, nil
}

// captureOrder returns a nil order when PayPal reports it already captured.
func (g *PayPalGateway) captureOrder(ctx context.Context, paypalOrderID string) (*paypalOrder, []byte, error) {
	status, body, err := g.sendJSON(ctx, http.MethodPost, "/v2/checkout/orders/"+url.PathEscape(paypalOrderID)+"/capture", map[string]string{})
	if err != nil {
		return nil, nil, err
	}
	if status == http.StatusUnprocessableEntity && bytes.Contains(body, []byte("ORDER_ALREADY_CAPTURED")) {
		return nil, nil, nil
	}
	if !isSuccess(status) {
		return nil, nil, fmt.Errorf("%w: paypal capture status=%d body=%s", ErrGatewayRejected, status, truncate(string(body), 512))
	}

	var order paypalOrder
	if err := json.Unmarshal(body, &order); err != nil {
		return nil, nil, fmt.Errorf("%w: paypal capture: %v", ErrGatewayRejected, err)
	}
	return &order, body, nil
}

type paypalWebhookEvent struct {
	ID        string          `json:"id"`
	EventType string          `json:"event_type"`
	Resource  json.RawMessage `json:"resource"`
}

type paypalCaptureResource struct {
	paypalCapture
	SupplementaryData struct {
		RelatedIDs struct {
			OrderID string `json:"order_id"`
		} `json:"related_ids"`
	} `json:"supplementary_data"`
}

// HandleWebhook verifies the event with the PayPal verification API when a
// webhook id is configured. Without one, webhooks are advisory and ignored.
func (g *PayPalGateway) HandleWebhook(ctx context.Context, req *WebhookRequest) *Outcome {
	raw := string(req.Body)

	var event paypalWebhookEvent
	if err := json.Unmarshal(req.Body, &event); err != nil {
		return malformed(KeyPayPal, raw, err)
	}

	if strings.TrimSpace(g.cfg.WebhookID) == "" || !g.configured() {
		return &Outcome{
			Gateway:    KeyPayPal,
			Status:     StatusIgnored,
			Reason:     ReasonUnverified,
			Message:    "paypal webhook verification is not configured",
			EventID:    event.ID,
			EventType:  event.EventType,
			RawPayload: raw,
		}
	}

	verified, err := g.verifyWebhook(ctx, req)
	if err != nil {
		return &Outcome{
			Gateway:    KeyPayPal,
			Status:     StatusFailed,
			Reason:     ReasonGatewayUnreachable,
			Message:    err.Error(),
			EventID:    event.ID,
			EventType:  event.EventType,
			RawPayload: raw,
		}
	}
	if !verified {
		return invalidSignature(KeyPayPal, raw)
	}

	outcome := &Outcome{
		Gateway:    KeyPayPal,
		EventID:    event.ID,
		EventType:  event.EventType,
		Currency:   g.cfg.Currency,
		Message:    event.EventType,
		Verified:   true,
		RawPayload: raw,
	}

	switch event.EventType {
	case "PAYMENT.CAPTURE.COMPLETED", "PAYMENT.CAPTURE.DENIED", "PAYMENT.CAPTURE.DECLINED":
		var capture paypalCaptureResource
		if err := json.Unmarshal(event.Resource, &capture); err != nil {
			return malformed(KeyPayPal, raw, err)
		}
		applyCapture(outcome, &capture.paypalCapture)
		outcome.TransactionID = capture.ID
		if capture.SupplementaryData.RelatedIDs.OrderID != "" {
			outcome.TransactionID = capture.SupplementaryData.RelatedIDs.OrderID
		}
		if event.EventType == "PAYMENT.CAPTURE.COMPLETED" {
			outcome.Status = StatusSucceeded
		} else {
			outcome.Status = StatusFailed
		}
		return withOrderRef(outcome, capture.CustomID)
	case "CHECKOUT.ORDER.COMPLETED":
		var order paypalOrder
		if err := json.Unmarshal(event.Resource, &order); err != nil {
			return malformed(KeyPayPal, raw, err)
		}
		outcome.TransactionID = order.ID
		outcome.Status = StatusSucceeded
		if capture := order.firstCapture(); capture != nil {
			applyCapture(outcome, capture)
			if capture.Status != paypalOrderCompleted {
				outcome.Status = StatusIgnored
				outcome.Reason = ReasonPending
				outcome.Message = "capture is " + strings.ToLower(capture.Status)
			}
		}
		return withOrderRef(outcome, order.orderRef())
	case "CHECKOUT.ORDER.VOIDED":
		var order paypalOrder
		if err := json.Unmarshal(event.Resource, &order); err != nil {
			return malformed(KeyPayPal, raw, err)
		}
		outcome.TransactionID = order.ID
		outcome.Status = StatusCanceled
		return withOrderRef(outcome, order.orderRef())
	default:
		outcome.Status = StatusIgnored
		outcome.Reason = ReasonUnsupportedEvent
		outcome.Message = "unsupported event type " + event.EventType
		return outcome
	}
}

// applyCapture keys the outcome on the capture id so the return path and the
// capture webhook share one idempotency key.
func applyCapture(outcome *Outcome, capture *paypalCapture) {
	if capture.ID != "" {
		outcome.EventID = "capture:" + capture.ID
	}
	if capture.Amount != nil {
		if amount, err := decimal.NewFromString(capture.Amount.Value); err == nil {
			outcome.Amount = amount
		}
		if capture.Amount.CurrencyCode != "" {
			outcome.Currency = strings.ToUpper(capture.Amount.CurrencyCode)
		}
	}
}

func (g *PayPalGateway) verifyWebhook(ctx context.Context, req *WebhookRequest) (bool, error) {
	payload := map[string]interface{}{
		"auth_algo":         req.Header.Get("PAYPAL-AUTH-ALGO"),
		"cert_url":          req.Header.Get("PAYPAL-CERT-URL"),
		"transmission_id":   req.Header.Get("PAYPAL-TRANSMISSION-ID"),
		"transmission_sig":  req.Header.Get("PAYPAL-TRANSMISSION-SIG"),
		"transmission_time": req.Header.Get("PAYPAL-TRANSMISSION-TIME"),
		"webhook_id":        g.cfg.WebhookID,
		"webhook_event":     json.RawMessage(req.Body),
	}
	if payload["transmission_sig"] == "" || payload["transmission_id"] == "" {
		return false, nil
	}

	status, body, err := g.sendJSON(ctx, http.MethodPost, "/v1/notifications/verify-webhook-signature", payload)
	if err != nil {
		return false, err
	}
	if status >= 500 {
		return false, fmt.Errorf("%w: paypal verify status=%d", ErrGatewayUnreachable, status)
	}
	if !isSuccess(status) {
		return false, nil
	}

	var result struct {
		VerificationStatus string `json:"verification_status"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return false, nil
	}
	return result.VerificationStatus == "SUCCESS", nil
}

func (g *PayPalGateway) sendJSON(ctx context.Context, method, path string, payload interface{}) (int, []byte, error) {
	var reader io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return 0, nil, err
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, g.cfg.BaseURL+path, reader)
	if err != nil {
		return 0, nil, err
	}
	req.SetBasicAuth(g.cfg.ClientID, g.cfg.ClientSecret)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return do(g.client, req)
}
