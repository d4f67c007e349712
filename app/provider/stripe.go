package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/vibast-solutions/ms-go-order-payments/app/currency"
	"github.com/vibast-solutions/ms-go-order-payments/config"
)

const stripeSignatureHeader = "Stripe-Signature"

type StripeGateway struct {
	cfg       config.StripeConfig
	converter Converter
	client    *http.Client
}

func NewStripeGateway(cfg config.StripeConfig, converter Converter) *StripeGateway {
	timeout := cfg.HTTPTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if cfg.SignatureToleranceSeconds <= 0 {
		cfg.SignatureToleranceSeconds = 300
	}
	if strings.TrimSpace(cfg.APIBaseURL) == "" {
		cfg.APIBaseURL = "https://api.stripe.com"
	}
	cfg.APIBaseURL = strings.TrimRight(strings.TrimSpace(cfg.APIBaseURL), "/")
	if strings.TrimSpace(cfg.Currency) == "" {
		cfg.Currency = "USD"
	}
	cfg.Currency = strings.ToUpper(cfg.Currency)

	return &StripeGateway{
		cfg:       cfg,
		converter: converter,
		client:    &http.Client{Timeout: timeout},
	}
}

func (g *StripeGateway) Key() string {
	return KeyStripe
}

func (g *StripeGateway) CreatePayment(ctx context.Context, input *CreateInput) (*CreateOutput, error) {
	if strings.TrimSpace(g.cfg.SecretKey) == "" ||
		strings.TrimSpace(g.cfg.SuccessURL) == "" || strings.TrimSpace(g.cfg.CancelURL) == "" {
		return nil, fmt.Errorf("%w: stripe", ErrGatewayNotConfigured)
	}
	amount, err := payableAmount(input)
	if err != nil {
		return nil, err
	}

	unitAmount, err := g.converter.ToMinorUnits(ctx, amount, input.Order.OrderCurrency(), g.cfg.Currency)
	if err != nil {
		return nil, err
	}
	if unitAmount <= 0 {
		return nil, fmt.Errorf("%w: %d %s minor units", ErrInvalidOrderAmount, unitAmount, g.cfg.Currency)
	}

	orderID := strconv.FormatUint(input.Order.ID, 10)
	successURL, err := withQuery(g.cfg.SuccessURL, map[string]string{"order_id": orderID, "state": "success"})
	if err != nil {
		return nil, fmt.Errorf("%w: stripe success url: %v", ErrGatewayNotConfigured, err)
	}
	cancelURL, err := withQuery(g.cfg.CancelURL, map[string]string{"order_id": orderID, "state": "cancel"})
	if err != nil {
		return nil, fmt.Errorf("%w: stripe cancel url: %v", ErrGatewayNotConfigured, err)
	}

	values := url.Values{}
	values.Set("mode", "payment")
	values.Set("line_items[0][quantity]", "1")
	values.Set("line_items[0][price_data][currency]", strings.ToLower(g.cfg.Currency))
	values.Set("line_items[0][price_data][unit_amount]", strconv.FormatInt(unitAmount, 10))
	values.Set("line_items[0][price_data][product_data][name]", "Order #"+orderID)
	// Stripe substitutes the literal placeholder, so it is appended unescaped.
	values.Set("success_url", successURL+"&session_id={CHECKOUT_SESSION_ID}")
	values.Set("cancel_url", cancelURL)
	values.Set("client_reference_id", orderID)
	values.Set("metadata[order_id]", orderID)

	body, err := g.postForm(ctx, "/v1/checkout/sessions", values)
	if err != nil {
		return nil, err
	}

	var session struct {
		ID  string `json:"id"`
		URL string `json:"url"`
	}
	if err := json.Unmarshal(body, &session); err != nil {
		return nil, fmt.Errorf("%w: stripe response: %v", ErrGatewayRejected, err)
	}
	if strings.TrimSpace(session.URL) == "" {
		return nil, fmt.Errorf("%w: stripe session url missing", ErrGatewayRejected)
	}

	return &CreateOutput{
		RedirectURL:     strings.TrimSpace(session.URL),
		Reference:       strings.TrimSpace(session.ID),
		ChargedAmount:   decimal.NewFromInt(unitAmount).Shift(-currency.Exponent(g.cfg.Currency)),
		ChargedCurrency: g.cfg.Currency,
		RawPayload:      string(body),
	}, nil
}

// HandleReturn only reflects the redirect state. Stripe signs nothing on this
// path, so the outcome is never verified.
func (g *StripeGateway) HandleReturn(_ context.Context, query url.Values) *Outcome {
	outcome := &Outcome{
		Gateway:       KeyStripe,
		TransactionID: strings.TrimSpace(query.Get("session_id")),
		Currency:      g.cfg.Currency,
		RawPayload:    query.Encode(),
	}

	switch strings.ToLower(strings.TrimSpace(query.Get("state"))) {
	case "success":
		outcome.Status = StatusSucceeded
		outcome.Message = "Payment submitted"
	case "cancel":
		outcome.Status = StatusCanceled
		outcome.Message = "Customer canceled the payment"
	default:
		outcome.Status = StatusFailed
		outcome.Message = "unknown return state"
	}

	return withOrderRef(outcome, query.Get("order_id"))
}

type stripeEvent struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

type stripeCheckoutSession struct {
	ID                string            `json:"id"`
	Status            string            `json:"status"`
	PaymentStatus     string            `json:"payment_status"`
	ClientReferenceID string            `json:"client_reference_id"`
	AmountTotal       *int64            `json:"amount_total"`
	Currency          string            `json:"currency"`
	Metadata          map[string]string `json:"metadata"`
}

func (s *stripeCheckoutSession) orderRef() string {
	if ref := strings.TrimSpace(s.Metadata["order_id"]); ref != "" {
		return ref
	}
	return strings.TrimSpace(s.ClientReferenceID)
}

func (s *stripeCheckoutSession) paid() bool {
	return s.PaymentStatus == "paid" || s.PaymentStatus == "no_payment_required"
}

func (g *StripeGateway) HandleWebhook(_ context.Context, req *WebhookRequest) *Outcome {
	raw := string(req.Body)
	if strings.TrimSpace(g.cfg.WebhookSecret) == "" {
		return notConfigured(KeyStripe)
	}
	if !verifyStripeSignature(req.Body, req.Header.Get(stripeSignatureHeader), g.cfg.WebhookSecret, g.cfg.SignatureToleranceSeconds) {
		return invalidSignature(KeyStripe, raw)
	}

	var event stripeEvent
	if err := json.Unmarshal(req.Body, &event); err != nil {
		return malformed(KeyStripe, raw, err)
	}

	outcome := &Outcome{
		Gateway:    KeyStripe,
		EventID:    strings.TrimSpace(event.ID),
		EventType:  event.Type,
		Verified:   true,
		RawPayload: raw,
	}

	switch event.Type {
	case "checkout.session.completed", "checkout.session.async_payment_succeeded":
		outcome.Status = StatusSucceeded
	case "checkout.session.async_payment_failed":
		outcome.Status = StatusFailed
	case "checkout.session.expired":
		outcome.Status = StatusCanceled
	default:
		outcome.Status = StatusIgnored
		outcome.Reason = ReasonUnsupportedEvent
		outcome.Message = "unsupported event type " + event.Type
		return outcome
	}

	var session stripeCheckoutSession
	if err := json.Unmarshal(event.Data.Object, &session); err != nil {
		return malformed(KeyStripe, raw, err)
	}
	g.applySession(outcome, &session)
	outcome.Message = event.Type

	if outcome.Status == StatusSucceeded && !session.paid() {
		outcome.Status = StatusIgnored
		outcome.Reason = ReasonUnsupportedEvent
		outcome.Message = "checkout session awaiting asynchronous payment"
		return outcome
	}

	return withOrderRef(outcome, session.orderRef())
}

// CheckStatus polls a checkout session.
func (g *StripeGateway) CheckStatus(ctx context.Context, sessionID string) (*Outcome, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, nil
	}
	if strings.TrimSpace(g.cfg.SecretKey) == "" {
		return nil, fmt.Errorf("%w: stripe", ErrGatewayNotConfigured)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.cfg.APIBaseURL+"/v1/checkout/sessions/"+url.PathEscape(sessionID), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+g.cfg.SecretKey)

	status, body, err := do(g.client, req)
	if err != nil {
		return nil, err
	}
	if !isSuccess(status) {
		return nil, fmt.Errorf("%w: stripe get checkout session status=%d body=%s", ErrGatewayRejected, status, truncate(string(body), 512))
	}

	var session stripeCheckoutSession
	if err := json.Unmarshal(body, &session); err != nil {
		return nil, err
	}

	outcome := &Outcome{
		Gateway:    KeyStripe,
		EventID:    "session:" + session.ID,
		EventType:  "checkout.session.poll",
		Verified:   true,
		RawPayload: string(body),
	}
	switch {
	case session.Status == "complete" && session.paid():
		outcome.Status = StatusSucceeded
	case session.Status == "expired":
		outcome.Status = StatusCanceled
	default:
		return nil, nil
	}
	g.applySession(outcome, &session)

	return withOrderRef(outcome, session.orderRef()), nil
}

func (g *StripeGateway) applySession(outcome *Outcome, session *stripeCheckoutSession) {
	outcome.TransactionID = strings.TrimSpace(session.ID)
	outcome.Currency = strings.ToUpper(strings.TrimSpace(session.Currency))
	if outcome.Currency == "" {
		outcome.Currency = g.cfg.Currency
	}
	if session.AmountTotal != nil {
		outcome.Amount = decimal.NewFromInt(*session.AmountTotal).Shift(-currency.Exponent(outcome.Currency))
	}
}

func (g *StripeGateway) postForm(ctx context.Context, path string, values url.Values) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.cfg.APIBaseURL+path, strings.NewReader(values.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+g.cfg.SecretKey)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	status, body, err := do(g.client, req)
	if err != nil {
		return nil, err
	}
	if !isSuccess(status) {
		return nil, fmt.Errorf("%w: stripe request failed: path=%s status=%d body=%s", ErrGatewayRejected, path, status, truncate(string(body), 512))
	}

	return body, nil
}

func withQuery(rawURL string, params map[string]string) (string, error) {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", err
	}
	query := parsed.Query()
	for k, v := range params {
		query.Set(k, v)
	}
	parsed.RawQuery = query.Encode()
	return parsed.String(), nil
}

func verifyStripeSignature(payload []byte, signatureHeader string, webhookSecret string, toleranceSeconds int64) bool {
	signatureHeader = strings.TrimSpace(signatureHeader)
	if signatureHeader == "" || strings.TrimSpace(webhookSecret) == "" {
		return false
	}

	var ts string
	v1 := make([]string, 0, 1)
	for _, part := range strings.Split(signatureHeader, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch key {
		case "t":
			ts = strings.TrimSpace(value)
		case "v1":
			v1 = append(v1, strings.TrimSpace(value))
		}
	}
	if ts == "" || len(v1) == 0 {
		return false
	}

	tsUnix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return false
	}
	now := time.Now().Unix()
	if now-tsUnix > toleranceSeconds || tsUnix-now > toleranceSeconds {
		return false
	}

	expected := hmacSHA256Hex(webhookSecret, ts+"."+string(payload))
	for _, sig := range v1 {
		if equalHex(expected, sig) {
			return true
		}
	}

	return false
}
