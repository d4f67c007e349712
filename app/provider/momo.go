package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/vibast-solutions/ms-go-order-payments/config"
)

const (
	momoCurrency           = "VND"
	momoResultSuccess      = "0"
	momoResultAuthorized   = "9000"
	momoResultProcessing   = "7000"
	momoResultAwaitingUser = "7002"
	momoResultUserDenied   = "1006"
)

type MoMoGateway struct {
	cfg       config.MoMoConfig
	converter Converter
	client    *http.Client
	now       func() time.Time
	newID     func() string
}

func NewMoMoGateway(cfg config.MoMoConfig, converter Converter) *MoMoGateway {
	timeout := cfg.HTTPTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	if strings.TrimSpace(cfg.RequestType) == "" {
		cfg.RequestType = "captureWallet"
	}

	return &MoMoGateway{
		cfg:       cfg,
		converter: converter,
		client:    &http.Client{Timeout: timeout},
		now:       time.Now,
		newID:     uuid.NewString,
	}
}

func (g *MoMoGateway) Key() string {
	return KeyMoMo
}

func (g *MoMoGateway) configured() bool {
	return strings.TrimSpace(g.cfg.PartnerCode) != "" &&
		strings.TrimSpace(g.cfg.AccessKey) != "" &&
		strings.TrimSpace(g.cfg.SecretKey) != ""
}

type momoCreateRequest struct {
	PartnerCode string `json:"partnerCode"`
	RequestID   string `json:"requestId"`
	Amount      int64  `json:"amount"`
	OrderID     string `json:"orderId"`
	OrderInfo   string `json:"orderInfo"`
	RedirectURL string `json:"redirectUrl"`
	IPNURL      string `json:"ipnUrl"`
	RequestType string `json:"requestType"`
	ExtraData   string `json:"extraData"`
	Lang        string `json:"lang"`
	Signature   string `json:"signature"`
}

type momoCreateResponse struct {
	PartnerCode string      `json:"partnerCode"`
	OrderID     string      `json:"orderId"`
	RequestID   string      `json:"requestId"`
	ResultCode  json.Number `json:"resultCode"`
	Message     string      `json:"message"`
	PayURL      string      `json:"payUrl"`
}

func (g *MoMoGateway) CreatePayment(ctx context.Context, input *CreateInput) (*CreateOutput, error) {
	if !g.configured() || strings.TrimSpace(g.cfg.Endpoint) == "" ||
		strings.TrimSpace(g.cfg.RedirectURL) == "" || strings.TrimSpace(g.cfg.IPNURL) == "" {
		return nil, fmt.Errorf("%w: momo", ErrGatewayNotConfigured)
	}
	amount, err := payableAmount(input)
	if err != nil {
		return nil, err
	}

	vnd, err := g.converter.ToMinorUnits(ctx, amount, input.Order.OrderCurrency(), momoCurrency)
	if err != nil {
		return nil, err
	}
	if vnd <= 0 {
		return nil, fmt.Errorf("%w: %d VND", ErrInvalidOrderAmount, vnd)
	}

	payload := momoCreateRequest{
		PartnerCode: g.cfg.PartnerCode,
		RequestID:   g.newID(),
		Amount:      vnd,
		OrderID:     fmt.Sprintf("%d-%d", input.Order.ID, g.now().UnixMilli()),
		OrderInfo:   fmt.Sprintf("Payment for order %d", input.Order.ID),
		RedirectURL: g.cfg.RedirectURL,
		IPNURL:      g.cfg.IPNURL,
		RequestType: g.cfg.RequestType,
		ExtraData:   "",
		Lang:        "vi",
	}
	payload.Signature = hmacSHA256Hex(g.cfg.SecretKey, momoCreateSignaturePayload(g.cfg.AccessKey, &payload))

	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.cfg.Endpoint, bytes.NewReader(encoded))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	status, body, err := do(g.client, req)
	if err != nil {
		return nil, err
	}

	var resp momoCreateResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		if !isSuccess(status) {
			return nil, fmt.Errorf("%w: momo status=%d body=%s", ErrGatewayRejected, status, truncate(string(body), 512))
		}
		return nil, fmt.Errorf("%w: momo response: %v", ErrGatewayRejected, err)
	}
	if resp.ResultCode.String() != momoResultSuccess || strings.TrimSpace(resp.PayURL) == "" {
		return nil, fmt.Errorf("%w: momo resultCode=%s message=%s", ErrGatewayRejected, resp.ResultCode.String(), resp.Message)
	}

	return &CreateOutput{
		RedirectURL:     strings.TrimSpace(resp.PayURL),
		Reference:       payload.OrderID,
		ChargedAmount:   decimal.NewFromInt(vnd),
		ChargedCurrency: momoCurrency,
		RawPayload:      string(body),
	}, nil
}

func momoCreateSignaturePayload(accessKey string, p *momoCreateRequest) string {
	return "accessKey=" + accessKey +
		"&amount=" + strconv.FormatInt(p.Amount, 10) +
		"&extraData=" + p.ExtraData +
		"&ipnUrl=" + p.IPNURL +
		"&orderId=" + p.OrderID +
		"&orderInfo=" + p.OrderInfo +
		"&partnerCode=" + p.PartnerCode +
		"&redirectUrl=" + p.RedirectURL +
		"&requestId=" + p.RequestID +
		"&requestType=" + p.RequestType
}

// momoNotification is the IPN body. The redirect back to the shop carries the
// same fields as query parameters.
type momoNotification struct {
	PartnerCode  string      `json:"partnerCode"`
	OrderID      string      `json:"orderId"`
	RequestID    string      `json:"requestId"`
	Amount       json.Number `json:"amount"`
	OrderInfo    string      `json:"orderInfo"`
	OrderType    string      `json:"orderType"`
	TransID      json.Number `json:"transId"`
	ResultCode   json.Number `json:"resultCode"`
	Message      string      `json:"message"`
	PayType      string      `json:"payType"`
	ResponseTime json.Number `json:"responseTime"`
	ExtraData    string      `json:"extraData"`
	Signature    string      `json:"signature"`
}

func momoNotificationFromValues(query url.Values) *momoNotification {
	return &momoNotification{
		PartnerCode:  query.Get("partnerCode"),
		OrderID:      query.Get("orderId"),
		RequestID:    query.Get("requestId"),
		Amount:       json.Number(query.Get("amount")),
		OrderInfo:    query.Get("orderInfo"),
		OrderType:    query.Get("orderType"),
		TransID:      json.Number(query.Get("transId")),
		ResultCode:   json.Number(query.Get("resultCode")),
		Message:      query.Get("message"),
		PayType:      query.Get("payType"),
		ResponseTime: json.Number(query.Get("responseTime")),
		ExtraData:    query.Get("extraData"),
		Signature:    query.Get("signature"),
	}
}

// signaturePayload lists the thirteen IPN keys in MoMo's fixed order. Absent
// fields contribute an empty value.
func (n *momoNotification) signaturePayload(accessKey string) string {
	return "accessKey=" + accessKey +
		"&amount=" + n.Amount.String() +
		"&extraData=" + n.ExtraData +
		"&message=" + n.Message +
		"&orderId=" + n.OrderID +
		"&orderInfo=" + n.OrderInfo +
		"&orderType=" + n.OrderType +
		"&partnerCode=" + n.PartnerCode +
		"&payType=" + n.PayType +
		"&requestId=" + n.RequestID +
		"&responseTime=" + n.ResponseTime.String() +
		"&resultCode=" + n.ResultCode.String() +
		"&transId=" + n.TransID.String()
}

func (g *MoMoGateway) HandleReturn(_ context.Context, query url.Values) *Outcome {
	return g.interpret(momoNotificationFromValues(query), query.Encode())
}

func (g *MoMoGateway) HandleWebhook(_ context.Context, req *WebhookRequest) *Outcome {
	raw := string(req.Body)
	var n momoNotification
	decoder := json.NewDecoder(bytes.NewReader(req.Body))
	decoder.UseNumber()
	if err := decoder.Decode(&n); err != nil {
		return malformed(KeyMoMo, raw, err)
	}
	return g.interpret(&n, raw)
}

func (g *MoMoGateway) interpret(n *momoNotification, raw string) *Outcome {
	if !g.configured() {
		return notConfigured(KeyMoMo)
	}

	expected := hmacSHA256Hex(g.cfg.SecretKey, n.signaturePayload(g.cfg.AccessKey))
	if strings.TrimSpace(n.Signature) == "" || !equalHex(expected, n.Signature) {
		return invalidSignature(KeyMoMo, raw)
	}

	outcome := &Outcome{
		Gateway:       KeyMoMo,
		TransactionID: n.TransID.String(),
		EventID:       n.TransID.String(),
		EventType:     "resultCode=" + n.ResultCode.String(),
		Currency:      momoCurrency,
		Message:       n.Message,
		Verified:      true,
		RawPayload:    raw,
	}
	if outcome.EventID == "" || outcome.EventID == "0" {
		outcome.EventID = n.RequestID
	}
	if n.Amount.String() != "" {
		amount, err := decimal.NewFromString(n.Amount.String())
		if err != nil {
			return malformed(KeyMoMo, raw, fmt.Errorf("amount: %w", err))
		}
		outcome.Amount = amount
	}

	switch n.ResultCode.String() {
	case momoResultSuccess:
		outcome.Status = StatusSucceeded
	case momoResultUserDenied:
		outcome.Status = StatusCanceled
	case momoResultProcessing, momoResultAwaitingUser, momoResultAuthorized:
		outcome.Status = StatusIgnored
		outcome.Reason = ReasonPending
	default:
		outcome.Status = StatusFailed
	}
	if outcome.Message == "" {
		outcome.Message = "MoMo result code " + n.ResultCode.String()
	}

	return withOrderRef(outcome, n.OrderID)
}
