package provider

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vibast-solutions/ms-go-order-payments/config"
)

const vnpaySecret = "VNPAYSECRETKEY"

func newTestVNPay() *VNPayGateway {
	g := NewVNPayGateway(config.VNPayConfig{
		TmnCode:    "SHOP0001",
		HashSecret: vnpaySecret,
		PayURL:     "https://sandbox.vnpayment.vn/paymentv2/vpcpay.html",
		ReturnURL:  "https://shop.example/payments/vnpay/return",
	}, testConverter())
	g.now = func() time.Time { return time.Date(2026, 3, 1, 3, 4, 5, 0, time.UTC) }
	return g
}

func signedVNPayParams(secret string, params url.Values) url.Values {
	signed := url.Values{}
	for k, v := range params {
		signed[k] = v
	}
	signed.Set(vnpayHashParam, hmacSHA512Hex(secret, vnpayCanonical(params)))
	return signed
}

func vnpayIPN(responseCode string) url.Values {
	return url.Values{
		"vnp_TmnCode":           {"SHOP0001"},
		"vnp_Amount":            {"15000000"},
		"vnp_BankCode":          {"NCB"},
		"vnp_OrderInfo":         {"Payment for order 42"},
		"vnp_PayDate":           {"20260301100405"},
		"vnp_ResponseCode":      {responseCode},
		"vnp_TransactionNo":     {"14226112"},
		"vnp_TransactionStatus": {responseCode},
		"vnp_TxnRef":            {"42-1772334245000"},
	}
}

func TestVNPayCanonicalSortsAndEscapes(t *testing.T) {
	params := url.Values{
		"vnp_OrderInfo":  {"Payment for order 42"},
		"vnp_Amount":     {"100"},
		"vnp_SecureHash": {"ignored"},
		"other":          {"ignored"},
	}
	assert.Equal(t, "vnp_Amount=100&vnp_OrderInfo=Payment+for+order+42", vnpayCanonical(params))
}

func TestVNPayCanonicalEscapesTilde(t *testing.T) {
	params := url.Values{
		"vnp_OrderInfo": {"Order~42 a/b"},
		"vnp_Amount":    {"100"},
	}
	assert.Equal(t, "vnp_Amount=100&vnp_OrderInfo=Order%7E42+a%2Fb", vnpayCanonical(params))
}

func TestVNPayWebhookVerifiesTildeInOrderInfo(t *testing.T) {
	params := vnpayIPN("00")
	params.Set("vnp_OrderInfo", "Order~42")

	// Hash over the provider's encoding of the same fields.
	encoded := strings.ReplaceAll(params.Encode(), "Order~42", "Order%7E42")
	params.Set(vnpayHashParam, hmacSHA512Hex(vnpaySecret, encoded))

	outcome := newTestVNPay().HandleWebhook(context.Background(), &WebhookRequest{Query: params})
	assert.Equal(t, StatusSucceeded, outcome.Status)
	assert.True(t, outcome.Verified)
}

func TestVNPayCreatePaymentSignsURL(t *testing.T) {
	g := newTestVNPay()

	out, err := g.CreatePayment(context.Background(), &CreateInput{Order: testOrder(), ClientIP: "10.0.0.5"})
	require.NoError(t, err)

	parsed, err := url.Parse(out.RedirectURL)
	require.NoError(t, err)
	query := parsed.Query()

	assert.Equal(t, "15000000", query.Get("vnp_Amount"))
	assert.Equal(t, "VND", query.Get("vnp_CurrCode"))
	assert.Equal(t, "20260301100405", query.Get("vnp_CreateDate"))
	assert.Equal(t, "10.0.0.5", query.Get("vnp_IpAddr"))
	assert.True(t, strings.HasPrefix(query.Get("vnp_TxnRef"), "42-"))
	assert.Equal(t, query.Get("vnp_TxnRef"), out.Reference)
	assert.True(t, equalHex(hmacSHA512Hex(vnpaySecret, vnpayCanonical(query)), query.Get(vnpayHashParam)))
	assert.Equal(t, "150000", out.ChargedAmount.String())
}

func TestVNPayCreatePaymentRejectsNonPositiveAmount(t *testing.T) {
	order := testOrder()
	order.TotalAmount = order.TotalAmount.Sub(order.TotalAmount)
	order.DiscountAmount = order.Items[0].LineTotal()

	_, err := newTestVNPay().CreatePayment(context.Background(), &CreateInput{Order: order})
	assert.True(t, errors.Is(err, ErrInvalidOrderAmount))
}

func TestVNPayCreatePaymentRequiresConfig(t *testing.T) {
	g := NewVNPayGateway(config.VNPayConfig{}, testConverter())
	_, err := g.CreatePayment(context.Background(), &CreateInput{Order: testOrder()})
	assert.True(t, errors.Is(err, ErrGatewayNotConfigured))
}

func TestVNPayWebhookSucceeded(t *testing.T) {
	outcome := newTestVNPay().HandleWebhook(context.Background(), &WebhookRequest{
		Query: signedVNPayParams(vnpaySecret, vnpayIPN("00")),
	})

	require.NotNil(t, outcome)
	assert.Equal(t, StatusSucceeded, outcome.Status)
	assert.Equal(t, ReasonNone, outcome.Reason)
	assert.True(t, outcome.Verified)
	assert.Equal(t, uint64(42), outcome.OrderID)
	assert.Equal(t, "14226112", outcome.TransactionID)
	assert.Equal(t, "14226112", outcome.EventID)
	assert.Equal(t, "150000", outcome.Amount.String())
}

func TestVNPayWebhookAcceptsFormBody(t *testing.T) {
	body := signedVNPayParams(vnpaySecret, vnpayIPN("00")).Encode()
	outcome := newTestVNPay().HandleWebhook(context.Background(), &WebhookRequest{Body: []byte(body)})
	assert.Equal(t, StatusSucceeded, outcome.Status)
}

func TestVNPayWebhookCanceledAndFailed(t *testing.T) {
	g := newTestVNPay()

	canceled := g.HandleWebhook(context.Background(), &WebhookRequest{Query: signedVNPayParams(vnpaySecret, vnpayIPN("24"))})
	assert.Equal(t, StatusCanceled, canceled.Status)

	failed := g.HandleWebhook(context.Background(), &WebhookRequest{Query: signedVNPayParams(vnpaySecret, vnpayIPN("51"))})
	assert.Equal(t, StatusFailed, failed.Status)
	assert.Equal(t, ReasonNone, failed.Reason)
	assert.Contains(t, failed.Message, "51")
}

func TestVNPayWebhookRejectsTamperedPayload(t *testing.T) {
	g := newTestVNPay()

	tampered := signedVNPayParams(vnpaySecret, vnpayIPN("00"))
	tampered.Set("vnp_Amount", "100")
	outcome := g.HandleWebhook(context.Background(), &WebhookRequest{Query: tampered})
	assert.Equal(t, StatusFailed, outcome.Status)
	assert.Equal(t, ReasonSignatureInvalid, outcome.Reason)
	assert.Equal(t, MessageInvalidSignature, outcome.Message)
	assert.Zero(t, outcome.OrderID)

	wrongSecret := g.HandleWebhook(context.Background(), &WebhookRequest{Query: signedVNPayParams("other", vnpayIPN("00"))})
	assert.Equal(t, ReasonSignatureInvalid, wrongSecret.Reason)

	unsigned := g.HandleWebhook(context.Background(), &WebhookRequest{Query: vnpayIPN("00")})
	assert.Equal(t, ReasonSignatureInvalid, unsigned.Reason)
}

func TestVNPayWebhookWithoutOrderReference(t *testing.T) {
	params := vnpayIPN("00")
	params.Set("vnp_TxnRef", "unknown")

	outcome := newTestVNPay().HandleWebhook(context.Background(), &WebhookRequest{Query: signedVNPayParams(vnpaySecret, params)})
	assert.Equal(t, StatusFailed, outcome.Status)
	assert.Equal(t, ReasonOrderReferenceMissing, outcome.Reason)
	assert.Equal(t, "unknown", outcome.OrderRef)
}

func TestVNPayReturnVerifiesSignature(t *testing.T) {
	g := newTestVNPay()

	ok := g.HandleReturn(context.Background(), signedVNPayParams(vnpaySecret, vnpayIPN("00")))
	assert.Equal(t, StatusSucceeded, ok.Status)

	bad := vnpayIPN("00")
	bad.Set(vnpayHashParam, strings.Repeat("ab", 64))
	rejected := g.HandleReturn(context.Background(), bad)
	assert.Equal(t, ReasonSignatureInvalid, rejected.Reason)
}
