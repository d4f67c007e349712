package provider

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/vibast-solutions/ms-go-order-payments/config"
)

const (
	vnpayVersion       = "2.1.0"
	vnpayCommand       = "pay"
	vnpayCurrency      = "VND"
	vnpayDateLayout    = "20060102150405"
	vnpayExpireAfter   = 15 * time.Minute
	vnpayHashParam     = "vnp_SecureHash"
	vnpayHashTypeParam = "vnp_SecureHashType"

	vnpayCodeSuccess  = "00"
	vnpayCodeCanceled = "24"
)

var vnpayZone = time.FixedZone("GMT+7", 7*60*60)

type VNPayGateway struct {
	cfg       config.VNPayConfig
	converter Converter
	now       func() time.Time
}

func NewVNPayGateway(cfg config.VNPayConfig, converter Converter) *VNPayGateway {
	if strings.TrimSpace(cfg.Locale) == "" {
		cfg.Locale = "vn"
	}
	return &VNPayGateway{cfg: cfg, converter: converter, now: time.Now}
}

func (g *VNPayGateway) Key() string {
	return KeyVNPay
}

func (g *VNPayGateway) configured() bool {
	return strings.TrimSpace(g.cfg.TmnCode) != "" &&
		strings.TrimSpace(g.cfg.HashSecret) != "" &&
		strings.TrimSpace(g.cfg.PayURL) != ""
}

// CreatePayment builds the signed redirect URL. VNPay needs no API call to
// register the attempt.
func (g *VNPayGateway) CreatePayment(ctx context.Context, input *CreateInput) (*CreateOutput, error) {
	if !g.configured() || strings.TrimSpace(g.cfg.ReturnURL) == "" {
		return nil, fmt.Errorf("%w: vnpay", ErrGatewayNotConfigured)
	}
	amount, err := payableAmount(input)
	if err != nil {
		return nil, err
	}

	vnd, err := g.converter.ToMinorUnits(ctx, amount, input.Order.OrderCurrency(), vnpayCurrency)
	if err != nil {
		return nil, err
	}
	if vnd <= 0 {
		return nil, fmt.Errorf("%w: %d VND", ErrInvalidOrderAmount, vnd)
	}

	now := g.now().In(vnpayZone)
	txnRef := fmt.Sprintf("%d-%d", input.Order.ID, now.UnixMilli())
	clientIP := strings.TrimSpace(input.ClientIP)
	if clientIP == "" {
		clientIP = "127.0.0.1"
	}

	params := url.Values{}
	params.Set("vnp_Version", vnpayVersion)
	params.Set("vnp_Command", vnpayCommand)
	params.Set("vnp_TmnCode", g.cfg.TmnCode)
	params.Set("vnp_Amount", strconv.FormatInt(vnd*100, 10))
	params.Set("vnp_CreateDate", now.Format(vnpayDateLayout))
	params.Set("vnp_ExpireDate", now.Add(vnpayExpireAfter).Format(vnpayDateLayout))
	params.Set("vnp_CurrCode", vnpayCurrency)
	params.Set("vnp_IpAddr", clientIP)
	params.Set("vnp_Locale", g.cfg.Locale)
	params.Set("vnp_OrderInfo", fmt.Sprintf("Payment for order %d", input.Order.ID))
	params.Set("vnp_OrderType", "other")
	params.Set("vnp_ReturnUrl", g.cfg.ReturnURL)
	params.Set("vnp_TxnRef", txnRef)

	canonical := vnpayCanonical(params)
	signature := hmacSHA512Hex(g.cfg.HashSecret, canonical)

	separator := "?"
	if strings.Contains(g.cfg.PayURL, "?") {
		separator = "&"
	}
	redirectURL := g.cfg.PayURL + separator + canonical + "&" + vnpayHashParam + "=" + signature

	return &CreateOutput{
		RedirectURL:     redirectURL,
		Reference:       txnRef,
		ChargedAmount:   decimal.NewFromInt(vnd),
		ChargedCurrency: vnpayCurrency,
		RawPayload:      canonical,
	}, nil
}

func (g *VNPayGateway) HandleReturn(_ context.Context, query url.Values) *Outcome {
	return g.interpret(query)
}

// HandleWebhook reads the IPN. VNPay sends it as a GET query; a form body is
// accepted as well.
func (g *VNPayGateway) HandleWebhook(_ context.Context, req *WebhookRequest) *Outcome {
	params := req.Query
	if len(params) == 0 || params.Get(vnpayHashParam) == "" {
		form, err := url.ParseQuery(strings.TrimSpace(string(req.Body)))
		if err != nil {
			return malformed(KeyVNPay, string(req.Body), err)
		}
		params = form
	}
	return g.interpret(params)
}

func (g *VNPayGateway) interpret(params url.Values) *Outcome {
	raw := params.Encode()
	if !g.configured() {
		return notConfigured(KeyVNPay)
	}

	received := params.Get(vnpayHashParam)
	if received == "" || !equalHex(hmacSHA512Hex(g.cfg.HashSecret, vnpayCanonical(params)), received) {
		return invalidSignature(KeyVNPay, raw)
	}

	n := vnpayNotificationFromValues(params)
	outcome := &Outcome{
		Gateway:       KeyVNPay,
		TransactionID: n.TransactionNo,
		EventID:       n.eventID(),
		EventType:     "vnp_ResponseCode=" + n.ResponseCode,
		Currency:      vnpayCurrency,
		Verified:      true,
		RawPayload:    raw,
	}

	if n.Amount != "" {
		minor, err := decimal.NewFromString(n.Amount)
		if err != nil {
			return malformed(KeyVNPay, raw, fmt.Errorf("vnp_Amount: %w", err))
		}
		outcome.Amount = minor.Shift(-2)
	}

	switch {
	case n.ResponseCode == vnpayCodeSuccess && (n.TransactionStatus == "" || n.TransactionStatus == vnpayCodeSuccess):
		outcome.Status = StatusSucceeded
		outcome.Message = "Payment succeeded"
	case n.ResponseCode == vnpayCodeCanceled:
		outcome.Status = StatusCanceled
		outcome.Message = "Customer canceled the payment"
	default:
		outcome.Status = StatusFailed
		outcome.Message = fmt.Sprintf("VNPay response code %s", n.ResponseCode)
	}

	return withOrderRef(outcome, n.TxnRef)
}

type vnpayNotification struct {
	TxnRef            string
	Amount            string
	ResponseCode      string
	TransactionStatus string
	TransactionNo     string
	PayDate           string
	BankCode          string
}

func vnpayNotificationFromValues(params url.Values) vnpayNotification {
	return vnpayNotification{
		TxnRef:            strings.TrimSpace(params.Get("vnp_TxnRef")),
		Amount:            strings.TrimSpace(params.Get("vnp_Amount")),
		ResponseCode:      strings.TrimSpace(params.Get("vnp_ResponseCode")),
		TransactionStatus: strings.TrimSpace(params.Get("vnp_TransactionStatus")),
		TransactionNo:     strings.TrimSpace(params.Get("vnp_TransactionNo")),
		PayDate:           strings.TrimSpace(params.Get("vnp_PayDate")),
		BankCode:          strings.TrimSpace(params.Get("vnp_BankCode")),
	}
}

// eventID is the VNPay transaction number. VNPay sends "0" when the customer
// never reached the bank, so the reference and pay date stand in.
func (n vnpayNotification) eventID() string {
	if n.TransactionNo != "" && n.TransactionNo != "0" {
		return n.TransactionNo
	}
	if n.TxnRef == "" {
		return ""
	}
	return n.TxnRef + ":" + n.ResponseCode + ":" + n.PayDate
}

// vnpayCanonical joins every vnp_ parameter except the hash fields, sorted by
// key, as form-encoded key=value pairs separated by '&'. VNPay hashes the
// PHP urlencode form, which also escapes '~'.
func vnpayCanonical(params url.Values) string {
	keys := make([]string, 0, len(params))
	for key := range params {
		if !strings.HasPrefix(key, "vnp_") || key == vnpayHashParam || key == vnpayHashTypeParam {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, key := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(vnpayEscape(key))
		b.WriteByte('=')
		b.WriteString(vnpayEscape(params.Get(key)))
	}
	return b.String()
}

func vnpayEscape(v string) string {
	return strings.ReplaceAll(url.QueryEscape(v), "~", "%7E")
}
