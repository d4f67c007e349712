package service

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"
	"github.com/vibast-solutions/ms-go-order-payments/app/currency"
	"github.com/vibast-solutions/ms-go-order-payments/app/entity"
	"github.com/vibast-solutions/ms-go-order-payments/app/provider"
	"github.com/vibast-solutions/ms-go-order-payments/app/repository"
	"github.com/vibast-solutions/ms-go-order-payments/config"
)

const (
	testVNPaySecret     = "VNPAYSECRETKEY"
	testMoMoAccessKey   = "F8BBA842ECF85"
	testMoMoSecretKey   = "K951B6PE1waDMi640xX08PD3vg6EkVlz"
	testStripeWHSecret  = "whsec_test_secret"
	testOrderID         = uint64(42)
	testVariantID       = uint64(7)
	testInitialStock    = int64(30)
	testOrderedQuantity = int64(3)
)

// memLedger is an in-memory ledger. RunInTx holds txMu for the whole
// callback, which stands in for the order row lock, and restores a snapshot
// when the callback fails.
type memLedger struct {
	txMu sync.Mutex

	mu        sync.Mutex
	orders    map[uint64]*entity.Order
	variants  map[uint64]*entity.ProductVariant
	txns      map[uint64]*entity.Transaction
	nextTxnID uint64
	writes    int
}

func newMemLedger() *memLedger {
	return &memLedger{
		orders:    map[uint64]*entity.Order{},
		variants:  map[uint64]*entity.ProductVariant{},
		txns:      map[uint64]*entity.Transaction{},
		nextTxnID: 1,
	}
}

func (l *memLedger) Ledger() repository.Ledger {
	return l
}

func (l *memLedger) RunInTx(ctx context.Context, fn func(ctx context.Context, ledger repository.Ledger) error) error {
	l.txMu.Lock()
	defer l.txMu.Unlock()

	l.mu.Lock()
	orders, variants, txns, nextID, writes := l.snapshot()
	l.mu.Unlock()

	if err := fn(ctx, l); err != nil {
		l.mu.Lock()
		l.orders, l.variants, l.txns, l.nextTxnID, l.writes = orders, variants, txns, nextID, writes
		l.mu.Unlock()
		return err
	}
	return nil
}

func (l *memLedger) snapshot() (map[uint64]*entity.Order, map[uint64]*entity.ProductVariant, map[uint64]*entity.Transaction, uint64, int) {
	orders := make(map[uint64]*entity.Order, len(l.orders))
	for id, o := range l.orders {
		orders[id] = copyOrder(o)
	}
	variants := make(map[uint64]*entity.ProductVariant, len(l.variants))
	for id, v := range l.variants {
		c := *v
		variants[id] = &c
	}
	txns := make(map[uint64]*entity.Transaction, len(l.txns))
	for id, t := range l.txns {
		txns[id] = copyTxn(t)
	}
	return orders, variants, txns, l.nextTxnID, l.writes
}

func copyOrder(o *entity.Order) *entity.Order {
	c := *o
	c.Items = make([]*entity.OrderItem, 0, len(o.Items))
	for _, item := range o.Items {
		ic := *item
		c.Items = append(c.Items, &ic)
	}
	return &c
}

func copyTxn(t *entity.Transaction) *entity.Transaction {
	c := *t
	if t.GatewayTransactionID != nil {
		v := *t.GatewayTransactionID
		c.GatewayTransactionID = &v
	}
	if t.GatewayEventID != nil {
		v := *t.GatewayEventID
		c.GatewayEventID = &v
	}
	return &c
}

func (l *memLedger) FindOrder(_ context.Context, id uint64) (*entity.Order, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	o, ok := l.orders[id]
	if !ok {
		return nil, nil
	}
	return copyOrder(o), nil
}

func (l *memLedger) LockOrder(ctx context.Context, id uint64) (*entity.Order, error) {
	return l.FindOrder(ctx, id)
}

func (l *memLedger) ListOrderItems(_ context.Context, orderID uint64) ([]*entity.OrderItem, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	o, ok := l.orders[orderID]
	if !ok {
		return []*entity.OrderItem{}, nil
	}
	return copyOrder(o).Items, nil
}

func (l *memLedger) UpdateOrderPaymentState(_ context.Context, order *entity.Order) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	stored, ok := l.orders[order.ID]
	if !ok {
		return repository.ErrOrderNotFound
	}
	stored.PaymentStatus = order.PaymentStatus
	stored.Status = order.Status
	stored.UpdatedAt = order.UpdatedAt
	l.writes++
	return nil
}

func (l *memLedger) LockVariant(_ context.Context, id uint64) (*entity.ProductVariant, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	v, ok := l.variants[id]
	if !ok {
		return nil, nil
	}
	c := *v
	return &c, nil
}

func (l *memLedger) UpdateVariantStock(_ context.Context, variant *entity.ProductVariant) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.variants[variant.ID]; !ok {
		return repository.ErrVariantNotFound
	}
	c := *variant
	l.variants[variant.ID] = &c
	l.writes++
	return nil
}

func (l *memLedger) eventTaken(txn *entity.Transaction) bool {
	if txn.GatewayEventID == nil {
		return false
	}
	for id, item := range l.txns {
		if id == txn.ID || item.GatewayEventID == nil {
			continue
		}
		if item.OrderID == txn.OrderID && item.Gateway == txn.Gateway && *item.GatewayEventID == *txn.GatewayEventID {
			return true
		}
	}
	return false
}

func (l *memLedger) CreateTransaction(_ context.Context, txn *entity.Transaction) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.eventTaken(txn) {
		return repository.ErrTransactionAlreadyExists
	}
	txn.ID = l.nextTxnID
	l.nextTxnID++
	l.txns[txn.ID] = copyTxn(txn)
	l.writes++
	return nil
}

func (l *memLedger) UpdateTransaction(_ context.Context, txn *entity.Transaction) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.txns[txn.ID]; !ok {
		return repository.ErrTransactionNotFound
	}
	if l.eventTaken(txn) {
		return repository.ErrTransactionAlreadyExists
	}
	l.txns[txn.ID] = copyTxn(txn)
	l.writes++
	return nil
}

func (l *memLedger) CancelPendingTransaction(_ context.Context, id uint64, at time.Time) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	txn, ok := l.txns[id]
	if !ok || txn.Status != entity.TransactionStatusPending {
		return false, nil
	}
	txn.Status = entity.TransactionStatusCanceled
	txn.UpdatedAt = at
	l.writes++
	return true, nil
}

func (l *memLedger) TouchPendingTransaction(_ context.Context, id uint64, at time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if txn, ok := l.txns[id]; ok && txn.Status == entity.TransactionStatusPending {
		txn.UpdatedAt = at
		l.writes++
	}
	return nil
}

func (l *memLedger) FindTransactionByEvent(_ context.Context, orderID uint64, gateway, eventID string) (*entity.Transaction, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, txn := range l.txns {
		if txn.OrderID == orderID && txn.Gateway == gateway && txn.GatewayEventID != nil && *txn.GatewayEventID == eventID {
			return copyTxn(txn), nil
		}
	}
	return nil, nil
}

func (l *memLedger) FindPendingTransaction(_ context.Context, orderID uint64, gateway string) (*entity.Transaction, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var found *entity.Transaction
	for _, txn := range l.txns {
		if txn.OrderID != orderID || txn.Gateway != gateway || txn.Type != entity.TransactionTypePayment || txn.Status != entity.TransactionStatusPending {
			continue
		}
		if found == nil || txn.ID > found.ID {
			found = txn
		}
	}
	if found == nil {
		return nil, nil
	}
	return copyTxn(found), nil
}

func (l *memLedger) ListTransactionsByOrder(_ context.Context, orderID uint64) ([]*entity.Transaction, error) {
	return l.filter(func(txn *entity.Transaction) bool { return txn.OrderID == orderID }, 0), nil
}

func (l *memLedger) ListStalePending(_ context.Context, gateways []string, before time.Time, limit int32) ([]*entity.Transaction, error) {
	allowed := map[string]bool{}
	for _, g := range gateways {
		allowed[g] = true
	}
	return l.filter(func(txn *entity.Transaction) bool {
		return txn.Status == entity.TransactionStatusPending && allowed[txn.Gateway] &&
			txn.GatewayTransactionID != nil && !txn.UpdatedAt.After(before)
	}, limit), nil
}

func (l *memLedger) ListExpiredPending(_ context.Context, cutoff time.Time, limit int32) ([]*entity.Transaction, error) {
	return l.filter(func(txn *entity.Transaction) bool {
		return txn.Status == entity.TransactionStatusPending && !txn.CreatedAt.After(cutoff)
	}, limit), nil
}

func (l *memLedger) filter(keep func(*entity.Transaction) bool, limit int32) []*entity.Transaction {
	l.mu.Lock()
	defer l.mu.Unlock()
	items := make([]*entity.Transaction, 0)
	for _, txn := range l.txns {
		if keep(txn) {
			items = append(items, copyTxn(txn))
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	if limit > 0 && int(limit) < len(items) {
		items = items[:limit]
	}
	return items
}

func (l *memLedger) order(id uint64) *entity.Order {
	l.mu.Lock()
	defer l.mu.Unlock()
	return copyOrder(l.orders[id])
}

func (l *memLedger) variant(id uint64) *entity.ProductVariant {
	l.mu.Lock()
	defer l.mu.Unlock()
	c := *l.variants[id]
	return &c
}

func (l *memLedger) transactions(status string) []*entity.Transaction {
	return l.filter(func(txn *entity.Transaction) bool { return status == "" || txn.Status == status }, 0)
}

func (l *memLedger) writeCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.writes
}

// seedOrder stores order 42: 150000 VND, 3 units of variant 7.
func (l *memLedger) seedOrder(stock int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.orders[testOrderID] = &entity.Order{
		ID:            testOrderID,
		CustomerRef:   "customer-1",
		SubTotal:      decimal.NewFromInt(150000),
		TotalAmount:   decimal.NewFromInt(150000),
		Currency:      "VND",
		PaymentStatus: entity.PaymentStatusUnpaid,
		Status:        entity.OrderStatusPendingConfirmation,
		Items: []*entity.OrderItem{
			{ID: 1, OrderID: testOrderID, ProductVariantID: testVariantID, Quantity: testOrderedQuantity, UnitPrice: decimal.NewFromInt(50000)},
		},
	}
	l.variants[testVariantID] = &entity.ProductVariant{
		ID:               testVariantID,
		ProductID:        3,
		SKU:              "TSHIRT-M",
		StockQuantity:    stock,
		ReservedQuantity: testOrderedQuantity,
	}
}

func (l *memLedger) seedPending(gateway, reference string, createdAt time.Time) *entity.Transaction {
	l.mu.Lock()
	defer l.mu.Unlock()
	txn := &entity.Transaction{
		ID:        l.nextTxnID,
		OrderID:   testOrderID,
		Type:      entity.TransactionTypePayment,
		Gateway:   gateway,
		Amount:    decimal.NewFromInt(150000),
		Currency:  "VND",
		Status:    entity.TransactionStatusPending,
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
	}
	if reference != "" {
		txn.GatewayTransactionID = &reference
	}
	l.nextTxnID++
	l.txns[txn.ID] = txn
	return copyTxn(txn)
}

type recordingNotifier struct {
	mu        sync.Mutex
	products  []*entity.ProductVariant
	completed []*entity.Transaction
	carts     []string
}

func (n *recordingNotifier) ProductUpdated(_ context.Context, variant *entity.ProductVariant) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.products = append(n.products, variant)
	return nil
}

func (n *recordingNotifier) PaymentCompleted(_ context.Context, _ *entity.Order, txn *entity.Transaction) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.completed = append(n.completed, txn)
	return nil
}

func (n *recordingNotifier) ClearCart(_ context.Context, customerRef string, _ uint64) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.carts = append(n.carts, customerRef)
	return nil
}

// fakeGateway stands in for providers whose verdict comes from an API lookup.
type fakeGateway struct {
	key           string
	authoritative bool
	createFn      func(ctx context.Context, input *provider.CreateInput) (*provider.CreateOutput, error)
	returnFn      func(ctx context.Context, query url.Values) *provider.Outcome
	webhookFn     func(ctx context.Context, req *provider.WebhookRequest) *provider.Outcome
}

func (g *fakeGateway) Key() string { return g.key }

func (g *fakeGateway) CreatePayment(ctx context.Context, input *provider.CreateInput) (*provider.CreateOutput, error) {
	return g.createFn(ctx, input)
}

func (g *fakeGateway) HandleReturn(ctx context.Context, query url.Values) *provider.Outcome {
	return g.returnFn(ctx, query)
}

func (g *fakeGateway) HandleWebhook(ctx context.Context, req *provider.WebhookRequest) *provider.Outcome {
	return g.webhookFn(ctx, req)
}

func (g *fakeGateway) ReturnIsAuthoritative() bool { return g.authoritative }

type pollingGateway struct {
	*fakeGateway
	checkFn func(ctx context.Context, reference string) (*provider.Outcome, error)
}

func (g *pollingGateway) CheckStatus(ctx context.Context, reference string) (*provider.Outcome, error) {
	return g.checkFn(ctx, reference)
}

type serviceFixture struct {
	ledger   *memLedger
	notifier *recordingNotifier
	hook     *test.Hook
	service  *PaymentService
}

func newServiceFixture(t *testing.T, extra ...provider.Gateway) *serviceFixture {
	t.Helper()

	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	converter := currency.NewNormalizer(config.CurrencyConfig{
		FallbackRates: map[string]decimal.Decimal{"USD:VND": decimal.NewFromInt(25000)},
	}, nil, nil, logger)

	gateways := []provider.Gateway{
		provider.NewVNPayGateway(config.VNPayConfig{
			TmnCode:    "SHOP0001",
			HashSecret: testVNPaySecret,
			PayURL:     "https://sandbox.vnpayment.vn/paymentv2/vpcpay.html",
			ReturnURL:  "https://shop.example/payments/vnpay/return",
		}, converter),
		provider.NewMoMoGateway(config.MoMoConfig{
			PartnerCode: "MOMOBKUN20180529",
			AccessKey:   testMoMoAccessKey,
			SecretKey:   testMoMoSecretKey,
		}, converter),
	}
	hasStripe := false
	for _, g := range extra {
		if g.Key() == provider.KeyStripe {
			hasStripe = true
		}
	}
	if !hasStripe {
		gateways = append(gateways, provider.NewStripeGateway(config.StripeConfig{
			SecretKey:     "sk_test",
			WebhookSecret: testStripeWHSecret,
		}, converter))
	}
	gateways = append(gateways, extra...)

	registry, err := provider.NewRegistry(gateways...)
	require.NoError(t, err)

	ledger := newMemLedger()
	notifier := &recordingNotifier{}
	svc := NewPaymentService(ledger, registry, notifier, config.PaymentsConfig{
		PendingTimeout:      time.Hour,
		ReconcileStaleAfter: 15 * time.Minute,
		JobBatchSize:        10,
	}, logger)

	return &serviceFixture{ledger: ledger, notifier: notifier, hook: hook, service: svc}
}

func (f *serviceFixture) hasLog(level logrus.Level, message string) bool {
	for _, entry := range f.hook.AllEntries() {
		if entry.Level == level && entry.Message == message {
			return true
		}
	}
	return false
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

// signVNPay adds vnp_SecureHash. Every key is vnp_ prefixed, so Encode yields
// the canonical string.
func signVNPay(secret string, params url.Values) url.Values {
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write([]byte(params.Encode()))
	signed := url.Values{}
	for k, v := range params {
		signed[k] = v
	}
	signed.Set("vnp_SecureHash", hex.EncodeToString(mac.Sum(nil)))
	return signed
}

func momoIPN(t *testing.T, secret string, resultCode int) []byte {
	t.Helper()

	fields := map[string]string{
		"partnerCode":  "MOMOBKUN20180529",
		"orderId":      "42-1772334245000",
		"requestId":    "b1c6a2b4-9f3e-4c55-8d7a-2f1d9f3c0a11",
		"amount":       "150000",
		"orderInfo":    "Payment for order 42",
		"orderType":    "momo_wallet",
		"transId":      "4088878653",
		"resultCode":   strconv.Itoa(resultCode),
		"message":      "Successful.",
		"payType":      "qr",
		"responseTime": "1772334245000",
		"extraData":    "",
	}
	payload := "accessKey=" + testMoMoAccessKey +
		"&amount=" + fields["amount"] +
		"&extraData=" + fields["extraData"] +
		"&message=" + fields["message"] +
		"&orderId=" + fields["orderId"] +
		"&orderInfo=" + fields["orderInfo"] +
		"&orderType=" + fields["orderType"] +
		"&partnerCode=" + fields["partnerCode"] +
		"&payType=" + fields["payType"] +
		"&requestId=" + fields["requestId"] +
		"&responseTime=" + fields["responseTime"] +
		"&resultCode=" + fields["resultCode"] +
		"&transId=" + fields["transId"]
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))

	body := map[string]interface{}{
		"partnerCode":  fields["partnerCode"],
		"orderId":      fields["orderId"],
		"requestId":    fields["requestId"],
		"amount":       json.Number(fields["amount"]),
		"orderInfo":    fields["orderInfo"],
		"orderType":    fields["orderType"],
		"transId":      json.Number(fields["transId"]),
		"resultCode":   json.Number(fields["resultCode"]),
		"message":      fields["message"],
		"payType":      fields["payType"],
		"responseTime": json.Number(fields["responseTime"]),
		"extraData":    fields["extraData"],
		"signature":    hex.EncodeToString(mac.Sum(nil)),
	}
	data, err := json.Marshal(body)
	require.NoError(t, err)
	return data
}

func stripeWebhook(t *testing.T, secret string, event map[string]interface{}) *provider.WebhookRequest {
	t.Helper()

	body, err := json.Marshal(event)
	require.NoError(t, err)
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts + "." + string(body)))

	header := http.Header{}
	header.Set("Stripe-Signature", "t="+ts+",v1="+hex.EncodeToString(mac.Sum(nil)))
	return &provider.WebhookRequest{Body: body, Header: header}
}
