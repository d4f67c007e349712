package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

type Config struct {
	App               AppConfig
	HTTP              ServerConfig
	GRPC              ServerConfig
	MySQL             MySQLConfig
	Log               LogConfig
	InternalEndpoints InternalEndpointsConfig
	VNPay             VNPayConfig
	MoMo              MoMoConfig
	PayPal            PayPalConfig
	Stripe            StripeConfig
	Currency          CurrencyConfig
	Redis             RedisConfig
	Kafka             KafkaConfig
	Payments          PaymentsConfig
	Jobs              JobsConfig
}

type AppConfig struct {
	ServiceName string
	APIKey      string
}

type ServerConfig struct {
	Host string
	Port string
}

type MySQLConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type LogConfig struct {
	Level string
}

type InternalEndpointsConfig struct {
	AuthGRPCAddr string
}

type VNPayConfig struct {
	TmnCode    string
	HashSecret string
	PayURL     string
	ReturnURL  string
	Locale     string
}

type MoMoConfig struct {
	PartnerCode string
	AccessKey   string
	SecretKey   string
	Endpoint    string
	RedirectURL string
	IPNURL      string
	RequestType string
	HTTPTimeout time.Duration
}

type PayPalConfig struct {
	ClientID     string
	ClientSecret string
	BaseURL      string
	WebhookID    string
	ReturnURL    string
	CancelURL    string
	Currency     string
	HTTPTimeout  time.Duration
}

type StripeConfig struct {
	SecretKey                 string
	WebhookSecret             string
	APIBaseURL                string
	SuccessURL                string
	CancelURL                 string
	Currency                  string
	SignatureToleranceSeconds int64
	HTTPTimeout               time.Duration
}

type CurrencyConfig struct {
	Base          string
	RateAPIURL    string
	RateTimeout   time.Duration
	CacheTTL      time.Duration
	FallbackRates map[string]decimal.Decimal
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type KafkaConfig struct {
	Brokers             []string
	ProductUpdatedTopic string
	PaymentEventsTopic  string
	CartTopic           string
}

type PaymentsConfig struct {
	ReturnRedirectURL   string
	PendingTimeout      time.Duration
	ReconcileStaleAfter time.Duration
	JobBatchSize        int32
}

type JobsConfig struct {
	ReconcileInterval     time.Duration
	ExpirePendingInterval time.Duration
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	mysqlDSN := os.Getenv("MYSQL_DSN")
	if mysqlDSN == "" {
		return nil, errors.New("MYSQL_DSN environment variable is required")
	}

	fallbackRates, err := ParseRates(getEnv("CURRENCY_FALLBACK_RATES", "USD:VND=25000"))
	if err != nil {
		return nil, fmt.Errorf("invalid CURRENCY_FALLBACK_RATES: %w", err)
	}

	return &Config{
		App: AppConfig{
			ServiceName: getEnv("APP_SERVICE_NAME", "order-payments-service"),
			APIKey:      getEnv("APP_API_KEY", ""),
		},
		HTTP: ServerConfig{
			Host: getEnv("HTTP_HOST", "0.0.0.0"),
			Port: getEnv("HTTP_PORT", "8080"),
		},
		GRPC: ServerConfig{
			Host: getEnv("GRPC_HOST", "0.0.0.0"),
			Port: getEnv("GRPC_PORT", "9090"),
		},
		MySQL: MySQLConfig{
			DSN:             mysqlDSN,
			MaxOpenConns:    getIntEnv("MYSQL_MAX_OPEN_CONNS", 10),
			MaxIdleConns:    getIntEnv("MYSQL_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getMinutesEnv("MYSQL_CONN_MAX_LIFETIME_MINUTES", 30*time.Minute),
		},
		Log: LogConfig{
			Level: getEnv("LOG_LEVEL", "info"),
		},
		InternalEndpoints: InternalEndpointsConfig{
			AuthGRPCAddr: getEnv("AUTH_SERVICE_GRPC_ADDR", "localhost:9090"),
		},
		VNPay: VNPayConfig{
			TmnCode:    getEnv("VNPAY_TMN_CODE", ""),
			HashSecret: getEnv("VNPAY_HASH_SECRET", ""),
			PayURL:     getEnv("VNPAY_PAY_URL", "https://sandbox.vnpayment.vn/paymentv2/vpcpay.html"),
			ReturnURL:  getEnv("VNPAY_RETURN_URL", ""),
			Locale:     getEnv("VNPAY_LOCALE", "vn"),
		},
		MoMo: MoMoConfig{
			PartnerCode: getEnv("MOMO_PARTNER_CODE", ""),
			AccessKey:   getEnv("MOMO_ACCESS_KEY", ""),
			SecretKey:   getEnv("MOMO_SECRET_KEY", ""),
			Endpoint:    getEnv("MOMO_ENDPOINT", "https://test-payment.momo.vn/v2/gateway/api/create"),
			RedirectURL: getEnv("MOMO_REDIRECT_URL", ""),
			IPNURL:      getEnv("MOMO_IPN_URL", ""),
			RequestType: getEnv("MOMO_REQUEST_TYPE", "captureWallet"),
			HTTPTimeout: getSecondsEnv("MOMO_HTTP_TIMEOUT_SECONDS", 15*time.Second),
		},
		PayPal: PayPalConfig{
			ClientID:     getEnv("PAYPAL_CLIENT_ID", ""),
			ClientSecret: getEnv("PAYPAL_CLIENT_SECRET", ""),
			BaseURL:      getEnv("PAYPAL_BASE_URL", "https://api-m.sandbox.paypal.com"),
			WebhookID:    getEnv("PAYPAL_WEBHOOK_ID", ""),
			ReturnURL:    getEnv("PAYPAL_RETURN_URL", ""),
			CancelURL:    getEnv("PAYPAL_CANCEL_URL", ""),
			Currency:     strings.ToUpper(getEnv("PAYPAL_CURRENCY", "USD")),
			HTTPTimeout:  getSecondsEnv("PAYPAL_HTTP_TIMEOUT_SECONDS", 10*time.Second),
		},
		Stripe: StripeConfig{
			SecretKey:                 getEnv("STRIPE_SECRET_KEY", ""),
			WebhookSecret:             getEnv("STRIPE_WEBHOOK_SECRET", ""),
			APIBaseURL:                getEnv("STRIPE_API_BASE_URL", "https://api.stripe.com"),
			SuccessURL:                getEnv("STRIPE_SUCCESS_URL", ""),
			CancelURL:                 getEnv("STRIPE_CANCEL_URL", ""),
			Currency:                  strings.ToUpper(getEnv("STRIPE_CURRENCY", "USD")),
			SignatureToleranceSeconds: int64(getIntEnv("STRIPE_SIGNATURE_TOLERANCE_SECONDS", 300)),
			HTTPTimeout:               getSecondsEnv("STRIPE_HTTP_TIMEOUT_SECONDS", 10*time.Second),
		},
		Currency: CurrencyConfig{
			Base:          strings.ToUpper(getEnv("CURRENCY_BASE", "VND")),
			RateAPIURL:    getEnv("CURRENCY_RATE_API_URL", ""),
			RateTimeout:   getSecondsEnv("CURRENCY_RATE_TIMEOUT_SECONDS", 5*time.Second),
			CacheTTL:      getMinutesEnv("CURRENCY_RATE_CACHE_TTL_MINUTES", 60*time.Minute),
			FallbackRates: fallbackRates,
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getIntEnv("REDIS_DB", 0),
		},
		Kafka: KafkaConfig{
			Brokers:             splitList(getEnv("KAFKA_BROKERS", "")),
			ProductUpdatedTopic: getEnv("KAFKA_PRODUCT_UPDATED_TOPIC", "product.updated"),
			PaymentEventsTopic:  getEnv("KAFKA_PAYMENT_EVENTS_TOPIC", "payment.completed"),
			CartTopic:           getEnv("KAFKA_CART_TOPIC", "cart.clear"),
		},
		Payments: PaymentsConfig{
			ReturnRedirectURL:   getEnv("PAYMENTS_RETURN_REDIRECT_URL", ""),
			PendingTimeout:      getMinutesEnv("PAYMENTS_PENDING_TIMEOUT_MINUTES", 60*time.Minute),
			ReconcileStaleAfter: getMinutesEnv("PAYMENTS_RECONCILE_STALE_AFTER_MINUTES", 15*time.Minute),
			JobBatchSize:        int32(getIntEnv("PAYMENTS_JOB_BATCH_SIZE", 100)),
		},
		Jobs: JobsConfig{
			ReconcileInterval:     getMinutesEnv("PAYMENTS_RECONCILE_INTERVAL_MINUTES", 5*time.Minute),
			ExpirePendingInterval: getMinutesEnv("PAYMENTS_EXPIRE_PENDING_INTERVAL_MINUTES", 10*time.Minute),
		},
	}, nil
}

// ParseRates reads "FROM:TO=rate" pairs separated by commas, e.g. "USD:VND=25000".
func ParseRates(raw string) (map[string]decimal.Decimal, error) {
	rates := map[string]decimal.Decimal{}
	for _, item := range splitList(raw) {
		pair, value, ok := strings.Cut(item, "=")
		if !ok {
			return nil, fmt.Errorf("rate %q must look like FROM:TO=value", item)
		}
		from, to, ok := strings.Cut(strings.TrimSpace(pair), ":")
		if !ok || strings.TrimSpace(from) == "" || strings.TrimSpace(to) == "" {
			return nil, fmt.Errorf("rate %q must look like FROM:TO=value", item)
		}
		rate, err := decimal.NewFromString(strings.TrimSpace(value))
		if err != nil {
			return nil, fmt.Errorf("rate %q: %w", item, err)
		}
		if !rate.IsPositive() {
			return nil, fmt.Errorf("rate %q must be positive", item)
		}
		rates[RateKey(from, to)] = rate
	}
	return rates, nil
}

func RateKey(from, to string) string {
	return strings.ToUpper(strings.TrimSpace(from)) + ":" + strings.ToUpper(strings.TrimSpace(to))
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getMinutesEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if minutes, err := strconv.Atoi(value); err == nil {
			return time.Duration(minutes) * time.Minute
		}
	}
	return defaultValue
}

func getSecondsEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if seconds, err := strconv.Atoi(value); err == nil {
			return time.Duration(seconds) * time.Second
		}
	}
	return defaultValue
}

func splitList(raw string) []string {
	items := make([]string, 0)
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			items = append(items, trimmed)
		}
	}
	return items
}
