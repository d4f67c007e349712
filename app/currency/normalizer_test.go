package currency

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vibast-solutions/ms-go-order-payments/config"
)

type fnRateSource func(ctx context.Context, from, to string) (decimal.Decimal, error)

func (f fnRateSource) Rate(ctx context.Context, from, to string) (decimal.Decimal, error) {
	return f(ctx, from, to)
}

type fakeRedis struct {
	redis.Cmdable
	values map[string]string
}

func (f *fakeRedis) Get(_ context.Context, key string) *redis.StringCmd {
	value, ok := f.values[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(value, nil)
}

func (f *fakeRedis) Set(_ context.Context, key string, value interface{}, _ time.Duration) *redis.StatusCmd {
	f.values[key] = value.(string)
	return redis.NewStatusResult("OK", nil)
}

func newTestNormalizer(source RateSource, cache RateCache) (*Normalizer, *test.Hook) {
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	cfg := config.CurrencyConfig{
		FallbackRates: map[string]decimal.Decimal{"USD:VND": decimal.NewFromInt(25000)},
	}
	return NewNormalizer(cfg, source, cache, logger), hook
}

func TestToMinorUnitsSameCurrencyIsIdentity(t *testing.T) {
	n, _ := newTestNormalizer(nil, nil)

	got, err := n.ToMinorUnits(context.Background(), decimal.RequireFromString("150000"), "vnd", "VND")
	require.NoError(t, err)
	assert.Equal(t, int64(150000), got)

	got, err = n.ToMinorUnits(context.Background(), decimal.RequireFromString("12.345"), "USD", "USD")
	require.NoError(t, err)
	assert.Equal(t, int64(1235), got)
}

func TestToMinorUnitsUsesLiveRate(t *testing.T) {
	source := fnRateSource(func(_ context.Context, from, to string) (decimal.Decimal, error) {
		assert.Equal(t, "VND", from)
		assert.Equal(t, "USD", to)
		return decimal.RequireFromString("0.00004"), nil
	})
	n, hook := newTestNormalizer(source, nil)

	got, err := n.ToMinorUnits(context.Background(), decimal.NewFromInt(150000), "VND", "USD")
	require.NoError(t, err)
	assert.Equal(t, int64(600), got)
	for _, entry := range hook.AllEntries() {
		assert.NotEqual(t, "currency.fallback_rate", entry.Message)
	}
}

func TestToMinorUnitsFallsBackToInverseStaticRate(t *testing.T) {
	source := fnRateSource(func(context.Context, string, string) (decimal.Decimal, error) {
		return decimal.Zero, errors.New("rate api down")
	})
	n, hook := newTestNormalizer(source, nil)

	got, err := n.ToMinorUnits(context.Background(), decimal.NewFromInt(150000), "VND", "USD")
	require.NoError(t, err)
	assert.Equal(t, int64(600), got)

	entry := hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, "currency.fallback_rate", entry.Message)
	assert.Equal(t, logrus.WarnLevel, entry.Level)
	assert.Equal(t, "VND:USD", entry.Data["pair"])
}

func TestToMinorUnitsRoundsHalfUp(t *testing.T) {
	n, _ := newTestNormalizer(nil, nil)

	got, err := n.ToMinorUnits(context.Background(), decimal.RequireFromString("0.00002"), "USD", "VND")
	require.NoError(t, err)
	assert.Equal(t, int64(1), got)

	got, err = n.ToMinorUnits(context.Background(), decimal.RequireFromString("0.005"), "USD", "USD")
	require.NoError(t, err)
	assert.Equal(t, int64(1), got)
}

func TestToMinorUnitsFailsWithoutAnyRate(t *testing.T) {
	n, _ := newTestNormalizer(nil, nil)

	_, err := n.ToMinorUnits(context.Background(), decimal.NewFromInt(10), "EUR", "VND")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConversionFailed))
}

func TestNormalizerReadsAndFillsCache(t *testing.T) {
	calls := 0
	source := fnRateSource(func(context.Context, string, string) (decimal.Decimal, error) {
		calls++
		return decimal.NewFromInt(26000), nil
	})
	store := &fakeRedis{values: map[string]string{}}
	n, _ := newTestNormalizer(source, NewRedisRateCache(store, time.Minute))

	first, err := n.Convert(context.Background(), decimal.NewFromInt(2), "USD", "VND")
	require.NoError(t, err)
	second, err := n.Convert(context.Background(), decimal.NewFromInt(2), "USD", "VND")
	require.NoError(t, err)

	assert.True(t, first.Equal(decimal.NewFromInt(52000)))
	assert.True(t, second.Equal(first))
	assert.Equal(t, 1, calls)
	assert.Equal(t, "26000", store.values[rateKeyPrefix+"USD:VND"])
}

func TestHTTPRateSource(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "USD", r.URL.Query().Get("from"))
		assert.Equal(t, "VND", r.URL.Query().Get("to"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"rate":25350.5}`))
	}))
	defer server.Close()

	rate, err := NewHTTPRateSource(server.URL, time.Second).Rate(context.Background(), "USD", "VND")
	require.NoError(t, err)
	assert.True(t, rate.Equal(decimal.RequireFromString("25350.5")))
}

func TestHTTPRateSourceRejectsErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	_, err := NewHTTPRateSource(server.URL, time.Second).Rate(context.Background(), "USD", "VND")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConversionFailed))
}
