package currency

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/vibast-solutions/ms-go-order-payments/config"
)

var ErrConversionFailed = errors.New("currency conversion failed")

// RateSource returns how many units of `to` one unit of `from` buys.
type RateSource interface {
	Rate(ctx context.Context, from, to string) (decimal.Decimal, error)
}

type RateCache interface {
	Get(ctx context.Context, from, to string) (decimal.Decimal, bool, error)
	Set(ctx context.Context, from, to string, rate decimal.Decimal) error
}

var zeroDecimalCurrencies = map[string]struct{}{
	"VND": {},
	"JPY": {},
	"KRW": {},
}

// Exponent is the number of decimal places of the currency's smallest unit.
func Exponent(code string) int32 {
	if _, ok := zeroDecimalCurrencies[strings.ToUpper(code)]; ok {
		return 0
	}
	return 2
}

type Normalizer struct {
	source   RateSource
	cache    RateCache
	fallback map[string]decimal.Decimal
	logger   logrus.FieldLogger
}

// NewNormalizer builds a Normalizer. source and cache may be nil; without a
// source every conversion uses the static fallback rates.
func NewNormalizer(cfg config.CurrencyConfig, source RateSource, cache RateCache, logger logrus.FieldLogger) *Normalizer {
	fallback := make(map[string]decimal.Decimal, len(cfg.FallbackRates))
	for key, rate := range cfg.FallbackRates {
		fallback[strings.ToUpper(key)] = rate
	}
	if logger == nil {
		logger = logrus.WithField("module", "currency")
	}

	return &Normalizer{
		source:   source,
		cache:    cache,
		fallback: fallback,
		logger:   logger,
	}
}

// Convert returns amount expressed in `to`, rounded half-up to the smallest
// unit of `to`.
func (n *Normalizer) Convert(ctx context.Context, amount decimal.Decimal, from, to string) (decimal.Decimal, error) {
	from = strings.ToUpper(strings.TrimSpace(from))
	to = strings.ToUpper(strings.TrimSpace(to))

	rate, err := n.rate(ctx, from, to)
	if err != nil {
		return decimal.Zero, err
	}

	return amount.Mul(rate).Round(Exponent(to)), nil
}

// ToMinorUnits converts amount and returns it as an integer count of the
// smallest unit of `to` (cents for USD, whole dong for VND).
func (n *Normalizer) ToMinorUnits(ctx context.Context, amount decimal.Decimal, from, to string) (int64, error) {
	converted, err := n.Convert(ctx, amount, from, to)
	if err != nil {
		return 0, err
	}
	return converted.Shift(Exponent(to)).Round(0).IntPart(), nil
}

func (n *Normalizer) rate(ctx context.Context, from, to string) (decimal.Decimal, error) {
	if from == to {
		return decimal.NewFromInt(1), nil
	}

	if n.cache != nil {
		if rate, ok, err := n.cache.Get(ctx, from, to); err != nil {
			n.logger.WithError(err).WithField("pair", config.RateKey(from, to)).Debug("Rate cache read failed")
		} else if ok {
			return rate, nil
		}
	}

	if n.source != nil {
		rate, err := n.source.Rate(ctx, from, to)
		if err == nil && rate.IsPositive() {
			if n.cache != nil {
				if cacheErr := n.cache.Set(ctx, from, to, rate); cacheErr != nil {
					n.logger.WithError(cacheErr).WithField("pair", config.RateKey(from, to)).Debug("Rate cache write failed")
				}
			}
			return rate, nil
		}
		if err == nil {
			err = fmt.Errorf("%w: non-positive rate %s", ErrConversionFailed, rate.String())
		}
		return n.fallbackRate(from, to, err)
	}

	return n.fallbackRate(from, to, nil)
}

func (n *Normalizer) fallbackRate(from, to string, cause error) (decimal.Decimal, error) {
	rate, ok := n.staticRate(from, to)
	if !ok {
		if cause == nil {
			return decimal.Zero, fmt.Errorf("%w: no rate for %s", ErrConversionFailed, config.RateKey(from, to))
		}
		return decimal.Zero, fmt.Errorf("%w: no fallback rate for %s: %v", ErrConversionFailed, config.RateKey(from, to), cause)
	}

	entry := n.logger.WithField("pair", config.RateKey(from, to)).WithField("rate", rate.String())
	if cause != nil {
		entry.WithError(cause).Warn("currency.fallback_rate")
	} else {
		entry.Debug("currency.static_rate")
	}
	return rate, nil
}

func (n *Normalizer) staticRate(from, to string) (decimal.Decimal, bool) {
	if rate, ok := n.fallback[config.RateKey(from, to)]; ok && rate.IsPositive() {
		return rate, true
	}
	if inverse, ok := n.fallback[config.RateKey(to, from)]; ok && inverse.IsPositive() {
		return decimal.NewFromInt(1).DivRound(inverse, 12), true
	}
	return decimal.Zero, false
}
