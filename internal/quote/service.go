// Package quote prices a foreign amount in local currency. It never fails for
// lack of a live rate: the last cached rate and then a configured static rate
// stand in when the source is down.
package quote

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/baharkarakas/fxcard-wallet/internal/apperr"
	"github.com/baharkarakas/fxcard-wallet/internal/gateway"
	"github.com/baharkarakas/fxcard-wallet/internal/models"
)

type RateSource interface {
	Quote(ctx context.Context, amount decimal.Decimal, pair string) (gateway.QuoteResult, error)
}

type RateCache interface {
	Get(ctx context.Context, pair string) (decimal.Decimal, bool)
	Set(ctx context.Context, pair string, rate decimal.Decimal)
}

type Config struct {
	Pair         string
	FallbackRate decimal.Decimal
	FeeRate      decimal.Decimal
	MinFee       decimal.Decimal
}

func DefaultConfig() Config {
	return Config{
		Pair:         "NGN/USD",
		FallbackRate: decimal.NewFromInt(1600),
		FeeRate:      decimal.RequireFromString("0.002"),
		MinFee:       decimal.NewFromInt(300),
	}
}

type Service struct {
	src   RateSource
	cache RateCache
	cfg   Config
	log   *slog.Logger
}

// NewService accepts a nil cache.
func NewService(src RateSource, cache RateCache, cfg Config, log *slog.Logger) *Service {
	return &Service{src: src, cache: cache, cfg: cfg, log: log}
}

func (s *Service) GetQuote(ctx context.Context, amountForeign decimal.Decimal) (models.FXQuote, error) {
	if !amountForeign.IsPositive() {
		return models.FXQuote{}, fmt.Errorf("%w: amountForeign must be > 0", apperr.ErrValidation)
	}
	rate, fallback := s.rate(ctx, amountForeign)
	q := Compute(amountForeign, rate, s.cfg.FeeRate, s.cfg.MinFee)
	q.Fallback = fallback
	return q, nil
}

func (s *Service) rate(ctx context.Context, amount decimal.Decimal) (decimal.Decimal, bool) {
	if s.src != nil {
		res, err := s.src.Quote(ctx, amount, s.cfg.Pair)
		if err == nil {
			if s.cache != nil {
				s.cache.Set(ctx, s.cfg.Pair, res.Rate)
			}
			return res.Rate, false
		}
		s.log.Warn("rate source unavailable", "pair", s.cfg.Pair, "err", err)
	}
	if s.cache != nil {
		if r, ok := s.cache.Get(ctx, s.cfg.Pair); ok {
			s.log.Info("using cached rate", "pair", s.cfg.Pair, "rate", r.String())
			return r, true
		}
	}
	s.log.Warn("using static fallback rate", "pair", s.cfg.Pair, "rate", s.cfg.FallbackRate.String())
	return s.cfg.FallbackRate, true
}

// Compute derives the quote for amountForeign at rate:
// base = amount*rate, fee = max(base*feeRate, minFee), total = base+fee, all to 2dp.
func Compute(amountForeign, rate, feeRate, minFee decimal.Decimal) models.FXQuote {
	base := amountForeign.Mul(rate).Round(2)
	fee := base.Mul(feeRate).Round(2)
	if fee.LessThan(minFee) {
		fee = minFee.Round(2)
	}
	return models.FXQuote{
		AmountRequested: amountForeign,
		Rate:            rate,
		BaseAmount:      base,
		Fee:             fee,
		TotalAmount:     base.Add(fee),
	}
}
