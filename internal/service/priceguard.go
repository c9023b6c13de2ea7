package service

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/GoPolymarket/otcgate/internal/model"
	"github.com/GoPolymarket/otcgate/internal/pkg/apperrors"
	"github.com/GoPolymarket/otcgate/internal/pkg/metrics"
	"github.com/GoPolymarket/otcgate/internal/pricefeed"
)

type VerdictKind string

const (
	VerdictOk        VerdictKind = "ok"
	VerdictViolation VerdictKind = "violation"
	VerdictExpired   VerdictKind = "expired"
)

// Verdict is the outcome of checking a quote against a live price.
type Verdict struct {
	Kind         VerdictKind
	DeviationBps decimal.Decimal
	LivePrice    decimal.Decimal
}

func (v Verdict) Ok() bool { return v.Kind == VerdictOk }

var bpsScale = decimal.NewFromInt(model.MaxBps)

// DeviationBps is |live - locked| / locked * 10000.
func DeviationBps(locked, live decimal.Decimal) decimal.Decimal {
	return live.Sub(locked).Abs().Div(locked).Mul(bpsScale)
}

// PriceGuard protects consigners from buyers who lock a quote and wait for
// the market to move before paying.
type PriceGuard struct{}

func NewPriceGuard() *PriceGuard { return &PriceGuard{} }

// Validate returns Expired once now is past the quote's expiry, otherwise Ok
// when the deviation is at most maxBps and Violation above it.
func (PriceGuard) Validate(q *model.Quote, live pricefeed.Capture, maxBps int, now time.Time) Verdict {
	if q.Expired(now) {
		return Verdict{Kind: VerdictExpired, LivePrice: live.PriceUSD}
	}
	return PriceGuard{}.Deviation(q, live, maxBps)
}

// Deviation is the price half of Validate, used once the payment has landed
// and the quote's age no longer matters.
func (PriceGuard) Deviation(q *model.Quote, live pricefeed.Capture, maxBps int) Verdict {
	if !q.PriceUSDPerToken.IsPositive() {
		// a zero lock cannot be compared against; treat as the worst case
		return Verdict{Kind: VerdictViolation, DeviationBps: bpsScale, LivePrice: live.PriceUSD}
	}
	dev := DeviationBps(q.PriceUSDPerToken, live.PriceUSD)
	if dev.GreaterThan(decimal.NewFromInt(int64(maxBps))) {
		return Verdict{Kind: VerdictViolation, DeviationBps: dev, LivePrice: live.PriceUSD}
	}
	return Verdict{Kind: VerdictOk, DeviationBps: dev, LivePrice: live.PriceUSD}
}

// Enforce is Validate at quote acceptance: anything but Ok is an error.
func (g PriceGuard) Enforce(q *model.Quote, live pricefeed.Capture, maxBps int, now time.Time) (Verdict, error) {
	v := g.Validate(q, live, maxBps, now)
	switch v.Kind {
	case VerdictExpired:
		metrics.PriceGuardRejects.WithLabelValues("expired", "accept").Inc()
		return v, apperrors.Newf(apperrors.ErrQuoteExpired, "quote %s expired at %s",
			q.QuoteID, q.ExpiresAt.UTC().Format(time.RFC3339))
	case VerdictViolation:
		metrics.PriceGuardRejects.WithLabelValues("deviation", "accept").Inc()
		return v, apperrors.Newf(apperrors.ErrPriceProtection,
			"price moved %s bps since quote, limit is %d", v.DeviationBps.StringFixed(2), maxBps)
	}
	return v, nil
}
