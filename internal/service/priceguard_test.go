package service

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GoPolymarket/otcgate/internal/model"
	"github.com/GoPolymarket/otcgate/internal/pkg/apperrors"
	"github.com/GoPolymarket/otcgate/internal/pricefeed"
)

func lockedQuote(price string, created time.Time) *model.Quote {
	return &model.Quote{
		QuoteID:          "q-1",
		PriceUSDPerToken: decimal.RequireFromString(price),
		Status:           model.QuoteActive,
		CreatedAt:        created,
		ExpiresAt:        created.Add(30 * time.Minute),
	}
}

func capture(price string) pricefeed.Capture {
	return pricefeed.Capture{PriceUSD: decimal.RequireFromString(price), At: time.Now()}
}

func TestPriceGuardBoundaries(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	q := lockedQuote("1.00", now.Add(-time.Minute))
	g := NewPriceGuard()

	cases := []struct {
		live string
		kind VerdictKind
		bps  string
	}{
		{"1.04", VerdictOk, "400"},
		{"1.05", VerdictOk, "500"},
		{"0.95", VerdictOk, "500"},
		{"1.0501", VerdictViolation, "501"},
		{"1.06", VerdictViolation, "600"},
		{"0.90", VerdictViolation, "1000"},
	}
	for _, tc := range cases {
		v := g.Validate(q, capture(tc.live), 500, now)
		assert.Equal(t, tc.kind, v.Kind, "live=%s", tc.live)
		assert.True(t, v.DeviationBps.Equal(decimal.RequireFromString(tc.bps)),
			"live=%s got %s", tc.live, v.DeviationBps)
	}
}

func TestPriceGuardExpiry(t *testing.T) {
	created := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	q := lockedQuote("1.00", created)
	g := NewPriceGuard()

	// exactly at expiry is still valid
	assert.Equal(t, VerdictOk, g.Validate(q, capture("1.00"), 500, q.ExpiresAt).Kind)
	assert.Equal(t, VerdictExpired, g.Validate(q, capture("1.00"), 500, q.ExpiresAt.Add(time.Second)).Kind)

	_, err := g.Enforce(q, capture("1.00"), 500, q.ExpiresAt.Add(time.Second))
	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.ErrQuoteExpired))

	_, err = g.Enforce(q, capture("1.06"), 500, created)
	assert.True(t, apperrors.IsType(err, apperrors.ErrPriceProtection))
}

func TestPriceGuardZeroLockedPrice(t *testing.T) {
	now := time.Now()
	q := lockedQuote("0", now)
	v := NewPriceGuard().Validate(q, capture("1"), 10000, now)
	assert.Equal(t, VerdictViolation, v.Kind)
}
