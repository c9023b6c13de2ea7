package service

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GoPolymarket/otcgate/internal/config"
	"github.com/GoPolymarket/otcgate/internal/model"
	"github.com/GoPolymarket/otcgate/internal/pkg/apperrors"
	"github.com/GoPolymarket/otcgate/internal/pricefeed"
	"github.com/GoPolymarket/otcgate/internal/repository"
	"github.com/GoPolymarket/otcgate/internal/repository/repotest"
)

func newQuoteFixture(t *testing.T, mutate ...func(c *model.Consignment)) (*QuoteService, *model.Consignment) {
	t.Helper()
	db := repotest.NewDB(t)
	prices := pricefeed.NewStaticProvider()
	prices.SetTokenPrice("base", testToken, decimal.RequireFromString("0.05"))
	prices.SetNativePrice("base", decimal.NewFromInt(2500))

	cfg := &config.Config{
		Quote:  config.QuoteConfig{ExpirySeconds: 600},
		Chains: []config.ChainConfig{{Name: "base", NativeDecimals: 18}},
	}
	c := seedConsignment(t, db, 0, append([]func(*model.Consignment){func(c *model.Consignment) {
		// 1,000,000 tokens with 18 decimals
		c.TotalAmount = model.MustAmount("1000000000000000000000000")
		c.RemainingAmount = c.TotalAmount
		c.MaxDealAmount = c.TotalAmount
	}}, mutate...)...)
	return NewQuoteService(repository.NewQuoteRepo(db), repository.NewConsignmentRepo(db), prices, cfg), c
}

func quoteInput(c *model.Consignment, tokens string, cur model.Currency) QuoteInput {
	return QuoteInput{
		ConsignmentID: c.ID,
		EntityID:      "wallet:" + testBuyer,
		Beneficiary:   testBuyer,
		TokenAmount:   model.MustAmount(tokens),
		DiscountBps:   1000,
		Currency:      cur,
	}
}

func TestCreateQuoteStablePricing(t *testing.T) {
	svc, c := newQuoteFixture(t)

	// 10,000 tokens at $0.05 = $500, 10% off = $450
	q, err := svc.CreateQuote(context.Background(), quoteInput(c, "10000000000000000000000", model.CurrencyStable))
	require.NoError(t, err)
	assert.Equal(t, model.QuoteActive, q.Status)
	assert.Equal(t, "500", q.TotalUSD.String())
	assert.Equal(t, "450", q.DiscountedUSD.String())
	assert.Equal(t, "450", q.PaymentAmount.String())
	assert.WithinDuration(t, q.CreatedAt.Add(10*time.Minute), q.ExpiresAt, time.Second)
}

func TestCreateQuoteNativePricing(t *testing.T) {
	svc, c := newQuoteFixture(t)

	q, err := svc.CreateQuote(context.Background(), quoteInput(c, "10000000000000000000000", model.CurrencyNative))
	require.NoError(t, err)
	// $450 / $2500 = 0.18 native
	assert.Equal(t, "0.18", q.PaymentAmount.String())
	assert.Equal(t, "2500", q.NativeUSDPrice.String())
}

func TestCreateQuoteRejectsBadTerms(t *testing.T) {
	svc, c := newQuoteFixture(t)
	ctx := context.Background()

	in := quoteInput(c, "10000000000000000000000", model.CurrencyStable)
	in.DiscountBps = 500
	_, err := svc.CreateQuote(ctx, in)
	assert.True(t, apperrors.IsType(err, apperrors.ErrTermsOutOfRange), "%v", err)

	in = quoteInput(c, "10000000000000000000000", "eth")
	_, err = svc.CreateQuote(ctx, in)
	assert.True(t, apperrors.IsType(err, apperrors.ErrInvalidRequest), "%v", err)

	in = quoteInput(c, "10000000000000000000000", model.CurrencyStable)
	in.ConsignmentID = "missing"
	_, err = svc.CreateQuote(ctx, in)
	assert.True(t, apperrors.IsType(err, apperrors.ErrNotFound), "%v", err)
}

func TestCreateQuotePrivateConsignment(t *testing.T) {
	svc, c := newQuoteFixture(t, func(c *model.Consignment) {
		c.IsPrivate = true
		c.AllowedBuyers = []string{"0x00000000000000000000000000000000000000B1"}
	})
	ctx := context.Background()

	_, err := svc.CreateQuote(ctx, quoteInput(c, "1000", model.CurrencyStable))
	require.NoError(t, err, "allow-list matches case-insensitively")

	in := quoteInput(c, "1000", model.CurrencyStable)
	in.Beneficiary = "0x00000000000000000000000000000000000000b2"
	_, err = svc.CreateQuote(ctx, in)
	assert.True(t, apperrors.IsType(err, apperrors.ErrTermsOutOfRange), "%v", err)
}

func TestQuoteLifecycle(t *testing.T) {
	svc, c := newQuoteFixture(t)
	ctx := context.Background()

	q, err := svc.CreateQuote(ctx, quoteInput(c, "1000", model.CurrencyStable))
	require.NoError(t, err)

	q, err = svc.Approve(ctx, q.QuoteID)
	require.NoError(t, err)
	assert.Equal(t, model.QuoteApproved, q.Status)
	q, err = svc.Approve(ctx, q.QuoteID)
	require.NoError(t, err)
	assert.Equal(t, model.QuoteApproved, q.Status)

	require.NoError(t, svc.Bind(ctx, q.QuoteID, "offer-1"))
	require.NoError(t, svc.Bind(ctx, q.QuoteID, "offer-1"))
	assert.True(t, apperrors.IsType(svc.Bind(ctx, q.QuoteID, "offer-2"), apperrors.ErrStateConflict))

	_, err = svc.Execute(ctx, q.QuoteID, "offer-1", "0xabc", 0)
	assert.True(t, apperrors.IsType(err, apperrors.ErrInvalidRequest), "block number is required: %v", err)

	q, err = svc.Execute(ctx, q.QuoteID, "offer-1", "0xabc", 42)
	require.NoError(t, err)
	assert.Equal(t, model.QuoteExecuted, q.Status)
	q, err = svc.Execute(ctx, q.QuoteID, "offer-1", "0xabc", 42)
	require.NoError(t, err)
	_, err = svc.Execute(ctx, q.QuoteID, "offer-2", "0xdef", 43)
	assert.True(t, apperrors.IsType(err, apperrors.ErrStateConflict), "%v", err)

	_, err = svc.Reject(ctx, q.QuoteID, "too late")
	assert.True(t, apperrors.IsType(err, apperrors.ErrStateConflict), "%v", err)

	shared, err := svc.Share(ctx, q.QuoteID)
	require.NoError(t, err)
	assert.Equal(t, 1, shared.ShareCount)
}

func TestQuoteReject(t *testing.T) {
	svc, c := newQuoteFixture(t)
	ctx := context.Background()

	q, err := svc.CreateQuote(ctx, quoteInput(c, "1000", model.CurrencyStable))
	require.NoError(t, err)

	_, err = svc.Reject(ctx, q.QuoteID, "  ")
	assert.True(t, apperrors.IsType(err, apperrors.ErrInvalidRequest), "%v", err)

	q, err = svc.Reject(ctx, q.QuoteID, "buyer withdrew")
	require.NoError(t, err)
	assert.Equal(t, model.QuoteRejected, q.Status)
	assert.Equal(t, "buyer withdrew", q.RejectionReason)

	_, err = svc.Approve(ctx, q.QuoteID)
	assert.True(t, apperrors.IsType(err, apperrors.ErrStateConflict), "%v", err)
	_, err = svc.Execute(ctx, q.QuoteID, "offer-1", "0xabc", 1)
	assert.True(t, apperrors.IsType(err, apperrors.ErrStateConflict), "%v", err)
}

func TestQuoteExpiry(t *testing.T) {
	svc, c := newQuoteFixture(t)
	ctx := context.Background()

	q, err := svc.CreateQuote(ctx, quoteInput(c, "1000", model.CurrencyStable))
	require.NoError(t, err)

	svc.now = func() time.Time { return q.ExpiresAt.Add(time.Second) }
	got, err := svc.Get(ctx, q.QuoteID)
	require.NoError(t, err)
	assert.Equal(t, model.QuoteExpired, got.Status, "reads report expiry before the sweep runs")

	_, err = svc.Approve(ctx, q.QuoteID)
	assert.True(t, apperrors.IsType(err, apperrors.ErrQuoteExpired), "%v", err)
	_, err = svc.Execute(ctx, q.QuoteID, "offer-1", "0xabc", 1)
	assert.True(t, apperrors.IsType(err, apperrors.ErrQuoteExpired), "%v", err)

	n, err := svc.ExpireStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = svc.ExpireStale(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestQuoteNoPrice(t *testing.T) {
	svc, c := newQuoteFixture(t)
	svc.prices = pricefeed.NewStaticProvider()

	_, err := svc.CreateQuote(context.Background(), quoteInput(c, "1000", model.CurrencyStable))
	assert.True(t, apperrors.IsType(err, apperrors.ErrUpstream), "%v", err)
}
