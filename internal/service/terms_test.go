package service

import (
	"context"
	"math/big"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GoPolymarket/otcgate/internal/chain"
	"github.com/GoPolymarket/otcgate/internal/chain/chaintest"
	"github.com/GoPolymarket/otcgate/internal/model"
	"github.com/GoPolymarket/otcgate/internal/pkg/apperrors"
)

func TestFixedTermsCompareWholeDays(t *testing.T) {
	c := &model.Consignment{
		MinDealAmount:    model.NewAmount(1),
		MaxDealAmount:    model.NewAmount(100),
		FixedDiscountBps: 1000,
		FixedLockupDays:  7,
	}
	week := int64(7 * secondsPerDay)

	cases := []struct {
		lockup int64
		ok     bool
	}{
		{week, true},
		{week + 3600, true},
		{week + secondsPerDay - 1, true},
		{week - 1, false},
		{week + secondsPerDay, false},
		{0, false},
	}
	for _, tc := range cases {
		err := checkTerms(c, model.NewAmount(10), 1000, tc.lockup)
		if tc.ok {
			assert.NoError(t, err, "lockup=%d", tc.lockup)
			continue
		}
		assert.True(t, apperrors.IsType(err, apperrors.ErrTermsOutOfRange), "lockup=%d: %v", tc.lockup, err)
	}

	err := checkTerms(c, model.NewAmount(10), 900, week)
	assert.True(t, apperrors.IsType(err, apperrors.ErrTermsOutOfRange))
}

func TestDeskLimits(t *testing.T) {
	ctx := context.Background()
	fake := chaintest.NewFake("base", chain.FamilyEVM)
	fake.Desk.MaxTokenPerOrder = big.NewInt(500)
	fake.Desk.MinUSDAmount = new(big.Int).Mul(big.NewInt(1000), big.NewInt(100000000)) // $1000
	c := &model.Consignment{TokenDecimals: 0}
	two := decimal.NewFromInt(2)

	cases := []struct {
		amount   int64
		discount int
		price    decimal.Decimal
		ok       bool
	}{
		{500, 0, two, true},
		{501, 0, two, false},         // over the per-order cap
		{500, 1000, two, false},      // $900 after discount
		{556, 1000, two, false},      // still capped
		{100, 0, decimal.Zero, true}, // no price, value check skipped
	}
	for _, tc := range cases {
		err := checkDeskLimits(ctx, fake, c, model.NewAmount(tc.amount), tc.discount, tc.price)
		if tc.ok {
			assert.NoError(t, err, "amount=%d discount=%d", tc.amount, tc.discount)
			continue
		}
		require.Error(t, err)
		assert.True(t, apperrors.IsType(err, apperrors.ErrTermsOutOfRange), "amount=%d: %v", tc.amount, err)
	}
}
