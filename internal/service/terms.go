package service

import (
	"context"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/GoPolymarket/otcgate/internal/chain"
	"github.com/GoPolymarket/otcgate/internal/model"
	"github.com/GoPolymarket/otcgate/internal/pkg/apperrors"
)

const secondsPerDay = 24 * 60 * 60

// checkTerms validates an offer or quote against the consignment's
// negotiability rules. lockupSeconds is rounded down to whole days, for fixed
// consignments too.
func checkTerms(c *model.Consignment, amount model.Amount, discountBps int, lockupSeconds int64) error {
	if amount.Cmp(c.MinDealAmount) < 0 || amount.Cmp(c.MaxDealAmount) > 0 {
		return apperrors.Newf(apperrors.ErrTermsOutOfRange,
			"tokenAmount %s outside [%s, %s]", amount, c.MinDealAmount, c.MaxDealAmount)
	}
	if lockupSeconds < 0 {
		return apperrors.NewInvalidRequest("lockupSeconds must be non-negative")
	}
	lockupDays := int(lockupSeconds / secondsPerDay)

	if !c.IsNegotiable {
		if discountBps != c.FixedDiscountBps {
			return apperrors.Newf(apperrors.ErrTermsOutOfRange,
				"discountBps must be %d for this consignment", c.FixedDiscountBps)
		}
		if lockupDays != c.FixedLockupDays {
			return apperrors.Newf(apperrors.ErrTermsOutOfRange,
				"lockup must be %d days for this consignment", c.FixedLockupDays)
		}
		return nil
	}

	if discountBps < c.MinDiscountBps || discountBps > c.MaxDiscountBps {
		return apperrors.Newf(apperrors.ErrTermsOutOfRange,
			"discountBps %d outside [%d, %d]", discountBps, c.MinDiscountBps, c.MaxDiscountBps)
	}
	if lockupDays < c.MinLockupDays || lockupDays > c.MaxLockupDays {
		return apperrors.Newf(apperrors.ErrTermsOutOfRange,
			"lockup %d days outside [%d, %d]", lockupDays, c.MinLockupDays, c.MaxLockupDays)
	}
	return nil
}

// checkCommission enforces 0 for fixed-price and [25,150] for negotiated offers.
func checkCommission(c *model.Consignment, bps int) error {
	if !c.IsNegotiable {
		if bps != 0 {
			return apperrors.Newf(apperrors.ErrTermsOutOfRange, "agentCommissionBps must be 0 for fixed-price consignments")
		}
		return nil
	}
	if bps < model.MinAgentCommissionBps || bps > model.MaxAgentCommissionBps {
		return apperrors.Newf(apperrors.ErrTermsOutOfRange, "agentCommissionBps %d outside [%d, %d]",
			bps, model.MinAgentCommissionBps, model.MaxAgentCommissionBps)
	}
	return nil
}

// checkBuyer applies the private allow-list, if any.
func checkBuyer(c *model.Consignment, beneficiary string) error {
	if !c.IsPrivate || len(c.AllowedBuyers) == 0 {
		return nil
	}
	for _, b := range c.AllowedBuyers {
		if strings.EqualFold(b, beneficiary) {
			return nil
		}
	}
	return apperrors.Newf(apperrors.ErrTermsOutOfRange, "beneficiary is not on this consignment's allow-list")
}

// checkDeskLimits applies the escrow's per-order bounds before anything is
// reserved: at most maxTokenPerOrder base units, and a discounted value of at
// least minUsdAmount (8 decimals). An unknown price skips the value check.
func checkDeskLimits(ctx context.Context, a chain.Adapter, c *model.Consignment, amount model.Amount, discountBps int, price decimal.Decimal) error {
	desk, err := a.ReadDeskParams(ctx)
	if err != nil {
		return chain.ToAppError(err)
	}
	if limit := desk.MaxTokenPerOrder; limit != nil && limit.Sign() > 0 && amount.Big().Cmp(limit) > 0 {
		return apperrors.Newf(apperrors.ErrTermsOutOfRange,
			"tokenAmount %s exceeds the desk limit of %s per order", amount, limit)
	}
	floor := desk.MinUSDAmount
	if floor == nil || floor.Sign() <= 0 || !price.IsPositive() {
		return nil
	}
	value := decimal.NewFromBigInt(amount.Big(), -c.TokenDecimals).Mul(price).
		Mul(decimal.NewFromInt(int64(model.MaxBps - discountBps))).Div(bpsScale)
	if minUSD := decimal.NewFromBigInt(floor, -8); value.LessThan(minUSD) {
		return apperrors.Newf(apperrors.ErrTermsOutOfRange,
			"order value $%s is below the desk minimum of $%s", value.StringFixed(2), minUSD.StringFixed(2))
	}
	return nil
}
