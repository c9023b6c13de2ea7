package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/GoPolymarket/otcgate/internal/chain"
	"github.com/GoPolymarket/otcgate/internal/config"
	"github.com/GoPolymarket/otcgate/internal/model"
	"github.com/GoPolymarket/otcgate/internal/pkg/apperrors"
	"github.com/GoPolymarket/otcgate/internal/pkg/logger"
	"github.com/GoPolymarket/otcgate/internal/pricefeed"
	"github.com/GoPolymarket/otcgate/internal/repository"
)

const stableDecimals = 6

// QuoteInput is a validated quote request.
type QuoteInput struct {
	ConsignmentID string
	EntityID      string
	Beneficiary   string
	TokenAmount   model.Amount
	DiscountBps   int
	LockupDays    int
	Currency      model.Currency
}

type QuoteService struct {
	quotes         repository.QuoteStore
	consignments   *repository.ConsignmentRepo
	prices         pricefeed.Provider
	chains         *chain.Registry
	expiry         time.Duration
	nativeDecimals map[string]int32
	now            func() time.Time
}

func NewQuoteService(quotes repository.QuoteStore, consignments *repository.ConsignmentRepo, prices pricefeed.Provider, cfg *config.Config) *QuoteService {
	s := &QuoteService{
		quotes:         quotes,
		consignments:   consignments,
		prices:         prices,
		expiry:         30 * time.Minute,
		nativeDecimals: make(map[string]int32),
		now:            utcNow,
	}
	if cfg != nil {
		if cfg.Quote.ExpirySeconds > 0 {
			s.expiry = time.Duration(cfg.Quote.ExpirySeconds) * time.Second
		}
		for _, ch := range cfg.Chains {
			s.nativeDecimals[ch.Name] = ch.NativeDecimals
		}
	}
	return s
}

// SetChains enables the escrow's per-order limits on new quotes.
func (s *QuoteService) SetChains(r *chain.Registry) {
	s.chains = r
}

// CreateQuote snapshots the live price and locks it for the configured TTL.
func (s *QuoteService) CreateQuote(ctx context.Context, in QuoteInput) (*model.Quote, error) {
	c, err := s.consignments.Get(ctx, in.ConsignmentID)
	if err != nil {
		return nil, lookupErr(err, "consignment")
	}
	if !c.Available() {
		return nil, apperrors.Newf(apperrors.ErrStateConflict, "consignment %s is %s", c.ID, c.Status)
	}
	if !in.Currency.Valid() {
		return nil, apperrors.NewInvalidRequest("paymentCurrency must be native or stable")
	}
	if err := checkTerms(c, in.TokenAmount, in.DiscountBps, int64(in.LockupDays)*secondsPerDay); err != nil {
		return nil, err
	}
	if err := checkBuyer(c, in.Beneficiary); err != nil {
		return nil, err
	}

	price, err := s.prices.TokenPrice(ctx, c.Chain, c.TokenID)
	if err != nil {
		return nil, apperrors.New(apperrors.ErrUpstream, "no live price for token", err)
	}
	if s.chains != nil {
		a, err := s.chains.Get(c.Chain)
		if err != nil {
			return nil, err
		}
		if err := checkDeskLimits(ctx, a, c, in.TokenAmount, in.DiscountBps, price.PriceUSD); err != nil {
			return nil, err
		}
	}

	now := s.now()
	q := &model.Quote{
		QuoteID:          uuid.NewString(),
		EntityID:         in.EntityID,
		Chain:            c.Chain,
		ConsignmentID:    c.ID,
		Beneficiary:      in.Beneficiary,
		TokenAmount:      in.TokenAmount,
		DiscountBps:      in.DiscountBps,
		LockupDays:       in.LockupDays,
		PaymentCurrency:  in.Currency,
		PriceUSDPerToken: price.PriceUSD,
		Status:           model.QuoteActive,
		CreatedAt:        now,
		ExpiresAt:        now.Add(s.expiry),
		UpdatedAt:        now,
	}

	q.TotalUSD = decimal.NewFromBigInt(in.TokenAmount.Big(), -c.TokenDecimals).Mul(price.PriceUSD)
	q.DiscountedUSD = q.TotalUSD.Mul(decimal.NewFromInt(int64(model.MaxBps - in.DiscountBps))).Div(bpsScale)

	switch in.Currency {
	case model.CurrencyStable:
		q.PaymentAmount = q.DiscountedUSD.RoundUp(stableDecimals)
	case model.CurrencyNative:
		native, err := s.prices.NativePrice(ctx, c.Chain)
		if err != nil {
			return nil, apperrors.New(apperrors.ErrUpstream, "no live native price", err)
		}
		if !native.PriceUSD.IsPositive() {
			return nil, apperrors.Newf(apperrors.ErrUpstream, "native price for %s is not positive", c.Chain)
		}
		dec := s.nativeDecimals[c.Chain]
		if dec == 0 {
			dec = 18
		}
		q.NativeUSDPrice = native.PriceUSD
		q.PaymentAmount = q.DiscountedUSD.DivRound(native.PriceUSD, dec+4).RoundUp(dec)
	}

	if err := s.quotes.Create(ctx, q); err != nil {
		return nil, err
	}
	logger.Info("quote created", "quote_id", q.QuoteID, "consignment_id", c.ID,
		"price_usd", q.PriceUSDPerToken.String(), "payment", q.PaymentAmount.String())
	return q, nil
}

// Get returns the quote with its status as of now.
func (s *QuoteService) Get(ctx context.Context, id string) (*model.Quote, error) {
	q, err := s.quotes.Get(ctx, id)
	if err != nil {
		return nil, lookupErr(err, "quote")
	}
	q.Status = q.EffectiveStatus(s.now())
	return q, nil
}

func (s *QuoteService) Approve(ctx context.Context, id string) (*model.Quote, error) {
	q, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	switch q.Status {
	case model.QuoteApproved, model.QuoteExecuted:
		return q, nil
	case model.QuoteActive:
	case model.QuoteExpired:
		return nil, apperrors.Newf(apperrors.ErrQuoteExpired, "quote %s has expired", id)
	default:
		return nil, apperrors.Newf(apperrors.ErrStateConflict, "quote %s is %s", id, q.Status)
	}
	q.Status = model.QuoteApproved
	q.UpdatedAt = s.now()
	return q, s.quotes.Update(ctx, q)
}

func (s *QuoteService) Reject(ctx context.Context, id, reason string) (*model.Quote, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, apperrors.NewInvalidRequest("rejection reason is required")
	}
	q, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	switch q.Status {
	case model.QuoteRejected:
		return q, nil
	case model.QuoteActive, model.QuoteApproved:
	default:
		return nil, apperrors.Newf(apperrors.ErrStateConflict, "quote %s is %s", id, q.Status)
	}
	q.Status = model.QuoteRejected
	q.RejectionReason = reason
	q.UpdatedAt = s.now()
	return q, s.quotes.Update(ctx, q)
}

// Bind ties the quote to the offer created from it. A quote backs one offer.
func (s *QuoteService) Bind(ctx context.Context, id, offerID string) error {
	q, err := s.quotes.Get(ctx, id)
	if err != nil {
		return lookupErr(err, "quote")
	}
	if q.OfferID == offerID {
		return nil
	}
	if q.OfferID != "" {
		return apperrors.Newf(apperrors.ErrStateConflict, "quote %s already backs offer %s", id, q.OfferID)
	}
	q.OfferID = offerID
	q.UpdatedAt = s.now()
	return s.quotes.Update(ctx, q)
}

// Execute marks the quote settled by the paying transaction. Re-executing
// with the same offer is a no-op.
func (s *QuoteService) Execute(ctx context.Context, id, offerID, txHash string, blockNumber uint64) (*model.Quote, error) {
	q, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if q.Status == model.QuoteExecuted {
		if q.OfferID == offerID {
			return q, nil
		}
		return nil, apperrors.Newf(apperrors.ErrStateConflict, "quote %s executed by another offer", id)
	}
	switch q.Status {
	case model.QuoteExpired:
		return nil, apperrors.Newf(apperrors.ErrQuoteExpired, "quote %s has expired", id)
	case model.QuoteRejected:
		return nil, apperrors.Newf(apperrors.ErrStateConflict, "quote %s was rejected", id)
	}
	if q.OfferID != "" && q.OfferID != offerID {
		return nil, apperrors.Newf(apperrors.ErrStateConflict, "quote %s is bound to offer %s", id, q.OfferID)
	}

	q.Status = model.QuoteExecuted
	q.OfferID = offerID
	q.TransactionHash = txHash
	q.BlockNumber = blockNumber
	if err := q.Validate(); err != nil {
		return nil, apperrors.NewInvalidRequest(err.Error())
	}
	q.UpdatedAt = s.now()
	return q, s.quotes.Update(ctx, q)
}

// Share counts a share of the quote's deal card.
func (s *QuoteService) Share(ctx context.Context, id string) (*model.Quote, error) {
	q, err := s.quotes.Get(ctx, id)
	if err != nil {
		return nil, lookupErr(err, "quote")
	}
	q.ShareCount++
	q.UpdatedAt = s.now()
	if err := s.quotes.Update(ctx, q); err != nil {
		return nil, err
	}
	q.Status = q.EffectiveStatus(s.now())
	return q, nil
}

// ExpireStale rewrites quotes past their TTL to expired and returns how many
// were changed.
func (s *QuoteService) ExpireStale(ctx context.Context) (int, error) {
	now := s.now()
	stale, err := s.quotes.ListStale(ctx, now, 0)
	if err != nil {
		return 0, err
	}
	n := 0
	for i := range stale {
		q := &stale[i]
		q.Status = model.QuoteExpired
		q.UpdatedAt = now
		if err := s.quotes.Update(ctx, q); err != nil {
			logger.Warn("expire quote failed", "quote_id", q.QuoteID, "error", err)
			continue
		}
		n++
	}
	return n, nil
}

func isNotFound(err error) bool {
	return errors.Is(err, repository.ErrNotFound) || apperrors.IsType(err, apperrors.ErrNotFound)
}
