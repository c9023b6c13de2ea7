package repository_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/GoPolymarket/otcgate/internal/model"
	"github.com/GoPolymarket/otcgate/internal/repository"
	"github.com/GoPolymarket/otcgate/internal/repository/repotest"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newConsignment(chain, consigner string, negotiable bool) *model.Consignment {
	return &model.Consignment{
		ID:                    uuid.NewString(),
		Chain:                 chain,
		TokenID:               "0x00000000000000000000000000000000000000aa",
		TokenDecimals:         18,
		ConsignerAddress:      consigner,
		TotalAmount:           model.MustAmount("1000000000000000000000"),
		RemainingAmount:       model.MustAmount("1000000000000000000000"),
		IsNegotiable:          negotiable,
		MinDiscountBps:        100,
		MaxDiscountBps:        1000,
		MaxLockupDays:         30,
		MinDealAmount:         model.NewAmount(1),
		MaxDealAmount:         model.MustAmount("1000000000000000000000"),
		MaxPriceVolatilityBps: 500,
		Status:                model.ConsignmentActive,
	}
}

func TestConsignmentAmountsKeepPrecision(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewConsignmentRepo(repotest.NewDB(t))

	c := newConsignment("base", "0xabc", true)
	c.AllowedBuyers = []string{"0x01", "0x02"}
	require.NoError(t, repo.Create(ctx, c))

	got, err := repo.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, "1000000000000000000000", got.TotalAmount.String())
	assert.Equal(t, 0, got.RemainingAmount.Cmp(c.RemainingAmount))
	assert.Equal(t, []string{"0x01", "0x02"}, []string(got.AllowedBuyers))

	_, err = repo.Get(ctx, "missing")
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestConsignmentListFilters(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewConsignmentRepo(repotest.NewDB(t))

	a := newConsignment("base", "0xaaa", true)
	b := newConsignment("bsc", "0xbbb", false)
	c := newConsignment("solana", "So1", true)
	c.Status = model.ConsignmentWithdrawn
	for _, x := range []*model.Consignment{a, b, c} {
		require.NoError(t, repo.Create(ctx, x))
	}

	all, err := repo.List(ctx, model.ConsignmentFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2, "withdrawn lots are hidden by default")

	evm, err := repo.List(ctx, model.ConsignmentFilter{Chains: []string{"base", "bsc"}, NegotiableTypes: []string{"fixed"}})
	require.NoError(t, err)
	require.Len(t, evm, 1)
	assert.Equal(t, b.ID, evm[0].ID)

	both, err := repo.List(ctx, model.ConsignmentFilter{NegotiableTypes: []string{"fixed", "negotiable"}, IncludeInactive: true})
	require.NoError(t, err)
	assert.Len(t, both, 3)

	byConsigner, err := repo.List(ctx, model.ConsignmentFilter{ConsignerAddress: "0xaaa"})
	require.NoError(t, err)
	require.Len(t, byConsigner, 1)
	assert.Equal(t, a.ID, byConsigner[0].ID)
}

func TestOfferListNonTerminalPages(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewOfferRepo(repotest.NewDB(t))

	statuses := []model.OfferStatus{
		model.OfferPending, model.OfferCreated, model.OfferFulfilled,
		model.OfferPaid, model.OfferCancelled, model.OfferApproved,
	}
	for _, st := range statuses {
		require.NoError(t, repo.Create(ctx, &model.Offer{
			ID:            uuid.NewString(),
			Chain:         "base",
			ConsignmentID: "c1",
			TokenAmount:   model.NewAmount(10),
			Status:        st,
		}))
	}

	first, err := repo.ListNonTerminal(ctx, "", 3)
	require.NoError(t, err)
	require.Len(t, first, 3)
	rest, err := repo.ListNonTerminal(ctx, first[2].ID, 3)
	require.NoError(t, err)
	assert.Len(t, rest, 1)
	for _, o := range append(first, rest...) {
		assert.False(t, o.Status.IsTerminal())
	}

	counts, err := repo.CountByStatus(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, counts[model.OfferFulfilled])
}

func TestDealCreateIfAbsent(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewDealRepo(repotest.NewDB(t))

	offer := &model.Offer{
		ID:                     uuid.NewString(),
		Chain:                  "base",
		TokenAmount:            model.NewAmount(700),
		AmountPaid:             model.NewAmount(42),
		PriceUSDPerToken:       decimal.RequireFromString("1.00"),
		PriceDeviationExceeded: true,
		DeviationBps:           decimal.NewFromInt(600),
	}
	created, err := repo.CreateIfAbsent(ctx, model.DealFromOffer(uuid.NewString(), offer, "0x1", time.Now()))
	require.NoError(t, err)
	assert.True(t, created)

	created, err = repo.CreateIfAbsent(ctx, model.DealFromOffer(uuid.NewString(), offer, "0x2", time.Now()))
	require.NoError(t, err)
	assert.False(t, created)

	d, err := repo.GetByOffer(ctx, offer.ID)
	require.NoError(t, err)
	assert.Equal(t, "0x1", d.FulfillTxHash)
	assert.True(t, d.DeviationBps.Equal(decimal.NewFromInt(600)))

	flagged, err := repo.List(ctx, repository.DealFilter{FlaggedOnly: true})
	require.NoError(t, err)
	assert.Len(t, flagged, 1)
}

func TestTokenUnregistered(t *testing.T) {
	ctx := context.Background()
	db := repotest.NewDB(t)
	consignments := repository.NewConsignmentRepo(db)
	tokens := repository.NewTokenRepo(db)

	a := newConsignment("base", "0xaaa", true)
	b := newConsignment("base", "0xbbb", true)
	b.TokenID = "0x00000000000000000000000000000000000000bb"
	require.NoError(t, consignments.Create(ctx, a))
	require.NoError(t, consignments.Create(ctx, b))

	refs, err := tokens.Unregistered(ctx)
	require.NoError(t, err)
	assert.Len(t, refs, 2)

	require.NoError(t, tokens.Upsert(ctx, &model.Token{Chain: "base", Address: a.TokenID, Decimals: 18}))
	require.NoError(t, tokens.Upsert(ctx, &model.Token{Chain: "base", Address: a.TokenID, Decimals: 18, Symbol: "AAA"}))

	refs, err = tokens.Unregistered(ctx)
	require.NoError(t, err)
	require.Len(t, refs, 1)
	assert.Equal(t, b.TokenID, refs[0].TokenID)

	tok, err := tokens.Get(ctx, "base", a.TokenID)
	require.NoError(t, err)
	assert.Equal(t, "AAA", tok.Symbol)
}

func TestCursorRoundTrip(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewCursorRepo(repotest.NewDB(t))

	_, err := repo.Get(ctx, "base")
	assert.ErrorIs(t, err, repository.ErrNotFound)

	require.NoError(t, repo.Save(ctx, &model.ChainCursor{Chain: "base", BlockNumber: 10}))
	require.NoError(t, repo.Save(ctx, &model.ChainCursor{Chain: "base", BlockNumber: 12}))
	cur, err := repo.Get(ctx, "base")
	require.NoError(t, err)
	assert.EqualValues(t, 12, cur.BlockNumber)
}

func TestTransactionRetriesSerializationFailures(t *testing.T) {
	db := repotest.NewDB(t)

	calls := 0
	err := repository.Transaction(context.Background(), db, func(tx *gorm.DB) error {
		calls++
		if calls < 3 {
			return &pgconn.PgError{Code: "40001"}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)

	calls = 0
	boom := errors.New("boom")
	err = repository.Transaction(context.Background(), db, func(tx *gorm.DB) error {
		calls++
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)

	assert.True(t, repository.IsRetryableTxError(&pgconn.PgError{Code: "40P01"}))
	assert.False(t, repository.IsRetryableTxError(&pgconn.PgError{Code: "23505"}))
}

func TestDBIdempotencyStore(t *testing.T) {
	ctx := context.Background()
	store := repository.NewDBIdempotencyStore(repotest.NewDB(t))

	rec, hit := store.GetOrLock(ctx, "POST /v1/offers:k1")
	assert.False(t, hit)
	assert.Nil(t, rec)

	rec, hit = store.GetOrLock(ctx, "POST /v1/offers:k1")
	require.True(t, hit)
	assert.True(t, rec.Processing)

	store.Save(ctx, "POST /v1/offers:k1", 201, []byte(`{"id":"o1"}`))
	rec, hit = store.GetOrLock(ctx, "POST /v1/offers:k1")
	require.True(t, hit)
	assert.False(t, rec.Processing)
	assert.Equal(t, 201, rec.Status)
	assert.JSONEq(t, `{"id":"o1"}`, string(rec.Body))

	store.Unlock(ctx, "POST /v1/offers:k1")
	_, hit = store.GetOrLock(ctx, "POST /v1/offers:k1")
	assert.False(t, hit)
}

func TestAuditListAndCleanup(t *testing.T) {
	ctx := context.Background()
	db := repotest.NewDB(t)
	repo := repository.NewAuditRepo(db)

	old := &model.AuditLog{ID: uuid.NewString(), Method: "POST", Path: "/v1/offers", StatusCode: 201, CreatedAt: time.Now().UTC().Add(-48 * time.Hour)}
	recent := &model.AuditLog{ID: uuid.NewString(), Method: "GET", Path: "/v1/consignments", StatusCode: 200, CreatedAt: time.Now().UTC()}
	require.NoError(t, repo.Insert(ctx, old))
	require.NoError(t, repo.Insert(ctx, recent))
	require.NoError(t, repo.Insert(ctx, recent), "duplicate ids are ignored")

	offers, err := repo.List(ctx, repository.AuditFilter{Path: "/v1/offers"})
	require.NoError(t, err)
	require.Len(t, offers, 1)
	assert.Equal(t, old.ID, offers[0].ID)

	require.NoError(t, repo.Cleanup(ctx, 24*time.Hour))
	all, err := repo.List(ctx, repository.AuditFilter{})
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, recent.ID, all[0].ID)
}
