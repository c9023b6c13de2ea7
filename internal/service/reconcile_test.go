package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GoPolymarket/otcgate/internal/chain"
	"github.com/GoPolymarket/otcgate/internal/model"
	"github.com/GoPolymarket/otcgate/internal/notify"
	"github.com/GoPolymarket/otcgate/internal/oracle"
	"github.com/GoPolymarket/otcgate/internal/pkg/apperrors"
	"github.com/GoPolymarket/otcgate/internal/repository"
)

func TestReconcileConfirmsTimedOutCreation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.fake.TimeoutNext(1)

	o, err := env.offers.CreateOffer(ctx, env.cons.ID, fixedTerms(400))
	require.NoError(t, err)
	require.Equal(t, model.OfferPending, o.Status)

	res, err := env.recon.ReconcileOffer(ctx, o.ID)
	require.NoError(t, err)
	assert.True(t, res.Updated)
	assert.Equal(t, model.OfferPending, res.OldStatus)
	assert.Equal(t, model.OfferApproved, res.NewStatus)

	got, err := env.offers.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, "1", got.ContractOfferID)
	assert.NotNil(t, got.LastReconciledAt)
	assert.Equal(t, "600", env.remaining(t).String())

	res, err = env.recon.ReconcileOffer(ctx, o.ID)
	require.NoError(t, err)
	assert.False(t, res.Updated, "a second pass right after is a no-op")
}

func TestReconcileDroppedCreationCancelsAfterTimeout(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.fake.DropNext(1)

	o, err := env.offers.CreateOffer(ctx, env.cons.ID, fixedTerms(400))
	require.NoError(t, err)
	require.Equal(t, model.OfferPending, o.Status)

	res, err := env.recon.ReconcileOffer(ctx, o.ID)
	require.NoError(t, err)
	assert.False(t, res.Updated, "still inside the pending timeout")
	assert.Equal(t, "600", env.remaining(t).String())

	env.recon.now = func() time.Time { return time.Now().UTC().Add(time.Hour) }
	res, err = env.recon.ReconcileOffer(ctx, o.ID)
	require.NoError(t, err)
	assert.True(t, res.Updated)
	assert.Equal(t, model.OfferCancelled, res.NewStatus)
	assert.Equal(t, "1000", env.remaining(t).String())

	got, err := env.offers.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, got.CancelReason)
}

func TestReconcileMirrorsExternalChanges(t *testing.T) {
	env := newTestEnv(t, negotiable)
	ctx := context.Background()

	o, err := env.offers.CreateOffer(ctx, env.cons.ID, negotiatedTerms(300))
	require.NoError(t, err)
	require.Equal(t, model.OfferCreated, o.Status)

	// another approver signs directly against the escrow
	env.fake.MutateOffer(o.ContractOfferID, func(oc *chain.OnChainOffer) { oc.Approved = true })
	res, err := env.recon.ReconcileOffer(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OfferApproved, res.NewStatus)

	env.payOnChain(t, o, 999)
	res, err = env.recon.ReconcileOffer(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OfferPaid, res.NewStatus)

	got, err := env.offers.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, "999", got.AmountPaid.String())
	assert.Equal(t, env.fake.Payer, got.Payer)
	assert.Equal(t, model.ReservationCommitted, env.reservation(t, o.ReservationID).Status)
}

func TestReconcileNeverRegressesTerminal(t *testing.T) {
	env := newTestEnv(t, negotiable)
	ctx := context.Background()

	o, err := env.offers.CreateOffer(ctx, env.cons.ID, negotiatedTerms(300))
	require.NoError(t, err)
	_, err = env.offers.Cancel(ctx, o.ID, "")
	require.NoError(t, err)

	// a stale view on chain must not resurrect the offer
	env.fake.MutateOffer(o.ContractOfferID, func(oc *chain.OnChainOffer) { oc.Cancelled = false })
	res, err := env.recon.ReconcileOffer(ctx, o.ID)
	require.NoError(t, err)
	assert.False(t, res.Updated)
	assert.Equal(t, model.OfferCancelled, res.NewStatus)
}

func TestReconcileAllPagesAndIsIdempotent(t *testing.T) {
	env := newTestEnv(t, negotiable)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 5; i++ {
		o, err := env.offers.CreateOffer(ctx, env.cons.ID, negotiatedTerms(100))
		require.NoError(t, err)
		ids = append(ids, o.ID)
		env.fake.MutateOffer(o.ContractOfferID, func(oc *chain.OnChainOffer) { oc.Approved = true })
	}

	sum, err := env.recon.ReconcileAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, sum.Total, "batch size 2 still reaches every offer")
	assert.Equal(t, 5, sum.Updated)
	assert.Zero(t, sum.Failed)

	sum, err = env.recon.ReconcileAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, sum.Total)
	assert.Zero(t, sum.Updated)

	for _, id := range ids {
		o, err := env.offers.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, model.OfferApproved, o.Status)
	}
}

func TestReconcileAllSkipsBusyOffers(t *testing.T) {
	env := newTestEnv(t, negotiable)
	ctx := context.Background()

	o, err := env.offers.CreateOffer(ctx, env.cons.ID, negotiatedTerms(100))
	require.NoError(t, err)
	env.fake.MutateOffer(o.ContractOfferID, func(oc *chain.OnChainOffer) { oc.Approved = true })

	unlock := env.offers.locks.Lock(o.ID)
	sum, err := env.recon.ReconcileAll(ctx)
	unlock()
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Skipped)
	assert.Zero(t, sum.Updated)
}

func TestChainResetGatesSubmissions(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	reset, err := env.recon.CheckChainReset(ctx)
	require.NoError(t, err)
	assert.Empty(t, reset, "the first run only records the height")
	assert.Zero(t, env.fake.NonceResets())

	env.fake.SetBlock(5)
	reset, err = env.recon.CheckChainReset(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"base"}, reset)
	assert.True(t, env.resets.Resetting("base"))
	assert.Contains(t, env.notes.Subjects(), "base."+notify.ChainReset)
	assert.Equal(t, 1, env.fake.NonceResets(), "cached nonces are dropped on reset")

	_, err = env.offers.CreateOffer(ctx, env.cons.ID, fixedTerms(100))
	assert.True(t, apperrors.IsType(err, apperrors.ErrChainReset), "%v", err)

	sum, err := env.recon.ReconcileAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"base"}, sum.ChainsResetResolved)
	assert.False(t, env.resets.Resetting("base"))

	_, err = env.offers.CreateOffer(ctx, env.cons.ID, fixedTerms(100))
	require.NoError(t, err)

	cur, err := env.cursors.Get(ctx, "base")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, cur.BlockNumber, uint64(5))
}

func TestResetCancelsPendingOfferImmediately(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.fake.DropNext(1)

	o, err := env.offers.CreateOffer(ctx, env.cons.ID, fixedTerms(400))
	require.NoError(t, err)
	require.Equal(t, model.OfferPending, o.Status)

	env.resets.Mark("base")
	sum, err := env.recon.ReconcileAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Updated)

	got, err := env.offers.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OfferCancelled, got.Status)
	assert.Equal(t, "1000", env.remaining(t).String())
}

func TestSweepCancelsAbandonedOffer(t *testing.T) {
	env := newTestEnv(t, negotiable)
	ctx := context.Background()

	o, err := env.offers.CreateOffer(ctx, env.cons.ID, negotiatedTerms(300))
	require.NoError(t, err)
	require.Equal(t, "700", env.remaining(t).String())

	env.recon.now = func() time.Time { return time.Now().UTC().Add(2 * DefaultExecuteWindow) }
	sum, err := env.recon.ReconcileAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.ReservationsSwept)

	got, err := env.offers.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OfferCancelled, got.Status)
	assert.Equal(t, "1000", env.remaining(t).String())
	assert.Equal(t, 1, env.fake.SubmitCount(chain.MethodCancelOffer))
}

func TestSweepCommitsPaidOffer(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	o, err := env.offers.CreateOffer(ctx, env.cons.ID, fixedTerms(300))
	require.NoError(t, err)
	env.payOnChain(t, o, 540)

	// only the sweep looks at it: the payment was never reported
	env.recon.now = func() time.Time { return time.Now().UTC().Add(2 * DefaultExecuteWindow) }
	n := env.recon.sweepReservations(ctx)
	assert.Equal(t, 1, n)
	assert.Equal(t, model.ReservationCommitted, env.reservation(t, o.ReservationID).Status)
	assert.Equal(t, "700", env.remaining(t).String())
	assert.Zero(t, env.fake.SubmitCount(chain.MethodCancelOffer))
}

func TestSweepLeavesUnconfirmedCreation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.fake.TimeoutNext(1)

	o, err := env.offers.CreateOffer(ctx, env.cons.ID, fixedTerms(700))
	require.NoError(t, err)
	require.Equal(t, model.OfferPending, o.Status)

	env.recon.now = func() time.Time { return time.Now().UTC().Add(2 * DefaultExecuteWindow) }
	assert.Zero(t, env.recon.sweepReservations(ctx))
	assert.Equal(t, model.ReservationPending, env.reservation(t, o.ReservationID).Status)
	assert.Equal(t, "300", env.remaining(t).String())

	_, err = env.recon.ReconcileOffer(ctx, o.ID)
	require.NoError(t, err)
	got, err := env.offers.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, "1", got.ContractOfferID)

	_, err = env.offers.CreateOffer(ctx, env.cons.ID, fixedTerms(700))
	assert.True(t, apperrors.IsType(err, apperrors.ErrInsufficientInventory), "the landed offer still holds its 700: %v", err)
	assert.Equal(t, "300", env.remaining(t).String())
}

func TestLateCreationAfterReleaseIsWithdrawn(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.fake.TimeoutNext(1)

	o, err := env.offers.CreateOffer(ctx, env.cons.ID, fixedTerms(700))
	require.NoError(t, err)
	require.Equal(t, model.OfferPending, o.Status)

	require.NoError(t, env.ledger.Release(ctx, o.ReservationID))
	require.Equal(t, "1000", env.remaining(t).String())

	_, err = env.recon.ReconcileOffer(ctx, o.ID)
	require.NoError(t, err)

	got, err := env.offers.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OfferCancelled, got.Status)
	assert.NotEmpty(t, got.CancelReason)
	assert.Equal(t, 1, env.fake.SubmitCount(chain.MethodCancelOffer))
	assert.True(t, env.fake.Offer(got.ContractOfferID).Cancelled)
	assert.Equal(t, "1000", env.remaining(t).String(), "inventory is not counted twice")
}

func TestReconcileFindsPaymentAndExecutesQuote(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	q, err := env.quotes.CreateQuote(ctx, QuoteInput{
		ConsignmentID: env.cons.ID,
		EntityID:      "e1",
		Beneficiary:   testBuyer,
		TokenAmount:   model.NewAmount(400),
		DiscountBps:   1000,
		Currency:      model.CurrencyStable,
	})
	require.NoError(t, err)
	terms := fixedTerms(400)
	terms.QuoteID = q.QuoteID
	o, err := env.offers.CreateOffer(ctx, env.cons.ID, terms)
	require.NoError(t, err)

	// the buyer pays after a 50% move and never reports it
	env.prices.SetTokenPrice("base", testToken, decimal.NewFromInt(3))
	tx := env.payOnChain(t, o, 720)
	res, err := env.recon.ReconcileOffer(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OfferPaid, res.NewStatus)

	got, err := env.offers.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, tx, got.PaymentTxHash)
	assert.True(t, got.PriceDeviationExceeded)
	assert.True(t, got.DeviationBps.IsPositive())
	assert.Contains(t, env.notes.Subjects(), "base."+notify.OfferPriceDeviation)

	executed, err := env.quotes.Get(ctx, q.QuoteID)
	require.NoError(t, err)
	assert.Equal(t, model.QuoteExecuted, executed.Status)
	assert.Equal(t, tx, executed.TransactionHash)
	assert.NotZero(t, executed.BlockNumber)
}

type stubOracle struct {
	info map[string]*oracle.TokenInfo
	err  error
}

func (s stubOracle) Lookup(_ context.Context, chainName, token string) (*oracle.TokenInfo, error) {
	if s.err != nil {
		return nil, s.err
	}
	if info, ok := s.info[chainName+":"+token]; ok {
		return info, nil
	}
	return nil, oracle.ErrNoPool
}

func TestRegisterTokens(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	tokens := repository.NewTokenRepo(env.db)

	env.recon.oracle = stubOracle{}
	assert.Zero(t, env.recon.registerTokens(ctx), "no pool yet")
	_, err := tokens.Get(ctx, "base", testToken)
	assert.True(t, errors.Is(err, repository.ErrNotFound))

	env.recon.oracle = stubOracle{info: map[string]*oracle.TokenInfo{
		"base:" + testToken: {PoolAddress: "0x00000000000000000000000000000000000000f1", Decimals: 18, Symbol: "ELIZA"},
	}}
	assert.Equal(t, 1, env.recon.registerTokens(ctx))

	tok, err := tokens.Get(ctx, "base", testToken)
	require.NoError(t, err)
	assert.Equal(t, "ELIZA", tok.Symbol)
	assert.Equal(t, int32(18), tok.Decimals)

	assert.Zero(t, env.recon.registerTokens(ctx), "registered tokens are not looked up again")
}

func TestTriggerDoesNotBlock(t *testing.T) {
	env := newTestEnv(t)
	for i := 0; i < cap(env.recon.triggers)+10; i++ {
		env.recon.Trigger("x")
	}
	assert.Len(t, env.recon.triggers, cap(env.recon.triggers))
}
