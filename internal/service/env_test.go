package service

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/GoPolymarket/otcgate/internal/chain"
	"github.com/GoPolymarket/otcgate/internal/chain/chaintest"
	"github.com/GoPolymarket/otcgate/internal/config"
	"github.com/GoPolymarket/otcgate/internal/model"
	"github.com/GoPolymarket/otcgate/internal/notify"
	"github.com/GoPolymarket/otcgate/internal/pricefeed"
	"github.com/GoPolymarket/otcgate/internal/repository"
	"github.com/GoPolymarket/otcgate/internal/repository/repotest"
)

const (
	testBuyer = "0x00000000000000000000000000000000000000b1"
	testToken = "0x00000000000000000000000000000000000000aa"
)

type testEnv struct {
	db      *gorm.DB
	fake    *chaintest.Fake
	chains  *chain.Registry
	prices  *pricefeed.StaticProvider
	notes   *notify.Recorder
	resets  *ResetGate
	ledger  *InventoryLedger
	quotes  *QuoteService
	offers  *OfferService
	recon   *Reconciler
	deals   *repository.DealRepo
	cursors *repository.CursorRepo
	cons    *model.Consignment
}

// newTestEnv wires the offer lifecycle against an in-memory escrow on "base"
// and seeds one consignment of 1000 units priced at $2.
func newTestEnv(t *testing.T, mutate ...func(c *model.Consignment)) *testEnv {
	t.Helper()
	db := repotest.NewDB(t)

	fake := chaintest.NewFake("base", chain.FamilyEVM)
	chains := chain.NewRegistry()
	chains.Register(fake, 1)

	prices := pricefeed.NewStaticProvider()
	prices.SetTokenPrice("base", testToken, decimal.NewFromInt(2))
	prices.SetNativePrice("base", decimal.NewFromInt(3000))

	consRepo := repository.NewConsignmentRepo(db)
	ledger := NewInventoryLedger(repository.NewInventoryRepo(db))
	quotes := NewQuoteService(repository.NewQuoteRepo(db), consRepo, prices, nil)
	quotes.SetChains(chains)
	notes := &notify.Recorder{}
	resets := NewResetGate()
	deals := repository.NewDealRepo(db)

	offers := NewOfferService(OfferDeps{
		Offers:        repository.NewOfferRepo(db),
		Consignments:  consRepo,
		Deals:         deals,
		Quotes:        quotes,
		Ledger:        ledger,
		Prices:        prices,
		Chains:        chains,
		Resets:        resets,
		Notifier:      notes,
		SubmitBackoff: time.Millisecond,
	})
	cursors := repository.NewCursorRepo(db)
	recon := NewReconciler(ReconcilerDeps{
		Offers:         repository.NewOfferRepo(db),
		Tokens:         repository.NewTokenRepo(db),
		Cursors:        cursors,
		Ledger:         ledger,
		OfferSv:        offers,
		Quotes:         quotes,
		Chains:         chains,
		Resets:         resets,
		Notifier:       notes,
		Config:         config.ReconcileConfig{IntervalSeconds: 1, PendingTimeoutSeconds: 600, BatchSize: 2},
		ResetDetection: map[string]bool{"base": true},
	})
	offers.SetTrigger(recon)

	return &testEnv{
		db:      db,
		fake:    fake,
		chains:  chains,
		prices:  prices,
		notes:   notes,
		resets:  resets,
		ledger:  ledger,
		quotes:  quotes,
		offers:  offers,
		recon:   recon,
		deals:   deals,
		cursors: cursors,
		cons:    seedConsignment(t, db, 1000, mutate...),
	}
}

func negotiable(c *model.Consignment) {
	c.IsNegotiable = true
	c.FixedDiscountBps = 0
	c.MinDiscountBps = 500
	c.MaxDiscountBps = 2000
	c.MinLockupDays = 0
	c.MaxLockupDays = 30
}

// fixedTerms match the seeded fixed consignment: 10% off, no lockup.
func fixedTerms(amount int64) model.OfferTerms {
	return model.OfferTerms{
		Beneficiary: testBuyer,
		TokenAmount: model.NewAmount(amount),
		DiscountBps: 1000,
		Currency:    model.CurrencyStable,
	}
}

func negotiatedTerms(amount int64) model.OfferTerms {
	return model.OfferTerms{
		Beneficiary:        testBuyer,
		TokenAmount:        model.NewAmount(amount),
		DiscountBps:        800,
		AgentCommissionBps: 50,
		Currency:           model.CurrencyNative,
	}
}

// payOnChain has the buyer pay the escrow directly and returns the tx hash.
func (e *testEnv) payOnChain(t *testing.T, o *model.Offer, value int64) string {
	t.Helper()
	h, err := e.fake.Submit(context.Background(), chain.FulfillOffer{OfferID: o.ContractOfferID, Value: big.NewInt(value)})
	require.NoError(t, err)
	return h.Hash
}

func (e *testEnv) remaining(t *testing.T) model.Amount {
	t.Helper()
	amt, _ := remaining(t, e.db, e.cons.ID)
	return amt
}

func (e *testEnv) reservation(t *testing.T, id string) *model.Reservation {
	t.Helper()
	res, err := repository.NewInventoryRepo(e.db).GetReservation(context.Background(), id)
	require.NoError(t, err)
	return res
}
