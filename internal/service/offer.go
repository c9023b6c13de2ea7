package service

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/GoPolymarket/otcgate/internal/chain"
	"github.com/GoPolymarket/otcgate/internal/model"
	"github.com/GoPolymarket/otcgate/internal/notify"
	"github.com/GoPolymarket/otcgate/internal/pkg/apperrors"
	"github.com/GoPolymarket/otcgate/internal/pkg/logger"
	"github.com/GoPolymarket/otcgate/internal/pkg/metrics"
	"github.com/GoPolymarket/otcgate/internal/pricefeed"
	"github.com/GoPolymarket/otcgate/internal/repository"
)

// ReconcileTrigger asks reconciliation to look at one offer soon.
type ReconcileTrigger interface {
	Trigger(offerID string)
}

type noopTrigger struct{}

func (noopTrigger) Trigger(string) {}

// OfferDeps wires an OfferService.
type OfferDeps struct {
	Offers       *repository.OfferRepo
	Consignments *repository.ConsignmentRepo
	Deals        *repository.DealRepo
	Quotes       *QuoteService
	Ledger       *InventoryLedger
	Guard        *PriceGuard
	Prices       pricefeed.Provider
	Chains       *chain.Registry
	Resets       *ResetGate
	Notifier     notify.Publisher

	// MaxSubmitAttempts per chain name; chains not listed get 3.
	MaxSubmitAttempts map[string]int
	SubmitBackoff     time.Duration
}

// OfferService drives offers through created, approved, paid and one of
// fulfilled, cancelled or refunded. The escrow is the source of truth: every
// mutating call re-reads the on-chain offer before submitting anything.
type OfferService struct {
	offers       *repository.OfferRepo
	consignments *repository.ConsignmentRepo
	deals        *repository.DealRepo
	quotes       *QuoteService
	ledger       *InventoryLedger
	guard        *PriceGuard
	prices       pricefeed.Provider
	chains       *chain.Registry
	resets       *ResetGate
	notifier     notify.Publisher
	trigger      ReconcileTrigger

	locks       *keyedMutex
	maxAttempts map[string]int
	backoff     time.Duration
	now         func() time.Time
}

func NewOfferService(d OfferDeps) *OfferService {
	s := &OfferService{
		offers:       d.Offers,
		consignments: d.Consignments,
		deals:        d.Deals,
		quotes:       d.Quotes,
		ledger:       d.Ledger,
		guard:        d.Guard,
		prices:       d.Prices,
		chains:       d.Chains,
		resets:       d.Resets,
		notifier:     d.Notifier,
		trigger:      noopTrigger{},
		locks:        newKeyedMutex(),
		maxAttempts:  d.MaxSubmitAttempts,
		backoff:      d.SubmitBackoff,
		now:          utcNow,
	}
	if s.guard == nil {
		s.guard = NewPriceGuard()
	}
	if s.resets == nil {
		s.resets = NewResetGate()
	}
	if s.notifier == nil {
		s.notifier = notify.Noop{}
	}
	if s.backoff <= 0 {
		s.backoff = 200 * time.Millisecond
	}
	return s
}

// SetTrigger connects the reconciler once both sides are built.
func (s *OfferService) SetTrigger(t ReconcileTrigger) {
	if t != nil {
		s.trigger = t
	}
}

func (s *OfferService) Get(ctx context.Context, id string) (*model.Offer, error) {
	o, err := s.offers.Get(ctx, id)
	if err != nil {
		return nil, lookupErr(err, "offer")
	}
	return o, nil
}

// CreateOffer validates terms, reserves inventory and submits the escrow
// call. On a confirmation timeout the offer is returned pending and handed to
// reconciliation.
func (s *OfferService) CreateOffer(ctx context.Context, consignmentID string, terms model.OfferTerms) (*model.Offer, error) {
	c, err := s.consignments.Get(ctx, consignmentID)
	if err != nil {
		return nil, lookupErr(err, "consignment")
	}
	a, err := s.chains.Get(c.Chain)
	if err != nil {
		return nil, err
	}
	if err := s.checkReset(c.Chain); err != nil {
		return nil, err
	}

	if err := chain.ValidateAddress(a.Family(), terms.Beneficiary); err != nil {
		return nil, apperrors.NewInvalidRequest(err.Error())
	}
	if !terms.Currency.Valid() {
		return nil, apperrors.NewInvalidRequest("currency must be native or stable")
	}
	if err := checkTerms(c, terms.TokenAmount, terms.DiscountBps, terms.LockupSeconds); err != nil {
		return nil, err
	}
	if err := checkCommission(c, terms.AgentCommissionBps); err != nil {
		return nil, err
	}
	if err := checkBuyer(c, terms.Beneficiary); err != nil {
		return nil, err
	}
	signed, err := chain.DecodeSignedTx(a.Family(), terms.SignedTx)
	if err != nil {
		return nil, err
	}

	now := s.now()
	offer := &model.Offer{
		ID:                   uuid.NewString(),
		Chain:                c.Chain,
		ConsignmentID:        c.ID,
		QuoteID:              terms.QuoteID,
		Beneficiary:          chain.NormalizeAddress(a.Family(), terms.Beneficiary),
		TokenAmount:          terms.TokenAmount,
		DiscountBps:          terms.DiscountBps,
		LockupSeconds:        terms.LockupSeconds,
		AgentCommissionBps:   terms.AgentCommissionBps,
		Currency:             terms.Currency,
		MaxPriceDeviationBps: c.MaxPriceVolatilityBps,
		Status:               model.OfferPending,
		CreatedAt:            now,
		UnlockTime:           now.Add(time.Duration(terms.LockupSeconds) * time.Second),
		SubmittedAt:          now,
		UpdatedAt:            now,
	}

	// Prevention: a drifted or expired quote is refused before anything is reserved.
	if terms.QuoteID != "" {
		q, err := s.quotes.Get(ctx, terms.QuoteID)
		if err != nil {
			return nil, err
		}
		if q.ConsignmentID != c.ID {
			return nil, apperrors.NewInvalidRequest("quote belongs to another consignment")
		}
		if q.OfferID != "" {
			return nil, apperrors.Newf(apperrors.ErrStateConflict, "quote %s already backs offer %s", q.QuoteID, q.OfferID)
		}
		if q.Status == model.QuoteRejected {
			return nil, apperrors.Newf(apperrors.ErrStateConflict, "quote %s was rejected", q.QuoteID)
		}
		live, err := s.prices.TokenPrice(ctx, c.Chain, c.TokenID)
		if err != nil {
			return nil, apperrors.New(apperrors.ErrUpstream, "no live price for token", err)
		}
		if _, err := s.guard.Enforce(q, live, c.MaxPriceVolatilityBps, now); err != nil {
			return nil, err
		}
		offer.PriceUSDPerToken = q.PriceUSDPerToken
	} else if live, err := s.prices.TokenPrice(ctx, c.Chain, c.TokenID); err == nil {
		offer.PriceUSDPerToken = live.PriceUSD
	}
	if err := checkDeskLimits(ctx, a, c, terms.TokenAmount, terms.DiscountBps, offer.PriceUSDPerToken); err != nil {
		return nil, err
	}

	res, err := s.ledger.Reserve(ctx, c.ID, offer.ID, terms.TokenAmount)
	if err != nil {
		return nil, err
	}
	offer.ReservationID = res.ID

	unlock := s.locks.Lock(offer.ID)
	defer unlock()

	if err := s.offers.Create(ctx, offer); err != nil {
		s.releaseQuietly(ctx, offer)
		return nil, err
	}
	if offer.QuoteID != "" {
		if err := s.quotes.Bind(ctx, offer.QuoteID, offer.ID); err != nil {
			s.failCreate(ctx, offer, "quote already used")
			return nil, err
		}
	}

	ins := chain.CreateOfferFromConsignment{
		Call:               chain.Call{SignedTx: signed},
		ConsignmentID:      c.ContractConsignmentID,
		Beneficiary:        offer.Beneficiary,
		TokenAmount:        terms.TokenAmount.Big(),
		DiscountBps:        uint16(terms.DiscountBps),
		Currency:           terms.Currency.OnChainCode(),
		LockupSeconds:      terms.LockupSeconds,
		AgentCommissionBps: uint16(terms.AgentCommissionBps),
	}

	h, err := s.submit(ctx, a, ins)
	if err != nil {
		s.failCreate(ctx, offer, "submit failed: "+err.Error())
		return nil, chain.ToAppError(err)
	}
	offer.CreateTxHash = h.Hash
	offer.LastTxHash = h.Hash
	offer.SubmittedAt = h.SubmittedAt.UTC()
	if offer.SubmittedAt.IsZero() {
		offer.SubmittedAt = now
	}
	if err := s.save(ctx, offer); err != nil {
		return nil, err
	}

	rcpt, err := s.await(ctx, a, h)
	if err != nil {
		logger.Warn("offer creation unconfirmed, handing to reconciliation",
			"offer_id", offer.ID, "tx", h.Hash, "error", err)
		s.trigger.Trigger(offer.ID)
		return offer, nil
	}
	if !rcpt.Success {
		s.failCreate(ctx, offer, "creation transaction reverted")
		return offer, apperrors.Newf(apperrors.ErrStateConflict, "offer creation reverted in %s", h.Hash)
	}
	if err := s.confirmCreation(ctx, a, offer, rcpt); err != nil {
		logger.Warn("offer creation receipt unreadable, handing to reconciliation",
			"offer_id", offer.ID, "tx", h.Hash, "error", err)
		s.trigger.Trigger(offer.ID)
		return offer, nil
	}
	return offer, nil
}

// confirmCreation mirrors a successful creation receipt onto a pending
// offer: the chain-assigned id and whether the escrow auto-approved it.
func (s *OfferService) confirmCreation(ctx context.Context, a chain.Adapter, o *model.Offer, rcpt *chain.Receipt) error {
	created, err := a.DecodeEvent(rcpt, chain.EventOfferCreated)
	if err != nil {
		return err
	}
	if created.OfferID == "" {
		return fmt.Errorf("%w: OfferCreated without offer id", chain.ErrEventNotFound)
	}
	o.ContractOfferID = created.OfferID
	if _, err := a.DecodeEvent(rcpt, chain.EventOfferApproved); err == nil {
		o.Approved = true
	} else if !errors.Is(err, chain.ErrEventNotFound) {
		return err
	}

	oc, err := a.ReadOffer(ctx, o.ContractOfferID)
	if err != nil {
		oc = nil
	}
	if oc != nil && oc.Exists && !oc.UnlockTime.IsZero() {
		o.UnlockTime = oc.UnlockTime.UTC()
	}
	if (oc == nil || !oc.Paid) && s.reservationReleased(ctx, o) {
		return s.withdrawUnbacked(ctx, a, o)
	}
	s.transition(ctx, o, model.OfferPending)
	return s.save(ctx, o)
}

func (s *OfferService) reservationReleased(ctx context.Context, o *model.Offer) bool {
	if o.ReservationID == "" {
		return false
	}
	res, err := s.ledger.Reservation(ctx, o.ReservationID)
	if err != nil {
		logger.Warn("read reservation failed", "offer_id", o.ID, "reservation_id", o.ReservationID, "error", err)
		return false
	}
	return res.Status == model.ReservationReleased
}

// withdrawUnbacked cancels an offer that landed on-chain after its inventory
// went back to the consignment. It ends cancelled locally even when the
// on-chain cancel fails, so the inventory is never counted twice.
func (s *OfferService) withdrawUnbacked(ctx context.Context, a chain.Adapter, o *model.Offer) error {
	logger.Warn("offer confirmed after its reservation was released, cancelling it",
		"offer_id", o.ID, "contract_offer_id", o.ContractOfferID)
	if err := s.save(ctx, o); err != nil {
		return err
	}
	err := s.transact(ctx, a, o, chain.CancelOffer{OfferID: o.ContractOfferID},
		func(o *model.Offer) bool { return o.Cancelled })
	if err != nil {
		logger.LogError(ctx, err, "cancel unbacked offer failed", "offer_id", o.ID, "contract_offer_id", o.ContractOfferID)
	}
	if !o.Status.IsTerminal() {
		s.failCreate(ctx, o, "reservation released before creation confirmed")
		return nil
	}
	if o.CancelReason == "" {
		o.CancelReason = "reservation released before creation confirmed"
		return s.save(ctx, o)
	}
	return nil
}

// Approve is legal for negotiated offers still in created. Approving an
// approved offer returns it unchanged.
func (s *OfferService) Approve(ctx context.Context, id string) (*model.Offer, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	o, a, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if o.Approved {
		return o, nil
	}
	switch {
	case o.Status == model.OfferPending:
		return nil, apperrors.Newf(apperrors.ErrStateConflict, "offer %s is not confirmed on-chain yet", id)
	case o.Status.IsTerminal():
		return nil, apperrors.Newf(apperrors.ErrStateConflict, "offer %s is %s", id, o.Status)
	}
	if err := checkApprover(ctx, a); err != nil {
		return nil, err
	}

	err = s.transact(ctx, a, o, chain.ApproveOffer{OfferID: o.ContractOfferID},
		func(o *model.Offer) bool { return o.Approved })
	if err != nil {
		return nil, err
	}
	return o, nil
}

// RecordPayment accepts a payment that already landed on-chain. A price
// drift beyond the consignment's limit does not reject it; the offer and its
// deal are flagged for review instead.
func (s *OfferService) RecordPayment(ctx context.Context, id string, amountPaid model.Amount, txHash, payer string) (*model.Offer, error) {
	txHash = strings.TrimSpace(txHash)
	if txHash == "" {
		return nil, apperrors.NewInvalidRequest("txHash is required")
	}

	unlock := s.locks.Lock(id)
	defer unlock()

	o, a, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	before := o.Status
	// load may already have seen paid and run onPaid
	seen := o.Paid
	if o.PaymentTxHash != "" {
		if o.PaymentTxHash == txHash {
			return o, nil
		}
		return nil, apperrors.Newf(apperrors.ErrStateConflict, "offer %s already paid by %s", id, o.PaymentTxHash)
	}
	if o.Cancelled || o.Refunded {
		return nil, apperrors.Newf(apperrors.ErrStateConflict, "offer %s is %s", id, o.Status)
	}
	if !o.Approved {
		return nil, apperrors.Newf(apperrors.ErrStateConflict, "offer %s is not approved", id)
	}

	rcpt, err := a.ReceiptOf(ctx, txHash)
	if err != nil {
		return nil, chain.ToAppError(err)
	}
	if rcpt != nil && !rcpt.Success {
		return nil, apperrors.Newf(apperrors.ErrStateConflict, "payment transaction %s reverted", txHash)
	}
	if !o.Paid && rcpt != nil {
		ev, err := a.DecodeEvent(rcpt, chain.EventOfferPaid)
		if err == nil && ev.OfferID == o.ContractOfferID {
			markPaid(o, ev.Actor, ev.Amount)
		}
	}
	if !o.Paid {
		s.trigger.Trigger(o.ID)
		return nil, apperrors.New(apperrors.ErrChainTransient,
			"payment not visible on-chain yet", fmt.Errorf("tx %s", txHash))
	}

	if o.AmountPaid.IsZero() {
		o.AmountPaid = amountPaid
	} else if amountPaid.Sign() > 0 && amountPaid.Cmp(o.AmountPaid) != 0 {
		logger.Warn("reported payment differs from chain", "offer_id", o.ID,
			"reported", amountPaid.String(), "chain", o.AmountPaid.String())
	}
	if o.Payer == "" {
		o.Payer = payer
	}
	o.PaymentTxHash = txHash

	var quote *model.Quote
	if seen {
		quote = s.boundQuote(ctx, o)
	} else {
		quote = s.onPaid(ctx, o)
	}

	if err := s.ledgerEffects(ctx, o); err != nil {
		return nil, err
	}
	s.transition(ctx, o, before)
	if err := s.save(ctx, o); err != nil {
		return nil, err
	}

	var block uint64
	if rcpt != nil {
		block = rcpt.BlockNumber
	}
	s.executeQuote(ctx, o, quote, txHash, block)
	return o, nil
}

// onPaid runs the checks owed the first time paid is observed, whether
// through RecordPayment or reconciliation, and returns the bound quote.
func (s *OfferService) onPaid(ctx context.Context, o *model.Offer) *model.Quote {
	q := s.boundQuote(ctx, o)
	if q != nil {
		s.detectDeviation(ctx, o, q)
	}
	return q
}

func (s *OfferService) boundQuote(ctx context.Context, o *model.Offer) *model.Quote {
	if o.QuoteID == "" {
		return nil
	}
	q, err := s.quotes.Get(ctx, o.QuoteID)
	if err != nil {
		logger.Warn("bound quote unavailable at payment", "offer_id", o.ID, "quote_id", o.QuoteID, "error", err)
		return nil
	}
	return q
}

// executeQuote closes the bound quote with the payment transaction. Without
// one the quote stays bound; CompleteQuote can finish it later.
func (s *OfferService) executeQuote(ctx context.Context, o *model.Offer, q *model.Quote, txHash string, block uint64) {
	if q == nil {
		return
	}
	if txHash == "" {
		logger.Info("payment tx unknown, quote left bound", "offer_id", o.ID, "quote_id", q.QuoteID)
		return
	}
	if _, err := s.quotes.Execute(ctx, q.QuoteID, o.ID, txHash, block); err != nil {
		logger.Warn("quote not executed", "offer_id", o.ID, "quote_id", q.QuoteID, "error", err)
	}
}

// detectDeviation flags the offer when the bound quote had expired or the
// live price moved past the limit between quoting and payment. Either flag is
// carried into the deal and published as a price deviation.
func (s *OfferService) detectDeviation(ctx context.Context, o *model.Offer, q *model.Quote) {
	flagged := false
	if q.Expired(s.now()) {
		o.QuoteExpiredAtPayment = true
		flagged = true
		metrics.PriceGuardRejects.WithLabelValues("expired", "payment").Inc()
		logger.Warn("payment landed after quote expiry", "offer_id", o.ID, "quote_id", q.QuoteID,
			"expired_at", q.ExpiresAt.Format(time.RFC3339))
	}
	live, err := s.prices.TokenPrice(ctx, o.Chain, s.tokenOf(ctx, o))
	if err != nil {
		logger.Warn("no live price at payment, deviation not checked", "offer_id", o.ID, "error", err)
	} else {
		v := s.guard.Deviation(q, live, o.MaxPriceDeviationBps)
		o.DeviationBps = v.DeviationBps
		if v.Kind == VerdictViolation {
			o.PriceDeviationExceeded = true
			flagged = true
			metrics.PriceGuardRejects.WithLabelValues("deviation", "payment").Inc()
			logger.Warn("payment exceeded price deviation", "offer_id", o.ID,
				"deviation_bps", v.DeviationBps.StringFixed(2), "limit_bps", o.MaxPriceDeviationBps)
		}
	}
	if flagged {
		s.publish(ctx, o, notify.OfferPriceDeviation)
	}
}

func (s *OfferService) tokenOf(ctx context.Context, o *model.Offer) string {
	c, err := s.consignments.Get(ctx, o.ConsignmentID)
	if err != nil {
		return ""
	}
	return c.TokenID
}

// Cancel is legal before payment and releases the reservation.
func (s *OfferService) Cancel(ctx context.Context, id string, signedTx string) (*model.Offer, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	o, a, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if o.Status == model.OfferCancelled {
		return o, nil
	}
	switch {
	case o.Paid || o.Status.IsTerminal():
		return nil, apperrors.Newf(apperrors.ErrStateConflict, "offer %s is %s and can no longer be cancelled", id, o.Status)
	case o.Status == model.OfferPending:
		return nil, apperrors.Newf(apperrors.ErrStateConflict, "offer %s is not confirmed on-chain yet", id)
	}

	raw, err := chain.DecodeSignedTx(a.Family(), signedTx)
	if err != nil {
		return nil, err
	}
	err = s.transact(ctx, a, o, chain.CancelOffer{Call: chain.Call{SignedTx: raw}, OfferID: o.ContractOfferID},
		func(o *model.Offer) bool { return o.Cancelled })
	if err != nil {
		return nil, err
	}
	return o, nil
}

// Fulfill claims the tokens for the beneficiary once the lockup is over and
// appends the Deal.
func (s *OfferService) Fulfill(ctx context.Context, id string, signedTx string) (*model.Offer, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	o, a, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if o.Fulfilled {
		return o, s.ensureDeal(ctx, o)
	}
	switch {
	case o.Status.IsTerminal():
		return nil, apperrors.Newf(apperrors.ErrStateConflict, "offer %s is %s", id, o.Status)
	case !o.Paid:
		return nil, apperrors.Newf(apperrors.ErrStateConflict, "offer %s is not paid", id)
	case !o.Unlocked(s.now()):
		return nil, apperrors.Newf(apperrors.ErrStateConflict, "offer %s is locked until %s",
			id, o.UnlockTime.UTC().Format(time.RFC3339))
	}

	raw, err := chain.DecodeSignedTx(a.Family(), signedTx)
	if err != nil {
		return nil, err
	}
	err = s.transact(ctx, a, o, chain.Claim{Call: chain.Call{SignedTx: raw}, OfferID: o.ContractOfferID},
		func(o *model.Offer) bool { return o.Fulfilled })
	if err != nil {
		return nil, err
	}
	return o, nil
}

// EmergencyRefund returns the payment of an offer that was paid but never
// fulfilled once its lockup has passed, if the desk allows it.
func (s *OfferService) EmergencyRefund(ctx context.Context, id string, signedTx string) (*model.Offer, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	o, a, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if o.Status == model.OfferRefunded {
		return o, nil
	}
	desk, err := a.ReadDeskParams(ctx)
	if err != nil {
		return nil, chain.ToAppError(err)
	}
	switch {
	case !desk.EmergencyRefundsEnabled:
		return nil, apperrors.Newf(apperrors.ErrStateConflict, "emergency refunds are disabled on %s", o.Chain)
	case o.Status.IsTerminal():
		return nil, apperrors.Newf(apperrors.ErrStateConflict, "offer %s is %s", id, o.Status)
	case !o.Paid:
		return nil, apperrors.Newf(apperrors.ErrStateConflict, "offer %s is not paid", id)
	case !o.Unlocked(s.now()):
		return nil, apperrors.Newf(apperrors.ErrStateConflict, "offer %s is locked until %s",
			id, o.UnlockTime.UTC().Format(time.RFC3339))
	}

	raw, err := chain.DecodeSignedTx(a.Family(), signedTx)
	if err != nil {
		return nil, err
	}
	err = s.transact(ctx, a, o, chain.EmergencyRefund{Call: chain.Call{SignedTx: raw}, OfferID: o.ContractOfferID},
		func(o *model.Offer) bool { return o.Refunded })
	if err != nil {
		return nil, err
	}
	return o, nil
}

// CompleteQuote executes a quote for an offer whose payment is recorded.
func (s *OfferService) CompleteQuote(ctx context.Context, quoteID, offerID, txHash string, blockNumber uint64) (*model.Quote, error) {
	o, err := s.Get(ctx, offerID)
	if err != nil {
		return nil, err
	}
	if !o.Paid {
		return nil, apperrors.Newf(apperrors.ErrStateConflict, "offer %s is not paid", offerID)
	}
	if txHash == "" {
		txHash = o.PaymentTxHash
	}
	if blockNumber == 0 && txHash != "" {
		if a, err := s.chains.Get(o.Chain); err == nil {
			if rcpt, err := a.ReceiptOf(ctx, txHash); err == nil && rcpt != nil {
				blockNumber = rcpt.BlockNumber
			}
		}
	}
	return s.quotes.Execute(ctx, quoteID, o.ID, txHash, blockNumber)
}

// load reads the offer, resolves its adapter and refreshes it from the chain.
func (s *OfferService) load(ctx context.Context, id string) (*model.Offer, chain.Adapter, error) {
	o, err := s.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	a, err := s.chains.Get(o.Chain)
	if err != nil {
		return nil, nil, err
	}
	if err := s.refresh(ctx, a, o); err != nil {
		return nil, nil, err
	}
	return o, a, nil
}

func (s *OfferService) refresh(ctx context.Context, a chain.Adapter, o *model.Offer) error {
	if o.ContractOfferID == "" || o.Status.IsTerminal() {
		return nil
	}
	oc, err := a.ReadOffer(ctx, o.ContractOfferID)
	if err != nil {
		return chain.ToAppError(err)
	}
	_, err = s.applyOnChain(ctx, o, oc)
	return err
}

// transact submits ins unless done already holds on-chain, waits for the
// receipt and mirrors the resulting escrow state onto o.
func (s *OfferService) transact(ctx context.Context, a chain.Adapter, o *model.Offer, ins chain.Instruction, done func(*model.Offer) bool) error {
	if done(o) {
		return nil
	}
	if err := s.checkReset(o.Chain); err != nil {
		return err
	}

	h, err := s.submit(ctx, a, ins)
	if errors.Is(err, chain.ErrAlreadyDone) {
		logger.Info("escrow reports target state already reached", "offer_id", o.ID, "method", ins.Method())
		if err := s.refresh(ctx, a, o); err != nil {
			return err
		}
		if done(o) {
			return nil
		}
		s.trigger.Trigger(o.ID)
		return apperrors.New(apperrors.ErrChainTransient,
			fmt.Sprintf("%s reported done but escrow state not visible yet", ins.Method()), err)
	}
	if err != nil {
		return chain.ToAppError(err)
	}
	o.LastTxHash = h.Hash
	if err := s.save(ctx, o); err != nil {
		return err
	}

	rcpt, err := s.await(ctx, a, h)
	if err != nil {
		s.trigger.Trigger(o.ID)
		return apperrors.New(apperrors.ErrChainTransient,
			fmt.Sprintf("%s submitted in %s, confirmation pending", ins.Method(), h.Hash), err)
	}
	if err := s.refresh(ctx, a, o); err != nil {
		return err
	}
	if done(o) {
		return nil
	}
	if !rcpt.Success {
		return apperrors.Newf(apperrors.ErrStateConflict, "%s reverted in %s", ins.Method(), h.Hash)
	}
	s.trigger.Trigger(o.ID)
	return apperrors.New(apperrors.ErrChainTransient,
		fmt.Sprintf("%s confirmed but escrow state not visible yet", ins.Method()), nil)
}

// applyOnChain overwrites o's flags with the escrow's and performs the
// matching ledger effect. Terminal offers are never touched. It reports
// whether the derived status changed.
func (s *OfferService) applyOnChain(ctx context.Context, o *model.Offer, oc *chain.OnChainOffer) (bool, error) {
	if o.Status.IsTerminal() || oc == nil || !oc.Exists {
		return false, nil
	}
	before := o.Status
	flagsChanged := o.Approved != oc.Approved || o.Paid != oc.Paid ||
		o.Fulfilled != oc.Fulfilled || o.Cancelled != oc.Cancelled

	o.Approved = oc.Approved
	o.Fulfilled = oc.Fulfilled
	o.Cancelled = oc.Cancelled
	var (
		quote    *model.Quote
		paidNow  bool
		payBlock uint64
	)
	if oc.Paid && !o.Paid {
		markPaid(o, oc.Payer, oc.AmountPaid)
		paidNow = true
		payBlock = s.locatePayment(ctx, o)
		quote = s.onPaid(ctx, o)
	}
	o.Paid = oc.Paid
	if o.Cancelled && o.Paid {
		o.Refunded = true
	}
	if !oc.UnlockTime.IsZero() {
		o.UnlockTime = oc.UnlockTime.UTC()
	}

	if !flagsChanged && o.DeriveStatus() == before {
		return false, nil
	}
	if err := s.ledgerEffects(ctx, o); err != nil {
		return false, err
	}
	changed := s.transition(ctx, o, before)
	if err := s.save(ctx, o); err != nil {
		return false, err
	}
	if paidNow {
		s.executeQuote(ctx, o, quote, o.PaymentTxHash, payBlock)
	}
	return changed, nil
}

// locatePayment fills in the payment tx of an offer found paid on-chain
// when the adapter can look it up, and returns its block.
func (s *OfferService) locatePayment(ctx context.Context, o *model.Offer) uint64 {
	if o.PaymentTxHash != "" {
		return 0
	}
	a, err := s.chains.Get(o.Chain)
	if err != nil {
		return 0
	}
	finder, ok := a.(chain.PaymentFinder)
	if !ok {
		return 0
	}
	rcpt, err := finder.FindPayment(ctx, o.ContractOfferID)
	if err != nil || rcpt == nil || !rcpt.Success {
		if err != nil {
			logger.Warn("payment lookup failed", "offer_id", o.ID, "error", err)
		}
		return 0
	}
	o.PaymentTxHash = rcpt.TxHash
	return rcpt.BlockNumber
}

// markPaid fixes payer and amountPaid the first time paid is observed.
func markPaid(o *model.Offer, payer string, amount *big.Int) {
	o.Paid = true
	if o.Payer == "" {
		o.Payer = payer
	}
	if o.AmountPaid.IsZero() && amount != nil {
		o.AmountPaid = model.AmountFromBig(amount)
	}
}

// ledgerEffects is idempotent: commit on paid or fulfilled, release on
// cancelled or refunded, and append the deal once fulfilled.
func (s *OfferService) ledgerEffects(ctx context.Context, o *model.Offer) error {
	if o.ReservationID == "" {
		return nil
	}
	switch o.DeriveStatus() {
	case model.OfferCancelled, model.OfferRefunded:
		return s.ledger.Release(ctx, o.ReservationID)
	case model.OfferPaid, model.OfferFulfilled:
		if err := s.ledger.Commit(ctx, o.ReservationID); err != nil {
			if !apperrors.IsType(err, apperrors.ErrStateConflict) {
				return err
			}
			// the sweep released it before the payment showed up
			logger.Error("paid offer has a released reservation", "offer_id", o.ID, "reservation_id", o.ReservationID)
		}
		if o.Fulfilled {
			return s.ensureDeal(ctx, o)
		}
	}
	return nil
}

func (s *OfferService) ensureDeal(ctx context.Context, o *model.Offer) error {
	created, err := s.deals.CreateIfAbsent(ctx, model.DealFromOffer(uuid.NewString(), o, o.LastTxHash, s.now()))
	if err != nil {
		return err
	}
	if created {
		logger.Info("deal recorded", "offer_id", o.ID, "flagged", o.PriceDeviationExceeded)
	}
	return nil
}

// transition refreshes o.Status from its flags and emits the matching event.
func (s *OfferService) transition(ctx context.Context, o *model.Offer, before model.OfferStatus) bool {
	after := o.DeriveStatus()
	o.Status = after
	if after == before {
		return false
	}
	metrics.OfferTransitions.WithLabelValues(o.Chain, string(after)).Inc()
	logger.Info("offer transition", "offer_id", o.ID, "chain", o.Chain, "from", before, "to", after)

	subject := ""
	switch after {
	case model.OfferCreated:
		subject = notify.OfferCreated
	case model.OfferApproved:
		if before == model.OfferPending {
			s.publish(ctx, o, notify.OfferCreated)
		}
		subject = notify.OfferApproved
	case model.OfferPaid:
		subject = notify.OfferPaid
	case model.OfferFulfilled:
		subject = notify.OfferFulfilled
	case model.OfferCancelled:
		subject = notify.OfferCancelled
	case model.OfferRefunded:
		subject = notify.OfferRefunded
	}
	if subject != "" {
		s.publish(ctx, o, subject)
	}
	return true
}

func (s *OfferService) publish(ctx context.Context, o *model.Offer, event string) {
	ev := notify.OfferEvent{
		OfferID:         o.ID,
		Chain:           o.Chain,
		ContractOfferID: o.ContractOfferID,
		ConsignmentID:   o.ConsignmentID,
		Status:          string(o.DeriveStatus()),
		TxHash:          o.LastTxHash,
		At:              s.now(),
	}
	if o.PriceDeviationExceeded {
		ev.DeviationBps = o.DeviationBps.StringFixed(2)
	}
	ev.QuoteExpired = o.QuoteExpiredAtPayment
	if err := s.notifier.Publish(ctx, notify.Subject("", o.Chain, event), ev); err != nil {
		logger.Warn("publish offer event failed", "offer_id", o.ID, "event", event, "error", err)
	}
}

// failCreate cancels an offer whose creation never landed and returns its
// inventory.
func (s *OfferService) failCreate(ctx context.Context, o *model.Offer, reason string) {
	before := o.Status
	o.Cancelled = true
	o.CancelReason = reason
	s.releaseQuietly(ctx, o)
	s.transition(ctx, o, before)
	if err := s.save(ctx, o); err != nil {
		logger.LogError(ctx, err, "persist cancelled offer failed", "offer_id", o.ID)
	}
}

func (s *OfferService) releaseQuietly(ctx context.Context, o *model.Offer) {
	if o.ReservationID == "" {
		return
	}
	if err := s.ledger.Release(ctx, o.ReservationID); err != nil {
		logger.LogError(ctx, err, "release reservation failed", "offer_id", o.ID, "reservation_id", o.ReservationID)
	}
}

// submit retries chain-transient failures with linear backoff.
func (s *OfferService) submit(ctx context.Context, a chain.Adapter, ins chain.Instruction) (chain.TxHandle, error) {
	attempts := 3
	if n, ok := s.maxAttempts[a.Name()]; ok && n > 0 {
		attempts = n
	}
	for attempt := 0; ; attempt++ {
		h, err := a.Submit(ctx, ins)
		metrics.ChainSubmits.WithLabelValues(a.Name(), string(ins.Method()), submitLabel(err)).Inc()
		if err == nil || !chain.IsTransient(err) || !s.shouldRetry(ctx, attempt, attempts-1) {
			return h, err
		}
		logger.Warn("transient submit failure, retrying", "chain", a.Name(), "method", ins.Method(),
			"attempt", attempt+1, "error", err)
	}
}

func (s *OfferService) shouldRetry(ctx context.Context, attempt, limit int) bool {
	if attempt >= limit {
		return false
	}
	select {
	case <-ctx.Done():
		return false
	case <-time.After(time.Duration(attempt+1) * s.backoff):
		return true
	}
}

func (s *OfferService) await(ctx context.Context, a chain.Adapter, h chain.TxHandle) (*chain.Receipt, error) {
	start := time.Now()
	rcpt, err := a.WaitForConfirmation(ctx, h, s.chains.MinConfirmations(a.Name()))
	metrics.ConfirmationLatency.WithLabelValues(a.Name()).Observe(time.Since(start).Seconds())
	return rcpt, err
}

// checkApprover fails fast when the operator key may not approve on the
// desk; the escrow would revert the call anyway.
func checkApprover(ctx context.Context, a chain.Adapter) error {
	op, ok := a.(chain.Operator)
	if !ok {
		return nil
	}
	addr := op.OperatorAddress()
	if addr == "" {
		return apperrors.Newf(apperrors.ErrFatalConfig, "no operator key configured for %s", a.Name())
	}
	allowed, err := a.IsApprover(ctx, addr)
	if err != nil {
		return chain.ToAppError(err)
	}
	if !allowed {
		return apperrors.Newf(apperrors.ErrAuthFailed, "operator %s is not an approver on %s", addr, a.Name())
	}
	return nil
}

func (s *OfferService) checkReset(chainName string) error {
	if s.resets.Resetting(chainName) {
		return apperrors.Newf(apperrors.ErrChainReset, "chain %s is being reconciled after a reset", chainName)
	}
	return nil
}

func (s *OfferService) save(ctx context.Context, o *model.Offer) error {
	o.UpdatedAt = s.now()
	return s.offers.Save(ctx, o)
}

func submitLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, chain.ErrAlreadyDone):
		return "already_done"
	case chain.IsTransient(err):
		return "transient"
	case errors.Is(err, chain.ErrRejected):
		return "rejected"
	default:
		return "error"
	}
}
