package service

import (
	"context"
	"errors"
	"time"

	"github.com/GoPolymarket/otcgate/internal/chain"
	"github.com/GoPolymarket/otcgate/internal/config"
	"github.com/GoPolymarket/otcgate/internal/model"
	"github.com/GoPolymarket/otcgate/internal/notify"
	"github.com/GoPolymarket/otcgate/internal/oracle"
	"github.com/GoPolymarket/otcgate/internal/pkg/logger"
	"github.com/GoPolymarket/otcgate/internal/pkg/metrics"
	"github.com/GoPolymarket/otcgate/internal/repository"
)

type ReconcileResult struct {
	OfferID   string            `json:"offerId"`
	Updated   bool              `json:"updated"`
	OldStatus model.OfferStatus `json:"oldStatus"`
	NewStatus model.OfferStatus `json:"newStatus"`
}

type ReconcileSummary struct {
	Total               int      `json:"total"`
	Updated             int      `json:"updated"`
	Failed              int      `json:"failed"`
	Skipped             int      `json:"skipped"`
	ReservationsSwept   int      `json:"reservationsSwept"`
	TokensRegistered    int      `json:"tokensRegistered"`
	QuotesExpired       int      `json:"quotesExpired"`
	ChainsReset         []string `json:"chainsReset,omitempty"`
	ChainsResetResolved []string `json:"chainsResetResolved,omitempty"`
}

type ReconcilerDeps struct {
	Offers  *repository.OfferRepo
	Tokens  *repository.TokenRepo
	Cursors *repository.CursorRepo
	Ledger  *InventoryLedger
	OfferSv *OfferService
	Quotes  *QuoteService
	Chains  *chain.Registry
	Oracle  oracle.PoolOracle
	Resets  *ResetGate

	Notifier notify.Publisher
	Config   config.ReconcileConfig
	// ResetDetection lists the chains whose block height is tracked.
	ResetDetection map[string]bool
}

// Reconciler moves persisted offers toward on-chain truth. Every write is
// monotonic, so it can run next to live traffic and any number of times.
type Reconciler struct {
	offers   *repository.OfferRepo
	tokens   *repository.TokenRepo
	cursors  *repository.CursorRepo
	ledger   *InventoryLedger
	offerSvc *OfferService
	quotes   *QuoteService
	chains   *chain.Registry
	oracle   oracle.PoolOracle
	resets   *ResetGate
	notifier notify.Publisher

	interval       time.Duration
	pendingTimeout time.Duration
	batchSize      int
	resetDetection map[string]bool

	triggers chan string
	now      func() time.Time
}

func NewReconciler(d ReconcilerDeps) *Reconciler {
	r := &Reconciler{
		offers:         d.Offers,
		tokens:         d.Tokens,
		cursors:        d.Cursors,
		ledger:         d.Ledger,
		offerSvc:       d.OfferSv,
		quotes:         d.Quotes,
		chains:         d.Chains,
		oracle:         d.Oracle,
		resets:         d.Resets,
		notifier:       d.Notifier,
		interval:       d.Config.Interval(),
		pendingTimeout: d.Config.PendingTimeout(),
		batchSize:      d.Config.BatchSize,
		resetDetection: d.ResetDetection,
		triggers:       make(chan string, 256),
		now:            utcNow,
	}
	if r.resets == nil {
		r.resets = NewResetGate()
	}
	if r.notifier == nil {
		r.notifier = notify.Noop{}
	}
	if r.interval <= 0 {
		r.interval = 30 * time.Second
	}
	if r.pendingTimeout <= 0 {
		r.pendingTimeout = 10 * time.Minute
	}
	if r.batchSize <= 0 {
		r.batchSize = 200
	}
	return r
}

// Trigger queues an offer for reconciliation. A full queue drops the request;
// the next interval pass covers it.
func (r *Reconciler) Trigger(offerID string) {
	select {
	case r.triggers <- offerID:
	default:
		logger.Warn("reconcile queue full, deferring to next pass", "offer_id", offerID)
	}
}

// Run reconciles on a fixed interval and on demand until ctx is done.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	logger.Info("reconciler started", "interval", r.interval.String())
	for {
		select {
		case <-ctx.Done():
			logger.Info("reconciler stopped")
			return
		case id := <-r.triggers:
			if _, err := r.ReconcileOffer(ctx, id); err != nil {
				metrics.ReconcileRuns.WithLabelValues("trigger", "error").Inc()
				logger.Warn("on-demand reconcile failed", "offer_id", id, "error", err)
				continue
			}
			metrics.ReconcileRuns.WithLabelValues("trigger", "ok").Inc()
		case <-ticker.C:
			if _, err := r.ReconcileAll(ctx); err != nil {
				metrics.ReconcileRuns.WithLabelValues("interval", "error").Inc()
				logger.LogError(ctx, err, "reconcile pass failed")
				continue
			}
			metrics.ReconcileRuns.WithLabelValues("interval", "ok").Inc()
		}
	}
}

// ReconcileOffer brings one offer in line with the chain. A second call
// right after is a no-op.
func (r *Reconciler) ReconcileOffer(ctx context.Context, id string) (*ReconcileResult, error) {
	unlock := r.offerSvc.locks.Lock(id)
	defer unlock()

	o, err := r.offerSvc.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return r.reconcileLocked(ctx, o)
}

func (r *Reconciler) reconcileLocked(ctx context.Context, o *model.Offer) (*ReconcileResult, error) {
	res := &ReconcileResult{OfferID: o.ID, OldStatus: o.Status, NewStatus: o.Status}
	if o.Status.IsTerminal() {
		return res, nil
	}
	a, err := r.chains.Get(o.Chain)
	if err != nil {
		return nil, err
	}
	svc := r.offerSvc

	if o.ContractOfferID == "" {
		done, err := r.resolvePending(ctx, a, o)
		if err != nil || done {
			res.NewStatus = o.Status
			res.Updated = res.NewStatus != res.OldStatus
			r.record(ctx, o, res)
			return res, err
		}
		if o.ContractOfferID == "" {
			return res, nil
		}
	}

	oc, err := a.ReadOffer(ctx, o.ContractOfferID)
	if err != nil {
		return nil, chain.ToAppError(err)
	}
	if !oc.Exists {
		// Gone from the chain: rolled back by a reset, or never there.
		if r.resets.Resetting(o.Chain) || r.now().Sub(o.SubmittedAt) > r.pendingTimeout {
			svc.failCreate(ctx, o, "offer missing on-chain")
		}
	} else if _, err := svc.applyOnChain(ctx, o, oc); err != nil {
		return nil, err
	}

	res.NewStatus = o.Status
	res.Updated = res.NewStatus != res.OldStatus
	r.record(ctx, o, res)
	return res, nil
}

// resolvePending settles an offer whose creation was never confirmed. done is
// true when the offer reached a terminal state.
func (r *Reconciler) resolvePending(ctx context.Context, a chain.Adapter, o *model.Offer) (bool, error) {
	svc := r.offerSvc
	overdue := r.resets.Resetting(o.Chain) || r.now().Sub(o.SubmittedAt) > r.pendingTimeout

	if o.CreateTxHash == "" {
		if overdue {
			svc.failCreate(ctx, o, "creation never submitted")
			return true, nil
		}
		return false, nil
	}

	rcpt, err := a.ReceiptOf(ctx, o.CreateTxHash)
	if err != nil {
		return false, chain.ToAppError(err)
	}
	switch {
	case rcpt == nil && overdue:
		svc.failCreate(ctx, o, "creation transaction not found on-chain")
		return true, nil
	case rcpt == nil:
		return false, nil
	case !rcpt.Success:
		svc.failCreate(ctx, o, "creation transaction reverted")
		return true, nil
	}
	if err := svc.confirmCreation(ctx, a, o, rcpt); err != nil {
		if errors.Is(err, chain.ErrEventNotFound) {
			svc.failCreate(ctx, o, "creation receipt has no OfferCreated event")
			return true, nil
		}
		return false, err
	}
	return false, nil
}

func (r *Reconciler) record(ctx context.Context, o *model.Offer, res *ReconcileResult) {
	at := r.now()
	o.LastReconciledAt = &at
	if err := r.offers.TouchReconciled(ctx, o.ID, at); err != nil {
		logger.Warn("stamp reconcile time failed", "offer_id", o.ID, "error", err)
	}
	if !res.Updated {
		return
	}
	metrics.ReconcileUpdates.WithLabelValues(o.Chain, string(res.OldStatus), string(res.NewStatus)).Inc()
	logger.Info("offer reconciled", "offer_id", o.ID, "from", res.OldStatus, "to", res.NewStatus)
}

// ReconcileAll checks chain heights, walks every non-terminal offer, sweeps
// abandoned reservations and registers unknown tokens. Chains that were
// marked as reset when the pass started accept submissions again afterwards.
func (r *Reconciler) ReconcileAll(ctx context.Context) (*ReconcileSummary, error) {
	sum := &ReconcileSummary{}

	reset, err := r.CheckChainReset(ctx)
	if err != nil {
		logger.Warn("chain reset check failed", "error", err)
	}
	sum.ChainsReset = reset
	resolving := r.resets.Snapshot()

	after := ""
	for {
		page, err := r.offers.ListNonTerminal(ctx, after, r.batchSize)
		if err != nil {
			return sum, err
		}
		for i := range page {
			o := &page[i]
			sum.Total++
			unlock, ok := r.offerSvc.locks.TryLock(o.ID)
			if !ok {
				// a live operation owns it and re-reads the chain itself
				sum.Skipped++
				continue
			}
			res, err := r.reconcileLocked(ctx, o)
			unlock()
			if err != nil {
				sum.Failed++
				logger.Warn("reconcile offer failed", "offer_id", o.ID, "chain", o.Chain, "error", err)
				continue
			}
			if res.Updated {
				sum.Updated++
			}
		}
		if len(page) < r.batchSize {
			break
		}
		after = page[len(page)-1].ID
		if err := ctx.Err(); err != nil {
			return sum, err
		}
	}

	sum.ReservationsSwept = r.sweepReservations(ctx)
	sum.TokensRegistered = r.registerTokens(ctx)
	if r.quotes != nil {
		if n, err := r.quotes.ExpireStale(ctx); err == nil {
			sum.QuotesExpired = n
		}
	}

	if sum.Failed == 0 && len(resolving) > 0 {
		r.resets.Clear(resolving...)
		sum.ChainsResetResolved = resolving
		logger.Info("chain reset resolved", "chains", resolving)
	}
	logger.Info("reconcile pass done", "total", sum.Total, "updated", sum.Updated,
		"failed", sum.Failed, "swept", sum.ReservationsSwept)
	return sum, nil
}

// CheckChainReset compares each tracked chain's head with the last seen
// height. A regression marks the chain as resetting.
func (r *Reconciler) CheckChainReset(ctx context.Context) ([]string, error) {
	var reset []string
	var firstErr error
	for _, name := range r.chains.Names() {
		if !r.resetDetection[name] {
			continue
		}
		a, err := r.chains.Get(name)
		if err != nil {
			continue
		}
		head, err := a.CurrentBlockNumber(ctx)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		cur, err := r.cursors.Get(ctx, name)
		switch {
		case errors.Is(err, repository.ErrNotFound):
		case err != nil:
			if firstErr == nil {
				firstErr = err
			}
			continue
		case head < cur.BlockNumber:
			reset = append(reset, name)
			r.resets.Mark(name)
			if nr, ok := a.(chain.NonceResetter); ok {
				nr.ResetNonces(ctx)
			}
			metrics.ChainResets.WithLabelValues(name).Inc()
			logger.Warn("chain reset detected", "chain", name, "last", cur.BlockNumber, "head", head)
			if err := r.notifier.Publish(ctx, notify.Subject("", name, notify.ChainReset),
				map[string]any{"chain": name, "last": cur.BlockNumber, "head": head}); err != nil {
				logger.Warn("publish chain reset failed", "chain", name, "error", err)
			}
		}
		if err := r.cursors.Save(ctx, &model.ChainCursor{Chain: name, BlockNumber: head, UpdatedAt: r.now()}); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return reset, firstErr
}

// sweepReservations resolves pending reservations past their execute window:
// commit when the offer was paid on-chain, release otherwise.
func (r *Reconciler) sweepReservations(ctx context.Context) int {
	expired, err := r.ledger.ExpiredReservations(ctx, r.now(), r.batchSize)
	if err != nil {
		logger.Warn("list expired reservations failed", "error", err)
		return 0
	}
	n := 0
	for _, res := range expired {
		if r.sweepOne(ctx, res) {
			n++
		}
	}
	return n
}

func (r *Reconciler) sweepOne(ctx context.Context, res model.Reservation) bool {
	unlock, ok := r.offerSvc.locks.TryLock(res.OfferID)
	if !ok {
		return false
	}
	defer unlock()

	o, err := r.offers.Get(ctx, res.OfferID)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		logger.Warn("sweep: load offer failed", "reservation_id", res.ID, "error", err)
		return false
	}

	if o != nil && o.ContractOfferID == "" && !o.Status.IsTerminal() {
		// creation is unresolved; resolvePending releases it if it never lands
		return false
	}

	paid := false
	if o != nil && o.ContractOfferID != "" {
		a, err := r.chains.Get(o.Chain)
		if err != nil {
			return false
		}
		oc, err := a.ReadOffer(ctx, o.ContractOfferID)
		if err != nil {
			logger.Warn("sweep: read offer failed", "offer_id", o.ID, "error", err)
			return false
		}
		if _, err := r.offerSvc.applyOnChain(ctx, o, oc); err != nil {
			logger.Warn("sweep: apply on-chain state failed", "offer_id", o.ID, "error", err)
			return false
		}
		paid = oc.Exists && oc.Paid
		if !paid && oc.Exists && !o.Status.IsTerminal() {
			// the buyer never paid inside the window; the operator withdraws the offer
			err := r.offerSvc.transact(ctx, a, o, chain.CancelOffer{OfferID: o.ContractOfferID},
				func(o *model.Offer) bool { return o.Cancelled })
			if err != nil {
				logger.Warn("sweep: cancel abandoned offer failed", "offer_id", o.ID, "error", err)
			} else if o.CancelReason == "" {
				o.CancelReason = "execute window elapsed"
				_ = r.offerSvc.save(ctx, o)
			}
		}
		if o.Status.IsTerminal() {
			// applyOnChain already committed or released it
			return true
		}
	}

	if paid {
		err = r.ledger.Commit(ctx, res.ID)
	} else {
		err = r.ledger.Release(ctx, res.ID)
	}
	if err != nil {
		logger.Warn("sweep reservation failed", "reservation_id", res.ID, "error", err)
		return false
	}
	logger.Info("abandoned reservation resolved", "reservation_id", res.ID, "offer_id", res.OfferID, "committed", paid)
	return true
}

// registerTokens looks up consigned tokens the desk does not know yet. A miss
// is retried on the next pass.
func (r *Reconciler) registerTokens(ctx context.Context) int {
	if r.oracle == nil || r.tokens == nil {
		return 0
	}
	refs, err := r.tokens.Unregistered(ctx)
	if err != nil {
		logger.Warn("list unregistered tokens failed", "error", err)
		return 0
	}
	n := 0
	for _, ref := range refs {
		info, err := r.oracle.Lookup(ctx, ref.Chain, ref.TokenID)
		if err != nil {
			if errors.Is(err, oracle.ErrNoPool) {
				logger.Info("no pool for token yet", "chain", ref.Chain, "token", ref.TokenID)
			} else {
				logger.Warn("token lookup failed", "chain", ref.Chain, "token", ref.TokenID, "error", err)
			}
			continue
		}
		tok := &model.Token{
			Chain:        ref.Chain,
			Address:      ref.TokenID,
			Symbol:       info.Symbol,
			Decimals:     info.Decimals,
			PoolAddress:  info.PoolAddress,
			RegisteredAt: r.now(),
		}
		if err := r.tokens.Upsert(ctx, tok); err != nil {
			logger.Warn("register token failed", "chain", ref.Chain, "token", ref.TokenID, "error", err)
			continue
		}
		logger.Info("token registered", "chain", ref.Chain, "token", ref.TokenID, "pool", info.PoolAddress)
		n++
	}
	return n
}
