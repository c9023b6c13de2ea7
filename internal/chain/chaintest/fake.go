// Package chaintest provides an in-memory escrow for service tests.
package chaintest

import (
	"context"
	"fmt"
	"math/big"
	"strconv"
	"sync"
	"time"

	"github.com/GoPolymarket/otcgate/internal/chain"
)

// Fake behaves like a single escrow deployment: it assigns sequential ids,
// keeps offer flags, mines every accepted tx into its own block and reports
// the escrow's revert reasons. Failures can be queued per call.
type Fake struct {
	name   string
	family chain.Family

	mu              sync.Mutex
	nextOffer       uint64
	nextConsignment uint64
	block           uint64
	txCount         int
	offers          map[string]*chain.OnChainOffer
	receipts        map[string]*chain.Receipt
	events          map[string][]chain.Event
	payments        map[string]string
	approvers       map[string]bool
	nonceResets     int

	submitErrs   []error
	reverts      int
	drops        int
	waitTimeouts int

	// AutoApprove mirrors the escrow approving fixed-price offers
	// (zero agent commission) inside the creation tx.
	AutoApprove bool
	Payer       string
	Operator    string
	Desk        chain.DeskParams
	Now         func() time.Time
	// OnSubmit runs before each Submit, outside the lock, so it may mutate
	// escrow state the way a concurrent actor would.
	OnSubmit func(ins chain.Instruction)

	Submitted []chain.Instruction
}

func NewFake(name string, family chain.Family) *Fake {
	return &Fake{
		name:            name,
		family:          family,
		nextOffer:       1,
		nextConsignment: 1,
		block:           100,
		offers:          make(map[string]*chain.OnChainOffer),
		receipts:        make(map[string]*chain.Receipt),
		events:          make(map[string][]chain.Event),
		payments:        make(map[string]string),
		approvers:       make(map[string]bool),
		AutoApprove:     true,
		Payer:           "0x00000000000000000000000000000000000000b0",
		Operator:        "0x00000000000000000000000000000000000000a9",
		Desk: chain.DeskParams{
			MinUSDAmount:              big.NewInt(0),
			MaxTokenPerOrder:          new(big.Int).Lsh(big.NewInt(1), 128),
			QuoteExpirySeconds:        1800,
			DefaultUnlockDelaySeconds: 0,
			EmergencyRefundsEnabled:   true,
			Agent:                     "0x00000000000000000000000000000000000000a9",
		},
		Now: time.Now,
	}
}

func (f *Fake) Name() string { return f.name }

func (f *Fake) Family() chain.Family { return f.family }

func (f *Fake) AddApprover(addr string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.approvers[addr] = true
}

// FailSubmit queues errors returned by the next Submit calls. A nil entry
// lets that call through.
func (f *Fake) FailSubmit(errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitErrs = append(f.submitErrs, errs...)
}

// RevertNext makes the next n accepted txs mine with a failed status.
func (f *Fake) RevertNext(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reverts += n
}

// DropNext makes the next n txs vanish: a hash is returned but nothing lands.
func (f *Fake) DropNext(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.drops += n
}

// TimeoutNext makes the next n confirmation waits time out. The tx itself
// still lands.
func (f *Fake) TimeoutNext(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.waitTimeouts += n
}

func (f *Fake) SetBlock(n uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.block = n
}

// Offer returns a copy of the on-chain offer, or nil.
func (f *Fake) Offer(id string) *chain.OnChainOffer {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.offers[id]
	if !ok {
		return nil
	}
	cp := *o
	return &cp
}

// MutateOffer edits on-chain state directly, as if another party transacted.
func (f *Fake) MutateOffer(id string, fn func(o *chain.OnChainOffer)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if o, ok := f.offers[id]; ok {
		fn(o)
	}
}

// PutOffer installs an offer the service never created.
func (f *Fake) PutOffer(o chain.OnChainOffer) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o.Exists = true
	f.offers[o.ID] = &o
}

func (f *Fake) SubmitCount(m chain.Method) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, ins := range f.Submitted {
		if ins.Method() == m {
			n++
		}
	}
	return n
}

func (f *Fake) Submit(ctx context.Context, ins chain.Instruction) (chain.TxHandle, error) {
	if f.OnSubmit != nil {
		f.OnSubmit(ins)
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.submitErrs) > 0 {
		err := f.submitErrs[0]
		f.submitErrs = f.submitErrs[1:]
		if err != nil {
			return chain.TxHandle{}, err
		}
	}

	f.Submitted = append(f.Submitted, ins)
	f.txCount++
	hash := fmt.Sprintf("0xfake%04d", f.txCount)
	h := chain.TxHandle{Chain: f.name, Hash: hash, SubmittedAt: f.Now()}

	if f.drops > 0 {
		f.drops--
		return h, nil
	}
	if f.reverts > 0 {
		f.reverts--
		f.block++
		f.receipts[hash] = &chain.Receipt{TxHash: hash, BlockNumber: f.block, Success: false}
		return h, nil
	}

	evs, err := f.apply(ins)
	if err != nil {
		return chain.TxHandle{}, err
	}
	f.block++
	f.receipts[hash] = &chain.Receipt{TxHash: hash, BlockNumber: f.block, Success: true}
	f.events[hash] = evs
	for _, ev := range evs {
		if ev.Name == chain.EventOfferPaid {
			f.payments[ev.OfferID] = hash
		}
	}
	return h, nil
}

func (f *Fake) apply(ins chain.Instruction) ([]chain.Event, error) {
	now := f.Now()
	switch in := ins.(type) {
	case chain.CreateConsignment:
		id := strconv.FormatUint(f.nextConsignment, 10)
		f.nextConsignment++
		return []chain.Event{{Name: chain.EventConsignmentCreated, ConsignmentID: id, TokenID: in.TokenID, Amount: in.Amount}}, nil

	case chain.CreateOfferFromConsignment:
		id := strconv.FormatUint(f.nextOffer, 10)
		f.nextOffer++
		o := &chain.OnChainOffer{
			Exists:             true,
			ID:                 id,
			ConsignmentID:      in.ConsignmentID,
			Beneficiary:        in.Beneficiary,
			TokenAmount:        in.TokenAmount,
			DiscountBps:        in.DiscountBps,
			CreatedAt:          now,
			UnlockTime:         now.Add(time.Duration(in.LockupSeconds) * time.Second),
			Currency:           in.Currency,
			AmountPaid:         big.NewInt(0),
			AgentCommissionBps: in.AgentCommissionBps,
		}
		f.offers[id] = o
		evs := []chain.Event{{Name: chain.EventOfferCreated, OfferID: id, ConsignmentID: in.ConsignmentID,
			Actor: in.Beneficiary, Amount: in.TokenAmount, Currency: in.Currency}}
		if f.AutoApprove && in.AgentCommissionBps == 0 {
			o.Approved = true
			evs = append(evs, chain.Event{Name: chain.EventOfferApproved, OfferID: id, Actor: f.Desk.Agent})
		}
		return evs, nil

	case chain.ApproveOffer:
		o, err := f.get(in.OfferID)
		if err != nil {
			return nil, err
		}
		if o.Cancelled || o.Paid {
			return nil, chain.ClassifyRevert("bad state")
		}
		if o.Approved {
			return nil, chain.ClassifyRevert("already approved")
		}
		o.Approved = true
		return []chain.Event{{Name: chain.EventOfferApproved, OfferID: o.ID, Actor: f.Desk.Agent}}, nil

	case chain.FulfillOffer:
		o, err := f.get(in.OfferID)
		if err != nil {
			return nil, err
		}
		if o.Paid {
			return nil, chain.ClassifyRevert("already paid")
		}
		if !o.Approved || o.Cancelled {
			return nil, chain.ClassifyRevert("not approved")
		}
		o.Paid = true
		o.Payer = f.Payer
		if in.Value != nil {
			o.AmountPaid = new(big.Int).Set(in.Value)
		}
		return []chain.Event{{Name: chain.EventOfferPaid, OfferID: o.ID, Actor: f.Payer, Amount: o.AmountPaid, Currency: o.Currency}}, nil

	case chain.CancelOffer:
		o, err := f.get(in.OfferID)
		if err != nil {
			return nil, err
		}
		if o.Cancelled {
			return nil, chain.ClassifyRevert("already cancelled")
		}
		if o.Paid || o.Fulfilled {
			return nil, chain.ClassifyRevert("bad state")
		}
		o.Cancelled = true
		return []chain.Event{{Name: chain.EventOfferCancelled, OfferID: o.ID}}, nil

	case chain.Claim:
		o, err := f.get(in.OfferID)
		if err != nil {
			return nil, err
		}
		if o.Fulfilled {
			return nil, chain.ClassifyRevert("already fulfilled")
		}
		if !o.Paid || o.Cancelled {
			return nil, chain.ClassifyRevert("bad state")
		}
		if now.Before(o.UnlockTime) {
			return nil, chain.ClassifyRevert("locked")
		}
		o.Fulfilled = true
		return []chain.Event{{Name: chain.EventTokensClaimed, OfferID: o.ID, Actor: o.Beneficiary, Amount: o.TokenAmount}}, nil

	case chain.EmergencyRefund:
		o, err := f.get(in.OfferID)
		if err != nil {
			return nil, err
		}
		if o.Cancelled {
			return nil, chain.ClassifyRevert("already refunded")
		}
		if !o.Paid || o.Fulfilled {
			return nil, chain.ClassifyRevert("bad state")
		}
		o.Cancelled = true
		return []chain.Event{{Name: chain.EventEmergencyRefund, OfferID: o.ID, Actor: o.Payer, Amount: o.AmountPaid, Currency: o.Currency}}, nil

	case chain.WithdrawConsignment:
		return nil, nil
	}
	return nil, fmt.Errorf("%w: %s", chain.ErrUnsupported, ins.Method())
}

func (f *Fake) get(id string) (*chain.OnChainOffer, error) {
	o, ok := f.offers[id]
	if !ok {
		return nil, chain.ClassifyRevert("offer not found")
	}
	return o, nil
}

func (f *Fake) WaitForConfirmation(ctx context.Context, h chain.TxHandle, minConfirmations uint64) (*chain.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.waitTimeouts > 0 {
		f.waitTimeouts--
		return nil, fmt.Errorf("%w: %s", chain.ErrConfirmationTimeout, h.Hash)
	}
	r, ok := f.receipts[h.Hash]
	if !ok {
		return nil, fmt.Errorf("%w: %s", chain.ErrConfirmationTimeout, h.Hash)
	}
	cp := *r
	return &cp, nil
}

func (f *Fake) ReceiptOf(ctx context.Context, txHash string) (*chain.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.receipts[txHash]
	if !ok {
		return nil, nil
	}
	cp := *r
	return &cp, nil
}

func (f *Fake) DecodeEvent(r *chain.Receipt, name chain.EventName) (*chain.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ev := range f.events[r.TxHash] {
		if ev.Name == name {
			cp := ev
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", chain.ErrEventNotFound, name)
}

func (f *Fake) ReadOffer(ctx context.Context, offerID string) (*chain.OnChainOffer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.offers[offerID]
	if !ok {
		return &chain.OnChainOffer{ID: offerID}, nil
	}
	cp := *o
	return &cp, nil
}

func (f *Fake) ReadDeskParams(ctx context.Context) (*chain.DeskParams, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d := f.Desk
	return &d, nil
}

func (f *Fake) IsApprover(ctx context.Context, addr string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.approvers[addr] || addr == f.Desk.Agent, nil
}

func (f *Fake) CurrentBlockNumber(ctx context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.block, nil
}

func (f *Fake) OperatorAddress() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Operator
}

func (f *Fake) FindPayment(ctx context.Context, offerID string) (*chain.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.receipts[f.payments[offerID]]
	if !ok {
		return nil, nil
	}
	cp := *r
	return &cp, nil
}

func (f *Fake) ResetNonces(ctx context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nonceResets++
}

// NonceResets counts ResetNonces calls.
func (f *Fake) NonceResets() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nonceResets
}

var (
	_ chain.Adapter       = (*Fake)(nil)
	_ chain.Operator      = (*Fake)(nil)
	_ chain.PaymentFinder = (*Fake)(nil)
	_ chain.NonceResetter = (*Fake)(nil)
)
