package solana

import (
	"encoding/base64"
	"fmt"
	"math/big"
	"strings"
	"time"

	sol "github.com/gagliardetto/solana-go"

	"github.com/GoPolymarket/otcgate/internal/chain"
)

type offerAccount struct {
	Desk             sol.PublicKey
	ConsignmentID    uint64
	TokenMint        sol.PublicKey
	ID               uint64
	Beneficiary      sol.PublicKey
	TokenAmount      uint64
	DiscountBps      uint16
	CreatedAt        int64
	UnlockTime       int64
	PriceUSDPerToken uint64
	MaxDeviationBps  uint16
	SolUSDPrice      uint64
	Currency         uint8
	Approved         bool
	Paid             bool
	Fulfilled        bool
	Cancelled        bool
	Payer            sol.PublicKey
	AmountPaid       uint64
}

func decodeOfferAccount(data []byte) (*offerAccount, error) {
	o := &offerAccount{}
	if err := decodeTagged(data, accountDisc("Offer"), o); err != nil {
		return nil, fmt.Errorf("decode offer account: %w", err)
	}
	return o, nil
}

func (o *offerAccount) toChain(address string) *chain.OnChainOffer {
	return &chain.OnChainOffer{
		Exists:          true,
		ID:              address,
		ConsignmentID:   fmt.Sprintf("%d", o.ConsignmentID),
		Beneficiary:     o.Beneficiary.String(),
		TokenAmount:     bigU64(o.TokenAmount),
		DiscountBps:     o.DiscountBps,
		CreatedAt:       time.Unix(o.CreatedAt, 0).UTC(),
		UnlockTime:      time.Unix(o.UnlockTime, 0).UTC(),
		PriceUSD8d:      bigU64(o.PriceUSDPerToken),
		MaxDeviationBps: o.MaxDeviationBps,
		NativeUSD8d:     bigU64(o.SolUSDPrice),
		Currency:        o.Currency,
		Approved:        o.Approved,
		Paid:            o.Paid,
		Fulfilled:       o.Fulfilled,
		Cancelled:       o.Cancelled,
		Payer:           o.Payer.String(),
		AmountPaid:      bigU64(o.AmountPaid),
	}
}

// deskAccount is the full Desk layout; the coordinator reads a handful of it.
type deskAccount struct {
	Owner                  sol.PublicKey
	Agent                  sol.PublicKey
	UsdcMint               sol.PublicKey
	UsdcDecimals           uint8
	MinUSDAmount8d         uint64
	QuoteExpirySecs        int64
	MaxPriceAgeSecs        int64
	RestrictFulfill        bool
	Approvers              []sol.PublicKey
	NextConsignmentID      uint64
	NextOfferID            uint64
	Paused                 bool
	SolPriceFeedID         [32]byte
	SolUSDPrice8d          uint64
	PricesUpdatedAt        int64
	TokenMint              sol.PublicKey
	TokenDecimals          uint8
	TokenDeposited         uint64
	TokenReserved          uint64
	TokenPriceFeedID       [32]byte
	TokenUSDPrice8d        uint64
	DefaultUnlockDelaySecs int64
	MaxLockupSecs          int64
	MaxTokenPerOrder       uint64
	EmergencyRefundEnabled bool
	EmergencyDeadlineSecs  int64
}

func decodeDeskAccount(data []byte) (*deskAccount, error) {
	desk := &deskAccount{}
	if err := decodeTagged(data, accountDisc("Desk"), desk); err != nil {
		return nil, fmt.Errorf("decode desk account: %w", err)
	}
	return desk, nil
}

func (d *deskAccount) isApprover(pk sol.PublicKey) bool {
	return pk.Equals(d.Agent) || pk.IsAnyOf(d.Approvers...)
}

type offerCreatedEvent struct {
	Desk        sol.PublicKey
	Offer       sol.PublicKey
	Beneficiary sol.PublicKey
	TokenAmount uint64
	DiscountBps uint16
	Currency    uint8
}

// offerActorEvent covers OfferApproved and OfferCancelled.
type offerActorEvent struct {
	Offer sol.PublicKey
	Actor sol.PublicKey
}

type offerPaidEvent struct {
	Offer    sol.PublicKey
	Payer    sol.PublicKey
	Amount   uint64
	Currency uint8
}

type tokensClaimedEvent struct {
	Offer       sol.PublicKey
	Beneficiary sol.PublicKey
	Amount      uint64
}

const programDataPrefix = "Program data: "

// decodeEventLogs scans "Program data:" lines for the named Anchor event.
func decodeEventLogs(logs []string, name chain.EventName) (*chain.Event, bool) {
	disc := eventDisc(string(name))
	for _, line := range logs {
		if !strings.HasPrefix(line, programDataPrefix) {
			continue
		}
		raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(strings.TrimPrefix(line, programDataPrefix)))
		if err != nil {
			continue
		}
		if ev, err := decodeEvent(raw, disc, name); err == nil {
			return ev, true
		}
	}
	return nil, false
}

func decodeEvent(raw, disc []byte, name chain.EventName) (*chain.Event, error) {
	ev := &chain.Event{Name: name}
	switch name {
	case chain.EventOfferCreated:
		var e offerCreatedEvent
		if err := decodeTagged(raw, disc, &e); err != nil {
			return nil, err
		}
		ev.OfferID, ev.Actor = e.Offer.String(), e.Beneficiary.String()
		ev.Amount, ev.Currency = bigU64(e.TokenAmount), e.Currency
	case chain.EventOfferApproved, chain.EventOfferCancelled:
		var e offerActorEvent
		if err := decodeTagged(raw, disc, &e); err != nil {
			return nil, err
		}
		ev.OfferID, ev.Actor = e.Offer.String(), e.Actor.String()
	case chain.EventOfferPaid:
		var e offerPaidEvent
		if err := decodeTagged(raw, disc, &e); err != nil {
			return nil, err
		}
		ev.OfferID, ev.Actor = e.Offer.String(), e.Payer.String()
		ev.Amount, ev.Currency = bigU64(e.Amount), e.Currency
	case chain.EventTokensClaimed:
		var e tokensClaimedEvent
		if err := decodeTagged(raw, disc, &e); err != nil {
			return nil, err
		}
		ev.OfferID, ev.Actor = e.Offer.String(), e.Beneficiary.String()
		ev.Amount = bigU64(e.Amount)
	default:
		return nil, fmt.Errorf("%w: %s", chain.ErrEventNotFound, name)
	}
	return ev, nil
}

// decodeFromInstructions covers calls the program does not emit events for.
func decodeFromInstructions(program string, ixs []chain.ProgramInstruction, name chain.EventName) (*chain.Event, bool) {
	createDisc := instructionDisc("create_consignment")
	refundSol := instructionDisc("emergency_refund_sol")
	refundUsdc := instructionDisc("emergency_refund_usdc")
	for _, ix := range ixs {
		if ix.ProgramID != program || len(ix.Data) < discriminatorSize {
			continue
		}
		disc := string(ix.Data[:discriminatorSize])
		switch {
		case name == chain.EventConsignmentCreated && disc == string(createDisc) && len(ix.Accounts) > 5:
			var args createConsignmentArgs
			if err := decodeTagged(ix.Data, createDisc, &args); err != nil {
				continue
			}
			return &chain.Event{
				Name:          name,
				ConsignmentID: ix.Accounts[5],
				Actor:         ix.Accounts[1],
				TokenID:       ix.Accounts[2],
				Amount:        bigU64(args.Amount),
			}, true
		case name == chain.EventEmergencyRefund && (disc == string(refundSol) || disc == string(refundUsdc)) && len(ix.Accounts) > 3:
			ev := &chain.Event{Name: name, OfferID: ix.Accounts[2], Actor: ix.Accounts[3]}
			if disc == string(refundUsdc) {
				ev.Currency = 1
			}
			return ev, true
		}
	}
	return nil, false
}

func bigU64(v uint64) *big.Int { return new(big.Int).SetUint64(v) }
