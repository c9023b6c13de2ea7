// Package chain is the boundary between the lifecycle services and the escrow
// deployments. Each supported chain gets one Adapter built from its own config.
package chain

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/core/types"
)

type Family string

const (
	FamilyEVM    Family = "evm"
	FamilySolana Family = "solana"
)

// TxHandle identifies a submitted transaction (EVM tx hash or Solana signature).
type TxHandle struct {
	Chain       string
	Hash        string
	SubmittedAt time.Time
}

// Receipt is the confirmed outcome of a transaction. EVMLogs is set on EVM
// chains; ProgramLogs and Instructions on Solana.
type Receipt struct {
	TxHash       string
	BlockNumber  uint64
	Success      bool
	EVMLogs      []*types.Log
	ProgramLogs  []string
	Instructions []ProgramInstruction
}

// ProgramInstruction is a top-level Solana instruction with resolved account keys.
type ProgramInstruction struct {
	ProgramID string
	Accounts  []string
	Data      []byte
}

type EventName string

const (
	EventConsignmentCreated EventName = "ConsignmentCreated"
	EventOfferCreated       EventName = "OfferCreated"
	EventOfferApproved      EventName = "OfferApproved"
	EventOfferCancelled     EventName = "OfferCancelled"
	EventOfferPaid          EventName = "OfferPaid"
	EventTokensClaimed      EventName = "TokensClaimed"
	EventEmergencyRefund    EventName = "EmergencyRefund"
)

// Event is a decoded escrow event. Fields not carried by a given event stay zero.
type Event struct {
	Name          EventName
	OfferID       string
	ConsignmentID string
	TokenID       string
	Actor         string
	Amount        *big.Int
	Currency      uint8
}

// OnChainOffer is the escrow's view of an offer.
type OnChainOffer struct {
	Exists             bool
	ID                 string
	ConsignmentID      string
	Beneficiary        string
	TokenAmount        *big.Int
	DiscountBps        uint16
	CreatedAt          time.Time
	UnlockTime         time.Time
	PriceUSD8d         *big.Int
	MaxDeviationBps    uint16
	NativeUSD8d        *big.Int
	Currency           uint8
	Approved           bool
	Paid               bool
	Fulfilled          bool
	Cancelled          bool
	Payer              string
	AmountPaid         *big.Int
	AgentCommissionBps uint16
}

// DeskParams are the desk-wide limits the escrow enforces.
type DeskParams struct {
	MinUSDAmount              *big.Int // 8 decimals
	MaxTokenPerOrder          *big.Int
	QuoteExpirySeconds        int64
	DefaultUnlockDelaySeconds int64
	EmergencyRefundsEnabled   bool
	Agent                     string
}

type Adapter interface {
	Name() string
	Family() Family

	// Submit relays a wallet-signed transaction when the instruction carries
	// one, otherwise signs with the operator key.
	Submit(ctx context.Context, ins Instruction) (TxHandle, error)
	// WaitForConfirmation blocks until the tx has minConfirmations or the poll
	// budget is spent (ErrConfirmationTimeout).
	WaitForConfirmation(ctx context.Context, h TxHandle, minConfirmations uint64) (*Receipt, error)
	// ReceiptOf returns nil, nil when the chain does not know the tx.
	ReceiptOf(ctx context.Context, txHash string) (*Receipt, error)
	DecodeEvent(r *Receipt, name EventName) (*Event, error)

	ReadOffer(ctx context.Context, offerID string) (*OnChainOffer, error)
	ReadDeskParams(ctx context.Context) (*DeskParams, error)
	IsApprover(ctx context.Context, addr string) (bool, error)
	CurrentBlockNumber(ctx context.Context) (uint64, error)
}

// Operator is implemented by adapters that sign with an operator key.
// OperatorAddress is empty when no key is configured.
type Operator interface {
	OperatorAddress() string
}

// PaymentFinder is implemented by adapters that can locate the transaction
// that paid an offer. It returns nil, nil when none is found.
type PaymentFinder interface {
	FindPayment(ctx context.Context, offerID string) (*Receipt, error)
}

// NonceResetter is implemented by adapters that cache operator nonces.
type NonceResetter interface {
	ResetNonces(ctx context.Context)
}
