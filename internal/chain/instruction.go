package chain

import "math/big"

type Method string

const (
	MethodCreateConsignment   Method = "createConsignment"
	MethodCreateOffer         Method = "createOfferFromConsignment"
	MethodApproveOffer        Method = "approveOffer"
	MethodFulfillOffer        Method = "fulfillOffer"
	MethodCancelOffer         Method = "cancelOffer"
	MethodClaim               Method = "claim"
	MethodEmergencyRefund     Method = "emergencyRefund"
	MethodWithdrawConsignment Method = "withdrawConsignment"
)

// Instruction is one escrow call.
type Instruction interface {
	Method() Method
	// Signed returns the wallet-signed raw transaction, or nil when the
	// operator key should sign.
	Signed() []byte
}

// Call carries an optional wallet-signed raw transaction for relay.
type Call struct {
	SignedTx []byte
}

func (c Call) Signed() []byte { return c.SignedTx }

type CreateConsignment struct {
	Call
	TokenID               string
	Amount                *big.Int
	IsNegotiable          bool
	FixedDiscountBps      uint16
	FixedLockupDays       uint32
	MinDiscountBps        uint16
	MaxDiscountBps        uint16
	MinLockupDays         uint32
	MaxLockupDays         uint32
	MinDealAmount         *big.Int
	MaxDealAmount         *big.Int
	MaxPriceVolatilityBps uint16
	// Value is the gas deposit sent along with the call, if any.
	Value *big.Int
}

func (CreateConsignment) Method() Method { return MethodCreateConsignment }

type CreateOfferFromConsignment struct {
	Call
	ConsignmentID      string
	Beneficiary        string
	TokenAmount        *big.Int
	DiscountBps        uint16
	Currency           uint8
	LockupSeconds      int64
	AgentCommissionBps uint16
}

func (CreateOfferFromConsignment) Method() Method { return MethodCreateOffer }

type ApproveOffer struct {
	Call
	OfferID string
}

func (ApproveOffer) Method() Method { return MethodApproveOffer }

type FulfillOffer struct {
	Call
	OfferID string
	// Value is the native payment attached on EVM.
	Value *big.Int
}

func (FulfillOffer) Method() Method { return MethodFulfillOffer }

type CancelOffer struct {
	Call
	OfferID string
}

func (CancelOffer) Method() Method { return MethodCancelOffer }

type Claim struct {
	Call
	OfferID string
}

func (Claim) Method() Method { return MethodClaim }

type EmergencyRefund struct {
	Call
	OfferID string
}

func (EmergencyRefund) Method() Method { return MethodEmergencyRefund }

type WithdrawConsignment struct {
	Call
	ConsignmentID string
}

func (WithdrawConsignment) Method() Method { return MethodWithdrawConsignment }
