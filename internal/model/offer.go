package model

import (
	"time"

	"github.com/shopspring/decimal"
)

type OfferStatus string

const (
	// OfferPending: creation tx submitted, not yet confirmed.
	OfferPending   OfferStatus = "pending"
	OfferCreated   OfferStatus = "created"
	OfferApproved  OfferStatus = "approved"
	OfferPaid      OfferStatus = "paid"
	OfferFulfilled OfferStatus = "fulfilled"
	OfferCancelled OfferStatus = "cancelled"
	OfferRefunded  OfferStatus = "refunded"
)

func (s OfferStatus) IsTerminal() bool {
	switch s {
	case OfferFulfilled, OfferCancelled, OfferRefunded:
		return true
	default:
		return false
	}
}

type Currency string

const (
	CurrencyNative Currency = "native"
	CurrencyStable Currency = "stable"
)

func (c Currency) Valid() bool {
	return c == CurrencyNative || c == CurrencyStable
}

// OnChainCode is the currency byte used by the escrow programs (0 = native, 1 = stable).
func (c Currency) OnChainCode() uint8 {
	if c == CurrencyStable {
		return 1
	}
	return 0
}

func CurrencyFromCode(code uint8) Currency {
	if code == 1 {
		return CurrencyStable
	}
	return CurrencyNative
}

// Commission bounds for agent-negotiated offers.
const (
	MinAgentCommissionBps = 25
	MaxAgentCommissionBps = 150
)

// Offer is a buyer's commitment against a consignment. The flags mirror the
// escrow; Status is derived from them.
type Offer struct {
	ID              string `gorm:"primaryKey;type:varchar(36)" json:"id"`
	Chain           string `gorm:"type:varchar(32);index;not null" json:"chain"`
	ContractOfferID string `gorm:"type:varchar(96);index" json:"contractOfferId,omitempty"`
	ConsignmentID   string `gorm:"type:varchar(36);index;not null" json:"consignmentId"`
	QuoteID         string `gorm:"type:varchar(36);index" json:"quoteId,omitempty"`
	ReservationID   string `gorm:"type:varchar(36)" json:"reservationId"`

	Beneficiary        string   `gorm:"type:varchar(96);index" json:"beneficiary"`
	TokenAmount        Amount   `gorm:"not null" json:"tokenAmount"`
	DiscountBps        int      `json:"discountBps"`
	LockupSeconds      int64    `json:"lockupSeconds"`
	AgentCommissionBps int      `json:"agentCommissionBps"`
	Currency           Currency `gorm:"type:varchar(8)" json:"currency"`

	PriceUSDPerToken     decimal.Decimal `gorm:"type:varchar(80)" json:"priceUsdPerToken"`
	MaxPriceDeviationBps int             `json:"maxPriceDeviation"`

	Approved  bool `json:"approved"`
	Paid      bool `json:"paid"`
	Fulfilled bool `json:"fulfilled"`
	Cancelled bool `json:"cancelled"`
	Refunded  bool `json:"refunded"`

	Payer      string `gorm:"type:varchar(96)" json:"payer,omitempty"`
	AmountPaid Amount `json:"amountPaid"`

	PriceDeviationExceeded bool            `json:"priceDeviationExceeded"`
	DeviationBps           decimal.Decimal `gorm:"type:varchar(80)" json:"deviationBps"`
	// QuoteExpiredAtPayment: the bound quote's TTL had passed when paid was seen.
	QuoteExpiredAtPayment bool `json:"quoteExpiredAtPayment"`

	Status        OfferStatus `gorm:"type:varchar(16);index;not null" json:"status"`
	CancelReason  string      `json:"cancelReason,omitempty"`
	CreateTxHash  string      `gorm:"type:varchar(128)" json:"createTxHash,omitempty"`
	PaymentTxHash string      `gorm:"type:varchar(128)" json:"paymentTxHash,omitempty"`
	LastTxHash    string      `gorm:"type:varchar(128)" json:"lastTxHash,omitempty"`

	CreatedAt        time.Time  `json:"createdAt"`
	UnlockTime       time.Time  `json:"unlockTime"`
	SubmittedAt      time.Time  `json:"submittedAt"`
	LastReconciledAt *time.Time `json:"lastReconciledAt,omitempty"`
	UpdatedAt        time.Time  `json:"updatedAt"`
}

// DeriveStatus maps the escrow flags to a lifecycle status. A pending offer
// (no chain id yet) stays pending.
func (o *Offer) DeriveStatus() OfferStatus {
	switch {
	case o.Fulfilled:
		return OfferFulfilled
	case o.Cancelled && (o.Paid || o.Refunded):
		return OfferRefunded
	case o.Cancelled:
		return OfferCancelled
	case o.Paid:
		return OfferPaid
	case o.Approved:
		return OfferApproved
	case o.ContractOfferID == "":
		return OfferPending
	default:
		return OfferCreated
	}
}

// Unlocked reports whether the lockup has elapsed at now.
func (o *Offer) Unlocked(now time.Time) bool {
	return !now.Before(o.UnlockTime)
}
