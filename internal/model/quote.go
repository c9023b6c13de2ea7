package model

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

type QuoteStatus string

const (
	QuoteActive   QuoteStatus = "active"
	QuoteExpired  QuoteStatus = "expired"
	QuoteApproved QuoteStatus = "approved"
	QuoteExecuted QuoteStatus = "executed"
	QuoteRejected QuoteStatus = "rejected"
)

// Quote is an off-chain price lock that precedes an on-chain offer.
type Quote struct {
	QuoteID       string `gorm:"primaryKey;type:varchar(36)" json:"quoteId"`
	EntityID      string `gorm:"type:varchar(96);index" json:"entityId"`
	Chain         string `gorm:"type:varchar(32);not null" json:"chain"`
	ConsignmentID string `gorm:"type:varchar(36);index" json:"consignmentId"`
	Beneficiary   string `gorm:"type:varchar(96);index" json:"beneficiary"`

	TokenAmount     Amount   `gorm:"not null" json:"tokenAmount"`
	DiscountBps     int      `json:"discountBps"`
	LockupDays      int      `json:"lockupDays"`
	PaymentCurrency Currency `gorm:"type:varchar(8)" json:"paymentCurrency"`

	PriceUSDPerToken decimal.Decimal `gorm:"type:varchar(80)" json:"priceUsdPerToken"`
	NativeUSDPrice   decimal.Decimal `gorm:"type:varchar(80)" json:"nativeUsdPrice"`
	TotalUSD         decimal.Decimal `gorm:"type:varchar(80)" json:"totalUsd"`
	DiscountedUSD    decimal.Decimal `gorm:"type:varchar(80)" json:"discountedUsd"`
	PaymentAmount    decimal.Decimal `gorm:"type:varchar(80)" json:"paymentAmount"`

	Status          QuoteStatus `gorm:"type:varchar(16);index;not null" json:"status"`
	OfferID         string      `gorm:"type:varchar(36);index" json:"offerId,omitempty"`
	TransactionHash string      `gorm:"type:varchar(128)" json:"transactionHash,omitempty"`
	BlockNumber     uint64      `json:"blockNumber,omitempty"`
	RejectionReason string      `json:"rejectionReason,omitempty"`
	ShareCount      int         `json:"shareCount"`

	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Expired is true strictly after ExpiresAt.
func (q *Quote) Expired(now time.Time) bool {
	return now.After(q.ExpiresAt)
}

// EffectiveStatus reports expired for an active or approved quote past its TTL
// even if the sweep has not rewritten the row yet.
func (q *Quote) EffectiveStatus(now time.Time) QuoteStatus {
	if (q.Status == QuoteActive || q.Status == QuoteApproved) && q.Expired(now) {
		return QuoteExpired
	}
	return q.Status
}

func (q *Quote) Validate() error {
	switch q.Status {
	case QuoteExecuted:
		if q.OfferID == "" || q.TransactionHash == "" || q.BlockNumber == 0 {
			return fmt.Errorf("executed quote requires offerId, transactionHash and blockNumber")
		}
	case QuoteRejected:
		if q.RejectionReason == "" {
			return fmt.Errorf("rejected quote requires rejectionReason")
		}
	}
	return nil
}
