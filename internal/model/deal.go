package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Deal is the append-only settlement record of a fulfilled offer.
type Deal struct {
	ID              string   `gorm:"primaryKey;type:varchar(36)" json:"id"`
	OfferID         string   `gorm:"type:varchar(36);uniqueIndex;not null" json:"offerId"`
	QuoteID         string   `gorm:"type:varchar(36);index" json:"quoteId,omitempty"`
	Chain           string   `gorm:"type:varchar(32);index" json:"chain"`
	ConsignmentID   string   `gorm:"type:varchar(36);index" json:"consignmentId"`
	ContractOfferID string   `gorm:"type:varchar(96)" json:"contractOfferId"`
	Beneficiary     string   `gorm:"type:varchar(96);index" json:"beneficiary"`
	Payer           string   `gorm:"type:varchar(96)" json:"payer"`
	TokenAmount     Amount   `json:"tokenAmount"`
	DiscountBps     int      `json:"discountBps"`
	Currency        Currency `gorm:"type:varchar(8)" json:"currency"`
	AmountPaid      Amount   `json:"amountPaid"`

	PriceUSDPerToken       decimal.Decimal `gorm:"type:varchar(80)" json:"priceUsdPerToken"`
	PriceDeviationExceeded bool            `gorm:"index" json:"priceDeviationExceeded"`
	DeviationBps           decimal.Decimal `gorm:"type:varchar(80)" json:"deviationBps"`
	QuoteExpiredAtPayment  bool            `gorm:"index" json:"quoteExpiredAtPayment"`

	PaymentTxHash string    `gorm:"type:varchar(128)" json:"paymentTxHash,omitempty"`
	FulfillTxHash string    `gorm:"type:varchar(128)" json:"fulfillTxHash,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}

// DealFromOffer snapshots a fulfilled offer.
func DealFromOffer(id string, o *Offer, fulfillTx string, now time.Time) *Deal {
	return &Deal{
		ID:                     id,
		OfferID:                o.ID,
		QuoteID:                o.QuoteID,
		Chain:                  o.Chain,
		ConsignmentID:          o.ConsignmentID,
		ContractOfferID:        o.ContractOfferID,
		Beneficiary:            o.Beneficiary,
		Payer:                  o.Payer,
		TokenAmount:            o.TokenAmount,
		DiscountBps:            o.DiscountBps,
		Currency:               o.Currency,
		AmountPaid:             o.AmountPaid,
		PriceUSDPerToken:       o.PriceUSDPerToken,
		PriceDeviationExceeded: o.PriceDeviationExceeded,
		DeviationBps:           o.DeviationBps,
		QuoteExpiredAtPayment:  o.QuoteExpiredAtPayment,
		PaymentTxHash:          o.PaymentTxHash,
		FulfillTxHash:          fulfillTx,
		CreatedAt:              now,
	}
}
