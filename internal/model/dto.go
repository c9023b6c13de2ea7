package model

// CreateConsignmentRequest is the JSON body of POST /v1/consignments.
// Amounts are integer strings; fixed vs range terms are pointers so "unset"
// can be told apart from zero.
type CreateConsignmentRequest struct {
	Chain                 string `json:"chain" binding:"required"`
	ContractConsignmentID string `json:"contractConsignmentId"`
	TokenID               string `json:"tokenId" binding:"required"`
	TokenDecimals         *int32 `json:"tokenDecimals"`
	ConsignerAddress      string `json:"consignerAddress" binding:"required"`
	Amount                string `json:"amount" binding:"required"`

	IsNegotiable     bool `json:"isNegotiable"`
	FixedDiscountBps *int `json:"fixedDiscountBps"`
	FixedLockupDays  *int `json:"fixedLockupDays"`
	MinDiscountBps   *int `json:"minDiscountBps"`
	MaxDiscountBps   *int `json:"maxDiscountBps"`
	MinLockupDays    *int `json:"minLockupDays"`
	MaxLockupDays    *int `json:"maxLockupDays"`

	MinDealAmount           string `json:"minDealAmount" binding:"required"`
	MaxDealAmount           string `json:"maxDealAmount" binding:"required"`
	MaxPriceVolatilityBps   *int   `json:"maxPriceVolatilityBps" binding:"required"`
	MaxTimeToExecuteSeconds int64  `json:"maxTimeToExecuteSeconds"`

	IsFractionalized bool     `json:"isFractionalized"`
	IsPrivate        bool     `json:"isPrivate"`
	AllowedBuyers    []string `json:"allowedBuyers"`

	// Wallet-signed createConsignment transaction to relay, hex (EVM) or base64 (Solana).
	SignedTx string `json:"signedTx"`
	TxHash   string `json:"txHash"`
}

// OfferTerms are the buyer's requested terms for createOffer.
type OfferTerms struct {
	Beneficiary        string   `json:"beneficiary"`
	TokenAmount        Amount   `json:"tokenAmount"`
	DiscountBps        int      `json:"discountBps"`
	LockupSeconds      int64    `json:"lockupSeconds"`
	AgentCommissionBps int      `json:"agentCommissionBps"`
	Currency           Currency `json:"currency"`
	QuoteID            string   `json:"quoteId,omitempty"`
	SignedTx           string   `json:"signedTx,omitempty"`
}

type CreateOfferRequest struct {
	ConsignmentID      string `json:"consignmentId" binding:"required"`
	Beneficiary        string `json:"beneficiary" binding:"required"`
	TokenAmount        string `json:"tokenAmount" binding:"required"`
	DiscountBps        *int   `json:"discountBps" binding:"required"`
	LockupSeconds      int64  `json:"lockupSeconds"`
	AgentCommissionBps *int   `json:"agentCommissionBps"`
	Currency           string `json:"currency" binding:"required"`
	QuoteID            string `json:"quoteId"`
	SignedTx           string `json:"signedTx"`
}

type RecordPaymentRequest struct {
	AmountPaid string `json:"amountPaid" binding:"required"`
	TxHash     string `json:"txHash" binding:"required"`
	Payer      string `json:"payer"`
}

type SignedTxRequest struct {
	SignedTx string `json:"signedTx"`
}

type CreateQuoteRequest struct {
	ConsignmentID   string `json:"consignmentId" binding:"required"`
	EntityID        string `json:"entityId" binding:"required"`
	Beneficiary     string `json:"beneficiary" binding:"required"`
	TokenAmount     string `json:"tokenAmount" binding:"required"`
	DiscountBps     *int   `json:"discountBps" binding:"required"`
	LockupDays      int    `json:"lockupDays"`
	PaymentCurrency string `json:"paymentCurrency" binding:"required"`
}

type RejectQuoteRequest struct {
	Reason string `json:"reason" binding:"required"`
}

type DealAction string

const (
	DealActionComplete DealAction = "complete"
	DealActionShare    DealAction = "share"
)

// DealCompletionRequest is POST /v1/deal-completion.
type DealCompletionRequest struct {
	Action      string `json:"action" binding:"required"`
	QuoteID     string `json:"quoteId" binding:"required"`
	OfferID     string `json:"offerId"`
	TxHash      string `json:"txHash"`
	BlockNumber uint64 `json:"blockNumber"`
}

type ApproveRequest struct {
	OfferID string `json:"offerId" binding:"required"`
	Chain   string `json:"chain" binding:"required"`
}

// ConsignmentFilter narrows GET /v1/consignments.
type ConsignmentFilter struct {
	Chains           []string
	NegotiableTypes  []string // "negotiable" | "fixed"
	ConsignerAddress string
	TokenID          string
	IncludeInactive  bool
}
