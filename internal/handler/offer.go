package handler

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/GoPolymarket/otcgate/internal/middleware"
	"github.com/GoPolymarket/otcgate/internal/model"
	"github.com/GoPolymarket/otcgate/internal/pkg/apperrors"
	"github.com/GoPolymarket/otcgate/internal/service"
)

type OfferHandler struct {
	svc *service.OfferService
}

func NewOfferHandler(svc *service.OfferService) *OfferHandler {
	return &OfferHandler{svc: svc}
}

// Create answers 201 once the offer is confirmed on-chain, or 202 when the
// confirmation timed out and reconciliation will settle it.
func (h *OfferHandler) Create(c *gin.Context) {
	var req model.CreateOfferRequest
	if !bindJSON(c, &req) {
		return
	}
	terms, err := offerTerms(&req)
	if err != nil {
		c.Error(err)
		return
	}

	o, err := h.svc.CreateOffer(c.Request.Context(), req.ConsignmentID, terms)
	if err != nil {
		middleware.AddAuditContext(c, "error", err.Error())
		c.Error(err)
		return
	}
	middleware.AddAuditContext(c, "offer_id", o.ID)
	middleware.AddAuditContext(c, "contract_offer_id", o.ContractOfferID)

	status := http.StatusCreated
	if o.Status == model.OfferPending {
		status = http.StatusAccepted
	}
	c.JSON(status, o)
}

func offerTerms(req *model.CreateOfferRequest) (model.OfferTerms, error) {
	amount, err := parsePositiveAmount("tokenAmount", req.TokenAmount)
	if err != nil {
		return model.OfferTerms{}, err
	}
	if err := checkBps("discountBps", *req.DiscountBps); err != nil {
		return model.OfferTerms{}, err
	}
	commission, err := optBps("agentCommissionBps", req.AgentCommissionBps)
	if err != nil {
		return model.OfferTerms{}, err
	}
	if req.LockupSeconds < 0 {
		return model.OfferTerms{}, apperrors.NewInvalidRequest("lockupSeconds must not be negative")
	}
	cur := model.Currency(strings.ToLower(req.Currency))
	if !cur.Valid() {
		return model.OfferTerms{}, apperrors.NewInvalidRequest("currency must be native or stable")
	}
	return model.OfferTerms{
		Beneficiary:        strings.TrimSpace(req.Beneficiary),
		TokenAmount:        amount,
		DiscountBps:        *req.DiscountBps,
		LockupSeconds:      req.LockupSeconds,
		AgentCommissionBps: commission,
		Currency:           cur,
		QuoteID:            strings.TrimSpace(req.QuoteID),
		SignedTx:           req.SignedTx,
	}, nil
}

func (h *OfferHandler) Get(c *gin.Context) {
	o, err := h.svc.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, o)
}

func (h *OfferHandler) RecordPayment(c *gin.Context) {
	var req model.RecordPaymentRequest
	if !bindJSON(c, &req) {
		return
	}
	paid, err := parsePositiveAmount("amountPaid", req.AmountPaid)
	if err != nil {
		c.Error(err)
		return
	}

	o, err := h.svc.RecordPayment(c.Request.Context(), c.Param("id"), paid, req.TxHash, strings.TrimSpace(req.Payer))
	if err != nil {
		middleware.AddAuditContext(c, "error", err.Error())
		c.Error(err)
		return
	}
	middleware.AddAuditContext(c, "offer_id", o.ID)
	middleware.AddAuditContext(c, "payment_tx", o.PaymentTxHash)
	if o.PriceDeviationExceeded {
		middleware.AddAuditContext(c, "price_deviation_exceeded", true)
	}
	if o.QuoteExpiredAtPayment {
		middleware.AddAuditContext(c, "quote_expired_at_payment", true)
	}
	c.JSON(http.StatusOK, o)
}

func (h *OfferHandler) Fulfill(c *gin.Context) {
	h.relay(c, "fulfill", h.svc.Fulfill)
}

func (h *OfferHandler) Cancel(c *gin.Context) {
	h.relay(c, "cancel", h.svc.Cancel)
}

func (h *OfferHandler) EmergencyRefund(c *gin.Context) {
	h.relay(c, "refund", h.svc.EmergencyRefund)
}

// relay runs an offer transition that may carry a wallet-signed tx.
func (h *OfferHandler) relay(c *gin.Context, action string, fn func(ctx context.Context, id, signedTx string) (*model.Offer, error)) {
	var req model.SignedTxRequest
	if !bindOptionalJSON(c, &req) {
		return
	}

	o, err := fn(c.Request.Context(), c.Param("id"), req.SignedTx)
	if err != nil {
		middleware.AddAuditContext(c, "error", err.Error())
		c.Error(err)
		return
	}
	middleware.AddAuditContext(c, "offer_id", o.ID)
	middleware.AddAuditContext(c, "action", action)
	c.JSON(http.StatusOK, o)
}
