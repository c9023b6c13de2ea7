package handler

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/GoPolymarket/otcgate/internal/middleware"
	"github.com/GoPolymarket/otcgate/internal/model"
	"github.com/GoPolymarket/otcgate/internal/pkg/apperrors"
	"github.com/GoPolymarket/otcgate/internal/service"
)

type QuoteHandler struct {
	quotes *service.QuoteService
	offers *service.OfferService
}

func NewQuoteHandler(quotes *service.QuoteService, offers *service.OfferService) *QuoteHandler {
	return &QuoteHandler{quotes: quotes, offers: offers}
}

func (h *QuoteHandler) Create(c *gin.Context) {
	var req model.CreateQuoteRequest
	if !bindJSON(c, &req) {
		return
	}
	amount, err := parsePositiveAmount("tokenAmount", req.TokenAmount)
	if err != nil {
		c.Error(err)
		return
	}
	if err := checkBps("discountBps", *req.DiscountBps); err != nil {
		c.Error(err)
		return
	}
	if req.LockupDays < 0 {
		c.Error(apperrors.NewInvalidRequest("lockupDays must not be negative"))
		return
	}
	cur := model.Currency(strings.ToLower(req.PaymentCurrency))
	if !cur.Valid() {
		c.Error(apperrors.NewInvalidRequest("paymentCurrency must be native or stable"))
		return
	}

	q, err := h.quotes.CreateQuote(c.Request.Context(), service.QuoteInput{
		ConsignmentID: req.ConsignmentID,
		EntityID:      strings.TrimSpace(req.EntityID),
		Beneficiary:   strings.TrimSpace(req.Beneficiary),
		TokenAmount:   amount,
		DiscountBps:   *req.DiscountBps,
		LockupDays:    req.LockupDays,
		Currency:      cur,
	})
	if err != nil {
		c.Error(err)
		return
	}
	middleware.AddAuditContext(c, "quote_id", q.QuoteID)
	c.JSON(http.StatusCreated, q)
}

func (h *QuoteHandler) Get(c *gin.Context) {
	q, err := h.quotes.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, q)
}

func (h *QuoteHandler) Reject(c *gin.Context) {
	var req model.RejectQuoteRequest
	if !bindJSON(c, &req) {
		return
	}
	q, err := h.quotes.Reject(c.Request.Context(), c.Param("id"), req.Reason)
	if err != nil {
		c.Error(err)
		return
	}
	middleware.AddAuditContext(c, "quote_id", q.QuoteID)
	c.JSON(http.StatusOK, q)
}

// Approve is the agent's review of a quote.
func (h *QuoteHandler) Approve(c *gin.Context) {
	q, err := h.quotes.Approve(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.Error(err)
		return
	}
	middleware.AddAuditContext(c, "quote_id", q.QuoteID)
	c.JSON(http.StatusOK, q)
}

// DealCompletion marks a quote executed once its offer is paid, or counts a share.
func (h *QuoteHandler) DealCompletion(c *gin.Context) {
	var req model.DealCompletionRequest
	if !bindJSON(c, &req) {
		return
	}
	ctx := c.Request.Context()

	var (
		q   *model.Quote
		err error
	)
	switch model.DealAction(req.Action) {
	case model.DealActionComplete:
		if req.OfferID == "" || req.TxHash == "" || req.BlockNumber == 0 {
			c.Error(apperrors.NewInvalidRequest("complete needs offerId, txHash and blockNumber"))
			return
		}
		q, err = h.offers.CompleteQuote(ctx, req.QuoteID, req.OfferID, strings.TrimSpace(req.TxHash), req.BlockNumber)
	case model.DealActionShare:
		q, err = h.quotes.Share(ctx, req.QuoteID)
	default:
		c.Error(apperrors.NewInvalidRequest("action must be complete or share"))
		return
	}
	if err != nil {
		middleware.AddAuditContext(c, "error", err.Error())
		c.Error(err)
		return
	}
	middleware.AddAuditContext(c, "quote_id", q.QuoteID)
	middleware.AddAuditContext(c, "action", req.Action)
	c.JSON(http.StatusOK, q)
}
