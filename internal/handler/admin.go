package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/GoPolymarket/otcgate/internal/chain"
	"github.com/GoPolymarket/otcgate/internal/middleware"
	"github.com/GoPolymarket/otcgate/internal/model"
	"github.com/GoPolymarket/otcgate/internal/pkg/apperrors"
	"github.com/GoPolymarket/otcgate/internal/service"
)

// AdminHandler serves the agent-only routes.
type AdminHandler struct {
	offers *service.OfferService
	recon  *service.Reconciler
	chains *chain.Registry
}

func NewAdminHandler(offers *service.OfferService, recon *service.Reconciler, chains *chain.Registry) *AdminHandler {
	return &AdminHandler{offers: offers, recon: recon, chains: chains}
}

// ApproveOffer signs approveOffer with the operator key.
func (h *AdminHandler) ApproveOffer(c *gin.Context) {
	var req model.ApproveRequest
	if !bindJSON(c, &req) {
		return
	}
	if _, err := h.chains.Get(req.Chain); err != nil {
		c.Error(apperrors.NewInvalidRequest(err.Error()))
		return
	}
	ctx := c.Request.Context()
	o, err := h.offers.Get(ctx, req.OfferID)
	if err != nil {
		c.Error(err)
		return
	}
	if o.Chain != req.Chain {
		c.Error(apperrors.Newf(apperrors.ErrInvalidRequest, "offer %s lives on %s, not %s", o.ID, o.Chain, req.Chain))
		return
	}

	o, err = h.offers.Approve(ctx, o.ID)
	if err != nil {
		middleware.AddAuditContext(c, "error", err.Error())
		c.Error(err)
		return
	}
	middleware.AddAuditContext(c, "offer_id", o.ID)
	c.JSON(http.StatusOK, gin.H{"approved": o.Approved, "offer": o})
}

func (h *AdminHandler) ReconcileAll(c *gin.Context) {
	sum, err := h.recon.ReconcileAll(c.Request.Context())
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, sum)
}

func (h *AdminHandler) ReconcileOffer(c *gin.Context) {
	res, err := h.recon.ReconcileOffer(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, res)
}
