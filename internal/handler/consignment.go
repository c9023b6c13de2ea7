package handler

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/GoPolymarket/otcgate/internal/chain"
	"github.com/GoPolymarket/otcgate/internal/middleware"
	"github.com/GoPolymarket/otcgate/internal/model"
	"github.com/GoPolymarket/otcgate/internal/pkg/apperrors"
	"github.com/GoPolymarket/otcgate/internal/service"
)

type ConsignmentHandler struct {
	svc    *service.ConsignmentService
	chains *chain.Registry
}

func NewConsignmentHandler(svc *service.ConsignmentService, chains *chain.Registry) *ConsignmentHandler {
	return &ConsignmentHandler{svc: svc, chains: chains}
}

func (h *ConsignmentHandler) Create(c *gin.Context) {
	var req model.CreateConsignmentRequest
	if !bindJSON(c, &req) {
		return
	}
	a, err := h.chains.Get(req.Chain)
	if err != nil {
		c.Error(apperrors.NewInvalidRequest(err.Error()))
		return
	}
	cons, err := consignmentFromRequest(a.Family(), &req)
	if err != nil {
		c.Error(err)
		return
	}
	signed, err := chain.DecodeSignedTx(a.Family(), req.SignedTx)
	if err != nil {
		c.Error(err)
		return
	}

	out, err := h.svc.Create(c.Request.Context(), cons, signed, strings.TrimSpace(req.TxHash))
	if err != nil {
		middleware.AddAuditContext(c, "error", err.Error())
		c.Error(err)
		return
	}
	middleware.AddAuditContext(c, "consignment_id", out.ID)
	middleware.AddAuditContext(c, "contract_consignment_id", out.ContractConsignmentID)
	c.JSON(http.StatusCreated, out)
}

func consignmentFromRequest(family chain.Family, req *model.CreateConsignmentRequest) (*model.Consignment, error) {
	if err := chain.ValidateAddress(family, req.TokenID); err != nil {
		return nil, apperrors.NewInvalidRequest("tokenId: " + err.Error())
	}
	if err := chain.ValidateAddress(family, req.ConsignerAddress); err != nil {
		return nil, apperrors.NewInvalidRequest("consignerAddress: " + err.Error())
	}
	if req.TokenDecimals == nil || *req.TokenDecimals < 0 || *req.TokenDecimals > 36 {
		return nil, apperrors.NewInvalidRequest("tokenDecimals must be within [0, 36]")
	}
	total, err := parsePositiveAmount("amount", req.Amount)
	if err != nil {
		return nil, err
	}
	minDeal, err := parsePositiveAmount("minDealAmount", req.MinDealAmount)
	if err != nil {
		return nil, err
	}
	maxDeal, err := parsePositiveAmount("maxDealAmount", req.MaxDealAmount)
	if err != nil {
		return nil, err
	}
	if req.MaxTimeToExecuteSeconds < 0 {
		return nil, apperrors.NewInvalidRequest("maxTimeToExecuteSeconds must not be negative")
	}
	vol := *req.MaxPriceVolatilityBps
	if err := checkBps("maxPriceVolatilityBps", vol); err != nil {
		return nil, err
	}

	cons := &model.Consignment{
		Chain:                   req.Chain,
		ContractConsignmentID:   strings.TrimSpace(req.ContractConsignmentID),
		TokenID:                 chain.NormalizeAddress(family, req.TokenID),
		TokenDecimals:           *req.TokenDecimals,
		ConsignerAddress:        chain.NormalizeAddress(family, req.ConsignerAddress),
		TotalAmount:             total,
		IsNegotiable:            req.IsNegotiable,
		MinDealAmount:           minDeal,
		MaxDealAmount:           maxDeal,
		MaxPriceVolatilityBps:   vol,
		MaxTimeToExecuteSeconds: req.MaxTimeToExecuteSeconds,
		IsFractionalized:        req.IsFractionalized,
		IsPrivate:               req.IsPrivate,
	}

	if req.IsNegotiable {
		if req.MinDiscountBps == nil || req.MaxDiscountBps == nil {
			return nil, apperrors.NewInvalidRequest("negotiable consignments need minDiscountBps and maxDiscountBps")
		}
		if cons.MinDiscountBps, err = optBps("minDiscountBps", req.MinDiscountBps); err != nil {
			return nil, err
		}
		if cons.MaxDiscountBps, err = optBps("maxDiscountBps", req.MaxDiscountBps); err != nil {
			return nil, err
		}
		if cons.MinLockupDays, err = checkDays("minLockupDays", req.MinLockupDays); err != nil {
			return nil, err
		}
		if cons.MaxLockupDays, err = checkDays("maxLockupDays", req.MaxLockupDays); err != nil {
			return nil, err
		}
	} else {
		if req.FixedDiscountBps == nil {
			return nil, apperrors.NewInvalidRequest("fixed consignments need fixedDiscountBps")
		}
		if cons.FixedDiscountBps, err = optBps("fixedDiscountBps", req.FixedDiscountBps); err != nil {
			return nil, err
		}
		if cons.FixedLockupDays, err = checkDays("fixedLockupDays", req.FixedLockupDays); err != nil {
			return nil, err
		}
	}

	for _, b := range req.AllowedBuyers {
		if err := chain.ValidateAddress(family, b); err != nil {
			return nil, apperrors.NewInvalidRequest("allowedBuyers: " + err.Error())
		}
		cons.AllowedBuyers = append(cons.AllowedBuyers, chain.NormalizeAddress(family, b))
	}
	if cons.IsPrivate && len(cons.AllowedBuyers) == 0 {
		return nil, apperrors.NewInvalidRequest("private consignments need at least one allowed buyer")
	}
	return cons, nil
}

func (h *ConsignmentHandler) Get(c *gin.Context) {
	cons, err := h.svc.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, cons)
}

func (h *ConsignmentHandler) List(c *gin.Context) {
	f := model.ConsignmentFilter{
		Chains:           queryList(c, "chains"),
		NegotiableTypes:  queryList(c, "negotiableTypes"),
		ConsignerAddress: c.Query("consigner"),
		TokenID:          c.Query("tokenId"),
		IncludeInactive:  c.Query("includeInactive") == "true",
	}
	for _, name := range f.Chains {
		if _, err := h.chains.Get(name); err != nil {
			c.Error(apperrors.NewInvalidRequest(err.Error()))
			return
		}
	}
	for _, t := range f.NegotiableTypes {
		if t != "negotiable" && t != "fixed" {
			c.Error(apperrors.NewInvalidRequest("negotiableTypes must be negotiable or fixed"))
			return
		}
	}

	list, err := h.svc.List(c.Request.Context(), f)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"consignments": list})
}

// Withdraw returns the unreserved remainder to the consigner.
func (h *ConsignmentHandler) Withdraw(c *gin.Context) {
	var req model.SignedTxRequest
	if !bindOptionalJSON(c, &req) {
		return
	}
	ctx := c.Request.Context()
	cons, err := h.svc.Get(ctx, c.Param("id"))
	if err != nil {
		c.Error(err)
		return
	}
	a, err := h.chains.Get(cons.Chain)
	if err != nil {
		c.Error(err)
		return
	}
	signed, err := chain.DecodeSignedTx(a.Family(), req.SignedTx)
	if err != nil {
		c.Error(err)
		return
	}

	cons, amount, err := h.svc.Withdraw(ctx, cons.ID, signed)
	if err != nil {
		middleware.AddAuditContext(c, "error", err.Error())
		c.Error(err)
		return
	}
	middleware.AddAuditContext(c, "consignment_id", cons.ID)
	middleware.AddAuditContext(c, "withdrawn_amount", amount.String())
	c.JSON(http.StatusOK, gin.H{"consignment": cons, "withdrawnAmount": amount})
}
