package handler

import "github.com/gin-gonic/gin"

type Handlers struct {
	Consignments *ConsignmentHandler
	Offers       *OfferHandler
	Quotes       *QuoteHandler
	Admin        *AdminHandler
	Audit        *AuditHandler
}

// RegisterRoutes mounts the /v1 API on r. admin guards the agent-only routes.
func RegisterRoutes(r gin.IRouter, h Handlers, admin gin.HandlerFunc) {
	v1 := r.Group("/v1")

	v1.POST("/consignments", h.Consignments.Create)
	v1.GET("/consignments", h.Consignments.List)
	v1.GET("/consignments/:id", h.Consignments.Get)
	v1.DELETE("/consignments/:id", h.Consignments.Withdraw)

	v1.POST("/offers", h.Offers.Create)
	v1.GET("/offers/:id", h.Offers.Get)
	v1.POST("/offers/:id/payment", h.Offers.RecordPayment)
	v1.POST("/offers/:id/fulfill", h.Offers.Fulfill)
	v1.POST("/offers/:id/cancel", h.Offers.Cancel)
	v1.POST("/offers/:id/refund", h.Offers.EmergencyRefund)

	v1.POST("/quotes", h.Quotes.Create)
	v1.GET("/quotes/:id", h.Quotes.Get)
	v1.POST("/quotes/:id/reject", h.Quotes.Reject)
	v1.POST("/deal-completion", h.Quotes.DealCompletion)

	v1.POST("/otc/approve", admin, h.Admin.ApproveOffer)

	adm := v1.Group("/admin", admin)
	{
		adm.POST("/reconcile", h.Admin.ReconcileAll)
		adm.POST("/reconcile/offers/:id", h.Admin.ReconcileOffer)
		adm.POST("/quotes/:id/approve", h.Quotes.Approve)
		if h.Audit != nil {
			adm.GET("/audit", h.Audit.List)
		}
	}
}
