package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/deal_escrow/model"
	"github.com/deal_escrow/service"
)

type DealHandler struct {
	svc *service.DealService
	log *zap.Logger
}

func NewDealHandler(svc *service.DealService, log *zap.Logger) *DealHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &DealHandler{svc: svc, log: log.Named("http")}
}

// POST /api/deals
func (h *DealHandler) Propose(c *gin.Context) {
	var req service.ProposeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "VALIDATION", "error": err.Error()})
		return
	}
	deal, err := h.svc.Propose(c.Request.Context(), req)
	if err != nil {
		writeError(c, h.log, err, nil)
		return
	}
	c.JSON(http.StatusCreated, deal)
}

// GET /api/deals/:id
func (h *DealHandler) Get(c *gin.Context) {
	deal, err := h.svc.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, h.log, err, nil)
		return
	}
	c.JSON(http.StatusOK, deal)
}

// POST /api/deals/:id/accept
func (h *DealHandler) Accept(c *gin.Context) {
	deal, err := h.svc.Accept(c.Request.Context(), c.Param("id"))
	respond(c, h.log, deal, err)
}

// POST /api/deals/:id/claim
func (h *DealHandler) Claim(c *gin.Context) {
	var claim service.PaymentClaim
	if err := c.ShouldBindJSON(&claim); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "VALIDATION", "error": err.Error()})
		return
	}
	deal, err := h.svc.ClaimPayment(c.Request.Context(), c.Param("id"), claim)
	respond(c, h.log, deal, err)
}

type verifyRequest struct {
	TxRef string `json:"txRef" binding:"required"`
}

// POST /api/deals/:id/verify
func (h *DealHandler) Verify(c *gin.Context) {
	var req verifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "VALIDATION", "error": err.Error()})
		return
	}
	deal, err := h.svc.VerifyPayment(c.Request.Context(), c.Param("id"), req.TxRef)
	respond(c, h.log, deal, err)
}

// POST /api/deals/:id/settle
func (h *DealHandler) Settle(c *gin.Context) {
	deal, err := h.svc.Settle(c.Request.Context(), c.Param("id"))
	respond(c, h.log, deal, err)
}

// POST /api/deals/:id/retry-settlement
func (h *DealHandler) RetrySettlement(c *gin.Context) {
	deal, err := h.svc.RetrySettlement(c.Request.Context(), c.Param("id"))
	respond(c, h.log, deal, err)
}

// POST /api/deals/:id/decline
func (h *DealHandler) Decline(c *gin.Context) {
	deal, err := h.svc.Decline(c.Request.Context(), c.Param("id"))
	respond(c, h.log, deal, err)
}

// POST /api/deals/:id/cancel
func (h *DealHandler) Cancel(c *gin.Context) {
	deal, err := h.svc.Cancel(c.Request.Context(), c.Param("id"))
	respond(c, h.log, deal, err)
}

// GET /api/deals/liabilities
func (h *DealHandler) Liabilities(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	list, err := h.svc.ListLiabilities(c.Request.Context(), limit)
	if err != nil {
		writeError(c, h.log, err, nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{"total": len(list), "records": list})
}

// GET /api/users/:id/stats
func (h *DealHandler) UserStats(c *gin.Context) {
	userID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "VALIDATION", "error": "invalid user id"})
		return
	}
	stats, err := h.svc.UserStats(c.Request.Context(), userID)
	if err != nil {
		writeError(c, h.log, err, nil)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// GET /api/users/:id/deals
func (h *DealHandler) UserDeals(c *gin.Context) {
	userID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "VALIDATION", "error": "invalid user id"})
		return
	}
	limit, _ := strconv.Atoi(c.Query("limit"))
	list, err := h.svc.ListByUser(c.Request.Context(), userID, limit)
	if err != nil {
		writeError(c, h.log, err, nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{"total": len(list), "records": list})
}

func respond(c *gin.Context, log *zap.Logger, deal *model.Deal, err error) {
	if err != nil {
		writeError(c, log, err, deal)
		return
	}
	c.JSON(http.StatusOK, deal)
}
