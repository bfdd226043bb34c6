package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/deal_escrow/repository"
	"github.com/deal_escrow/service"
)

type PayoutHandler struct {
	svc       *service.PayoutService
	transfers *repository.TransferRepository
	log       *zap.Logger
}

func NewPayoutHandler(svc *service.PayoutService, transfers *repository.TransferRepository, log *zap.Logger) *PayoutHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &PayoutHandler{svc: svc, transfers: transfers, log: log.Named("http")}
}

type payoutRequest struct {
	PlayerAddress string  `json:"playerAddress" binding:"required"`
	Amount        float64 `json:"amount"`
	Multiplier    float64 `json:"multiplier"`
	Message       string  `json:"message"`
}

// POST /api/payouts
func (h *PayoutHandler) SendPayout(c *gin.Context) {
	var req payoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "VALIDATION", "error": err.Error()})
		return
	}
	if req.Message == "" && req.Multiplier > 0 {
		req.Message = service.WinMessage(req.Multiplier, req.Amount)
	}
	res, err := h.svc.SendPayout(c.Request.Context(), req.PlayerAddress, req.Amount, req.Message)
	if err != nil {
		writeError(c, h.log, err, nil)
		return
	}
	c.JSON(http.StatusOK, res)
}

type creditBetRequest struct {
	TxRef    string `json:"txRef" binding:"required"`
	PlayerID string `json:"playerId" binding:"required"`
}

// POST /api/bets/credit
func (h *PayoutHandler) CreditBet(c *gin.Context) {
	var req creditBetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "VALIDATION", "error": err.Error()})
		return
	}
	if err := h.svc.CreditBet(c.Request.Context(), req.TxRef, req.PlayerID); err != nil {
		writeError(c, h.log, err, nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{"credited": true, "txRef": req.TxRef})
}

// GET /api/transfers
func (h *PayoutHandler) TransferHistory(c *gin.Context) {
	feature := c.DefaultQuery("feature", service.FeatureDeals)
	page, _ := strconv.Atoi(c.Query("page"))
	size, _ := strconv.Atoi(c.Query("size"))

	list, total, err := h.transfers.ListByFeature(c.Request.Context(), feature, page, size)
	if err != nil {
		writeError(c, h.log, err, nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{"total": total, "records": list})
}
