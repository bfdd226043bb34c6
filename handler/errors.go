package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/deal_escrow/model"
	"github.com/deal_escrow/service"
)

var errorStatus = []struct {
	err    error
	status int
	code   string
}{
	{service.ErrValidation, http.StatusBadRequest, "VALIDATION"},
	{service.ErrInvalidAmount, http.StatusBadRequest, "INVALID_AMOUNT"},
	{service.ErrInvalidAddress, http.StatusBadRequest, "INVALID_ADDRESS"},
	{service.ErrDealNotFound, http.StatusNotFound, "NOT_FOUND"},
	{service.ErrExpired, http.StatusGone, "EXPIRED"},
	{service.ErrReplayedTransaction, http.StatusConflict, "REPLAYED_TRANSACTION"},
	{service.ErrInvalidTransition, http.StatusConflict, "INVALID_TRANSITION"},
	{service.ErrWalletNotInitialized, http.StatusServiceUnavailable, "WALLET_NOT_INITIALIZED"},
	{service.ErrOperationFailed, http.StatusBadGateway, "OPERATION_FAILED"},
	{context.DeadlineExceeded, http.StatusGatewayTimeout, "TIMEOUT"},
}

// writeError maps err to a status and code. The deal, when the operation
// changed it before failing, is returned alongside.
func writeError(c *gin.Context, log *zap.Logger, err error, deal *model.Deal) {
	body := gin.H{}
	if deal != nil {
		body["deal"] = deal
	}
	for _, m := range errorStatus {
		if errors.Is(err, m.err) {
			body["code"] = m.code
			body["error"] = err.Error()
			c.JSON(m.status, body)
			return
		}
	}
	log.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	body["code"] = "INTERNAL"
	body["error"] = "internal error"
	c.JSON(http.StatusInternalServerError, body)
}
