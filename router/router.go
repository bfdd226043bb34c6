package router

import (
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/deal_escrow/handler"
)

func SetupRouter(deals *handler.DealHandler, payouts *handler.PayoutHandler, log *zap.Logger) *gin.Engine {
	if log == nil {
		log = zap.NewNop()
	}
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(log.Named("access")))

	api := r.Group("/api/deals")
	{
		api.POST("", deals.Propose)
		api.GET("/liabilities", deals.Liabilities)
		api.GET("/:id", deals.Get)
		api.POST("/:id/accept", deals.Accept)
		api.POST("/:id/claim", deals.Claim)
		api.POST("/:id/verify", deals.Verify)
		api.POST("/:id/settle", deals.Settle)
		api.POST("/:id/retry-settlement", deals.RetrySettlement)
		api.POST("/:id/decline", deals.Decline)
		api.POST("/:id/cancel", deals.Cancel)
	}

	users := r.Group("/api/users")
	{
		users.GET("/:id/stats", deals.UserStats)
		users.GET("/:id/deals", deals.UserDeals)
	}

	r.POST("/api/payouts", payouts.SendPayout)
	r.POST("/api/bets/credit", payouts.CreditBet)
	r.GET("/api/transfers", payouts.TransferHistory)

	return r
}

func requestLogger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)))
	}
}
