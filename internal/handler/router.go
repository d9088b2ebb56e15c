package handler

import (
	"net/http"

	"creditgate/internal/auth"
	"creditgate/internal/config"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SetupRouter 配置路由
func SetupRouter(h *Handler, cfg *config.Config, verifier auth.TokenVerifier) *gin.Engine {
	if cfg.Server.Mode != "" {
		gin.SetMode(cfg.Server.Mode)
	}
	RegisterValidations()

	r := gin.New()

	r.Use(RequestIDMiddleware())
	r.Use(RecoveryMiddleware())
	r.Use(LoggerMiddleware())
	r.Use(CORSMiddleware())

	requireAuth := auth.Middleware(verifier, auth.MiddlewareConfig{Disabled: cfg.Auth.Disabled})
	// 关闭认证时可选接口直接使用请求中的 userId
	optionalAuth := func(c *gin.Context) { c.Next() }
	if !cfg.Auth.Disabled {
		optionalAuth = auth.Middleware(verifier, auth.MiddlewareConfig{Optional: true})
	}

	api := r.Group("/api/v1")
	{
		api.POST("/chat", optionalAuth, h.Chat)
		api.POST("/chart-analysis", requireAuth, h.ChartAnalysis)
		api.GET("/chart-data", h.ChartData)
		api.POST("/transaction", h.BuildTransaction)
		api.GET("/tx-confirmations", optionalAuth, h.TxConfirmations)
		api.POST("/rate-limit", h.RateLimit)

		credits := api.Group("/credits", requireAuth)
		{
			credits.GET("/usage", h.GetUsage)
			credits.GET("/check", h.CheckCredits)
			credits.GET("/history", h.ListHistory)
			credits.GET("/purchases", h.ListPurchases)
			credits.GET("/purchases/:txHash", h.GetPurchase)
			credits.POST("/purchases/:txHash/confirm", h.ConfirmPurchase)
		}

		admin := api.Group("/admin", AdminMiddleware(cfg.Admin.Token))
		{
			admin.GET("/stats", h.GetStats)
			admin.POST("/plan", h.ChangePlan)
			admin.POST("/grant", h.GrantCredits)
		}
	}

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// 健康检查
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	return r
}
