package handler

import (
	"errors"
	"net/http"

	"creditgate/internal/auth"
	"creditgate/internal/infrastructure/llm"
	"creditgate/internal/infrastructure/market"
	"creditgate/internal/service"
	"creditgate/pkg/logger"
	"creditgate/pkg/response"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// ChatRequest 对话请求
type ChatRequest struct {
	Messages []llm.Message `json:"messages" binding:"required,min=1,dive"`
	UserID   string        `json:"userId"`
}

// Chat 流式对话，完整回复后扣减额度
// POST /api/v1/chat
func (h *Handler) Chat(c *gin.Context) {
	var req ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Fail(c, http.StatusBadRequest, service.ErrNoUserMessage.Message)
		return
	}
	userID := resolveUserID(c, req.UserID)
	if userID == "" {
		response.Fail(c, http.StatusBadRequest, service.ErrNoUserMessage.Message)
		return
	}

	ctx := c.Request.Context()
	if err := h.chatService.Precheck(ctx, userID, req.Messages); err != nil {
		var validation *service.ValidationError
		var insufficient *service.InsufficientCreditsError
		switch {
		case errors.As(err, &validation):
			response.Fail(c, http.StatusBadRequest, validation.Message)
		case errors.As(err, &insufficient):
			response.Fail(c, http.StatusPaymentRequired, insufficient.Error())
		default:
			logger.L().Error("[Chat] 额度检查失败", zap.String("user_id", userID), zap.Error(err))
			response.Fail(c, http.StatusInternalServerError, "Failed to check credits")
		}
		return
	}

	started := false
	err := h.chatService.Stream(ctx, userID, req.Messages, func(chunk string) error {
		if !started {
			c.Header("Content-Type", "text/plain; charset=utf-8")
			c.Header("Cache-Control", "no-cache")
			c.Status(http.StatusOK)
			started = true
		}
		if _, err := c.Writer.WriteString(chunk); err != nil {
			return err
		}
		c.Writer.Flush()
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			logger.L().Info("[Chat] 客户端已断开，未扣减额度", zap.String("user_id", userID))
			return
		}
		logger.L().Error("[Chat] 对话失败", zap.String("user_id", userID), zap.Error(err))
		if !started {
			response.Fail(c, http.StatusInternalServerError, "Failed to generate response")
		}
		return
	}
	if !started {
		c.Status(http.StatusOK)
	}
}

// ChartAnalysis 图表分析
// POST /api/v1/chart-analysis
func (h *Handler) ChartAnalysis(c *gin.Context) {
	var snap service.ChartSnapshot
	if err := c.ShouldBindJSON(&snap); err != nil {
		response.Fail(c, http.StatusBadRequest, "Invalid chart data")
		return
	}
	userID := auth.UserID(c.Request.Context())

	res, err := h.analysisService.Analyze(c.Request.Context(), userID, &snap)
	if err != nil {
		var insufficient *service.InsufficientCreditsError
		if errors.As(err, &insufficient) {
			c.AbortWithStatusJSON(http.StatusPaymentRequired, gin.H{
				"error":            insufficient.Error(),
				"creditsRemaining": insufficient.Remaining.InexactFloat64(),
			})
			return
		}
		logger.L().Error("[ChartAnalysis] 分析失败", zap.String("user_id", userID), zap.Error(err))
		response.Fail(c, http.StatusInternalServerError, "Failed to analyze chart")
		return
	}
	c.JSON(http.StatusOK, res)
}

// ChartData K线与技术指标，供图表与分析接口使用
// GET /api/v1/chart-data?symbol=ADA-USD&timeframe=5m
func (h *Handler) ChartData(c *gin.Context) {
	data, err := h.marketService.ChartData(c.Request.Context(), c.Query("symbol"), c.Query("timeframe"))
	if err != nil {
		if errors.Is(err, market.ErrInvalidSymbol) {
			response.Fail(c, http.StatusBadRequest, err.Error())
			return
		}
		logger.L().Error("[ChartData] 获取K线失败", zap.String("symbol", c.Query("symbol")), zap.Error(err))
		response.Fail(c, http.StatusInternalServerError, err.Error())
		return
	}
	c.JSON(http.StatusOK, data)
}
