package handler

import (
	"errors"
	"net/http"
	"strconv"

	"creditgate/internal/auth"
	"creditgate/internal/ledger"
	"creditgate/internal/model"
	"creditgate/internal/repository"
	"creditgate/internal/service"
	"creditgate/pkg/logger"
	"creditgate/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Services 处理器依赖的服务
type Services struct {
	Credits       *service.CreditService
	Purchases     *service.PurchaseService
	Confirmations *service.ConfirmationService
	Chat          *service.ChatService
	Analysis      *service.AnalysisService
	RateLimit     *service.RateLimitService
	Market        *service.MarketService
}

// Handler 统一处理器，包含所有服务依赖
type Handler struct {
	creditService       *service.CreditService
	purchaseService     *service.PurchaseService
	confirmationService *service.ConfirmationService
	chatService         *service.ChatService
	analysisService     *service.AnalysisService
	rateLimitService    *service.RateLimitService
	marketService       *service.MarketService
}

func NewHandler(s Services) *Handler {
	return &Handler{
		creditService:       s.Credits,
		purchaseService:     s.Purchases,
		confirmationService: s.Confirmations,
		chatService:         s.Chat,
		analysisService:     s.Analysis,
		rateLimitService:    s.RateLimit,
		marketService:       s.Market,
	}
}

// resolveUserID 已认证时以令牌身份为准，否则使用请求携带的 userId
func resolveUserID(c *gin.Context, fallback string) string {
	if id := auth.UserID(c.Request.Context()); id != "" {
		return id
	}
	return fallback
}

// UsageDTO 额度使用情况
type UsageDTO struct {
	Used           float64 `json:"used"`
	Remaining      float64 `json:"remaining"`
	Total          float64 `json:"total"`
	Plan           string  `json:"plan"`
	ResetDate      string  `json:"resetDate"`
	PercentageUsed float64 `json:"percentageUsed"`
}

func toUsageDTO(u *ledger.Usage) UsageDTO {
	return UsageDTO{
		Used:           u.Used.InexactFloat64(),
		Remaining:      u.Remaining.InexactFloat64(),
		Total:          u.Total.InexactFloat64(),
		Plan:           string(u.Plan),
		ResetDate:      u.ResetDate.UTC().Format("2006-01-02T15:04:05Z07:00"),
		PercentageUsed: u.PercentageUsed.InexactFloat64(),
	}
}

// creditError 信封接口的统一错误映射
func creditError(c *gin.Context, err error) {
	var insufficient *service.InsufficientCreditsError
	switch {
	case errors.As(err, &insufficient):
		response.Status(c, http.StatusPaymentRequired, response.CodeInsufficientCredits, insufficient.Error())
	case errors.Is(err, ledger.ErrUnknownPlan):
		response.Status(c, http.StatusBadRequest, response.CodeUnknownPlan, err.Error())
	case errors.Is(err, ledger.ErrInvalidAmount):
		response.ParamError(c, err.Error())
	case errors.Is(err, repository.ErrAccountNotFound):
		response.Status(c, http.StatusNotFound, response.CodeAccountNotFound, "account not found")
	default:
		logger.L().Error("[Handler] 额度操作失败", zap.String("path", c.Request.URL.Path), zap.Error(err))
		response.ServerError(c, "服务器内部错误")
	}
}

// ============================================================
// 额度相关接口
// ============================================================

// GetUsage 查询额度使用情况
// GET /api/v1/credits/usage
func (h *Handler) GetUsage(c *gin.Context) {
	usage, err := h.creditService.Usage(c.Request.Context(), auth.UserID(c.Request.Context()))
	if err != nil {
		creditError(c, err)
		return
	}
	response.Success(c, toUsageDTO(usage))
}

// CheckCredits 检查额度是否足够
// GET /api/v1/credits/check?cost=0.1
func (h *Handler) CheckCredits(c *gin.Context) {
	cost, err := decimal.NewFromString(c.DefaultQuery("cost", "0.1"))
	if err != nil || !cost.IsPositive() {
		response.ParamError(c, "cost 参数错误")
		return
	}

	res, err := h.creditService.CheckLimit(c.Request.Context(), auth.UserID(c.Request.Context()), cost)
	if err != nil {
		creditError(c, err)
		return
	}
	response.Success(c, gin.H{
		"canUse":    res.CanUse,
		"remaining": res.Remaining.InexactFloat64(),
		"plan":      res.Plan,
	})
}

// pageParams 分页参数，page_size 超出 1~100 时回落到 10
func pageParams(c *gin.Context) (int, int) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "10"))
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 10
	}
	return page, pageSize
}

// ListHistory 额度流水
// GET /api/v1/credits/history?page=1&page_size=10
func (h *Handler) ListHistory(c *gin.Context) {
	page, pageSize := pageParams(c)
	entries, total, err := h.creditService.History(c.Request.Context(), auth.UserID(c.Request.Context()), page, pageSize)
	if err != nil {
		creditError(c, err)
		return
	}
	response.Success(c, gin.H{
		"list":      entries,
		"total":     total,
		"page":      page,
		"page_size": pageSize,
	})
}

// ============================================================
// 管理接口
// ============================================================

// GetStats 全局用量统计
// GET /api/v1/admin/stats
func (h *Handler) GetStats(c *gin.Context) {
	stats, err := h.creditService.Stats(c.Request.Context())
	if err != nil {
		creditError(c, err)
		return
	}
	response.Success(c, stats)
}

// ChangePlanRequest 变更套餐请求
type ChangePlanRequest struct {
	UserID string `json:"userId" binding:"required"`
	Plan   string `json:"plan" binding:"required,oneof=free pro enterprise"`
}

// ChangePlan 变更套餐
// POST /api/v1/admin/plan
func (h *Handler) ChangePlan(c *gin.Context) {
	var req ChangePlanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}
	plan, err := ledger.ParsePlan(req.Plan)
	if err != nil {
		creditError(c, err)
		return
	}

	usage, err := h.creditService.ChangePlan(c.Request.Context(), req.UserID, plan)
	if err != nil {
		creditError(c, err)
		return
	}
	logger.L().Info("[Admin] 套餐已变更", zap.String("user_id", req.UserID), zap.String("plan", req.Plan))
	response.Success(c, toUsageDTO(usage))
}

// GrantRequest 运营发放额度请求
type GrantRequest struct {
	UserID    string  `json:"userId" binding:"required"`
	Amount    float64 `json:"amount" binding:"required,gt=0"`
	Reference string  `json:"reference" binding:"max=128"`
}

// GrantCredits 运营发放额度
// POST /api/v1/admin/grant
func (h *Handler) GrantCredits(c *gin.Context) {
	var req GrantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	usage, err := h.creditService.AddCredits(c.Request.Context(), req.UserID, decimal.NewFromFloat(req.Amount), model.EntryTypeGrant, req.Reference)
	if err != nil {
		creditError(c, err)
		return
	}
	logger.L().Info("[Admin] 已发放额度",
		zap.String("user_id", req.UserID),
		zap.Float64("amount", req.Amount),
		zap.String("reference", req.Reference))
	response.Success(c, toUsageDTO(usage))
}

// ============================================================
// 限流
// ============================================================

// RateLimit 按客户端 IP 的固定窗口限流
// POST /api/v1/rate-limit
func (h *Handler) RateLimit(c *gin.Context) {
	decision, err := h.rateLimitService.Allow(c.Request.Context(), c.ClientIP())
	if err != nil {
		// 限流存储不可用时放行
		logger.L().Warn("[RateLimit] 限流存储异常，放行请求", zap.Error(err))
		c.JSON(http.StatusOK, gin.H{"success": true})
		return
	}
	if !decision.Allowed {
		c.Header("Retry-After", strconv.Itoa(decision.RetryAfter))
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error":      decision.Message(),
			"retryAfter": decision.RetryAfter,
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}
