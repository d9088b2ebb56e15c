package handler

import (
	"errors"
	"net/http"

	"creditgate/internal/auth"
	"creditgate/internal/infrastructure/chain"
	"creditgate/internal/infrastructure/oracle"
	"creditgate/internal/repository"
	"creditgate/internal/service"
	"creditgate/pkg/logger"
	"creditgate/pkg/response"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// TransactionRequest 构建购买交易请求
type TransactionRequest struct {
	Address       string `json:"address" binding:"required,cardano_addr"`
	PaymentMethod string `json:"paymentMethod"`
}

// BuildTransaction 构建未签名的购买交易
// POST /api/v1/transaction
//
// 业务失败（余额不足、报价不可用）返回 200 与 {tx: null, error}，只有参数错误返回 400
func (h *Handler) BuildTransaction(c *gin.Context) {
	var req TransactionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"tx": nil, "error": "Invalid wallet address"})
		return
	}

	built, err := h.purchaseService.BuildTransaction(c.Request.Context(), req.Address, req.PaymentMethod)
	if err != nil {
		var buildErr *service.BuildError
		switch {
		case errors.Is(err, service.ErrUnknownPaymentMethod):
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"tx": nil, "error": "Unsupported payment method"})
		case errors.Is(err, chain.ErrInvalidAddress):
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"tx": nil, "error": "Invalid wallet address"})
		case errors.As(err, &buildErr):
			c.JSON(http.StatusOK, gin.H{"tx": nil, "error": buildErr.Message})
		default:
			c.JSON(http.StatusOK, gin.H{"tx": nil, "error": "Failed to build transaction"})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"tx":            built.TxCBOR,
		"error":         nil,
		"paymentMethod": built.PaymentMethod,
		"amount":        built.Amount,
		"fee":           built.Fee,
	})
}

// TxConfirmations 查询交易确认数，首次确认时入账
// GET /api/v1/tx-confirmations?txHash=xxx&userId=xxx
func (h *Handler) TxConfirmations(c *gin.Context) {
	txHash := c.Query("txHash")
	userID := resolveUserID(c, c.Query("userId"))
	if txHash == "" || userID == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "Missing txHash or userId"})
		return
	}

	res, err := h.confirmationService.Confirm(c.Request.Context(), txHash, userID)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidTxHash):
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "Invalid transaction hash"})
		case errors.Is(err, chain.ErrTxNotFound):
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "Transaction not found"})
		case errors.Is(err, service.ErrPurchaseOwnerMismatch):
			c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": "Transaction already claimed by another account"})
		case errors.Is(err, service.ErrPaymentRejected):
			c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": "Transaction does not pay the treasury"})
		default:
			logger.L().Error("[TxConfirmations] 查询确认数失败", zap.String("tx_hash", txHash), zap.Error(err))
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Failed to check transaction confirmations"})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"txHash":        res.TxHash,
		"confirmations": res.Confirmations,
		"credited":      res.Credited,
	})
}

// purchaseError 信封购买接口的错误映射
func purchaseError(c *gin.Context, err error) {
	var httpErr *chain.HTTPError
	switch {
	case errors.Is(err, service.ErrInvalidTxHash):
		response.ParamError(c, "invalid transaction hash")
	case errors.Is(err, repository.ErrPurchaseNotFound):
		response.NotFound(c, "purchase not found")
	case errors.Is(err, chain.ErrTxNotFound):
		response.Status(c, http.StatusAccepted, response.CodePurchasePending, "transaction not yet on chain")
	case errors.Is(err, service.ErrPurchaseOwnerMismatch), errors.Is(err, service.ErrPaymentRejected):
		response.Status(c, http.StatusConflict, response.CodePurchaseConflict, err.Error())
	case errors.Is(err, oracle.ErrPriceUnavailable):
		response.Status(c, http.StatusServiceUnavailable, response.CodePriceUnavailable, "price unavailable, retry later")
	case errors.As(err, &httpErr):
		response.Status(c, http.StatusServiceUnavailable, response.CodeChainUnavailable, "chain provider unavailable, retry later")
	default:
		logger.L().Error("[Handler] 购买操作失败", zap.String("path", c.Request.URL.Path), zap.Error(err))
		response.ServerError(c, "服务器内部错误")
	}
}

// ListPurchases 当前用户的购买记录
// GET /api/v1/credits/purchases?page=1&page_size=10
func (h *Handler) ListPurchases(c *gin.Context) {
	page, pageSize := pageParams(c)
	purchases, total, err := h.confirmationService.ListPurchases(c.Request.Context(), auth.UserID(c.Request.Context()), page, pageSize)
	if err != nil {
		purchaseError(c, err)
		return
	}
	response.Success(c, gin.H{
		"list":      purchases,
		"total":     total,
		"page":      page,
		"page_size": pageSize,
	})
}

// GetPurchase 查询单笔购买
// GET /api/v1/credits/purchases/:txHash
func (h *Handler) GetPurchase(c *gin.Context) {
	p, err := h.confirmationService.GetPurchase(c.Request.Context(), auth.UserID(c.Request.Context()), c.Param("txHash"))
	if err != nil {
		purchaseError(c, err)
		return
	}
	response.Success(c, p)
}

// ConfirmPurchase 以已认证身份轮询确认数，首次确认时入账
// POST /api/v1/credits/purchases/:txHash/confirm
func (h *Handler) ConfirmPurchase(c *gin.Context) {
	res, err := h.confirmationService.Confirm(c.Request.Context(), c.Param("txHash"), auth.UserID(c.Request.Context()))
	if err != nil {
		purchaseError(c, err)
		return
	}
	response.Success(c, res)
}
