package response

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

const (
	CodeSuccess      = 0
	CodeParamError   = 400
	CodeUnauthorized = 401
	CodeForbidden    = 403
	CodeNotFound     = 404
	CodeServerError  = 500
)

// 业务错误码
const (
	CodeInsufficientCredits = 1001
	CodeUnknownPlan         = 1002
	CodeAccountNotFound     = 1003
	CodePurchasePending     = 1004
	CodePurchaseConflict    = 1005
	CodeChainUnavailable    = 1006
	CodePriceUnavailable    = 1007
)

type Response struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func Success(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Response{
		Code:    CodeSuccess,
		Message: "success",
		Data:    data,
	})
}

// Status 带真实 HTTP 状态码的错误
func Status(c *gin.Context, httpStatus, code int, message string) {
	c.AbortWithStatusJSON(httpStatus, Response{
		Code:    code,
		Message: message,
	})
}

func ParamError(c *gin.Context, message string) {
	Status(c, http.StatusBadRequest, CodeParamError, message)
}

func Unauthorized(c *gin.Context, message string) {
	Status(c, http.StatusUnauthorized, CodeUnauthorized, message)
}

func NotFound(c *gin.Context, message string) {
	Status(c, http.StatusNotFound, CodeNotFound, message)
}

func ServerError(c *gin.Context, message string) {
	Status(c, http.StatusInternalServerError, CodeServerError, message)
}

// Fail 契约接口使用的 {error: message} 结构
func Fail(c *gin.Context, httpStatus int, message string) {
	c.AbortWithStatusJSON(httpStatus, gin.H{"error": message})
}
