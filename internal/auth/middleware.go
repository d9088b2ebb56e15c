package auth

import (
	"net/http"
	"strings"

	"creditgate/pkg/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// TokenVerifier 便于测试替换
type TokenVerifier interface {
	Verify(token string) (*Claims, error)
}

type MiddlewareConfig struct {
	// Optional 没有 Authorization 头时放行（不写入身份），带了头则必须有效
	Optional bool
	// Disabled 本地开发使用，所有请求以 DevSubject 身份通过
	Disabled   bool
	DevSubject string
}

func Middleware(verifier TokenVerifier, cfg MiddlewareConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		if cfg.Disabled {
			sub := cfg.DevSubject
			if sub == "" {
				sub = "local-dev"
			}
			c.Request = c.Request.WithContext(WithClaims(c.Request.Context(), &Claims{
				Subject: sub,
				Issuer:  "local",
				Raw:     map[string]any{"sub": sub},
			}))
			c.Next()
			return
		}

		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			if cfg.Optional {
				c.Next()
				return
			}
			logger.L().Info("[Auth] 缺少 Authorization 头", zap.String("path", c.Request.URL.Path))
			respondUnauthorized(c, "Unauthorized")
			return
		}

		if verifier == nil {
			respondUnauthorized(c, "auth verifier not configured")
			return
		}

		token, ok := extractBearerToken(authHeader)
		if !ok {
			logger.L().Info("[Auth] Authorization 头格式错误", zap.String("path", c.Request.URL.Path))
			respondUnauthorized(c, "invalid authorization header")
			return
		}

		claims, err := verifier.Verify(token)
		if err != nil {
			logger.L().Info("[Auth] 令牌无效", zap.String("path", c.Request.URL.Path), zap.Error(err))
			respondUnauthorized(c, "invalid token")
			return
		}

		c.Request = c.Request.WithContext(WithClaims(c.Request.Context(), claims))
		c.Next()
	}
}

func extractBearerToken(header string) (string, bool) {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", false
	}
	return token, true
}

func respondUnauthorized(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": message})
}
