// Package auth 校验 JWKS 签名的用户 JWT，并把用户身份写入请求上下文。
package auth

import (
	"context"
	"time"
)

type ctxKey int

const claimsKey ctxKey = iota

// Claims 已校验的令牌信息，Subject 即用户 ID
type Claims struct {
	Subject   string
	Issuer    string
	Audience  []string
	ExpiresAt time.Time
	Raw       map[string]any
}

func WithClaims(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, claimsKey, claims)
}

func ClaimsFromContext(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(claimsKey).(*Claims)
	return claims, ok
}

// UserID 上下文中的用户 ID，未认证时为空
func UserID(ctx context.Context) string {
	if c, ok := ClaimsFromContext(ctx); ok && c != nil {
		return c.Subject
	}
	return ""
}
