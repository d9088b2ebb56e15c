package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
)

const defaultLeeway = 30 * time.Second

// Verifier 基于 JWKS 校验 RS 系列签名的访问令牌
type Verifier struct {
	issuer   string
	audience string
	keyfunc  keyfunc.Keyfunc
	parser   *jwt.Parser
}

// NewVerifier jwksURL 为空时使用 {issuer}/.well-known/jwks.json；audience 为空时不校验 aud
func NewVerifier(issuer, audience, jwksURL string) (*Verifier, error) {
	issuer = strings.TrimRight(strings.TrimSpace(issuer), "/")
	if issuer == "" {
		return nil, errors.New("issuer must be set")
	}
	if jwksURL == "" {
		jwksURL = issuer + "/.well-known/jwks.json"
	}

	keyProvider, err := keyfunc.NewDefault([]string{jwksURL})
	if err != nil {
		return nil, fmt.Errorf("failed to init JWKS keyfunc: %w", err)
	}

	opts := []jwt.ParserOption{
		jwt.WithIssuer(issuer),
		jwt.WithLeeway(defaultLeeway),
		jwt.WithExpirationRequired(),
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Name, jwt.SigningMethodRS384.Name, jwt.SigningMethodRS512.Name}),
	}
	if audience != "" {
		opts = append(opts, jwt.WithAudience(audience))
	}

	return &Verifier{
		issuer:   issuer,
		audience: audience,
		keyfunc:  keyProvider,
		parser:   jwt.NewParser(opts...),
	}, nil
}

func (v *Verifier) Verify(tokenString string) (*Claims, error) {
	token, err := v.parser.Parse(tokenString, v.keyfunc.Keyfunc)
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("invalid token")
	}
	mapClaims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, errors.New("invalid token claims")
	}

	claims := &Claims{
		Subject:   readString(mapClaims, "sub"),
		Issuer:    readString(mapClaims, "iss"),
		Audience:  readAudience(mapClaims["aud"]),
		ExpiresAt: readExpiry(mapClaims["exp"]),
		Raw:       mapClaims,
	}
	if claims.Subject == "" {
		return nil, errors.New("token missing sub")
	}
	return claims, nil
}

func readString(claims jwt.MapClaims, key string) string {
	if s, ok := claims[key].(string); ok {
		return s
	}
	return ""
}

func readAudience(raw any) []string {
	switch v := raw.(type) {
	case string:
		return []string{v}
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case []string:
		return v
	}
	return nil
}

func readExpiry(raw any) time.Time {
	switch v := raw.(type) {
	case float64:
		return time.Unix(int64(v), 0)
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return time.Unix(i, 0)
		}
	case int64:
		return time.Unix(v, 0)
	}
	return time.Time{}
}
