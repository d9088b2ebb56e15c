// Package oracle 代币报价：以 ADA 计价的原生代币价格。
package oracle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"
)

// ErrPriceUnavailable 报价源不可用或返回无效价格，调用方必须放弃构建交易
var ErrPriceUnavailable = errors.New("price unavailable")

const cardanoID = "cardano"

// PriceSource 返回 1 个代币值多少 ADA
type PriceSource interface {
	PriceInADA(ctx context.Context, coinID string) (decimal.Decimal, error)
}

// CoinGecko simple/price 接口，用 token/usd 与 ada/usd 换算出 token/ada
type CoinGecko struct {
	client     *http.Client
	baseURL    string
	apiKey     string
	vsCurrency string
}

func NewCoinGecko(baseURL, apiKey, vsCurrency string, timeout time.Duration) *CoinGecko {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if vsCurrency == "" {
		vsCurrency = "usd"
	}
	return &CoinGecko{
		client:     &http.Client{Timeout: timeout},
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		vsCurrency: vsCurrency,
	}
}

func (c *CoinGecko) PriceInADA(ctx context.Context, coinID string) (decimal.Decimal, error) {
	if coinID == "" {
		return decimal.Zero, fmt.Errorf("%w: empty coin id", ErrPriceUnavailable)
	}
	if coinID == cardanoID {
		return decimal.NewFromInt(1), nil
	}

	q := url.Values{}
	q.Set("ids", cardanoID+","+coinID)
	q.Set("vs_currencies", c.vsCurrency)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/simple/price?"+q.Encode(), nil)
	if err != nil {
		return decimal.Zero, err
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("x-cg-demo-api-key", c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %v", ErrPriceUnavailable, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %v", ErrPriceUnavailable, err)
	}
	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, fmt.Errorf("%w: status %d", ErrPriceUnavailable, resp.StatusCode)
	}

	res := gjson.ParseBytes(raw)
	ada := res.Get(cardanoID + "." + c.vsCurrency)
	token := res.Get(gjson.Escape(coinID) + "." + c.vsCurrency)
	if !ada.Exists() || !token.Exists() {
		return decimal.Zero, fmt.Errorf("%w: %s missing from response", ErrPriceUnavailable, coinID)
	}
	adaPrice, err := decimal.NewFromString(ada.Raw)
	if err != nil || !adaPrice.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: invalid ada price %q", ErrPriceUnavailable, ada.Raw)
	}
	tokenPrice, err := decimal.NewFromString(token.Raw)
	if err != nil || !tokenPrice.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: invalid %s price %q", ErrPriceUnavailable, coinID, token.Raw)
	}
	return tokenPrice.DivRound(adaPrice, 18), nil
}
