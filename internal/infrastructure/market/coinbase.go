// Package market 行情K线数据源。
package market

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"sort"
	"strings"
	"time"

	"creditgate/internal/metrics"

	"github.com/tidwall/gjson"
)

var (
	ErrInvalidSymbol      = errors.New("invalid product symbol")
	ErrCandlesUnavailable = errors.New("candles unavailable")
)

// 交易对形如 ADA-USD
var symbolPattern = regexp.MustCompile(`^[A-Z0-9]{2,10}-[A-Z0-9]{2,10}$`)

const defaultGranularity = 300

// 时间周期到 Coinbase granularity（秒）
var granularities = map[string]int{
	"1m":  60,
	"5m":  300,
	"15m": 900,
	"1h":  3600,
	"6h":  21600,
	"1d":  86400,
}

// Granularity 未知周期按 5 分钟处理
func Granularity(timeframe string) int {
	if g, ok := granularities[timeframe]; ok {
		return g
	}
	return defaultGranularity
}

// Candle 单根K线，Time 为 Unix 秒
type Candle struct {
	Time   int64   `json:"time"`
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume float64 `json:"volume"`
}

// CandleSource 按交易对与周期返回按时间升序的K线
type CandleSource interface {
	Candles(ctx context.Context, symbol, timeframe string) ([]Candle, error)
}

type Coinbase struct {
	client  *http.Client
	baseURL string
	metrics *metrics.CreditMetrics
}

func NewCoinbase(baseURL string, timeout time.Duration) *Coinbase {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Coinbase{
		client:  &http.Client{Timeout: timeout},
		baseURL: strings.TrimRight(baseURL, "/"),
		metrics: metrics.GetMetrics(),
	}
}

func (c *Coinbase) Candles(ctx context.Context, symbol, timeframe string) ([]Candle, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if !symbolPattern.MatchString(symbol) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidSymbol, symbol)
	}

	start := time.Now()
	candles, err := c.fetch(ctx, symbol, Granularity(timeframe))
	result := "ok"
	if err != nil {
		result = "error"
	}
	c.metrics.CandleDuration.WithLabelValues(result).Observe(time.Since(start).Seconds())
	return candles, err
}

func (c *Coinbase) fetch(ctx context.Context, symbol string, granularity int) ([]Candle, error) {
	endpoint := fmt.Sprintf("%s/products/%s/candles?granularity=%d", c.baseURL, symbol, granularity)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCandlesUnavailable, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCandlesUnavailable, err)
	}
	if resp.StatusCode != http.StatusOK {
		msg := gjson.GetBytes(raw, "message").String()
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return nil, fmt.Errorf("%w: status %d: %s", ErrCandlesUnavailable, resp.StatusCode, msg)
	}

	res := gjson.ParseBytes(raw)
	if !res.IsArray() {
		return nil, fmt.Errorf("%w: unexpected response", ErrCandlesUnavailable)
	}
	// 每行为 [time, low, high, open, close, volume]，最新的在前
	rows := res.Array()
	candles := make([]Candle, 0, len(rows))
	for i, row := range rows {
		f := row.Array()
		if len(f) < 6 {
			return nil, fmt.Errorf("%w: row %d has %d fields", ErrCandlesUnavailable, i, len(f))
		}
		candles = append(candles, Candle{
			Time:   f[0].Int(),
			Low:    f[1].Float(),
			High:   f[2].Float(),
			Open:   f[3].Float(),
			Close:  f[4].Float(),
			Volume: f[5].Float(),
		})
	}
	sort.Slice(candles, func(i, j int) bool { return candles[i].Time < candles[j].Time })
	return candles, nil
}
