package service

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"creditgate/internal/infrastructure/market"
)

type fakeCandles struct {
	candles   []market.Candle
	err       error
	symbol    string
	timeframe string
}

func (f *fakeCandles) Candles(_ context.Context, symbol, timeframe string) ([]market.Candle, error) {
	f.symbol, f.timeframe = symbol, timeframe
	return f.candles, f.err
}

// zigzag 带涨跌的上升序列
func zigzag(n int) []market.Candle {
	candles := make([]market.Candle, n)
	for i := range candles {
		c := 10 + float64(i)*0.1
		if i%2 == 1 {
			c += 0.5
		}
		candles[i] = market.Candle{
			Time:  int64(1700000000 + i*300),
			Open:  c - 0.2,
			High:  c + 1,
			Low:   c - 1,
			Close: c,
		}
	}
	return candles
}

func TestComputeIndicators(t *testing.T) {
	candles := zigzag(120)
	ind := ComputeIndicators(candles)

	series := map[string]int{
		"rsi":        len(ind.RSI),
		"ema20":      len(ind.EMA20),
		"ema50":      len(ind.EMA50),
		"macd":       len(ind.MACD),
		"bb":         len(ind.BB),
		"stochastic": len(ind.Stochastic),
		"atr":        len(ind.ATR),
	}
	for name, n := range series {
		if n == 0 || n > len(candles) {
			t.Errorf("%s length = %d", name, n)
		}
	}
	if len(ind.EMA50) > len(ind.EMA20) {
		t.Errorf("ema50 longer than ema20: %d > %d", len(ind.EMA50), len(ind.EMA20))
	}

	for _, v := range ind.RSI {
		if v < 0 || v > 100 {
			t.Fatalf("rsi out of range: %v", v)
		}
	}
	for _, b := range ind.BB {
		if b.Upper < b.Middle || b.Middle < b.Lower {
			t.Fatalf("band order: %+v", b)
		}
	}
	for _, m := range ind.MACD {
		if diff := m.MACD - m.Signal - m.Histogram; diff > 1e-9 || diff < -1e-9 {
			t.Fatalf("histogram mismatch: %+v", m)
		}
	}
	for _, v := range ind.ATR {
		if v <= 0 {
			t.Fatalf("atr = %v, want positive", v)
		}
	}
}

func TestComputeIndicatorsShortSeries(t *testing.T) {
	ind := ComputeIndicators(zigzag(5))
	raw, err := json.Marshal(ind)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var decoded map[string][]interface{}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	for _, name := range []string{"ema50", "macd", "bb"} {
		if decoded[name] == nil || len(decoded[name]) != 0 {
			t.Errorf("%s = %v, want empty array", name, decoded[name])
		}
	}
}

func TestChartDataDefaults(t *testing.T) {
	source := &fakeCandles{candles: zigzag(60)}
	svc := NewMarketService(source)

	data, err := svc.ChartData(context.Background(), "", "")
	if err != nil {
		t.Fatalf("ChartData: %v", err)
	}
	if source.symbol != "ADA-USD" || source.timeframe != "5m" {
		t.Fatalf("requested %s %s, want ADA-USD 5m", source.symbol, source.timeframe)
	}
	if len(data.Candles) != 60 || len(data.Indicators.EMA20) == 0 {
		t.Fatalf("data = %d candles, %d ema20", len(data.Candles), len(data.Indicators.EMA20))
	}

	source.err = market.ErrCandlesUnavailable
	if _, err := svc.ChartData(context.Background(), "BTC-USD", "1h"); !errors.Is(err, market.ErrCandlesUnavailable) {
		t.Fatalf("err = %v, want ErrCandlesUnavailable", err)
	}
}
