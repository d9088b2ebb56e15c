package service

import (
	"context"
	"math"
	"sync"

	"creditgate/internal/infrastructure/market"

	"github.com/cinar/indicator/v2/helper"
	"github.com/cinar/indicator/v2/momentum"
	"github.com/cinar/indicator/v2/trend"
	"github.com/cinar/indicator/v2/volatility"
)

const (
	DefaultChartSymbol    = "ADA-USD"
	DefaultChartTimeframe = "5m"
)

type ChartMACDPoint struct {
	MACD      float64 `json:"MACD"`
	Signal    float64 `json:"signal"`
	Histogram float64 `json:"histogram"`
}

type BandPoint struct {
	Upper  float64 `json:"upper"`
	Middle float64 `json:"middle"`
	Lower  float64 `json:"lower"`
}

type StochasticPoint struct {
	K float64 `json:"k"`
	D float64 `json:"d"`
}

// ChartIndicators 各序列按时间升序，长度随指标预热期缩短，末尾与最新K线对齐
type ChartIndicators struct {
	RSI        []float64         `json:"rsi"`
	EMA20      []float64         `json:"ema20"`
	EMA50      []float64         `json:"ema50"`
	MACD       []ChartMACDPoint  `json:"macd"`
	BB         []BandPoint       `json:"bb"`
	Stochastic []StochasticPoint `json:"stochastic"`
	ATR        []float64         `json:"atr"`
}

type ChartData struct {
	Candles    []market.Candle `json:"candles"`
	Indicators ChartIndicators `json:"indicators"`
}

// MarketService 图表数据：K线加技术指标，不消耗额度
type MarketService struct {
	source market.CandleSource
}

func NewMarketService(source market.CandleSource) *MarketService {
	return &MarketService{source: source}
}

// ChartData symbol 为空时取 ADA-USD，timeframe 为空时取 5m
func (s *MarketService) ChartData(ctx context.Context, symbol, timeframe string) (*ChartData, error) {
	if symbol == "" {
		symbol = DefaultChartSymbol
	}
	if timeframe == "" {
		timeframe = DefaultChartTimeframe
	}
	candles, err := s.source.Candles(ctx, symbol, timeframe)
	if err != nil {
		return nil, err
	}
	return &ChartData{Candles: candles, Indicators: ComputeIndicators(candles)}, nil
}

// ComputeIndicators RSI14、EMA20/50、MACD(12,26,9)、布林带(20,2)、随机指标(14,3)、ATR14
func ComputeIndicators(candles []market.Candle) ChartIndicators {
	closes := make([]float64, len(candles))
	highs := make([]float64, len(candles))
	lows := make([]float64, len(candles))
	for i, c := range candles {
		closes[i], highs[i], lows[i] = c.Close, c.High, c.Low
	}

	var (
		ind ChartIndicators
		wg  sync.WaitGroup
	)
	run := func(f func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f()
		}()
	}

	run(func() {
		ind.RSI = collect(momentum.NewRsi[float64]().Compute(helper.SliceToChan(closes)))[0]
	})
	run(func() {
		ind.EMA20 = collect(trend.NewEmaWithPeriod[float64](20).Compute(helper.SliceToChan(closes)))[0]
	})
	run(func() {
		ind.EMA50 = collect(trend.NewEmaWithPeriod[float64](50).Compute(helper.SliceToChan(closes)))[0]
	})
	run(func() {
		macd, signal := trend.NewMacd[float64]().Compute(helper.SliceToChan(closes))
		s := alignTail(collect(macd, signal))
		ind.MACD = make([]ChartMACDPoint, len(s[0]))
		for i := range s[0] {
			ind.MACD[i] = ChartMACDPoint{MACD: s[0][i], Signal: s[1][i], Histogram: s[0][i] - s[1][i]}
		}
	})
	run(func() {
		upper, middle, lower := volatility.NewBollingerBands[float64]().Compute(helper.SliceToChan(closes))
		s := alignTail(collect(upper, middle, lower))
		ind.BB = make([]BandPoint, len(s[0]))
		for i := range s[0] {
			ind.BB[i] = BandPoint{Upper: s[0][i], Middle: s[1][i], Lower: s[2][i]}
		}
	})
	run(func() {
		k, d := momentum.NewStochasticOscillator[float64]().Compute(
			helper.SliceToChan(highs), helper.SliceToChan(lows), helper.SliceToChan(closes))
		s := alignTail(collect(k, d))
		ind.Stochastic = make([]StochasticPoint, len(s[0]))
		for i := range s[0] {
			ind.Stochastic[i] = StochasticPoint{K: s[0][i], D: s[1][i]}
		}
	})
	run(func() {
		atr := volatility.NewAtr[float64]().Compute(
			helper.SliceToChan(highs), helper.SliceToChan(lows), helper.SliceToChan(closes))
		ind.ATR = collect(atr)[0]
	})

	wg.Wait()
	return ind
}

// collect 并发读完所有输出通道，多输出指标只读其中一路会阻塞
func collect(chans ...<-chan float64) [][]float64 {
	out := make([][]float64, len(chans))
	var wg sync.WaitGroup
	for i, c := range chans {
		wg.Add(1)
		go func(i int, c <-chan float64) {
			defer wg.Done()
			values := make([]float64, 0)
			for v := range c {
				// NaN 无法编码为 JSON
				if math.IsNaN(v) || math.IsInf(v, 0) {
					v = 0
				}
				values = append(values, v)
			}
			out[i] = values
		}(i, c)
	}
	wg.Wait()
	return out
}

// alignTail 截掉较长序列的头部，使各序列与最新值对齐
func alignTail(series [][]float64) [][]float64 {
	n := -1
	for _, s := range series {
		if n < 0 || len(s) < n {
			n = len(s)
		}
	}
	out := make([][]float64, len(series))
	for i, s := range series {
		out[i] = s[len(s)-n:]
	}
	return out
}
