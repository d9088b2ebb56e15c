package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"creditgate/internal/infrastructure/llm"
	"creditgate/internal/metrics"
	"creditgate/pkg/logger"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	analysisTemperature = 0.2
	analysisMaxTokens   = 1200
)

type EMA struct {
	EMA9  *float64 `json:"ema9"`
	EMA21 *float64 `json:"ema21"`
}

type MACDPoint struct {
	MACD      *float64 `json:"MACD"`
	Signal    *float64 `json:"signal"`
	Histogram *float64 `json:"histogram"`
}

type BollingerPoint struct {
	Upper  *float64 `json:"upper"`
	Middle *float64 `json:"middle"`
	Lower  *float64 `json:"lower"`
}

type OBV struct {
	Trend   string   `json:"trend"`
	Current *float64 `json:"current"`
}

type Indicators struct {
	EMA  *EMA             `json:"ema"`
	RSI  []float64        `json:"rsi"`
	MACD []MACDPoint      `json:"macd"`
	BB   []BollingerPoint `json:"bb"`
	OBV  *OBV             `json:"obv"`
}

type VolumeSnapshot struct {
	Current *float64 `json:"current"`
	Average *float64 `json:"average"`
	Trend   string   `json:"trend"`
}

type MarketContext struct {
	LocalSupport    *float64 `json:"local_support"`
	LocalResistance *float64 `json:"local_resistance"`
	VolumeSpike     bool     `json:"volume_spike"`
}

type Candle struct {
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume float64 `json:"volume"`
}

// ChartSnapshot 图表指标快照
type ChartSnapshot struct {
	Symbol        string          `json:"symbol"`
	Timeframe     string          `json:"timeframe"`
	Price         *float64        `json:"price"`
	Indicators    *Indicators     `json:"indicators"`
	Volume        *VolumeSnapshot `json:"volume"`
	MarketContext *MarketContext  `json:"marketContext"`
	RecentCandles []Candle        `json:"recentCandles"`
}

// AnalysisResult 分析结果与扣减后剩余额度
type AnalysisResult struct {
	Analysis         map[string]interface{} `json:"analysis"`
	CreditsRemaining float64                `json:"creditsRemaining"`
}

type AnalysisService struct {
	llm     llm.Client
	credits *CreditService
	model   string
	cost    decimal.Decimal
	metrics *metrics.CreditMetrics
}

func NewAnalysisService(client llm.Client, credits *CreditService, model string, cost decimal.Decimal) *AnalysisService {
	return &AnalysisService{
		llm:     client,
		credits: credits,
		model:   model,
		cost:    cost,
		metrics: metrics.GetMetrics(),
	}
}

// Analyze 检查额度、调用模型、解析 JSON，成功后扣减额度
// 模型输出无法解析时返回 NEUTRAL 兜底结果，仍视为成功
func (s *AnalysisService) Analyze(ctx context.Context, userID string, snap *ChartSnapshot) (*AnalysisResult, error) {
	check, err := s.credits.CheckLimit(ctx, userID, s.cost)
	if err != nil {
		return nil, err
	}
	if !check.CanUse {
		return nil, &InsufficientCreditsError{Remaining: check.Remaining, Plan: check.Plan}
	}

	msgs := []llm.Message{
		{Role: llm.RoleSystem, Content: chartAnalysisSystemPrompt},
		{Role: llm.RoleUser, Content: BuildAnalysisPrompt(snap)},
	}
	start := time.Now()
	raw, err := s.llm.Complete(ctx, s.model, msgs, analysisTemperature, analysisMaxTokens)
	s.metrics.LLMDuration.WithLabelValues("analysis").Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("chart analysis failed: %w", err)
	}

	analysis := ParseAnalysis(raw)

	res, err := s.credits.Deduct(ctx, userID, s.cost, "analysis", snap.Symbol)
	if err != nil {
		return nil, err
	}
	return &AnalysisResult{
		Analysis:         analysis,
		CreditsRemaining: res.Remaining.InexactFloat64(),
	}, nil
}

// ParseAnalysis 去掉 ```json 代码块后解析
func ParseAnalysis(raw string) map[string]interface{} {
	cleaned := strings.ReplaceAll(raw, "```json", "")
	cleaned = strings.ReplaceAll(cleaned, "```", "")
	cleaned = strings.TrimSpace(cleaned)
	if cleaned == "" {
		cleaned = "{}"
	}

	var out map[string]interface{}
	if err := json.Unmarshal([]byte(cleaned), &out); err != nil {
		logger.L().Warn("[AnalysisService] 模型输出不是合法 JSON", zap.Error(err))
		return map[string]interface{}{
			"signal":     "NEUTRAL",
			"confidence": 0,
			"reasoning":  "AI response could not be parsed. Raw response: " + raw,
			"key_levels": map[string]interface{}{
				"entry_zone":  "N/A",
				"stop_loss":   "N/A",
				"take_profit": "N/A",
			},
		}
	}
	return out
}

func fixed(v *float64, prec int) string {
	if v == nil {
		return "N/A"
	}
	return strconv.FormatFloat(*v, 'f', prec, 64)
}

func orNA(s string) string {
	if s == "" {
		return "N/A"
	}
	return s
}

// BuildAnalysisPrompt 把指标快照格式化为提示词
func BuildAnalysisPrompt(snap *ChartSnapshot) string {
	var b strings.Builder

	symbol := snap.Symbol
	if symbol == "" {
		symbol = "Unknown"
	}
	timeframe := snap.Timeframe
	if timeframe == "" {
		timeframe = "5m"
	}
	fmt.Fprintf(&b, "Symbol: %s\nTimeframe: %s\nLatest Price: %s\n\n", symbol, timeframe, fixed(snap.Price, 4))

	mc := snap.MarketContext
	if mc == nil {
		mc = &MarketContext{}
	}
	fmt.Fprintf(&b, "Market Context:\nLocal Support (50 candles): %s\nLocal Resistance (50 candles): %s\n\n",
		fixed(mc.LocalSupport, 2), fixed(mc.LocalResistance, 2))

	ind := snap.Indicators
	if ind == nil {
		ind = &Indicators{}
	}
	ema := ind.EMA
	if ema == nil {
		ema = &EMA{}
	}
	trend := "N/A"
	if ema.EMA9 != nil && ema.EMA21 != nil {
		trend = "BEARISH (EMA 9 < EMA 21)"
		if *ema.EMA9 > *ema.EMA21 {
			trend = "BULLISH (EMA 9 > EMA 21)"
		}
	}
	fmt.Fprintf(&b, "Trend Indicators:\nEMA 9: %s\nEMA 21: %s\nTrend Context: %s\n\n", fixed(ema.EMA9, 2), fixed(ema.EMA21, 2), trend)

	rsi := ind.RSI
	if len(rsi) > 3 {
		rsi = rsi[len(rsi)-3:]
	}
	rsiParts := make([]string, 0, len(rsi))
	for _, r := range rsi {
		rsiParts = append(rsiParts, strconv.FormatFloat(r, 'f', 2, 64))
	}
	rsiText := "N/A"
	if len(rsiParts) > 0 {
		rsiText = strings.Join(rsiParts, " -> ")
	}
	macd := "N/A"
	if n := len(ind.MACD); n > 0 {
		macd = fixed(ind.MACD[n-1].MACD, 4)
	}
	upper, lower := "N/A", "N/A"
	if n := len(ind.BB); n > 0 {
		upper, lower = fixed(ind.BB[n-1].Upper, 2), fixed(ind.BB[n-1].Lower, 2)
	}
	fmt.Fprintf(&b, "Technical Indicators (Recent):\nRSI (14): %s\nMACD: %s\nBollinger Bands: Upper %s, Lower %s\n\n", rsiText, macd, upper, lower)

	vol := snap.Volume
	if vol == nil {
		vol = &VolumeSnapshot{}
	}
	obv := ind.OBV
	if obv == nil {
		obv = &OBV{}
	}
	spike := "NO"
	if mc.VolumeSpike {
		spike = "YES"
	}
	fmt.Fprintf(&b, "Volume Analysis:\nCurrent Volume: %s\nAverage Volume (20): %s\nVolume Trend: %s\nOBV Trend: %s (Current: %s)\nVolume Spike Detected: %s\n\n",
		fixed(vol.Current, 2), fixed(vol.Average, 2), orNA(vol.Trend), orNA(obv.Trend), fixed(obv.Current, 2), spike)

	b.WriteString("Recent Price Action (Last 15 Candles):\n")
	candles := snap.RecentCandles
	if len(candles) > 15 {
		candles = candles[len(candles)-15:]
	}
	for i, c := range candles {
		fmt.Fprintf(&b, "[%d] O:%g H:%g L:%g C:%g V:%g\n", i+1, c.Open, c.High, c.Low, c.Close, c.Volume)
	}
	b.WriteString("\n")
	b.WriteString(chartAnalysisInstructions)
	return b.String()
}
