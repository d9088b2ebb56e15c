package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// CreditMetrics 额度服务指标
type CreditMetrics struct {
	// 额度检查
	CreditCheckTotal *prometheus.CounterVec // result: allowed/denied

	// 扣减
	DeductTotal    *prometheus.CounterVec   // operation, result
	DeductDuration *prometheus.HistogramVec // operation
	DeductAmount   *prometheus.CounterVec   // operation
	DowngradeTotal prometheus.Counter

	// 充值
	TopUpTotal  *prometheus.CounterVec // source: purchase/admin
	TopUpAmount *prometheus.CounterVec

	// 购买
	TxBuildTotal     *prometheus.CounterVec // method, result
	ConfirmPollTotal *prometheus.CounterVec // result: pending/confirmed/credited/rejected/error

	// 限流
	RateLimitTotal *prometheus.CounterVec // result: allowed/limited

	// 上游
	LLMDuration    *prometheus.HistogramVec // operation: chat/analysis
	CandleDuration *prometheus.HistogramVec // result: ok/error

	// outbox
	OutboxPublishTotal *prometheus.CounterVec // result: sent/retry/failed
}

func NewCreditMetrics(reg prometheus.Registerer) *CreditMetrics {
	f := promauto.With(reg)
	return &CreditMetrics{
		CreditCheckTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "creditgate_credit_check_total",
				Help: "Total number of credit checks",
			},
			[]string{"result"},
		),

		DeductTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "creditgate_deduct_total",
				Help: "Total number of credit deductions",
			},
			[]string{"operation", "result"},
		),
		DeductDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "creditgate_deduct_duration_seconds",
				Help:    "Duration of credit deductions",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		DeductAmount: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "creditgate_deduct_amount_total",
				Help: "Total credits deducted",
			},
			[]string{"operation"},
		),
		DowngradeTotal: f.NewCounter(
			prometheus.CounterOpts{
				Name: "creditgate_downgrade_total",
				Help: "Total number of pro to free downgrades",
			},
		),

		TopUpTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "creditgate_topup_total",
				Help: "Total number of credit top-ups",
			},
			[]string{"source"},
		),
		TopUpAmount: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "creditgate_topup_amount_total",
				Help: "Total credits added",
			},
			[]string{"source"},
		),

		TxBuildTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "creditgate_tx_build_total",
				Help: "Total number of purchase transactions built",
			},
			[]string{"method", "result"},
		),
		ConfirmPollTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "creditgate_confirm_poll_total",
				Help: "Total number of purchase confirmation polls",
			},
			[]string{"result"},
		),

		RateLimitTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "creditgate_rate_limit_total",
				Help: "Total number of rate limit decisions",
			},
			[]string{"result"},
		),

		LLMDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "creditgate_llm_duration_seconds",
				Help:    "Duration of upstream LLM calls",
				Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 20, 40},
			},
			[]string{"operation"},
		),
		CandleDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "creditgate_candle_fetch_duration_seconds",
				Help:    "Duration of upstream candle fetches",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"result"},
		),

		OutboxPublishTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "creditgate_outbox_publish_total",
				Help: "Total number of outbox publish attempts",
			},
			[]string{"result"},
		),
	}
}

var (
	defaultMetrics *CreditMetrics
	once           sync.Once
)

// GetMetrics 全局指标实例，注册到默认 registry
func GetMetrics() *CreditMetrics {
	once.Do(func() {
		defaultMetrics = NewCreditMetrics(prometheus.DefaultRegisterer)
	})
	return defaultMetrics
}
