package service

import (
	"context"
	"fmt"
	"math"
	"time"

	"creditgate/internal/infrastructure/cache"
	"creditgate/internal/metrics"
)

// RateDecision 限流结果
type RateDecision struct {
	Allowed    bool
	RetryAfter int // 秒
}

// Message 被限流时的提示
func (d RateDecision) Message() string {
	return fmt.Sprintf("Rate limit exceeded. Please wait %d seconds.", d.RetryAfter)
}

// RateLimitService 按客户端 IP 的固定窗口限流，窗口内只放行第一次请求
type RateLimitService struct {
	store   cache.Store
	window  time.Duration
	metrics *metrics.CreditMetrics
}

func NewRateLimitService(store cache.Store, window time.Duration) *RateLimitService {
	if window <= 0 {
		window = 30 * time.Second
	}
	return &RateLimitService{store: store, window: window, metrics: metrics.GetMetrics()}
}

func (s *RateLimitService) Allow(ctx context.Context, ip string) (RateDecision, error) {
	if ip == "" {
		ip = "unknown"
	}
	key := "ratelimit:ip:" + ip
	ok, err := s.store.SetNX(ctx, key, "1", s.window)
	if err != nil {
		return RateDecision{}, err
	}
	if ok {
		s.metrics.RateLimitTotal.WithLabelValues("allowed").Inc()
		return RateDecision{Allowed: true}, nil
	}

	ttl, err := s.store.TTL(ctx, key)
	if err != nil {
		return RateDecision{}, err
	}
	retry := int(math.Ceil(ttl.Seconds()))
	if retry < 1 {
		retry = 1
	}
	s.metrics.RateLimitTotal.WithLabelValues("limited").Inc()
	return RateDecision{Allowed: false, RetryAfter: retry}, nil
}
