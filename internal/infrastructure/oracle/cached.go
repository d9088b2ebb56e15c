package oracle

import (
	"context"
	"encoding/json"
	"time"

	"creditgate/internal/infrastructure/cache"
	"creditgate/pkg/logger"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type cachedPrice struct {
	Price decimal.Decimal `json:"p"`
	At    int64           `json:"at"`
}

// Cached 每个代币的报价缓存 ttl，缓存读写失败时直接回源
type Cached struct {
	source PriceSource
	store  cache.Store
	ttl    time.Duration
	now    func() time.Time
}

func NewCached(source PriceSource, store cache.Store, ttl time.Duration) *Cached {
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	return &Cached{source: source, store: store, ttl: ttl, now: time.Now}
}

func cacheKey(coinID string) string {
	return "price:ada:" + coinID
}

func (c *Cached) PriceInADA(ctx context.Context, coinID string) (decimal.Decimal, error) {
	key := cacheKey(coinID)
	if raw, ok, err := c.store.Get(ctx, key); err != nil {
		logger.L().Warn("[PriceCache] 读取缓存失败", zap.String("coin", coinID), zap.Error(err))
	} else if ok {
		var cp cachedPrice
		if json.Unmarshal([]byte(raw), &cp) == nil && c.now().Sub(time.UnixMilli(cp.At)) < c.ttl {
			return cp.Price, nil
		}
	}

	price, err := c.source.PriceInADA(ctx, coinID)
	if err != nil {
		return decimal.Zero, err
	}

	buf, _ := json.Marshal(cachedPrice{Price: price, At: c.now().UnixMilli()})
	if err := c.store.Set(ctx, key, string(buf), c.ttl); err != nil {
		logger.L().Warn("[PriceCache] 写入缓存失败", zap.String("coin", coinID), zap.Error(err))
	}
	return price, nil
}
