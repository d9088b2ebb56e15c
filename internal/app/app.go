// Package app 按配置组装基础设施与服务，server 与 cron 共用。
package app

import (
	"fmt"
	"time"

	"creditgate/internal/auth"
	"creditgate/internal/config"
	"creditgate/internal/infrastructure/cache"
	"creditgate/internal/infrastructure/chain"
	"creditgate/internal/infrastructure/database"
	"creditgate/internal/infrastructure/llm"
	"creditgate/internal/infrastructure/lock"
	"creditgate/internal/infrastructure/market"
	"creditgate/internal/infrastructure/mq"
	"creditgate/internal/infrastructure/oracle"
	"creditgate/internal/ledger"
	"creditgate/internal/service"
	"creditgate/pkg/idgen"
	"creditgate/pkg/logger"

	"github.com/go-redis/redis/v8"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// App 进程内共享的依赖
type App struct {
	Config    *config.Config
	DB        *gorm.DB
	Redis     *redis.Client
	Publisher mq.Publisher
	Verifier  auth.TokenVerifier

	Credits       *service.CreditService
	Purchases     *service.PurchaseService
	Confirmations *service.ConfirmationService
	Chat          *service.ChatService
	Analysis      *service.AnalysisService
	RateLimit     *service.RateLimitService
	Market        *service.MarketService
}

// New 初始化数据库、Redis、Kafka 与各服务
// Redis 与 Kafka 未启用或连接失败时分别退化为进程内实现与日志投递
func New(cfg *config.Config) (*App, error) {
	if err := idgen.Init(cfg.Server.WorkerID); err != nil {
		return nil, fmt.Errorf("初始化 ID 生成器失败: %w", err)
	}

	db, err := database.Open(&cfg.Database)
	if err != nil {
		return nil, err
	}

	a := &App{Config: cfg, DB: db}

	var (
		store  cache.Store
		locker lock.Locker
	)
	if cfg.Redis.Enabled {
		rdb, err := cache.InitRedis(&cfg.Redis)
		if err != nil {
			logger.L().Warn("[App] Redis 不可用，使用进程内缓存与锁", zap.Error(err))
		} else {
			a.Redis = rdb
			store = cache.NewRedisStore(rdb, "creditgate:")
			locker = lock.NewRedisLocker(rdb, 30*time.Second)
		}
	}
	if store == nil {
		store = cache.NewMemoryStore(time.Minute)
		locker = lock.NewLocalLocker()
	}

	a.Publisher = mq.LogPublisher{}
	if cfg.Kafka.Enabled {
		pub, err := mq.NewKafkaPublisher(&cfg.Kafka)
		if err != nil {
			logger.L().Warn("[App] Kafka 不可用，事件仅写入日志", zap.Error(err))
		} else {
			a.Publisher = pub
		}
	}

	if !cfg.Auth.Disabled {
		verifier, err := auth.NewVerifier(cfg.Auth.Issuer, cfg.Auth.Audience, cfg.Auth.JWKSURL)
		if err != nil {
			return nil, err
		}
		a.Verifier = verifier
	}

	provider := NewChainProvider(cfg)
	prices := oracle.NewCached(
		oracle.NewCoinGecko(cfg.Oracle.BaseURL, cfg.Oracle.APIKey, cfg.Oracle.VsCurrency, time.Duration(cfg.Oracle.TimeoutSeconds)*time.Second),
		store,
		time.Duration(cfg.Purchase.PriceCacheSeconds)*time.Second,
	)
	client := llm.NewOpenAIClient(cfg.LLM.BaseURL, cfg.LLM.APIKey)

	policy := ledger.PolicyFromConfig(cfg.Plans, cfg.Credits.DowngradeFloor)
	a.Credits = service.NewCreditService(db, policy, cfg.Kafka.Topic.LedgerEvent)
	a.Purchases = service.NewPurchaseService(&cfg.Purchase, provider, prices)
	a.Confirmations = service.NewConfirmationService(db, cfg, provider, prices, locker, a.Credits)
	a.Chat = service.NewChatService(client, a.Credits, cfg.LLM.ChatModel, decimal.NewFromFloat(cfg.Credits.ChatCost))
	a.Analysis = service.NewAnalysisService(client, a.Credits, cfg.LLM.AnalysisModel, decimal.NewFromFloat(cfg.Credits.AnalysisCost))
	a.RateLimit = service.NewRateLimitService(store, time.Duration(cfg.RateLimit.WindowSeconds)*time.Second)
	a.Market = service.NewMarketService(market.NewCoinbase(cfg.Market.BaseURL, time.Duration(cfg.Market.TimeoutSeconds)*time.Second))
	return a, nil
}

// NewChainProvider 按配置选择链数据源
func NewChainProvider(cfg *config.Config) chain.Provider {
	client := chain.NewHTTPClient(time.Duration(cfg.Chain.TimeoutSeconds) * time.Second)
	if cfg.Chain.Provider == "blockfrost" {
		return chain.NewBlockfrost(cfg.BlockfrostBaseURL(), cfg.Chain.APIKey, client)
	}
	return chain.NewKoios(cfg.KoiosBaseURL(), cfg.Chain.APIKey, client)
}

// Close 释放外部连接
func (a *App) Close() {
	if a.Publisher != nil {
		if err := a.Publisher.Close(); err != nil {
			logger.L().Warn("[App] 关闭消息生产者失败", zap.Error(err))
		}
	}
	if a.Redis != nil {
		_ = a.Redis.Close()
	}
	if a.DB != nil {
		if sqlDB, err := a.DB.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
}
