package cache

import (
	"context"
	"fmt"
	"time"

	"creditgate/internal/config"
	applog "creditgate/pkg/logger"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// InitRedis 建立 Redis 连接并探活
func InitRedis(cfg *config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}

	applog.L().Info("[Redis] 连接成功", zap.String("addr", client.Options().Addr))
	return client, nil
}
