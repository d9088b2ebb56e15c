package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"creditgate/internal/app"
	"creditgate/internal/config"
	"creditgate/internal/handler"
	"creditgate/internal/job"
	"creditgate/pkg/logger"

	_ "go.uber.org/automaxprocs"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "配置文件路径")
	flag.Parse()

	// 加载配置
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}

	logger.Init(cfg.Log.Level, cfg.Log.Format)
	defer logger.Sync()

	a, err := app.New(cfg)
	if err != nil {
		logger.L().Fatal("初始化失败", zap.Error(err))
	}
	defer a.Close()

	// 创建上下文（用于优雅关闭）
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 启动后台任务
	outboxSender := job.NewOutboxSender(a.DB, a.Publisher, cfg)
	go outboxSender.Start(ctx)

	reconcileJob := job.NewPurchaseReconcileJob(a.Confirmations, cfg)
	go reconcileJob.Start(ctx)

	resetJob := job.NewPlanResetJob(a.Credits)
	go resetJob.Start(ctx)

	// 设置路由
	router := handler.SetupRouter(handler.NewHandler(handler.Services{
		Credits:       a.Credits,
		Purchases:     a.Purchases,
		Confirmations: a.Confirmations,
		Chat:          a.Chat,
		Analysis:      a.Analysis,
		RateLimit:     a.RateLimit,
		Market:        a.Market,
	}), cfg, a.Verifier)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.L().Info("服务启动", zap.Int("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.L().Fatal("服务启动失败", zap.Error(err))
		}
	}()

	// 等待中断信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.L().Info("正在关闭服务...")

	// 取消上下文，停止后台任务
	cancel()

	// 流式对话可能持续较久，最多等待 15 秒
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.L().Error("服务关闭异常", zap.Error(err))
	}

	logger.L().Info("服务已关闭")
}
