package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"creditgate/internal/app"
	"creditgate/internal/config"
	"creditgate/internal/job"
	"creditgate/pkg/logger"

	"github.com/robfig/cron/v3"
	_ "go.uber.org/automaxprocs"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "配置文件路径")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}

	logger.Init(cfg.Log.Level, cfg.Log.Format)
	defer logger.Sync()
	log := logger.Named("cron")

	a, err := app.New(cfg)
	if err != nil {
		log.Fatal("初始化失败", zap.Error(err))
	}
	defer a.Close()

	resetJob := job.NewPlanResetJob(a.Credits)
	reconcileJob := job.NewPurchaseReconcileJob(a.Confirmations, cfg)

	// 创建定时任务调度器（支持秒级调度）
	scheduler := cron.New(cron.WithSeconds(), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))

	// free 套餐周期重置
	if _, err := scheduler.AddFunc(cfg.Business.ResetSweepCron, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()
		n := resetJob.RunOnce(ctx)
		log.Info("[CRON] 周期重置完成", zap.Int("count", n))
	}); err != nil {
		log.Fatal("注册周期重置任务失败", zap.String("spec", cfg.Business.ResetSweepCron), zap.Error(err))
	}

	// 未完成购买对账
	reconcileSpec := fmt.Sprintf("@every %ds", cfg.Business.ReconcileIntervalSeconds)
	if _, err := scheduler.AddFunc(reconcileSpec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		if n := reconcileJob.RunOnce(ctx); n > 0 {
			log.Info("[CRON] 对账入账", zap.Int("count", n))
		}
	}); err != nil {
		log.Fatal("注册对账任务失败", zap.String("spec", reconcileSpec), zap.Error(err))
	}

	scheduler.Start()
	log.Info("定时任务已启动",
		zap.String("reset_sweep", cfg.Business.ResetSweepCron),
		zap.String("reconcile", reconcileSpec))

	// 优雅退出
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("正在停止定时任务...")
	stopCtx := scheduler.Stop()
	select {
	case <-stopCtx.Done():
		log.Info("定时任务已停止")
	case <-time.After(5 * time.Second):
		log.Warn("等待定时任务超时，强制退出")
	}
}
