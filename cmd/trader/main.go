package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"ai-trader/internal/app"
	"ai-trader/internal/config"
	"ai-trader/internal/log"
	"ai-trader/internal/store"
)

func main() {
	var (
		configPath    string
		backtestAgent string
		backtestStart string
		backtestEnd   string
	)
	flag.StringVar(&configPath, "config", "", "配置文件路径，默认使用 configs/config.yaml")
	flag.StringVar(&backtestAgent, "backtest", "", "回测模式：指定代理 id")
	flag.StringVar(&backtestStart, "start", "", "回测起始日期 (2006-01-02)")
	flag.StringVar(&backtestEnd, "end", "", "回测结束日期 (2006-01-02)")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}

	logger, err := log.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "初始化日志失败: %v\n", err)
		os.Exit(1)
	}
	defer func(logger *zap.Logger) {
		_ = logger.Sync()
	}(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if backtestAgent != "" {
		start, err := time.Parse("2006-01-02", backtestStart)
		if err != nil {
			logger.Error("回测起始日期非法", zap.String("start", backtestStart), zap.Error(err))
			os.Exit(1)
		}
		end, err := time.Parse("2006-01-02", backtestEnd)
		if err != nil {
			logger.Error("回测结束日期非法", zap.String("end", backtestEnd), zap.Error(err))
			os.Exit(1)
		}
		if err := app.RunBacktest(ctx, cfg, logger, backtestAgent, start, end); err != nil {
			logger.Error("回测失败", zap.Error(err))
			os.Exit(1)
		}
		return
	}

	sqliteStore, err := store.NewSQLite(cfg.Database)
	if err != nil {
		logger.Error("初始化数据库失败", zap.Error(err))
		os.Exit(1)
	}
	defer func() {
		if closeErr := sqliteStore.Close(); closeErr != nil {
			logger.Warn("关闭数据库失败", zap.Error(closeErr))
		}
	}()

	tradingApp := app.New(cfg, logger, sqliteStore)

	if err := tradingApp.Run(ctx); err != nil {
		logger.Error("系统运行异常", zap.Error(err))
		os.Exit(1)
	}

	logger.Info("系统已安全退出")
}
