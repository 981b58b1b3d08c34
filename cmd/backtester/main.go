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

	"trend-backtest/internal/backtest"
	"trend-backtest/internal/config"
	"trend-backtest/internal/log"
	"trend-backtest/internal/market"
	"trend-backtest/internal/report"
	"trend-backtest/internal/store"
)

func main() {
	var (
		configPath string
		startStr   string
		endStr     string
		capital    float64
		outDir     string
	)
	flag.StringVar(&configPath, "config", "", "配置文件路径，默认使用 configs/backtest.yaml")
	flag.StringVar(&startStr, "start", "", "回测开始日期，格式 2006-01-02")
	flag.StringVar(&endStr, "end", "", "回测结束日期，格式 2006-01-02")
	flag.Float64Var(&capital, "capital", 1000000, "初始资金")
	flag.StringVar(&outDir, "out", "output", "报表输出目录")
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

	start, err := time.Parse("2006-01-02", startStr)
	if err != nil {
		logger.Error("解析开始日期失败", zap.String("start", startStr), zap.Error(err))
		os.Exit(1)
	}
	end, err := time.Parse("2006-01-02", endStr)
	if err != nil {
		logger.Error("解析结束日期失败", zap.String("end", endStr), zap.Error(err))
		os.Exit(1)
	}

	dataStore, err := store.Open(cfg.Data.Path)
	if err != nil {
		logger.Error("打开历史数据存储失败", zap.Error(err))
		os.Exit(1)
	}
	defer func() {
		if closeErr := dataStore.Close(); closeErr != nil {
			logger.Warn("关闭数据库失败", zap.Error(closeErr))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 多取一段预热数据，保证首个交易日就有足够历史做打分与聚类。
	warmupStart := market.Day(start).AddDate(0, 0, -cfg.Data.WarmupDays)
	universe, err := dataStore.LoadUniverse(ctx, cfg.Data.Symbols, warmupStart, end)
	if err != nil {
		logger.Error("加载历史数据失败", zap.Error(err))
		os.Exit(1)
	}

	engine, err := backtest.NewEngine(cfg, universe, logger)
	if err != nil {
		logger.Error("初始化回测引擎失败", zap.Error(err))
		os.Exit(1)
	}

	result, err := engine.Run(ctx, start, end, capital)
	if err != nil {
		logger.Error("回测运行失败", zap.Error(err))
		os.Exit(1)
	}

	if err := report.WriteAll(outDir, result); err != nil {
		logger.Error("写出报表失败", zap.Error(err))
		os.Exit(1)
	}

	logger.Info("报表已写出", zap.String("dir", outDir))
}
