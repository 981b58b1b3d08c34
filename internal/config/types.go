package config

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"go.uber.org/multierr"
)

// 执行时点模式。
const (
	TimingClose = "close"
	TimingOpen  = "open"
)

// 波动率估计方法。
const (
	VolMethodStd  = "std"
	VolMethodEWMA = "ewma"
)

// 层次聚类的合并方式。
const (
	LinkageWard     = "ward"
	LinkageAverage  = "average"
	LinkageComplete = "complete"
	LinkageSingle   = "single"
)

// Config 聚合了回测运行所需的全部配置项。
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Data      DataConfig      `mapstructure:"data"`
	Strategy  StrategyConfig  `mapstructure:"strategy"`
	Sizing    SizingConfig    `mapstructure:"sizing"`
	Risk      RiskConfig      `mapstructure:"risk"`
	Execution ExecutionConfig `mapstructure:"execution"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// AppConfig 控制应用级参数。
type AppConfig struct {
	Environment string `mapstructure:"environment"`
}

// DataConfig 描述历史数据来源。
type DataConfig struct {
	Path       string   `mapstructure:"path"`
	Symbols    []string `mapstructure:"symbols"`
	WarmupDays int      `mapstructure:"warmup_days"`
}

// StrategyConfig 管理调仓节奏、聚类与选股参数。
type StrategyConfig struct {
	RebalanceEvery int             `mapstructure:"rebalance_every"`
	Cluster        ClusterConfig   `mapstructure:"cluster"`
	Momentum       MomentumConfig  `mapstructure:"momentum"`
	Selection      SelectionConfig `mapstructure:"selection"`
}

// ClusterConfig 控制相关性聚类。
type ClusterConfig struct {
	RecomputeEvery int     `mapstructure:"recompute_every"`
	Lookback       int     `mapstructure:"lookback"`
	Threshold      float64 `mapstructure:"threshold"`
	Linkage        string  `mapstructure:"linkage"`
}

// MomentumConfig 控制动量打分。
type MomentumConfig struct {
	Horizons     []int     `mapstructure:"horizons"`
	Weights      []float64 `mapstructure:"weights"`
	InertiaBonus float64   `mapstructure:"inertia_bonus"`
}

// SelectionConfig 控制持仓筛选的缓冲区与数量约束。
type SelectionConfig struct {
	BuyTopN       int `mapstructure:"buy_top_n"`
	HoldUntilRank int `mapstructure:"hold_until_rank"`
	MaxPositions  int `mapstructure:"max_positions"`
	MaxPerCluster int `mapstructure:"max_per_cluster"`
}

// SizingConfig 控制仓位分配。
type SizingConfig struct {
	TargetRisk     float64          `mapstructure:"target_risk"`
	MaxPositionPct float64          `mapstructure:"max_position_pct"`
	MaxClusterPct  float64          `mapstructure:"max_cluster_pct"`
	MaxTotalPct    float64          `mapstructure:"max_total_pct"`
	LotSize        int              `mapstructure:"lot_size"`
	Volatility     VolatilityConfig `mapstructure:"volatility"`
}

// VolatilityConfig 控制波动率估计。
type VolatilityConfig struct {
	Method string  `mapstructure:"method"`
	Window int     `mapstructure:"window"`
	Lambda float64 `mapstructure:"lambda"`
	Floor  float64 `mapstructure:"floor"`
}

// RiskConfig 控制持仓退出的风控状态机。
type RiskConfig struct {
	ATRPeriod     int     `mapstructure:"atr_period"`
	ATRMultiplier float64 `mapstructure:"atr_multiplier"`
	MaxHoldDays   int     `mapstructure:"max_hold_days"`
	MinProfitATR  float64 `mapstructure:"min_profit_atr"`
}

// ExecutionConfig 控制成交时点与交易成本。
type ExecutionConfig struct {
	Timing         string  `mapstructure:"timing"`
	SlippageBps    float64 `mapstructure:"slippage_bps"`
	CommissionRate float64 `mapstructure:"commission_rate"`
	MinCommission  float64 `mapstructure:"min_commission"`
}

// LoggingConfig 控制日志输出。
type LoggingConfig struct {
	Level            string   `mapstructure:"level"`
	Encoding         string   `mapstructure:"encoding"`
	Development      bool     `mapstructure:"development"`
	OutputPaths      []string `mapstructure:"output_paths"`
	ErrorOutputPaths []string `mapstructure:"error_output_paths"`
}

// Slippage 将基点表示的滑点换算为比例。
func (e ExecutionConfig) Slippage() float64 {
	return e.SlippageBps / 10000
}

// Validate 对配置进行校验，所有问题一次性汇总返回。
func (c *Config) Validate() error {
	var err error

	if c.App.Environment == "" {
		err = multierr.Append(err, errors.New("app.environment 不能为空"))
	}

	if c.Strategy.RebalanceEvery <= 0 {
		err = multierr.Append(err, errors.New("strategy.rebalance_every 必须大于0"))
	}
	if c.Strategy.Cluster.RecomputeEvery <= 0 {
		err = multierr.Append(err, errors.New("strategy.cluster.recompute_every 必须大于0"))
	}
	if c.Strategy.Cluster.Lookback < 20 {
		err = multierr.Append(err, errors.New("strategy.cluster.lookback 不应小于20"))
	}
	if c.Strategy.Cluster.Threshold <= -1 || c.Strategy.Cluster.Threshold >= 1 {
		err = multierr.Append(err, errors.New("strategy.cluster.threshold 必须位于(-1,1)"))
	}
	switch c.Strategy.Cluster.Linkage {
	case LinkageWard, LinkageAverage, LinkageComplete, LinkageSingle:
	default:
		err = multierr.Append(err, fmt.Errorf("strategy.cluster.linkage 取值非法: %q", c.Strategy.Cluster.Linkage))
	}

	if len(c.Strategy.Momentum.Horizons) == 0 {
		err = multierr.Append(err, errors.New("strategy.momentum.horizons 至少包含一个周期"))
	}
	if len(c.Strategy.Momentum.Horizons) != len(c.Strategy.Momentum.Weights) {
		err = multierr.Append(err, errors.New("strategy.momentum.horizons 与 weights 数量必须一致"))
	}
	weightSum := 0.0
	for i, w := range c.Strategy.Momentum.Weights {
		if w < 0 {
			err = multierr.Append(err, fmt.Errorf("strategy.momentum.weights[%d] 不能为负", i))
		}
		weightSum += w
	}
	if len(c.Strategy.Momentum.Weights) > 0 && math.Abs(weightSum-1) > 1e-6 {
		err = multierr.Append(err, fmt.Errorf("strategy.momentum.weights 之和必须为1，当前为 %.6f", weightSum))
	}
	for i, h := range c.Strategy.Momentum.Horizons {
		if h < 2 {
			err = multierr.Append(err, fmt.Errorf("strategy.momentum.horizons[%d] 不应小于2", i))
		}
	}
	if c.Strategy.Momentum.InertiaBonus < 0 {
		err = multierr.Append(err, errors.New("strategy.momentum.inertia_bonus 不能为负"))
	}

	if c.Strategy.Selection.BuyTopN <= 0 {
		err = multierr.Append(err, errors.New("strategy.selection.buy_top_n 必须大于0"))
	}
	if c.Strategy.Selection.HoldUntilRank < c.Strategy.Selection.BuyTopN {
		err = multierr.Append(err, errors.New("strategy.selection.hold_until_rank 不能小于 buy_top_n"))
	}
	if c.Strategy.Selection.MaxPositions <= 0 {
		err = multierr.Append(err, errors.New("strategy.selection.max_positions 必须大于0"))
	}
	if c.Strategy.Selection.MaxPerCluster <= 0 {
		err = multierr.Append(err, errors.New("strategy.selection.max_per_cluster 必须大于0"))
	}

	if c.Sizing.TargetRisk <= 0 {
		err = multierr.Append(err, errors.New("sizing.target_risk 必须大于0"))
	}
	if c.Sizing.MaxPositionPct <= 0 || c.Sizing.MaxPositionPct > 1 {
		err = multierr.Append(err, errors.New("sizing.max_position_pct 必须位于(0,1]"))
	}
	if c.Sizing.MaxClusterPct <= 0 || c.Sizing.MaxClusterPct > 1 {
		err = multierr.Append(err, errors.New("sizing.max_cluster_pct 必须位于(0,1]"))
	}
	if c.Sizing.MaxTotalPct <= 0 || c.Sizing.MaxTotalPct > 1 {
		err = multierr.Append(err, errors.New("sizing.max_total_pct 必须位于(0,1]"))
	}
	if c.Sizing.MaxClusterPct < c.Sizing.MaxPositionPct {
		err = multierr.Append(err, errors.New("sizing.max_cluster_pct 不能小于 max_position_pct"))
	}
	if c.Sizing.LotSize <= 0 {
		err = multierr.Append(err, errors.New("sizing.lot_size 必须大于0"))
	}
	switch c.Sizing.Volatility.Method {
	case VolMethodStd:
		if c.Sizing.Volatility.Window < 2 {
			err = multierr.Append(err, errors.New("sizing.volatility.window 不应小于2"))
		}
	case VolMethodEWMA:
		if c.Sizing.Volatility.Lambda <= 0 || c.Sizing.Volatility.Lambda >= 1 {
			err = multierr.Append(err, errors.New("sizing.volatility.lambda 必须位于(0,1)"))
		}
	default:
		err = multierr.Append(err, fmt.Errorf("sizing.volatility.method 取值非法: %q", c.Sizing.Volatility.Method))
	}
	if c.Sizing.Volatility.Floor <= 0 {
		err = multierr.Append(err, errors.New("sizing.volatility.floor 必须大于0"))
	}

	if c.Risk.ATRPeriod <= 0 {
		err = multierr.Append(err, errors.New("risk.atr_period 必须大于0"))
	}
	if c.Risk.ATRMultiplier <= 0 {
		err = multierr.Append(err, errors.New("risk.atr_multiplier 必须大于0"))
	}
	if c.Risk.MaxHoldDays <= 0 {
		err = multierr.Append(err, errors.New("risk.max_hold_days 必须大于0"))
	}
	if c.Risk.MinProfitATR < 0 {
		err = multierr.Append(err, errors.New("risk.min_profit_atr 不能为负"))
	}

	switch strings.ToLower(c.Execution.Timing) {
	case TimingClose, TimingOpen:
	default:
		err = multierr.Append(err, fmt.Errorf("execution.timing 取值非法: %q", c.Execution.Timing))
	}
	if c.Execution.SlippageBps < 0 || c.Execution.SlippageBps > 1000 {
		err = multierr.Append(err, errors.New("execution.slippage_bps 应位于[0,1000]"))
	}
	if c.Execution.CommissionRate < 0 || c.Execution.CommissionRate > 0.05 {
		err = multierr.Append(err, errors.New("execution.commission_rate 应位于[0,0.05]"))
	}
	if c.Execution.MinCommission < 0 {
		err = multierr.Append(err, errors.New("execution.min_commission 不能为负"))
	}

	if c.Logging.Level == "" {
		err = multierr.Append(err, errors.New("logging.level 不能为空"))
	}
	if c.Logging.Encoding == "" {
		err = multierr.Append(err, errors.New("logging.encoding 不能为空"))
	}
	if len(c.Logging.OutputPaths) == 0 {
		err = multierr.Append(err, errors.New("logging.output_paths 至少包含一个输出目标"))
	}
	if len(c.Logging.ErrorOutputPaths) == 0 {
		err = multierr.Append(err, errors.New("logging.error_output_paths 至少包含一个输出目标"))
	}

	if err != nil {
		return fmt.Errorf("配置校验失败: %w", err)
	}

	return nil
}
