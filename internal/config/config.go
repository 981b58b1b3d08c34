package config

import (
	"errors"
	"fmt"
	"strings"

	mapstructure "github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

const (
	defaultConfigPath = "configs/backtest.yaml"
	envPrefix         = "trend"
)

// Load 读取配置文件并结合环境变量返回 Config。
func Load(path string) (*Config, error) {
	v := viper.New()

	if path == "" {
		path = defaultConfigPath
	}

	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetEnvPrefix(envPrefix)
	replacer := strings.NewReplacer(".", "_")
	v.SetEnvKeyReplacer(replacer)
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil, fmt.Errorf("未找到配置文件 %q: %w", path, err)
		}
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.environment", "development")

	v.SetDefault("data.path", "data/market.db")
	v.SetDefault("data.warmup_days", 180)

	v.SetDefault("strategy.rebalance_every", 5)
	v.SetDefault("strategy.cluster.recompute_every", 20)
	v.SetDefault("strategy.cluster.lookback", 120)
	v.SetDefault("strategy.cluster.threshold", 0.6)
	v.SetDefault("strategy.cluster.linkage", LinkageWard)
	v.SetDefault("strategy.momentum.horizons", []int{20, 60, 120})
	v.SetDefault("strategy.momentum.weights", []float64{0.4, 0.4, 0.2})
	v.SetDefault("strategy.momentum.inertia_bonus", 0.1)
	v.SetDefault("strategy.selection.buy_top_n", 10)
	v.SetDefault("strategy.selection.hold_until_rank", 20)
	v.SetDefault("strategy.selection.max_positions", 10)
	v.SetDefault("strategy.selection.max_per_cluster", 2)

	v.SetDefault("sizing.target_risk", 0.01)
	v.SetDefault("sizing.max_position_pct", 0.15)
	v.SetDefault("sizing.max_cluster_pct", 0.30)
	v.SetDefault("sizing.max_total_pct", 0.95)
	v.SetDefault("sizing.lot_size", 100)
	v.SetDefault("sizing.volatility.method", VolMethodStd)
	v.SetDefault("sizing.volatility.window", 20)
	v.SetDefault("sizing.volatility.lambda", 0.94)
	v.SetDefault("sizing.volatility.floor", 0.0001)

	v.SetDefault("risk.atr_period", 14)
	v.SetDefault("risk.atr_multiplier", 3.0)
	v.SetDefault("risk.max_hold_days", 60)
	v.SetDefault("risk.min_profit_atr", 1.0)

	v.SetDefault("execution.timing", TimingClose)
	v.SetDefault("execution.slippage_bps", 10)
	v.SetDefault("execution.commission_rate", 0.0003)
	v.SetDefault("execution.min_commission", 5)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.encoding", "console")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.output_paths", []string{"stdout"})
	v.SetDefault("logging.error_output_paths", []string{"stderr"})
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}
