package indicator

import (
	"math"

	"trend-backtest/internal/config"
)

// TradingDaysPerYear 年化换算使用的交易日数量。
const TradingDaysPerYear = 252

// Estimator 根据尾部价格估计单日波动率。
// 估计值永远不低于 Floor；只有在连一个收益率都算不出来时才返回 ok=false，
// 调用方应将这种标的从当日候选中剔除，而不是按零波动处理。
type Estimator struct {
	Method string
	Window int
	Lambda float64
	Floor  float64
}

// NewEstimator 从配置创建波动率估计器。
func NewEstimator(cfg config.VolatilityConfig) Estimator {
	return Estimator{
		Method: cfg.Method,
		Window: cfg.Window,
		Lambda: cfg.Lambda,
		Floor:  cfg.Floor,
	}
}

// Daily 根据截止决策日的收盘价序列估计单日波动率。
func (e Estimator) Daily(closes []float64) (float64, bool) {
	returns := Returns(closes)
	return e.DailyFromReturns(returns)
}

// DailyFromReturns 直接从收益率序列估计单日波动率，供已预计算收益的调用方使用。
func (e Estimator) DailyFromReturns(returns []float64) (float64, bool) {
	if len(returns) == 0 {
		return 0, false
	}

	var vol float64
	switch e.Method {
	case config.VolMethodEWMA:
		vol = e.ewma(returns)
	default:
		vol = e.rollingStd(returns)
	}

	if math.IsNaN(vol) || vol < e.Floor {
		vol = e.Floor
	}
	return vol, true
}

// Annualized 将单日波动率换算为年化波动率。
func (e Estimator) Annualized(daily float64) float64 {
	return daily * math.Sqrt(TradingDaysPerYear)
}

// rollingStd 计算窗口内收益率的样本标准差，样本不足时退化为可用区间。
func (e Estimator) rollingStd(returns []float64) float64 {
	window := SliceTail(returns, e.Window)
	if len(window) < 2 {
		return e.Floor
	}

	mean := 0.0
	for _, r := range window {
		mean += r
	}
	mean /= float64(len(window))

	variance := 0.0
	for _, r := range window {
		diff := r - mean
		variance += diff * diff
	}
	variance /= float64(len(window) - 1)

	return math.Sqrt(variance)
}

// ewma 用指数加权方差递推估计波动率，首个收益率的平方作为初值。
func (e Estimator) ewma(returns []float64) float64 {
	lambda := e.Lambda
	if lambda <= 0 || lambda >= 1 {
		lambda = 0.94
	}

	variance := returns[0] * returns[0]
	for _, r := range returns[1:] {
		variance = lambda*variance + (1-lambda)*r*r
	}

	return math.Sqrt(variance)
}
