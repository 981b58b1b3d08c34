package indicator

import (
	"math"

	talib "github.com/markcheno/go-talib"
)

// ATR 计算截止序列末尾的平均真实波幅，数据不足以覆盖周期时返回 ok=false。
func ATR(high, low, close []float64, period int) (float64, bool) {
	if period <= 0 || len(close) < period+1 {
		return 0, false
	}
	if len(high) != len(close) || len(low) != len(close) {
		return 0, false
	}

	values := talib.Atr(high, low, close, period)
	last := Last(values)
	if math.IsNaN(last) || last <= 0 {
		return 0, false
	}
	return last, true
}

// ATRSeries 返回整段序列的 ATR，前 period 个位置为 NaN，供引擎一次性预计算。
func ATRSeries(high, low, close []float64, period int) []float64 {
	if period <= 0 || len(close) < period+1 {
		out := make([]float64, len(close))
		for i := range out {
			out[i] = math.NaN()
		}
		return out
	}

	values := talib.Atr(high, low, close, period)
	for i := 0; i < period && i < len(values); i++ {
		values[i] = math.NaN()
	}
	return values
}
