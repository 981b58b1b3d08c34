package indicator

import "math"

// Last 返回序列最后一个值，若为空则返回 NaN。
func Last(values []float64) float64 {
	if len(values) == 0 {
		return math.NaN()
	}
	return values[len(values)-1]
}

// SliceTail 返回序列末尾 n 个值，不足时返回全部。
func SliceTail(values []float64, n int) []float64 {
	if n <= 0 || len(values) == 0 {
		return nil
	}
	if len(values) <= n {
		dst := make([]float64, len(values))
		copy(dst, values)
		return dst
	}
	dst := make([]float64, n)
	copy(dst, values[len(values)-n:])
	return dst
}

// SafeDivide 除法保护，除数为0时返回0。
func SafeDivide(a, b float64) float64 {
	if b == 0 {
		return 0
	}
	return a / b
}

// Returns 从价格序列计算逐日收益率，非正价格所在区间被跳过。
func Returns(prices []float64) []float64 {
	if len(prices) < 2 {
		return nil
	}
	out := make([]float64, 0, len(prices)-1)
	for i := 1; i < len(prices); i++ {
		if prices[i-1] <= 0 || prices[i] <= 0 {
			continue
		}
		out = append(out, prices[i]/prices[i-1]-1)
	}
	return out
}
