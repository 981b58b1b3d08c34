package indicator

import (
	"math"
	"testing"

	"trend-backtest/internal/config"
)

func TestReturnsSkipsNonPositivePrices(t *testing.T) {
	prices := []float64{10, 11, 0, 12, 12.6}
	returns := Returns(prices)
	if len(returns) != 2 {
		t.Fatalf("Returns length = %d, want 2", len(returns))
	}
	if math.Abs(returns[0]-0.1) > 1e-12 {
		t.Errorf("first return = %v, want 0.1", returns[0])
	}
	if math.Abs(returns[1]-0.05) > 1e-12 {
		t.Errorf("second return = %v, want 0.05", returns[1])
	}
}

func TestRollingStdKnownValue(t *testing.T) {
	e := Estimator{Method: config.VolMethodStd, Window: 4, Floor: 1e-6}

	// 收益率 {+1%, -1%, +1%, -1%}：均值 0，样本方差 = 4*0.0001/3。
	prices := []float64{100, 101, 99.99, 100.9899, 99.979701}
	vol, ok := e.Daily(prices)
	if !ok {
		t.Fatalf("Daily returned ok=false for valid prices")
	}
	want := math.Sqrt(4 * 0.0001 / 3)
	if math.Abs(vol-want) > 1e-9 {
		t.Errorf("rolling std vol = %v, want %v", vol, want)
	}
}

func TestRollingStdUsesOnlyWindowTail(t *testing.T) {
	e := Estimator{Method: config.VolMethodStd, Window: 2, Floor: 1e-6}

	// 窗口只覆盖最后两个收益率，前面的大幅波动应被忽略。
	returns := []float64{0.5, -0.5, 0.01, -0.01}
	vol, ok := e.DailyFromReturns(returns)
	if !ok {
		t.Fatalf("DailyFromReturns returned ok=false")
	}
	want := math.Sqrt((0.0001 + 0.0001) / 1) // 样本方差，均值 0
	if math.Abs(vol-want) > 1e-9 {
		t.Errorf("windowed vol = %v, want %v", vol, want)
	}
}

func TestEWMAKnownValue(t *testing.T) {
	e := Estimator{Method: config.VolMethodEWMA, Lambda: 0.9, Floor: 1e-6}

	returns := []float64{0.02, 0.01}
	vol, ok := e.DailyFromReturns(returns)
	if !ok {
		t.Fatalf("DailyFromReturns returned ok=false")
	}
	want := math.Sqrt(0.9*0.0004 + 0.1*0.0001)
	if math.Abs(vol-want) > 1e-12 {
		t.Errorf("ewma vol = %v, want %v", vol, want)
	}
}

func TestVolatilityFloorApplied(t *testing.T) {
	e := Estimator{Method: config.VolMethodStd, Window: 20, Floor: 0.005}

	// 价格完全不变，原始波动率为 0，应抬升到下限。
	prices := []float64{10, 10, 10, 10, 10}
	vol, ok := e.Daily(prices)
	if !ok {
		t.Fatalf("flat prices should still produce an estimate")
	}
	if vol != 0.005 {
		t.Errorf("floored vol = %v, want 0.005", vol)
	}
}

func TestVolatilityInsufficientData(t *testing.T) {
	e := Estimator{Method: config.VolMethodStd, Window: 20, Floor: 0.005}

	if _, ok := e.Daily([]float64{10}); ok {
		t.Errorf("single price should be excluded, not floored")
	}
	if _, ok := e.Daily(nil); ok {
		t.Errorf("empty series should be excluded")
	}

	// 两个价格给出一个收益率，样本不足以算标准差时退化为下限但仍然有效。
	vol, ok := e.Daily([]float64{10, 10.5})
	if !ok {
		t.Fatalf("one return should still be usable")
	}
	if vol != 0.005 {
		t.Errorf("single-return vol = %v, want floor 0.005", vol)
	}
}

func TestSafeDivide(t *testing.T) {
	if got := SafeDivide(10, 4); got != 2.5 {
		t.Errorf("SafeDivide(10, 4) = %v, want 2.5", got)
	}
	if got := SafeDivide(10, 0); got != 0 {
		t.Errorf("SafeDivide(10, 0) = %v, want 0", got)
	}
}

func TestAnnualized(t *testing.T) {
	e := Estimator{}
	want := 0.01 * math.Sqrt(252)
	if got := e.Annualized(0.01); math.Abs(got-want) > 1e-12 {
		t.Errorf("Annualized(0.01) = %v, want %v", got, want)
	}
}

func TestATRConstantRange(t *testing.T) {
	n := 20
	high := make([]float64, n)
	low := make([]float64, n)
	close := make([]float64, n)
	for i := 0; i < n; i++ {
		high[i] = 101
		low[i] = 99
		close[i] = 100
	}

	atr, ok := ATR(high, low, close, 5)
	if !ok {
		t.Fatalf("ATR returned ok=false for valid series")
	}
	// 真实波幅恒为 2，Wilder 平滑后仍为 2。
	if math.Abs(atr-2) > 1e-9 {
		t.Errorf("ATR = %v, want 2", atr)
	}
}

func TestATRInsufficientData(t *testing.T) {
	high := []float64{101, 102}
	low := []float64{99, 100}
	close := []float64{100, 101}

	if _, ok := ATR(high, low, close, 5); ok {
		t.Errorf("ATR with fewer than period+1 bars should not be ok")
	}
}

func TestATRFlatSeriesNotOK(t *testing.T) {
	n := 20
	flat := make([]float64, n)
	for i := range flat {
		flat[i] = 100
	}

	// 高低收完全相同时 ATR 为 0，应视为不可用而不是有效止损距离。
	if _, ok := ATR(flat, flat, flat, 5); ok {
		t.Errorf("zero ATR should report ok=false")
	}
}

func TestATRSeriesWarmupNaN(t *testing.T) {
	n := 10
	high := make([]float64, n)
	low := make([]float64, n)
	close := make([]float64, n)
	for i := 0; i < n; i++ {
		high[i] = 101
		low[i] = 99
		close[i] = 100
	}

	values := ATRSeries(high, low, close, 5)
	if len(values) != n {
		t.Fatalf("ATRSeries length = %d, want %d", len(values), n)
	}
	for i := 0; i < 5; i++ {
		if !math.IsNaN(values[i]) {
			t.Errorf("values[%d] = %v, want NaN during warmup", i, values[i])
		}
	}
	if math.Abs(values[n-1]-2) > 1e-9 {
		t.Errorf("final ATR = %v, want 2", values[n-1])
	}
}
