package backtest

import (
	"context"
	"math"
	"reflect"
	"testing"
	"time"

	"trend-backtest/internal/config"
	"trend-backtest/internal/ledger"
	"trend-backtest/internal/market"
	"trend-backtest/internal/risk"
)

func btDay(offset int) time.Time {
	return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, offset)
}

// flatBars 构造高低收完全相同的平稳序列，ATR 恒为 0。
func flatBars(symbol string, n int, price float64) *market.Series {
	candles := make([]market.Candle, n)
	for i := range candles {
		candles[i] = market.Candle{
			Date: btDay(i), Open: price, High: price, Low: price, Close: price, Volume: 1000,
		}
	}
	return market.NewSeries(symbol, candles)
}

// rangeBars 按给定收盘价构造序列，高低价对称偏离 spread。
func rangeBars(symbol string, closes []float64, spread float64) *market.Series {
	candles := make([]market.Candle, len(closes))
	for i, c := range closes {
		candles[i] = market.Candle{
			Date: btDay(i), Open: c, High: c + spread, Low: c - spread, Close: c, Volume: 1000,
		}
	}
	return market.NewSeries(symbol, candles)
}

func waveBars(symbol string, n int, phase float64) *market.Series {
	closes := make([]float64, n)
	price := 100.0
	for i := range closes {
		price *= 1 + 0.01*math.Sin(float64(i)+phase)
		closes[i] = price
	}
	candles := make([]market.Candle, n)
	for i, c := range closes {
		candles[i] = market.Candle{
			Date: btDay(i), Open: c, High: c * 1.01, Low: c * 0.99, Close: c, Volume: 1000,
		}
	}
	return market.NewSeries(symbol, candles)
}

func trendFlags(t *testing.T, symbol string, n int, on func(i int) bool) *market.TrendSeries {
	t.Helper()
	dates := make([]time.Time, n)
	flags := make([]bool, n)
	for i := 0; i < n; i++ {
		dates[i] = btDay(i)
		flags[i] = on(i)
	}
	trend, err := market.NewTrendSeries(symbol, dates, flags)
	if err != nil {
		t.Fatalf("NewTrendSeries returned error: %v", err)
	}
	return trend
}

func engineUniverse(t *testing.T, series []*market.Series, trends []*market.TrendSeries) *market.Universe {
	t.Helper()
	u, err := market.NewUniverse(series, trends)
	if err != nil {
		t.Fatalf("NewUniverse returned error: %v", err)
	}
	return u
}

// baseEngineConfig 给出一份最小但完整合法的单标的回测配置：
// 每日调仓、无滑点无佣金，上限全部放开到 1。
func baseEngineConfig() *config.Config {
	return &config.Config{
		App: config.AppConfig{Environment: "test"},
		Strategy: config.StrategyConfig{
			RebalanceEvery: 1,
			Cluster: config.ClusterConfig{
				RecomputeEvery: 5, Lookback: 20, Threshold: 0.6, Linkage: config.LinkageWard,
			},
			Momentum: config.MomentumConfig{
				Horizons: []int{5}, Weights: []float64{1}, InertiaBonus: 0.1,
			},
			Selection: config.SelectionConfig{
				BuyTopN: 1, HoldUntilRank: 1, MaxPositions: 1, MaxPerCluster: 1,
			},
		},
		Sizing: config.SizingConfig{
			TargetRisk: 0.5, MaxPositionPct: 1, MaxClusterPct: 1, MaxTotalPct: 1, LotSize: 1,
			Volatility: config.VolatilityConfig{
				Method: config.VolMethodStd, Window: 20, Lambda: 0.94, Floor: 0.0001,
			},
		},
		Risk: config.RiskConfig{
			ATRPeriod: 3, ATRMultiplier: 3, MaxHoldDays: 1000, MinProfitATR: 1,
		},
		Execution: config.ExecutionConfig{
			Timing: config.TimingClose, SlippageBps: 0, CommissionRate: 0, MinCommission: 0,
		},
		Logging: config.LoggingConfig{
			Level: "info", Encoding: "console",
			OutputPaths: []string{"stdout"}, ErrorOutputPaths: []string{"stderr"},
		},
	}
}

func runEngine(t *testing.T, cfg *config.Config, u *market.Universe, start, end time.Time, capital float64) Result {
	t.Helper()
	engine, err := NewEngine(cfg, u, nil)
	if err != nil {
		t.Fatalf("NewEngine returned error: %v", err)
	}
	result, err := engine.Run(context.Background(), start, end, capital)
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	return result
}

// 恒定价格、趋势始终开启：首个调仓日满仓买入后不再有任何成交，
// 权益曲线恒等于初始资金，平稳序列既不被打分剔除也不触发任何止损。
func TestRunFlatPriceBuysAndHolds(t *testing.T) {
	n := 40
	series := flatBars("AAA", n, 10)
	trend := trendFlags(t, "AAA", n, func(int) bool { return true })
	u := engineUniverse(t, []*market.Series{series}, []*market.TrendSeries{trend})

	result := runEngine(t, baseEngineConfig(), u, btDay(30), btDay(n-1), 10000)

	if len(result.Fills) != 1 {
		t.Fatalf("fills = %d, want exactly one entry buy", len(result.Fills))
	}
	fill := result.Fills[0]
	if fill.Action != ledger.ActionBuy || fill.Shares != 1000 || fill.Price != 10 {
		t.Errorf("fill = %+v, want buy 1000 @ 10", fill)
	}
	if fill.Reason != reasonEntry {
		t.Errorf("fill reason = %q, want %q", fill.Reason, reasonEntry)
	}
	if !fill.Date.Equal(btDay(30)) {
		t.Errorf("fill date = %v, want first trading day", fill.Date)
	}

	for _, point := range result.EquityCurve {
		if math.Abs(point.Equity-10000) > 1e-9 {
			t.Fatalf("equity on %v = %v, want constant 10000", point.Date, point.Equity)
		}
	}
	if len(result.RoundTrips) != 0 {
		t.Errorf("round trips = %d, want 0", len(result.RoundTrips))
	}
}

// 趋势中途熄灭：持仓在熄灭当日收盘强制卖出，原因为 trend_off，
// 建仓与平仓不同日，T+1 约束不拦截。
func TestRunTrendOffForcesExit(t *testing.T) {
	n := 38
	series := flatBars("AAA", n, 10)
	trend := trendFlags(t, "AAA", n, func(i int) bool { return i < 34 })
	u := engineUniverse(t, []*market.Series{series}, []*market.TrendSeries{trend})

	result := runEngine(t, baseEngineConfig(), u, btDay(30), btDay(n-1), 10000)

	if len(result.Fills) != 2 {
		t.Fatalf("fills = %d, want buy then forced sell", len(result.Fills))
	}
	sell := result.Fills[1]
	if sell.Action != ledger.ActionSell || sell.Reason != risk.ReasonTrendOff {
		t.Errorf("sell fill = %+v, want trend_off exit", sell)
	}
	if !sell.Date.Equal(btDay(34)) {
		t.Errorf("sell date = %v, want the day the trend flag turned off", sell.Date)
	}

	last := result.EquityCurve[len(result.EquityCurve)-1]
	if last.NumPositions != 0 {
		t.Errorf("positions at end = %d, want 0", last.NumPositions)
	}
	if math.Abs(last.Equity-10000) > 1e-9 {
		t.Errorf("final equity = %v, want 10000 with zero costs", last.Equity)
	}
}

// 价格跌破吊灯止损线：当日收盘以 atr_stop 原因强制平仓。
func TestRunATRStopForcesExit(t *testing.T) {
	closes := make([]float64, 33)
	for i := 0; i < 32; i++ {
		closes[i] = 100
	}
	closes[32] = 80
	series := rangeBars("AAA", closes, 1)
	trend := trendFlags(t, "AAA", len(closes), func(int) bool { return true })
	u := engineUniverse(t, []*market.Series{series}, []*market.TrendSeries{trend})

	result := runEngine(t, baseEngineConfig(), u, btDay(30), btDay(32), 10000)

	if len(result.Fills) != 2 {
		t.Fatalf("fills = %d, want buy then stop-out", len(result.Fills))
	}
	buy, sell := result.Fills[0], result.Fills[1]
	if buy.Shares != 100 || buy.Price != 100 {
		t.Errorf("buy fill = %+v, want 100 shares @ 100", buy)
	}
	if sell.Action != ledger.ActionSell || sell.Reason != risk.ReasonATRStop {
		t.Errorf("sell fill = %+v, want atr_stop exit", sell)
	}
	if sell.Price != 80 {
		t.Errorf("stop-out price = %v, want close 80", sell.Price)
	}

	if len(result.RoundTrips) != 1 {
		t.Fatalf("round trips = %d, want 1", len(result.RoundTrips))
	}
	trip := result.RoundTrips[0]
	if math.Abs(trip.Profit-(-2000)) > 1e-9 {
		t.Errorf("trip profit = %v, want -2000", trip.Profit)
	}
	if trip.HoldingDays != 2 {
		t.Errorf("trip holding days = %d, want 2", trip.HoldingDays)
	}
}

// 次日开盘模式：调仓日只生成订单，成交发生在下一交易日开盘价加滑点。
func TestRunOpenTimingFillsNextDay(t *testing.T) {
	n := 40
	series := flatBars("AAA", n, 10)
	trend := trendFlags(t, "AAA", n, func(int) bool { return true })
	u := engineUniverse(t, []*market.Series{series}, []*market.TrendSeries{trend})

	cfg := baseEngineConfig()
	cfg.Strategy.RebalanceEvery = 100
	cfg.Sizing.MaxPositionPct = 0.9
	cfg.Sizing.MaxClusterPct = 0.9
	cfg.Sizing.MaxTotalPct = 0.9
	cfg.Execution.Timing = config.TimingOpen
	cfg.Execution.SlippageBps = 100

	result := runEngine(t, cfg, u, btDay(30), btDay(32), 10000)

	if len(result.Fills) != 1 {
		t.Fatalf("fills = %d, want one deferred buy", len(result.Fills))
	}
	fill := result.Fills[0]
	if !fill.Date.Equal(btDay(31)) {
		t.Errorf("fill date = %v, want next trading day", fill.Date)
	}
	if fill.Shares != 900 {
		t.Errorf("fill shares = %d, want 900", fill.Shares)
	}
	if math.Abs(fill.Price-10.1) > 1e-9 {
		t.Errorf("fill price = %v, want open 10 plus 1%% slippage", fill.Price)
	}
}

// 相同输入重复运行必须得到逐字节一致的成交与权益，
// 并且每个权益点都满足 现金 + 持仓市值 = 权益。
func TestRunDeterministicAndConsistent(t *testing.T) {
	n := 70
	series := []*market.Series{
		waveBars("S1", n, 0),
		waveBars("S2", n, 0.3),
		waveBars("S3", n, 2),
		waveBars("S4", n, 4),
	}
	var trends []*market.TrendSeries
	for _, s := range series {
		trends = append(trends, trendFlags(t, s.Symbol, n, func(int) bool { return true }))
	}
	u := engineUniverse(t, series, trends)

	cfg := baseEngineConfig()
	cfg.Strategy.RebalanceEvery = 3
	cfg.Strategy.Momentum = config.MomentumConfig{Horizons: []int{5, 10}, Weights: []float64{0.5, 0.5}, InertiaBonus: 0.1}
	cfg.Strategy.Selection = config.SelectionConfig{BuyTopN: 2, HoldUntilRank: 3, MaxPositions: 3, MaxPerCluster: 1}
	cfg.Sizing.TargetRisk = 0.01
	cfg.Sizing.MaxPositionPct = 0.3
	cfg.Sizing.MaxClusterPct = 0.3
	cfg.Sizing.MaxTotalPct = 0.9
	cfg.Sizing.LotSize = 100
	cfg.Risk = config.RiskConfig{ATRPeriod: 5, ATRMultiplier: 3, MaxHoldDays: 60, MinProfitATR: 1}
	cfg.Execution = config.ExecutionConfig{Timing: config.TimingClose, SlippageBps: 10, CommissionRate: 0.0003, MinCommission: 5}

	first := runEngine(t, cfg, u, btDay(40), btDay(n-1), 1000000)
	second := runEngine(t, cfg, u, btDay(40), btDay(n-1), 1000000)

	if !reflect.DeepEqual(first.Fills, second.Fills) {
		t.Errorf("fills differ between identical runs")
	}
	if !reflect.DeepEqual(first.EquityCurve, second.EquityCurve) {
		t.Errorf("equity curves differ between identical runs")
	}

	if len(first.EquityCurve) != 30 {
		t.Fatalf("equity curve length = %d, want 30 trading days", len(first.EquityCurve))
	}
	for _, point := range first.EquityCurve {
		if math.Abs(point.Cash+point.PositionsValue-point.Equity) > 1e-6 {
			t.Fatalf("equity identity violated on %v: %v + %v != %v",
				point.Date, point.Cash, point.PositionsValue, point.Equity)
		}
	}
	if len(first.Fills) == 0 {
		t.Fatalf("expected at least one fill in a trending universe")
	}

	// 波动 ±1% 的行情下，簇敞口不应明显超出配置的 0.3 上限。
	for _, exp := range first.ClusterExposure {
		if exp.MaxClusterWeight > 0.35 {
			t.Errorf("cluster weight on %v = %v, exceeds cap with margin", exp.Date, exp.MaxClusterWeight)
		}
	}
}

func TestNewEngineRejectsInvalidConfig(t *testing.T) {
	cfg := baseEngineConfig()
	cfg.Strategy.RebalanceEvery = 0

	u := engineUniverse(t,
		[]*market.Series{flatBars("AAA", 10, 10)},
		nil,
	)
	if _, err := NewEngine(cfg, u, nil); err == nil {
		t.Fatalf("invalid config should be rejected")
	}
}

func TestRunEmptyCalendar(t *testing.T) {
	u := engineUniverse(t, []*market.Series{flatBars("AAA", 10, 10)}, nil)
	engine, err := NewEngine(baseEngineConfig(), u, nil)
	if err != nil {
		t.Fatalf("NewEngine returned error: %v", err)
	}
	if _, err := engine.Run(context.Background(), btDay(100), btDay(110), 10000); err == nil {
		t.Fatalf("window outside the data range should fail")
	}
}

func TestRunCancelledContext(t *testing.T) {
	u := engineUniverse(t, []*market.Series{flatBars("AAA", 40, 10)}, nil)
	engine, err := NewEngine(baseEngineConfig(), u, nil)
	if err != nil {
		t.Fatalf("NewEngine returned error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := engine.Run(ctx, btDay(30), btDay(39), 10000); err == nil {
		t.Fatalf("cancelled context should abort the run")
	}
}

func TestRunRejectsNonPositiveCapital(t *testing.T) {
	u := engineUniverse(t, []*market.Series{flatBars("AAA", 40, 10)}, nil)
	engine, err := NewEngine(baseEngineConfig(), u, nil)
	if err != nil {
		t.Fatalf("NewEngine returned error: %v", err)
	}
	if _, err := engine.Run(context.Background(), btDay(30), btDay(39), 0); err == nil {
		t.Fatalf("zero capital should be rejected")
	}
}
