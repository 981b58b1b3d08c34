package backtest

import (
	"math"
	"time"

	"trend-backtest/internal/indicator"
	"trend-backtest/internal/ledger"
)

// Stats 是回测的绩效汇总。
type Stats struct {
	InitialEquity    float64
	FinalEquity      float64
	TotalReturn      float64
	AnnualizedReturn float64
	AnnualizedVol    float64
	SharpeRatio      float64
	SortinoRatio     float64
	CalmarRatio      float64
	MaxDrawdown      float64
	DrawdownPeak     time.Time
	DrawdownTrough   time.Time
	WinRate          float64
	ProfitFactor     float64
	Turnover         float64
	AvgHoldingDays   float64
	Trades           int
}

func computeStats(equity []ledger.EquityPoint, fills []ledger.Fill, trips []ledger.RoundTrip) Stats {
	var stats Stats
	if len(equity) == 0 {
		return stats
	}

	stats.InitialEquity = equity[0].Equity
	stats.FinalEquity = equity[len(equity)-1].Equity
	stats.Trades = len(fills)
	if stats.InitialEquity > 0 {
		stats.TotalReturn = stats.FinalEquity/stats.InitialEquity - 1
	}

	years := float64(len(equity)) / indicator.TradingDaysPerYear
	if years > 0 && stats.InitialEquity > 0 && stats.FinalEquity > 0 {
		stats.AnnualizedReturn = math.Pow(stats.FinalEquity/stats.InitialEquity, 1/years) - 1
	}

	returns := dailyReturns(equity)
	mean, std := meanStd(returns)
	stats.AnnualizedVol = std * math.Sqrt(indicator.TradingDaysPerYear)
	stats.SharpeRatio = indicator.SafeDivide(mean, std) * math.Sqrt(indicator.TradingDaysPerYear)
	stats.SortinoRatio = indicator.SafeDivide(mean, downsideStd(returns)) * math.Sqrt(indicator.TradingDaysPerYear)

	stats.MaxDrawdown, stats.DrawdownPeak, stats.DrawdownTrough = maxDrawdown(equity)
	stats.CalmarRatio = indicator.SafeDivide(stats.AnnualizedReturn, stats.MaxDrawdown)

	stats.WinRate, stats.ProfitFactor, stats.AvgHoldingDays = tripStats(trips)
	stats.Turnover = turnover(equity, fills, years)

	return stats
}

func dailyReturns(equity []ledger.EquityPoint) []float64 {
	if len(equity) < 2 {
		return nil
	}
	out := make([]float64, 0, len(equity)-1)
	for i := 1; i < len(equity); i++ {
		prev := equity[i-1].Equity
		if prev <= 0 {
			continue
		}
		out = append(out, equity[i].Equity/prev-1)
	}
	return out
}

func meanStd(returns []float64) (float64, float64) {
	if len(returns) == 0 {
		return 0, 0
	}
	mean := 0.0
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))

	variance := 0.0
	for _, r := range returns {
		diff := r - mean
		variance += diff * diff
	}
	if len(returns) > 1 {
		variance /= float64(len(returns) - 1)
	}

	return mean, math.Sqrt(variance)
}

// downsideStd 只统计负收益的波动，用于 Sortino。
func downsideStd(returns []float64) float64 {
	if len(returns) == 0 {
		return 0
	}
	sum := 0.0
	for _, r := range returns {
		if r < 0 {
			sum += r * r
		}
	}
	return math.Sqrt(sum / float64(len(returns)))
}

// maxDrawdown 返回最大回撤幅度及其峰谷日期。
func maxDrawdown(equity []ledger.EquityPoint) (float64, time.Time, time.Time) {
	var peak, maxDD float64
	var peakDate, bestPeak, bestTrough time.Time

	for _, point := range equity {
		if point.Equity > peak {
			peak = point.Equity
			peakDate = point.Date
		}
		if peak <= 0 {
			continue
		}
		dd := (peak - point.Equity) / peak
		if dd > maxDD {
			maxDD = dd
			bestPeak = peakDate
			bestTrough = point.Date
		}
	}

	return maxDD, bestPeak, bestTrough
}

func tripStats(trips []ledger.RoundTrip) (winRate, profitFactor, avgHoldingDays float64) {
	if len(trips) == 0 {
		return 0, 0, 0
	}

	wins := 0
	grossWin, grossLoss, holdingSum := 0.0, 0.0, 0.0
	for _, trip := range trips {
		if trip.Profit > 0 {
			wins++
			grossWin += trip.Profit
		} else {
			grossLoss += -trip.Profit
		}
		holdingSum += float64(trip.HoldingDays)
	}

	winRate = float64(wins) / float64(len(trips))
	if grossLoss > 0 {
		profitFactor = grossWin / grossLoss
	} else if grossWin > 0 {
		profitFactor = math.Inf(1)
	}
	avgHoldingDays = holdingSum / float64(len(trips))
	return winRate, profitFactor, avgHoldingDays
}

// turnover 用双边成交额对平均权益的年化比值衡量换手率。
func turnover(equity []ledger.EquityPoint, fills []ledger.Fill, years float64) float64 {
	if len(equity) == 0 || years <= 0 {
		return 0
	}

	avgEquity := 0.0
	for _, point := range equity {
		avgEquity += point.Equity
	}
	avgEquity /= float64(len(equity))
	if avgEquity <= 0 {
		return 0
	}

	gross := 0.0
	for _, fill := range fills {
		gross += fill.Gross
	}

	return gross / (2 * avgEquity) / years
}
