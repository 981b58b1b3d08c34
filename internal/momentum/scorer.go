package momentum

import (
	"math"
	"sort"
	"time"

	"trend-backtest/internal/config"
	"trend-backtest/internal/indicator"
	"trend-backtest/internal/market"
)

// 波动率下限，避免极端平稳价格导致除零。
const volEpsilon = 1e-8

// Score 保存单只标的在某个决策日的动量得分与名次，名次 1 为最优。
type Score struct {
	Symbol       string
	Raw          float64
	Rank         int
	Adjusted     float64
	AdjustedRank int
}

// Scorer 做多周期风险调整动量打分。每个周期的简单收益除以该周期的年化
// 已实现波动率，再按配置权重加权；持有中的标的额外乘以惯性加成后重排名次。
// 历史长度不足的标的被排除在结果之外，而不是按零分参与排序。
type Scorer struct {
	horizons []int
	weights  []float64
	inertia  float64
}

// NewScorer 从配置创建打分器，参数合法性由 config.Validate 保证。
func NewScorer(cfg config.MomentumConfig) *Scorer {
	return &Scorer{
		horizons: append([]int(nil), cfg.Horizons...),
		weights:  append([]float64(nil), cfg.Weights...),
		inertia:  cfg.InertiaBonus,
	}
}

// MinHistory 返回打分需要的最少收盘价数量。
func (s *Scorer) MinHistory() int {
	max := 0
	for _, h := range s.horizons {
		if h > max {
			max = h
		}
	}
	return max + 1
}

// Score 对候选标的用不晚于 asOf 的数据打分，held 标记当前持仓。
// 返回结果按 AdjustedRank 升序，再按标的代码升序，保证确定性。
func (s *Scorer) Score(u *market.Universe, symbols []string, asOf time.Time, held map[string]bool) []Score {
	var scores []Score

	for _, symbol := range symbols {
		series := u.Series(symbol)
		if series == nil {
			continue
		}
		closes := series.CloseUpTo(asOf)
		raw, ok := s.rawScore(closes)
		if !ok {
			continue
		}

		adjusted := raw
		if held[symbol] {
			adjusted = applyInertia(raw, s.inertia)
		}

		scores = append(scores, Score{Symbol: symbol, Raw: raw, Adjusted: adjusted})
	}

	denseRank(scores, func(sc Score) float64 { return sc.Raw }, func(sc *Score, r int) { sc.Rank = r })
	denseRank(scores, func(sc Score) float64 { return sc.Adjusted }, func(sc *Score, r int) { sc.AdjustedRank = r })

	sort.Slice(scores, func(i, j int) bool {
		if scores[i].AdjustedRank != scores[j].AdjustedRank {
			return scores[i].AdjustedRank < scores[j].AdjustedRank
		}
		return scores[i].Symbol < scores[j].Symbol
	})

	return scores
}

// rawScore 计算多周期加权得分，任一周期历史不足即排除该标的。
func (s *Scorer) rawScore(closes []float64) (float64, bool) {
	if len(closes) < s.MinHistory() {
		return 0, false
	}

	total := 0.0
	for i, h := range s.horizons {
		last := closes[len(closes)-1]
		base := closes[len(closes)-1-h]
		if last <= 0 || base <= 0 {
			return 0, false
		}
		ret := last/base - 1

		window := closes[len(closes)-1-h:]
		vol := annualizedVol(indicator.Returns(window))
		if vol < volEpsilon {
			vol = volEpsilon
		}

		total += s.weights[i] * (ret / vol)
	}

	if math.IsNaN(total) || math.IsInf(total, 0) {
		return 0, false
	}
	return total, true
}

// applyInertia 对持仓标的施加惯性加成，保持得分排序方向不变。
func applyInertia(raw, bonus float64) float64 {
	if bonus <= 0 {
		return raw
	}
	if raw >= 0 {
		return raw * (1 + bonus)
	}
	return raw / (1 + bonus)
}

// annualizedVol 计算收益率序列的年化样本标准差。
func annualizedVol(returns []float64) float64 {
	if len(returns) < 2 {
		return 0
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
	variance /= float64(len(returns) - 1)

	return math.Sqrt(variance) * math.Sqrt(indicator.TradingDaysPerYear)
}

// denseRank 按得分从高到低赋予密集名次，得分相同的标的共享名次。
func denseRank(scores []Score, value func(Score) float64, assign func(*Score, int)) {
	order := make([]int, len(scores))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool {
		va, vb := value(scores[order[a]]), value(scores[order[b]])
		if va != vb {
			return va > vb
		}
		return scores[order[a]].Symbol < scores[order[b]].Symbol
	})

	rank := 0
	prev := math.Inf(1)
	for _, idx := range order {
		v := value(scores[idx])
		if v != prev {
			rank++
			prev = v
		}
		assign(&scores[idx], rank)
	}
}
