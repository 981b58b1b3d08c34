package sizing

import (
	"math"

	"trend-backtest/internal/config"
)

// Sizer 按波动率倒数分配资金，并依次施加单标的、单簇与总仓位三层上限。
// 约束顺序固定：单标的上限 → 簇上限 → 总仓位上限，每一步只会压缩权重，
// 永不放大；压缩后剩余的资金留作现金。
type Sizer struct {
	TargetRisk     float64
	MaxPositionPct float64
	MaxClusterPct  float64
	MaxTotalPct    float64
	LotSize        int
}

// NewSizer 从配置创建仓位分配器。
func NewSizer(cfg config.SizingConfig) *Sizer {
	return &Sizer{
		TargetRisk:     cfg.TargetRisk,
		MaxPositionPct: cfg.MaxPositionPct,
		MaxClusterPct:  cfg.MaxClusterPct,
		MaxTotalPct:    cfg.MaxTotalPct,
		LotSize:        cfg.LotSize,
	}
}

// Weights 计算目标持仓的资金权重。vols 提供各标的的单日波动率（已保证为正），
// clusters 提供簇号；波动率缺失的标的不参与分配。
func (s *Sizer) Weights(vols map[string]float64, clusters map[string]int) map[string]float64 {
	weights := make(map[string]float64, len(vols))

	// 第一层：波动率倒数权重，封顶单标的上限。
	for symbol, vol := range vols {
		if vol <= 0 {
			continue
		}
		w := s.TargetRisk / vol
		if w > s.MaxPositionPct {
			w = s.MaxPositionPct
		}
		weights[symbol] = w
	}

	// 第二层：同簇权重之和超限时整簇等比压缩。
	clusterSum := make(map[int]float64)
	for symbol, w := range weights {
		clusterSum[clusters[symbol]] += w
	}
	for symbol, w := range weights {
		sum := clusterSum[clusters[symbol]]
		if sum > s.MaxClusterPct {
			weights[symbol] = w * s.MaxClusterPct / sum
		}
	}

	// 第三层：总权重超限时全体等比压缩。
	total := 0.0
	for _, w := range weights {
		total += w
	}
	if total > s.MaxTotalPct {
		scale := s.MaxTotalPct / total
		for symbol := range weights {
			weights[symbol] *= scale
		}
	}

	return weights
}

// Shares 将权重换算为按手数取整的股数，权重或价格非法时返回 0。
func (s *Sizer) Shares(weight, equity, price float64) int {
	if weight <= 0 || equity <= 0 || price <= 0 {
		return 0
	}
	lot := s.LotSize
	if lot <= 0 {
		lot = 1
	}
	lots := math.Floor(weight * equity / price / float64(lot))
	if lots <= 0 {
		return 0
	}
	return int(lots) * lot
}
