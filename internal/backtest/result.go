package backtest

import (
	"time"

	"trend-backtest/internal/ledger"
)

// PositionSnapshot 是单个持仓在某个交易日收盘后的快照。
type PositionSnapshot struct {
	Date        time.Time
	Symbol      string
	Shares      int
	EntryDate   time.Time
	EntryPrice  float64
	Close       float64
	MarketValue float64
	Weight      float64
}

// ClusterExposure 是某个交易日按簇聚合的敞口快照。
type ClusterExposure struct {
	Date             time.Time
	NumClusters      int
	MaxClusterWeight float64
	NumPositions     int
	InvestedValue    float64
	Equity           float64
}

// Result 汇总一次回测的全部产出。
type Result struct {
	EquityCurve     []ledger.EquityPoint
	Fills           []ledger.Fill
	Positions       []PositionSnapshot
	ClusterExposure []ClusterExposure
	RoundTrips      []ledger.RoundTrip
	Stats           Stats
}
