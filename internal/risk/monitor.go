package risk

import (
	"go.uber.org/zap"

	"trend-backtest/internal/config"
	"trend-backtest/internal/ledger"
)

// 强制平仓原因。
const (
	ReasonATRStop  = "atr_stop"
	ReasonTimeStop = "time_stop"
	ReasonTrendOff = "trend_off"
)

// Input 是对单个持仓做一次日度评估所需的全部事实，均来自不晚于决策日的数据。
type Input struct {
	Position *ledger.Position

	// 当日行情；BarValid 为 false 表示决策日缺价，此时状态机不推进也不触发。
	BarValid bool
	High     float64
	Close    float64

	// 截止决策日的 ATR；ATROK 为 false 时跳过依赖 ATR 的两类触发。
	ATR   float64
	ATROK bool

	// 外部趋势开关；TrendKnown 为 false 表示当日没有趋势记录。
	TrendKnown bool
	InTrend    bool

	// 自建仓以来经过的交易日数。
	DaysHeld int
}

// Verdict 是一次评估的结论，每个标的每日至多给出一个平仓原因。
type Verdict struct {
	Symbol string
	Exit   bool
	Reason string
}

// Monitor 是持仓退出的状态机：吊灯式 ATR 移动止损、时间止损与趋势熄灭退出。
// 每个交易日对全部在持仓位重新评估一次，并推进仓位的最高价与止损线，
// 两者都只会单调不减。
type Monitor struct {
	atrMultiplier float64
	maxHoldDays   int
	minProfitATR  float64
	logger        *zap.Logger
}

// NewMonitor 从配置创建风控状态机。
func NewMonitor(cfg config.RiskConfig, logger *zap.Logger) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		atrMultiplier: cfg.ATRMultiplier,
		maxHoldDays:   cfg.MaxHoldDays,
		minProfitATR:  cfg.MinProfitATR,
		logger:        logger,
	}
}

// Evaluate 推进一个持仓的止损状态并判定是否强制平仓。
// 多个条件同日触发时只保留一个原因，优先级为趋势熄灭 > ATR 止损 > 时间止损。
func (m *Monitor) Evaluate(in Input) Verdict {
	pos := in.Position
	verdict := Verdict{Symbol: pos.Symbol}

	if !in.BarValid {
		// 决策日缺价：不动仓位，不触发任何退出。
		return verdict
	}

	if in.High > pos.HighestSinceEntry {
		pos.HighestSinceEntry = in.High
	}

	if in.ATROK {
		candidate := pos.HighestSinceEntry - m.atrMultiplier*in.ATR
		if candidate > pos.StopLine {
			pos.StopLine = candidate
		}
	}

	if in.TrendKnown && !in.InTrend {
		verdict.Exit = true
		verdict.Reason = ReasonTrendOff
		return verdict
	}

	if in.ATROK && pos.StopLine > 0 && in.Close < pos.StopLine {
		verdict.Exit = true
		verdict.Reason = ReasonATRStop
		return verdict
	}

	if in.ATROK && in.DaysHeld >= m.maxHoldDays {
		profit := in.Close - pos.EntryPrice
		newHigh := pos.HighestSinceEntry > pos.EntryPrice
		if profit < m.minProfitATR*in.ATR && !newHigh {
			verdict.Exit = true
			verdict.Reason = ReasonTimeStop
			return verdict
		}
	}

	return verdict
}
