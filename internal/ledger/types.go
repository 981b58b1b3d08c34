package ledger

import (
	"errors"
	"time"
)

// 订单方向。
const (
	ActionBuy  = "buy"
	ActionSell = "sell"
)

// 订单未能执行时的类型化原因，调用方统一按"当日未成交"处理。
var (
	ErrInsufficientCash = errors.New("ledger: 现金不足")
	ErrNoPosition       = errors.New("ledger: 没有可卖出的持仓")
	ErrSettlement       = errors.New("ledger: T+1 限制，买入当日不可卖出")
	ErrInvalidOrder     = errors.New("ledger: 订单参数非法")
)

// Position 表示一笔在持仓位。HighestSinceEntry 与 StopLine 只会单调不减，
// 由风控状态机逐日推进；建仓时 StopLine 为 0 表示尚未形成止损线。
type Position struct {
	Symbol            string
	EntryDate         time.Time
	EntryPrice        float64
	Shares            int
	Cost              float64
	HighestSinceEntry float64
	StopLine          float64
}

// Order 是单个决策日产生的瞬时指令，由账本当日消费。
type Order struct {
	Action string
	Symbol string
	Shares int
	Price  float64
	Reason string
}

// Fill 是成交回执，只追加不修改，用于审计与轮次交易还原。
type Fill struct {
	Date       time.Time
	Symbol     string
	Action     string
	Shares     int
	Price      float64
	Gross      float64
	Commission float64
	CashFlow   float64
	Reason     string
}

// EquityPoint 是每日收盘后的权益快照。
type EquityPoint struct {
	Date           time.Time
	Equity         float64
	Cash           float64
	PositionsValue float64
	NumPositions   int
	Leverage       float64
}

// RoundTrip 是按先进先出配对还原出的一段完整交易。
type RoundTrip struct {
	Symbol      string
	EntryDate   time.Time
	ExitDate    time.Time
	Shares      int
	EntryPrice  float64
	ExitPrice   float64
	Profit      float64
	HoldingDays int
}

// lot 是先进先出队列中的一笔开仓批次。
type lot struct {
	date   time.Time
	shares int
	price  float64
}
