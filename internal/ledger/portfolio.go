package ledger

import (
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"trend-backtest/internal/market"
)

// Portfolio 是现金与持仓状态的唯一持有者。其他组件在一个交易日内只读观察，
// 所有资金与持仓变更都经由 Buy/Sell/Apply 进入。
type Portfolio struct {
	cash      float64
	positions map[string]*Position
	lots      map[string][]lot

	fills      []Fill
	equity     []EquityPoint
	roundTrips []RoundTrip

	commissionRate float64
	minCommission  float64
	logger         *zap.Logger
}

// NewPortfolio 创建账本。
func NewPortfolio(initialCash, commissionRate, minCommission float64, logger *zap.Logger) (*Portfolio, error) {
	if initialCash <= 0 {
		return nil, fmt.Errorf("ledger: 初始资金必须大于0")
	}
	if commissionRate < 0 || minCommission < 0 {
		return nil, fmt.Errorf("ledger: 佣金参数不能为负")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Portfolio{
		cash:           initialCash,
		positions:      make(map[string]*Position),
		lots:           make(map[string][]lot),
		commissionRate: commissionRate,
		minCommission:  minCommission,
		logger:         logger,
	}, nil
}

// commission 按成交额计算佣金，受最低佣金约束。
func (p *Portfolio) commission(gross float64) float64 {
	c := gross * p.commissionRate
	if c < p.minCommission {
		c = p.minCommission
	}
	return c
}

// Buy 买入建仓或加仓，现金不足以覆盖成交额加佣金时返回 ErrInsufficientCash。
func (p *Portfolio) Buy(date time.Time, symbol string, shares int, price float64, reason string) error {
	if symbol == "" || shares <= 0 || price <= 0 {
		return ErrInvalidOrder
	}

	day := market.Day(date)
	gross := float64(shares) * price
	commission := p.commission(gross)
	if p.cash < gross+commission {
		return ErrInsufficientCash
	}

	p.cash -= gross + commission

	if pos, ok := p.positions[symbol]; ok {
		// 加仓按股数加权摊薄入场价，入场日期保持首次建仓日不变。
		totalShares := pos.Shares + shares
		pos.EntryPrice = (pos.EntryPrice*float64(pos.Shares) + price*float64(shares)) / float64(totalShares)
		pos.Shares = totalShares
		pos.Cost += gross + commission
		if price > pos.HighestSinceEntry {
			pos.HighestSinceEntry = price
		}
	} else {
		p.positions[symbol] = &Position{
			Symbol:            symbol,
			EntryDate:         day,
			EntryPrice:        price,
			Shares:            shares,
			Cost:              gross + commission,
			HighestSinceEntry: price,
		}
	}

	p.lots[symbol] = append(p.lots[symbol], lot{date: day, shares: shares, price: price})
	p.fills = append(p.fills, Fill{
		Date:       day,
		Symbol:     symbol,
		Action:     ActionBuy,
		Shares:     shares,
		Price:      price,
		Gross:      gross,
		Commission: commission,
		CashFlow:   -(gross + commission),
		Reason:     reason,
	})

	return nil
}

// Sell 卖出减仓或清仓。没有持仓返回 ErrNoPosition；与首次建仓同日卖出
// 返回 ErrSettlement；卖出股数超过持仓时按全部持仓截断。
func (p *Portfolio) Sell(date time.Time, symbol string, shares int, price float64, reason string) error {
	if symbol == "" || shares <= 0 || price <= 0 {
		return ErrInvalidOrder
	}

	pos, ok := p.positions[symbol]
	if !ok {
		return ErrNoPosition
	}

	day := market.Day(date)
	if day.Equal(pos.EntryDate) {
		return ErrSettlement
	}

	if shares > pos.Shares {
		shares = pos.Shares
	}

	gross := float64(shares) * price
	commission := p.commission(gross)
	proceeds := gross - commission

	// 部分减仓按比例缩减成本。
	fraction := float64(shares) / float64(pos.Shares)
	pos.Cost -= pos.Cost * fraction
	pos.Shares -= shares
	if pos.Shares == 0 {
		delete(p.positions, symbol)
	}

	p.cash += proceeds
	p.consumeLots(symbol, day, shares, price)
	p.fills = append(p.fills, Fill{
		Date:       day,
		Symbol:     symbol,
		Action:     ActionSell,
		Shares:     shares,
		Price:      price,
		Gross:      gross,
		Commission: commission,
		CashFlow:   proceeds,
		Reason:     reason,
	})

	return nil
}

// consumeLots 从先进先出队列头部消耗开仓批次，生成轮次交易记录。
func (p *Portfolio) consumeLots(symbol string, exitDate time.Time, shares int, exitPrice float64) {
	queue := p.lots[symbol]
	for shares > 0 && len(queue) > 0 {
		head := &queue[0]
		matched := shares
		if head.shares < matched {
			matched = head.shares
		}

		p.roundTrips = append(p.roundTrips, RoundTrip{
			Symbol:      symbol,
			EntryDate:   head.date,
			ExitDate:    exitDate,
			Shares:      matched,
			EntryPrice:  head.price,
			ExitPrice:   exitPrice,
			Profit:      (exitPrice - head.price) * float64(matched),
			HoldingDays: int(exitDate.Sub(head.date).Hours() / 24),
		})

		head.shares -= matched
		shares -= matched
		if head.shares == 0 {
			queue = queue[1:]
		}
	}

	if len(queue) == 0 {
		delete(p.lots, symbol)
	} else {
		p.lots[symbol] = queue
	}
}

// Apply 按日原子地执行一批订单：先卖后买，使卖出回笼的资金可用于当日买入。
// 单笔订单失败只记录告警并跳过，不影响同批其余订单。
func (p *Portfolio) Apply(date time.Time, orders []Order) {
	sorted := make([]Order, len(orders))
	copy(sorted, orders)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Action != sorted[j].Action {
			return sorted[i].Action == ActionSell
		}
		return sorted[i].Symbol < sorted[j].Symbol
	})

	for _, order := range sorted {
		var err error
		switch order.Action {
		case ActionSell:
			err = p.Sell(date, order.Symbol, order.Shares, order.Price, order.Reason)
		case ActionBuy:
			err = p.Buy(date, order.Symbol, order.Shares, order.Price, order.Reason)
		default:
			err = ErrInvalidOrder
		}
		if err != nil {
			p.logger.Warn("订单当日未成交",
				zap.Time("date", market.Day(date)),
				zap.String("symbol", order.Symbol),
				zap.String("action", order.Action),
				zap.Int("shares", order.Shares),
				zap.String("reason", order.Reason),
				zap.Error(err),
			)
		}
	}
}

// MarkToMarket 以当日收盘价对全部持仓盯市并追加权益快照。closes 需要覆盖
// 所有持仓标的，当日缺价的标的由调用方代入最近一个已知收盘价。
func (p *Portfolio) MarkToMarket(date time.Time, closes map[string]float64) EquityPoint {
	positionsValue := 0.0
	for symbol, pos := range p.positions {
		price, ok := closes[symbol]
		if !ok || price <= 0 {
			price = pos.EntryPrice
		}
		positionsValue += float64(pos.Shares) * price
	}

	equity := p.cash + positionsValue
	leverage := 0.0
	if equity > 0 {
		leverage = positionsValue / equity
	}

	point := EquityPoint{
		Date:           market.Day(date),
		Equity:         equity,
		Cash:           p.cash,
		PositionsValue: positionsValue,
		NumPositions:   len(p.positions),
		Leverage:       leverage,
	}
	p.equity = append(p.equity, point)
	return point
}

// Cash 返回当前现金。
func (p *Portfolio) Cash() float64 {
	return p.cash
}

// Equity 以给定收盘价计算当前权益，不产生快照。
func (p *Portfolio) Equity(closes map[string]float64) float64 {
	total := p.cash
	for symbol, pos := range p.positions {
		price, ok := closes[symbol]
		if !ok || price <= 0 {
			price = pos.EntryPrice
		}
		total += float64(pos.Shares) * price
	}
	return total
}

// Position 返回指定标的的在持仓位指针，供风控状态机逐日推进止损字段；
// 仓位的创建与销毁仍然只能经由账本完成。
func (p *Portfolio) Position(symbol string) (*Position, bool) {
	pos, ok := p.positions[symbol]
	return pos, ok
}

// OpenPositions 返回按标的代码升序的在持仓位指针列表。
func (p *Portfolio) OpenPositions() []*Position {
	out := make([]*Position, 0, len(p.positions))
	for _, pos := range p.positions {
		out = append(out, pos)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Symbol < out[j].Symbol
	})
	return out
}

// HeldSymbols 返回按升序排列的持仓标的集合。
func (p *Portfolio) HeldSymbols() []string {
	out := make([]string, 0, len(p.positions))
	for symbol := range p.positions {
		out = append(out, symbol)
	}
	sort.Strings(out)
	return out
}

// Fills 返回成交记录副本。
func (p *Portfolio) Fills() []Fill {
	return append([]Fill(nil), p.fills...)
}

// EquityCurve 返回权益曲线副本。
func (p *Portfolio) EquityCurve() []EquityPoint {
	return append([]EquityPoint(nil), p.equity...)
}

// RoundTrips 返回轮次交易记录副本。
func (p *Portfolio) RoundTrips() []RoundTrip {
	return append([]RoundTrip(nil), p.roundTrips...)
}
