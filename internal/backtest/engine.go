package backtest

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"trend-backtest/internal/cluster"
	"trend-backtest/internal/config"
	"trend-backtest/internal/indicator"
	"trend-backtest/internal/ledger"
	"trend-backtest/internal/market"
	"trend-backtest/internal/momentum"
	"trend-backtest/internal/risk"
	"trend-backtest/internal/sizing"
)

// 引擎内部使用的普通调仓原因。
const (
	reasonEntry     = "entry"
	reasonRebalance = "rebalance"
)

// Engine 串联数据、聚类、打分、仓位分配、风控与账本，驱动逐日回测。
type Engine struct {
	cfg       *config.Config
	universe  *market.Universe
	assigner  *cluster.Assigner
	scorer    *momentum.Scorer
	estimator indicator.Estimator
	sizer     *sizing.Sizer
	monitor   *risk.Monitor
	logger    *zap.Logger
}

// NewEngine 构建回测引擎，配置在此一次性校验，日循环开始后不再失败于配置问题。
func NewEngine(cfg *config.Config, universe *market.Universe, logger *zap.Logger) (*Engine, error) {
	if cfg == nil {
		return nil, fmt.Errorf("backtest: 配置不能为空")
	}
	if universe == nil {
		return nil, fmt.Errorf("backtest: 标的池不能为空")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Engine{
		cfg:       cfg,
		universe:  universe,
		assigner:  cluster.NewAssigner(cfg.Strategy.Cluster, logger),
		scorer:    momentum.NewScorer(cfg.Strategy.Momentum),
		estimator: indicator.NewEstimator(cfg.Sizing.Volatility),
		sizer:     sizing.NewSizer(cfg.Sizing),
		monitor:   risk.NewMonitor(cfg.Risk, logger),
		logger:    logger,
	}, nil
}

// simulationContext 保存跨日滚动的模拟状态，由引擎显式持有并在每个
// 日步骤之间传递，不存在任何隐藏的包级可变状态。
type simulationContext struct {
	assignment   *cluster.Assignment
	sinceCluster int
	pending      []ledger.Order
	entryIdx     map[string]int
	lastClose    map[string]float64
	atr          map[string][]float64
}

// Run 在 [start, end] 区间内逐日推进回测。日循环严格串行，任何一天的
// 计算只读取不晚于当日的数据；取消由调用方通过 ctx 发起。
func (e *Engine) Run(ctx context.Context, start, end time.Time, initialCapital float64) (Result, error) {
	if initialCapital <= 0 {
		return Result{}, fmt.Errorf("backtest: 初始资金必须大于0")
	}

	calendar := e.universe.Calendar(start, end)
	if len(calendar) == 0 {
		return Result{}, fmt.Errorf("backtest: [%s, %s] 区间内没有任何交易日数据",
			market.Day(start).Format("2006-01-02"), market.Day(end).Format("2006-01-02"))
	}

	book, err := ledger.NewPortfolio(initialCapital, e.cfg.Execution.CommissionRate, e.cfg.Execution.MinCommission, e.logger)
	if err != nil {
		return Result{}, err
	}

	sim := &simulationContext{
		entryIdx:  make(map[string]int),
		lastClose: make(map[string]float64),
	}

	if err := e.precompute(ctx, sim); err != nil {
		return Result{}, err
	}

	openMode := strings.ToLower(e.cfg.Execution.Timing) == config.TimingOpen
	slippage := e.cfg.Execution.Slippage()

	var positions []PositionSnapshot
	var exposures []ClusterExposure

	e.logger.Info("回测开始",
		zap.Time("start", calendar[0]),
		zap.Time("end", calendar[len(calendar)-1]),
		zap.Int("trading_days", len(calendar)),
		zap.Int("symbols", len(e.universe.Symbols())),
		zap.Float64("initial_capital", initialCapital),
	)

	for dayIdx, t := range calendar {
		if err := ctx.Err(); err != nil {
			return Result{}, fmt.Errorf("backtest: 回测被中止: %w", err)
		}
		lastDay := dayIdx == len(calendar)-1

		// 1. 次日开盘模式：先尝试成交前一日挂起的订单。
		if openMode && len(sim.pending) > 0 {
			e.fillPending(sim, book, t, dayIdx, slippage)
		}

		// 当日收盘价滚动缓存，缺价标的沿用最近一个已知收盘价盯市。
		for _, symbol := range e.universe.Symbols() {
			if close, ok := e.universe.Series(symbol).CloseAt(t); ok && close > 0 {
				sim.lastClose[symbol] = close
			}
		}

		// 2. 聚类重算节奏。
		if sim.assignment == nil || sim.sinceCluster >= e.cfg.Strategy.Cluster.RecomputeEvery {
			sim.assignment = e.assigner.Assign(e.universe, t)
			sim.sinceCluster = 0
		}
		sim.sinceCluster++

		// 终止日在次日开盘模式下没有下一根K线可成交，不再生成任何新订单。
		if !(openMode && lastDay) {
			// 3. 风控状态机评估全部在持仓位。
			forced := e.evaluateRisk(sim, book, t, dayIdx)

			// 4/5. 目标持仓与订单生成。
			rebalance := dayIdx%e.cfg.Strategy.RebalanceEvery == 0
			orders := e.decide(sim, book, t, rebalance, forced)

			// 6. 按执行时点成交或挂起。
			if len(orders) > 0 {
				if openMode {
					sim.pending = append(sim.pending, orders...)
				} else {
					e.applyAtClose(sim, book, t, dayIdx, orders, slippage)
				}
			}
		}

		// 7. 盯市与快照。
		point := book.MarkToMarket(t, sim.lastClose)
		positions = append(positions, e.snapshotPositions(book, t, point.Equity)...)
		exposures = append(exposures, e.snapshotClusters(sim, book, t, point.Equity))
	}

	if len(sim.pending) > 0 {
		e.logger.Warn("回测结束时仍有未成交订单被丢弃", zap.Int("count", len(sim.pending)))
	}

	result := Result{
		EquityCurve:     book.EquityCurve(),
		Fills:           book.Fills(),
		Positions:       positions,
		ClusterExposure: exposures,
		RoundTrips:      book.RoundTrips(),
	}
	result.Stats = computeStats(result.EquityCurve, result.Fills, result.RoundTrips)

	e.logger.Info("回测完成",
		zap.Float64("final_equity", result.Stats.FinalEquity),
		zap.Float64("total_return", result.Stats.TotalReturn),
		zap.Float64("max_drawdown", result.Stats.MaxDrawdown),
		zap.Int("fills", len(result.Fills)),
	)

	return result, nil
}

// precompute 在日循环开始前并行预计算每只标的的 ATR 序列。
// 并行只发生在标的之间，绝不跨交易日，也不触碰账本。
func (e *Engine) precompute(ctx context.Context, sim *simulationContext) error {
	symbols := e.universe.Symbols()
	results := make([][]float64, len(symbols))

	group, _ := errgroup.WithContext(ctx)
	for i, symbol := range symbols {
		series := e.universe.Series(symbol)
		group.Go(func() error {
			results[i] = indicator.ATRSeries(series.High, series.Low, series.Close, e.cfg.Risk.ATRPeriod)
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return fmt.Errorf("backtest: 预计算指标失败: %w", err)
	}

	sim.atr = make(map[string][]float64, len(symbols))
	for i, symbol := range symbols {
		sim.atr[symbol] = results[i]
	}
	return nil
}

// fillPending 以当日开盘价成交挂起订单，开盘价缺失的订单继续顺延。
func (e *Engine) fillPending(sim *simulationContext, book *ledger.Portfolio, t time.Time, dayIdx int, slippage float64) {
	var fillable []ledger.Order
	var deferred []ledger.Order

	for _, order := range sim.pending {
		open, ok := e.universe.Series(order.Symbol).OpenAt(t)
		if !ok {
			deferred = append(deferred, order)
			continue
		}
		order.Price = slippageAdjusted(open, order.Action, slippage)
		fillable = append(fillable, order)
	}

	if len(deferred) > 0 {
		e.logger.Warn("部分挂起订单因缺少开盘价继续顺延",
			zap.Time("date", t),
			zap.Int("count", len(deferred)),
		)
	}

	sim.pending = deferred
	if len(fillable) > 0 {
		book.Apply(t, fillable)
		e.syncEntryIndex(sim, book, dayIdx)
	}
}

// applyAtClose 以当日收盘价加滑点成交订单。
func (e *Engine) applyAtClose(sim *simulationContext, book *ledger.Portfolio, t time.Time, dayIdx int, orders []ledger.Order, slippage float64) {
	adjusted := make([]ledger.Order, 0, len(orders))
	for _, order := range orders {
		order.Price = slippageAdjusted(order.Price, order.Action, slippage)
		adjusted = append(adjusted, order)
	}
	book.Apply(t, adjusted)
	e.syncEntryIndex(sim, book, dayIdx)
}

// syncEntryIndex 在每批成交后维护标的的建仓日下标，供持仓天数计算使用。
func (e *Engine) syncEntryIndex(sim *simulationContext, book *ledger.Portfolio, dayIdx int) {
	held := make(map[string]bool)
	for _, symbol := range book.HeldSymbols() {
		held[symbol] = true
		if _, ok := sim.entryIdx[symbol]; !ok {
			sim.entryIdx[symbol] = dayIdx
		}
	}
	for symbol := range sim.entryIdx {
		if !held[symbol] {
			delete(sim.entryIdx, symbol)
		}
	}
}

// evaluateRisk 对全部在持仓位运行退出状态机，返回标的到强平原因的映射。
func (e *Engine) evaluateRisk(sim *simulationContext, book *ledger.Portfolio, t time.Time, dayIdx int) map[string]string {
	forced := make(map[string]string)

	for _, pos := range book.OpenPositions() {
		series := e.universe.Series(pos.Symbol)
		if series == nil {
			continue
		}

		in := risk.Input{Position: pos}
		if idx, ok := series.Index(t); ok {
			in.BarValid = true
			in.High = series.High[idx]
			in.Close = series.Close[idx]
			if atrSeries := sim.atr[pos.Symbol]; idx < len(atrSeries) {
				if v := atrSeries[idx]; !math.IsNaN(v) && v > 0 {
					in.ATR = v
					in.ATROK = true
				}
			}
		}
		if flag, known := e.universe.Trend(pos.Symbol).InTrend(t); known {
			in.TrendKnown = true
			in.InTrend = flag
		}
		if entry, ok := sim.entryIdx[pos.Symbol]; ok {
			in.DaysHeld = dayIdx - entry
		}

		if verdict := e.monitor.Evaluate(in); verdict.Exit {
			forced[pos.Symbol] = verdict.Reason
			e.logger.Info("触发强制平仓",
				zap.Time("date", t),
				zap.String("symbol", pos.Symbol),
				zap.String("reason", verdict.Reason),
			)
		}
	}

	return forced
}

// decide 生成当日订单。非调仓日只处理强平；调仓日执行完整的
// 打分 → 筛选 → 权重 → 股数换算流程，再与当前持仓做差。
func (e *Engine) decide(sim *simulationContext, book *ledger.Portfolio, t time.Time, rebalance bool, forced map[string]string) []ledger.Order {
	var orders []ledger.Order

	held := book.HeldSymbols()
	heldSet := make(map[string]bool, len(held))
	frozen := make(map[string]bool)
	for _, symbol := range held {
		heldSet[symbol] = true
		if _, ok := e.universe.Series(symbol).CloseAt(t); !ok {
			// 决策日缺价：持仓保持原样，当日不对其下任何订单。
			frozen[symbol] = true
		}
	}

	sellAll := func(symbol, reason string) {
		pos, ok := book.Position(symbol)
		if !ok {
			return
		}
		close, hasClose := e.universe.Series(symbol).CloseAt(t)
		if !hasClose {
			return
		}
		orders = append(orders, ledger.Order{
			Action: ledger.ActionSell,
			Symbol: symbol,
			Shares: pos.Shares,
			Price:  close,
			Reason: reason,
		})
	}

	if !rebalance {
		for _, symbol := range held {
			if reason, ok := forced[symbol]; ok && !frozen[symbol] {
				sellAll(symbol, reason)
			}
		}
		return orders
	}

	// 打分范围：未被冻结的持仓，加上趋势开启且当日有价的候选标的。
	scoringSet := make([]string, 0, len(e.universe.Symbols()))
	for _, symbol := range e.universe.Symbols() {
		if heldSet[symbol] {
			if !frozen[symbol] {
				scoringSet = append(scoringSet, symbol)
			}
			continue
		}
		flag, known := e.universe.Trend(symbol).InTrend(t)
		if !known || !flag {
			continue
		}
		if _, ok := e.universe.Series(symbol).CloseAt(t); !ok {
			continue
		}
		scoringSet = append(scoringSet, symbol)
	}

	scores := e.scorer.Score(e.universe, scoringSet, t, heldSet)

	desired, rejected := selectHoldings(selectionInput{
		scores:     scores,
		held:       heldSet,
		forced:     forced,
		frozenHeld: len(frozen),
		assignment: sim.assignment,
		rules:      e.cfg.Strategy.Selection,
	})
	for _, r := range rejected {
		e.logger.Debug("标的落选",
			zap.Time("date", t),
			zap.String("symbol", r.Symbol),
			zap.String("reason", r.Reason),
		)
	}

	desiredSet := make(map[string]bool, len(desired))
	for _, symbol := range desired {
		desiredSet[symbol] = true
	}

	// 卖出：强平优先使用风控原因，退出缓冲区的持仓按普通调仓卖出。
	for _, symbol := range held {
		if frozen[symbol] {
			continue
		}
		if reason, ok := forced[symbol]; ok {
			sellAll(symbol, reason)
			continue
		}
		if !desiredSet[symbol] {
			sellAll(symbol, reasonRebalance)
		}
	}

	// 目标权重与股数换算。
	vols := make(map[string]float64, len(desired))
	clusters := make(map[string]int, len(desired))
	for _, symbol := range desired {
		vol, ok := e.estimator.Daily(e.universe.Series(symbol).CloseUpTo(t))
		if !ok {
			// 连收益率都算不出来的标的不参与分配；若在持仓中则保持原样。
			continue
		}
		vols[symbol] = vol
		clusters[symbol] = sim.assignment.ClusterOf(symbol)
	}
	weights := e.sizer.Weights(vols, clusters)
	equity := book.Equity(sim.lastClose)

	for _, symbol := range desired {
		weight, ok := weights[symbol]
		if !ok {
			continue
		}
		close, hasClose := e.universe.Series(symbol).CloseAt(t)
		if !hasClose {
			continue
		}

		target := e.sizer.Shares(weight, equity, close)
		current := 0
		if pos, ok := book.Position(symbol); ok {
			current = pos.Shares
		}

		switch {
		case target > current:
			reason := reasonRebalance
			if current == 0 {
				reason = reasonEntry
			}
			orders = append(orders, ledger.Order{
				Action: ledger.ActionBuy,
				Symbol: symbol,
				Shares: target - current,
				Price:  close,
				Reason: reason,
			})
		case target < current && target > 0:
			orders = append(orders, ledger.Order{
				Action: ledger.ActionSell,
				Symbol: symbol,
				Shares: current - target,
				Price:  close,
				Reason: reasonRebalance,
			})
		case target == 0 && current > 0:
			sellAll(symbol, reasonRebalance)
		}
	}

	return orders
}

// snapshotPositions 生成当日全部持仓快照，按标的代码升序。
func (e *Engine) snapshotPositions(book *ledger.Portfolio, t time.Time, equity float64) []PositionSnapshot {
	open := book.OpenPositions()
	out := make([]PositionSnapshot, 0, len(open))
	for _, pos := range open {
		close, ok := e.universe.Series(pos.Symbol).CloseAt(t)
		if !ok {
			close = pos.EntryPrice
		}
		mv := float64(pos.Shares) * close
		weight := 0.0
		if equity > 0 {
			weight = mv / equity
		}
		out = append(out, PositionSnapshot{
			Date:        market.Day(t),
			Symbol:      pos.Symbol,
			Shares:      pos.Shares,
			EntryDate:   pos.EntryDate,
			EntryPrice:  pos.EntryPrice,
			Close:       close,
			MarketValue: mv,
			Weight:      weight,
		})
	}
	return out
}

// snapshotClusters 生成当日按簇聚合的敞口快照。
func (e *Engine) snapshotClusters(sim *simulationContext, book *ledger.Portfolio, t time.Time, equity float64) ClusterExposure {
	clusterWeight := make(map[int]float64)
	invested := 0.0
	open := book.OpenPositions()

	for _, pos := range open {
		price, ok := sim.lastClose[pos.Symbol]
		if !ok || price <= 0 {
			price = pos.EntryPrice
		}
		mv := float64(pos.Shares) * price
		invested += mv
		if equity > 0 {
			clusterWeight[sim.assignment.ClusterOf(pos.Symbol)] += mv / equity
		}
	}

	maxWeight := 0.0
	for _, w := range clusterWeight {
		if w > maxWeight {
			maxWeight = w
		}
	}

	return ClusterExposure{
		Date:             market.Day(t),
		NumClusters:      len(clusterWeight),
		MaxClusterWeight: maxWeight,
		NumPositions:     len(open),
		InvestedValue:    invested,
		Equity:           equity,
	}
}

// slippageAdjusted 返回加滑点后的成交价，买入加价、卖出折价。
func slippageAdjusted(price float64, action string, slippage float64) float64 {
	if action == ledger.ActionBuy {
		return price * (1 + slippage)
	}
	return price * (1 - slippage)
}
