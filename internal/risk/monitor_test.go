package risk

import (
	"testing"
	"time"

	"trend-backtest/internal/config"
	"trend-backtest/internal/ledger"
)

func newTestMonitor() *Monitor {
	return NewMonitor(config.RiskConfig{
		ATRPeriod:     14,
		ATRMultiplier: 3,
		MaxHoldDays:   10,
		MinProfitATR:  1,
	}, nil)
}

func newTestPosition() *ledger.Position {
	return &ledger.Position{
		Symbol:            "AAA",
		EntryDate:         time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		EntryPrice:        100,
		Shares:            100,
		HighestSinceEntry: 100,
	}
}

func TestEvaluateStopLineRatchet(t *testing.T) {
	m := newTestMonitor()
	pos := newTestPosition()

	// 第一天：最高价 110，止损线 110 - 3*2 = 104。
	v := m.Evaluate(Input{Position: pos, BarValid: true, High: 110, Close: 109, ATR: 2, ATROK: true, TrendKnown: true, InTrend: true})
	if v.Exit {
		t.Fatalf("unexpected exit on day 1: %+v", v)
	}
	if pos.StopLine != 104 {
		t.Fatalf("StopLine = %v, want 104", pos.StopLine)
	}

	// 第二天：最高价回落、ATR 放大，候选止损更低，止损线不得下移。
	m.Evaluate(Input{Position: pos, BarValid: true, High: 105, Close: 105, ATR: 4, ATROK: true, TrendKnown: true, InTrend: true})
	if pos.HighestSinceEntry != 110 {
		t.Errorf("HighestSinceEntry = %v, want ratcheted 110", pos.HighestSinceEntry)
	}
	if pos.StopLine != 104 {
		t.Errorf("StopLine = %v, want unchanged 104", pos.StopLine)
	}

	// 第三天：新高推动止损线上移。
	m.Evaluate(Input{Position: pos, BarValid: true, High: 120, Close: 119, ATR: 2, ATROK: true, TrendKnown: true, InTrend: true})
	if pos.StopLine != 114 {
		t.Errorf("StopLine = %v, want 114 after new high", pos.StopLine)
	}
}

func TestEvaluateATRStop(t *testing.T) {
	m := newTestMonitor()
	pos := newTestPosition()

	m.Evaluate(Input{Position: pos, BarValid: true, High: 110, Close: 109, ATR: 2, ATROK: true, TrendKnown: true, InTrend: true})

	v := m.Evaluate(Input{Position: pos, BarValid: true, High: 109, Close: 103, ATR: 2, ATROK: true, TrendKnown: true, InTrend: true})
	if !v.Exit || v.Reason != ReasonATRStop {
		t.Fatalf("verdict = %+v, want atr_stop exit (close 103 < stop 104)", v)
	}
}

func TestEvaluateTrendOffBeatsATRStop(t *testing.T) {
	m := newTestMonitor()
	pos := newTestPosition()
	pos.HighestSinceEntry = 110
	pos.StopLine = 104

	// 收盘已破止损且趋势熄灭，只保留趋势熄灭这一个原因。
	v := m.Evaluate(Input{Position: pos, BarValid: true, High: 105, Close: 100, ATR: 2, ATROK: true, TrendKnown: true, InTrend: false})
	if !v.Exit || v.Reason != ReasonTrendOff {
		t.Fatalf("verdict = %+v, want trend_off to take priority", v)
	}
}

func TestEvaluateTrendOffWithoutATR(t *testing.T) {
	m := newTestMonitor()
	pos := newTestPosition()

	// ATR 不可用不影响趋势熄灭退出。
	v := m.Evaluate(Input{Position: pos, BarValid: true, High: 100, Close: 100, ATROK: false, TrendKnown: true, InTrend: false})
	if !v.Exit || v.Reason != ReasonTrendOff {
		t.Fatalf("verdict = %+v, want trend_off without ATR", v)
	}
}

func TestEvaluateTimeStop(t *testing.T) {
	m := newTestMonitor()
	pos := newTestPosition()

	// 持有超期、浮盈不足一个 ATR、从未创新高：触发时间止损。
	v := m.Evaluate(Input{Position: pos, BarValid: true, High: 100, Close: 100.5, ATR: 2, ATROK: true, TrendKnown: true, InTrend: true, DaysHeld: 10})
	if !v.Exit || v.Reason != ReasonTimeStop {
		t.Fatalf("verdict = %+v, want time_stop", v)
	}
}

func TestEvaluateTimeStopSparedByProfit(t *testing.T) {
	m := newTestMonitor()
	pos := newTestPosition()

	// 浮盈达到一个 ATR：不触发。
	v := m.Evaluate(Input{Position: pos, BarValid: true, High: 100, Close: 102, ATR: 2, ATROK: true, TrendKnown: true, InTrend: true, DaysHeld: 10})
	if v.Exit {
		t.Fatalf("profitable position should survive time stop, got %+v", v)
	}
}

func TestEvaluateTimeStopSparedByNewHigh(t *testing.T) {
	m := newTestMonitor()
	pos := newTestPosition()
	pos.HighestSinceEntry = 105

	// 曾经创过新高：即使当前浮盈不足也不触发。
	v := m.Evaluate(Input{Position: pos, BarValid: true, High: 100, Close: 100.5, ATR: 2, ATROK: true, TrendKnown: true, InTrend: true, DaysHeld: 10})
	if v.Exit {
		t.Fatalf("position with a prior new high should survive time stop, got %+v", v)
	}
}

func TestEvaluateTimeStopNeedsATR(t *testing.T) {
	m := newTestMonitor()
	pos := newTestPosition()

	v := m.Evaluate(Input{Position: pos, BarValid: true, High: 100, Close: 100, ATROK: false, TrendKnown: true, InTrend: true, DaysHeld: 100})
	if v.Exit {
		t.Fatalf("time stop without a valid ATR should not fire, got %+v", v)
	}
}

func TestEvaluateMissingBarFreezesState(t *testing.T) {
	m := newTestMonitor()
	pos := newTestPosition()
	pos.StopLine = 104
	pos.HighestSinceEntry = 110

	v := m.Evaluate(Input{Position: pos, BarValid: false, High: 200, Close: 1, ATR: 2, ATROK: true, TrendKnown: true, InTrend: false, DaysHeld: 100})
	if v.Exit {
		t.Fatalf("missing bar must not trigger an exit, got %+v", v)
	}
	if pos.StopLine != 104 || pos.HighestSinceEntry != 110 {
		t.Errorf("missing bar must not advance state: stop %v highest %v", pos.StopLine, pos.HighestSinceEntry)
	}
}

func TestEvaluateUnknownTrendDoesNotExit(t *testing.T) {
	m := newTestMonitor()
	pos := newTestPosition()

	// 当日没有趋势记录时不按熄灭处理。
	v := m.Evaluate(Input{Position: pos, BarValid: true, High: 100, Close: 100, ATR: 2, ATROK: true, TrendKnown: false, InTrend: false})
	if v.Exit {
		t.Fatalf("unknown trend must not trigger trend_off, got %+v", v)
	}
}
