package market

import (
	"fmt"
	"sort"
	"time"
)

// TrendSeries 保存单只标的的趋势开关序列，true 表示可持有/可买入。
// 序列只能由不晚于对应日期的数据推导得到，这一因果性由数据方保证。
type TrendSeries struct {
	Symbol string
	Dates  []time.Time
	Flags  []bool
}

// NewTrendSeries 创建趋势序列，内部按日期升序排序。
func NewTrendSeries(symbol string, dates []time.Time, flags []bool) (*TrendSeries, error) {
	if len(dates) != len(flags) {
		return nil, fmt.Errorf("market: 趋势序列日期与标记数量不一致: %d vs %d", len(dates), len(flags))
	}

	type pair struct {
		date time.Time
		flag bool
	}
	pairs := make([]pair, len(dates))
	for i := range dates {
		pairs[i] = pair{date: Day(dates[i]), flag: flags[i]}
	}
	sort.Slice(pairs, func(i, j int) bool {
		return pairs[i].date.Before(pairs[j].date)
	})

	ts := &TrendSeries{
		Symbol: symbol,
		Dates:  make([]time.Time, len(pairs)),
		Flags:  make([]bool, len(pairs)),
	}
	for i, p := range pairs {
		ts.Dates[i] = p.date
		ts.Flags[i] = p.flag
	}
	return ts, nil
}

// InTrend 返回指定日期的趋势标记，当日无记录时第二个返回值为 false。
func (t *TrendSeries) InTrend(date time.Time) (bool, bool) {
	if t == nil {
		return false, false
	}
	day := Day(date)
	i := sort.Search(len(t.Dates), func(i int) bool {
		return !t.Dates[i].Before(day)
	})
	if i < len(t.Dates) && t.Dates[i].Equal(day) {
		return t.Flags[i], true
	}
	return false, false
}

// Universe 聚合整个标的池的行情与趋势序列，并维护其并集交易日历。
// 构建完成后对引擎只读。
type Universe struct {
	symbols  []string
	series   map[string]*Series
	trend    map[string]*TrendSeries
	calendar []time.Time
}

// NewUniverse 从行情与趋势序列构建标的池。趋势序列允许缺失，缺失时该标的
// 在任何日期都视为趋势状态未知。
func NewUniverse(series []*Series, trends []*TrendSeries) (*Universe, error) {
	if len(series) == 0 {
		return nil, fmt.Errorf("market: 标的池为空")
	}

	u := &Universe{
		series: make(map[string]*Series, len(series)),
		trend:  make(map[string]*TrendSeries, len(trends)),
	}

	seen := make(map[time.Time]bool)
	for _, s := range series {
		if s == nil || s.Symbol == "" {
			return nil, fmt.Errorf("market: 行情序列缺少标的代码")
		}
		if _, dup := u.series[s.Symbol]; dup {
			return nil, fmt.Errorf("market: 标的 %s 行情序列重复", s.Symbol)
		}
		u.series[s.Symbol] = s
		u.symbols = append(u.symbols, s.Symbol)
		for _, d := range s.Dates {
			if !seen[d] {
				seen[d] = true
				u.calendar = append(u.calendar, d)
			}
		}
	}

	for _, t := range trends {
		if t == nil {
			continue
		}
		if _, ok := u.series[t.Symbol]; !ok {
			return nil, fmt.Errorf("market: 趋势序列 %s 没有对应行情", t.Symbol)
		}
		u.trend[t.Symbol] = t
	}

	sort.Strings(u.symbols)
	sort.Slice(u.calendar, func(i, j int) bool {
		return u.calendar[i].Before(u.calendar[j])
	})

	return u, nil
}

// Symbols 返回升序排列的标的代码副本。
func (u *Universe) Symbols() []string {
	return append([]string(nil), u.symbols...)
}

// Series 返回指定标的的行情序列，不存在时返回 nil。
func (u *Universe) Series(symbol string) *Series {
	return u.series[symbol]
}

// Trend 返回指定标的的趋势序列，不存在时返回 nil。
func (u *Universe) Trend(symbol string) *TrendSeries {
	return u.trend[symbol]
}

// Calendar 返回 [start, end] 区间内的并集交易日历。
func (u *Universe) Calendar(start, end time.Time) []time.Time {
	startDay := Day(start)
	endDay := Day(end)
	var out []time.Time
	for _, d := range u.calendar {
		if d.Before(startDay) || d.After(endDay) {
			continue
		}
		out = append(out, d)
	}
	return out
}

// CalendarIndex 返回日期在全量日历中的下标，不存在时返回 -1。
func (u *Universe) CalendarIndex(date time.Time) int {
	day := Day(date)
	i := sort.Search(len(u.calendar), func(i int) bool {
		return !u.calendar[i].Before(day)
	})
	if i < len(u.calendar) && u.calendar[i].Equal(day) {
		return i
	}
	return -1
}
