package market

import (
	"sort"
	"time"
)

// Candle 表示单个交易日的行情。
type Candle struct {
	Date   time.Time
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume float64
}

// Series 将单只标的的日线数据拆分为便于指标计算的列式序列，按日期升序排列。
// 序列一经构建即视为只读。
type Series struct {
	Symbol string
	Dates  []time.Time
	Open   []float64
	High   []float64
	Low    []float64
	Close  []float64
	Volume []float64
}

// Day 将时间规整到 UTC 零点，引擎内所有日期均以此为键。
func Day(t time.Time) time.Time {
	utc := t.UTC()
	return time.Date(utc.Year(), utc.Month(), utc.Day(), 0, 0, 0, 0, time.UTC)
}

// NewSeries 从K线创建 Series，输入无需有序，内部按日期升序排序。
func NewSeries(symbol string, candles []Candle) *Series {
	sorted := make([]Candle, len(candles))
	copy(sorted, candles)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Date.Before(sorted[j].Date)
	})

	length := len(sorted)
	series := &Series{
		Symbol: symbol,
		Dates:  make([]time.Time, length),
		Open:   make([]float64, length),
		High:   make([]float64, length),
		Low:    make([]float64, length),
		Close:  make([]float64, length),
		Volume: make([]float64, length),
	}

	for i, candle := range sorted {
		series.Dates[i] = Day(candle.Date)
		series.Open[i] = candle.Open
		series.High[i] = candle.High
		series.Low[i] = candle.Low
		series.Close[i] = candle.Close
		series.Volume[i] = candle.Volume
	}

	return series
}

// Len 返回序列长度。
func (s *Series) Len() int {
	return len(s.Dates)
}

// Index 返回指定日期的下标，日期不存在时第二个返回值为 false。
func (s *Series) Index(date time.Time) (int, bool) {
	day := Day(date)
	i := sort.Search(len(s.Dates), func(i int) bool {
		return !s.Dates[i].Before(day)
	})
	if i < len(s.Dates) && s.Dates[i].Equal(day) {
		return i, true
	}
	return 0, false
}

// AsOfIndex 返回不晚于指定日期的最后一个下标，完全无数据时返回 -1。
func (s *Series) AsOfIndex(date time.Time) int {
	day := Day(date)
	i := sort.Search(len(s.Dates), func(i int) bool {
		return s.Dates[i].After(day)
	})
	return i - 1
}

// CloseAt 返回指定日期的收盘价，当日无数据时第二个返回值为 false。
func (s *Series) CloseAt(date time.Time) (float64, bool) {
	if i, ok := s.Index(date); ok {
		return s.Close[i], true
	}
	return 0, false
}

// OpenAt 返回指定日期的开盘价，当日无数据时第二个返回值为 false。
func (s *Series) OpenAt(date time.Time) (float64, bool) {
	if i, ok := s.Index(date); ok && s.Open[i] > 0 {
		return s.Open[i], true
	}
	return 0, false
}

// CloseUpTo 返回截止指定日期（含）的全部收盘价，调用方只读使用。
func (s *Series) CloseUpTo(date time.Time) []float64 {
	idx := s.AsOfIndex(date)
	if idx < 0 {
		return nil
	}
	return s.Close[:idx+1]
}
