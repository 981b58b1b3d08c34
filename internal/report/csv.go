package report

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"trend-backtest/internal/backtest"
)

const dateLayout = "2006-01-02"

// WriteAll 将回测产出写为目录下的一组 CSV 文件。
func WriteAll(dir string, result backtest.Result) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("report: 创建输出目录失败: %w", err)
	}

	writers := []struct {
		name  string
		write func(w *csv.Writer) error
	}{
		{"equity_curve.csv", func(w *csv.Writer) error { return writeEquityCurve(w, result) }},
		{"fills.csv", func(w *csv.Writer) error { return writeFills(w, result) }},
		{"positions.csv", func(w *csv.Writer) error { return writePositions(w, result) }},
		{"cluster_exposure.csv", func(w *csv.Writer) error { return writeClusterExposure(w, result) }},
		{"round_trips.csv", func(w *csv.Writer) error { return writeRoundTrips(w, result) }},
		{"summary.csv", func(w *csv.Writer) error { return writeSummary(w, result.Stats) }},
	}

	for _, item := range writers {
		if err := writeFile(filepath.Join(dir, item.name), item.write); err != nil {
			return err
		}
	}
	return nil
}

func writeFile(path string, write func(w *csv.Writer) error) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("report: 创建文件 %q 失败: %w", path, err)
	}
	defer file.Close()

	w := csv.NewWriter(file)
	if err := write(w); err != nil {
		return fmt.Errorf("report: 写入 %q 失败: %w", path, err)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("report: 刷新 %q 失败: %w", path, err)
	}
	return nil
}

func writeEquityCurve(w *csv.Writer, result backtest.Result) error {
	if err := w.Write([]string{"date", "equity", "cash", "positions_value", "num_positions", "leverage"}); err != nil {
		return err
	}
	for _, point := range result.EquityCurve {
		record := []string{
			point.Date.Format(dateLayout),
			f(point.Equity),
			f(point.Cash),
			f(point.PositionsValue),
			strconv.Itoa(point.NumPositions),
			f(point.Leverage),
		}
		if err := w.Write(record); err != nil {
			return err
		}
	}
	return nil
}

func writeFills(w *csv.Writer, result backtest.Result) error {
	if err := w.Write([]string{"date", "symbol", "action", "shares", "price", "gross", "commission", "cash_flow", "reason"}); err != nil {
		return err
	}
	for _, fill := range result.Fills {
		record := []string{
			fill.Date.Format(dateLayout),
			fill.Symbol,
			fill.Action,
			strconv.Itoa(fill.Shares),
			f(fill.Price),
			f(fill.Gross),
			f(fill.Commission),
			f(fill.CashFlow),
			fill.Reason,
		}
		if err := w.Write(record); err != nil {
			return err
		}
	}
	return nil
}

func writePositions(w *csv.Writer, result backtest.Result) error {
	if err := w.Write([]string{"date", "symbol", "shares", "entry_date", "entry_price", "close", "market_value", "weight"}); err != nil {
		return err
	}
	for _, snap := range result.Positions {
		record := []string{
			snap.Date.Format(dateLayout),
			snap.Symbol,
			strconv.Itoa(snap.Shares),
			snap.EntryDate.Format(dateLayout),
			f(snap.EntryPrice),
			f(snap.Close),
			f(snap.MarketValue),
			f(snap.Weight),
		}
		if err := w.Write(record); err != nil {
			return err
		}
	}
	return nil
}

func writeClusterExposure(w *csv.Writer, result backtest.Result) error {
	if err := w.Write([]string{"date", "num_clusters", "max_cluster_weight", "num_positions", "invested_value", "equity"}); err != nil {
		return err
	}
	for _, exp := range result.ClusterExposure {
		record := []string{
			exp.Date.Format(dateLayout),
			strconv.Itoa(exp.NumClusters),
			f(exp.MaxClusterWeight),
			strconv.Itoa(exp.NumPositions),
			f(exp.InvestedValue),
			f(exp.Equity),
		}
		if err := w.Write(record); err != nil {
			return err
		}
	}
	return nil
}

func writeRoundTrips(w *csv.Writer, result backtest.Result) error {
	if err := w.Write([]string{"symbol", "entry_date", "exit_date", "shares", "entry_price", "exit_price", "profit", "holding_days"}); err != nil {
		return err
	}
	for _, trip := range result.RoundTrips {
		record := []string{
			trip.Symbol,
			trip.EntryDate.Format(dateLayout),
			trip.ExitDate.Format(dateLayout),
			strconv.Itoa(trip.Shares),
			f(trip.EntryPrice),
			f(trip.ExitPrice),
			f(trip.Profit),
			strconv.Itoa(trip.HoldingDays),
		}
		if err := w.Write(record); err != nil {
			return err
		}
	}
	return nil
}

func writeSummary(w *csv.Writer, stats backtest.Stats) error {
	if err := w.Write([]string{"metric", "value"}); err != nil {
		return err
	}
	rows := [][2]string{
		{"initial_equity", f(stats.InitialEquity)},
		{"final_equity", f(stats.FinalEquity)},
		{"total_return", f(stats.TotalReturn)},
		{"annualized_return", f(stats.AnnualizedReturn)},
		{"annualized_vol", f(stats.AnnualizedVol)},
		{"sharpe_ratio", f(stats.SharpeRatio)},
		{"sortino_ratio", f(stats.SortinoRatio)},
		{"calmar_ratio", f(stats.CalmarRatio)},
		{"max_drawdown", f(stats.MaxDrawdown)},
		{"drawdown_peak", formatDate(stats.DrawdownPeak)},
		{"drawdown_trough", formatDate(stats.DrawdownTrough)},
		{"win_rate", f(stats.WinRate)},
		{"profit_factor", f(stats.ProfitFactor)},
		{"turnover", f(stats.Turnover)},
		{"avg_holding_days", f(stats.AvgHoldingDays)},
		{"trades", strconv.Itoa(stats.Trades)},
	}
	for _, row := range rows {
		if err := w.Write([]string{row[0], row[1]}); err != nil {
			return err
		}
	}
	return nil
}

func f(v float64) string {
	return strconv.FormatFloat(v, 'f', 6, 64)
}

func formatDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(dateLayout)
}
