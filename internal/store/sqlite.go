package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"trend-backtest/internal/market"
)

// Store 封装存放历史行情与趋势标记的 SQLite 连接。
type Store struct {
	db *sql.DB
}

// Open 打开历史数据存储。
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("store: 数据库路径不能为空")
	}
	if err := ensureDir(filepath.Dir(path)); err != nil {
		return nil, err
	}

	conn, err := sql.Open("sqlite3", fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path))
	if err != nil {
		return nil, fmt.Errorf("打开 SQLite 数据库失败: %w", err)
	}

	if _, err := conn.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("设置 SQLite WAL 模式失败: %w", err)
	}
	if _, err := conn.Exec("PRAGMA synchronous=NORMAL;"); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("设置 SQLite 同步级别失败: %w", err)
	}

	s := &Store{db: conn}
	if err := s.initSchema(); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS candles (
			symbol TEXT NOT NULL,
			date TEXT NOT NULL,
			open REAL NOT NULL,
			high REAL NOT NULL,
			low REAL NOT NULL,
			close REAL NOT NULL,
			volume REAL NOT NULL,
			PRIMARY KEY (symbol, date)
		);`,
		`CREATE TABLE IF NOT EXISTS trend_flags (
			symbol TEXT NOT NULL,
			date TEXT NOT NULL,
			in_trend INTEGER NOT NULL,
			PRIMARY KEY (symbol, date)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_candles_symbol ON candles(symbol);`,
	}

	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("store: 初始化表结构失败: %w", err)
		}
	}
	return nil
}

// DB 返回底层 *sql.DB.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close 关闭数据库连接。
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// LoadUniverse 读取 [start, end] 区间内给定标的的行情与趋势标记。
// symbols 为空时加载库中全部标的。
func (s *Store) LoadUniverse(ctx context.Context, symbols []string, start, end time.Time) (*market.Universe, error) {
	if len(symbols) == 0 {
		var err error
		symbols, err = s.allSymbols(ctx)
		if err != nil {
			return nil, err
		}
	}
	if len(symbols) == 0 {
		return nil, fmt.Errorf("store: 数据库中没有任何标的")
	}

	startDay := market.Day(start).Format("2006-01-02")
	endDay := market.Day(end).Format("2006-01-02")

	var allSeries []*market.Series
	var allTrends []*market.TrendSeries

	for _, symbol := range symbols {
		candles, err := s.loadCandles(ctx, symbol, startDay, endDay)
		if err != nil {
			return nil, err
		}
		if len(candles) == 0 {
			continue
		}
		allSeries = append(allSeries, market.NewSeries(symbol, candles))

		trend, err := s.loadTrend(ctx, symbol, startDay, endDay)
		if err != nil {
			return nil, err
		}
		if trend != nil {
			allTrends = append(allTrends, trend)
		}
	}

	universe, err := market.NewUniverse(allSeries, allTrends)
	if err != nil {
		return nil, fmt.Errorf("store: 构建标的池失败: %w", err)
	}
	return universe, nil
}

func (s *Store) allSymbols(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT symbol FROM candles ORDER BY symbol`)
	if err != nil {
		return nil, fmt.Errorf("store: 查询标的列表失败: %w", err)
	}
	defer rows.Close()

	var symbols []string
	for rows.Next() {
		var symbol string
		if err := rows.Scan(&symbol); err != nil {
			return nil, fmt.Errorf("store: 读取标的列表失败: %w", err)
		}
		symbols = append(symbols, symbol)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: 遍历标的列表失败: %w", err)
	}
	return symbols, nil
}

func (s *Store) loadCandles(ctx context.Context, symbol, start, end string) ([]market.Candle, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT date, open, high, low, close, volume FROM candles
		 WHERE symbol = ? AND date >= ? AND date <= ? ORDER BY date`,
		symbol, start, end,
	)
	if err != nil {
		return nil, fmt.Errorf("store: 查询 %s 行情失败: %w", symbol, err)
	}
	defer rows.Close()

	var candles []market.Candle
	for rows.Next() {
		var dateStr string
		var c market.Candle
		if err := rows.Scan(&dateStr, &c.Open, &c.High, &c.Low, &c.Close, &c.Volume); err != nil {
			return nil, fmt.Errorf("store: 读取 %s 行情失败: %w", symbol, err)
		}
		date, err := time.Parse("2006-01-02", dateStr)
		if err != nil {
			return nil, fmt.Errorf("store: 解析 %s 行情日期失败: %w", symbol, err)
		}
		c.Date = date
		candles = append(candles, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: 遍历 %s 行情失败: %w", symbol, err)
	}
	return candles, nil
}

func (s *Store) loadTrend(ctx context.Context, symbol, start, end string) (*market.TrendSeries, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT date, in_trend FROM trend_flags
		 WHERE symbol = ? AND date >= ? AND date <= ? ORDER BY date`,
		symbol, start, end,
	)
	if err != nil {
		return nil, fmt.Errorf("store: 查询 %s 趋势标记失败: %w", symbol, err)
	}
	defer rows.Close()

	var dates []time.Time
	var flags []bool
	for rows.Next() {
		var dateStr string
		var flag int
		if err := rows.Scan(&dateStr, &flag); err != nil {
			return nil, fmt.Errorf("store: 读取 %s 趋势标记失败: %w", symbol, err)
		}
		date, err := time.Parse("2006-01-02", dateStr)
		if err != nil {
			return nil, fmt.Errorf("store: 解析 %s 趋势日期失败: %w", symbol, err)
		}
		dates = append(dates, date)
		flags = append(flags, flag != 0)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: 遍历 %s 趋势标记失败: %w", symbol, err)
	}

	if len(dates) == 0 {
		return nil, nil
	}
	trend, err := market.NewTrendSeries(symbol, dates, flags)
	if err != nil {
		return nil, fmt.Errorf("store: 构建 %s 趋势序列失败: %w", symbol, err)
	}
	return trend, nil
}

func ensureDir(path string) error {
	if path == "" || path == "." {
		return nil
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("创建目录 %q 失败: %w", path, err)
	}
	return nil
}
