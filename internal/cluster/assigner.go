package cluster

import (
	"fmt"
	"math"
	"sort"
	"time"

	talib "github.com/markcheno/go-talib"
	"go.uber.org/zap"

	"trend-backtest/internal/config"
	"trend-backtest/internal/indicator"
	"trend-backtest/internal/market"
)

// 相关性样本对齐后允许的最少重叠天数。
const minPairOverlap = 10

// Assignment 表示某个基准日生效的簇划分。正数簇号来自聚类结果；
// 划分之外的新标的按需领取互不相同的负数簇号，视为不受簇约束的单元素簇。
type Assignment struct {
	AsOf     time.Time
	Clusters map[string]int

	nextSingleton int
}

// ClusterOf 返回标的所属簇号，未知标的分配一个新的单元素簇号并记住它。
func (a *Assignment) ClusterOf(symbol string) int {
	if id, ok := a.Clusters[symbol]; ok {
		return id
	}
	a.nextSingleton--
	a.Clusters[symbol] = a.nextSingleton
	return a.nextSingleton
}

// Assigner 按相关性距离对标的池做层次聚类，并在两次重算之间缓存划分结果。
type Assigner struct {
	lookback  int
	threshold float64
	linkage   string
	logger    *zap.Logger

	cached *Assignment
}

// NewAssigner 从配置创建聚类器。
func NewAssigner(cfg config.ClusterConfig, logger *zap.Logger) *Assigner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Assigner{
		lookback:  cfg.Lookback,
		threshold: cfg.Threshold,
		linkage:   cfg.Linkage,
		logger:    logger,
	}
}

// Cached 返回当前缓存的划分，尚未计算过时为 nil。
func (a *Assigner) Cached() *Assignment {
	return a.cached
}

// Assign 用不晚于 asOf 的数据重新聚类。输入退化（如零方差导致相关性无法计算）
// 时保留上一次划分并记录告警；完全没有可用划分时退化为全部单元素簇。
func (a *Assigner) Assign(u *market.Universe, asOf time.Time) *Assignment {
	assignment, err := a.compute(u, asOf)
	if err != nil {
		a.logger.Warn("聚类计算失败，沿用上一次簇划分",
			zap.Time("as_of", asOf),
			zap.Error(err),
		)
		if a.cached != nil {
			return a.cached
		}
		assignment = a.singletons(u, asOf)
	}

	a.cached = assignment
	return assignment
}

// singletons 为全部标的生成互不相同的簇号。
func (a *Assigner) singletons(u *market.Universe, asOf time.Time) *Assignment {
	assignment := &Assignment{AsOf: asOf, Clusters: make(map[string]int)}
	for i, symbol := range u.Symbols() {
		assignment.Clusters[symbol] = i + 1
	}
	return assignment
}

type returnRow struct {
	symbol  string
	dates   []time.Time
	returns []float64
}

func (a *Assigner) compute(u *market.Universe, asOf time.Time) (*Assignment, error) {
	var rows []returnRow
	var thin []string

	for _, symbol := range u.Symbols() {
		series := u.Series(symbol)
		idx := series.AsOfIndex(asOf)
		if idx < 1 {
			thin = append(thin, symbol)
			continue
		}

		start := idx + 1 - (a.lookback + 1)
		if start < 0 {
			start = 0
		}
		closes := series.Close[start : idx+1]
		dates := series.Dates[start+1 : idx+1]

		returns := make([]float64, 0, len(dates))
		kept := make([]time.Time, 0, len(dates))
		for i := 1; i < len(closes); i++ {
			if closes[i-1] <= 0 || closes[i] <= 0 {
				continue
			}
			returns = append(returns, closes[i]/closes[i-1]-1)
			kept = append(kept, dates[i-1])
		}

		if len(returns) < a.lookback/2 {
			thin = append(thin, symbol)
			continue
		}
		rows = append(rows, returnRow{symbol: symbol, dates: kept, returns: returns})
	}

	assignment := &Assignment{AsOf: asOf, Clusters: make(map[string]int)}

	if len(rows) < 2 {
		// 可聚类标的不足两个，全部按单元素簇处理。
		next := 1
		for _, row := range rows {
			assignment.Clusters[row.symbol] = next
			next++
		}
		for _, symbol := range thin {
			assignment.Clusters[symbol] = next
			next++
		}
		return assignment, nil
	}

	dist, err := a.distanceMatrix(rows)
	if err != nil {
		return nil, err
	}

	labels := agglomerate(dist, a.linkage, cutDistance(a.threshold))

	// 按簇内最小标的代码排序，保证相同输入得到字节级一致的簇号。
	groups := make(map[int][]string)
	for i, row := range rows {
		groups[labels[i]] = append(groups[labels[i]], row.symbol)
	}
	keys := make([]string, 0, len(groups))
	byKey := make(map[string][]string, len(groups))
	for _, members := range groups {
		sort.Strings(members)
		keys = append(keys, members[0])
		byKey[members[0]] = members
	}
	sort.Strings(keys)

	next := 1
	for _, key := range keys {
		for _, symbol := range byKey[key] {
			assignment.Clusters[symbol] = next
		}
		next++
	}
	for _, symbol := range thin {
		assignment.Clusters[symbol] = next
		next++
	}

	return assignment, nil
}

// distanceMatrix 计算两两相关性距离 √(2·(1−ρ))。
func (a *Assigner) distanceMatrix(rows []returnRow) ([][]float64, error) {
	n := len(rows)
	dist := make([][]float64, n)
	for i := range dist {
		dist[i] = make([]float64, n)
	}

	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			rho, err := pairCorrelation(rows[i], rows[j])
			if err != nil {
				return nil, err
			}
			d := math.Sqrt(2 * (1 - rho))
			dist[i][j] = d
			dist[j][i] = d
		}
	}

	return dist, nil
}

// pairCorrelation 对齐两只标的的共同交易日后计算 Pearson 相关系数。
// 重叠样本不足时按不相关处理。
func pairCorrelation(a, b returnRow) (float64, error) {
	var x, y []float64
	i, j := 0, 0
	for i < len(a.dates) && j < len(b.dates) {
		switch {
		case a.dates[i].Before(b.dates[j]):
			i++
		case b.dates[j].Before(a.dates[i]):
			j++
		default:
			x = append(x, a.returns[i])
			y = append(y, b.returns[j])
			i++
			j++
		}
	}

	if len(x) < minPairOverlap {
		return 0, nil
	}

	rho := indicator.Last(talib.Correl(x, y, len(x)))
	if math.IsNaN(rho) {
		return 0, fmt.Errorf("cluster: 标的 %s 与 %s 的相关性退化", a.symbol, b.symbol)
	}
	if rho > 1 {
		rho = 1
	}
	if rho < -1 {
		rho = -1
	}
	return rho, nil
}

// cutDistance 将相关性阈值换算为树状图的切割距离。
func cutDistance(threshold float64) float64 {
	return math.Sqrt(2 * (1 - threshold))
}

// agglomerate 对距离矩阵做凝聚式层次聚类，合并距离超过 cut 时停止，
// 返回每个输入下标所属的簇标签。四种合并方式共用 Lance-Williams 距离更新。
func agglomerate(dist [][]float64, linkage string, cut float64) []int {
	n := len(dist)
	labels := make([]int, n)
	for i := range labels {
		labels[i] = i
	}
	if n < 2 {
		return labels
	}

	active := make([]bool, n)
	size := make([]int, n)
	for i := range active {
		active[i] = true
		size[i] = 1
	}

	d := make([][]float64, n)
	for i := range d {
		d[i] = append([]float64(nil), dist[i]...)
	}

	for {
		bi, bj := -1, -1
		best := math.Inf(1)
		for i := 0; i < n; i++ {
			if !active[i] {
				continue
			}
			for j := i + 1; j < n; j++ {
				if !active[j] {
					continue
				}
				if d[i][j] < best {
					best = d[i][j]
					bi, bj = i, j
				}
			}
		}
		if bi < 0 || best > cut {
			break
		}

		// 将 bj 并入 bi，并按所选方式更新其余簇到新簇的距离。
		for k := 0; k < n; k++ {
			if !active[k] || k == bi || k == bj {
				continue
			}
			var nd float64
			switch linkage {
			case config.LinkageSingle:
				nd = math.Min(d[k][bi], d[k][bj])
			case config.LinkageComplete:
				nd = math.Max(d[k][bi], d[k][bj])
			case config.LinkageAverage:
				ni, nj := float64(size[bi]), float64(size[bj])
				nd = (ni*d[k][bi] + nj*d[k][bj]) / (ni + nj)
			default: // ward
				ni, nj, nk := float64(size[bi]), float64(size[bj]), float64(size[k])
				total := ni + nj + nk
				sq := ((nk+ni)*d[k][bi]*d[k][bi] + (nk+nj)*d[k][bj]*d[k][bj] - nk*d[bi][bj]*d[bi][bj]) / total
				if sq < 0 {
					sq = 0
				}
				nd = math.Sqrt(sq)
			}
			d[k][bi] = nd
			d[bi][k] = nd
		}

		size[bi] += size[bj]
		active[bj] = false
		for i := range labels {
			if labels[i] == bj {
				labels[i] = bi
			}
		}
	}

	return labels
}
