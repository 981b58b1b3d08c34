package backtest

import (
	"sort"

	"trend-backtest/internal/cluster"
	"trend-backtest/internal/config"
	"trend-backtest/internal/momentum"
)

// 选股阶段的落选原因。
const (
	RejectClusterLimit = "cluster_limit"
	RejectMaxPositions = "max_positions"
)

// Rejection 记录一次调仓决策中未能入选（或被挤出）的标的及原因。
type Rejection struct {
	Symbol string
	Reason string
}

// selectionInput 聚合一次调仓筛选所需的事实。
type selectionInput struct {
	scores     []momentum.Score
	held       map[string]bool
	forced     map[string]string
	frozenHeld int
	assignment *cluster.Assignment
	rules      config.SelectionConfig
}

type slot struct {
	symbol  string
	rank    int
	cluster int
}

// selectHoldings 执行调仓日的目标持仓筛选：
//  1. 现有持仓只要调整后名次不劣于 hold_until_rank 且未被强平就保留（缓冲区）；
//  2. 名次不劣于 buy_top_n 的新标的依次入场，簇内数量达到上限时，
//     得分更优的候选可以把簇内最弱成员挤出去，否则候选以 cluster_limit 落选；
//  3. 剩余仓位额度沿名次表继续回填，此阶段只避让、不挤出。
func selectHoldings(in selectionInput) ([]string, []Rejection) {
	var desired []slot
	var rejected []Rejection

	clusterCount := make(map[int]int)
	inDesired := make(map[string]bool)

	capacityLeft := func() int {
		return in.rules.MaxPositions - in.frozenHeld - len(desired)
	}

	scoreBy := make(map[string]momentum.Score, len(in.scores))
	for _, sc := range in.scores {
		scoreBy[sc.Symbol] = sc
	}

	// 阶段一：保留仍处于缓冲区内的现有持仓。
	heldSymbols := make([]string, 0, len(in.held))
	for symbol := range in.held {
		heldSymbols = append(heldSymbols, symbol)
	}
	sort.Strings(heldSymbols)

	for _, symbol := range heldSymbols {
		if _, isForced := in.forced[symbol]; isForced {
			continue
		}
		sc, scored := scoreBy[symbol]
		if !scored || sc.AdjustedRank > in.rules.HoldUntilRank {
			continue
		}
		c := in.assignment.ClusterOf(symbol)
		desired = append(desired, slot{symbol: symbol, rank: sc.AdjustedRank, cluster: c})
		inDesired[symbol] = true
		clusterCount[c]++
	}

	// 阶段二：按名次接纳缓冲区入口内的新标的，必要时挤出簇内最弱成员。
	for _, sc := range in.scores {
		if sc.AdjustedRank > in.rules.BuyTopN {
			break
		}
		symbol := sc.Symbol
		if in.held[symbol] || inDesired[symbol] {
			continue
		}
		if _, isForced := in.forced[symbol]; isForced {
			continue
		}
		if capacityLeft() <= 0 {
			rejected = append(rejected, Rejection{Symbol: symbol, Reason: RejectMaxPositions})
			continue
		}

		c := in.assignment.ClusterOf(symbol)
		if clusterCount[c] < in.rules.MaxPerCluster {
			desired = append(desired, slot{symbol: symbol, rank: sc.AdjustedRank, cluster: c})
			inDesired[symbol] = true
			clusterCount[c]++
			continue
		}

		weakest := weakestInCluster(desired, c)
		if weakest >= 0 && sc.AdjustedRank < desired[weakest].rank {
			displaced := desired[weakest].symbol
			desired = append(desired[:weakest], desired[weakest+1:]...)
			delete(inDesired, displaced)
			rejected = append(rejected, Rejection{Symbol: displaced, Reason: RejectClusterLimit})

			desired = append(desired, slot{symbol: symbol, rank: sc.AdjustedRank, cluster: c})
			inDesired[symbol] = true
		} else {
			rejected = append(rejected, Rejection{Symbol: symbol, Reason: RejectClusterLimit})
		}
	}

	// 阶段三：沿名次表回填剩余仓位额度。
	for _, sc := range in.scores {
		if capacityLeft() <= 0 {
			break
		}
		symbol := sc.Symbol
		if in.held[symbol] || inDesired[symbol] {
			continue
		}
		if _, isForced := in.forced[symbol]; isForced {
			continue
		}
		if sc.AdjustedRank <= in.rules.BuyTopN {
			// 阶段二已处理过的名次区间，落选结论不再改变。
			continue
		}
		c := in.assignment.ClusterOf(symbol)
		if clusterCount[c] >= in.rules.MaxPerCluster {
			rejected = append(rejected, Rejection{Symbol: symbol, Reason: RejectClusterLimit})
			continue
		}
		desired = append(desired, slot{symbol: symbol, rank: sc.AdjustedRank, cluster: c})
		inDesired[symbol] = true
		clusterCount[c]++
	}

	out := make([]string, 0, len(desired))
	for _, s := range desired {
		out = append(out, s.symbol)
	}
	sort.Strings(out)
	return out, rejected
}

// weakestInCluster 返回指定簇内名次最差的成员下标，簇内无成员时返回 -1。
func weakestInCluster(desired []slot, c int) int {
	worst := -1
	for i, s := range desired {
		if s.cluster != c {
			continue
		}
		if worst < 0 || s.rank > desired[worst].rank ||
			(s.rank == desired[worst].rank && s.symbol > desired[worst].symbol) {
			worst = i
		}
	}
	return worst
}
