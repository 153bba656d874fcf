package orchestrator

import (
	"slices"
	"sort"

	"quotefeed.com/internal/quotes/model"
)

// PlanInput 分配计算的全部输入。Plan 是纯函数：同样的输入永远得到同样的输出。
type PlanInput struct {
	Instruments []model.Instrument
	Profiles    map[string]model.ProviderProfile
	Chains      model.FallbackChains

	// Available 为 nil 表示全部可用；Failed/Retired 的 provider 不参与分配
	Available map[string]bool
	// Excluded provider -> 被该 provider 明确拒绝过的 symbol
	Excluded map[string]map[string]struct{}
	// Used 已被其它资产类别占用的容量（按类别局部重算时用）
	Used map[string]int
}

type Plan struct {
	Assignment model.Assignment
	Unassigned []model.Instrument
}

type candidate struct {
	id       string
	priority int
	capacity int
}

// Compute 按资产类别依次贪心：同一类别的 fallback chain 先按 priority 分层，
// 每个 symbol 放进第一个还有余量的层，层内轮询；所有层都满了就留空，不超配。
func Compute(in PlanInput) Plan {
	used := make(map[string]int, len(in.Profiles))
	for id, n := range in.Used {
		used[id] = n
	}
	byClass := make(map[model.AssetClass][]string, len(model.AssetClasses))
	for _, ins := range in.Instruments {
		byClass[ins.AssetClass] = append(byClass[ins.AssetClass], ins.Symbol)
	}

	plan := Plan{Assignment: model.Assignment{}}
	for _, class := range model.AssetClasses {
		syms := byClass[class]
		if len(syms) == 0 {
			continue
		}
		slices.Sort(syms)
		syms = slices.Compact(syms)

		tiers := buildTiers(in, class)
		cursor := make([]int, len(tiers))
		for _, sym := range syms {
			id, ok := place(in, tiers, cursor, used, sym)
			if !ok {
				plan.Unassigned = append(plan.Unassigned, model.Instrument{Symbol: sym, AssetClass: class, Active: true})
				continue
			}
			used[id]++
			plan.Assignment[id] = append(plan.Assignment[id], sym)
		}
	}
	for id := range plan.Assignment {
		slices.Sort(plan.Assignment[id])
	}
	return plan
}

// buildTiers chain 里可用且支持该类别的 provider，按 priority 稳定排序后分层（同 priority 保留 chain 顺序）
func buildTiers(in PlanInput, class model.AssetClass) [][]candidate {
	var cands []candidate
	seen := map[string]bool{}
	for _, id := range in.Chains[class] {
		if seen[id] {
			continue
		}
		seen[id] = true
		p, ok := in.Profiles[id]
		if !ok || !p.Supports(class) {
			continue
		}
		if in.Available != nil && !in.Available[id] {
			continue
		}
		cands = append(cands, candidate{id: id, priority: p.Priority, capacity: p.MaxConcurrentSubscriptions})
	}
	sort.SliceStable(cands, func(i, j int) bool { return cands[i].priority < cands[j].priority })

	var tiers [][]candidate
	for i, c := range cands {
		if i == 0 || c.priority != cands[i-1].priority {
			tiers = append(tiers, nil)
		}
		tiers[len(tiers)-1] = append(tiers[len(tiers)-1], c)
	}
	return tiers
}

func place(in PlanInput, tiers [][]candidate, cursor []int, used map[string]int, sym string) (string, bool) {
	for t, tier := range tiers {
		n := len(tier)
		for k := 0; k < n; k++ {
			i := (cursor[t] + k) % n
			c := tier[i]
			if used[c.id] >= c.capacity {
				continue
			}
			if _, bad := in.Excluded[c.id][sym]; bad {
				continue
			}
			cursor[t] = (i + 1) % n
			return c.id, true
		}
	}
	return "", false
}

// UsedBy 统计 assignment 里不属于 skip 类别的 symbol 各占多少容量
func UsedBy(a model.Assignment, classOf func(string) model.AssetClass, skip map[model.AssetClass]bool) map[string]int {
	out := make(map[string]int, len(a))
	for id, syms := range a {
		for _, s := range syms {
			if !skip[classOf(s)] {
				out[id]++
			}
		}
	}
	return out
}
