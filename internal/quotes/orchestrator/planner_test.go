package orchestrator

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quotefeed.com/internal/quotes/model"
	"quotefeed.com/pkg/xerr"
)

func profile(id string, prio, capacity int, classes ...model.AssetClass) model.ProviderProfile {
	return model.ProviderProfile{ID: id, Kind: "fake", Priority: prio, MaxConcurrentSubscriptions: capacity, AssetClasses: classes}
}

func profileMap(ps ...model.ProviderProfile) map[string]model.ProviderProfile {
	m := make(map[string]model.ProviderProfile, len(ps))
	for _, p := range ps {
		m[p.ID] = p
	}
	return m
}

func ins(sym string, c model.AssetClass) model.Instrument {
	return model.Instrument{Symbol: sym, AssetClass: c, Active: true}
}

func TestCompute_ScenarioA(t *testing.T) {
	plan := Compute(PlanInput{
		Instruments: []model.Instrument{ins("AAPL", model.Equity), ins("BTC", model.Crypto)},
		Profiles:    profileMap(profile("P1", 1, 1, model.Equity), profile("P2", 1, 1, model.Crypto)),
		Chains:      model.FallbackChains{model.Equity: {"P1"}, model.Crypto: {"P2"}},
	})
	assert.Equal(t, model.Assignment{"P1": {"AAPL"}, "P2": {"BTC"}}, plan.Assignment)
	assert.Empty(t, plan.Unassigned)
}

func TestCompute_ScenarioB_FailedProviderFallsBack(t *testing.T) {
	in := PlanInput{
		Instruments: []model.Instrument{ins("AAPL", model.Equity), ins("BTC", model.Crypto)},
		Profiles: profileMap(
			profile("P1", 1, 1, model.Equity),
			profile("P2", 1, 1, model.Crypto),
			profile("P3", 2, 5, model.Equity),
		),
		Chains:    model.FallbackChains{model.Equity: {"P1", "P3"}, model.Crypto: {"P2"}},
		Available: map[string]bool{"P1": false, "P2": true, "P3": true},
	}
	plan := Compute(in)
	assert.Equal(t, model.Assignment{"P3": {"AAPL"}, "P2": {"BTC"}}, plan.Assignment)
}

func TestCompute_OverflowSpillsAndNeverExceedsCapacity(t *testing.T) {
	in := PlanInput{
		Instruments: []model.Instrument{
			ins("AAPL", model.Equity), ins("MSFT", model.Equity), ins("NVDA", model.Equity), ins("TSLA", model.Equity),
		},
		Profiles: profileMap(profile("P1", 1, 2, model.Equity), profile("P3", 2, 1, model.Equity)),
		Chains:   model.FallbackChains{model.Equity: {"P1", "P3"}},
	}
	plan := Compute(in)
	assert.Equal(t, []string{"AAPL", "MSFT"}, plan.Assignment["P1"])
	assert.Equal(t, []string{"NVDA"}, plan.Assignment["P3"])
	require.Len(t, plan.Unassigned, 1)
	assert.Equal(t, "TSLA", plan.Unassigned[0].Symbol)
}

func TestCompute_RoundRobinWithinEqualPriority(t *testing.T) {
	in := PlanInput{
		Instruments: []model.Instrument{
			ins("A", model.Crypto), ins("B", model.Crypto), ins("C", model.Crypto), ins("D", model.Crypto),
		},
		Profiles: profileMap(profile("X", 1, 10, model.Crypto), profile("Y", 1, 10, model.Crypto)),
		Chains:   model.FallbackChains{model.Crypto: {"X", "Y"}},
	}
	plan := Compute(in)
	assert.Equal(t, []string{"A", "C"}, plan.Assignment["X"])
	assert.Equal(t, []string{"B", "D"}, plan.Assignment["Y"])
}

func TestCompute_CapacitySharedAcrossClasses(t *testing.T) {
	in := PlanInput{
		Instruments: []model.Instrument{ins("AAPL", model.Equity), ins("BTC", model.Crypto), ins("ETH", model.Crypto)},
		Profiles:    profileMap(profile("F", 1, 2, model.Equity, model.Crypto), profile("B", 2, 5, model.Crypto)),
		Chains:      model.FallbackChains{model.Equity: {"F"}, model.Crypto: {"F", "B"}},
	}
	plan := Compute(in)
	assert.Equal(t, []string{"AAPL", "BTC"}, plan.Assignment["F"])
	assert.Equal(t, []string{"ETH"}, plan.Assignment["B"])
}

func TestCompute_ExcludedSymbolGoesElsewhere(t *testing.T) {
	in := PlanInput{
		Instruments: []model.Instrument{ins("XAU", model.Commodity)},
		Profiles:    profileMap(profile("F", 1, 5, model.Commodity), profile("T", 2, 5, model.Commodity)),
		Chains:      model.FallbackChains{model.Commodity: {"F", "T"}},
		Excluded:    map[string]map[string]struct{}{"F": {"XAU": {}}},
	}
	plan := Compute(in)
	assert.Equal(t, model.Assignment{"T": {"XAU"}}, plan.Assignment)
}

func TestCompute_UsedCountsAgainstCapacity(t *testing.T) {
	in := PlanInput{
		Instruments: []model.Instrument{ins("BTC", model.Crypto)},
		Profiles:    profileMap(profile("F", 1, 1, model.Equity, model.Crypto), profile("B", 2, 5, model.Crypto)),
		Chains:      model.FallbackChains{model.Crypto: {"F", "B"}},
		Used:        map[string]int{"F": 1},
	}
	assert.Equal(t, model.Assignment{"B": {"BTC"}}, Compute(in).Assignment)
}

// 随机输入下检查：幂等、不超配、每个 symbol 最多一个 provider 且 provider 支持其类别
func TestCompute_Properties(t *testing.T) {
	r := rand.New(rand.NewSource(42))
	for round := 0; round < 200; round++ {
		var profiles []model.ProviderProfile
		chains := model.FallbackChains{}
		for i := 0; i < 1+r.Intn(6); i++ {
			var classes []model.AssetClass
			for _, c := range model.AssetClasses {
				if r.Intn(2) == 0 {
					classes = append(classes, c)
				}
			}
			if len(classes) == 0 {
				classes = []model.AssetClass{model.Equity}
			}
			p := profile(fmt.Sprintf("p%d", i), r.Intn(3), 1+r.Intn(4), classes...)
			profiles = append(profiles, p)
			for _, c := range classes {
				chains[c] = append(chains[c], p.ID)
			}
		}
		var instruments []model.Instrument
		for i := 0; i < r.Intn(30); i++ {
			c := model.AssetClasses[r.Intn(len(model.AssetClasses))]
			instruments = append(instruments, ins(fmt.Sprintf("S%02d", i), c))
		}
		avail := map[string]bool{}
		for _, p := range profiles {
			avail[p.ID] = r.Intn(4) != 0
		}
		in := PlanInput{Instruments: instruments, Profiles: profileMap(profiles...), Chains: chains, Available: avail}

		first := Compute(in)
		second := Compute(in)
		require.True(t, first.Assignment.Equal(second.Assignment), "round %d not idempotent", round)

		classOf := map[string]model.AssetClass{}
		for _, i := range instruments {
			classOf[i.Symbol] = i.AssetClass
		}
		seen := map[string]string{}
		for id, syms := range first.Assignment {
			p := in.Profiles[id]
			assert.LessOrEqual(t, len(syms), p.MaxConcurrentSubscriptions, "round %d provider %s", round, id)
			assert.True(t, avail[id], "round %d unavailable provider %s used", round, id)
			for _, s := range syms {
				assert.True(t, p.Supports(classOf[s]), "round %d %s does not support %s", round, id, s)
				if prev, dup := seen[s]; dup {
					t.Fatalf("round %d: %s assigned to %s and %s", round, s, prev, id)
				}
				seen[s] = id
			}
		}
		assert.Equal(t, len(instruments), len(seen)+len(first.Unassigned), "round %d", round)
	}
}

func TestUsedBy(t *testing.T) {
	a := model.Assignment{"F": {"AAPL", "BTC"}, "B": {"ETH"}}
	classOf := func(s string) model.AssetClass {
		if s == "AAPL" {
			return model.Equity
		}
		return model.Crypto
	}
	got := UsedBy(a, classOf, map[model.AssetClass]bool{model.Crypto: true})
	assert.Equal(t, map[string]int{"F": 1}, got)
}

func TestValidateProfiles(t *testing.T) {
	profiles := []model.ProviderProfile{profile("P1", 1, 1, model.Equity)}
	require.NoError(t, ValidateProfiles(profiles, model.FallbackChains{model.Equity: {"P1"}}))

	err := ValidateProfiles(profiles, model.FallbackChains{model.Crypto: {"P1", "P9"}, model.Forex: {}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown provider P9")
	assert.Contains(t, err.Error(), "does not support")
	assert.Contains(t, err.Error(), "Forex is empty")
}

func TestValidateInstruments_ClassWithoutChain(t *testing.T) {
	chains := model.FallbackChains{model.Equity: {"P1"}}
	require.NoError(t, ValidateInstruments([]model.Instrument{ins("AAPL", model.Equity)}, chains))

	err := ValidateInstruments([]model.Instrument{ins("AAPL", model.Equity), ins("EURUSD", model.Forex)}, chains)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Forex")

	ok, bad, ambiguous := SplitRoutable([]model.Instrument{
		ins("AAPL", model.Equity), ins("MSFT", model.Equity), ins("MSFT", model.Equity), ins("EURUSD", model.Forex),
	}, chains)
	assert.Equal(t, []model.Instrument{ins("AAPL", model.Equity), ins("MSFT", model.Equity)}, ok, "duplicate rows collapse")
	assert.Len(t, bad, 1)
	assert.Empty(t, ambiguous)
}

func TestValidateInstruments_SymbolInTwoClasses(t *testing.T) {
	chains := model.FallbackChains{model.Equity: {"P1"}, model.ETF: {"P1"}}
	list := []model.Instrument{ins("SPY", model.Equity), ins("AAPL", model.Equity), ins("SPY", model.ETF)}

	err := ValidateInstruments(list, chains)
	require.Error(t, err)
	assert.Equal(t, xerr.Config, xerr.KindOf(err))
	assert.Contains(t, err.Error(), "[SPY]")

	// 顺序无关：两个类别的 SPY 都不参与分配
	ok, bad, ambiguous := SplitRoutable(list, chains)
	assert.Equal(t, []model.Instrument{ins("AAPL", model.Equity)}, ok)
	assert.Empty(t, bad)
	assert.Equal(t, []model.Instrument{ins("SPY", model.Equity), ins("SPY", model.ETF)}, ambiguous)
}
