package orchestrator

import (
	"errors"
	"fmt"
	"slices"

	"quotefeed.com/internal/quotes/model"
	"quotefeed.com/pkg/xerr"
)

// ValidateProfiles 启动期检查 provider 配置和 fallback chain
func ValidateProfiles(profiles []model.ProviderProfile, chains model.FallbackChains) error {
	var errs []error
	byID := make(map[string]model.ProviderProfile, len(profiles))
	for _, p := range profiles {
		switch {
		case p.ID == "":
			errs = append(errs, errors.New("provider without id"))
			continue
		case byID[p.ID].ID != "":
			errs = append(errs, fmt.Errorf("duplicate provider %s", p.ID))
			continue
		}
		byID[p.ID] = p
		if p.MaxConcurrentSubscriptions <= 0 {
			errs = append(errs, fmt.Errorf("provider %s: max_concurrent_subscriptions must be > 0", p.ID))
		}
		if len(p.AssetClasses) == 0 {
			errs = append(errs, fmt.Errorf("provider %s: no asset_classes", p.ID))
		}
		if p.CallsPerMinute < 0 {
			errs = append(errs, fmt.Errorf("provider %s: calls_per_minute must be >= 0", p.ID))
		}
	}
	for class, chain := range chains {
		if len(chain) == 0 {
			errs = append(errs, fmt.Errorf("fallback chain for %s is empty", class))
		}
		for _, id := range chain {
			p, ok := byID[id]
			if !ok {
				errs = append(errs, fmt.Errorf("fallback chain %s: unknown provider %s", class, id))
				continue
			}
			if !p.Supports(class) {
				errs = append(errs, fmt.Errorf("fallback chain %s: provider %s does not support it", class, id))
			}
		}
	}
	if len(errs) > 0 {
		return xerr.New(xerr.Config, "validate", "", errors.Join(errs...))
	}
	return nil
}

// SplitRoutable 把标的分成三类：可路由的、资产类别没有 fallback chain 的、
// 同一 symbol 挂在多个资产类别下的。分配和订阅都只按 symbol 走，后者无法确定类别，整体剔除；
// 同一类别内的重复行只保留一条。
func SplitRoutable(ins []model.Instrument, chains model.FallbackChains) (ok, unroutable, ambiguous []model.Instrument) {
	classes := make(map[string]map[model.AssetClass]struct{}, len(ins))
	for _, in := range ins {
		if !in.Active {
			continue
		}
		if classes[in.Symbol] == nil {
			classes[in.Symbol] = map[model.AssetClass]struct{}{}
		}
		classes[in.Symbol][in.AssetClass] = struct{}{}
	}
	seen := make(map[model.InstrumentKey]bool, len(ins))
	for _, in := range ins {
		if !in.Active || seen[in.Key()] {
			continue
		}
		seen[in.Key()] = true
		switch {
		case len(classes[in.Symbol]) > 1:
			ambiguous = append(ambiguous, in)
		case len(chains[in.AssetClass]) == 0:
			unroutable = append(unroutable, in)
		default:
			ok = append(ok, in)
		}
	}
	return ok, unroutable, ambiguous
}

// ValidateInstruments 启动时用：有标的的资产类别必须配了 fallback chain，symbol 不能跨类别重复
func ValidateInstruments(ins []model.Instrument, chains model.FallbackChains) error {
	_, bad, ambiguous := SplitRoutable(ins, chains)
	var errs []error
	if len(bad) > 0 {
		var classes []string
		for _, in := range bad {
			if !slices.Contains(classes, string(in.AssetClass)) {
				classes = append(classes, string(in.AssetClass))
			}
		}
		slices.Sort(classes)
		errs = append(errs, fmt.Errorf("%d instrument(s) in asset classes without fallback chain: %v", len(bad), classes))
	}
	if len(ambiguous) > 0 {
		var syms []string
		for _, in := range ambiguous {
			if !slices.Contains(syms, in.Symbol) {
				syms = append(syms, in.Symbol)
			}
		}
		slices.Sort(syms)
		errs = append(errs, fmt.Errorf("symbol(s) listed under more than one asset class: %v", syms))
	}
	if len(errs) > 0 {
		return xerr.New(xerr.Config, "validate", "", errors.Join(errs...))
	}
	return nil
}
