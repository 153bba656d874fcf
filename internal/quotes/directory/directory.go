// Package directory 外部标的目录的只读访问。编排器定时拉全量，自己做 diff。
package directory

import (
	"context"
	"fmt"
	"sort"

	"quotefeed.com/internal/quotes/model"
)

type Directory interface {
	// List 返回当前全部活跃标的，按 (asset_class, symbol) 排序
	List(ctx context.Context) ([]model.Instrument, error)
}

// Diff 计算两次快照之间的增删（按 symbol+asset_class）
func Diff(prev, next []model.Instrument) (added, removed []model.Instrument) {
	old := make(map[model.InstrumentKey]struct{}, len(prev))
	for _, in := range prev {
		old[in.Key()] = struct{}{}
	}
	cur := make(map[model.InstrumentKey]struct{}, len(next))
	for _, in := range next {
		cur[in.Key()] = struct{}{}
		if _, ok := old[in.Key()]; !ok {
			added = append(added, in)
		}
	}
	for _, in := range prev {
		if _, ok := cur[in.Key()]; !ok {
			removed = append(removed, in)
		}
	}
	return added, removed
}

func sortInstruments(ins []model.Instrument) {
	sort.Slice(ins, func(i, j int) bool {
		if ins[i].AssetClass != ins[j].AssetClass {
			return ins[i].AssetClass < ins[j].AssetClass
		}
		return ins[i].Symbol < ins[j].Symbol
	})
}

// StaticDirectory 配置文件里写死的标的列表（本地开发 / 没有数据库时）
type StaticDirectory struct {
	items []model.Instrument
}

type StaticItem struct {
	Symbol     string `mapstructure:"symbol"`
	AssetClass string `mapstructure:"asset_class"`
}

func NewStatic(items []StaticItem) (*StaticDirectory, error) {
	out := make([]model.Instrument, 0, len(items))
	for _, it := range items {
		c, err := model.ParseAssetClass(it.AssetClass)
		if err != nil {
			return nil, fmt.Errorf("instrument %s: %w", it.Symbol, err)
		}
		out = append(out, model.Instrument{Symbol: model.NormalizeSymbol(it.Symbol), AssetClass: c, Active: true})
	}
	sortInstruments(out)
	return &StaticDirectory{items: out}, nil
}

func (d *StaticDirectory) List(ctx context.Context) ([]model.Instrument, error) {
	return append([]model.Instrument(nil), d.items...), nil
}
