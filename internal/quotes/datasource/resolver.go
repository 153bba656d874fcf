package datasource

import (
	"sync/atomic"

	"quotefeed.com/internal/quotes/model"
)

// Resolver symbol -> asset class；adapter 做 wire symbol 映射时要知道资产类别
type Resolver interface {
	AssetClass(symbol string) (model.AssetClass, bool)
}

// InstrumentSet 只读快照，Update 整体替换，读方不会看到半更新状态
type InstrumentSet struct {
	snap atomic.Pointer[map[string]model.AssetClass]
}

func NewInstrumentSet(ins []model.Instrument) *InstrumentSet {
	s := &InstrumentSet{}
	s.Update(ins)
	return s
}

func (s *InstrumentSet) Update(ins []model.Instrument) {
	m := make(map[string]model.AssetClass, len(ins))
	for _, in := range ins {
		m[in.Symbol] = in.AssetClass
	}
	s.snap.Store(&m)
}

func (s *InstrumentSet) AssetClass(symbol string) (model.AssetClass, bool) {
	m := s.snap.Load()
	if m == nil {
		return "", false
	}
	c, ok := (*m)[symbol]
	return c, ok
}
