package datasource

import (
	"fmt"
	"sort"
	"sync"

	"quotefeed.com/internal/quotes/model"
)

// Factory 用 profile 构造一个新的 adapter 实例（每次重启都是新实例）
type Factory func(p model.ProviderProfile, d Deps) (Adapter, error)

var (
	regMu     sync.RWMutex
	factories = map[string]Factory{}
)

// Register 由各 provider 包在 init 里调用
func Register(kind string, f Factory) {
	regMu.Lock()
	defer regMu.Unlock()
	if _, dup := factories[kind]; dup {
		panic("datasource: duplicate kind " + kind)
	}
	factories[kind] = f
}

func New(p model.ProviderProfile, d Deps) (Adapter, error) {
	regMu.RLock()
	f := factories[p.Kind]
	regMu.RUnlock()
	if f == nil {
		return nil, fmt.Errorf("datasource: unknown kind %q for provider %s", p.Kind, p.ID)
	}
	return f(p, d.withDefaults())
}

func Kinds() []string {
	regMu.RLock()
	defer regMu.RUnlock()
	out := make([]string, 0, len(factories))
	for k := range factories {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
