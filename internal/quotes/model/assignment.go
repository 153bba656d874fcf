package model

import (
	"maps"
	"slices"
)

// Assignment provider_id -> 排好序的 symbol 列表。只由编排器写。
type Assignment map[string][]string

func (a Assignment) Clone() Assignment {
	out := make(Assignment, len(a))
	for k, v := range a {
		out[k] = slices.Clone(v)
	}
	return out
}

// Owner symbol 当前归属的 provider
func (a Assignment) Owner(symbol string) (string, bool) {
	for id, syms := range a {
		if _, ok := slices.BinarySearch(syms, symbol); ok {
			return id, true
		}
	}
	return "", false
}

func (a Assignment) Total() int {
	n := 0
	for _, v := range a {
		n += len(v)
	}
	return n
}

// Providers 排序后的 provider 列表（只含非空）
func (a Assignment) Providers() []string {
	out := make([]string, 0, len(a))
	for id, v := range a {
		if len(v) > 0 {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return out
}

func (a Assignment) Equal(b Assignment) bool {
	return maps.EqualFunc(a.compact(), b.compact(), func(x, y []string) bool { return slices.Equal(x, y) })
}

func (a Assignment) compact() Assignment {
	out := make(Assignment, len(a))
	for k, v := range a {
		if len(v) > 0 {
			out[k] = v
		}
	}
	return out
}
