package mapslicehelp

import (
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

func AsKeys[T comparable](elements []T) map[T]any {
	mapped := make(map[T]any, len(elements))
	for _, element := range elements {
		mapped[element] = struct{}{}
	}
	return mapped
}

// Unique drops repeated elements while keeping the order of first appearance.
func Unique[T comparable](elements []T) []T {
	set := orderedmap.New[T, struct{}]()
	for _, element := range elements {
		set.Set(element, struct{}{})
	}
	if set.Len() == len(elements) {
		return elements
	}
	return OrderedMapKeys(set)
}

func OrderedMapKeys[K comparable, V any](m *orderedmap.OrderedMap[K, V]) []K {
	l := make([]K, m.Len())
	i := 0
	for p := m.Oldest(); p != nil; p = p.Next() {
		l[i] = p.Key
		i++
	}
	return l
}

func OrderedMapValues[K comparable, V any](m *orderedmap.OrderedMap[K, V]) []V {
	l := make([]V, m.Len())
	i := 0
	for p := m.Oldest(); p != nil; p = p.Next() {
		l[i] = p.Value
		i++
	}
	return l
}
