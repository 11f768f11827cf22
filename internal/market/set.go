package market

import "sort"

// orderedSet keeps records in insertion order and rejects any record whose
// key is already present. The first writer wins.
type orderedSet[K comparable, V any] struct {
	key   func(V) K
	items []V
	index map[K]struct{}

	drained func(remaining int) // observes sortChunked progress
}

func newOrderedSet[K comparable, V any](key func(V) K) *orderedSet[K, V] {
	return &orderedSet[K, V]{key: key, index: make(map[K]struct{})}
}

func (s *orderedSet[K, V]) add(v V) bool {
	k := s.key(v)
	if _, ok := s.index[k]; ok {
		return false
	}
	s.index[k] = struct{}{}
	s.items = append(s.items, v)
	return true
}

func (s *orderedSet[K, V]) len() int {
	return len(s.items)
}

func (s *orderedSet[K, V]) values() []V {
	out := make([]V, len(s.items))
	copy(out, s.items)
	return out
}

// removeWhere drops every record matching drop and returns how many went.
func (s *orderedSet[K, V]) removeWhere(drop func(V) bool) int {
	kept := s.items[:0]
	removed := 0
	for _, v := range s.items {
		if drop(v) {
			delete(s.index, s.key(v))
			removed++
			continue
		}
		kept = append(kept, v)
	}
	var zero V
	for i := len(kept); i < len(s.items); i++ {
		s.items[i] = zero
	}
	s.items = kept
	return removed
}

// sortChunked drains the set chunk by chunk into one accumulator, sorts the
// accumulator once and rebuilds the set from it. Drained chunks are cleared
// from the source as they move so only one copy of a record stays reachable.
func (s *orderedSet[K, V]) sortChunked(chunk int, timeOf func(V) int64) {
	if chunk <= 0 {
		chunk = SortChunkSize
	}
	s.index = nil

	var zero V
	acc := make([]V, 0, len(s.items))
	for len(s.items) > 0 {
		n := min(chunk, len(s.items))
		acc = append(acc, s.items[:n]...)
		for i := 0; i < n; i++ {
			s.items[i] = zero
		}
		s.items = s.items[n:]
		if s.drained != nil {
			s.drained(len(s.items))
		}
	}
	s.items = nil

	sort.SliceStable(acc, func(i, j int) bool {
		return timeOf(acc[i]) < timeOf(acc[j])
	})
	s.index = make(map[K]struct{}, len(acc))
	for _, v := range acc {
		s.index[s.key(v)] = struct{}{}
	}
	s.items = acc
}
