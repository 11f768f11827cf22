package market

import (
	"sort"
	"sync"
)

// Registry owns the live markets of a process, one per symbol.
type Registry struct {
	mu      sync.RWMutex
	markets map[string]*Market
}

func NewRegistry() *Registry {
	return &Registry{markets: make(map[string]*Market)}
}

// GetOrCreate returns the market for symbol, creating an empty one if needed.
func (r *Registry) GetOrCreate(symbol string) *Market {
	r.mu.RLock()
	m, ok := r.markets[symbol]
	r.mu.RUnlock()
	if ok {
		return m
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.markets[symbol]; ok {
		return m
	}
	m = New(symbol)
	r.markets[symbol] = m
	return m
}

func (r *Registry) Get(symbol string) (*Market, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.markets[symbol]
	return m, ok
}

// Put replaces the market stored under its symbol.
func (r *Registry) Put(m *Market) {
	r.mu.Lock()
	r.markets[m.Symbol()] = m
	r.mu.Unlock()
}

// Symbols lists the registered symbols in lexical order.
func (r *Registry) Symbols() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.markets))
	for s := range r.markets {
		out = append(out, s)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.markets)
}
