package market

import "tickvault/models"

// Snapshot is a detached copy of a market, used on the wire and for
// persistence.
type Snapshot struct {
	Symbol  string                 `json:"symbol"`
	Trades  []models.Trade         `json:"trades"`
	Candles []models.CandleSimple  `json:"candles"`
	Depths  []models.DepthSnapshot `json:"depths"`
}

// Snapshot copies the current contents of the market.
func (m *Market) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Snapshot{
		Symbol:  m.symbol,
		Trades:  m.trades.values(),
		Candles: m.candles.values(),
		Depths:  cloneDepths(m.depths.items),
	}
}

// FromSnapshot rebuilds a market. Duplicate identities in the snapshot are
// collapsed with the first occurrence kept.
func FromSnapshot(s Snapshot) *Market {
	m := New(s.Symbol)
	m.AddTrades(s.Trades)
	m.AddCandles(s.Candles)
	for _, d := range s.Depths {
		m.AddDepth(d)
	}
	return m
}
