package market

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"tickvault/logger"
	"tickvault/models"
)

// SortChunkSize is the number of records drained per step by Sort.
const SortChunkSize = 10_000

var ErrSymbolMismatch = errors.New("symbol mismatch")

// Counts reports the size of each collection.
type Counts struct {
	Trades  int `json:"trades"`
	Candles int `json:"candles"`
	Depths  int `json:"depths"`
}

// Total returns the number of records across all collections.
func (c Counts) Total() int {
	return c.Trades + c.Candles + c.Depths
}

// Market is the in-memory store of trades, candles and depth snapshots for
// one symbol. A single mutex guards all three collections and the minute
// index, so every operation sees a consistent view.
type Market struct {
	symbol string

	mu          sync.Mutex
	trades      *orderedSet[int64, models.Trade]
	candles     *orderedSet[int64, models.CandleSimple]
	depths      *orderedSet[int64, models.DepthSnapshot]
	minuteIndex map[int64][]models.Trade

	log *logger.Log
}

func New(symbol string) *Market {
	return &Market{
		symbol:  symbol,
		trades:  newOrderedSet(func(t models.Trade) int64 { return t.ID }),
		candles: newOrderedSet(func(c models.CandleSimple) int64 { return c.OpenTime }),
		depths:  newOrderedSet(func(d models.DepthSnapshot) int64 { return d.Date }),
		log:     logger.GetLogger(),
	}
}

func (m *Market) Symbol() string {
	return m.symbol
}

// AddTrades inserts trades whose id is not yet known.
func (m *Market) AddTrades(batch []models.Trade) {
	if len(batch) == 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.addTradesLocked(batch)
}

func (m *Market) addTradesLocked(batch []models.Trade) {
	for _, t := range batch {
		m.trades.add(t)
	}
	m.minuteIndex = nil
}

// AddCandles inserts candles whose open time is not yet known.
func (m *Market) AddCandles(batch []models.CandleSimple) {
	if len(batch) == 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range batch {
		m.candles.add(c)
	}
}

// AddDepth inserts the snapshot unless one with the same date exists.
func (m *Market) AddDepth(snapshot models.DepthSnapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.depths.add(snapshot.Clone())
}

// Merge unions other into m. Records already held by m win. Merging
// markets of different symbols fails without touching either side.
func (m *Market) Merge(other *Market) error {
	if other == nil {
		return nil
	}
	if other.symbol != m.symbol {
		return fmt.Errorf("merge %s into %s: %w", other.symbol, m.symbol, ErrSymbolMismatch)
	}

	snap := other.Snapshot()

	m.mu.Lock()
	defer m.mu.Unlock()
	if len(snap.Trades) > 0 {
		m.addTradesLocked(snap.Trades)
	}
	for _, c := range snap.Candles {
		m.candles.add(c)
	}
	for _, d := range snap.Depths {
		m.depths.add(d)
	}
	return nil
}

// Sort orders every collection by its time key. Records sharing a time key
// keep their relative order.
func (m *Market) Sort() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trades.sortChunked(SortChunkSize, func(t models.Trade) int64 { return t.Time })
	m.candles.sortChunked(SortChunkSize, func(c models.CandleSimple) int64 { return c.OpenTime })
	m.depths.sortChunked(SortChunkSize, func(d models.DepthSnapshot) int64 { return d.Date })
	m.minuteIndex = nil
}

// WindowedTrades returns every trade with startMs <= time < endMs in
// ascending time order.
func (m *Market) WindowedTrades(startMs, endMs int64) []models.Trade {
	if endMs <= startMs {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.minuteIndex == nil {
		m.buildMinuteIndexLocked()
	}

	first := models.MinuteBucket(startMs)
	last := models.MinuteBucket(endMs - 1)
	var out []models.Trade
	collect := func(bucket []models.Trade) {
		for _, t := range bucket {
			if t.Time >= startMs && t.Time < endMs {
				out = append(out, t)
			}
		}
	}

	// Walk minute by minute for narrow windows, otherwise scan the buckets.
	// The span is unsigned since last-first overflows int64 for wide windows.
	steps := (uint64(last) - uint64(first)) / uint64(models.MinuteMs)
	if steps < uint64(len(m.minuteIndex)) {
		for i := uint64(0); i <= steps; i++ {
			collect(m.minuteIndex[first+int64(i)*models.MinuteMs])
		}
	} else {
		for b, bucket := range m.minuteIndex {
			if b >= first && b <= last {
				collect(bucket)
			}
		}
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Time < out[j].Time })
	return out
}

func (m *Market) buildMinuteIndexLocked() {
	idx := make(map[int64][]models.Trade)
	for _, t := range m.trades.items {
		b := models.MinuteBucket(t.Time)
		idx[b] = append(idx[b], t)
	}
	m.minuteIndex = idx
}

// LimitToDays keeps only records newer than days after the earliest record
// of the market. It returns the receiver.
func (m *Market) LimitToDays(days int) *Market {
	if days <= 0 {
		return m
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	earliest, ok := m.earliestLocked()
	if !ok {
		return m
	}
	cutoff := earliest + int64(days)*models.DayMs
	before := m.countsLocked()

	m.trades.removeWhere(func(t models.Trade) bool { return t.Time >= cutoff })
	m.candles.removeWhere(func(c models.CandleSimple) bool { return c.OpenTime >= cutoff })
	m.depths.removeWhere(func(d models.DepthSnapshot) bool { return d.Date >= cutoff })
	m.minuteIndex = nil

	after := m.countsLocked()
	m.log.WithComponent("market").WithFields(logger.Fields{
		"symbol":         m.symbol,
		"days":           days,
		"cutoff":         cutoff,
		"trades_before":  before.Trades,
		"trades_after":   after.Trades,
		"candles_before": before.Candles,
		"candles_after":  after.Candles,
		"depths_before":  before.Depths,
		"depths_after":   after.Depths,
	}).Info("market limited to days")
	return m
}

func (m *Market) earliestLocked() (int64, bool) {
	var earliest int64
	found := false
	consider := func(ts int64) {
		if !found || ts < earliest {
			earliest = ts
			found = true
		}
	}
	for _, t := range m.trades.items {
		consider(t.Time)
	}
	for _, c := range m.candles.items {
		consider(c.OpenTime)
	}
	for _, d := range m.depths.items {
		consider(d.Date)
	}
	return earliest, found
}

// TakerFee returns the taker commission rate for the symbol.
func (m *Market) TakerFee() float64 {
	if strings.HasSuffix(m.symbol, "USDT") {
		return 0.0005
	}
	return 0.0004
}

// MakerFee returns the maker commission rate for the symbol.
func (m *Market) MakerFee() float64 {
	if strings.HasSuffix(m.symbol, "USDT") {
		return 0.0002
	}
	return 0
}

func (m *Market) Trades() []models.Trade {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.trades.values()
}

func (m *Market) Candles() []models.CandleSimple {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.candles.values()
}

func (m *Market) Depths() []models.DepthSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return cloneDepths(m.depths.items)
}

func (m *Market) Counts() Counts {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.countsLocked()
}

func (m *Market) countsLocked() Counts {
	return Counts{Trades: m.trades.len(), Candles: m.candles.len(), Depths: m.depths.len()}
}

// LastCandle returns the candle with the latest open time.
func (m *Market) LastCandle() (models.CandleSimple, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var last models.CandleSimple
	found := false
	for _, c := range m.candles.items {
		if !found || c.OpenTime > last.OpenTime {
			last = c
			found = true
		}
	}
	return last, found
}

func cloneDepths(in []models.DepthSnapshot) []models.DepthSnapshot {
	out := make([]models.DepthSnapshot, len(in))
	for i, d := range in {
		out[i] = d.Clone()
	}
	return out
}
