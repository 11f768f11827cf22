package market

import (
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"tickvault/models"
)

func trade(id, ts int64) models.Trade {
	return models.Trade{ID: id, Time: ts, Price: 100, Qty: 1}
}

func candle(openTime int64, close float64) models.CandleSimple {
	return models.CandleSimple{OpenTime: openTime, Open: close, High: close, Low: close, Close: close}
}

func TestAddTradesFirstWriterWins(t *testing.T) {
	m := New("BTCUSDT")
	m.AddTrades([]models.Trade{trade(1, 10), trade(2, 20)})
	dup := trade(1, 99)
	dup.Price = 1
	m.AddTrades([]models.Trade{dup, trade(3, 30)})

	got := m.Trades()
	if len(got) != 3 {
		t.Fatalf("expected 3 trades, got %d", len(got))
	}
	if got[0].Time != 10 || got[0].Price != 100 {
		t.Fatalf("duplicate id replaced the original trade: %+v", got[0])
	}
	if got[2].ID != 3 {
		t.Fatalf("insertion order not kept: %+v", got)
	}
}

func TestAddEmptyBatchIsNoop(t *testing.T) {
	m := New("BTCUSDT")
	m.AddTrades(nil)
	m.AddCandles([]models.CandleSimple{})
	if m.Counts().Total() != 0 {
		t.Fatalf("expected empty market, got %+v", m.Counts())
	}
}

func TestAddDepthUniqueByDate(t *testing.T) {
	m := New("BTCUSDT")
	m.AddDepth(models.DepthSnapshot{Date: 5, Bids: []models.OrderLevel{{Price: 1, Qty: 1}}})
	m.AddDepth(models.DepthSnapshot{Date: 5, Bids: []models.OrderLevel{{Price: 2, Qty: 2}}})
	d := m.Depths()
	if len(d) != 1 || d[0].Bids[0].Price != 1 {
		t.Fatalf("unexpected depth collection: %+v", d)
	}
}

func TestConcurrentAddsKeepUniqueness(t *testing.T) {
	m := New("BTCUSDT")
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			batch := make([]models.Trade, 0, 500)
			for i := int64(0); i < 500; i++ {
				batch = append(batch, trade(i, i*10))
			}
			m.AddTrades(batch)
		}()
	}
	wg.Wait()
	if n := m.Counts().Trades; n != 500 {
		t.Fatalf("expected 500 unique trades, got %d", n)
	}
}

func TestMergeSymbolMismatch(t *testing.T) {
	a := New("BTCUSDT")
	a.AddTrades([]models.Trade{trade(1, 1)})
	b := New("ETHUSDT")
	b.AddTrades([]models.Trade{trade(2, 2)})

	err := a.Merge(b)
	if !errors.Is(err, ErrSymbolMismatch) {
		t.Fatalf("expected ErrSymbolMismatch, got %v", err)
	}
	if a.Counts().Trades != 1 || b.Counts().Trades != 1 {
		t.Fatalf("mismatched merge mutated a market")
	}
}

func TestMergeExistingRecordsWin(t *testing.T) {
	a := New("BTCUSDT")
	a.AddCandles([]models.CandleSimple{candle(0, 1)})
	b := New("BTCUSDT")
	b.AddCandles([]models.CandleSimple{candle(0, 2), candle(60_000, 3)})
	b.AddDepth(models.DepthSnapshot{Date: 7})

	if err := a.Merge(b); err != nil {
		t.Fatalf("merge: %v", err)
	}
	c := a.Candles()
	if len(c) != 2 || c[0].Close != 1 {
		t.Fatalf("unexpected candles after merge: %+v", c)
	}
	if a.Counts().Depths != 1 {
		t.Fatalf("depth not merged")
	}
	if b.Counts().Candles != 2 {
		t.Fatalf("merge mutated the source market")
	}
}

func TestMergeSelf(t *testing.T) {
	a := New("BTCUSDT")
	a.AddTrades([]models.Trade{trade(1, 1), trade(2, 2)})
	if err := a.Merge(a); err != nil {
		t.Fatalf("self merge: %v", err)
	}
	if a.Counts().Trades != 2 {
		t.Fatalf("self merge changed trade count: %d", a.Counts().Trades)
	}
}

func TestSortOrdersAndIsStable(t *testing.T) {
	m := New("BTCUSDT")
	m.AddTrades([]models.Trade{trade(3, 300), trade(1, 100), trade(5, 100), trade(2, 200)})
	m.AddCandles([]models.CandleSimple{candle(120_000, 1), candle(0, 1), candle(60_000, 1)})
	m.Sort()

	got := m.Trades()
	wantIDs := []int64{1, 5, 2, 3}
	for i, id := range wantIDs {
		if got[i].ID != id {
			t.Fatalf("trade order after sort = %+v, want ids %v", got, wantIDs)
		}
	}
	c := m.Candles()
	for i := 1; i < len(c); i++ {
		if c[i-1].OpenTime > c[i].OpenTime {
			t.Fatalf("candles not sorted: %+v", c)
		}
	}

	m.Sort()
	again := m.Trades()
	for i := range got {
		if got[i] != again[i] {
			t.Fatalf("sort is not idempotent")
		}
	}
}

func TestSortLargerThanChunk(t *testing.T) {
	m := New("BTCUSDT")
	n := SortChunkSize*2 + 17
	batch := make([]models.Trade, 0, n)
	for i := n; i > 0; i-- {
		batch = append(batch, trade(int64(i), int64(i)))
	}
	m.AddTrades(batch)
	m.Sort()
	got := m.Trades()
	if len(got) != n {
		t.Fatalf("lost records while sorting: %d", len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i-1].Time > got[i].Time {
			t.Fatalf("trades out of order at %d", i)
		}
	}
}

func TestSortChunkedReleasesSource(t *testing.T) {
	set := newOrderedSet(func(tr models.Trade) int64 { return tr.ID })
	for i := 10; i > 0; i-- {
		set.add(trade(int64(i), int64(i)))
	}

	var remaining []int
	set.drained = func(n int) {
		if set.index != nil {
			t.Fatal("index kept alive while draining")
		}
		remaining = append(remaining, n)
	}
	set.sortChunked(4, func(tr models.Trade) int64 { return tr.Time })

	if len(remaining) != 3 || remaining[0] != 6 || remaining[1] != 2 || remaining[2] != 0 {
		t.Fatalf("unexpected drain progress %v", remaining)
	}
	if set.len() != 10 || set.items[0].ID != 1 || set.items[9].ID != 10 {
		t.Fatalf("set not rebuilt in order: %+v", set.items)
	}
	if set.add(trade(3, 99)) {
		t.Fatal("index not rebuilt after sort")
	}
}

func TestWindowedTrades(t *testing.T) {
	m := New("BTCUSDT")
	m.AddTrades([]models.Trade{
		trade(1, 30_000), trade(2, 59_999), trade(3, 60_000),
		trade(4, 119_999), trade(5, 120_000), trade(6, 185_000),
	})

	got := m.WindowedTrades(59_999, 120_000)
	if len(got) != 3 {
		t.Fatalf("expected 3 trades in window, got %+v", got)
	}
	if got[0].ID != 2 || got[2].ID != 4 {
		t.Fatalf("unexpected window contents: %+v", got)
	}

	// index must be rebuilt after a mutation
	m.AddTrades([]models.Trade{trade(7, 90_000)})
	got = m.WindowedTrades(60_000, 120_000)
	if len(got) != 3 || got[1].ID != 7 {
		t.Fatalf("window did not see new trade: %+v", got)
	}

	if all := m.WindowedTrades(0, 1<<62); len(all) != 7 {
		t.Fatalf("wide window returned %d trades", len(all))
	}
	if none := m.WindowedTrades(10, 10); len(none) != 0 {
		t.Fatalf("empty window returned trades")
	}
}

func TestWindowedTradesExtremeBounds(t *testing.T) {
	m := New("BTCUSDT")
	m.AddTrades([]models.Trade{trade(1, -20), trade(2, 60_000), trade(3, math.MaxInt64 - 1)})

	done := make(chan []models.Trade, 1)
	go func() { done <- m.WindowedTrades(math.MinInt64, math.MaxInt64) }()

	select {
	case got := <-done:
		if len(got) != 3 || got[0].ID != 1 || got[2].ID != 3 {
			t.Fatalf("unexpected window contents: %+v", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("full-range window did not return")
	}

	// negative times truncate toward zero when bucketed
	if got := m.WindowedTrades(-30, -10); len(got) != 1 || got[0].ID != 1 {
		t.Fatalf("negative window returned %+v", got)
	}
	if got := m.WindowedTrades(math.MaxInt64-60_000, math.MaxInt64); len(got) != 1 || got[0].ID != 3 {
		t.Fatalf("window at the upper bound returned %+v", got)
	}
}

func TestLimitToDays(t *testing.T) {
	m := New("BTCUSDT")
	day := models.DayMs
	m.AddTrades([]models.Trade{trade(1, 0), trade(2, day-1), trade(3, day)})
	m.AddCandles([]models.CandleSimple{candle(0, 1), candle(2*day, 1)})
	m.AddDepth(models.DepthSnapshot{Date: day + 5})

	if m.LimitToDays(1) != m {
		t.Fatalf("LimitToDays must return the receiver")
	}
	c := m.Counts()
	if c.Trades != 2 || c.Candles != 1 || c.Depths != 0 {
		t.Fatalf("unexpected counts after limit: %+v", c)
	}
	for _, tr := range m.Trades() {
		if tr.Time >= day {
			t.Fatalf("trade beyond cutoff kept: %+v", tr)
		}
	}
}

func TestLimitToDaysEmptyMarket(t *testing.T) {
	m := New("BTCUSDT").LimitToDays(3)
	if m.Counts().Total() != 0 {
		t.Fatalf("expected empty market")
	}
}

func TestFees(t *testing.T) {
	usdt := New("BTCUSDT")
	if usdt.TakerFee() != 0.0005 || usdt.MakerFee() != 0.0002 {
		t.Fatalf("unexpected USDT fees: %v %v", usdt.TakerFee(), usdt.MakerFee())
	}
	coin := New("BTCUSD_PERP")
	if coin.TakerFee() != 0.0004 || coin.MakerFee() != 0 {
		t.Fatalf("unexpected coin fees: %v %v", coin.TakerFee(), coin.MakerFee())
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	m := New("BTCUSDT")
	m.AddTrades([]models.Trade{trade(1, 1)})
	m.AddCandles([]models.CandleSimple{candle(0, 2)})
	m.AddDepth(models.DepthSnapshot{Date: 3, Asks: []models.OrderLevel{{Price: 4, Qty: 5}}})

	cp := FromSnapshot(m.Snapshot())
	if cp.Symbol() != "BTCUSDT" || cp.Counts() != m.Counts() {
		t.Fatalf("snapshot copy differs: %+v vs %+v", cp.Counts(), m.Counts())
	}
	last, ok := cp.LastCandle()
	if !ok || last.Close != 2 {
		t.Fatalf("unexpected last candle %+v", last)
	}
}

func TestRegistryGetOrCreate(t *testing.T) {
	r := NewRegistry()
	a := r.GetOrCreate("ETHUSDT")
	b := r.GetOrCreate("ETHUSDT")
	if a != b {
		t.Fatalf("registry created two markets for one symbol")
	}
	r.GetOrCreate("BTCUSDT")
	syms := r.Symbols()
	if len(syms) != 2 || syms[0] != "BTCUSDT" {
		t.Fatalf("unexpected symbols %v", syms)
	}
	if _, ok := r.Get("XRPUSDT"); ok {
		t.Fatalf("unexpected market for unknown symbol")
	}
}
