package writer

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	appconfig "tickvault/config"
	"tickvault/internal/market"
	"tickvault/internal/metadata"
	"tickvault/models"
)

type recordingUploader struct {
	mu   sync.Mutex
	keys []string
}

func (u *recordingUploader) Upload(_ context.Context, key, path string) error {
	if _, err := os.Stat(path); err != nil {
		return err
	}
	u.mu.Lock()
	u.keys = append(u.keys, key)
	u.mu.Unlock()
	return nil
}

func sampleMarket() *market.Market {
	m := market.New("BTCUSDT")
	m.AddTrades([]models.Trade{
		{ID: 1, Time: 1_000, Price: 100, Qty: 1, IsBuyerMaker: true},
		{ID: 2, Time: 2_000, Price: 101, Qty: 0.5},
		{ID: 3, Time: 61_000, Price: 102, Qty: 2},
	})
	m.AddCandles([]models.CandleSimple{
		{OpenTime: 0, Open: 100, High: 101, Low: 99, Close: 100.5, Volume: models.NewVolume(1000, 10, 600)},
		{OpenTime: 60_000, Open: 100.5, High: 103, Low: 100, Close: 102, Volume: models.NewVolume(500, 5, 100)},
	})
	m.AddDepth(models.DepthSnapshot{
		Date: 5_000,
		Bids: []models.OrderLevel{{Price: 100, Qty: 3}, {Price: 99.5, Qty: 1}},
		Asks: []models.OrderLevel{{Price: 100.5, Qty: 2}},
	})
	m.AddDepth(models.DepthSnapshot{Date: 10_000})
	return m
}

func newTestWriter(t *testing.T, registry *market.Registry, uploader Uploader) *SnapshotWriter {
	t.Helper()
	cfg := appconfig.SnapshotConfig{
		Enabled:     true,
		Dir:         t.TempDir(),
		Interval:    time.Hour,
		Compression: "snappy",
	}
	return NewSnapshotWriter(cfg, registry, uploader)
}

func TestWriteAndReadSnapshot(t *testing.T) {
	up := &recordingUploader{}
	w := newTestWriter(t, market.NewRegistry(), up)

	dir, err := w.WriteMarket(context.Background(), sampleMarket())
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if strings.HasSuffix(dir, ".tmp") {
		t.Fatalf("snapshot left in temporary dir %s", dir)
	}

	m, ok, err := Latest(w.cfg.Dir, "BTCUSDT")
	if err != nil || !ok {
		t.Fatalf("latest: ok=%v err=%v", ok, err)
	}
	if c := m.Counts(); c.Trades != 3 || c.Candles != 2 || c.Depths != 2 {
		t.Fatalf("unexpected counts %+v", c)
	}

	trades := m.Trades()
	if trades[0].ID != 1 || !trades[0].IsBuyerMaker || trades[2].Price != 102 {
		t.Fatalf("trade fields lost: %+v", trades)
	}
	candle := m.Candles()[0]
	if candle.Volume.TakerBuyQuoteVolume != 600 || candle.Volume.DeltaUSDT != 200 {
		t.Fatalf("candle volume not rebuilt: %+v", candle.Volume)
	}

	depths := m.Depths()
	if len(depths[0].Bids) != 2 || depths[0].Bids[1].Price != 99.5 || len(depths[0].Asks) != 1 {
		t.Fatalf("depth levels lost: %+v", depths[0])
	}
	if depths[1].Date != 10_000 || len(depths[1].Bids)+len(depths[1].Asks) != 0 {
		t.Fatalf("empty depth snapshot not preserved: %+v", depths[1])
	}

	if len(up.keys) != 4 {
		t.Fatalf("expected 3 tables and a manifest, got %v", up.keys)
	}
	for _, k := range up.keys {
		if !strings.HasPrefix(k, "BTCUSDT/"+filepath.Base(dir)+"/") {
			t.Fatalf("unexpected key %s", k)
		}
	}
}

func TestLatestWithoutSnapshots(t *testing.T) {
	_, ok, err := Latest(t.TempDir(), "ETHUSDT")
	if err != nil || ok {
		t.Fatalf("expected miss, got ok=%v err=%v", ok, err)
	}
}

func TestRestoreUsesNewestSnapshot(t *testing.T) {
	w := newTestWriter(t, market.NewRegistry(), nil)
	m := sampleMarket()
	if _, err := w.WriteMarket(context.Background(), m); err != nil {
		t.Fatalf("first write: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	m.AddTrades([]models.Trade{{ID: 4, Time: 62_000, Price: 103, Qty: 1}})
	if _, err := w.WriteMarket(context.Background(), m); err != nil {
		t.Fatalf("second write: %v", err)
	}

	registry := market.NewRegistry()
	restorer := NewSnapshotWriter(w.cfg, registry, nil)
	if err := restorer.Restore([]string{"BTCUSDT", "ETHUSDT"}); err != nil {
		t.Fatalf("restore: %v", err)
	}

	live, ok := registry.Get("BTCUSDT")
	if !ok || live.Counts().Trades != 4 {
		t.Fatalf("expected restored market with 4 trades, got ok=%v", ok)
	}
	if _, ok := registry.Get("ETHUSDT"); ok {
		t.Fatalf("symbol without snapshot should not be created")
	}
}

func TestFlushAllSkipsUnchangedMarkets(t *testing.T) {
	registry := market.NewRegistry()
	registry.Put(sampleMarket())
	registry.GetOrCreate("ETHUSDT")
	w := newTestWriter(t, registry, nil)

	ctx := context.Background()
	w.FlushAll(ctx, "test")
	w.FlushAll(ctx, "test")

	names, err := snapshotNames(filepath.Join(w.cfg.Dir, "BTCUSDT"))
	if err != nil || len(names) != 1 {
		t.Fatalf("expected one snapshot, got %v err=%v", names, err)
	}
	if _, err := os.Stat(filepath.Join(w.cfg.Dir, "ETHUSDT")); !os.IsNotExist(err) {
		t.Fatalf("empty market should not be written")
	}

	time.Sleep(5 * time.Millisecond)
	m, _ := registry.Get("BTCUSDT")
	m.AddTrades([]models.Trade{{ID: 9, Time: 70_000, Price: 104, Qty: 1}})
	w.FlushAll(ctx, "test")

	names, _ = snapshotNames(filepath.Join(w.cfg.Dir, "BTCUSDT"))
	if len(names) != 2 {
		t.Fatalf("expected a second snapshot after new data, got %v", names)
	}
}

func TestPruneKeepsNewestSnapshots(t *testing.T) {
	w := newTestWriter(t, market.NewRegistry(), nil)
	m := sampleMarket()
	var last string
	for i := 0; i < keepSnapshots+2; i++ {
		dir, err := w.WriteMarket(context.Background(), m)
		if err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
		last = filepath.Base(dir)
		time.Sleep(2 * time.Millisecond)
	}

	names, err := snapshotNames(filepath.Join(w.cfg.Dir, "BTCUSDT"))
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(names) != keepSnapshots || names[len(names)-1] != last {
		t.Fatalf("unexpected snapshots after prune: %v (last %s)", names, last)
	}
}

func TestSnapshotWriterLifecycle(t *testing.T) {
	registry := market.NewRegistry()
	registry.Put(sampleMarket())
	w := newTestWriter(t, registry, nil)

	ctx, cancel := context.WithCancel(context.Background())
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := w.Start(ctx); err == nil {
		t.Fatalf("expected second start to fail")
	}
	cancel()
	w.Stop()

	// shutdown flush
	if _, ok, err := Latest(w.cfg.Dir, "BTCUSDT"); err != nil || !ok {
		t.Fatalf("expected snapshot written on shutdown, ok=%v err=%v", ok, err)
	}
}

func TestReadSnapshotRejectsManifestMismatch(t *testing.T) {
	w := newTestWriter(t, market.NewRegistry(), nil)

	dir, err := w.WriteMarket(context.Background(), sampleMarket())
	if err != nil {
		t.Fatalf("write: %v", err)
	}

	manifest, ok, err := metadata.Read(dir)
	if err != nil || !ok {
		t.Fatalf("manifest: ok=%v err=%v", ok, err)
	}
	if manifest.Records("trades") != 3 || manifest.Symbol != "BTCUSDT" {
		t.Fatalf("unexpected manifest %+v", manifest)
	}

	manifest.Files[0].RecordCount++
	if err := manifest.Write(dir); err != nil {
		t.Fatalf("rewrite manifest: %v", err)
	}
	if _, err := ReadSnapshot("BTCUSDT", dir); err == nil {
		t.Fatal("expected mismatch error")
	}
}
