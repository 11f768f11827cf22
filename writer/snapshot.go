package writer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	appconfig "tickvault/config"
	"tickvault/internal/market"
	"tickvault/internal/metadata"
	"tickvault/logger"
)

const (
	tradesFile  = "trades.parquet"
	candlesFile = "candles.parquet"
	depthsFile  = "depths.parquet"

	snapshotTimeFormat = "20060102T150405.000Z"
	keepSnapshots      = 3
)

// Uploader mirrors a finished snapshot file to remote storage.
type Uploader interface {
	Upload(ctx context.Context, key, path string) error
}

// SnapshotWriter periodically persists every market of a registry as a set
// of parquet files and can restore the latest set on startup.
type SnapshotWriter struct {
	cfg      appconfig.SnapshotConfig
	registry *market.Registry
	uploader Uploader
	ctx      context.Context
	wg       *sync.WaitGroup
	mu       sync.RWMutex
	running  bool
	log      *logger.Log
	written  map[string]market.Counts
	flushMu  sync.Mutex
}

// NewSnapshotWriter builds a writer. uploader may be nil.
func NewSnapshotWriter(cfg appconfig.SnapshotConfig, registry *market.Registry, uploader Uploader) *SnapshotWriter {
	return &SnapshotWriter{
		cfg:      cfg,
		registry: registry,
		uploader: uploader,
		wg:       &sync.WaitGroup{},
		log:      logger.GetLogger(),
		written:  make(map[string]market.Counts),
	}
}

func (w *SnapshotWriter) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return fmt.Errorf("snapshot writer already running")
	}
	if err := os.MkdirAll(w.cfg.Dir, 0o755); err != nil {
		return fmt.Errorf("failed to create snapshot dir: %w", err)
	}

	w.ctx = ctx
	w.running = true

	w.log.WithComponent("snapshot_writer").WithFields(logger.Fields{
		"dir":         w.cfg.Dir,
		"interval":    w.cfg.Interval.String(),
		"compression": w.cfg.Compression,
		"upload":      w.uploader != nil,
	}).Info("starting snapshot writer")

	w.wg.Add(1)
	go w.flushWorker()
	return nil
}

func (w *SnapshotWriter) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	w.wg.Wait()
	w.log.WithComponent("snapshot_writer").Info("snapshot writer stopped")
}

func (w *SnapshotWriter) flushWorker() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			w.FlushAll(context.WithoutCancel(w.ctx), "shutdown")
			return
		case <-ticker.C:
			w.FlushAll(w.ctx, "interval")
		}
	}
}

// FlushAll writes every market whose counts changed since its last snapshot.
func (w *SnapshotWriter) FlushAll(ctx context.Context, reason string) {
	w.flushMu.Lock()
	defer w.flushMu.Unlock()

	log := w.log.WithComponent("snapshot_writer").WithFields(logger.Fields{"reason": reason})
	start := time.Now()
	flushed := 0

	for _, symbol := range w.registry.Symbols() {
		m, ok := w.registry.Get(symbol)
		if !ok {
			continue
		}
		counts := m.Counts()
		if counts.Total() == 0 || counts == w.written[symbol] {
			continue
		}
		if _, err := w.WriteMarket(ctx, m); err != nil {
			log.WithError(err).WithFields(logger.Fields{"symbol": symbol}).Error("failed to write snapshot")
			continue
		}
		w.written[symbol] = counts
		flushed++
	}

	logger.LogPerformanceEntry(log, "snapshot_writer", "flush_all", time.Since(start), logger.Fields{
		"markets": flushed,
	})
}

// WriteMarket persists one market and returns the snapshot directory. Files
// are written into a temporary directory which is renamed once complete.
func (w *SnapshotWriter) WriteMarket(ctx context.Context, m *market.Market) (string, error) {
	snap := m.Snapshot()
	now := time.Now().UTC()
	name := fmt.Sprintf("%s_%s", now.Format(snapshotTimeFormat), uuid.NewString()[:8])
	symbolDir := filepath.Join(w.cfg.Dir, snap.Symbol)
	final := filepath.Join(symbolDir, name)
	tmp := final + ".tmp"

	if err := os.MkdirAll(tmp, 0o755); err != nil {
		return "", fmt.Errorf("failed to create snapshot dir: %w", err)
	}

	codec := compressionCodec(w.cfg.Compression)
	trades, candles, depths := tradeRows(snap.Trades), candleRows(snap.Candles), depthRows(snap.Depths)
	err := writeRows(filepath.Join(tmp, tradesFile), trades, codec)
	if err == nil {
		err = writeRows(filepath.Join(tmp, candlesFile), candles, codec)
	}
	if err == nil {
		err = writeRows(filepath.Join(tmp, depthsFile), depths, codec)
	}
	if err == nil {
		manifest := metadata.NewManifest(snap.Symbol, now)
		err = writeManifest(tmp, manifest, len(trades), len(candles), len(depths))
	}
	if err == nil {
		err = os.Rename(tmp, final)
	}
	if err != nil {
		os.RemoveAll(tmp)
		return "", err
	}

	logger.LogDataFlowEntry(w.log.WithComponent("snapshot_writer"), "market", final,
		len(snap.Trades)+len(snap.Candles)+len(snap.Depths), "snapshot")

	if w.uploader != nil {
		if err := w.upload(ctx, snap.Symbol, name, final); err != nil {
			// the local copy stays valid
			w.log.WithComponent("snapshot_writer").WithError(err).WithFields(logger.Fields{
				"symbol": snap.Symbol,
				"dir":    final,
			}).Warn("snapshot upload failed")
		}
	}

	w.prune(symbolDir)
	return final, nil
}

func (w *SnapshotWriter) upload(ctx context.Context, symbol, name, dir string) error {
	for _, file := range []string{tradesFile, candlesFile, depthsFile, metadata.FileName} {
		path := filepath.Join(dir, file)
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		key := strings.Join([]string{symbol, name, file}, "/")
		if err := w.uploader.Upload(ctx, key, path); err != nil {
			return err
		}
		logger.IncrementS3Write(info.Size())
	}
	return nil
}

// writeManifest records the row count of every parquet file in dir.
func writeManifest(dir string, manifest *metadata.Manifest, trades, candles, depths int) error {
	files := []struct {
		name, kind string
		records    int
	}{
		{tradesFile, "trades", trades},
		{candlesFile, "candles", candles},
		{depthsFile, "depths", depths},
	}
	for _, f := range files {
		if err := manifest.AddFile(dir, f.name, f.kind, f.records); err != nil {
			return err
		}
	}
	return manifest.Write(dir)
}

// prune removes all but the newest snapshots of a symbol.
func (w *SnapshotWriter) prune(symbolDir string) {
	names, err := snapshotNames(symbolDir)
	if err != nil || len(names) <= keepSnapshots {
		return
	}
	for _, name := range names[:len(names)-keepSnapshots] {
		if err := os.RemoveAll(filepath.Join(symbolDir, name)); err != nil {
			w.log.WithComponent("snapshot_writer").WithError(err).Warn("failed to prune snapshot")
		}
	}
}

// snapshotNames lists completed snapshot directories, oldest first.
func snapshotNames(symbolDir string) ([]string, error) {
	entries, err := os.ReadDir(symbolDir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() && !strings.HasSuffix(e.Name(), ".tmp") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// ReadSnapshot loads the market stored in one snapshot directory.
func ReadSnapshot(symbol, dir string) (*market.Market, error) {
	trades, err := readRows[TradeRow](filepath.Join(dir, tradesFile))
	if err != nil {
		return nil, err
	}
	candles, err := readRows[CandleRow](filepath.Join(dir, candlesFile))
	if err != nil {
		return nil, err
	}
	depths, err := readRows[DepthRow](filepath.Join(dir, depthsFile))
	if err != nil {
		return nil, err
	}

	manifest, ok, err := metadata.Read(dir)
	if err != nil {
		return nil, err
	}
	if ok {
		if manifest.Records("trades") != int64(len(trades)) ||
			manifest.Records("candles") != int64(len(candles)) ||
			manifest.Records("depths") != int64(len(depths)) {
			return nil, fmt.Errorf("snapshot %s does not match its manifest", dir)
		}
	}

	return market.FromSnapshot(market.Snapshot{
		Symbol:  symbol,
		Trades:  tradesFromRows(trades),
		Candles: candlesFromRows(candles),
		Depths:  depthsFromRows(depths),
	}), nil
}

// Latest returns the newest snapshot of symbol below dir. ok is false when
// none exists.
func Latest(dir, symbol string) (m *market.Market, ok bool, err error) {
	symbolDir := filepath.Join(dir, symbol)
	names, err := snapshotNames(symbolDir)
	if os.IsNotExist(err) || (err == nil && len(names) == 0) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	m, err = ReadSnapshot(symbol, filepath.Join(symbolDir, names[len(names)-1]))
	if err != nil {
		return nil, false, err
	}
	return m, true, nil
}

// Restore merges the latest snapshot of each symbol into the registry.
func (w *SnapshotWriter) Restore(symbols []string) error {
	log := w.log.WithComponent("snapshot_writer")
	for _, symbol := range symbols {
		m, ok, err := Latest(w.cfg.Dir, symbol)
		if err != nil {
			return fmt.Errorf("failed to restore %s: %w", symbol, err)
		}
		if !ok {
			continue
		}
		live := w.registry.GetOrCreate(symbol)
		if err := live.Merge(m); err != nil {
			return err
		}
		live.Sort()

		counts := live.Counts()
		w.flushMu.Lock()
		w.written[symbol] = counts
		w.flushMu.Unlock()

		log.WithFields(logger.Fields{
			"symbol":  symbol,
			"trades":  counts.Trades,
			"candles": counts.Candles,
			"depths":  counts.Depths,
		}).Info("restored market snapshot")
	}
	return nil
}
