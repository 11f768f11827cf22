package loader

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"time"

	"tickvault/internal/cache"
	"tickvault/internal/market"
	"tickvault/logger"
	"tickvault/models"
)

const DefaultBatchSize = 10_000

// ErrIncompleteData is returned when a month lacks candles or trades in a
// common time window.
var ErrIncompleteData = errors.New("incomplete data")

// ArchiveSource resolves a monthly archive to a local file.
type ArchiveSource interface {
	Ensure(ctx context.Context, symbol string, kind Kind, ym YearMonth) (string, error)
}

type Options struct {
	Reference YearMonth
	BatchSize int
	Workers   int
}

// Loader builds markets from monthly archives.
type Loader struct {
	opts   Options
	source ArchiveSource
	log    *logger.Log
}

func New(source ArchiveSource, opts Options) *Loader {
	if opts.Reference.Year == 0 {
		opts.Reference = DefaultReference
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.Workers <= 0 {
		opts.Workers = runtime.NumCPU()
	}
	return &Loader{opts: opts, source: source, log: logger.GetLogger()}
}

// Load returns the sorted market of one month, trimmed to the window covered
// by both candles and trades.
func (l *Loader) Load(ctx context.Context, symbol string, monthIndex int) (*market.Market, error) {
	ym := MonthFor(l.opts.Reference, monthIndex)
	log := l.log.WithComponent("loader").WithFields(logger.Fields{
		"symbol":      symbol,
		"month":       ym.String(),
		"month_index": monthIndex,
	})
	start := time.Now()

	candlePath, err := l.source.Ensure(ctx, symbol, KindKlines, ym)
	if err != nil {
		return nil, err
	}
	tradePath, err := l.source.Ensure(ctx, symbol, KindTrades, ym)
	if err != nil {
		return nil, err
	}

	candles, err := loadSeries(ctx, l, candlePath, cache.ReadCandles, cache.WriteCandles, parseCandleLine)
	if err != nil {
		return nil, fmt.Errorf("load candles %s: %w", ym, err)
	}
	trades, err := loadSeries(ctx, l, tradePath, cache.ReadTrades, cache.WriteTrades, parseTradeLine)
	if err != nil {
		return nil, fmt.Errorf("load trades %s: %w", ym, err)
	}

	candles, trades, err = align(candles, trades)
	if err != nil {
		log.WithFields(logger.Fields{"candles": len(candles), "trades": len(trades)}).Warn("month has no common window")
		return nil, fmt.Errorf("%s %s: %w", symbol, ym, err)
	}

	m := market.New(symbol)
	m.AddCandles(candles)
	m.AddTrades(trades)
	m.Sort()

	logger.LogDataFlowEntry(log, "archive", "market", len(candles)+len(trades), "history")
	logger.LogPerformanceEntry(log, "loader", "load_month", time.Since(start), nil)
	return m, nil
}

// LoadRange merges months 1..months into one market. Loading stops early
// when an older month is missing or incomplete, as long as at least one
// month was loaded.
func (l *Loader) LoadRange(ctx context.Context, symbol string, months int) (*market.Market, error) {
	if months < 1 {
		months = 1
	}
	var result *market.Market
	for idx := 1; idx <= months; idx++ {
		m, err := l.Load(ctx, symbol, idx)
		if err != nil {
			if result != nil && (errors.Is(err, ErrIncompleteData) || errors.Is(err, ErrDownload)) {
				l.log.WithComponent("loader").WithError(err).WithFields(logger.Fields{
					"symbol":      symbol,
					"month_index": idx,
				}).Info("history ends before requested range")
				break
			}
			return nil, err
		}
		if result == nil {
			result = m
			continue
		}
		if err := result.Merge(m); err != nil {
			return nil, err
		}
	}
	result.Sort()
	return result, nil
}

// align keeps the records inside [max(firsts), min(lasts)].
func align(candles []models.CandleSimple, trades []models.Trade) ([]models.CandleSimple, []models.Trade, error) {
	if len(candles) == 0 || len(trades) == 0 {
		return nil, nil, ErrIncompleteData
	}

	cFirst, cLast := bounds(candles, func(c models.CandleSimple) int64 { return c.OpenTime })
	tFirst, tLast := bounds(trades, func(t models.Trade) int64 { return t.Time })
	commonStart := max(cFirst, tFirst)
	commonEnd := min(cLast, tLast)

	outCandles := make([]models.CandleSimple, 0, len(candles))
	for _, c := range candles {
		if c.OpenTime >= commonStart && c.OpenTime <= commonEnd {
			outCandles = append(outCandles, c)
		}
	}
	if len(outCandles) == 0 {
		return nil, nil, ErrIncompleteData
	}
	// Trades start at the first kept candle rather than at commonStart, so a
	// trade older than every kept candle is dropped with it.
	windowStart, _ := bounds(outCandles, func(c models.CandleSimple) int64 { return c.OpenTime })

	outTrades := make([]models.Trade, 0, len(trades))
	for _, t := range trades {
		if t.Time >= windowStart && t.Time <= commonEnd {
			outTrades = append(outTrades, t)
		}
	}
	if len(outTrades) == 0 {
		return nil, nil, ErrIncompleteData
	}
	return outCandles, outTrades, nil
}

func bounds[T any](items []T, ts func(T) int64) (int64, int64) {
	lo, hi := ts(items[0]), ts(items[0])
	for _, it := range items[1:] {
		v := ts(it)
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	return lo, hi
}

// loadSeries reads the cached series of an archive, falling back to the
// CSV entry and writing the cache back after a successful parse.
func loadSeries[T any](
	ctx context.Context,
	l *Loader,
	path string,
	readCache func(string) ([]T, bool, error),
	writeCache func(string, []T) error,
	parse parseFunc[T],
) ([]T, error) {
	log := l.log.WithComponent("loader").WithFields(logger.Fields{"archive": path})

	records, hit, err := readCache(path)
	if err != nil {
		return nil, err
	}
	if hit {
		log.WithFields(logger.Fields{"records": len(records)}).Debug("cache hit")
		return records, nil
	}

	start := time.Now()
	records, err = parseArchiveCSV(ctx, path, l.opts.BatchSize, l.opts.Workers, parse)
	if err != nil {
		return nil, err
	}
	logger.LogPerformanceEntry(log, "loader", "parse_csv", time.Since(start), logger.Fields{"records": len(records)})

	if len(records) > 0 {
		if err := writeCache(path, records); err != nil {
			log.WithError(err).Warn("failed to write cache entry")
		}
	}
	return records, nil
}

func parseArchiveCSV[T any](ctx context.Context, path string, batchSize, workers int, parse parseFunc[T]) ([]T, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("open archive %s: %w", path, err)
	}
	defer zr.Close()

	for _, f := range zr.File {
		if !strings.HasSuffix(strings.ToLower(f.Name), ".csv") {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", f.Name, err)
		}
		defer rc.Close()
		records, err := parseParallel(ctx, rc, batchSize, workers, parse)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", f.Name, err)
		}
		return records, nil
	}
	return nil, fmt.Errorf("archive %s has no csv entry", path)
}
