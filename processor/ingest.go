package processor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"tickvault/internal/market"
	"tickvault/logger"
	"tickvault/models"
)

// Ingestor drains live batches into the market registry.
type Ingestor struct {
	batches  <-chan models.Batch
	registry *market.Registry
	workers  int
	ctx      context.Context
	wg       *sync.WaitGroup
	mu       sync.RWMutex
	running  bool
	log      *logger.Log

	batchesProcessed int64
	recordsProcessed int64
}

func NewIngestor(batches <-chan models.Batch, registry *market.Registry, workers int) *Ingestor {
	if workers < 1 {
		workers = 1
	}
	return &Ingestor{
		batches:  batches,
		registry: registry,
		workers:  workers,
		wg:       &sync.WaitGroup{},
		log:      logger.GetLogger(),
	}
}

func (in *Ingestor) Start(ctx context.Context) error {
	in.mu.Lock()
	if in.running {
		in.mu.Unlock()
		return fmt.Errorf("ingestor already running")
	}
	in.running = true
	in.ctx = ctx
	in.mu.Unlock()

	in.log.WithComponent("ingestor").WithFields(logger.Fields{"workers": in.workers}).Info("starting ingestor")
	for i := 0; i < in.workers; i++ {
		in.wg.Add(1)
		go in.worker(i)
	}
	return nil
}

func (in *Ingestor) Stop() {
	in.mu.Lock()
	in.running = false
	in.mu.Unlock()

	in.log.WithComponent("ingestor").Info("stopping ingestor")
	in.wg.Wait()
	in.log.WithComponent("ingestor").WithFields(logger.Fields{
		"batches_processed": atomic.LoadInt64(&in.batchesProcessed),
		"records_processed": atomic.LoadInt64(&in.recordsProcessed),
	}).Info("ingestor stopped")
}

func (in *Ingestor) worker(id int) {
	defer in.wg.Done()
	log := in.log.WithComponent("ingestor").WithFields(logger.Fields{"worker_id": id})

	for {
		select {
		case <-in.ctx.Done():
			return
		case b, ok := <-in.batches:
			if !ok {
				log.Info("batch channel closed, worker stopping")
				return
			}
			start := time.Now()
			in.Apply(b)
			logger.LogPerformanceEntry(log, "ingestor", "apply_batch", time.Since(start), logger.Fields{
				"symbol":  b.Symbol,
				"source":  b.Source,
				"records": b.RecordCount(),
			})
		}
	}
}

// Apply adds the contents of b to the market of its symbol.
func (in *Ingestor) Apply(b models.Batch) {
	if b.Symbol == "" {
		return
	}
	m := in.registry.GetOrCreate(b.Symbol)
	m.AddTrades(b.Trades)
	m.AddCandles(b.Candles)
	if b.Depth != nil {
		m.AddDepth(*b.Depth)
	}
	atomic.AddInt64(&in.batchesProcessed, 1)
	atomic.AddInt64(&in.recordsProcessed, int64(b.RecordCount()))
}

// Stats returns processed batch and record counts.
func (in *Ingestor) Stats() (batches, records int64) {
	return atomic.LoadInt64(&in.batchesProcessed), atomic.LoadInt64(&in.recordsProcessed)
}
