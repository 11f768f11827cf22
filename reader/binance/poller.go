package binance

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	futures "github.com/adshao/go-binance/v2/futures"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"tickvault/internal/channel"
	"tickvault/logger"
	"tickvault/models"
)

// PollerConfig controls the REST polling cadence.
type PollerConfig struct {
	BaseURL           string
	Timeout           time.Duration
	TradesInterval    time.Duration
	CandlesInterval   time.Duration
	DepthInterval     time.Duration
	TradeLimit        int
	KlineLimit        int
	DepthLimit        int
	RequestsPerSecond int
	Burst             int
}

func (c PollerConfig) withDefaults() PollerConfig {
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.TradesInterval <= 0 {
		c.TradesInterval = 30 * time.Second
	}
	if c.CandlesInterval <= 0 {
		c.CandlesInterval = time.Minute
	}
	if c.DepthInterval <= 0 {
		c.DepthInterval = 5 * time.Second
	}
	if c.TradeLimit <= 0 {
		c.TradeLimit = 400
	}
	if c.KlineLimit <= 0 {
		c.KlineLimit = 300
	}
	if c.DepthLimit <= 0 {
		c.DepthLimit = 50
	}
	if c.RequestsPerSecond <= 0 {
		c.RequestsPerSecond = 10
	}
	if c.Burst <= 0 {
		c.Burst = c.RequestsPerSecond
	}
	return c
}

// Applier stores a batch synchronously.
type Applier interface {
	Apply(b models.Batch)
}

// Poller fetches recent trades, closed 1m klines and depth snapshots from
// the Binance futures REST API for a fixed symbol set.
type Poller struct {
	cfg      PollerConfig
	client   *futures.Client
	limiter  *rate.Limiter
	channels *channel.Channels
	applier  Applier
	symbols  []string
	ctx      context.Context
	wg       *sync.WaitGroup
	mu       sync.RWMutex
	running  bool
	log      *logger.Log
}

// NewPoller builds a poller. Periodic results go to ch; Refresh results go
// straight to applier.
func NewPoller(cfg PollerConfig, symbols []string, ch *channel.Channels, applier Applier) *Poller {
	cfg = cfg.withDefaults()

	client := futures.NewClient("", "")
	client.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	if cfg.BaseURL != "" {
		client.SetApiEndpoint(strings.TrimRight(cfg.BaseURL, "/"))
	}

	upper := make([]string, 0, len(symbols))
	for _, s := range symbols {
		upper = append(upper, strings.ToUpper(strings.TrimSpace(s)))
	}

	p := &Poller{
		cfg:      cfg,
		client:   client,
		limiter:  rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		channels: ch,
		applier:  applier,
		symbols:  upper,
		wg:       &sync.WaitGroup{},
		log:      logger.GetLogger(),
	}

	p.log.WithComponent("binance_poller").WithFields(logger.Fields{
		"symbols":          upper,
		"trades_interval":  cfg.TradesInterval.String(),
		"candles_interval": cfg.CandlesInterval.String(),
		"depth_interval":   cfg.DepthInterval.String(),
	}).Info("binance poller initialized")
	return p
}

func (p *Poller) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return fmt.Errorf("poller already running")
	}
	p.running = true
	p.ctx = ctx
	p.mu.Unlock()

	for _, symbol := range p.symbols {
		p.wg.Add(3)
		go p.pollWorker(symbol, "trades", p.cfg.TradesInterval, p.fetchTrades)
		go p.pollWorker(symbol, "candles", p.cfg.CandlesInterval, p.fetchCandles)
		go p.pollWorker(symbol, "depth", p.cfg.DepthInterval, p.fetchDepth)
	}
	p.log.WithComponent("binance_poller").Info("binance poller started")
	return nil
}

func (p *Poller) Stop() {
	p.mu.Lock()
	p.running = false
	p.mu.Unlock()

	p.log.WithComponent("binance_poller").Info("stopping binance poller")
	p.wg.Wait()
	p.log.WithComponent("binance_poller").Info("binance poller stopped")
}

type fetchFunc func(ctx context.Context, symbol string) (models.Batch, error)

func (p *Poller) pollWorker(symbol, kind string, interval time.Duration, fetch fetchFunc) {
	defer p.wg.Done()
	log := p.log.WithComponent("binance_poller").WithFields(logger.Fields{
		"symbol": symbol,
		"worker": kind,
	})

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		b, err := fetch(p.ctx, symbol)
		if err != nil {
			if p.ctx.Err() != nil {
				return
			}
			log.WithError(err).Warn("poll failed")
		} else if !p.channels.Send(p.ctx, b) && p.ctx.Err() == nil {
			log.Warn("batch channel full, dropping data")
		}

		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Refresh fetches every data kind of symbol once and applies it before
// returning.
func (p *Poller) Refresh(ctx context.Context, symbol string) error {
	symbol = strings.ToUpper(symbol)
	for _, fetch := range []fetchFunc{p.fetchTrades, p.fetchCandles, p.fetchDepth} {
		b, err := fetch(ctx, symbol)
		if err != nil {
			return fmt.Errorf("refresh %s: %w", symbol, err)
		}
		p.applier.Apply(b)
	}
	return nil
}

func (p *Poller) newBatch(symbol, source string) models.Batch {
	return models.Batch{
		BatchID:    uuid.NewString(),
		Symbol:     symbol,
		Source:     source,
		ReceivedAt: time.Now().UTC(),
	}
}

func (p *Poller) fetchTrades(ctx context.Context, symbol string) (models.Batch, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return models.Batch{}, err
	}
	start := time.Now()
	res, err := p.client.NewRecentTradesService().Symbol(symbol).Limit(p.cfg.TradeLimit).Do(ctx)
	if err != nil {
		return models.Batch{}, fmt.Errorf("recent trades: %w", err)
	}
	b := p.newBatch(symbol, "binance_rest_trades")
	b.Trades = tradesFromREST(res)
	p.logFetch(symbol, "recent_trades", start, len(b.Trades))
	return b, nil
}

func (p *Poller) fetchCandles(ctx context.Context, symbol string) (models.Batch, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return models.Batch{}, err
	}
	start := time.Now()
	res, err := p.client.NewKlinesService().Symbol(symbol).Interval("1m").Limit(p.cfg.KlineLimit).Do(ctx)
	if err != nil {
		return models.Batch{}, fmt.Errorf("klines: %w", err)
	}
	b := p.newBatch(symbol, "binance_rest_klines")
	b.Candles = candlesFromREST(res, time.Now().UnixMilli())
	p.logFetch(symbol, "klines", start, len(b.Candles))
	return b, nil
}

func (p *Poller) fetchDepth(ctx context.Context, symbol string) (models.Batch, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return models.Batch{}, err
	}
	start := time.Now()
	res, err := p.client.NewDepthService().Symbol(symbol).Limit(p.cfg.DepthLimit).Do(ctx)
	if err != nil {
		return models.Batch{}, fmt.Errorf("depth: %w", err)
	}
	d := depthFromREST(res, time.Now().UnixMilli())
	b := p.newBatch(symbol, "binance_rest_depth")
	b.Depth = &d
	p.logFetch(symbol, "depth", start, len(d.Bids)+len(d.Asks))
	return b, nil
}

func (p *Poller) logFetch(symbol, op string, start time.Time, records int) {
	log := p.log.WithComponent("binance_poller").WithFields(logger.Fields{"symbol": symbol})
	logger.LogPerformanceEntry(log, "binance_poller", op, time.Since(start), logger.Fields{"records": records})
	logger.IncrementRead(op, records)
}
