package distribution

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"tickvault/internal/market"
	"tickvault/internal/packet"
	"tickvault/internal/transport"
	"tickvault/logger"
)

// HistorySource loads the archived market of a symbol over the most recent
// months.
type HistorySource interface {
	LoadRange(ctx context.Context, symbol string, months int) (*market.Market, error)
}

// Refresher pulls the latest live data of a symbol into the live registry.
type Refresher interface {
	Refresh(ctx context.Context, symbol string) error
}

type Options struct {
	RecentMonths int
	FullMonths   int
	Workers      int
}

func (o Options) withDefaults() Options {
	if o.RecentMonths <= 0 {
		o.RecentMonths = 2
	}
	if o.FullMonths <= 0 {
		o.FullMonths = 12
	}
	if o.Workers <= 0 {
		o.Workers = 4
	}
	return o
}

// Service answers market requests on the collector side.
type Service struct {
	history   HistorySource
	live      *market.Registry
	refresher Refresher
	opts      Options

	sem chan struct{}
	wg  sync.WaitGroup
	log *logger.Log
}

// NewService wires a collector service. refresher may be nil.
func NewService(history HistorySource, live *market.Registry, refresher Refresher, opts Options) *Service {
	opts = opts.withDefaults()
	return &Service{
		history:   history,
		live:      live,
		refresher: refresher,
		opts:      opts,
		sem:       make(chan struct{}, opts.Workers),
		log:       logger.GetLogger(),
	}
}

// Register installs the request listener on router.
func (s *Service) Register(router *packet.Router) {
	router.On(packet.TypeRequestMarket, s.handleRequest)
}

// handleRequest returns immediately so the connection keeps reading; the
// market is assembled on a bounded set of goroutines.
func (s *Service) handleRequest(ctx context.Context, from packet.Replier, p packet.Packet) {
	req := p.(*packet.RequestMarket)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		select {
		case s.sem <- struct{}{}:
		case <-ctx.Done():
			return
		}
		defer func() { <-s.sem }()

		log := s.log.WithComponent("distribution").WithFields(logger.Fields{
			"symbol": req.Symbol,
			"conn":   from.ID(),
		})
		reply := s.answer(ctx, req)
		err := from.Send(ctx, reply)
		if errors.Is(err, transport.ErrMalformedFrame) {
			// the frame was rejected before any byte went out
			log.WithError(err).Warn("market reply too large")
			err = from.Send(ctx, packet.Reply(req, &packet.ErrorReply{
				Message: fmt.Sprintf("market %s does not fit in one frame: %v", req.Symbol, err),
			}))
		}
		if err != nil {
			log.WithError(err).Warn("failed to send market reply")
		}
	}()
}

func (s *Service) answer(ctx context.Context, req *packet.RequestMarket) packet.Packet {
	m, err := s.BuildMarket(ctx, req.Symbol, req.AllMarket)
	if err != nil {
		return packet.Reply(req, &packet.ErrorReply{Message: err.Error()})
	}
	return packet.Reply(req, &packet.MarketData{
		Market:     m.Snapshot(),
		LastUpdate: time.Now().UnixMilli(),
	})
}

// BuildMarket loads history for symbol, merges the live market and sorts
// the result.
func (s *Service) BuildMarket(ctx context.Context, symbol string, all bool) (*market.Market, error) {
	months := s.opts.RecentMonths
	if all {
		months = s.opts.FullMonths
	}
	log := s.log.WithComponent("distribution").WithFields(logger.Fields{
		"symbol": symbol,
		"months": months,
		"all":    all,
	})
	start := time.Now()

	if s.refresher != nil {
		if err := s.refresher.Refresh(ctx, symbol); err != nil {
			log.WithError(err).Warn("live refresh failed")
		}
	}
	live, hasLive := s.live.Get(symbol)

	m, err := s.history.LoadRange(ctx, symbol, months)
	if err != nil {
		if !hasLive || live.Counts().Total() == 0 || ctx.Err() != nil {
			return nil, fmt.Errorf("load history for %s: %w", symbol, err)
		}
		log.WithError(err).Warn("history unavailable, serving live market only")
		m = market.New(symbol)
	}

	if hasLive {
		if err := m.Merge(live); err != nil {
			return nil, err
		}
	}
	m.Sort()

	counts := m.Counts()
	logger.LogPerformanceEntry(log, "distribution", "build_market", time.Since(start), logger.Fields{
		"trades":  counts.Trades,
		"candles": counts.Candles,
		"depths":  counts.Depths,
	})
	return m, nil
}

// Wait blocks until in-flight requests finish.
func (s *Service) Wait() {
	s.wg.Wait()
}
