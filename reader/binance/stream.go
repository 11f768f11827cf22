package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"

	"tickvault/internal/channel"
	"tickvault/logger"
	"tickvault/models"
)

const defaultStreamURL = "wss://fstream.binance.com/ws"

type StreamConfig struct {
	URL            string
	FlushInterval  time.Duration
	ReconnectMin   time.Duration
	ReconnectMax   time.Duration
	HandshakeLimit time.Duration
}

// TradeStream follows the <symbol>@trade websocket of each symbol and
// forwards trades in batches.
type TradeStream struct {
	cfg      StreamConfig
	symbols  []string
	channels *channel.Channels
	ctx      context.Context
	wg       *sync.WaitGroup
	mu       sync.RWMutex
	running  bool
	log      *logger.Log
}

func NewTradeStream(cfg StreamConfig, symbols []string, ch *channel.Channels) *TradeStream {
	if cfg.URL == "" {
		cfg.URL = defaultStreamURL
	}
	cfg.URL = strings.TrimRight(cfg.URL, "/")
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Second
	}
	if cfg.ReconnectMin <= 0 {
		cfg.ReconnectMin = time.Second
	}
	if cfg.ReconnectMax <= 0 {
		cfg.ReconnectMax = 30 * time.Second
	}
	if cfg.HandshakeLimit <= 0 {
		cfg.HandshakeLimit = 10 * time.Second
	}
	return &TradeStream{
		cfg:      cfg,
		symbols:  symbols,
		channels: ch,
		wg:       &sync.WaitGroup{},
		log:      logger.GetLogger(),
	}
}

func (s *TradeStream) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("trade stream already running")
	}
	s.running = true
	s.ctx = ctx
	s.mu.Unlock()

	for _, sym := range s.symbols {
		s.wg.Add(1)
		go s.streamSymbol(strings.ToUpper(sym))
	}
	s.log.WithComponent("binance_trade_stream").WithFields(logger.Fields{"symbols": s.symbols}).Info("trade stream started")
	return nil
}

func (s *TradeStream) Stop() {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()

	s.log.WithComponent("binance_trade_stream").Info("stopping trade stream")
	s.wg.Wait()
	s.log.WithComponent("binance_trade_stream").Info("trade stream stopped")
}

type tradeEvent struct {
	Event        string `json:"e"`
	EventTime    int64  `json:"E"`
	TradeTime    int64  `json:"T"`
	Symbol       string `json:"s"`
	TradeID      int64  `json:"t"`
	Price        string `json:"p"`
	Quantity     string `json:"q"`
	OrderType    string `json:"X"`
	IsBuyerMaker bool   `json:"m"`
}

func (s *TradeStream) streamSymbol(symbol string) {
	defer s.wg.Done()

	endpoint := fmt.Sprintf("%s/%s@trade", s.cfg.URL, strings.ToLower(symbol))
	log := s.log.WithComponent("binance_trade_stream").WithFields(logger.Fields{
		"symbol":   symbol,
		"endpoint": endpoint,
	})
	dialer := websocket.Dialer{HandshakeTimeout: s.cfg.HandshakeLimit}
	b := &backoff.Backoff{Min: s.cfg.ReconnectMin, Max: s.cfg.ReconnectMax, Factor: 2, Jitter: true}

	for {
		if s.ctx.Err() != nil {
			return
		}
		conn, _, err := dialer.DialContext(s.ctx, endpoint, nil)
		if err != nil {
			delay := b.Duration()
			log.WithError(err).WithFields(logger.Fields{"retry_in": delay.String()}).Warn("failed to connect to trade stream")
			if !sleepCtx(s.ctx, delay) {
				return
			}
			continue
		}
		b.Reset()
		log.Info("trade stream connected")

		err = s.readTrades(conn, symbol)
		conn.Close()
		if s.ctx.Err() != nil {
			return
		}
		delay := b.Duration()
		log.WithError(err).WithFields(logger.Fields{"retry_in": delay.String()}).Warn("trade stream dropped, reconnecting")
		if !sleepCtx(s.ctx, delay) {
			return
		}
	}
}

// readTrades reads until the connection fails, flushing buffered trades on
// every tick of the flush interval.
func (s *TradeStream) readTrades(conn *websocket.Conn, symbol string) error {
	log := s.log.WithComponent("binance_trade_stream").WithFields(logger.Fields{"symbol": symbol})

	msgs := make(chan models.Trade, 1024)
	readErr := make(chan error, 1)
	go func() {
		defer close(msgs)
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			var ev tradeEvent
			if err := json.Unmarshal(raw, &ev); err != nil || ev.Event != "trade" {
				continue
			}
			// liquidation and insurance fund fills are reported with other order types
			if ev.OrderType != "" && ev.OrderType != "MARKET" {
				continue
			}
			msgs <- models.Trade{
				ID:           ev.TradeID,
				Time:         ev.TradeTime,
				Price:        parseFloat(ev.Price),
				Qty:          parseFloat(ev.Quantity),
				IsBuyerMaker: ev.IsBuyerMaker,
			}
		}
	}()

	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()
	var pending []models.Trade
	flush := func() {
		if len(pending) == 0 {
			return
		}
		batch := models.Batch{
			BatchID:    uuid.NewString(),
			Symbol:     symbol,
			Source:     "binance_ws_trades",
			Trades:     pending,
			ReceivedAt: time.Now().UTC(),
		}
		if !s.channels.Send(s.ctx, batch) && s.ctx.Err() == nil {
			log.Warn("batch channel full, dropping trades")
		}
		logger.IncrementRead("ws_trades", len(pending))
		pending = nil
	}

	for {
		select {
		case <-s.ctx.Done():
			conn.Close()
			for range msgs {
			}
			return s.ctx.Err()
		case t, ok := <-msgs:
			if !ok {
				flush()
				return <-readErr
			}
			pending = append(pending, t)
		case <-ticker.C:
			flush()
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
