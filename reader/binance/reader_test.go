package binance

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	futures "github.com/adshao/go-binance/v2/futures"
	"github.com/gorilla/websocket"

	"tickvault/internal/channel"
	"tickvault/models"
)

type recordingApplier struct {
	mu      sync.Mutex
	batches []models.Batch
}

func (r *recordingApplier) Apply(b models.Batch) {
	r.mu.Lock()
	r.batches = append(r.batches, b)
	r.mu.Unlock()
}

func fakeREST(t *testing.T) *httptest.Server {
	t.Helper()
	closed := time.Now().Add(-2 * time.Minute).UnixMilli()
	open := time.Now().UnixMilli()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/fapi/v1/trades":
			w.Write([]byte(`[{"id":11,"price":"100.5","qty":"2","quoteQty":"201","time":1700000000000,"isBuyerMaker":true}]`))
		case "/fapi/v1/klines":
			body, _ := json.Marshal([][]interface{}{
				{closed, "1", "2", "0.5", "1.5", "10", closed + 59_999, "1000", 5, "6", "600", "0"},
				{open, "1", "1", "1", "1", "1", open + 59_999, "1", 1, "1", "1", "0"},
			})
			w.Write(body)
		case "/fapi/v1/depth":
			w.Write([]byte(`{"lastUpdateId":1,"E":1700000000123,"T":1700000000100,"bids":[["100","1"],["99","2"]],"asks":[["101","3"]]}`))
		default:
			http.NotFound(w, r)
		}
	}))
}

func TestPollerRefresh(t *testing.T) {
	srv := fakeREST(t)
	defer srv.Close()

	applier := &recordingApplier{}
	p := NewPoller(PollerConfig{BaseURL: srv.URL, RequestsPerSecond: 100}, []string{"btcusdt"}, channel.NewChannels(8), applier)
	if err := p.Refresh(context.Background(), "btcusdt"); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if len(applier.batches) != 3 {
		t.Fatalf("expected 3 batches, got %d", len(applier.batches))
	}

	trades := applier.batches[0].Trades
	if len(trades) != 1 || trades[0].ID != 11 || trades[0].Price != 100.5 || !trades[0].IsBuyerMaker {
		t.Fatalf("unexpected trades %+v", trades)
	}
	candles := applier.batches[1].Candles
	if len(candles) != 1 || candles[0].Volume.SellQuoteVolume != 400 {
		t.Fatalf("expected only the closed kline, got %+v", candles)
	}
	depth := applier.batches[2].Depth
	if depth == nil || depth.Date != 1700000000123 || len(depth.Bids) != 2 || depth.Asks[0].Qty != 3 {
		t.Fatalf("unexpected depth %+v", depth)
	}
	for _, b := range applier.batches {
		if b.Symbol != "BTCUSDT" || b.BatchID == "" {
			t.Fatalf("batch not stamped: %+v", b)
		}
	}
}

func TestPollerPeriodicSend(t *testing.T) {
	srv := fakeREST(t)
	defer srv.Close()

	ch := channel.NewChannels(16)
	p := NewPoller(PollerConfig{BaseURL: srv.URL, RequestsPerSecond: 100}, []string{"BTCUSDT"}, ch, &recordingApplier{})
	ctx, cancel := context.WithCancel(context.Background())
	if err := p.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	seen := map[string]bool{}
	timeout := time.After(5 * time.Second)
	for len(seen) < 3 {
		select {
		case b := <-ch.Batches:
			seen[b.Source] = true
		case <-timeout:
			t.Fatalf("only saw %v", seen)
		}
	}
	cancel()
	p.Stop()
}

func TestCandlesSkipOpenKline(t *testing.T) {
	now := int64(1_000_000)
	in := []*futures.Kline{
		{OpenTime: 0, CloseTime: 59_999, QuoteAssetVolume: "10", TakerBuyQuoteAssetVolume: "4"},
		{OpenTime: now - 1, CloseTime: now + 59_998},
	}
	out := candlesFromREST(in, now)
	if len(out) != 1 || out[0].Volume.DeltaUSDT != -2 {
		t.Fatalf("unexpected candles %+v", out)
	}
}

func TestTradeStreamBatches(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/btcusdt@trade") {
			http.NotFound(w, r)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		msgs := []string{
			`{"e":"trade","E":1,"T":1000,"s":"BTCUSDT","t":1,"p":"100","q":"1","X":"MARKET","m":false}`,
			`{"e":"trade","E":2,"T":2000,"s":"BTCUSDT","t":2,"p":"101","q":"0.5","X":"LIQUIDATION","m":true}`,
			`{"e":"trade","E":3,"T":3000,"s":"BTCUSDT","t":3,"p":"102","q":"2","X":"MARKET","m":true}`,
		}
		for _, m := range msgs {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(m)); err != nil {
				return
			}
		}
		// keep the socket open until the client goes away
		conn.ReadMessage()
	}))
	defer srv.Close()

	ch := channel.NewChannels(16)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	s := NewTradeStream(StreamConfig{URL: url, FlushInterval: 20 * time.Millisecond}, []string{"BTCUSDT"}, ch)

	ctx, cancel := context.WithCancel(context.Background())
	if err := s.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	var trades []models.Trade
	timeout := time.After(5 * time.Second)
	for len(trades) < 2 {
		select {
		case b := <-ch.Batches:
			trades = append(trades, b.Trades...)
		case <-timeout:
			t.Fatalf("received %d trades", len(trades))
		}
	}
	cancel()
	s.Stop()

	if trades[0].ID != 1 || trades[1].ID != 3 || !trades[1].IsBuyerMaker || trades[1].Qty != 2 {
		t.Fatalf("unexpected trades %+v", trades)
	}
}
