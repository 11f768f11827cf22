package distribution

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"tickvault/internal/market"
	"tickvault/internal/packet"
	"tickvault/internal/transport"
	"tickvault/models"
)

type fakeHistory struct {
	mu     sync.Mutex
	months []int
	err    error
}

func (f *fakeHistory) LoadRange(_ context.Context, symbol string, months int) (*market.Market, error) {
	f.mu.Lock()
	f.months = append(f.months, months)
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	m := market.New(symbol)
	m.AddCandles([]models.CandleSimple{{OpenTime: 120_000}, {OpenTime: 0}})
	m.AddTrades([]models.Trade{{ID: 1, Time: 10}, {ID: 2, Time: 5}})
	return m, nil
}

type countingRefresher struct {
	mu    sync.Mutex
	calls []string
}

func (r *countingRefresher) Refresh(_ context.Context, symbol string) error {
	r.mu.Lock()
	r.calls = append(r.calls, symbol)
	r.mu.Unlock()
	return nil
}

// directRequester hands requests straight to a service listener.
type directRequester struct {
	svc    *Service
	router *packet.Router
}

func (d *directRequester) ID() string { return "direct" }

func (d *directRequester) Send(ctx context.Context, p packet.Packet) error {
	d.router.Pending().Resolve(p)
	return nil
}

func (d *directRequester) Request(ctx context.Context, p packet.Packet, expect packet.Type) (packet.Packet, error) {
	f := d.router.Pending().Await(expect, p.CorrelationID())
	d.svc.handleRequest(ctx, d, p)
	return f.Wait(ctx)
}

func newLive(symbol string) *market.Registry {
	live := market.NewRegistry()
	m := live.GetOrCreate(symbol)
	m.AddTrades([]models.Trade{{ID: 2, Time: 999}, {ID: 3, Time: 130_000}})
	m.AddCandles([]models.CandleSimple{{OpenTime: 180_000}})
	return live
}

func TestBuildMarketMergesLiveAndSorts(t *testing.T) {
	history := &fakeHistory{}
	refresher := &countingRefresher{}
	svc := NewService(history, newLive("BTCUSDT"), refresher, Options{RecentMonths: 2, FullMonths: 6})

	m, err := svc.BuildMarket(context.Background(), "BTCUSDT", false)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	trades := m.Trades()
	if len(trades) != 3 {
		t.Fatalf("expected 3 trades, got %+v", trades)
	}
	if trades[0].ID != 2 || trades[0].Time != 5 {
		t.Fatalf("history record should win on duplicate id: %+v", trades[0])
	}
	candles := m.Candles()
	if len(candles) != 3 || candles[0].OpenTime != 0 || candles[2].OpenTime != 180_000 {
		t.Fatalf("unexpected candles %+v", candles)
	}
	if len(refresher.calls) != 1 || refresher.calls[0] != "BTCUSDT" {
		t.Fatalf("refresher not called: %v", refresher.calls)
	}

	if _, err := svc.BuildMarket(context.Background(), "BTCUSDT", true); err != nil {
		t.Fatalf("build all: %v", err)
	}
	if history.months[0] != 2 || history.months[1] != 6 {
		t.Fatalf("unexpected month windows %v", history.months)
	}
}

func TestBuildMarketFallsBackToLive(t *testing.T) {
	svc := NewService(&fakeHistory{err: errors.New("no archive")}, newLive("BTCUSDT"), nil, Options{})
	m, err := svc.BuildMarket(context.Background(), "BTCUSDT", false)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if m.Counts().Trades != 2 {
		t.Fatalf("expected live trades only, got %+v", m.Counts())
	}

	if _, err := svc.BuildMarket(context.Background(), "ETHUSDT", false); err == nil {
		t.Fatalf("expected error without history or live data")
	}
}

func TestConsumerFetchMergesIntoLocal(t *testing.T) {
	svc := NewService(&fakeHistory{}, newLive("BTCUSDT"), nil, Options{})
	req := &directRequester{svc: svc, router: packet.NewRouter(nil, nil)}

	local := market.NewRegistry()
	local.GetOrCreate("BTCUSDT").AddTrades([]models.Trade{{ID: 50, Time: 1}})

	c := NewConsumer(req, local)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	m, err := c.Fetch(ctx, "BTCUSDT", false)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if m != local.GetOrCreate("BTCUSDT") {
		t.Fatalf("fetch should return the local market")
	}
	trades := m.Trades()
	if len(trades) != 4 || trades[0].ID != 50 {
		t.Fatalf("unexpected merged trades %+v", trades)
	}
}

func TestConsumerSurfacesRemoteError(t *testing.T) {
	svc := NewService(&fakeHistory{err: errors.New("archive missing")}, market.NewRegistry(), nil, Options{})
	req := &directRequester{svc: svc, router: packet.NewRouter(nil, nil)}
	c := NewConsumer(req, market.NewRegistry())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := c.Fetch(ctx, "BTCUSDT", false)
	if !errors.Is(err, ErrRemote) {
		t.Fatalf("expected ErrRemote, got %v", err)
	}
}

func TestFetchOverTransport(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	serverRouter := packet.NewRouter(nil, nil)
	svc := NewService(&fakeHistory{}, newLive("BTCUSDT"), nil, Options{})
	svc.Register(serverRouter)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := transport.NewServer("", serverRouter, transport.Options{})
	go srv.Serve(ctx, ln)
	defer srv.Close()

	client := transport.NewClient(ln.Addr().String(), packet.NewRouter(nil, nil), transport.Options{
		ReconnectMin:   10 * time.Millisecond,
		RequestTimeout: 5 * time.Second,
	})
	go client.Run(ctx)

	local := market.NewRegistry()
	m, err := NewConsumer(client, local).Fetch(ctx, "BTCUSDT", true)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if c := m.Counts(); c.Trades != 3 || c.Candles != 3 {
		t.Fatalf("unexpected counts %+v", c)
	}
}

type bigHistory struct{ trades int }

func (b bigHistory) LoadRange(_ context.Context, symbol string, _ int) (*market.Market, error) {
	m := market.New(symbol)
	batch := make([]models.Trade, b.trades)
	for i := range batch {
		batch[i] = models.Trade{ID: int64(i + 1), Time: int64(i) * 10, Price: 65_000.5, Qty: 0.012}
	}
	m.AddTrades(batch)
	return m, nil
}

func startLoopback(t *testing.T, ctx context.Context, svc *Service, opts transport.Options) *transport.Client {
	t.Helper()
	router := packet.NewRouter(nil, nil)
	svc.Register(router)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := transport.NewServer("", router, opts)
	go srv.Serve(ctx, ln)
	t.Cleanup(func() { srv.Close() })

	client := transport.NewClient(ln.Addr().String(), packet.NewRouter(nil, nil), transport.Options{
		ReconnectMin:   10 * time.Millisecond,
		RequestTimeout: 20 * time.Second,
	})
	go client.Run(ctx)
	return client
}

func TestFetchMarketLargerThanRequestFrame(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	svc := NewService(bigHistory{trades: 150_000}, market.NewRegistry(), nil, Options{})
	client := startLoopback(t, ctx, svc, transport.Options{})

	m, err := NewConsumer(client, market.NewRegistry()).Fetch(ctx, "BTCUSDT", false)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if c := m.Counts(); c.Trades != 150_000 {
		t.Fatalf("unexpected counts %+v", c)
	}
}

func TestOversizedReplyReturnsError(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	svc := NewService(bigHistory{trades: 5_000}, market.NewRegistry(), nil, Options{})
	client := startLoopback(t, ctx, svc, transport.Options{MaxReplyFrameSize: 64 << 10})

	start := time.Now()
	_, err := NewConsumer(client, market.NewRegistry()).Fetch(ctx, "BTCUSDT", false)
	if !errors.Is(err, ErrRemote) {
		t.Fatalf("expected remote error, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Fatalf("error reply took %s", elapsed)
	}
}
