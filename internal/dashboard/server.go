package dashboard

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tickvault/config"
	"tickvault/logger"
)

// Server hosts the Gin-powered status API of a collector.
type Server struct {
	cfg        config.DashboardConfig
	log        *logger.Log
	markets    MarketSource
	logStore   *logStore
	registry   *prometheus.Registry
	httpServer *http.Server
	started    time.Time
}

// NewServer returns nil when the dashboard is disabled.
func NewServer(cfg config.DashboardConfig, log *logger.Log, markets MarketSource) (*Server, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	cfg.Address = normalizeAddress(cfg.Address)
	if cfg.LogHistory <= 0 {
		cfg.LogHistory = 200
	}

	reg := prometheus.NewRegistry()
	if err := reg.Register(collectors.NewGoCollector()); err != nil {
		return nil, err
	}
	if err := reg.Register(newMarketCollector(markets)); err != nil {
		return nil, err
	}

	logStore := newLogStore(cfg.LogHistory)
	log.AddHook(logStore)

	return &Server{
		cfg:      cfg,
		log:      log,
		markets:  markets,
		logStore: logStore,
		registry: reg,
		started:  time.Now(),
	}, nil
}

// Run serves until ctx is cancelled or the listener fails.
func (s *Server) Run(ctx context.Context) error {
	if s == nil {
		return nil
	}
	defer s.logStore.close()

	router, err := s.buildRouter()
	if err != nil {
		return err
	}

	s.httpServer = &http.Server{
		Addr:              s.cfg.Address,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.log.WithComponent("dashboard").WithFields(logger.Fields{"addr": s.cfg.Address}).Info("starting dashboard")

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		<-errCh
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) Address() string {
	if s == nil {
		return ""
	}
	return s.cfg.Address
}

type marketSummary struct {
	Symbol    string  `json:"symbol"`
	Trades    int     `json:"trades"`
	Candles   int     `json:"candles"`
	Depths    int     `json:"depths"`
	LastOpen  int64   `json:"last_open_time,omitempty"`
	LastClose float64 `json:"last_close,omitempty"`
}

func (s *Server) summary(symbol string) (marketSummary, bool) {
	m, ok := s.markets.Get(symbol)
	if !ok {
		return marketSummary{}, false
	}
	counts := m.Counts()
	out := marketSummary{Symbol: symbol, Trades: counts.Trades, Candles: counts.Candles, Depths: counts.Depths}
	if last, ok := m.LastCandle(); ok {
		out.LastOpen = last.OpenTime
		out.LastClose = last.Close
	}
	return out, true
}

func (s *Server) buildRouter() (*gin.Engine, error) {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if err := router.SetTrustedProxies(nil); err != nil {
		return nil, err
	}

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":         "ok",
			"uptime_seconds": int64(time.Since(s.started).Seconds()),
		})
	})

	router.GET("/api/markets", func(c *gin.Context) {
		symbols := s.markets.Symbols()
		payload := make([]marketSummary, 0, len(symbols))
		for _, symbol := range symbols {
			if sum, ok := s.summary(symbol); ok {
				payload = append(payload, sum)
			}
		}
		c.JSON(http.StatusOK, gin.H{"markets": payload})
	})

	router.GET("/api/markets/:symbol", func(c *gin.Context) {
		sum, ok := s.summary(strings.ToUpper(c.Param("symbol")))
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown symbol"})
			return
		}
		c.JSON(http.StatusOK, sum)
	})

	router.GET("/api/logs", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"logs": s.logStore.snapshot()})
	})

	router.GET("/api/report", func(c *gin.Context) {
		c.JSON(http.StatusOK, logger.Report())
	})

	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})))

	return router, nil
}

func normalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)

	if addr == "" {
		return "0.0.0.0:8080"
	}

	if strings.Contains(addr, "://") {
		if parsed, err := url.Parse(addr); err == nil {
			if host := parsed.Host; host != "" {
				addr = host
			} else if parsed.Opaque != "" {
				addr = parsed.Opaque
			}
		}
	}

	if strings.HasPrefix(addr, ":") {
		if len(addr) > 1 && addr[1] >= '0' && addr[1] <= '9' {
			return "0.0.0.0" + addr
		}
	}

	host, port, err := net.SplitHostPort(addr)
	if err == nil {
		if host == "" || host == "*" {
			host = "0.0.0.0"
		}
		if port == "" {
			port = "8080"
		}
		return net.JoinHostPort(host, port)
	}

	if ip := net.ParseIP(addr); ip != nil {
		return net.JoinHostPort(addr, "8080")
	}

	if !strings.Contains(addr, ":") {
		return net.JoinHostPort(addr, "8080")
	}

	return addr
}
