package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"tickvault/config"
	"tickvault/internal/channel"
	"tickvault/internal/dashboard"
	"tickvault/internal/distribution"
	"tickvault/internal/loader"
	"tickvault/internal/market"
	"tickvault/internal/packet"
	"tickvault/internal/transport"
	"tickvault/logger"
	"tickvault/processor"
	"tickvault/reader/binance"
	"tickvault/writer"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", config.DefaultConfigPath, "Path to configuration file")
	mode := flag.String("mode", "collector", "collector or consumer")
	symbol := flag.String("symbol", "", "Symbol to fetch in consumer mode")
	all := flag.Bool("all", false, "Fetch the full history in consumer mode")
	days := flag.Int("days", 0, "Keep only the most recent days of a fetched market")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithEnv("APP_ENV", "LOG_LEVEL", "AWS_REGION").WithFields(logger.Fields{
		"service": cfg.Tickvault.Name,
		"version": cfg.Tickvault.Version,
		"node":    cfg.Tickvault.Node,
		"mode":    *mode,
		"env":     config.AppEnvironment(),
	}).Info("starting tickvault")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if cfg.Metrics.CloudWatch {
		logger.InitCloudWatch(cfg.Metrics.Region, cfg.Metrics.Namespace, cfg.Logging.DashboardName)
	}
	logger.StartReport(ctx, log, cfg.Metrics.ReportInterval)

	switch strings.ToLower(*mode) {
	case "collector":
		err = runCollector(ctx, cfg)
	case "consumer":
		err = runConsumer(ctx, cfg, strings.ToUpper(*symbol), *all, *days)
	default:
		log.WithFields(logger.Fields{"mode": *mode}).Error("unknown mode")
		os.Exit(2)
	}
	if err != nil {
		log.WithError(err).Error("tickvault failed")
		os.Exit(1)
	}
	log.Info("tickvault stopped")
}

func transportOptions(cfg *config.Config) transport.Options {
	return transport.Options{
		MaxFrameSize:      cfg.Transport.MaxFrameSize,
		MaxReplyFrameSize: cfg.Transport.MaxReplyFrameSize,
		WriteTimeout:      cfg.Transport.WriteTimeout,
		HandshakeTimeout:  cfg.Transport.HandshakeTimeout,
		RequestTimeout:    cfg.Transport.RequestTimeout,
		ReconnectMin:      cfg.Transport.ReconnectMin,
		ReconnectMax:      cfg.Transport.ReconnectMax,
		Node:              cfg.Tickvault.Node,
	}
}

func runCollector(parent context.Context, cfg *config.Config) error {
	log := logger.GetLogger().WithComponent("main")

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	registry := market.NewRegistry()
	logger.RegisterGauge("markets", func() int64 { return int64(registry.Len()) })

	var snapshots *writer.SnapshotWriter
	if cfg.Snapshot.Enabled {
		var uploader writer.Uploader
		if cfg.Storage.S3.Enabled {
			s3u, err := writer.NewS3Uploader(ctx, cfg.Storage.S3, cfg.Tickvault.Version)
			if err != nil {
				return err
			}
			uploader = s3u
		}
		snapshots = writer.NewSnapshotWriter(cfg.Snapshot, registry, uploader)
		if cfg.Snapshot.Restore {
			if err := snapshots.Restore(cfg.Data.Symbols); err != nil {
				log.WithError(err).Warn("failed to restore snapshots")
			}
		}
	}

	reference, err := loader.ParseYearMonth(cfg.Loader.Reference)
	if err != nil {
		return err
	}
	downloader := loader.NewDownloader(cfg.Loader.BaseURL, cfg.Data.Dir, cfg.Loader.DownloadTimeout,
		cfg.Loader.RequestsPerSecond, cfg.Loader.Burst)
	history := loader.New(downloader, loader.Options{
		Reference: reference,
		BatchSize: cfg.Loader.BatchSize,
		Workers:   cfg.Loader.Workers,
	})

	var (
		channels *channel.Channels
		ingestor *processor.Ingestor
		poller   *binance.Poller
		stream   *binance.TradeStream
		refresh  distribution.Refresher
	)
	if cfg.Collector.Enabled && len(cfg.Data.Symbols) > 0 {
		channels = channel.NewChannels(cfg.Collector.ChannelBuffer)
		channels.StartMetricsReporting(ctx, cfg.Metrics.ChannelInterval)

		ingestor = processor.NewIngestor(channels.Batches, registry, cfg.Collector.ProcessorWorkers)
		if err := ingestor.Start(ctx); err != nil {
			return err
		}

		poller = binance.NewPoller(binance.PollerConfig{
			BaseURL:           cfg.Collector.BaseURL,
			Timeout:           cfg.Collector.Timeout,
			TradesInterval:    cfg.Collector.TradesInterval,
			CandlesInterval:   cfg.Collector.CandlesInterval,
			DepthInterval:     cfg.Collector.DepthInterval,
			TradeLimit:        cfg.Collector.TradeLimit,
			KlineLimit:        cfg.Collector.KlineLimit,
			DepthLimit:        cfg.Collector.DepthLimit,
			RequestsPerSecond: cfg.Collector.RequestsPerSecond,
			Burst:             cfg.Collector.Burst,
		}, cfg.Data.Symbols, channels, ingestor)
		if err := poller.Start(ctx); err != nil {
			return err
		}
		refresh = poller

		if cfg.Collector.Stream.Enabled {
			stream = binance.NewTradeStream(binance.StreamConfig{
				URL:           cfg.Collector.Stream.URL,
				FlushInterval: cfg.Collector.Stream.FlushInterval,
				ReconnectMin:  cfg.Transport.ReconnectMin,
				ReconnectMax:  cfg.Transport.ReconnectMax,
			}, cfg.Data.Symbols, channels)
			if err := stream.Start(ctx); err != nil {
				return err
			}
		}
	} else {
		log.Info("live collection disabled; serving archives only")
	}

	if snapshots != nil {
		if err := snapshots.Start(ctx); err != nil {
			return err
		}
	}

	dash, err := dashboard.NewServer(cfg.Dashboard, logger.GetLogger(), registry)
	if err != nil {
		return err
	}
	if dash != nil {
		go func() {
			if err := dash.Run(ctx); err != nil {
				log.WithError(err).Error("dashboard stopped")
			}
		}()
	}

	router := packet.NewRouter(nil, nil)
	service := distribution.NewService(history, registry, refresh, distribution.Options{
		RecentMonths: cfg.Distribution.RecentMonths,
		FullMonths:   cfg.Distribution.FullMonths,
		Workers:      cfg.Distribution.Workers,
	})
	service.Register(router)

	server := transport.NewServer(cfg.Transport.Addr, router, transportOptions(cfg))
	serveErr := make(chan error, 1)
	go func() { serveErr <- server.ListenAndServe(ctx) }()

	log.WithFields(logger.Fields{
		"addr":    cfg.Transport.Addr,
		"symbols": cfg.Data.Symbols,
	}).Info("collector started")

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
		err = nil
	case err = <-serveErr:
		log.WithError(err).Error("server stopped unexpectedly")
	}
	cancel()

	return shutdown(func() {
		if stream != nil {
			stream.Stop()
		}
		if poller != nil {
			poller.Stop()
		}
		if ingestor != nil {
			ingestor.Stop()
		}
		server.Close()
		service.Wait()
		if snapshots != nil {
			snapshots.Stop()
		}
		if channels != nil {
			channels.Close()
		}
	}, err)
}

// shutdown runs stop with a deadline, after the caller's context ended.
func shutdown(stop func(), cause error) error {
	done := make(chan struct{})
	go func() {
		stop()
		close(done)
	}()

	select {
	case <-done:
		logger.GetLogger().WithComponent("main").Info("graceful shutdown completed")
	case <-time.After(30 * time.Second):
		logger.GetLogger().WithComponent("main").Warn("graceful shutdown timeout exceeded")
	}
	return cause
}

func runConsumer(ctx context.Context, cfg *config.Config, symbol string, all bool, days int) error {
	if symbol == "" {
		return errors.New("consumer mode needs -symbol")
	}
	log := logger.GetLogger().WithComponent("main").WithFields(logger.Fields{"symbol": symbol})

	router := packet.NewRouter(nil, nil)
	client := transport.NewClient(cfg.Transport.Addr, router, transportOptions(cfg))

	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	go client.Run(runCtx)

	consumer := distribution.NewConsumer(client, market.NewRegistry())
	m, err := consumer.Fetch(ctx, symbol, all)
	if err != nil {
		return err
	}
	if days > 0 {
		m = m.LimitToDays(days)
	}

	counts := m.Counts()
	fields := logger.Fields{
		"trades":    counts.Trades,
		"candles":   counts.Candles,
		"depths":    counts.Depths,
		"taker_fee": m.TakerFee(),
		"maker_fee": m.MakerFee(),
	}
	if last, ok := m.LastCandle(); ok {
		fields["last_close"] = last.Close
		fields["last_open_time"] = time.UnixMilli(last.OpenTime).UTC().Format(time.RFC3339)
	}
	log.WithFields(fields).Info("market received")
	return nil
}
