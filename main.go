package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"bookflow/api"
	"bookflow/config"
	"bookflow/engine"
	fobd "bookflow/internal/channel/fobd"
	"bookflow/internal/metrics"
	"bookflow/logger"
	"bookflow/models"
	"bookflow/processor"
	"bookflow/reader"
	"bookflow/reader/binance"
	"bookflow/reader/kucoin"
	"bookflow/writer"
)

const shutdownTimeout = 30 * time.Second

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
	shardPath := flag.String("shards", "config/ip_shards.yml", "Path to IP shard configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(config.ResolvePath(*configPath, "config/config.yml"))
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	env := config.AppEnvironment()
	log.WithFields(logger.Fields{
		"service": cfg.Bookflow.Name,
		"version": cfg.Bookflow.Version,
		"env":     env,
	}).Info("starting bookflow")

	shardCfg, err := config.LoadIPShards(config.ResolvePath(*shardPath, "config/ip_shards.yml"))
	if err != nil {
		log.WithError(err).Error("failed to load shard configuration")
		os.Exit(1)
	}
	if err := shardCfg.Validate(env); err != nil {
		log.WithError(err).Error("invalid shard configuration")
		os.Exit(1)
	}

	universe, err := engine.UniverseFromShards(shardCfg)
	if err != nil {
		log.WithError(err).Error("failed to build instrument universe")
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metrics.Init()
	if cfg.CloudWatch.Enabled {
		logger.InitCloudWatch(ctx, cfg.CloudWatch.Region, cfg.CloudWatch.Namespace, cfg.CloudWatch.Dashboard)
		logger.CreateDefaultDashboard(ctx)
	}
	logger.StartReport(ctx, log, cfg.CloudWatch.ReportInterval)

	// quote sinks
	fanout := writer.NewFanout()
	if cfg.Storage.Kafka.Enabled {
		kw, err := writer.NewKafkaWriter(cfg)
		if err != nil {
			log.WithError(err).Error("failed to create kafka writer")
			os.Exit(1)
		}
		fanout.Add(kw, cfg.Storage.Kafka.Queue)
	}
	if cfg.Storage.S3.Enabled {
		sw, err := writer.NewS3Writer(ctx, cfg)
		if err != nil {
			log.WithError(err).Error("failed to create S3 writer")
			os.Exit(1)
		}
		fanout.Add(sw, cfg.Storage.S3.Queue)
	}
	var hub *api.Hub
	if cfg.API.Enabled {
		hub = api.NewHub(cfg.Engine.TopN, cfg.API.WSQueue)
		fanout.Add(hub, cfg.API.WSQueue)
	}
	if fanout.Sinks() == 0 {
		log.WithComponent("main").Info("no quote sinks configured; logging quotes at debug level")
		fanout.Add(writer.NewLogWriter(cfg.Engine.TopN), 0)
	}

	// engine
	fetcher := reader.NewSnapshotFetcher(cfg, nil)
	manager := engine.NewManager(universe, engine.Options{
		TopN:      cfg.Engine.TopN,
		BufferCap: cfg.Engine.BufferCap,
	}, fetcher, fanout)
	dispatcher := engine.NewDispatcher(manager, cfg.Engine.Shards, cfg.Engine.InboxSize)
	fetcher.SetSink(dispatcher)

	// feeds
	channels := fobd.NewChannels(cfg.Channels.RawBuffer)
	deltaProcessor := processor.NewDeltaProcessor(cfg, channels.Raw, dispatcher)

	var (
		binanceFOBDReaders []*binance.Binance_FOBD_Reader
		kucoinFOBDReaders  []*kucoin.Kucoin_FOBD_Reader
	)
	for _, shard := range shardCfg.Shards {
		binanceInsts := lookupAll(universe, engine.ExchangeBinance, shard.BinanceSymbols)
		kucoinInsts := lookupAll(universe, engine.ExchangeKucoin, shard.KucoinSymbols)

		if len(binanceInsts) > 0 {
			routeSnapshots(fetcher, binanceInsts, cfg.Source.Binance.Snapshot, func() reader.FetchFunc {
				r := binance.Binance_FOBS_NewReader(cfg, shard.IP)
				r.LoadWeightLimit(ctx)
				return r.Fetch
			})
			if cfg.Source.Binance.Delta.Enabled {
				binanceFOBDReaders = append(binanceFOBDReaders, binance.Binance_FOBD_NewReader(cfg, channels, binanceInsts))
			}
		}
		if len(kucoinInsts) > 0 {
			routeSnapshots(fetcher, kucoinInsts, cfg.Source.Kucoin.Snapshot, func() reader.FetchFunc {
				return kucoin.Kucoin_FOBS_NewReader(cfg, shard.IP).Fetch
			})
			if cfg.Source.Kucoin.Delta.Enabled {
				kucoinFOBDReaders = append(kucoinFOBDReaders, kucoin.Kucoin_FOBD_NewReader(cfg, channels, kucoinInsts))
			}
		}
	}

	// start downstream first so nothing produced is lost
	if err := fanout.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start fanout")
		os.Exit(1)
	}
	if err := fetcher.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start snapshot fetcher")
		os.Exit(1)
	}
	if err := dispatcher.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start dispatcher")
		os.Exit(1)
	}
	if err := deltaProcessor.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start delta processor")
		os.Exit(1)
	}
	for _, r := range binanceFOBDReaders {
		if err := r.Binance_FOBD_Start(ctx); err != nil {
			log.WithError(err).Warn("binance delta reader failed to start")
		}
	}
	for _, r := range kucoinFOBDReaders {
		if err := r.Kucoin_FOBD_Start(ctx); err != nil {
			log.WithError(err).Warn("kucoin delta reader failed to start")
		}
	}

	var wg sync.WaitGroup
	if cfg.API.Enabled {
		server := api.NewServer(cfg.API, universe, dispatcher, hub)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := server.Run(ctx); err != nil {
				log.WithError(err).Error("api server failed")
				cancel()
			}
		}()
	}

	log.WithFields(logger.Fields{
		"instruments": universe.Len(),
		"shards":      dispatcher.Shards(),
		"sinks":       fanout.Sinks(),
	}).Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")
	case <-ctx.Done():
	}

	log.Info("starting graceful shutdown")
	cancel()

	done := make(chan struct{})
	go func() {
		for _, r := range binanceFOBDReaders {
			r.Binance_FOBD_Stop()
		}
		for _, r := range kucoinFOBDReaders {
			r.Kucoin_FOBD_Stop()
		}
		deltaProcessor.Stop()
		channels.Close()
		dispatcher.Stop()
		fetcher.Stop()
		fanout.Stop()
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info("graceful shutdown completed")
	case <-time.After(shutdownTimeout):
		log.Warn("graceful shutdown timeout exceeded")
	}

	log.Info("bookflow stopped")
}

func lookupAll(u *engine.Universe, exchange string, symbols []string) []models.Instrument {
	out := make([]models.Instrument, 0, len(symbols))
	for _, s := range symbols {
		if inst, ok := u.Lookup(exchange, s); ok {
			out = append(out, inst)
		}
	}
	return out
}

// routeSnapshots binds every instrument of one shard to a snapshot client
// created on the shard's source IP.
func routeSnapshots(f *reader.SnapshotFetcher, insts []models.Instrument, cfg config.SnapshotConfig, newFetch func() reader.FetchFunc) {
	log := logger.GetLogger().WithComponent("main")
	if !cfg.Enabled {
		log.WithFields(logger.Fields{"exchange": insts[0].Exchange}).Warn("snapshots disabled; books for this exchange will not synchronise")
		return
	}
	fetch := newFetch()
	for _, inst := range insts {
		f.Route(inst, fetch, cfg.Delay)
	}
}
