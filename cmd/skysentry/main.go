package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sourcegraph/conc"
	flag "github.com/spf13/pflag"

	"github.com/rewired-gh/skysentry/internal/anomaly"
	"github.com/rewired-gh/skysentry/internal/api"
	"github.com/rewired-gh/skysentry/internal/config"
	"github.com/rewired-gh/skysentry/internal/history"
	"github.com/rewired-gh/skysentry/internal/logger"
	"github.com/rewired-gh/skysentry/internal/metrics"
	"github.com/rewired-gh/skysentry/internal/opensky"
	"github.com/rewired-gh/skysentry/internal/poller"
	"github.com/rewired-gh/skysentry/internal/ratelimit"
	"github.com/rewired-gh/skysentry/internal/redis"
	"github.com/rewired-gh/skysentry/internal/service"
	"github.com/rewired-gh/skysentry/internal/storage"
	"github.com/rewired-gh/skysentry/internal/telegram"
)

const shutdownTimeout = 10 * time.Second

var configPath = flag.StringP("config", "c", "configs/config.yaml", "Path to configuration file")

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logger.Init(cfg.Logging.Level, cfg.Logging.Format)
	logger.Info("Configuration loaded from %s", *configPath)
	logger.Info("Budget: %d requests/day (%s), floor %v, scheduled %d/day per limiter",
		cfg.OpenSky.DailyBudget, cfg.OpenSky.BudgetMode, cfg.Floor(), cfg.ScheduledDailyCalls())

	store, err := storage.New(cfg.Storage.DBPath, cfg.DedupBucket())
	if err != nil {
		logger.Fatal("Failed to initialize storage: %v", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("Failed to close storage: %v", err)
		}
	}()

	index := history.New(cfg.History.WindowSize)
	if windows, err := store.LoadHistory(); err != nil {
		logger.Warn("Failed to load history checkpoint, starting empty: %v", err)
	} else {
		index.Restore(windows)
		logger.Info("Restored history of %d aircraft", index.Len())
	}

	if cfg.Metrics.Enabled {
		if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
			logger.Fatal("Failed to register metrics: %v", err)
		}
	}

	var telegramClient *telegram.Client
	if cfg.Telegram.Enabled {
		telegramClient, err = telegram.NewClient(cfg.Telegram.BotToken, cfg.Telegram.ChatID,
			cfg.Telegram.MaxRetries, cfg.Telegram.RetryDelayBase,
			telegram.Options{MinSeverity: cfg.MinSeverity(), MaxFindings: cfg.Telegram.MaxFindings})
		if err != nil {
			logger.Fatal("Failed to initialize Telegram client: %v", err)
		}
		logger.Info("Telegram client initialized successfully")
	} else {
		logger.Debug("Telegram notifications disabled")
	}

	publisher := redis.NewPublisher(cfg.Redis)
	defer publisher.Close() //nolint:errcheck

	hub := api.NewHub()
	sinks := []poller.Sink{hub, publisher}
	var notifier poller.FailureNotifier
	if telegramClient != nil {
		sinks = append(sinks, telegramClient)
		notifier = telegramClient
	}

	engine := anomaly.NewEngine(anomaly.Thresholds{
		HighAltitudeM:      cfg.Rules.HighAltitudeM,
		LowSpeedKmh:        cfg.Rules.LowSpeedKmh,
		ExcessiveAltitudeM: cfg.Rules.ExcessiveAltitudeM,
		LowAltitudeM:       cfg.Rules.LowAltitudeM,
		HighSpeedKmh:       cfg.Rules.HighSpeedKmh,
		VerticalRateMs:     cfg.Rules.VerticalRateMs,
		ExcessiveSpeedKmh:  cfg.Rules.ExcessiveSpeedKmh,
		StationarySpeedKmh: cfg.Rules.StationarySpeedKmh,
	})
	checkpoints := poller.NewCheckpointer(index, store, cfg.History.CheckpointInterval)

	// Each limiter resumes from the last start its key recorded, so restarts keep the floor.
	newClient := func(key string) *opensky.Client {
		limiter := ratelimit.New(cfg.Floor(), nil)
		if err := limiter.Attach(store, key); err != nil {
			logger.Warn("Rate limiter %s starts without history: %v", key, err)
		} else if last, ok := limiter.LastStart(); ok {
			logger.Info("Rate limiter %s resumes from fetch started at %s", key, last.Format(time.RFC3339))
		}
		return opensky.NewClient(cfg.OpenSky.BaseURL, cfg.OpenSky.Timeout,
			limiter,
			opensky.ClientConfig{
				Username:            cfg.OpenSky.Username,
				Password:            cfg.OpenSky.Password,
				MaxIdleConns:        cfg.OpenSky.MaxIdleConns,
				MaxIdleConnsPerHost: cfg.OpenSky.MaxIdleConnsPerHost,
				IdleConnTimeout:     cfg.OpenSky.IdleConnTimeout,
			})
	}
	// Shared mode funnels every region through one limiter.
	var shared *opensky.Client
	if cfg.OpenSky.BudgetMode == config.BudgetShared {
		shared = newClient(config.BudgetShared)
	}

	var pipelines []*poller.Pipeline
	for _, region := range cfg.Regions() {
		client := shared
		if client == nil {
			client = newClient(region.Name)
		}
		pipelines = append(pipelines, poller.New(poller.Config{
			Region:            region,
			PollInterval:      cfg.OpenSky.PollInterval,
			BackoffInitial:    cfg.OpenSky.BackoffInitial,
			BackoffCap:        cfg.BackoffCap(),
			SilenceThreshold:  cfg.History.SilenceThreshold,
			SnapshotRetention: cfg.Storage.SnapshotRetention,
			AlertRetention:    cfg.Storage.AlertRetention,
		}, poller.Deps{
			Fetcher:     client,
			Limiter:     client.Limiter(),
			Index:       index,
			Engine:      engine,
			Store:       store,
			Sinks:       sinks,
			Checkpoints: checkpoints,
			Notifier:    notifier,
		}))
	}
	group := poller.NewGroup(checkpoints, pipelines...)

	svc := service.New(store, index, group, service.Options{
		StaleAfter:  cfg.StaleAfter(),
		FlightDepth: cfg.API.FlightDepth,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if telegramClient != nil {
		telegramClient.ListenForCommands(ctx, svc)
	}

	var server *api.Server
	if cfg.API.Enabled {
		if cfg.Logging.Level != "debug" {
			gin.SetMode(gin.ReleaseMode)
		}
		opts := api.Options{Address: cfg.API.Address}
		if cfg.Metrics.Enabled {
			opts.MetricsPath = cfg.Metrics.Path
			opts.MetricsHandler = promhttp.Handler()
		}
		server = api.NewServer(svc, hub, opts)
		server.Start()
	} else if cfg.Metrics.Enabled {
		logger.Warn("Metrics are served by the query API, which is disabled")
	}

	logger.Info("Starting %d region pipelines (interval: %v, window_size: %d)",
		len(pipelines), cfg.OpenSky.PollInterval, index.Size())

	var wg conc.WaitGroup
	wg.Go(func() { hub.Run(ctx) })
	wg.Go(func() { group.Run(ctx) })

	<-ctx.Done()
	logger.Info("Shutdown signal received, finishing in-flight cycles...")
	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Query API shutdown: %v", err)
		}
		cancel()
	}
	wg.Wait()
	logger.Info("Service stopped")
}
