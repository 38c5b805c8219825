package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"tacitus/internal/api"
	"tacitus/internal/bridge"
	"tacitus/internal/config"
	"tacitus/internal/entity"
	"tacitus/internal/ha"
	"tacitus/internal/metrics"
	"tacitus/internal/poller"
	"tacitus/internal/tacitus"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	// Initialize logger
	logger, err := newLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	// Load environment variables
	if err := godotenv.Load(); err != nil {
		logger.Warn("No .env file found, using environment variables")
	}

	configDir := os.Getenv("CONFIG_DIR")
	if configDir == "" {
		configDir = "./configs"
	}

	cfg, err := config.NewLoader(configDir, logger).Load()
	if err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal("Invalid configuration", zap.Error(err))
	}

	resources, err := cfg.Resources()
	if err != nil {
		logger.Fatal("Invalid resources", zap.Error(err))
	}

	logger.Info("Starting Tacitus bridge",
		zap.String("api_url", cfg.Tacitus.APIURL),
		zap.Duration("poll_interval", cfg.Tacitus.PollInterval.Std()),
		zap.Int("resources", len(resources)),
		zap.Bool("home_assistant", cfg.HomeAssistant.Enabled()),
		zap.Bool("read_only", cfg.HomeAssistant.ReadOnly))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, resources, logger); err != nil {
		logger.Fatal("Bridge stopped with error", zap.Error(err))
	}

	logger.Info("Shutdown complete")
}

func newLogger() (*zap.Logger, error) {
	if os.Getenv("LOG_LEVEL") == "debug" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func run(ctx context.Context, cfg *config.Config, resources []tacitus.Resource, logger *zap.Logger) error {
	// Prometheus registry shared by the exporter and the status API
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	fetcher := metrics.InstrumentFetcher(tacitus.NewClient(cfg.Tacitus.APIURL, logger), m)

	pollers := make([]*poller.Poller, 0, len(resources))
	for _, resource := range resources {
		pollers = append(pollers, poller.New(resource, fetcher, cfg.Tacitus.PollInterval.Std(), logger,
			poller.WithTimeout(cfg.Tacitus.FetchTimeout.Std()),
			poller.WithFailureBackoff(cfg.Tacitus.BackoffInitial.Std(), cfg.Tacitus.BackoffMax.Std()),
		))
	}

	var haClient ha.HAClient
	var wsClient *ha.Client
	if cfg.HomeAssistant.Enabled() {
		client, err := ha.NewClient(cfg.HomeAssistant.URL, cfg.HomeAssistant.Token, logger)
		if err != nil {
			return fmt.Errorf("failed to create Home Assistant client: %w", err)
		}
		haClient = client
		wsClient = client
	}

	registry := entity.NewRegistry(cfg.DeviceDefaults(), logger)
	bridgeManager := bridge.NewManager(haClient, registry, m, logger, cfg.HomeAssistant.ReadOnly)
	for _, p := range pollers {
		bridgeManager.Attach(p)
	}
	if err := bridgeManager.Start(); err != nil {
		return fmt.Errorf("failed to start bridge: %w", err)
	}
	defer bridgeManager.Stop()

	if wsClient != nil {
		// States are written over REST, so a failed first connect only delays republishing
		if err := wsClient.ConnectInBackground(); err != nil {
			logger.Warn("Failed to connect to Home Assistant, retrying in background", zap.Error(err))
		}
		defer wsClient.Disconnect()
	}

	server := api.NewServer(bridgeManager, pollers, reg, logger, cfg.APIPort)
	if err := server.Start(); err != nil {
		return fmt.Errorf("failed to start API server: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return bridgeManager.Run(gctx)
	})

	for _, p := range pollers {
		g.Go(func() error {
			return p.Run(gctx)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down gracefully...")
		return server.Stop()
	})

	return g.Wait()
}
