package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"marketfeed/internal/bootstrap"
	"marketfeed/internal/config"
	"marketfeed/internal/core"
	"marketfeed/internal/feed"
	"marketfeed/internal/infrastructure/health"
	"marketfeed/internal/infrastructure/metrics"
	wsinfra "marketfeed/internal/infrastructure/websocket"
	"marketfeed/internal/venue"
	"marketfeed/pkg/relay"
)

var (
	// Version information (set via build flags)
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "history" {
		os.Exit(runHistory(os.Args[2:]))
	}

	configPath := flag.String("config", "configs/marketfeed.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("marketfeed version %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	os.Exit(runFeed(*configPath))
}

func runFeed(configPath string) int {
	app, err := bootstrap.NewApp(configPath, version)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start: %v\n", err)
		return 1
	}
	cfg, logger := app.Cfg, app.Logger

	logger.Info("Starting marketfeed", "version", version, "venue", cfg.Venue.Mode, "subscriptions", len(cfg.Subscriptions))

	mode, err := venue.ParseMode(cfg.Venue.Mode)
	if err != nil {
		logger.Error("Invalid venue mode", "error", err)
		return 1
	}
	selector := venue.NewSelector(endpoint(cfg.Venue.Primary), endpoint(cfg.Venue.Fallback), mode)
	venueClient := venue.NewClient(selector, venue.ClientConfig{
		RequestTimeout:    cfg.Venue.RequestTimeout(),
		RequestsPerSecond: cfg.Venue.RequestsPerSecond,
		ExchangeInfoTTL:   cfg.Venue.ExchangeInfoTTL(),
		Failover:          venue.StatusCodePolicy(cfg.Venue.FailoverStatusCodes...),
	}, logger)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Venue.RequestTimeout())
	if err := venueClient.Ping(ctx); err != nil {
		logger.Warn("Venue ping failed (will continue)", "error", err, "venue", selector.Mode().String())
	} else {
		logger.Info("Venue ping passed", "venue", selector.Mode().String())
	}
	cancel()

	dialer := wsinfra.NewDialer(
		time.Duration(cfg.Timing.WebsocketHandshakeTimeout)*time.Second,
		time.Duration(cfg.Timing.WebsocketPongWait)*time.Second,
	)
	engine := feed.NewEngine(feed.OptionsFromConfig(cfg.Engine), dialer, selector, venueClient, logger)

	healthManager := health.NewManager(logger)
	healthManager.Register("engine", engine.HealthCheck)
	healthManager.Register("venue", func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return venueClient.Ping(ctx)
	})

	runners := []bootstrap.Runner{engine}

	var relaySub core.Subscriber
	if cfg.Relay.Enabled {
		relayServer := relay.NewServer(cfg.Relay.Addr, relay.Options{
			AllowedOrigins: cfg.Relay.AllowedOrigins,
			MaxConnections: cfg.Relay.MaxConnections,
			RateLimit:      cfg.Relay.RateLimit,
			RateBurst:      cfg.Relay.RateBurst,
		}, logger)
		healthManager.Register("relay", relayServer.HealthCheck)
		runners = append(runners, relayServer)
		relaySub = relayServer
	}

	ctx, cancel = context.WithTimeout(context.Background(), cfg.Venue.RequestTimeout()*time.Duration(len(cfg.Subscriptions)+1))
	err = subscribeAll(ctx, engine, cfg, relaySub, logger)
	cancel()
	if err != nil {
		logger.Error("Subscription failed", "error", err)
		return 1
	}

	if cfg.Telemetry.EnableMetrics {
		runners = append(runners, metrics.NewServer(cfg.Telemetry.MetricsPort, healthManager, logger))
	}

	if err := app.Run(runners...); err != nil {
		return 1
	}
	return 0
}

func endpoint(c config.EndpointConfig) venue.Endpoint {
	return venue.Endpoint{WSURL: c.WSURL, RESTURL: c.RESTURL}
}
