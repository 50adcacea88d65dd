package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"marketfeed/internal/bootstrap"
	"marketfeed/internal/history"
)

func runHistory(args []string) int {
	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	configPath := fs.String("config", "configs/marketfeed.yaml", "Path to configuration file")
	symbol := fs.String("symbol", "", "Base asset, e.g. BTC")
	currency := fs.String("currency", "USD", "Quote currency")
	interval := fs.String("interval", "1m", "Kline interval")
	months := fs.Int("months", 1, "Number of completed months to fetch")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := bootstrap.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	logger, err := bootstrap.InitLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		return 1
	}

	fetcher := history.NewFetcher(history.Config{
		DataDir:     cfg.History.DataDir,
		PrimaryURL:  cfg.History.PrimaryURL,
		FallbackURL: cfg.History.FallbackURL,
		Workers:     cfg.History.Workers,
		Timeout:     2 * time.Minute,
	}, logger)
	defer fetcher.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	available, err := fetcher.Fetch(ctx, history.Request{
		Symbol:   *symbol,
		Currency: *currency,
		Interval: *interval,
		Months:   *months,
	})
	if err != nil {
		logger.Error("History fetch failed", "error", err)
		return 1
	}

	for _, month := range available {
		fmt.Println(month)
	}
	return 0
}
