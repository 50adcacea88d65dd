package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"marketfeed/internal/core"
	"marketfeed/pkg/telemetry"

	"golang.org/x/sync/errgroup"
)

// App holds the configuration and the process-wide dependencies
type App struct {
	Cfg       *Config
	Logger    core.ILogger
	Telemetry *telemetry.Telemetry
}

// NewApp loads the configuration and initializes logging and telemetry.
// version is reported as the service version on exported telemetry.
func NewApp(configPath, version string) (*App, error) {
	cfg, err := LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	tel, err := telemetry.Setup("marketfeed", telemetry.Options{
		Traces:      cfg.Telemetry.EnableTraces,
		Logs:        cfg.Telemetry.EnableTraces,
		SampleRatio: cfg.Telemetry.TraceSampleRatio,
		Version:     version,
	})
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	logger, err := InitLogger(cfg)
	if err != nil {
		_ = tel.Shutdown(context.Background())
		return nil, fmt.Errorf("logger: %w", err)
	}

	return &App{Cfg: cfg, Logger: logger, Telemetry: tel}, nil
}

// Runner is a component that runs until its context is cancelled
type Runner interface {
	Run(ctx context.Context) error
}

// RunnerFunc adapts a function to Runner
type RunnerFunc func(ctx context.Context) error

func (f RunnerFunc) Run(ctx context.Context) error { return f(ctx) }

// Run starts every runner and blocks until SIGINT/SIGTERM or the first runner error
func (a *App) Run(runners ...Runner) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return a.RunContext(ctx, runners...)
}

// RunContext is Run with a caller-supplied context
func (a *App) RunContext(ctx context.Context, runners ...Runner) error {
	g, ctx := errgroup.WithContext(ctx)

	a.Logger.Info("Starting application", "runners", len(runners))
	for _, r := range runners {
		r := r
		g.Go(func() error {
			return r.Run(ctx)
		})
	}

	err := g.Wait()
	a.shutdown()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error("Application stopped with error", "error", err)
		return err
	}

	a.Logger.Info("Application shut down gracefully")
	return nil
}

func (a *App) shutdown() {
	if a.Telemetry == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.Telemetry.Shutdown(ctx); err != nil {
		a.Logger.Warn("Telemetry shutdown failed", "error", err)
	}
}
