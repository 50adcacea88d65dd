package bootstrap

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"

	"marketfeed/internal/config"
)

type Config = config.Config

// LoadConfig reads and validates the file, then probes the environment it describes
func LoadConfig(path string) (*Config, error) {
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, err
	}
	if err := preflight(cfg); err != nil {
		return nil, fmt.Errorf("pre-flight: %w", err)
	}
	return cfg, nil
}

// preflight runs every probe and reports all failures together
func preflight(cfg *Config) error {
	probes := []struct {
		name string
		run  func(*Config) error
	}{
		{"history.data_dir", probeDataDir},
		{"relay.addr", probeRelayAddr},
	}

	var errs []error
	for _, p := range probes {
		if err := p.run(cfg); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", p.name, err))
		}
	}
	return errors.Join(errs...)
}

func probeDataDir(cfg *Config) error {
	dir := cfg.History.DataDir
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, ".writable-*")
	if err != nil {
		return fmt.Errorf("%s is not writable: %w", dir, err)
	}
	name := f.Name()
	f.Close()
	return os.Remove(name)
}

func probeRelayAddr(cfg *Config) error {
	if !cfg.Relay.Enabled {
		return nil
	}
	_, port, err := net.SplitHostPort(cfg.Relay.Addr)
	if err != nil {
		return err
	}
	if cfg.Telemetry.EnableMetrics && port == strconv.Itoa(cfg.Telemetry.MetricsPort) {
		return fmt.Errorf("port %s is already taken by the metrics server", port)
	}
	return nil
}
