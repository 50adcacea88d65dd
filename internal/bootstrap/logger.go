package bootstrap

import (
	"marketfeed/internal/core"
	"marketfeed/pkg/logging"
)

// InitLogger builds the process logger from the system section, bridged into OTel
// logs when tracing is on, and installs it as the zap global
func InitLogger(cfg *Config) (core.ILogger, error) {
	logger, err := logging.NewZapLogger(logging.Options{
		Level:  cfg.System.LogLevel,
		Format: cfg.System.LogFormat,
		Bridge: cfg.Telemetry.EnableTraces,
	})
	if err != nil {
		return nil, err
	}
	logging.SetGlobalLogger(logger)
	return logger, nil
}
