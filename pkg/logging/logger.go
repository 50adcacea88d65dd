// Package logging adapts zap to core.ILogger and bridges records into OpenTelemetry
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"marketfeed/internal/core"

	"go.opentelemetry.io/contrib/bridges/otelzap"
	"go.opentelemetry.io/otel/log/global"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const scope = "marketfeed"

// Options controls how NewZapLogger renders records
type Options struct {
	// Level is DEBUG, INFO, WARN, ERROR or FATAL; empty means INFO
	Level string
	// Format is "console" or "json"; empty means console
	Format string
	// Output defaults to stdout
	Output io.Writer
	// Bridge also sends records to the global OTel logger provider
	Bridge bool
}

// ZapLogger implements core.ILogger
type ZapLogger struct {
	z *zap.Logger
}

var _ core.ILogger = (*ZapLogger)(nil)

// NewZapLogger builds a logger from opts
func NewZapLogger(opts Options) (*ZapLogger, error) {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, err
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	var enc zapcore.Encoder
	switch strings.ToLower(opts.Format) {
	case "", "console":
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		enc = zapcore.NewConsoleEncoder(encCfg)
	case "json":
		enc = zapcore.NewJSONEncoder(encCfg)
	default:
		return nil, fmt.Errorf("invalid log format: %s", opts.Format)
	}

	out := opts.Output
	if out == nil {
		out = os.Stdout
	}
	cores := []zapcore.Core{zapcore.NewCore(enc, zapcore.AddSync(out), level)}
	if opts.Bridge {
		cores = append(cores, otelzap.NewCore(scope, otelzap.WithLoggerProvider(global.GetLoggerProvider())))
	}

	return &ZapLogger{z: zap.New(zapcore.NewTee(cores...), zap.AddCaller(), zap.AddCallerSkip(1))}, nil
}

// NewFromZap wraps an existing zap logger
func NewFromZap(l *zap.Logger) *ZapLogger {
	return &ZapLogger{z: l}
}

func NewNopLogger() *ZapLogger {
	return &ZapLogger{z: zap.NewNop()}
}

// ParseLevel maps a level name to a zap level. WARNING is accepted for WARN.
func ParseLevel(level string) (zapcore.Level, error) {
	name := strings.ToUpper(strings.TrimSpace(level))
	switch name {
	case "":
		return zap.InfoLevel, nil
	case "WARNING":
		return zap.WarnLevel, nil
	case "DEBUG", "INFO", "WARN", "ERROR", "FATAL":
		var l zapcore.Level
		err := l.UnmarshalText([]byte(name))
		return l, err
	}
	return zap.InfoLevel, fmt.Errorf("invalid log level: %s", level)
}

// fields turns alternating key/value pairs into zap fields, dropping a trailing key
func fields(kv []interface{}) []zap.Field {
	out := make([]zap.Field, 0, len(kv)/2)
	for i := 1; i < len(kv); i += 2 {
		key := fmt.Sprint(kv[i-1])
		switch v := kv[i].(type) {
		case error:
			out = append(out, zap.NamedError(key, v))
		case fmt.Stringer:
			out = append(out, zap.Stringer(key, v))
		default:
			out = append(out, zap.Any(key, v))
		}
	}
	return out
}

func (l *ZapLogger) Debug(msg string, kv ...interface{}) { l.z.Debug(msg, fields(kv)...) }
func (l *ZapLogger) Info(msg string, kv ...interface{})  { l.z.Info(msg, fields(kv)...) }
func (l *ZapLogger) Warn(msg string, kv ...interface{})  { l.z.Warn(msg, fields(kv)...) }
func (l *ZapLogger) Error(msg string, kv ...interface{}) { l.z.Error(msg, fields(kv)...) }
func (l *ZapLogger) Fatal(msg string, kv ...interface{}) { l.z.Fatal(msg, fields(kv)...) }

func (l *ZapLogger) WithField(key string, value interface{}) core.ILogger {
	return &ZapLogger{z: l.z.With(fields([]interface{}{key, value})...)}
}

func (l *ZapLogger) WithFields(kv map[string]interface{}) core.ILogger {
	flat := make([]interface{}, 0, 2*len(kv))
	for k, v := range kv {
		flat = append(flat, k, v)
	}
	return &ZapLogger{z: l.z.With(fields(flat)...)}
}

// Sync flushes buffered records
func (l *ZapLogger) Sync() error {
	return l.z.Sync()
}

// Zap exposes the underlying logger
func (l *ZapLogger) Zap() *zap.Logger {
	return l.z
}

// SetGlobalLogger makes l the zap global so library code using zap.L() shares its sinks
func SetGlobalLogger(l *ZapLogger) (restore func()) {
	return zap.ReplaceGlobals(l.z)
}
