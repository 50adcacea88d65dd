// Package history downloads monthly kline archives and keeps them on disk as CSV.
package history

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"marketfeed/internal/core"
	"marketfeed/internal/feed"
	"marketfeed/pkg/concurrency"
	apperrors "marketfeed/pkg/errors"
	fhttp "marketfeed/pkg/http"
	"marketfeed/pkg/telemetry"
)

const (
	monthLayout = "2006-01"
	// a month of 1s klines is a few hundred MB uncompressed
	maxEntryBytes = 2 << 30
)

// Request selects the archives to fetch
type Request struct {
	Symbol   string
	Currency string
	Interval string
	Months   int
}

// Config holds the archive locations and download settings
type Config struct {
	DataDir     string
	PrimaryURL  string
	FallbackURL string
	Workers     int
	Timeout     time.Duration
}

type source struct {
	name   string
	client *fhttp.Client
}

// Fetcher downloads the monthly archives of the last N completed months
type Fetcher struct {
	dataDir string
	sources []source
	pool    *concurrency.WorkerPool
	logger  core.ILogger
	metrics *telemetry.MetricsHolder
	now     func() time.Time

	maxEntry int64
}

// NewFetcher creates a fetcher. The fallback source is optional.
func NewFetcher(cfg Config, logger core.ILogger) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Minute
	}
	sources := []source{{name: "primary", client: fhttp.NewClient(strings.TrimRight(cfg.PrimaryURL, "/"), cfg.Timeout)}}
	if cfg.FallbackURL != "" {
		sources = append(sources, source{name: "fallback", client: fhttp.NewClient(strings.TrimRight(cfg.FallbackURL, "/"), cfg.Timeout)})
	}

	return &Fetcher{
		dataDir: cfg.DataDir,
		sources: sources,
		pool: concurrency.NewWorkerPool(concurrency.PoolConfig{
			Name:       "history",
			MaxWorkers: cfg.Workers,
		}, logger),
		logger:  logger.WithField("component", "history"),
		metrics: telemetry.GetGlobalMetrics(),
		now:     time.Now,

		maxEntry: maxEntryBytes,
	}
}

// Close releases the download workers
func (f *Fetcher) Close() {
	f.pool.Stop()
}

// Fetch makes sure the requested months are on disk and returns the ones available,
// oldest first. Months missing from every source are logged and skipped.
func (f *Fetcher) Fetch(ctx context.Context, req Request) ([]string, error) {
	req, err := normalize(req)
	if err != nil {
		return nil, err
	}

	dir := filepath.Join(f.dataDir, req.Symbol)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	months := LastMonths(f.now(), req.Months)
	var tasks []concurrency.Job
	for _, month := range months {
		month := month
		if fileExists(f.csvPath(req, month)) {
			continue
		}
		tasks = append(tasks, func(ctx context.Context) error {
			return f.fetchMonth(ctx, req, month)
		})
	}

	f.logger.Info("Fetching archives",
		"pair", req.Symbol+req.Currency,
		"interval", req.Interval,
		"months", len(months),
		"missing", len(tasks))

	if err := f.pool.RunAll(ctx, tasks...); err != nil {
		return nil, err
	}

	available := make([]string, 0, len(months))
	for _, month := range months {
		if fileExists(f.csvPath(req, month)) {
			available = append(available, month)
		}
	}
	return available, nil
}

// Available lists the months already on disk for the pair and interval, oldest first
func (f *Fetcher) Available(symbol, currency, interval string) ([]string, error) {
	req, err := normalize(Request{Symbol: symbol, Currency: currency, Interval: interval, Months: 1})
	if err != nil {
		return nil, err
	}

	prefix := archiveName(req, "")
	entries, err := os.ReadDir(filepath.Join(f.dataDir, req.Symbol))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var months []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, ".csv") {
			continue
		}
		month := strings.TrimSuffix(strings.TrimPrefix(name, prefix), ".csv")
		if _, err := time.Parse(monthLayout, month); err == nil {
			months = append(months, month)
		}
	}
	sort.Strings(months)
	return months, nil
}

func (f *Fetcher) fetchMonth(ctx context.Context, req Request, month string) error {
	path := "/" + req.Symbol + req.Currency + "/" + req.Interval + "/" + archiveName(req, month) + ".zip"

	for _, src := range f.sources {
		data, err := src.client.Get(ctx, path, nil)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			f.logger.Debug("Archive unavailable", "source", src.name, "month", month, "error", err)
			continue
		}

		if err := f.extract(data, f.csvPath(req, month)); err != nil {
			if errors.Is(err, apperrors.ErrArchiveNotFound) {
				f.logger.Warn("Archive has no CSV", "source", src.name, "month", month)
				continue
			}
			if errors.Is(err, apperrors.ErrArchiveTooLarge) {
				f.logger.Warn("Archive rejected", "source", src.name, "month", month, "error", err)
				continue
			}
			return err
		}

		f.metrics.RecordArchiveMonth(ctx, req.Symbol+req.Currency, src.name)
		f.logger.Info("Archive stored", "source", src.name, "month", month)
		return nil
	}

	f.logger.Warn("Archive missing on every source", "pair", req.Symbol+req.Currency, "interval", req.Interval, "month", month)
	return nil
}

// extract writes the first CSV entry of the zip archive to target
func (f *Fetcher) extract(data []byte, target string) error {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return fmt.Errorf("%w: %v", apperrors.ErrArchiveNotFound, err)
	}

	for _, entry := range zr.File {
		if !strings.HasSuffix(entry.Name, ".csv") {
			continue
		}
		if entry.UncompressedSize64 > uint64(f.maxEntry) {
			return fmt.Errorf("%w: %s declares %d bytes, limit %d", apperrors.ErrArchiveTooLarge, entry.Name, entry.UncompressedSize64, f.maxEntry)
		}
		rc, err := entry.Open()
		if err != nil {
			return fmt.Errorf("open %s: %w", entry.Name, err)
		}
		// the declared size is untrusted; never copy more than it claims
		err = writeAtomic(target, rc, int64(entry.UncompressedSize64))
		rc.Close()
		return err
	}
	return apperrors.ErrArchiveNotFound
}

func (f *Fetcher) csvPath(req Request, month string) string {
	return filepath.Join(f.dataDir, req.Symbol, archiveName(req, month)+".csv")
}

// LastMonths returns the n completed months before now, oldest first
func LastMonths(now time.Time, n int) []string {
	now = now.UTC()
	months := make([]string, 0, n)
	for i := n; i > 0; i-- {
		months = append(months, time.Date(now.Year(), now.Month()-time.Month(i), 1, 0, 0, 0, 0, time.UTC).Format(monthLayout))
	}
	return months
}

func normalize(req Request) (Request, error) {
	req.Symbol = strings.ToUpper(strings.TrimSpace(req.Symbol))
	req.Currency = strings.ToUpper(strings.TrimSpace(req.Currency))
	if req.Currency == "" {
		req.Currency = feed.DefaultCurrency
	}
	if req.Symbol == "" || !feed.IsAlnum(req.Symbol) {
		return req, fmt.Errorf("%w: %q", apperrors.ErrInvalidSymbol, req.Symbol)
	}
	if !feed.IsAlnum(req.Currency) {
		return req, fmt.Errorf("%w: %q", apperrors.ErrInvalidCurrency, req.Currency)
	}
	if !feed.IsKlineInterval(req.Interval) {
		return req, fmt.Errorf("%w: %q", apperrors.ErrInvalidInterval, req.Interval)
	}
	if req.Months <= 0 {
		return req, fmt.Errorf("months must be greater than 0, got %d", req.Months)
	}
	return req, nil
}

// archiveName is "BTCUSD-1m-2024-01", or the "BTCUSD-1m-" prefix when month is empty
func archiveName(req Request, month string) string {
	return req.Symbol + req.Currency + "-" + req.Interval + "-" + month
}

// writeAtomic copies at most limit bytes of r into target, or nothing at all
func writeAtomic(target string, r io.Reader, limit int64) error {
	tmp, err := os.CreateTemp(filepath.Dir(target), ".archive-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	n, err := io.Copy(tmp, io.LimitReader(r, limit+1))
	if err == nil && n > limit {
		err = fmt.Errorf("%w: more than %d bytes", apperrors.ErrArchiveTooLarge, limit)
	}
	if err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", target, err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), target)
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
