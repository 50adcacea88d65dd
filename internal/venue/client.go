package venue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"marketfeed/internal/core"
	apperrors "marketfeed/pkg/errors"
	fhttp "marketfeed/pkg/http"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"golang.org/x/time/rate"
)

const (
	pathPing         = "/api/v3/ping"
	pathExchangeInfo = "/api/v3/exchangeInfo"
)

// FailoverPolicy decides whether a failed REST response should switch venues.
// apiErr is the decoded venue error body, or nil when the body was not one.
type FailoverPolicy func(statusCode int, apiErr *common.APIError) bool

// StatusCodePolicy fails over on any of the given HTTP status codes
func StatusCodePolicy(codes ...int) FailoverPolicy {
	set := make(map[int]struct{}, len(codes))
	for _, c := range codes {
		set[c] = struct{}{}
	}
	return func(statusCode int, _ *common.APIError) bool {
		_, ok := set[statusCode]
		return ok
	}
}

// ClientConfig configures the metadata client
type ClientConfig struct {
	RequestTimeout    time.Duration
	RequestsPerSecond float64
	ExchangeInfoTTL   time.Duration
	Failover          FailoverPolicy
}

// Client queries venue metadata over REST with venue failover and a cached symbol set
type Client struct {
	selector *Selector
	rest     [2]*fhttp.Client
	limiter  *rate.Limiter
	failover FailoverPolicy
	ttl      time.Duration
	logger   core.ILogger

	mu        sync.Mutex
	symbols   map[string]binance.Symbol
	fetchedAt time.Time
}

// NewClient creates a metadata client sharing the engine's venue selector
func NewClient(selector *Selector, cfg ClientConfig, logger core.ILogger) *Client {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 5
	}
	if cfg.Failover == nil {
		cfg.Failover = StatusCodePolicy(451)
	}

	return &Client{
		selector: selector,
		rest: [2]*fhttp.Client{
			fhttp.NewClient(selector.EndpointFor(ModePrimary).RESTURL, cfg.RequestTimeout),
			fhttp.NewClient(selector.EndpointFor(ModeFallback).RESTURL, cfg.RequestTimeout),
		},
		limiter:  rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1),
		failover: cfg.Failover,
		ttl:      cfg.ExchangeInfoTTL,
		logger:   logger.WithField("component", "venue_client"),
	}
}

// Ping checks REST connectivity to the current venue
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.get(ctx, pathPing, nil)
	return err
}

// ExchangeInfo fetches the full exchange info document
func (c *Client) ExchangeInfo(ctx context.Context) (*binance.ExchangeInfo, error) {
	body, err := c.get(ctx, pathExchangeInfo, nil)
	if err != nil {
		return nil, err
	}

	var info binance.ExchangeInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("failed to decode exchange info: %w", err)
	}
	return &info, nil
}

// Symbol returns the venue metadata for a pair such as "BTCUSD"
func (c *Client) Symbol(ctx context.Context, symbol string) (binance.Symbol, error) {
	symbols, err := c.symbolSet(ctx)
	if err != nil {
		return binance.Symbol{}, err
	}

	s, ok := symbols[strings.ToUpper(symbol)]
	if !ok {
		return binance.Symbol{}, fmt.Errorf("%w: %s", apperrors.ErrSymbolNotFound, strings.ToUpper(symbol))
	}
	return s, nil
}

// ValidateSymbol implements core.SymbolValidator
func (c *Client) ValidateSymbol(ctx context.Context, symbol string) error {
	s, err := c.Symbol(ctx, symbol)
	if err != nil {
		return err
	}
	if s.Status != "" && s.Status != "TRADING" {
		c.logger.Warn("Symbol is not trading", "symbol", s.Symbol, "status", s.Status)
	}
	return nil
}

// Invalidate drops the cached symbol set
func (c *Client) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.symbols = nil
}

func (c *Client) symbolSet(ctx context.Context) (map[string]binance.Symbol, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.symbols != nil && c.ttl > 0 && time.Since(c.fetchedAt) < c.ttl {
		return c.symbols, nil
	}

	info, err := c.ExchangeInfo(ctx)
	if err != nil {
		return nil, err
	}

	symbols := make(map[string]binance.Symbol, len(info.Symbols))
	for _, s := range info.Symbols {
		symbols[s.Symbol] = s
	}
	c.symbols = symbols
	c.fetchedAt = time.Now()

	c.logger.Debug("Exchange info refreshed", "symbols", len(symbols), "venue", c.selector.Mode().String())
	return symbols, nil
}

// get issues a rate-limited GET on the current venue. A failure matching the failover
// policy switches the shared selector and retries once on the other venue.
func (c *Client) get(ctx context.Context, path string, params map[string]string) ([]byte, error) {
	mode := c.selector.Mode()

	body, err := c.getOn(ctx, mode, path, params)
	if err == nil {
		return body, nil
	}

	var httpErr *fhttp.APIError
	if !errors.As(err, &httpErr) || !c.failover(httpErr.StatusCode, decodeAPIError(httpErr.Body)) {
		return nil, err
	}

	if c.selector.Toggle(mode) {
		c.logger.Warn("Venue failover triggered",
			"status", httpErr.StatusCode,
			"from", mode.String(),
			"to", mode.Other().String())
	}
	return c.getOn(ctx, mode.Other(), path, params)
}

func (c *Client) getOn(ctx context.Context, mode Mode, path string, params map[string]string) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return c.rest[mode&1].Get(ctx, path, params)
}

func decodeAPIError(body []byte) *common.APIError {
	apiErr := new(common.APIError)
	if err := json.Unmarshal(body, apiErr); err != nil {
		return nil
	}
	return apiErr
}
