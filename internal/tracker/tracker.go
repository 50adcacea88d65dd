// Package tracker provides ready-made subscribers for the feed engine.
package tracker

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"marketfeed/internal/core"

	"github.com/adshao/go-binance/v2"
	"github.com/shopspring/decimal"
)

// PrintTracker logs every event it receives
type PrintTracker struct {
	name     string
	logger   core.ILogger
	received atomic.Int64
}

// NewPrintTracker creates a tracker logging under name
func NewPrintTracker(name string, logger core.ILogger) *PrintTracker {
	return &PrintTracker{
		name:   name,
		logger: logger.WithFields(map[string]interface{}{"component": "tracker", "tracker": name}),
	}
}

func (t *PrintTracker) Receive(topic string, ev core.Event) error {
	t.received.Add(1)
	t.logger.Info("Event", "topic", topic, "type", ev.Type, "data", string(ev.Raw))
	return nil
}

// Received returns the number of events seen
func (t *PrintTracker) Received() int64 {
	return t.received.Load()
}

func (t *PrintTracker) String() string {
	return t.name
}

// Quote is the price summary kept for one topic
type Quote struct {
	Last      decimal.Decimal
	High      decimal.Decimal
	Low       decimal.Decimal
	Updates   int64
	UpdatedAt time.Time
}

// PriceTracker keeps the last, high and low price per topic
type PriceTracker struct {
	name   string
	logger core.ILogger

	mu     sync.RWMutex
	quotes map[string]Quote
}

// NewPriceTracker creates an empty price tracker
func NewPriceTracker(name string, logger core.ILogger) *PriceTracker {
	return &PriceTracker{
		name:   name,
		logger: logger.WithFields(map[string]interface{}{"component": "tracker", "tracker": name}),
		quotes: make(map[string]Quote),
	}
}

// Receive updates the topic's quote. Events without a price are ignored.
func (t *PriceTracker) Receive(topic string, ev core.Event) error {
	price, ok, err := priceOf(ev)
	if err != nil {
		return fmt.Errorf("%s: %w", topic, err)
	}
	if !ok {
		return nil
	}

	t.mu.Lock()
	q, seen := t.quotes[topic]
	if !seen {
		q.High, q.Low = price, price
	}
	q.Last = price
	if price.GreaterThan(q.High) {
		q.High = price
	}
	if price.LessThan(q.Low) {
		q.Low = price
	}
	q.Updates++
	q.UpdatedAt = ev.ReceivedAt
	t.quotes[topic] = q
	t.mu.Unlock()

	if !seen {
		t.logger.Info("First price", "topic", topic, "price", price.String())
	}
	return nil
}

// Quote returns the current summary for topic
func (t *PriceTracker) Quote(topic string) (Quote, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	q, ok := t.quotes[topic]
	return q, ok
}

// Topics returns the number of topics with at least one price
func (t *PriceTracker) Topics() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.quotes)
}

func (t *PriceTracker) String() string {
	return t.name
}

// priceOf extracts the traded or last price; book tickers use the bid/ask midpoint
func priceOf(ev core.Event) (decimal.Decimal, bool, error) {
	var raw string
	switch data := ev.Data.(type) {
	case *binance.WsTradeEvent:
		raw = data.Price
	case *binance.WsAggTradeEvent:
		raw = data.Price
	case *binance.WsKlineEvent:
		raw = data.Kline.Close
	case *binance.WsMarketStatEvent:
		raw = data.LastPrice
	case *binance.WsMiniMarketsStatEvent:
		raw = data.LastPrice
	case *binance.WsBookTickerEvent:
		bid, err := decimal.NewFromString(data.BestBidPrice)
		if err != nil {
			return decimal.Zero, false, fmt.Errorf("bid price: %w", err)
		}
		ask, err := decimal.NewFromString(data.BestAskPrice)
		if err != nil {
			return decimal.Zero, false, fmt.Errorf("ask price: %w", err)
		}
		return bid.Add(ask).Div(decimal.NewFromInt(2)), true, nil
	default:
		return decimal.Zero, false, nil
	}

	price, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("price %q: %w", raw, err)
	}
	return price, true, nil
}
