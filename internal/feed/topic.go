// Package feed implements the market data stream engine: the subscription registry,
// per-topic stream listeners, the reconciliation coordinator and the dispatcher.
package feed

import (
	"fmt"
	"strings"

	apperrors "marketfeed/pkg/errors"
)

const (
	DefaultCurrency = "USD"
	DefaultEvent    = "ticker"
)

// KlineIntervals lists the kline and archive intervals the venue publishes
var KlineIntervals = []string{
	"1s", "1m", "3m", "5m", "15m", "30m",
	"1h", "2h", "4h", "6h", "8h", "12h",
	"1d", "3d", "1w", "1M",
}

var baseEvents = []string{
	"trade", "aggTrade",
	"ticker", "ticker_1h", "ticker_4h",
	"miniTicker", "bookTicker",
	"depth", "depth@100ms",
}

var streamEvents = buildEventSet()

func buildEventSet() map[string]struct{} {
	set := make(map[string]struct{}, len(baseEvents)+len(KlineIntervals))
	for _, e := range baseEvents {
		set[e] = struct{}{}
	}
	for _, iv := range KlineIntervals {
		set["kline_"+iv] = struct{}{}
	}
	return set
}

// Events returns every supported stream event name
func Events() []string {
	out := make([]string, 0, len(streamEvents))
	out = append(out, baseEvents...)
	for _, iv := range KlineIntervals {
		out = append(out, "kline_"+iv)
	}
	return out
}

// IsKlineInterval reports whether iv is a published kline interval
func IsKlineInterval(iv string) bool {
	for _, k := range KlineIntervals {
		if k == iv {
			return true
		}
	}
	return false
}

// NormalizeEvent returns the canonical spelling of an event name. Exact matches win;
// otherwise a unique case-insensitive match is accepted ("AGGTRADE" -> "aggTrade").
// kline_1m and kline_1M differ only by case and therefore only match exactly.
func NormalizeEvent(event string) (string, error) {
	event = strings.TrimSpace(event)
	if _, ok := streamEvents[event]; ok {
		return event, nil
	}

	match := ""
	for e := range streamEvents {
		if strings.EqualFold(e, event) {
			if match != "" {
				return "", fmt.Errorf("%w: %q is ambiguous", apperrors.ErrInvalidEvent, event)
			}
			match = e
		}
	}
	if match == "" {
		return "", fmt.Errorf("%w: %q", apperrors.ErrInvalidEvent, event)
	}
	return match, nil
}

// TopicSpec identifies a feed by its components
type TopicSpec struct {
	Symbol   string
	Currency string
	Event    string
}

// Key validates the spec, applies defaults and returns the normalized topic key
func (s TopicSpec) Key() (string, error) {
	symbol := strings.ToLower(strings.TrimSpace(s.Symbol))
	if symbol == "" || !IsAlnum(symbol) {
		return "", fmt.Errorf("%w: %q", apperrors.ErrInvalidSymbol, s.Symbol)
	}

	currency := strings.TrimSpace(s.Currency)
	if currency == "" {
		currency = DefaultCurrency
	}
	currency = strings.ToLower(currency)
	if !IsAlnum(currency) {
		return "", fmt.Errorf("%w: %q", apperrors.ErrInvalidCurrency, s.Currency)
	}

	event := s.Event
	if strings.TrimSpace(event) == "" {
		event = DefaultEvent
	}
	event, err := NormalizeEvent(event)
	if err != nil {
		return "", err
	}

	return symbol + currency + "@" + event, nil
}

// Pair returns the upper-case venue pair, e.g. "BTCUSD"
func (s TopicSpec) Pair() string {
	currency := strings.TrimSpace(s.Currency)
	if currency == "" {
		currency = DefaultCurrency
	}
	return strings.ToUpper(strings.TrimSpace(s.Symbol) + currency)
}

// ParseTopic splits a topic key into its stream name ("btcusd") and event parts
func ParseTopic(key string) (stream, event string, err error) {
	i := strings.IndexByte(key, '@')
	if i <= 0 || i == len(key)-1 {
		return "", "", fmt.Errorf("%w: malformed topic %q", apperrors.ErrInvalidEvent, key)
	}
	stream, event = key[:i], key[i+1:]
	if _, ok := streamEvents[event]; !ok {
		return "", "", fmt.Errorf("%w: %q", apperrors.ErrInvalidEvent, event)
	}
	return stream, event, nil
}

// IsAlnum reports whether s holds only ASCII letters and digits, in either case
func IsAlnum(s string) bool {
	for _, r := range s {
		if (r < 'a' || r > 'z') && (r < 'A' || r > 'Z') && (r < '0' || r > '9') {
			return false
		}
	}
	return true
}
