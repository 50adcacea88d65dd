package feed

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"marketfeed/internal/core"
	apperrors "marketfeed/pkg/errors"

	"github.com/adshao/go-binance/v2"
)

// PriceLevel is a [price, quantity] pair as sent on depth streams
type PriceLevel [2]string

// DepthUpdate is a diff depth event (depth, depth@100ms)
type DepthUpdate struct {
	Event         string       `json:"e"`
	Time          int64        `json:"E"`
	Symbol        string       `json:"s"`
	FirstUpdateID int64        `json:"U"`
	LastUpdateID  int64        `json:"u"`
	Bids          []PriceLevel `json:"b"`
	Asks          []PriceLevel `json:"a"`
}

// DepthSnapshot is a partial book depth frame
type DepthSnapshot struct {
	LastUpdateID int64        `json:"lastUpdateId"`
	Bids         []PriceLevel `json:"bids"`
	Asks         []PriceLevel `json:"asks"`
}

// event payload constructors keyed by the "e" field
var eventPayloads = map[string]func() interface{}{
	"trade":          func() interface{} { return new(binance.WsTradeEvent) },
	"aggTrade":       func() interface{} { return new(binance.WsAggTradeEvent) },
	"kline":          func() interface{} { return new(binance.WsKlineEvent) },
	"24hrTicker":     func() interface{} { return new(binance.WsMarketStatEvent) },
	"1hTicker":       func() interface{} { return new(binance.WsMarketStatEvent) },
	"4hTicker":       func() interface{} { return new(binance.WsMarketStatEvent) },
	"24hrMiniTicker": func() interface{} { return new(binance.WsMiniMarketsStatEvent) },
	"depthUpdate":    func() interface{} { return new(DepthUpdate) },
}

// Decode classifies a raw frame and decodes it into a typed payload.
// Control acknowledgements come back with Kind KindControl; shapes that match none of
// the known families return ErrUnrecognizedFrame.
func Decode(topic string, raw []byte, receivedAt time.Time) (core.Event, error) {
	ev := core.Event{
		Topic:      topic,
		Raw:        json.RawMessage(bytes.Clone(raw)),
		ReceivedAt: receivedAt,
	}

	// Keys are matched exactly; binance frames reuse letters in both cases ("e"/"E", "u"/"U")
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return ev, fmt.Errorf("decode %s frame: %w", topic, err)
	}

	_, hasID := fields["id"]
	_, hasResult := fields["result"]
	_, hasS := fields["s"]
	_, hasU := fields["u"]
	rawE, hasE := fields["e"]
	_, hasLastUpdate := fields["lastUpdateId"]

	switch {
	case hasID && hasResult:
		ev.Kind = core.KindControl
		return ev, nil

	case hasE && hasS:
		ev.Kind = core.KindMarketEvent
		if err := json.Unmarshal(rawE, &ev.Type); err != nil {
			return ev, fmt.Errorf("decode %s event type: %w", topic, err)
		}
		newPayload, known := eventPayloads[ev.Type]
		if !known {
			return ev, nil
		}
		payload := newPayload()
		if err := json.Unmarshal(raw, payload); err != nil {
			return ev, fmt.Errorf("decode %s %s payload: %w", topic, ev.Type, err)
		}
		ev.Data = payload
		return ev, nil

	case hasU && hasS:
		ev.Kind = core.KindBookTicker
		ev.Type = "bookTicker"
		payload := new(binance.WsBookTickerEvent)
		if err := json.Unmarshal(raw, payload); err != nil {
			return ev, fmt.Errorf("decode %s book ticker: %w", topic, err)
		}
		ev.Data = payload
		return ev, nil

	case hasLastUpdate:
		ev.Kind = core.KindDepthSnapshot
		ev.Type = "depth"
		payload := new(DepthSnapshot)
		if err := json.Unmarshal(raw, payload); err != nil {
			return ev, fmt.Errorf("decode %s depth snapshot: %w", topic, err)
		}
		ev.Data = payload
		return ev, nil
	}

	return ev, apperrors.ErrUnrecognizedFrame
}
