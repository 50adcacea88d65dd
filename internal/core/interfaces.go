// Package core defines the core types and interfaces shared across the market data feed
package core

import (
	"context"
	"encoding/json"
	"time"
)

// FrameKind identifies the wire shape an inbound frame was recognised as
type FrameKind string

const (
	KindControl       FrameKind = "control"
	KindMarketEvent   FrameKind = "event"
	KindBookTicker    FrameKind = "bookTicker"
	KindDepthSnapshot FrameKind = "depthSnapshot"
)

// Event is a decoded market data frame as delivered to subscribers
type Event struct {
	Topic string
	Kind  FrameKind
	// Type carries the venue event type ("trade", "kline", "24hrTicker", ...) when the frame has one
	Type string
	// Raw is the frame exactly as received
	Raw        json.RawMessage
	Data       interface{}
	ReceivedAt time.Time
}

// Subscriber receives events for the topics it is registered on.
// Identity is used for membership and removal, so implementations must be
// comparable (pointer receivers); the engine rejects those that are not.
type Subscriber interface {
	Receive(topic string, ev Event) error
}

// StreamConn is the read side of a stream connection. Close must unblock a
// concurrent ReadMessage.
type StreamConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	Close() error
}

// StreamDialer opens a stream connection to a URL
type StreamDialer interface {
	Dial(ctx context.Context, url string) (StreamConn, error)
}

// SymbolValidator confirms that a trading pair exists on the venue
type SymbolValidator interface {
	ValidateSymbol(ctx context.Context, symbol string) error
}

// ILogger defines the interface for logging
type ILogger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) ILogger
	WithFields(fields map[string]interface{}) ILogger
}
