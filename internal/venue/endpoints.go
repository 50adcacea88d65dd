// Package venue resolves the primary/fallback venue endpoints and looks up symbol metadata
package venue

import (
	"fmt"
	"strings"
	"sync/atomic"
)

// Mode selects which venue endpoint set is in use
type Mode int32

const (
	ModePrimary Mode = iota
	ModeFallback
)

func (m Mode) String() string {
	if m == ModeFallback {
		return "fallback"
	}
	return "primary"
}

// Other returns the opposite mode
func (m Mode) Other() Mode {
	if m == ModeFallback {
		return ModePrimary
	}
	return ModeFallback
}

// ParseMode parses "primary" or "fallback"
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "primary":
		return ModePrimary, nil
	case "fallback":
		return ModeFallback, nil
	default:
		return ModePrimary, fmt.Errorf("unknown venue mode %q", s)
	}
}

// Endpoint is one venue's stream and REST base URLs
type Endpoint struct {
	WSURL   string
	RESTURL string
}

// Selector holds the engine-wide venue mode. Listeners read it when they are created,
// so a switch only affects listeners started afterwards.
type Selector struct {
	mode      atomic.Int32
	endpoints [2]Endpoint
}

// NewSelector creates a selector starting in the given mode
func NewSelector(primary, fallback Endpoint, mode Mode) *Selector {
	s := &Selector{endpoints: [2]Endpoint{primary, fallback}}
	s.mode.Store(int32(mode))
	return s
}

func (s *Selector) Mode() Mode {
	return Mode(s.mode.Load())
}

func (s *Selector) SetMode(m Mode) {
	s.mode.Store(int32(m))
}

// Toggle flips the mode if it is still `from`. It reports whether this call flipped it,
// so concurrent failovers observed against the same mode switch only once.
func (s *Selector) Toggle(from Mode) bool {
	return s.mode.CompareAndSwap(int32(from), int32(from.Other()))
}

// Endpoint returns the endpoint set for the current mode
func (s *Selector) Endpoint() Endpoint {
	return s.EndpointFor(s.Mode())
}

// EndpointFor returns the endpoint set for the given mode
func (s *Selector) EndpointFor(m Mode) Endpoint {
	return s.endpoints[m&1]
}

// StreamURL derives the raw stream URL for a topic key under the current mode
func (s *Selector) StreamURL(topic string) string {
	return strings.TrimRight(s.Endpoint().WSURL, "/") + "/" + topic
}
