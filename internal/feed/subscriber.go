package feed

import "marketfeed/internal/core"

// FuncSubscriber adapts a function to core.Subscriber. Use it through its pointer so
// the registry can tell instances apart.
type FuncSubscriber struct {
	name string
	fn   func(topic string, ev core.Event) error
}

// NewFuncSubscriber wraps fn as a named subscriber
func NewFuncSubscriber(name string, fn func(topic string, ev core.Event) error) *FuncSubscriber {
	return &FuncSubscriber{name: name, fn: fn}
}

func (s *FuncSubscriber) Receive(topic string, ev core.Event) error {
	return s.fn(topic, ev)
}

func (s *FuncSubscriber) String() string {
	return s.name
}
