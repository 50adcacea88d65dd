package main

import (
	"context"
	"fmt"

	"marketfeed/internal/config"
	"marketfeed/internal/core"
	"marketfeed/internal/feed"
	"marketfeed/internal/tracker"
)

// subscriber is the part of the engine the boot sequence needs
type subscriber interface {
	Subscribe(ctx context.Context, spec feed.TopicSpec, sub core.Subscriber) (bool, error)
}

// subscribeAll registers a tracker per configured subscription and, when relay is
// non-nil, the relay on every topic it forwards.
func subscribeAll(ctx context.Context, engine subscriber, cfg *config.Config, relay core.Subscriber, logger core.ILogger) error {
	relayed := make(map[string]bool, len(cfg.Relay.Topics))
	for _, topic := range cfg.Relay.Topics {
		if _, _, err := feed.ParseTopic(topic); err != nil {
			return fmt.Errorf("relay topic: %w", err)
		}
		relayed[topic] = false
	}

	prices := tracker.NewPriceTracker("prices", logger)
	for i, s := range cfg.Subscriptions {
		spec := feed.TopicSpec{Symbol: s.Symbol, Currency: s.Currency, Event: s.Event}
		key, err := spec.Key()
		if err != nil {
			return fmt.Errorf("subscriptions[%d]: %w", i, err)
		}

		var sub core.Subscriber
		switch s.Tracker {
		case "price":
			sub = prices
		default:
			sub = tracker.NewPrintTracker(fmt.Sprintf("tracker%d", i+1), logger)
		}
		if _, err := engine.Subscribe(ctx, spec, sub); err != nil {
			return err
		}

		if relay == nil {
			continue
		}
		if _, listed := relayed[key]; len(relayed) > 0 && !listed {
			continue
		}
		if _, err := engine.Subscribe(ctx, spec, relay); err != nil {
			return err
		}
		relayed[key] = true
	}

	for topic, wired := range relayed {
		if !wired && relay != nil {
			logger.Warn("Relay topic has no subscription", "topic", topic)
		}
	}
	return nil
}
