package feed

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"marketfeed/internal/core"
	"marketfeed/pkg/telemetry"
)

// Registry maps topic keys to ordered subscriber sets. An entry exists only while its
// set is non-empty.
type Registry struct {
	mu      sync.RWMutex
	topics  map[string][]core.Subscriber
	logger  core.ILogger
	metrics *telemetry.MetricsHolder
}

// NewRegistry creates an empty registry
func NewRegistry(logger core.ILogger) *Registry {
	return &Registry{
		topics:  make(map[string][]core.Subscriber),
		logger:  logger.WithField("component", "registry"),
		metrics: telemetry.GetGlobalMetrics(),
	}
}

// Add registers sub on topic and reports whether the topic entry was created.
// Adding a subscriber that is already present is a no-op.
func (r *Registry) Add(topic string, sub core.Subscriber) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	subs, exists := r.topics[topic]
	for _, s := range subs {
		if s == sub {
			return false
		}
	}
	next := make([]core.Subscriber, len(subs), len(subs)+1)
	copy(next, subs)
	r.topics[topic] = append(next, sub)
	return !exists
}

// Remove unregisters sub from topic. The entry is deleted with its last subscriber.
func (r *Registry) Remove(topic string, sub core.Subscriber) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	subs, ok := r.topics[topic]
	if !ok {
		return false
	}
	for i, s := range subs {
		if s != sub {
			continue
		}
		if len(subs) == 1 {
			delete(r.topics, topic)
			return true
		}
		next := make([]core.Subscriber, 0, len(subs)-1)
		next = append(next, subs[:i]...)
		r.topics[topic] = append(next, subs[i+1:]...)
		return true
	}
	return false
}

// SnapshotKeys returns the live topic keys, sorted
func (r *Registry) SnapshotKeys() []string {
	r.mu.RLock()
	keys := make([]string, 0, len(r.topics))
	for k := range r.topics {
		keys = append(keys, k)
	}
	r.mu.RUnlock()

	sort.Strings(keys)
	return keys
}

// Subscribers returns a copy of topic's subscribers in registration order
func (r *Registry) Subscribers(topic string) []core.Subscriber {
	r.mu.RLock()
	defer r.mu.RUnlock()

	subs := r.topics[topic]
	if len(subs) == 0 {
		return nil
	}
	out := make([]core.Subscriber, len(subs))
	copy(out, subs)
	return out
}

// Has reports whether topic has at least one subscriber
func (r *Registry) Has(topic string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.topics[topic]
	return ok
}

// Len returns the number of live topics
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.topics)
}

// Notify delivers ev to every subscriber of topic. Subscriber slices are replaced,
// never mutated in place, so the callbacks run on a stable view without the lock held.
// A failing or panicking subscriber is logged and counted; the rest still receive ev.
func (r *Registry) Notify(ctx context.Context, topic string, ev core.Event) (delivered, failed int) {
	r.mu.RLock()
	subs := r.topics[topic]
	r.mu.RUnlock()

	for _, sub := range subs {
		if err := r.deliver(sub, topic, ev); err != nil {
			failed++
			r.metrics.RecordSubscriberError(ctx, topic)
			r.logger.Error("Subscriber failed", "topic", topic, "subscriber", fmt.Sprintf("%T", sub), "error", err)
			continue
		}
		delivered++
	}
	return delivered, failed
}

func (r *Registry) deliver(sub core.Subscriber, topic string, ev core.Event) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("subscriber panic: %v", p)
		}
	}()
	return sub.Receive(topic, ev)
}
