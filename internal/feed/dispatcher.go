package feed

import (
	"context"
	"sync/atomic"
	"time"

	"marketfeed/internal/core"
	"marketfeed/pkg/telemetry"
)

// Dispatcher is the single consumer of the inbound channel
type Dispatcher struct {
	registry *Registry
	inbound  <-chan Frame
	logger   core.ILogger
	metrics  *telemetry.MetricsHolder

	dispatched atomic.Uint64
}

// NewDispatcher creates a dispatcher draining inbound into registry
func NewDispatcher(registry *Registry, inbound <-chan Frame, logger core.ILogger) *Dispatcher {
	return &Dispatcher{
		registry: registry,
		inbound:  inbound,
		logger:   logger.WithField("component", "dispatcher"),
		metrics:  telemetry.GetGlobalMetrics(),
	}
}

// Run delivers frames in arrival order until it reads the sentinel or ctx is cancelled
func (d *Dispatcher) Run(ctx context.Context) {
	d.logger.Debug("Dispatcher started")
	for {
		select {
		case <-ctx.Done():
			d.logger.Warn("Dispatcher cancelled", "dispatched", d.dispatched.Load())
			return
		case frame := <-d.inbound:
			if frame.IsSentinel() {
				d.logger.Debug("Dispatcher drained", "dispatched", d.dispatched.Load())
				return
			}
			d.dispatch(ctx, frame)
		}
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, frame Frame) {
	d.registry.Notify(ctx, frame.Topic, frame.Event)
	d.dispatched.Add(1)
	if !frame.Event.ReceivedAt.IsZero() {
		d.metrics.RecordDispatchLatency(ctx, float64(time.Since(frame.Event.ReceivedAt).Microseconds())/1000)
	}
}

// Dispatched returns the number of frames handed to the registry
func (d *Dispatcher) Dispatched() uint64 {
	return d.dispatched.Load()
}
