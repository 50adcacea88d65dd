package feed

import (
	"context"
	"sync/atomic"
	"time"

	"marketfeed/internal/core"
	"marketfeed/pkg/telemetry"
)

// forceGrace bounds the wait for tasks to exit after they were cancelled
const forceGrace = time.Second

// ListenerFactory builds the listener for a topic
type ListenerFactory func(topic string) *Listener

// CoordinatorConfig holds the reconciliation timings
type CoordinatorConfig struct {
	TickInterval    time.Duration
	ListenerDrain   time.Duration
	DispatcherDrain time.Duration
}

type listenerHandle struct {
	listener *Listener
	cancel   context.CancelFunc
	done     chan struct{}
}

// Coordinator keeps one running listener per live registry topic and owns the
// shutdown sequence for listeners and the dispatcher.
type Coordinator struct {
	registry    *Registry
	newListener ListenerFactory
	dispatcher  *Dispatcher
	inbound     chan<- Frame
	cfg         CoordinatorConfig
	logger      core.ILogger
	metrics     *telemetry.MetricsHolder

	// active is only touched from the Run goroutine
	active map[string]*listenerHandle
	live   atomic.Int64

	// OnReconcile, when set, receives the active topic keys after every tick
	OnReconcile func(active []string)
}

// NewCoordinator creates a coordinator. inbound must be the channel dispatcher reads.
func NewCoordinator(registry *Registry, factory ListenerFactory, dispatcher *Dispatcher, inbound chan<- Frame, cfg CoordinatorConfig, logger core.ILogger) *Coordinator {
	return &Coordinator{
		registry:    registry,
		newListener: factory,
		dispatcher:  dispatcher,
		inbound:     inbound,
		cfg:         cfg,
		logger:      logger.WithField("component", "coordinator"),
		metrics:     telemetry.GetGlobalMetrics(),
		active:      make(map[string]*listenerHandle),
	}
}

// LiveListeners returns the number of listener goroutines still running
func (c *Coordinator) LiveListeners() int {
	return int(c.live.Load())
}

// Run reconciles on every tick until ctx is done, then shuts down. Listener and
// dispatcher contexts derive from base; cancelling base tears everything down at once.
func (c *Coordinator) Run(ctx, base context.Context) {
	dispatchCtx, cancelDispatch := context.WithCancel(base)
	defer cancelDispatch()
	dispatcherDone := make(chan struct{})
	go func() {
		defer close(dispatcherDone)
		c.dispatcher.Run(dispatchCtx)
	}()

	c.logger.Info("Coordinator started", "tick", c.cfg.TickInterval.String())

	ticker := time.NewTicker(c.cfg.TickInterval)
	defer ticker.Stop()

	c.reconcile(base)
	for {
		select {
		case <-ctx.Done():
			c.shutdown(base, cancelDispatch, dispatcherDone)
			return
		case <-ticker.C:
			c.reconcile(base)
		}
	}
}

func (c *Coordinator) reconcile(base context.Context) {
	live := c.registry.SnapshotKeys()
	liveSet := make(map[string]struct{}, len(live))
	for _, topic := range live {
		liveSet[topic] = struct{}{}
	}

	var retired []*listenerHandle
	for topic, h := range c.active {
		if _, ok := liveSet[topic]; !ok {
			retired = append(retired, h)
			delete(c.active, topic)
		}
	}

	for _, topic := range live {
		if _, running := c.active[topic]; !running {
			c.active[topic] = c.spawn(base, topic)
		}
	}

	for _, h := range retired {
		c.logger.Info("Stopping listener", "topic", h.listener.Topic())
		h.listener.Stop()
	}
	c.drain(retired)

	c.metrics.SetLiveTopics(len(live))
	c.metrics.SetActiveListeners(len(c.active))
	if c.OnReconcile != nil {
		keys := make([]string, 0, len(c.active))
		for topic := range c.active {
			keys = append(keys, topic)
		}
		c.OnReconcile(keys)
	}
}

func (c *Coordinator) spawn(base context.Context, topic string) *listenerHandle {
	l := c.newListener(topic)
	lctx, cancel := context.WithCancel(base)
	h := &listenerHandle{listener: l, cancel: cancel, done: make(chan struct{})}

	c.live.Add(1)
	go func() {
		defer close(h.done)
		defer c.live.Add(-1)
		l.Run(lctx)
	}()

	c.logger.Info("Started listener", "topic", topic, "url", l.URL())
	return h
}

// drain waits for stopped listeners up to ListenerDrain and cancels the stragglers
func (c *Coordinator) drain(handles []*listenerHandle) {
	if len(handles) == 0 {
		return
	}

	deadline := time.NewTimer(c.cfg.ListenerDrain)
	defer deadline.Stop()

	for i, h := range handles {
		select {
		case <-h.done:
			h.cancel()
		case <-deadline.C:
			c.forceCancel(handles[i:])
			return
		}
	}
}

func (c *Coordinator) forceCancel(handles []*listenerHandle) {
	for _, h := range handles {
		select {
		case <-h.done:
		default:
			c.logger.Warn("Listener did not stop in time, cancelling", "topic", h.listener.Topic(), "state", h.listener.State().String())
			c.metrics.RecordForcedCancel(context.Background(), "listener")
		}
		h.cancel()
	}

	grace := time.NewTimer(forceGrace)
	defer grace.Stop()
	for _, h := range handles {
		select {
		case <-h.done:
		case <-grace.C:
			return
		}
	}
}

func (c *Coordinator) shutdown(base context.Context, cancelDispatch context.CancelFunc, dispatcherDone <-chan struct{}) {
	c.logger.Info("Coordinator stopping", "listeners", len(c.active))

	handles := make([]*listenerHandle, 0, len(c.active))
	for topic, h := range c.active {
		h.listener.Stop()
		handles = append(handles, h)
		delete(c.active, topic)
	}
	c.drain(handles)
	c.metrics.SetActiveListeners(0)

	deadline := time.NewTimer(c.cfg.DispatcherDrain)
	defer deadline.Stop()

	sent := false
	select {
	case c.inbound <- sentinelFrame:
		sent = true
	case <-dispatcherDone:
		return
	case <-base.Done():
	case <-deadline.C:
	}

	if sent {
		select {
		case <-dispatcherDone:
			c.logger.Info("Coordinator stopped", "dispatched", c.dispatcher.Dispatched())
			return
		case <-deadline.C:
		case <-base.Done():
		}
	}

	c.logger.Warn("Dispatcher did not drain in time, cancelling")
	c.metrics.RecordForcedCancel(context.Background(), "dispatcher")
	cancelDispatch()

	grace := time.NewTimer(forceGrace)
	defer grace.Stop()
	select {
	case <-dispatcherDone:
	case <-grace.C:
	}
}
