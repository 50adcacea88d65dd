package feed

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"time"

	"marketfeed/internal/config"
	"marketfeed/internal/core"
	"marketfeed/internal/venue"
	apperrors "marketfeed/pkg/errors"
)

// RunState is the engine lifecycle state
type RunState int

const (
	NotStarted RunState = iota
	Running
	Stopping
	Stopped
)

func (s RunState) String() string {
	switch s {
	case NotStarted:
		return "not_started"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Options holds the engine timings and buffer sizes
type Options struct {
	TickInterval    time.Duration
	ReconnectDelay  time.Duration
	ListenerDrain   time.Duration
	DispatcherDrain time.Duration
	StopTimeout     time.Duration
	InboundBuffer   int
}

// DefaultOptions returns the production defaults
func DefaultOptions() Options {
	return OptionsFromConfig(config.DefaultConfig().Engine)
}

// OptionsFromConfig converts the engine config section
func OptionsFromConfig(cfg config.EngineConfig) Options {
	return Options{
		TickInterval:    cfg.TickInterval(),
		ReconnectDelay:  cfg.ReconnectDelay(),
		ListenerDrain:   cfg.ListenerDrain(),
		DispatcherDrain: cfg.DispatcherDrain(),
		StopTimeout:     cfg.StopTimeout(),
		InboundBuffer:   cfg.InboundBuffer,
	}
}

// Engine is the entry point: it validates subscriptions, owns the registry and runs
// the coordinator in the background between Start and Stop.
type Engine struct {
	opts      Options
	registry  *Registry
	dialer    core.StreamDialer
	selector  *venue.Selector
	validator core.SymbolValidator
	base      core.ILogger
	logger    core.ILogger

	mu          sync.Mutex
	state       RunState
	stopRun     context.CancelFunc
	force       context.CancelFunc
	done        chan struct{}
	coordinator *Coordinator
	// grace is how long Stop waits for the run to exit after forcing it
	grace time.Duration

	// OnReconcile is handed to each coordinator the engine starts
	OnReconcile func(active []string)
}

// NewEngine creates a stopped engine. validator may be nil to skip venue symbol checks.
func NewEngine(opts Options, dialer core.StreamDialer, selector *venue.Selector, validator core.SymbolValidator, logger core.ILogger) *Engine {
	return &Engine{
		opts:      opts,
		registry:  NewRegistry(logger),
		dialer:    dialer,
		selector:  selector,
		validator: validator,
		grace:     forceGrace,
		base:      logger,
		logger:    logger.WithField("component", "engine"),
	}
}

// Registry exposes the subscription registry
func (e *Engine) Registry() *Registry {
	return e.registry
}

// Subscribe validates spec, then registers sub on the normalized topic. It reports
// whether the topic is new; the listener is started by the next reconciliation tick.
func (e *Engine) Subscribe(ctx context.Context, spec TopicSpec, sub core.Subscriber) (bool, error) {
	if err := checkSubscriber(sub); err != nil {
		return false, err
	}
	topic, err := spec.Key()
	if err != nil {
		return false, err
	}

	if e.validator != nil {
		if err := e.validator.ValidateSymbol(ctx, spec.Pair()); err != nil {
			return false, fmt.Errorf("subscribe %s: %w", topic, err)
		}
	}

	created := e.registry.Add(topic, sub)
	e.logger.Info("Subscribed", "topic", topic, "new_topic", created)
	return created, nil
}

// Unsubscribe removes sub from the topic and reports whether it was registered
func (e *Engine) Unsubscribe(spec TopicSpec, sub core.Subscriber) (bool, error) {
	if err := checkSubscriber(sub); err != nil {
		return false, err
	}
	topic, err := spec.Key()
	if err != nil {
		return false, err
	}

	removed := e.registry.Remove(topic, sub)
	e.logger.Info("Unsubscribed", "topic", topic, "removed", removed, "topic_live", e.registry.Has(topic))
	return removed, nil
}

// checkSubscriber rejects subscribers the registry cannot compare by identity
func checkSubscriber(sub core.Subscriber) error {
	if sub == nil {
		return apperrors.ErrNilSubscriber
	}
	if t := reflect.TypeOf(sub); !t.Comparable() {
		return fmt.Errorf("%w: %s", apperrors.ErrInvalidSubscriber, t)
	}
	return nil
}

// Start launches the coordinator and dispatcher in the background and returns immediately
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state == Running || e.state == Stopping {
		e.logger.Error("Engine already running")
		return apperrors.ErrAlreadyRunning
	}

	runCtx, stopRun := context.WithCancel(context.Background())
	forceCtx, force := context.WithCancel(context.Background())

	inbound := make(chan Frame, e.opts.InboundBuffer)
	coordinator := NewCoordinator(
		e.registry,
		e.listenerFactory(inbound),
		NewDispatcher(e.registry, inbound, e.base),
		inbound,
		CoordinatorConfig{
			TickInterval:    e.opts.TickInterval,
			ListenerDrain:   e.opts.ListenerDrain,
			DispatcherDrain: e.opts.DispatcherDrain,
		},
		e.base,
	)
	coordinator.OnReconcile = e.OnReconcile

	done := make(chan struct{})
	go func() {
		defer close(done)
		coordinator.Run(runCtx, forceCtx)
	}()

	e.state = Running
	e.stopRun = stopRun
	e.force = force
	e.done = done
	e.coordinator = coordinator

	e.logger.Info("Engine started", "venue", e.selector.Mode().String(), "topics", e.registry.Len())
	return nil
}

// Stop signals shutdown and waits for listeners and the dispatcher to drain. If the
// grace period passes, remaining work is cancelled and ErrStopTimedOut is returned.
func (e *Engine) Stop() error {
	e.mu.Lock()
	if e.state != Running {
		e.mu.Unlock()
		return nil
	}
	e.state = Stopping
	stopRun, force, done := e.stopRun, e.force, e.done
	e.mu.Unlock()

	e.logger.Info("Engine stopping")
	stopRun()

	var err error
	timer := time.NewTimer(e.opts.StopTimeout)
	defer timer.Stop()

	select {
	case <-done:
	case <-timer.C:
		e.logger.Warn("Engine stop timed out, cancelling remaining work", "timeout", e.opts.StopTimeout.String())
		force()
		grace := time.NewTimer(e.grace)
		select {
		case <-done:
		case <-grace.C:
		}
		grace.Stop()
		err = apperrors.ErrStopTimedOut
	}
	force()

	select {
	case <-done:
		e.markStopped(done)
		e.logger.Info("Engine stopped", "live_listeners", e.LiveListeners())
	default:
		// the old run still owns the registry; Start stays refused until it exits
		e.logger.Warn("Engine run still exiting after forced stop")
		go func() {
			<-done
			e.markStopped(done)
			e.logger.Info("Engine stopped", "live_listeners", e.LiveListeners())
		}()
	}
	return err
}

func (e *Engine) markStopped(done chan struct{}) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.done == done && e.state == Stopping {
		e.state = Stopped
	}
}

// Run implements bootstrap.Runner: it starts the engine and stops it when ctx ends
func (e *Engine) Run(ctx context.Context) error {
	if err := e.Start(); err != nil {
		return err
	}
	<-ctx.Done()
	return e.Stop()
}

// State returns the current lifecycle state
func (e *Engine) State() RunState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// LiveListeners reports listener goroutines still running for the current or last run
func (e *Engine) LiveListeners() int {
	e.mu.Lock()
	coordinator := e.coordinator
	e.mu.Unlock()

	if coordinator == nil {
		return 0
	}
	return coordinator.LiveListeners()
}

// Topics returns the live topic keys
func (e *Engine) Topics() []string {
	return e.registry.SnapshotKeys()
}

// SetVenueMode switches the endpoint set for listeners started from now on
func (e *Engine) SetVenueMode(mode venue.Mode) {
	e.selector.SetMode(mode)
	e.logger.Info("Venue mode changed", "mode", mode.String())
}

func (e *Engine) VenueMode() venue.Mode {
	return e.selector.Mode()
}

// HealthCheck reports an error unless the engine is running
func (e *Engine) HealthCheck() error {
	if s := e.State(); s != Running {
		return fmt.Errorf("engine is %s", s)
	}
	return nil
}

func (e *Engine) listenerFactory(inbound chan<- Frame) ListenerFactory {
	return func(topic string) *Listener {
		return NewListener(topic, e.selector.StreamURL(topic), e.dialer, inbound, e.opts.ReconnectDelay, e.base)
	}
}
