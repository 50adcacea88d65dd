package feed

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"marketfeed/internal/core"
	apperrors "marketfeed/pkg/errors"
	"marketfeed/pkg/telemetry"
)

// ListenerState is a stream listener's lifecycle state
type ListenerState int32

const (
	StateIdle ListenerState = iota
	StateConnecting
	StateStreaming
	StateReconnecting
	StateClosing
	StateStopped
)

func (s ListenerState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	case StateReconnecting:
		return "reconnecting"
	case StateClosing:
		return "closing"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Frame is one entry on the inbound channel
type Frame struct {
	Topic string
	Event core.Event
	Seq   uint64

	sentinel bool
}

// IsSentinel reports whether f is the dispatcher shutdown marker
func (f Frame) IsSentinel() bool {
	return f.sentinel
}

var sentinelFrame = Frame{sentinel: true}

// Listener owns the connection for a single topic and forwards decoded frames
type Listener struct {
	topic          string
	url            string
	dialer         core.StreamDialer
	out            chan<- Frame
	reconnectDelay time.Duration
	logger         core.ILogger
	metrics        *telemetry.MetricsHolder

	state    atomic.Int32
	connects atomic.Int64
	seq      uint64

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// NewListener creates an idle listener for topic streaming from url
func NewListener(topic, url string, dialer core.StreamDialer, out chan<- Frame, reconnectDelay time.Duration, logger core.ILogger) *Listener {
	return &Listener{
		topic:          topic,
		url:            url,
		dialer:         dialer,
		out:            out,
		reconnectDelay: reconnectDelay,
		logger:         logger.WithFields(map[string]interface{}{"component": "listener", "topic": topic}),
		metrics:        telemetry.GetGlobalMetrics(),
		stop:           make(chan struct{}),
		done:           make(chan struct{}),
	}
}

func (l *Listener) Topic() string { return l.topic }
func (l *Listener) URL() string   { return l.url }

func (l *Listener) State() ListenerState {
	return ListenerState(l.state.Load())
}

// Connects returns how many connections the listener has established
func (l *Listener) Connects() int64 {
	return l.connects.Load()
}

// Stop requests shutdown. It is idempotent and safe from any goroutine.
func (l *Listener) Stop() {
	l.stopOnce.Do(func() { close(l.stop) })
}

// Done is closed when Run has returned
func (l *Listener) Done() <-chan struct{} {
	return l.done
}

func (l *Listener) setState(s ListenerState) {
	l.state.Store(int32(s))
}

// Run connects and streams until Stop is called or ctx is cancelled, reconnecting
// after a fixed delay whenever the connection fails.
func (l *Listener) Run(ctx context.Context) {
	defer close(l.done)
	defer l.setState(StateStopped)

	force := ctx
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-l.stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			l.setState(StateReconnecting)
			l.metrics.RecordReconnect(ctx, l.topic)
			if !l.sleep(ctx) {
				return
			}
		}
		if ctx.Err() != nil {
			return
		}

		l.setState(StateConnecting)
		conn, err := l.dialer.Dial(ctx, l.url)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			l.logger.Warn("Stream connect failed", "url", l.url, "error", err, "retry_in", l.reconnectDelay.String())
			continue
		}

		l.connects.Add(1)
		l.logger.Info("Stream connected", "url", l.url)

		if stopped := l.stream(ctx, force, conn); stopped {
			return
		}
	}
}

func (l *Listener) sleep(ctx context.Context) bool {
	timer := time.NewTimer(l.reconnectDelay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// stream pumps conn until it fails or ctx ends; it reports whether the listener should exit.
// A frame whose read completed before stop is still pushed, bounded only by force. Reads
// that complete after stop are discarded. A graceful stop waits for the pending read to
// return; a cancelled force context does not.
func (l *Listener) stream(ctx, force context.Context, conn core.StreamConn) bool {
	l.setState(StateStreaming)

	msgs := make(chan []byte)
	readErr := make(chan error, 1)
	readerDone := make(chan struct{})

	go func() {
		defer close(readerDone)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			if ctx.Err() != nil {
				continue
			}
			select {
			case msgs <- data:
			case <-force.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			l.setState(StateClosing)
			_ = conn.Close()
			l.drain(force, msgs, readerDone)
			return true

		case err := <-readErr:
			_ = conn.Close()
			<-readerDone
			if ctx.Err() != nil {
				return true
			}
			l.logger.Warn("Stream disconnected", "error", err, "retry_in", l.reconnectDelay.String())
			return false

		case data := <-msgs:
			l.forward(force, data)
		}
	}
}

// drain forwards frames the reader already holds until it exits or force ends
func (l *Listener) drain(force context.Context, msgs <-chan []byte, readerDone <-chan struct{}) {
	for {
		select {
		case data := <-msgs:
			l.forward(force, data)
		case <-readerDone:
			l.logger.Info("Stream closed")
			return
		case <-force.Done():
			l.logger.Warn("Stream abandoned with a read still pending")
			return
		}
	}
}

// forward decodes data and pushes it to the inbound channel. The push gives up only
// when force is cancelled.
func (l *Listener) forward(force context.Context, data []byte) {
	ev, err := Decode(l.topic, data, time.Now())
	switch {
	case errors.Is(err, apperrors.ErrUnrecognizedFrame):
		l.metrics.RecordDrop(force, l.topic, "unrecognized")
		l.logger.Debug("Dropping unrecognized frame", "size", len(data))
		return
	case err != nil:
		l.metrics.RecordDrop(force, l.topic, "decode")
		l.logger.Warn("Dropping malformed frame", "error", err)
		return
	case ev.Kind == core.KindControl:
		l.logger.Debug("Control acknowledgement", "frame", string(data))
		return
	}

	l.seq++
	frame := Frame{Topic: l.topic, Event: ev, Seq: l.seq}
	select {
	case l.out <- frame:
		l.metrics.RecordFrame(force, l.topic)
	case <-force.Done():
		l.metrics.RecordDrop(context.Background(), l.topic, "forced")
	}
}
