package feed

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"marketfeed/internal/core"
	"marketfeed/internal/venue"
	"marketfeed/pkg/logging"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var errConnClosed = errors.New("use of closed network connection")

// fakeConn is an in-memory stream connection
type fakeConn struct {
	url    string
	frames chan []byte
	closed chan struct{}
	once   sync.Once
	dialer *fakeDialer
	// stuck makes Close leave a pending read blocked until release is closed
	stuck   bool
	release chan struct{}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	if c.stuck {
		select {
		case data, ok := <-c.frames:
			if !ok {
				return 0, nil, io.EOF
			}
			return 1, data, nil
		case <-c.release:
			return 0, nil, errConnClosed
		}
	}
	select {
	case data, ok := <-c.frames:
		if !ok {
			return 0, nil, io.EOF
		}
		return 1, data, nil
	case <-c.closed:
		return 0, nil, errConnClosed
	}
}

func (c *fakeConn) Close() error {
	c.once.Do(func() {
		close(c.closed)
		c.dialer.closed(c.url)
	})
	return nil
}

// Send queues a frame for the listener
func (c *fakeConn) Send(t *testing.T, frame string) {
	t.Helper()
	select {
	case c.frames <- []byte(frame):
	case <-time.After(time.Second):
		t.Fatalf("frame not consumed on %s", c.url)
	}
}

// Drop simulates the venue closing the connection
func (c *fakeConn) Drop() {
	close(c.frames)
}

func (c *fakeConn) IsClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// fakeDialer hands out fakeConns and tracks how many are open per URL
type fakeDialer struct {
	mu       sync.Mutex
	conns    map[string][]*fakeConn
	open     map[string]int
	maxOpen  map[string]int
	failures int
	stuck    bool
	release  chan struct{}
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{
		conns:   make(map[string][]*fakeConn),
		open:    make(map[string]int),
		maxOpen: make(map[string]int),
		release: make(chan struct{}),
	}
}

func (d *fakeDialer) Dial(ctx context.Context, url string) (core.StreamConn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.failures > 0 {
		d.failures--
		return nil, errors.New("connection refused")
	}

	c := &fakeConn{
		url:     url,
		frames:  make(chan []byte, 16),
		closed:  make(chan struct{}),
		dialer:  d,
		stuck:   d.stuck,
		release: d.release,
	}
	d.conns[url] = append(d.conns[url], c)
	d.open[url]++
	if d.open[url] > d.maxOpen[url] {
		d.maxOpen[url] = d.open[url]
	}
	return c, nil
}

func (d *fakeDialer) closed(url string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.open[url]--
}

func (d *fakeDialer) Conns(url string) []*fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*fakeConn(nil), d.conns[url]...)
}

func (d *fakeDialer) MaxOpen(url string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.maxOpen[url]
}

func (d *fakeDialer) Open(url string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.open[url]
}

// WaitConn waits for the n-th (1-based) connection to url
func (d *fakeDialer) WaitConn(t *testing.T, url string, n int) *fakeConn {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(d.Conns(url)) >= n
	}, 2*time.Second, 5*time.Millisecond, "no connection #%d to %s", n, url)
	return d.Conns(url)[n-1]
}

// recorder is a subscriber that keeps everything it receives
type recorder struct {
	mu     sync.Mutex
	events []core.Event
	topics []string
	failOn map[int]bool
	panics bool
}

func (r *recorder) Receive(topic string, ev core.Event) error {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.topics = append(r.topics, topic)
	n := len(r.events)
	r.mu.Unlock()

	if r.failOn[n] {
		if r.panics {
			panic("subscriber blew up")
		}
		return errors.New("subscriber failed")
	}
	return nil
}

func (r *recorder) Events() []core.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]core.Event(nil), r.events...)
}

func (r *recorder) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

// mockValidator is a testify mock of core.SymbolValidator
type mockValidator struct {
	mock.Mock
}

func (m *mockValidator) ValidateSymbol(ctx context.Context, symbol string) error {
	args := m.Called(ctx, symbol)
	return args.Error(0)
}

const (
	testPrimaryWS  = "wss://primary.test/ws"
	testFallbackWS = "wss://fallback.test/ws"
)

func testSelector() *venue.Selector {
	return venue.NewSelector(
		venue.Endpoint{WSURL: testPrimaryWS, RESTURL: "https://primary.test"},
		venue.Endpoint{WSURL: testFallbackWS, RESTURL: "https://fallback.test"},
		venue.ModePrimary,
	)
}

func primaryURL(topic string) string { return testPrimaryWS + "/" + topic }

func testOptions() Options {
	return Options{
		TickInterval:    10 * time.Millisecond,
		ReconnectDelay:  50 * time.Millisecond,
		ListenerDrain:   time.Second,
		DispatcherDrain: time.Second,
		StopTimeout:     2 * time.Second,
		InboundBuffer:   64,
	}
}

func nopLogger() core.ILogger {
	return logging.NewNopLogger()
}
