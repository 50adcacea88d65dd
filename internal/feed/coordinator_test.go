package feed

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type coordinatorRig struct {
	registry    *Registry
	dialer      *fakeDialer
	coordinator *Coordinator
	cancelRun   context.CancelFunc
	cancelBase  context.CancelFunc
	done        chan struct{}

	mu      sync.Mutex
	history [][]string
}

func newCoordinatorRig(t *testing.T, cfg CoordinatorConfig) *coordinatorRig {
	t.Helper()
	rig := &coordinatorRig{
		registry: NewRegistry(nopLogger()),
		dialer:   newFakeDialer(),
		done:     make(chan struct{}),
	}
	inbound := make(chan Frame, 64)
	factory := func(topic string) *Listener {
		return NewListener(topic, primaryURL(topic), rig.dialer, inbound, 20*time.Millisecond, nopLogger())
	}
	rig.coordinator = NewCoordinator(rig.registry, factory, NewDispatcher(rig.registry, inbound, nopLogger()), inbound, cfg, nopLogger())
	rig.coordinator.OnReconcile = func(active []string) {
		rig.mu.Lock()
		rig.history = append(rig.history, active)
		rig.mu.Unlock()
	}

	runCtx, cancelRun := context.WithCancel(context.Background())
	base, cancelBase := context.WithCancel(context.Background())
	rig.cancelRun, rig.cancelBase = cancelRun, cancelBase
	go func() {
		defer close(rig.done)
		rig.coordinator.Run(runCtx, base)
	}()
	t.Cleanup(func() {
		cancelRun()
		cancelBase()
		<-rig.done
	})
	return rig
}

func (r *coordinatorRig) ticks() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.history)
}

func fastConfig() CoordinatorConfig {
	return CoordinatorConfig{TickInterval: 10 * time.Millisecond, ListenerDrain: time.Second, DispatcherDrain: time.Second}
}

func TestCoordinator_StartsAndStopsListenersWithTopics(t *testing.T) {
	rig := newCoordinatorRig(t, fastConfig())
	sub := &recorder{}

	rig.registry.Add(btcTrade, sub)
	conn := rig.dialer.WaitConn(t, primaryURL(btcTrade), 1)
	assert.Eventually(t, func() bool { return rig.coordinator.LiveListeners() == 1 }, time.Second, 5*time.Millisecond)

	conn.Send(t, tradeFrame("50000"))
	require.Eventually(t, func() bool { return sub.Count() == 1 }, time.Second, 5*time.Millisecond)

	rig.registry.Remove(btcTrade, sub)
	assert.Eventually(t, func() bool { return conn.IsClosed() && rig.coordinator.LiveListeners() == 0 }, time.Second, 5*time.Millisecond)
}

// historyAt waits for reconciliation i and returns the topics it reported
func (r *coordinatorRig) historyAt(t *testing.T, i int) []string {
	t.Helper()
	require.Eventually(t, func() bool { return r.ticks() > i }, time.Second, 2*time.Millisecond)
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.history[i]...)
}

func TestCoordinator_ReconcilesWithinOneTick(t *testing.T) {
	rig := newCoordinatorRig(t, fastConfig())
	sub := &recorder{}

	// the tick in flight at Add may have snapshotted before it; the next one must not have
	start := rig.ticks()
	rig.registry.Add(btcTrade, sub)
	assert.Contains(t, rig.historyAt(t, start+1), btcTrade, "topic not active by the second tick after Add")
	rig.dialer.WaitConn(t, primaryURL(btcTrade), 1)

	start = rig.ticks()
	rig.registry.Remove(btcTrade, sub)
	assert.NotContains(t, rig.historyAt(t, start+1), btcTrade, "listener still active two ticks after Remove")
	assert.Eventually(t, func() bool { return rig.coordinator.LiveListeners() == 0 }, time.Second, 5*time.Millisecond)
}

func TestCoordinator_ChurnNeverDuplicatesListeners(t *testing.T) {
	rig := newCoordinatorRig(t, fastConfig())
	topics := []string{"btcusd@trade", "ethusd@trade", "solusd@ticker"}
	subs := []*recorder{{}, {}}

	for i := 0; i < 200; i++ {
		topic := topics[i%len(topics)]
		sub := subs[i%len(subs)]
		if i%3 == 0 {
			rig.registry.Remove(topic, sub)
		} else {
			rig.registry.Add(topic, sub)
		}
		if i%20 == 0 {
			time.Sleep(15 * time.Millisecond)
		}
	}

	// one reconciliation after the churn settles the set
	start := rig.ticks()
	require.Eventually(t, func() bool { return rig.ticks() > start+1 }, time.Second, 5*time.Millisecond)

	live := rig.registry.SnapshotKeys()
	rig.mu.Lock()
	last := append([]string(nil), rig.history[len(rig.history)-1]...)
	rig.mu.Unlock()
	assert.ElementsMatch(t, live, last)

	for _, topic := range topics {
		assert.LessOrEqual(t, rig.dialer.MaxOpen(primaryURL(topic)), 1, "topic %s had concurrent connections", topic)
	}
}

func TestCoordinator_ShutdownDrainsEverything(t *testing.T) {
	rig := newCoordinatorRig(t, fastConfig())
	sub := &recorder{}
	for i := 0; i < 3; i++ {
		rig.registry.Add(fmt.Sprintf("sym%dusd@trade", i), sub)
	}
	for i := 0; i < 3; i++ {
		rig.dialer.WaitConn(t, primaryURL(fmt.Sprintf("sym%dusd@trade", i)), 1)
	}

	rig.cancelRun()
	waitDone(t, rig.done, "coordinator did not shut down")
	assert.Equal(t, 0, rig.coordinator.LiveListeners())
	for i := 0; i < 3; i++ {
		assert.Equal(t, 0, rig.dialer.Open(primaryURL(fmt.Sprintf("sym%dusd@trade", i))))
	}
}

func TestCoordinator_ForceCancelsStuckListener(t *testing.T) {
	cfg := fastConfig()
	cfg.ListenerDrain = 50 * time.Millisecond
	rig := newCoordinatorRig(t, cfg)
	rig.dialer.mu.Lock()
	rig.dialer.stuck = true
	rig.dialer.mu.Unlock()
	defer close(rig.dialer.release)

	sub := &recorder{}
	rig.registry.Add(btcTrade, sub)
	rig.dialer.WaitConn(t, primaryURL(btcTrade), 1)

	rig.registry.Remove(btcTrade, sub)
	assert.Eventually(t, func() bool { return rig.coordinator.LiveListeners() == 0 }, 2*time.Second, 10*time.Millisecond)
}
