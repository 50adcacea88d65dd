package feed

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"marketfeed/internal/core"
	"marketfeed/internal/venue"
	apperrors "marketfeed/pkg/errors"

	"github.com/adshao/go-binance/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func newTestEngine(t *testing.T, opts Options, validator core.SymbolValidator) (*Engine, *fakeDialer) {
	t.Helper()
	dialer := newFakeDialer()
	e := NewEngine(opts, dialer, testSelector(), validator, nopLogger())
	t.Cleanup(func() { _ = e.Stop() })
	return e, dialer
}

func TestEngine_EndToEndTrade(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	validator := new(mockValidator)
	validator.On("ValidateSymbol", mock.Anything, "BTCUSD").Return(nil).Once()

	e, dialer := newTestEngine(t, testOptions(), validator)
	tracker := &recorder{}

	created, err := e.Subscribe(context.Background(), TopicSpec{Symbol: "BTC", Currency: "USD", Event: "trade"}, tracker)
	require.NoError(t, err)
	assert.True(t, created)
	require.NoError(t, e.Start())

	conn := dialer.WaitConn(t, primaryURL(btcTrade), 1)
	frame := `{"e":"trade","s":"BTCUSD","p":"50000"}`
	conn.Send(t, frame)

	require.Eventually(t, func() bool { return tracker.Count() == 1 }, time.Second, 5*time.Millisecond)
	ev := tracker.Events()[0]
	assert.Equal(t, btcTrade, ev.Topic)
	assert.JSONEq(t, frame, string(ev.Raw))
	trade, ok := ev.Data.(*binance.WsTradeEvent)
	require.True(t, ok)
	assert.Equal(t, "50000", trade.Price)
	tracker.mu.Lock()
	assert.Equal(t, []string{btcTrade}, tracker.topics)
	tracker.mu.Unlock()

	removed, err := e.Unsubscribe(TopicSpec{Symbol: "BTC", Currency: "USD", Event: "trade"}, tracker)
	require.NoError(t, err)
	assert.True(t, removed)
	assert.Empty(t, e.Topics())

	// listener goes away within a reconciliation tick or two
	assert.Eventually(t, func() bool { return conn.IsClosed() && e.LiveListeners() == 0 }, 100*time.Millisecond, 2*time.Millisecond)

	require.NoError(t, e.Stop())
	assert.Equal(t, Stopped, e.State())
	validator.AssertExpectations(t)
}

func TestEngine_StartTwiceFails(t *testing.T) {
	e, _ := newTestEngine(t, testOptions(), nil)
	require.NoError(t, e.Start())
	assert.ErrorIs(t, e.Start(), apperrors.ErrAlreadyRunning)
	assert.Equal(t, Running, e.State())
	require.NoError(t, e.HealthCheck())
}

func TestEngine_StopLeavesNoListeners(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	e, dialer := newTestEngine(t, testOptions(), nil)
	sub := &recorder{}
	specs := []TopicSpec{
		{Symbol: "BTC", Event: "trade"},
		{Symbol: "ETH", Event: "ticker"},
		{Symbol: "SOL", Currency: "USDT", Event: "bookTicker"},
	}
	for _, spec := range specs {
		_, err := e.Subscribe(context.Background(), spec, sub)
		require.NoError(t, err)
	}
	require.NoError(t, e.Start())
	for _, spec := range specs {
		key, _ := spec.Key()
		dialer.WaitConn(t, primaryURL(key), 1)
	}

	require.NoError(t, e.Stop())
	assert.Equal(t, 0, e.LiveListeners())
	for _, spec := range specs {
		key, _ := spec.Key()
		assert.Equal(t, 0, dialer.Open(primaryURL(key)))
	}
	assert.Error(t, e.HealthCheck())
	assert.NoError(t, e.Stop(), "stopping a stopped engine is a no-op")
}

func TestEngine_StopTimesOutOnBlockedSubscriber(t *testing.T) {
	opts := testOptions()
	opts.StopTimeout = 100 * time.Millisecond
	opts.DispatcherDrain = time.Hour
	e, dialer := newTestEngine(t, opts, nil)

	release := make(chan struct{})
	entered := make(chan struct{}, 1)
	blocking := NewFuncSubscriber("blocking", func(string, core.Event) error {
		select {
		case entered <- struct{}{}:
		default:
		}
		<-release
		return nil
	})
	defer close(release)

	_, err := e.Subscribe(context.Background(), TopicSpec{Symbol: "BTC", Event: "trade"}, blocking)
	require.NoError(t, err)
	require.NoError(t, e.Start())

	dialer.WaitConn(t, primaryURL(btcTrade), 1).Send(t, tradeFrame("1"))
	<-entered

	start := time.Now()
	err = e.Stop()
	assert.ErrorIs(t, err, apperrors.ErrStopTimedOut)
	assert.Less(t, time.Since(start), opts.StopTimeout+2*forceGrace)
	assert.Eventually(t, func() bool { return e.State() == Stopped }, 3*forceGrace, 10*time.Millisecond)
	assert.Equal(t, 0, e.LiveListeners())
}

func TestEngine_NoRestartWhileForcedRunExits(t *testing.T) {
	opts := testOptions()
	opts.StopTimeout = 50 * time.Millisecond
	opts.DispatcherDrain = time.Hour
	e, dialer := newTestEngine(t, opts, nil)
	// return well before the coordinator's own grace on the stuck dispatcher ends
	e.grace = 10 * time.Millisecond

	release := make(chan struct{})
	entered := make(chan struct{}, 1)
	blocking := NewFuncSubscriber("blocking", func(string, core.Event) error {
		select {
		case entered <- struct{}{}:
		default:
		}
		<-release
		return nil
	})
	defer close(release)

	_, err := e.Subscribe(context.Background(), TopicSpec{Symbol: "BTC", Event: "trade"}, blocking)
	require.NoError(t, err)
	require.NoError(t, e.Start())
	dialer.WaitConn(t, primaryURL(btcTrade), 1).Send(t, tradeFrame("1"))
	<-entered

	assert.ErrorIs(t, e.Stop(), apperrors.ErrStopTimedOut)
	assert.Equal(t, Stopping, e.State())
	assert.ErrorIs(t, e.Start(), apperrors.ErrAlreadyRunning)

	require.Eventually(t, func() bool { return e.State() == Stopped }, 3*forceGrace, 10*time.Millisecond)
	require.NoError(t, e.Start())
	dialer.WaitConn(t, primaryURL(btcTrade), 2)
	assert.LessOrEqual(t, dialer.MaxOpen(primaryURL(btcTrade)), 1)
}

// batchSubscriber has a value receiver and a slice field, so its values are not comparable
type batchSubscriber struct {
	topics []string
}

func (b batchSubscriber) Receive(topic string, _ core.Event) error {
	if len(b.topics) > 0 && b.topics[0] != topic {
		return fmt.Errorf("unexpected topic %s", topic)
	}
	return nil
}

func TestEngine_SubscribeValidation(t *testing.T) {
	validator := new(mockValidator)
	validator.On("ValidateSymbol", mock.Anything, "DOGEUSD").
		Return(apperrors.ErrSymbolNotFound)
	validator.On("ValidateSymbol", mock.Anything, mock.Anything).Return(nil)

	e, _ := newTestEngine(t, testOptions(), validator)
	sub := &recorder{}

	_, err := e.Subscribe(context.Background(), TopicSpec{Symbol: "DOGE"}, sub)
	assert.ErrorIs(t, err, apperrors.ErrSymbolNotFound)

	_, err = e.Subscribe(context.Background(), TopicSpec{Symbol: "BTC", Event: "candles"}, sub)
	assert.ErrorIs(t, err, apperrors.ErrInvalidEvent)

	_, err = e.Subscribe(context.Background(), TopicSpec{Symbol: ""}, sub)
	assert.ErrorIs(t, err, apperrors.ErrInvalidSymbol)

	_, err = e.Subscribe(context.Background(), TopicSpec{Symbol: "BTC"}, nil)
	assert.ErrorIs(t, err, apperrors.ErrNilSubscriber)

	_, err = e.Unsubscribe(TopicSpec{Symbol: "BTC"}, nil)
	assert.ErrorIs(t, err, apperrors.ErrNilSubscriber)

	// two values of a slice-holding type on one topic would panic on comparison
	for i := 0; i < 2; i++ {
		_, err = e.Subscribe(context.Background(), TopicSpec{Symbol: "BTC"}, batchSubscriber{})
		assert.ErrorIs(t, err, apperrors.ErrInvalidSubscriber)
	}
	_, err = e.Unsubscribe(TopicSpec{Symbol: "BTC"}, batchSubscriber{})
	assert.ErrorIs(t, err, apperrors.ErrInvalidSubscriber)

	assert.Empty(t, e.Topics(), "rejected subscriptions must not register")
	validator.AssertNotCalled(t, "ValidateSymbol", mock.Anything, "BTCUSD")
}

func TestEngine_SubscribeWhileRunning(t *testing.T) {
	e, dialer := newTestEngine(t, testOptions(), nil)
	require.NoError(t, e.Start())

	sub := &recorder{}
	created, err := e.Subscribe(context.Background(), TopicSpec{Symbol: "ETH", Event: "aggTrade"}, sub)
	require.NoError(t, err)
	assert.True(t, created)

	conn := dialer.WaitConn(t, primaryURL("ethusd@aggTrade"), 1)
	conn.Send(t, `{"e":"aggTrade","E":1,"s":"ETHUSD","a":1,"p":"2000","q":"1","f":1,"l":1,"T":1,"m":false}`)
	require.Eventually(t, func() bool { return sub.Count() == 1 }, time.Second, 5*time.Millisecond)
	_, ok := sub.Events()[0].Data.(*binance.WsAggTradeEvent)
	assert.True(t, ok)

	// second subscriber shares the listener
	other := &recorder{}
	created, err = e.Subscribe(context.Background(), TopicSpec{Symbol: "eth", Event: "AGGTRADE"}, other)
	require.NoError(t, err)
	assert.False(t, created)
	conn.Send(t, `{"e":"aggTrade","E":2,"s":"ETHUSD","a":2,"p":"2001","q":"1","f":2,"l":2,"T":2,"m":true}`)
	require.Eventually(t, func() bool { return other.Count() == 1 && sub.Count() == 2 }, time.Second, 5*time.Millisecond)
	assert.Len(t, dialer.Conns(primaryURL("ethusd@aggTrade")), 1)
}

func TestEngine_VenueModeSwitch(t *testing.T) {
	e, dialer := newTestEngine(t, testOptions(), nil)
	require.NoError(t, e.Start())
	assert.Equal(t, venue.ModePrimary, e.VenueMode())

	e.SetVenueMode(venue.ModeFallback)
	assert.Equal(t, venue.ModeFallback, e.VenueMode())

	_, err := e.Subscribe(context.Background(), TopicSpec{Symbol: "BTC", Event: "trade"}, &recorder{})
	require.NoError(t, err)
	dialer.WaitConn(t, testFallbackWS+"/"+btcTrade, 1)
	assert.Empty(t, dialer.Conns(primaryURL(btcTrade)))
}

func TestEngine_ListenerReconnects(t *testing.T) {
	e, dialer := newTestEngine(t, testOptions(), nil)
	sub := &recorder{}
	_, err := e.Subscribe(context.Background(), TopicSpec{Symbol: "BTC", Event: "trade"}, sub)
	require.NoError(t, err)
	require.NoError(t, e.Start())

	dialer.WaitConn(t, primaryURL(btcTrade), 1).Drop()
	second := dialer.WaitConn(t, primaryURL(btcTrade), 2)
	second.Send(t, tradeFrame("2"))
	require.Eventually(t, func() bool { return sub.Count() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, e.LiveListeners())
}

func TestEngine_RestartAfterStop(t *testing.T) {
	e, dialer := newTestEngine(t, testOptions(), nil)
	sub := &recorder{}
	_, err := e.Subscribe(context.Background(), TopicSpec{Symbol: "BTC", Event: "trade"}, sub)
	require.NoError(t, err)

	require.NoError(t, e.Start())
	dialer.WaitConn(t, primaryURL(btcTrade), 1)
	require.NoError(t, e.Stop())

	require.NoError(t, e.Start())
	dialer.WaitConn(t, primaryURL(btcTrade), 2).Send(t, tradeFrame("3"))
	require.Eventually(t, func() bool { return sub.Count() == 1 }, time.Second, 5*time.Millisecond)
}

func TestEngine_RunStopsWithContext(t *testing.T) {
	e, _ := newTestEngine(t, testOptions(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- e.Run(ctx) }()

	require.Eventually(t, func() bool { return e.State() == Running }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
	assert.Equal(t, Stopped, e.State())
}

func TestEngine_SubscriberErrorDoesNotReachOthers(t *testing.T) {
	e, dialer := newTestEngine(t, testOptions(), nil)
	failing := NewFuncSubscriber("failing", func(string, core.Event) error { return errors.New("nope") })
	healthy := &recorder{}
	for _, sub := range []core.Subscriber{failing, healthy} {
		_, err := e.Subscribe(context.Background(), TopicSpec{Symbol: "BTC", Event: "trade"}, sub)
		require.NoError(t, err)
	}
	require.NoError(t, e.Start())

	conn := dialer.WaitConn(t, primaryURL(btcTrade), 1)
	conn.Send(t, tradeFrame("1"))
	conn.Send(t, tradeFrame("2"))
	require.Eventually(t, func() bool { return healthy.Count() == 2 }, time.Second, 5*time.Millisecond)
}
