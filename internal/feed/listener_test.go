package feed

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const btcTrade = "btcusd@trade"

func tradeFrame(price string) string {
	return fmt.Sprintf(`{"e":"trade","E":1,"s":"BTCUSD","t":1,"p":"%s","q":"1","T":1,"m":false,"M":true}`, price)
}

func startListener(t *testing.T, dialer *fakeDialer, out chan Frame, delay time.Duration) (*Listener, context.CancelFunc) {
	t.Helper()
	l := NewListener(btcTrade, primaryURL(btcTrade), dialer, out, delay, nopLogger())
	ctx, cancel := context.WithCancel(context.Background())
	go l.Run(ctx)
	t.Cleanup(func() {
		l.Stop()
		cancel()
		<-l.Done()
	})
	return l, cancel
}

func recvFrame(t *testing.T, out <-chan Frame) Frame {
	t.Helper()
	select {
	case f := <-out:
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("no frame forwarded")
		return Frame{}
	}
}

func TestListener_ForwardsFramesInOrder(t *testing.T) {
	dialer := newFakeDialer()
	out := make(chan Frame, 16)
	l, _ := startListener(t, dialer, out, time.Hour)

	conn := dialer.WaitConn(t, primaryURL(btcTrade), 1)
	conn.Send(t, `{"result":null,"id":1}`)
	conn.Send(t, `{"hello":"world"}`)
	conn.Send(t, `not json`)
	for i := 1; i <= 5; i++ {
		conn.Send(t, tradeFrame(fmt.Sprintf("%d", 100+i)))
	}

	for i := 1; i <= 5; i++ {
		f := recvFrame(t, out)
		assert.Equal(t, btcTrade, f.Topic)
		assert.Equal(t, uint64(i), f.Seq)
		trade, ok := f.Event.Data.(*binance.WsTradeEvent)
		require.True(t, ok)
		assert.Equal(t, fmt.Sprintf("%d", 100+i), trade.Price)
	}
	assert.Equal(t, StateStreaming, l.State())
	assert.Equal(t, int64(1), l.Connects())
}

func TestListener_ReconnectsAfterDelay(t *testing.T) {
	dialer := newFakeDialer()
	out := make(chan Frame, 16)
	delay := 100 * time.Millisecond
	l, _ := startListener(t, dialer, out, delay)

	first := dialer.WaitConn(t, primaryURL(btcTrade), 1)
	dropped := time.Now()
	first.Drop()

	second := dialer.WaitConn(t, primaryURL(btcTrade), 2)
	assert.GreaterOrEqual(t, time.Since(dropped), delay, "reconnect must wait out the delay")
	assert.True(t, first.IsClosed())

	second.Send(t, tradeFrame("1"))
	f := recvFrame(t, out)
	assert.Equal(t, uint64(1), f.Seq)
	assert.Equal(t, int64(2), l.Connects())
	assert.LessOrEqual(t, dialer.MaxOpen(primaryURL(btcTrade)), 1)
}

func TestListener_RetriesFailedDials(t *testing.T) {
	dialer := newFakeDialer()
	dialer.failures = 2
	out := make(chan Frame, 1)
	l, _ := startListener(t, dialer, out, 20*time.Millisecond)

	dialer.WaitConn(t, primaryURL(btcTrade), 1)
	assert.Eventually(t, func() bool { return l.State() == StateStreaming }, time.Second, 5*time.Millisecond)
}

func TestListener_StopInterruptsRead(t *testing.T) {
	dialer := newFakeDialer()
	out := make(chan Frame, 1)
	l, _ := startListener(t, dialer, out, time.Hour)

	conn := dialer.WaitConn(t, primaryURL(btcTrade), 1)
	require.Eventually(t, func() bool { return l.State() == StateStreaming }, time.Second, 5*time.Millisecond)

	l.Stop()
	select {
	case <-l.Done():
	case <-time.After(time.Second):
		t.Fatal("listener did not stop")
	}
	assert.True(t, conn.IsClosed())
	assert.Equal(t, StateStopped, l.State())
	assert.Equal(t, 0, dialer.Open(primaryURL(btcTrade)))
}

func TestListener_StopDuringBackoff(t *testing.T) {
	dialer := newFakeDialer()
	dialer.failures = 1
	out := make(chan Frame, 1)
	l, _ := startListener(t, dialer, out, time.Hour)

	require.Eventually(t, func() bool { return l.State() == StateReconnecting }, time.Second, 5*time.Millisecond)
	l.Stop()
	select {
	case <-l.Done():
	case <-time.After(time.Second):
		t.Fatal("listener stuck in backoff")
	}
	assert.Empty(t, dialer.Conns(primaryURL(btcTrade)))
}

func TestListener_StopIsIdempotent(t *testing.T) {
	dialer := newFakeDialer()
	l, _ := startListener(t, dialer, make(chan Frame, 1), time.Hour)
	dialer.WaitConn(t, primaryURL(btcTrade), 1)

	assert.NotPanics(t, func() {
		l.Stop()
		l.Stop()
	})
	<-l.Done()
}

func TestListener_ForceCancelAbandonsStuckRead(t *testing.T) {
	dialer := newFakeDialer()
	dialer.stuck = true
	defer close(dialer.release)

	out := make(chan Frame, 1)
	l, cancel := startListener(t, dialer, out, time.Hour)
	dialer.WaitConn(t, primaryURL(btcTrade), 1)
	require.Eventually(t, func() bool { return l.State() == StateStreaming }, time.Second, 5*time.Millisecond)

	l.Stop()
	select {
	case <-l.Done():
		t.Fatal("graceful stop must wait for the pending read")
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, StateClosing, l.State())

	cancel()
	select {
	case <-l.Done():
	case <-time.After(time.Second):
		t.Fatal("force cancel did not release the listener")
	}
}

func TestListener_DeliversFrameReadBeforeStop(t *testing.T) {
	dialer := newFakeDialer()
	out := make(chan Frame) // unbuffered: the push blocks until someone reads
	l, _ := startListener(t, dialer, out, time.Hour)

	conn := dialer.WaitConn(t, primaryURL(btcTrade), 1)
	conn.Send(t, tradeFrame("42"))
	time.Sleep(50 * time.Millisecond)

	l.Stop()
	f := recvFrame(t, out)
	trade, ok := f.Event.Data.(*binance.WsTradeEvent)
	require.True(t, ok)
	assert.Equal(t, "42", trade.Price)

	select {
	case <-l.Done():
	case <-time.After(time.Second):
		t.Fatal("listener did not stop after its last frame was taken")
	}
	assert.True(t, conn.IsClosed())
}

func TestListener_ForceCancelReleasesBlockedPush(t *testing.T) {
	dialer := newFakeDialer()
	out := make(chan Frame) // nobody reads
	l, cancel := startListener(t, dialer, out, time.Hour)

	conn := dialer.WaitConn(t, primaryURL(btcTrade), 1)
	conn.Send(t, tradeFrame("1"))
	time.Sleep(20 * time.Millisecond)

	l.Stop()
	select {
	case <-l.Done():
		t.Fatal("a frame read before stop must not be abandoned on a graceful stop")
	case <-time.After(50 * time.Millisecond):
	}

	cancel()
	select {
	case <-l.Done():
	case <-time.After(time.Second):
		t.Fatal("force cancel did not release the blocked push")
	}
}

func TestListener_NoFramesReadAfterStop(t *testing.T) {
	dialer := newFakeDialer()
	dialer.stuck = true
	defer close(dialer.release)

	out := make(chan Frame, 4)
	l, cancel := startListener(t, dialer, out, time.Hour)
	conn := dialer.WaitConn(t, primaryURL(btcTrade), 1)
	require.Eventually(t, func() bool { return l.State() == StateStreaming }, time.Second, 5*time.Millisecond)

	// the pending read survives Close and returns this frame after stop
	l.Stop()
	require.Eventually(t, func() bool { return l.State() == StateClosing }, time.Second, 5*time.Millisecond)
	conn.Send(t, tradeFrame("1"))
	time.Sleep(50 * time.Millisecond)

	cancel()
	<-l.Done()
	select {
	case f := <-out:
		t.Fatalf("frame read after stop was forwarded: %+v", f)
	default:
	}
}
