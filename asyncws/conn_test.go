package asyncws

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestConnectResolvesWithConn(t *testing.T) {
	defer goleak.VerifyNone(t)

	var c Conn
	_, tr := connected(t, &c)

	require.Equal(t, "ws://fake/", tr.addr)
	require.Equal(t, StateOpen, c.State())
}

func TestConnectForwardsTransportError(t *testing.T) {
	defer goleak.VerifyNone(t)

	boom := errors.New("boom")

	d := &fakeDialer{}
	c := &Conn{Dialer: d}

	f := c.Connect("ws://fake/")
	d.last().fail(boom)

	_, err := await(t, f)
	require.Same(t, boom, err)

	d.err = boom
	_, err = await(t, c.Connect("ws://fake/"))
	require.Same(t, boom, err)
	require.Equal(t, StateClosed, c.State())
}

func TestReceiveFanOutInRegistrationOrder(t *testing.T) {
	defer goleak.VerifyNone(t)

	var c Conn
	_, tr := connected(t, &c)

	n := 8

	var (
		mu    sync.Mutex
		order []int
	)

	futures := make([]*Future[Message], 0, n)
	for i := 0; i < n; i++ {
		i := i
		f := c.Receive(0)
		f.Then(func(Message, error) {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		})
		futures = append(futures, f)
	}
	require.Equal(t, n, c.Pending())

	tr.push(Text("tick"))

	for _, f := range futures {
		msg, err := await(t, f)
		require.NoError(t, err)
		require.Equal(t, "tick", msg.String())
		require.Equal(t, TextMessage, msg.Type)
	}

	require.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7}, order)
	require.Equal(t, 0, c.Pending())
}

func TestMessageWithoutReceiverIsDropped(t *testing.T) {
	defer goleak.VerifyNone(t)

	var c Conn
	_, tr := connected(t, &c)

	tr.push(Text("nobody listening"))
	require.Equal(t, 0, c.Pending())

	_, err := await(t, c.Receive(20*time.Millisecond))
	require.True(t, IsTimeout(err))

	f := c.Receive(0)
	tr.push(Text("fresh"))
	msg, err := await(t, f)
	require.NoError(t, err)
	require.Equal(t, "fresh", msg.String())
}

func TestNotConnectedGuard(t *testing.T) {
	defer goleak.VerifyNone(t)

	var never Conn

	send := never.Send(Text("x"))
	recv := never.Receive(time.Second)
	require.True(t, send.Settled())
	require.True(t, recv.Settled())

	_, err := send.Result()
	require.ErrorIs(t, err, ErrNotConnected)
	_, err = recv.Result()
	require.ErrorIs(t, err, ErrNotConnected)
	require.Equal(t, 0, never.Pending())

	// still connecting
	d := &fakeDialer{}
	c := &Conn{Dialer: d}
	c.Connect("ws://fake/")
	require.Equal(t, StateConnecting, c.State())
	_, err = c.Send(Text("x")).Result()
	require.ErrorIs(t, err, ErrNotConnected)
	_, err = c.Receive(0).Result()
	require.ErrorIs(t, err, ErrNotConnected)

	// after close
	d.last().open()
	_, err = await(t, c.CloseNormal())
	require.NoError(t, err)
	_, err = c.Send(Text("x")).Result()
	require.ErrorIs(t, err, ErrNotConnected)
	_, err = c.Receive(0).Result()
	require.ErrorIs(t, err, ErrNotConnected)
	require.Equal(t, 0, c.Pending())
}

func TestReceiveResolvesBeforeTimeout(t *testing.T) {
	defer goleak.VerifyNone(t)

	var c Conn
	_, tr := connected(t, &c)

	f := c.Receive(500 * time.Millisecond)
	time.AfterFunc(10*time.Millisecond, func() { tr.push(Text("early")) })

	msg, err := await(t, f)
	require.NoError(t, err)
	require.Equal(t, "early", msg.String())

	// the stopped timer must not reject anything later
	time.Sleep(20 * time.Millisecond)
	_, err = f.Result()
	require.NoError(t, err)
}

func TestReceiveTimesOutBeforeMessage(t *testing.T) {
	defer goleak.VerifyNone(t)

	var c Conn
	_, tr := connected(t, &c)

	f := c.Receive(10 * time.Millisecond)

	_, err := await(t, f)
	var te *TimeoutError
	require.ErrorAs(t, err, &te)
	require.Equal(t, 10*time.Millisecond, te.Window)
	require.Equal(t, "socket recv timed out after 0.01 seconds", err.Error())

	// the expired receiver left the queue, so the late message has nobody to reach
	require.Equal(t, 0, c.Pending())
	require.NotPanics(t, func() { tr.push(Text("late")) })

	_, err = f.Result()
	require.True(t, IsTimeout(err))
}

func TestReceiveTimeoutFollowsClock(t *testing.T) {
	defer goleak.VerifyNone(t)

	mock := clock.NewMock()
	c := Conn{Clock: mock}
	_, tr := connected(t, &c)

	f := c.Receive(time.Minute)
	g := c.Receive(2 * time.Minute)

	mock.Add(59 * time.Second)
	require.False(t, f.Settled())

	mock.Add(time.Second)
	_, err := await(t, f)
	var te *TimeoutError
	require.ErrorAs(t, err, &te)
	require.Equal(t, time.Minute, te.Window)
	require.Equal(t, 1, c.Pending())

	tr.push(Text("in time"))
	msg, err := await(t, g)
	require.NoError(t, err)
	require.Equal(t, "in time", msg.String())

	// g's timer was stopped by the delivery
	mock.Add(time.Hour)
	_, err = g.Result()
	require.NoError(t, err)
}

func TestTimeoutLeavesOtherReceiversQueued(t *testing.T) {
	defer goleak.VerifyNone(t)

	var c Conn
	_, tr := connected(t, &c)

	a := c.Receive(0)
	b := c.Receive(5 * time.Millisecond)
	d := c.Receive(0)

	_, err := await(t, b)
	require.True(t, IsTimeout(err))
	require.Equal(t, 2, c.Pending())

	tr.push(Binary([]byte{0xca, 0xfe}))

	for _, f := range []*Future[Message]{a, d} {
		msg, err := await(t, f)
		require.NoError(t, err)
		require.Equal(t, BinaryMessage, msg.Type)
		require.Equal(t, []byte{0xca, 0xfe}, msg.Data)
	}
}

func TestCloseTwice(t *testing.T) {
	defer goleak.VerifyNone(t)

	var c Conn
	_, tr := connected(t, &c)

	first := c.CloseNormal()
	second := c.Close(4000, "again")

	require.True(t, first.Settled())
	_, err := first.Result()
	require.NoError(t, err)

	_, err = second.Result()
	require.ErrorIs(t, err, ErrAlreadyClosed)

	// the transport is still mid-handshake but the Conn already let go of it
	require.Equal(t, StateClosing, tr.State())
	require.Equal(t, StateClosed, c.State())
	require.Equal(t, []closeCall{{code: CloseNormalClosure, reason: ""}}, tr.closes)

	var never Conn
	_, err = never.CloseNormal().Result()
	require.ErrorIs(t, err, ErrAlreadyClosed)
}

func TestCloseForwardsTransportError(t *testing.T) {
	defer goleak.VerifyNone(t)

	var c Conn
	_, tr := connected(t, &c)

	boom := errors.New("close failed")
	tr.mu.Lock()
	tr.closeErr = boom
	tr.mu.Unlock()

	a := c.Receive(0)
	_, err := c.CloseNormal().Result()
	require.Same(t, boom, err)

	// a refused close keeps the transport and its receivers
	require.Equal(t, StateOpen, c.State())
	require.Equal(t, 1, c.Pending())
	require.Empty(t, tr.closes)

	tr.push(Text("still here"))
	msg, err := await(t, a)
	require.NoError(t, err)
	require.Equal(t, "still here", msg.String())

	tr.mu.Lock()
	tr.closeErr = nil
	tr.mu.Unlock()

	_, err = c.CloseNormal().Result()
	require.NoError(t, err)
	require.Equal(t, StateClosed, c.State())
}

func TestCloseLeavesReceiversPending(t *testing.T) {
	defer goleak.VerifyNone(t)

	var c Conn
	d, _ := connected(t, &c)

	f := c.Receive(0)
	_, err := c.CloseNormal().Result()
	require.NoError(t, err)

	require.False(t, f.Settled())
	require.Equal(t, 1, c.Pending())

	// a later connection's first message still reaches it
	next := c.Connect("ws://fake/again")
	tr := d.last()
	tr.open()
	_, err = await(t, next)
	require.NoError(t, err)

	tr.push(Text("after reconnect"))
	msg, err := await(t, f)
	require.NoError(t, err)
	require.Equal(t, "after reconnect", msg.String())
}

func TestRejectPendingOnClose(t *testing.T) {
	defer goleak.VerifyNone(t)

	c := &Conn{RejectPendingOnClose: true}
	connected(t, c)

	a := c.Receive(0)
	b := c.Receive(time.Minute)

	_, err := c.CloseNormal().Result()
	require.NoError(t, err)

	for _, f := range []*Future[Message]{a, b} {
		_, err := await(t, f)
		require.ErrorIs(t, err, ErrClosed)
	}
	require.Equal(t, 0, c.Pending())
}

func TestReconnectDiscardsOldTransport(t *testing.T) {
	defer goleak.VerifyNone(t)

	d := &fakeDialer{}
	c := &Conn{Dialer: d}

	first := c.Connect("ws://fake/one")
	old := d.last()

	second := c.Connect("ws://fake/two")
	cur := d.last()
	require.NotSame(t, old, cur)
	require.Equal(t, []closeCall{{code: CloseNormalClosure, reason: "superseded"}}, old.closes)

	cur.open()
	got, err := await(t, second)
	require.NoError(t, err)
	require.Same(t, c, got)

	// events from the discarded transport go nowhere
	old.open()
	old.fail(errors.New("stale"))
	require.False(t, first.Settled())

	f := c.Receive(0)
	old.push(Text("stale"))
	require.False(t, f.Settled())
	require.Equal(t, 1, c.Pending())

	cur.push(Text("current"))
	msg, err := await(t, f)
	require.NoError(t, err)
	require.Equal(t, "current", msg.String())
}

func TestSend(t *testing.T) {
	defer goleak.VerifyNone(t)

	var c Conn
	_, tr := connected(t, &c)

	f := c.Send(Text("ping"))
	require.True(t, f.Settled())
	_, err := f.Result()
	require.NoError(t, err)
	require.Equal(t, []Message{Text("ping")}, tr.sent)

	boom := errors.New("write failed")
	tr.sendErr = boom
	_, err = c.Send(Binary([]byte("x"))).Result()
	require.Same(t, boom, err)
}

func TestMetrics(t *testing.T) {
	defer goleak.VerifyNone(t)

	reg := prometheus.NewRegistry()
	c := &Conn{Metrics: NewMetrics(reg)}
	d, tr := connected(t, c)

	a, b := c.Receive(0), c.Receive(0)
	require.EqualValues(t, 2, testutil.ToFloat64(c.Metrics.Pending))

	tr.push(Text("one"))
	_, _ = await(t, a)
	_, _ = await(t, b)
	tr.push(Text("two"))

	_, _ = await(t, c.Receive(time.Millisecond))

	_ = c.Send(Text("out"))
	tr.sendErr = errors.New("nope")
	_ = c.Send(Text("out"))

	c.Connect("ws://fake/next")
	tr.push(Text("stale"))
	d.last().open()

	m := c.Metrics
	require.EqualValues(t, 2, testutil.ToFloat64(m.Received))
	require.EqualValues(t, 2, testutil.ToFloat64(m.Resolved))
	require.EqualValues(t, 1, testutil.ToFloat64(m.Dropped.WithLabelValues(dropNoReceiver)))
	require.EqualValues(t, 1, testutil.ToFloat64(m.Dropped.WithLabelValues(dropStaleHandle)))
	require.EqualValues(t, 1, testutil.ToFloat64(m.ReceiveTimeouts))
	require.EqualValues(t, 1, testutil.ToFloat64(m.Sent))
	require.EqualValues(t, 1, testutil.ToFloat64(m.SendErrors))
	require.EqualValues(t, 2, testutil.ToFloat64(m.Connects.WithLabelValues("open")))
	require.EqualValues(t, 0, testutil.ToFloat64(m.Pending))

	require.Equal(t, 1, testutil.CollectAndCount(reg, "asyncws_receive_timeouts_total"))
}

func TestPendingReceivesReturnToPool(t *testing.T) {
	defer goleak.VerifyNone(t)

	var c Conn
	_, tr := connected(t, &c)

	na0, nr0, np0 := pendingReceivePool.m.totals()

	for i := 0; i < 64; i++ {
		timeout := time.Duration(i%3) * time.Millisecond
		if i%2 == 1 {
			timeout += time.Millisecond
		}
		f := c.Receive(timeout)
		if i%2 == 0 {
			tr.push(Text("x"))
		}
		_, _ = await(t, f)
	}

	require.Eventually(t, func() bool {
		na, nr, np := pendingReceivePool.m.totals()
		return (na-na0)+(nr-nr0) == np-np0
	}, time.Second, 5*time.Millisecond)
}
