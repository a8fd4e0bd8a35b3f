package asyncws

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type closeCall struct {
	code   int
	reason string
}

// fakeTransport is driven by the test: open, fail and push fire the handler's events.
type fakeTransport struct {
	addr string
	h    EventHandler

	mu       sync.Mutex
	state    ReadyState
	sent     []Message
	closes   []closeCall
	sendErr  error
	closeErr error
}

func (t *fakeTransport) State() ReadyState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *fakeTransport) setState(s ReadyState) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
}

func (t *fakeTransport) Send(msg Message) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sendErr != nil {
		return t.sendErr
	}
	t.sent = append(t.sent, msg)
	return nil
}

func (t *fakeTransport) Close(code int, reason string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closeErr != nil {
		return t.closeErr
	}
	t.closes = append(t.closes, closeCall{code: code, reason: reason})
	t.state = StateClosing
	return nil
}

func (t *fakeTransport) open() {
	t.setState(StateOpen)
	t.h.HandleOpen()
}

func (t *fakeTransport) fail(err error) {
	t.setState(StateClosed)
	t.h.HandleError(err)
}

func (t *fakeTransport) push(msg Message) { t.h.HandleMessage(msg) }

type fakeDialer struct {
	mu     sync.Mutex
	err    error
	dialed []*fakeTransport
}

func (d *fakeDialer) Dial(addr string, h EventHandler) (Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	t := &fakeTransport{addr: addr, h: h, state: StateConnecting}
	d.dialed = append(d.dialed, t)
	return t, nil
}

func (d *fakeDialer) last() *fakeTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dialed[len(d.dialed)-1]
}

func await[T any](t testing.TB, f *Future[T]) (T, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	v, err := f.Await(ctx)
	require.NotErrorIs(t, err, context.DeadlineExceeded, "future did not settle")
	return v, err
}

func connected(t testing.TB, c *Conn) (*fakeDialer, *fakeTransport) {
	t.Helper()
	d := &fakeDialer{}
	c.Dialer = d

	f := c.Connect("ws://fake/")
	tr := d.last()
	tr.open()

	got, err := await(t, f)
	require.NoError(t, err)
	require.Same(t, c, got)
	return d, tr
}
