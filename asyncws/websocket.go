package asyncws

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/TheSmallBoat/asyncws/logs"
	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"github.com/valyala/bytebufferpool"
	"go.uber.org/zap"
)

const (
	DefaultWriteTimeout = 10 * time.Second
	DefaultCloseTimeout = 5 * time.Second
)

// WebSocketDialer opens gorilla/websocket connections. The zero value is usable.
type WebSocketDialer struct {
	Dialer *websocket.Dialer
	Header http.Header

	HandshakeTimeout time.Duration // bounds the whole dial when > 0
	WriteTimeout     time.Duration // per frame
	CloseTimeout     time.Duration // wait for the peer's close frame before severing
	ReadLimit        int64         // max inbound message size, 0 for none

	Clock  clock.Clock // times the close handshake, nil for the wall clock
	Logger *zap.Logger
}

var _ Dialer = (*WebSocketDialer)(nil)

func (d *WebSocketDialer) Dial(addr string, h EventHandler) (Transport, error) {
	u, err := url.Parse(addr)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("'%s' is an invalid websocket address: scheme must be ws or wss", addr)
	}

	ctx, cancel := context.WithCancel(context.Background())

	t := &wsTransport{
		addr:     addr,
		h:        h,
		cancel:   cancel,
		readDone: make(chan struct{}),

		dialer:           d.Dialer,
		header:           d.Header,
		handshakeTimeout: d.HandshakeTimeout,
		writeTimeout:     d.WriteTimeout,
		closeTimeout:     d.CloseTimeout,
		readLimit:        d.ReadLimit,
		clk:              clockOrWall(d.Clock),
		log:              d.Logger,
	}
	if t.dialer == nil {
		t.dialer = websocket.DefaultDialer
	}
	if t.writeTimeout <= 0 {
		t.writeTimeout = DefaultWriteTimeout
	}
	if t.closeTimeout <= 0 {
		t.closeTimeout = DefaultCloseTimeout
	}
	if t.log == nil {
		t.log = logs.Named("websocket")
	}
	t.writerCond.L = &t.mu
	t.state.Store(int32(StateConnecting))

	go t.dial(ctx)

	return t, nil
}

type wsTransport struct {
	addr   string
	h      EventHandler
	cancel context.CancelFunc

	dialer           *websocket.Dialer
	header           http.Header
	handshakeTimeout time.Duration
	writeTimeout     time.Duration
	closeTimeout     time.Duration
	readLimit        int64
	clk              clock.Clock
	log              *zap.Logger

	state atomic.Int32

	mu   sync.Mutex
	once sync.Once
	conn *websocket.Conn

	writerQueue []*pendingWrite
	writerCond  sync.Cond
	writerDone  bool

	readDone chan struct{} // closed once no more inbound messages will be handled
}

func (t *wsTransport) State() ReadyState { return ReadyState(t.state.Load()) }

func (t *wsTransport) dial(ctx context.Context) {
	defer t.cancel()

	if t.handshakeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.handshakeTimeout)
		defer cancel()
	}

	conn, res, err := t.dialer.DialContext(ctx, t.addr, t.header)
	if res != nil && res.Body != nil {
		_ = res.Body.Close()
	}
	if err != nil {
		if !t.state.CompareAndSwap(int32(StateConnecting), int32(StateClosed)) {
			err = context.Canceled
		}
		close(t.readDone)
		t.h.HandleError(err)
		return
	}

	t.mu.Lock()
	if !t.state.CompareAndSwap(int32(StateConnecting), int32(StateOpen)) {
		// closed while the handshake was in flight
		t.mu.Unlock()
		_ = conn.Close()
		close(t.readDone)
		t.h.HandleError(context.Canceled)
		return
	}
	t.conn = conn
	if t.readLimit > 0 {
		conn.SetReadLimit(t.readLimit)
	}
	t.mu.Unlock()

	go t.writeLoop()

	t.log.Debug("websocket open", zap.String("addr", t.addr))
	t.h.HandleOpen()

	t.readLoop()
}

func (t *wsTransport) readLoop() {
	defer close(t.readDone)

	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)

	for {
		typ, r, err := t.conn.NextReader()
		if err != nil {
			t.finish(err)
			return
		}

		buf.Reset()
		if _, err := buf.ReadFrom(r); err != nil {
			t.finish(err)
			return
		}

		data := make([]byte, buf.Len())
		copy(data, buf.B)

		t.h.HandleMessage(Message{Type: MessageType(typ), Data: data})
	}
}

func (t *wsTransport) writeLoop() {
	for {
		t.mu.Lock()
		for !t.writerDone && len(t.writerQueue) == 0 {
			t.writerCond.Wait()
		}
		done, queue := t.writerDone, t.writerQueue
		t.writerQueue = nil
		t.mu.Unlock()

		if done && len(queue) == 0 {
			return
		}

		var err error
		for _, pw := range queue {
			if err == nil {
				err = t.write(pw)
			}
			pendingWritePool.release(pw)
		}

		if err != nil {
			t.finish(err)
		}
	}
}

func (t *wsTransport) write(pw *pendingWrite) error {
	deadline := time.Now().Add(t.writeTimeout)
	if pw.typ == websocket.CloseMessage {
		return t.conn.WriteControl(websocket.CloseMessage, pw.buf.B, deadline)
	}
	if err := t.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return t.conn.WriteMessage(pw.typ, pw.buf.B)
}

func (t *wsTransport) enqueue(pw *pendingWrite) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.writerDone {
		return false
	}
	t.writerQueue = append(t.writerQueue, pw)
	t.writerCond.Signal()
	return true
}

// Send queues msg for the writer goroutine. A zero Type is sent as a text frame.
func (t *wsTransport) Send(msg Message) error {
	if t.State() != StateOpen {
		return ErrNotConnected
	}

	typ := int(msg.Type)
	switch msg.Type {
	case 0:
		typ = websocket.TextMessage
	case TextMessage, BinaryMessage:
	default:
		return fmt.Errorf("unsupported message type %d", msg.Type)
	}

	pw := pendingWritePool.acquire(typ, msg.Data)
	if !t.enqueue(pw) {
		pendingWritePool.release(pw)
		return ErrNotConnected
	}
	return nil
}

const maxCloseReason = 123

// checkClose applies the limits a browser WebSocket enforces before sending a close frame.
func checkClose(code int, reason string) error {
	if code != CloseNormalClosure && (code < 3000 || code > 4999) {
		return fmt.Errorf("%w: got %d", ErrInvalidCloseCode, code)
	}
	if len(reason) > maxCloseReason {
		return fmt.Errorf("%w: got %d", ErrCloseReasonTooLong, len(reason))
	}
	return nil
}

// Close starts the closing handshake and returns. The socket is severed once the peer
// answers or CloseTimeout elapses. Closing a transport that is still connecting aborts
// the dial. An invalid code or reason is rejected without touching the connection.
func (t *wsTransport) Close(code int, reason string) error {
	if err := checkClose(code, reason); err != nil {
		return err
	}
	if t.state.CompareAndSwap(int32(StateConnecting), int32(StateClosed)) {
		t.cancel()
		return nil
	}
	if !t.state.CompareAndSwap(int32(StateOpen), int32(StateClosing)) {
		return ErrAlreadyClosed
	}

	pw := pendingWritePool.acquire(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
	if !t.enqueue(pw) {
		pendingWritePool.release(pw)
	}

	go t.awaitClose()

	return nil
}

func (t *wsTransport) awaitClose() {
	timer := timerPool.acquire(t.clk, t.closeTimeout)
	defer timerPool.release(timer)

	select {
	case <-t.readDone:
	case <-timer.C:
		t.log.Debug("websocket close handshake timed out", zap.String("addr", t.addr))
	}

	t.finish(nil)
}

func (t *wsTransport) finish(err error) {
	t.once.Do(func() {
		t.state.Store(int32(StateClosed))

		t.mu.Lock()
		t.writerDone = true
		t.writerCond.Broadcast()
		t.mu.Unlock()

		_ = t.conn.Close()

		if err != nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			t.log.Debug("websocket closed", zap.String("addr", t.addr), zap.Error(err))
		}
	})
}
