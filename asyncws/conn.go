package asyncws

import (
	"sync"
	"time"

	"github.com/TheSmallBoat/asyncws/logs"
	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// Conn adapts one event-driven Transport into future-returning Connect, Send, Receive
// and Close. Every inbound message resolves all receivers pending at that moment, in
// the order they called Receive. Messages arriving with no receiver are dropped.
//
// The zero value is ready to use and dials with DefaultDialer.
type Conn struct {
	Dialer Dialer

	// RejectPendingOnClose makes Close reject every pending receiver with ErrClosed.
	// By default they stay pending until a later message or their own timeout.
	RejectPendingOnClose bool

	// Clock arms receive timeouts. Nil means the wall clock.
	Clock clock.Clock

	Metrics *Metrics
	Logger  *zap.Logger

	mu        sync.Mutex
	binding   *binding
	receivers []*pendingReceive
}

// binding ties one transport to the Conn and the Connect call that created it. Events
// from a binding that is no longer current are ignored.
type binding struct {
	conn      *Conn
	addr      string
	future    *Future[*Conn]
	transport Transport
}

var _ EventHandler = (*binding)(nil)

func (b *binding) current() bool {
	b.conn.mu.Lock()
	defer b.conn.mu.Unlock()
	return b.conn.binding == b
}

func (b *binding) HandleOpen() {
	if !b.current() {
		return
	}
	if b.future.resolve(b.conn) {
		b.conn.Metrics.connect("open")
		b.conn.logger().Debug("connected", zap.String("addr", b.addr))
	}
}

func (b *binding) HandleError(err error) {
	if !b.current() {
		return
	}
	if b.future.reject(err) {
		b.conn.Metrics.connect("error")
		b.conn.logger().Debug("connect failed", zap.String("addr", b.addr), zap.Error(err))
	}
}

func (b *binding) HandleMessage(msg Message) { b.conn.deliver(b, msg) }

func (c *Conn) dialer() Dialer {
	if c.Dialer == nil {
		return DefaultDialer
	}
	return c.Dialer
}

func (c *Conn) logger() *zap.Logger {
	if c.Logger == nil {
		return logs.Logger
	}
	return c.Logger
}

// Connect opens a new transport to addr, discarding the previous one. The future resolves
// with c once the transport opens, or rejects with the transport's own error. A Connect
// that is superseded by another Connect before settling never settles.
func (c *Conn) Connect(addr string) *Future[*Conn] {
	f := newFuture[*Conn]()
	b := &binding{conn: c, addr: addr, future: f}

	c.mu.Lock()
	old := c.binding
	c.binding = b
	t, err := c.dialer().Dial(addr, b)
	if err != nil {
		c.binding = nil
		c.mu.Unlock()

		c.discard(old)
		c.Metrics.connect("error")
		f.reject(err)
		return f
	}
	b.transport = t
	c.mu.Unlock()

	c.discard(old)
	return f
}

func (c *Conn) discard(old *binding) {
	if old == nil {
		return
	}
	if s := old.transport.State(); s == StateConnecting || s == StateOpen {
		_ = old.transport.Close(CloseNormalClosure, "superseded")
	}
	c.logger().Debug("discarded previous transport", zap.String("addr", old.addr))
}

func (c *Conn) openLocked() bool {
	return c.binding != nil && c.binding.transport.State() == StateOpen
}

// takeReceiversLocked empties the receiver queue, returning the futures in registration order.
func (c *Conn) takeReceiversLocked() []*Future[Message] {
	futures := make([]*Future[Message], 0, len(c.receivers))
	for _, pr := range c.receivers {
		futures = append(futures, pr.future)
		if pr.detach() {
			pendingReceivePool.release(pr)
		}
	}
	c.receivers = nil
	c.Metrics.pending(0)
	return futures
}

func (c *Conn) removeReceiverLocked(pr *pendingReceive) {
	for i, q := range c.receivers {
		if q != pr {
			continue
		}
		copy(c.receivers[i:], c.receivers[i+1:])
		c.receivers[len(c.receivers)-1] = nil
		c.receivers = c.receivers[:len(c.receivers)-1]
		break
	}
	c.Metrics.pending(len(c.receivers))
}

func (c *Conn) deliver(b *binding, msg Message) {
	c.mu.Lock()
	if c.binding != b {
		c.mu.Unlock()
		c.Metrics.dropped(dropStaleHandle)
		return
	}
	c.Metrics.received()
	futures := c.takeReceiversLocked()
	c.mu.Unlock()

	if len(futures) == 0 {
		c.Metrics.dropped(dropNoReceiver)
		c.logger().Debug("dropped message with no receiver", zap.Int("size", len(msg.Data)))
		return
	}

	n := 0
	for _, f := range futures {
		if f.resolve(msg) {
			n++
		}
	}
	c.Metrics.resolved(n)
}

func (c *Conn) expire(pr *pendingReceive) {
	c.mu.Lock()
	if !pr.queued {
		c.mu.Unlock()
		pendingReceivePool.release(pr)
		return
	}
	c.removeReceiverLocked(pr)
	pr.queued = false
	f, window := pr.future, pr.window
	c.mu.Unlock()

	pendingReceivePool.release(pr)

	if f.reject(&TimeoutError{Window: window}) {
		c.Metrics.timedOut()
	}
}

// Send hands msg to the transport. The future settles before Send returns: it resolves
// once the local write was accepted, which says nothing about remote delivery.
func (c *Conn) Send(msg Message) *Future[struct{}] {
	c.mu.Lock()
	if !c.openLocked() {
		c.mu.Unlock()
		return rejected[struct{}](ErrNotConnected)
	}
	t := c.binding.transport
	c.mu.Unlock()

	err := t.Send(msg)
	c.Metrics.sent(err)
	if err != nil {
		return rejected[struct{}](err)
	}
	return resolved(struct{}{})
}

// Receive waits for the next inbound message. With timeout > 0 the future rejects with
// a *TimeoutError if nothing arrived in time, and the receiver leaves the queue.
func (c *Conn) Receive(timeout time.Duration) *Future[Message] {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.openLocked() {
		return rejected[Message](ErrNotConnected)
	}

	f := newFuture[Message]()
	pr := pendingReceivePool.acquire(c, f)
	pr.queued = true
	c.receivers = append(c.receivers, pr)
	pr.arm(clockOrWall(c.Clock), timeout)
	c.Metrics.pending(len(c.receivers))

	return f
}

// Close asks the transport to close with code and reason and forgets it immediately,
// without waiting for the closing handshake. If the transport refuses the close, the
// future rejects with its error and the Conn keeps the transport.
func (c *Conn) Close(code int, reason string) *Future[struct{}] {
	c.mu.Lock()
	if !c.openLocked() {
		c.mu.Unlock()
		return rejected[struct{}](ErrAlreadyClosed)
	}
	b := c.binding
	if err := b.transport.Close(code, reason); err != nil {
		c.mu.Unlock()
		c.logger().Debug("close refused", zap.String("addr", b.addr), zap.Int("code", code), zap.Error(err))
		return rejected[struct{}](err)
	}
	c.binding = nil

	var pending []*Future[Message]
	if c.RejectPendingOnClose {
		pending = c.takeReceiversLocked()
	}
	c.mu.Unlock()

	c.logger().Debug("closed", zap.String("addr", b.addr), zap.Int("code", code))

	for _, f := range pending {
		f.reject(ErrClosed)
	}
	return resolved(struct{}{})
}

func (c *Conn) CloseNormal() *Future[struct{}] { return c.Close(CloseNormalClosure, "") }

// State reports StateClosed when no transport is held, otherwise the transport's own state.
func (c *Conn) State() ReadyState {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.binding == nil {
		return StateClosed
	}
	return c.binding.transport.State()
}

// Pending returns the number of receivers waiting for a message.
func (c *Conn) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.receivers)
}
