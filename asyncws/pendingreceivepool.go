package asyncws

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

type pendingReceive struct {
	conn   *Conn            // conn whose queue holds this receiver
	future *Future[Message] // settled with the next inbound message
	window time.Duration    // receive timeout, zero if none

	clk    clock.Clock  // clock the timer belongs to
	timer  *clock.Timer // reused across acquires on the same clock, fires expire
	armed  bool         // timer scheduled for this acquire
	queued bool         // still in conn.receivers
}

func (pr *pendingReceive) arm(clk clock.Clock, window time.Duration) {
	pr.window = window
	if window <= 0 {
		return
	}
	if pr.timer == nil || pr.clk != clk {
		pr.clk = clk
		pr.timer = clk.AfterFunc(window, pr.expire)
	} else {
		pr.timer.Reset(window)
	}
	pr.armed = true
}

// detach takes pr out of the queue. It reports whether the caller now owns pr and must
// release it; otherwise the timer already fired and expire will release it.
func (pr *pendingReceive) detach() bool {
	pr.queued = false
	if !pr.armed {
		return true
	}
	return pr.timer.Stop()
}

func (pr *pendingReceive) expire() { pr.conn.expire(pr) }

type PendingReceivePool struct {
	sp sync.Pool
	m  *PoolMetrics
}

func (p *PendingReceivePool) acquire(conn *Conn, future *Future[Message]) *pendingReceive {
	v := p.sp.Get()
	if v == nil {
		v = &pendingReceive{}
		p.m.newAcquire()
	} else {
		p.m.reuse()
	}
	pr := v.(*pendingReceive)
	pr.conn = conn
	pr.future = future
	return pr
}

func (p *PendingReceivePool) release(pr *pendingReceive) {
	pr.conn = nil
	pr.future = nil
	pr.window = 0
	pr.armed = false
	pr.queued = false
	p.sp.Put(pr)
	p.m.putBack()
}
