package asyncws

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

var wallClock = clock.New()

func clockOrWall(c clock.Clock) clock.Clock {
	if c == nil {
		return wallClock
	}
	return c
}

// pooledTimer remembers the clock it was made on. A timer can only be re-armed on that
// clock, so a pooled timer from another clock is dropped and a fresh one allocated.
type pooledTimer struct {
	clk clock.Clock
	*clock.Timer
}

// TimerPool recycles the timers that bound close handshakes.
type TimerPool struct {
	sp sync.Pool
	m  *PoolMetrics
}

func (p *TimerPool) acquire(clk clock.Clock, timeout time.Duration) *pooledTimer {
	if v := p.sp.Get(); v != nil {
		if pt := v.(*pooledTimer); pt.clk == clk {
			p.m.reuse()
			pt.Reset(timeout)
			return pt
		}
	}
	p.m.newAcquire()
	return &pooledTimer{clk: clk, Timer: clk.Timer(timeout)}
}

func (p *TimerPool) release(pt *pooledTimer) {
	if !pt.Stop() {
		select {
		case <-pt.C:
		default:
		}
	}
	p.sp.Put(pt)
	p.m.putBack()
}
