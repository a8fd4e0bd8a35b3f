package asyncws

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

var DefaultTickerDuration = 1 * time.Second

// na + nr equal the total number of acquires
// na + nr - np equal the number of still running.
type PoolMetrics struct {
	na uint32 // number of new acquires
	nr uint32 // number of reuse from pool
	np uint32 // number of put back to pool

	naa uint64 // accumulative
	nra uint64 // accumulative
	npa uint64 // accumulative

	mu   sync.Mutex
	done chan struct{}
	exit chan struct{}
}

func newPoolMetrics() *PoolMetrics {
	return &PoolMetrics{}
}

func (p *PoolMetrics) newAcquire() { atomic.AddUint32(&p.na, 1) }
func (p *PoolMetrics) reuse()      { atomic.AddUint32(&p.nr, 1) }
func (p *PoolMetrics) putBack()    { atomic.AddUint32(&p.np, 1) }

func (p *PoolMetrics) setMetrics() {
	atomic.AddUint64(&p.naa, uint64(atomic.SwapUint32(&p.na, 0)))
	atomic.AddUint64(&p.nra, uint64(atomic.SwapUint32(&p.nr, 0)))
	atomic.AddUint64(&p.npa, uint64(atomic.SwapUint32(&p.np, 0)))
}

func (p *PoolMetrics) start() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.done != nil {
		return
	}

	done, exit := make(chan struct{}), make(chan struct{})
	p.done, p.exit = done, exit

	ticker := time.NewTicker(DefaultTickerDuration)

	go func() {
		defer close(exit)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				p.setMetrics()
			case <-done:
				p.setMetrics()
				return
			}
		}
	}()
}

func (p *PoolMetrics) release() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.done == nil {
		return
	}

	close(p.done)
	<-p.exit
	p.done, p.exit = nil, nil
}

// totals returns the accumulated counters plus whatever the ticker has not folded in yet.
func (p *PoolMetrics) totals() (na, nr, np uint64) {
	na = atomic.LoadUint64(&p.naa) + uint64(atomic.LoadUint32(&p.na))
	nr = atomic.LoadUint64(&p.nra) + uint64(atomic.LoadUint32(&p.nr))
	np = atomic.LoadUint64(&p.npa) + uint64(atomic.LoadUint32(&p.np))
	return na, nr, np
}

func (p *PoolMetrics) metricsString() string {
	return fmt.Sprintf("[ %v|%v|%v, %v|%v|%v ]",
		atomic.LoadUint32(&p.na), atomic.LoadUint32(&p.nr), atomic.LoadUint32(&p.np),
		atomic.LoadUint64(&p.naa), atomic.LoadUint64(&p.nra), atomic.LoadUint64(&p.npa),
	)
}
