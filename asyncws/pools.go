package asyncws

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

var timerPool = &TimerPool{m: newPoolMetrics()}
var pendingReceivePool = &PendingReceivePool{m: newPoolMetrics()}
var pendingWritePool = &PendingWritePool{m: newPoolMetrics()}

func StartPoolMetrics() {
	timerPool.m.start()
	pendingReceivePool.m.start()
	pendingWritePool.m.start()
}

func ReleasePoolMetrics() {
	timerPool.m.release()
	pendingReceivePool.m.release()
	pendingWritePool.m.release()
}

func JsonStringPoolMetrics() string {
	return fmt.Sprintf("{\"TimerPool\" = %s, \"pendingReceivePool\" = %s, \"pendingWritePool\" = %s}",
		timerPool.m.metricsString(),
		pendingReceivePool.m.metricsString(),
		pendingWritePool.m.metricsString(),
	)
}

var poolAcquiresDesc = prometheus.NewDesc(
	"asyncws_pool_acquires_total",
	"Objects taken from a pool, by whether they were newly allocated or reused.",
	[]string{"pool", "kind"}, nil,
)

var poolReleasesDesc = prometheus.NewDesc(
	"asyncws_pool_releases_total",
	"Objects put back into a pool.",
	[]string{"pool"}, nil,
)

type poolCollector struct{}

// NewPoolCollector exports the pool counters to prometheus.
func NewPoolCollector() prometheus.Collector { return poolCollector{} }

func (poolCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- poolAcquiresDesc
	ch <- poolReleasesDesc
}

func (poolCollector) Collect(ch chan<- prometheus.Metric) {
	pools := []struct {
		name string
		m    *PoolMetrics
	}{
		{"timer", timerPool.m},
		{"pending_receive", pendingReceivePool.m},
		{"pending_write", pendingWritePool.m},
	}
	for _, pool := range pools {
		na, nr, np := pool.m.totals()
		ch <- prometheus.MustNewConstMetric(poolAcquiresDesc, prometheus.CounterValue, float64(na), pool.name, "new")
		ch <- prometheus.MustNewConstMetric(poolAcquiresDesc, prometheus.CounterValue, float64(nr), pool.name, "reuse")
		ch <- prometheus.MustNewConstMetric(poolReleasesDesc, prometheus.CounterValue, float64(np), pool.name)
	}
}
