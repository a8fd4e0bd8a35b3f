package asyncws

import "github.com/prometheus/client_golang/prometheus"

const (
	dropNoReceiver  = "no_receiver"
	dropStaleHandle = "stale_handle"
)

// Metrics holds the prometheus collectors updated by a Conn. A nil *Metrics records nothing.
type Metrics struct {
	Received        prometheus.Counter
	Resolved        prometheus.Counter
	Dropped         *prometheus.CounterVec
	ReceiveTimeouts prometheus.Counter
	Sent            prometheus.Counter
	SendErrors      prometheus.Counter
	Pending         prometheus.Gauge
	Connects        *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg when reg is not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Received: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "asyncws_messages_received_total",
			Help: "Inbound messages seen on the current transport.",
		}),
		Resolved: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "asyncws_receivers_resolved_total",
			Help: "Pending receivers resolved with an inbound message.",
		}),
		Dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "asyncws_messages_dropped_total",
			Help: "Inbound messages nobody received.",
		}, []string{"reason"}),
		ReceiveTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "asyncws_receive_timeouts_total",
			Help: "Receive calls rejected by their timeout.",
		}),
		Sent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "asyncws_messages_sent_total",
			Help: "Messages handed to the transport.",
		}),
		SendErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "asyncws_send_errors_total",
			Help: "Send calls rejected by the transport.",
		}),
		Pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "asyncws_pending_receivers",
			Help: "Receivers waiting for the next inbound message.",
		}),
		Connects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "asyncws_connects_total",
			Help: "Connect attempts by outcome.",
		}, []string{"result"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.Received,
			m.Resolved,
			m.Dropped,
			m.ReceiveTimeouts,
			m.Sent,
			m.SendErrors,
			m.Pending,
			m.Connects,
		)
	}

	return m
}

func (m *Metrics) received() {
	if m != nil {
		m.Received.Inc()
	}
}

func (m *Metrics) resolved(n int) {
	if m != nil {
		m.Resolved.Add(float64(n))
	}
}

func (m *Metrics) dropped(reason string) {
	if m != nil {
		m.Dropped.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) timedOut() {
	if m != nil {
		m.ReceiveTimeouts.Inc()
	}
}

func (m *Metrics) sent(err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.SendErrors.Inc()
		return
	}
	m.Sent.Inc()
}

func (m *Metrics) pending(n int) {
	if m != nil {
		m.Pending.Set(float64(n))
	}
}

func (m *Metrics) connect(result string) {
	if m != nil {
		m.Connects.WithLabelValues(result).Inc()
	}
}
