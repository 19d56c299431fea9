package metrics

import "github.com/prometheus/client_golang/prometheus"

// Collector reads the live gauges from their owners when Prometheus scrapes.
type Collector struct {
	src Sources

	activeCallsDesc    *prometheus.Desc
	connectionsDesc    *prometheus.Desc
	activeSessionsDesc *prometheus.Desc
	socketsDesc        *prometheus.Desc
	sipLegsDesc        *prometheus.Desc
}

func NewCollector(src Sources) *Collector {
	return &Collector{
		src: src,
		activeCallsDesc: prometheus.NewDesc(
			namespace+"_active_calls",
			"Calls currently in the hot set",
			nil, nil,
		),
		connectionsDesc: prometheus.NewDesc(
			namespace+"_signaling_connections",
			"Signaling connections joined to a call",
			nil, nil,
		),
		activeSessionsDesc: prometheus.NewDesc(
			namespace+"_call_sessions_active",
			"Active call sessions",
			nil, nil,
		),
		socketsDesc: prometheus.NewDesc(
			namespace+"_signaling_sockets_open",
			"Open signaling WebSockets",
			nil, nil,
		),
		sipLegsDesc: prometheus.NewDesc(
			namespace+"_sip_legs",
			"SIP legs linked to a call",
			nil, nil,
		),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.activeCallsDesc
	ch <- c.connectionsDesc
	ch <- c.activeSessionsDesc
	ch <- c.socketsDesc
	ch <- c.sipLegsDesc
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	gauge(ch, c.activeCallsDesc, c.src.ActiveCalls)
	gauge(ch, c.connectionsDesc, c.src.SignalingConnections)
	gauge(ch, c.activeSessionsDesc, c.src.ActiveSessions)
	gauge(ch, c.socketsDesc, c.src.OpenSockets)
	gauge(ch, c.sipLegsDesc, c.src.SIPLegs)
}

func gauge(ch chan<- prometheus.Metric, desc *prometheus.Desc, read func() int) {
	if read == nil {
		return
	}
	ch <- prometheus.MustNewConstMetric(desc, prometheus.GaugeValue, float64(read()))
}
