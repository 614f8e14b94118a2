package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles the protocol and fleet collectors. All record methods are
// nil-receiver safe so the engine can run without a registry in tests.
type Metrics struct {
	commandsSent      *prometheus.CounterVec
	acksReceived      *prometheus.CounterVec
	timeouts          *prometheus.CounterVec
	bytesRead         *prometheus.CounterVec
	jobsFinished      *prometheus.CounterVec
	connectedPrinters prometheus.Gauge
	hotendTemp        *prometheus.GaugeVec
	bedTemp           *prometheus.GaugeVec
}

// New builds and registers the collector set.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		commandsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "printhost",
			Name:      "commands_sent_total",
			Help:      "G-code commands written to a printer.",
		}, []string{"port"}),
		acksReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "printhost",
			Name:      "acks_received_total",
			Help:      "Acknowledgement lines consumed.",
		}, []string{"port"}),
		timeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "printhost",
			Name:      "command_timeouts_total",
			Help:      "Commands and watchers resolved by timeout.",
		}, []string{"port"}),
		bytesRead: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "printhost",
			Name:      "bytes_read_total",
			Help:      "Bytes read from printer transports.",
		}, []string{"port"}),
		jobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "printhost",
			Name:      "jobs_finished_total",
			Help:      "Jobs that reached a terminal status.",
		}, []string{"port", "status"}),
		connectedPrinters: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "printhost",
			Name:      "connected_printers",
			Help:      "Live printer sessions.",
		}),
		hotendTemp: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "printhost",
			Name:      "hotend_celsius",
			Help:      "Last reported hotend temperature.",
		}, []string{"port"}),
		bedTemp: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "printhost",
			Name:      "bed_celsius",
			Help:      "Last reported bed temperature.",
		}, []string{"port"}),
	}
	reg.MustRegister(
		m.commandsSent,
		m.acksReceived,
		m.timeouts,
		m.bytesRead,
		m.jobsFinished,
		m.connectedPrinters,
		m.hotendTemp,
		m.bedTemp,
	)
	return m
}

func (m *Metrics) CommandSent(port string) {
	if m == nil {
		return
	}
	m.commandsSent.WithLabelValues(port).Inc()
}

func (m *Metrics) AckReceived(port string) {
	if m == nil {
		return
	}
	m.acksReceived.WithLabelValues(port).Inc()
}

func (m *Metrics) Timeout(port string) {
	if m == nil {
		return
	}
	m.timeouts.WithLabelValues(port).Inc()
}

func (m *Metrics) BytesRead(port string, n int) {
	if m == nil {
		return
	}
	m.bytesRead.WithLabelValues(port).Add(float64(n))
}

func (m *Metrics) JobFinished(port, status string) {
	if m == nil {
		return
	}
	m.jobsFinished.WithLabelValues(port, status).Inc()
}

func (m *Metrics) PrinterConnected() {
	if m == nil {
		return
	}
	m.connectedPrinters.Inc()
}

func (m *Metrics) PrinterDisconnected() {
	if m == nil {
		return
	}
	m.connectedPrinters.Dec()
}

func (m *Metrics) Temperature(port string, hotend, bed float64, hasBed bool) {
	if m == nil {
		return
	}
	m.hotendTemp.WithLabelValues(port).Set(hotend)
	if hasBed {
		m.bedTemp.WithLabelValues(port).Set(bed)
	}
}
