package metrics

import "github.com/prometheus/client_golang/prometheus"

// WebSocketMetrics covers the socket gateway and event delivery.
type WebSocketMetrics struct {
	ActiveConnections prometheus.Gauge
	FramesReceived    *prometheus.CounterVec
	FramesRejected    *prometheus.CounterVec
	EventsDelivered   *prometheus.CounterVec
	SlowClients       prometheus.Counter
	Superseded        prometheus.Counter
}

func NewWebSocketMetrics(reg prometheus.Registerer) *WebSocketMetrics {
	m := &WebSocketMetrics{
		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "websocket",
			Name:      "active_connections",
			Help:      "Number of sockets connected to this instance.",
		}),
		FramesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "websocket",
			Name:      "frames_received_total",
			Help:      "Inbound frames by message type.",
		}, []string{"type"}),
		FramesRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "websocket",
			Name:      "frames_rejected_total",
			Help:      "Inbound frames answered with an error, by error code.",
		}, []string{"code"}),
		EventsDelivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "websocket",
			Name:      "events_delivered_total",
			Help:      "Outbound events by route (local, remote, offline).",
		}, []string{"route"}),
		SlowClients: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "websocket",
			Name:      "slow_clients_evicted_total",
			Help:      "Connections dropped because their send buffer was full.",
		}),
		Superseded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "websocket",
			Name:      "superseded_total",
			Help:      "Connections closed because the same user connected again.",
		}),
	}

	reg.MustRegister(m.ActiveConnections, m.FramesReceived, m.FramesRejected, m.EventsDelivered, m.SlowClients, m.Superseded)
	return m
}

func (m *WebSocketMetrics) Connected() {
	if m != nil {
		m.ActiveConnections.Inc()
	}
}

func (m *WebSocketMetrics) Disconnected() {
	if m != nil {
		m.ActiveConnections.Dec()
	}
}

func (m *WebSocketMetrics) Frame(msgType string) {
	if m != nil {
		m.FramesReceived.WithLabelValues(msgType).Inc()
	}
}

func (m *WebSocketMetrics) Rejected(code string) {
	if m != nil {
		m.FramesRejected.WithLabelValues(code).Inc()
	}
}

// Delivered counts an outbound event by route: local, remote or offline.
func (m *WebSocketMetrics) Delivered(route string) {
	if m != nil {
		m.EventsDelivered.WithLabelValues(route).Inc()
	}
}

func (m *WebSocketMetrics) SlowClient() {
	if m != nil {
		m.SlowClients.Inc()
	}
}

func (m *WebSocketMetrics) Supersede() {
	if m != nil {
		m.Superseded.Inc()
	}
}
