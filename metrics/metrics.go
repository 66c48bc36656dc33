package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// CommandsReceived counts commands parsed from clients
	CommandsReceived = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tqkvproxy_commands_received_total",
			Help: "Total number of commands received from clients",
		},
	)

	// CommandsSent counts sub-commands written to backends
	CommandsSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tqkvproxy_commands_sent_total",
			Help: "Total number of commands sent to backends",
		},
		[]string{"backend"},
	)

	// ResponsesReceived counts responses parsed from backends
	ResponsesReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tqkvproxy_responses_received_total",
			Help: "Total number of responses received from backends",
		},
		[]string{"backend"},
	)

	// ResponsesSent counts responses written to clients
	ResponsesSent = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tqkvproxy_responses_sent_total",
			Help: "Total number of responses sent to clients",
		},
	)

	// ConnectionsReceived counts accepted client connections
	ConnectionsReceived = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tqkvproxy_connections_received_total",
			Help: "Total number of client connections accepted",
		},
	)

	// Clients tracks currently connected clients
	Clients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tqkvproxy_clients",
			Help: "Number of currently connected clients",
		},
	)

	// BackendDisconnects counts backend connection failures
	BackendDisconnects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tqkvproxy_backend_disconnects_total",
			Help: "Total number of backend disconnects",
		},
		[]string{"backend"},
	)

	// ParseErrors counts fatal protocol errors by peer kind
	ParseErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tqkvproxy_parse_errors_total",
			Help: "Total number of fatal protocol parse errors",
		},
		[]string{"peer"},
	)

	once sync.Once
)

// Init registers all metrics with Prometheus
func Init() {
	once.Do(func() {
		prometheus.MustRegister(CommandsReceived)
		prometheus.MustRegister(CommandsSent)
		prometheus.MustRegister(ResponsesReceived)
		prometheus.MustRegister(ResponsesSent)
		prometheus.MustRegister(ConnectionsReceived)
		prometheus.MustRegister(Clients)
		prometheus.MustRegister(BackendDisconnects)
		prometheus.MustRegister(ParseErrors)
	})
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
