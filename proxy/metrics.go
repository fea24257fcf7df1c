package proxy

import "github.com/prometheus/client_golang/prometheus"

var (
	commandsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rcluster",
		Name:      "commands_total",
		Help:      "Commands dispatched, by verb.",
	}, []string{"command"})

	errorRepliesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "rcluster",
		Name:      "error_replies_total",
		Help:      "Error replies sent to clients.",
	})

	connectedClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "rcluster",
		Name:      "connected_clients",
		Help:      "Client connections currently open.",
	})
)

func init() {
	prometheus.MustRegister(commandsTotal, errorRepliesTotal, connectedClients)
}
