package proxy

import "github.com/prometheus/client_golang/prometheus"

var (
	connectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flare_proxy_connections_total",
			Help: "Total number of proxied connections by outcome.",
		},
		[]string{"result"},
	)

	openConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "flare_proxy_open_connections",
			Help: "Number of connections currently piped to an instance.",
		},
	)

	bytesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flare_proxy_bytes_total",
			Help: "Total bytes piped between clients and instances.",
		},
		[]string{"direction"},
	)

	ingressRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flare_ingress_requests_total",
			Help: "Total number of ingress HTTP requests by status code.",
		},
		[]string{"code"},
	)
)

func init() {
	prometheus.MustRegister(connectionsTotal)
	prometheus.MustRegister(openConnections)
	prometheus.MustRegister(bytesTotal)
	prometheus.MustRegister(ingressRequestsTotal)
}
