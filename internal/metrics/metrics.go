// Package metrics holds the chat server's Prometheus collectors. They are
// registered with the default registry at init and served by Handler.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// WSConnections tracks the current number of registered WebSocket connections.
	WSConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_ws_connections",
		Help: "Current number of registered WebSocket connections",
	})

	// MessagesTotal counts message operations by op: "sent", "deleted", "read".
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_messages_total",
		Help: "Total number of message operations",
	}, []string{"op"})

	// DeliveriesTotal counts push attempts per recipient by result:
	// "delivered", "excluded", "offline", "failed", "dropped".
	DeliveriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_deliveries_total",
		Help: "Total number of real-time push attempts per recipient",
	}, []string{"result"})

	// SendLatency records end-to-end send latency, uploads included.
	SendLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "chat_send_latency_seconds",
		Help:    "Send message latency in seconds",
		Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
	})

	// RateLimited counts requests a limiter rejected, by rule.
	RateLimited = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_rate_limited_total",
		Help: "Requests rejected by a rate limit rule",
	}, []string{"rule"})

	AttachmentBytes = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_attachment_bytes_total",
		Help: "Total bytes of attachments written to blob storage",
	})

	// HTTPDuration records HTTP request latency by route pattern and status.
	HTTPDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "chat_http_request_duration_seconds",
		Help:    "HTTP request latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route", "status"})
)

func init() {
	prometheus.MustRegister(
		WSConnections,
		MessagesTotal,
		DeliveriesTotal,
		SendLatency,
		RateLimited,
		AttachmentBytes,
		HTTPDuration,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
