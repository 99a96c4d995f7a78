// SPDX-License-Identifier: MIT

// Package metrics exposes the claimgate Prometheus instrumentation.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// OpenConnections tracks currently open protocol engines by role.
	OpenConnections = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "claimgate",
		Name:      "open_connections",
		Help:      "Currently open WebSocket connections",
	}, []string{"role"})

	// MessagesTotal counts wire messages by kind and direction.
	MessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "claimgate",
		Name:      "messages_total",
		Help:      "Total protocol messages by kind and direction",
	}, []string{"kind", "direction"})

	// ClosesTotal counts connection closures by close code.
	ClosesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "claimgate",
		Name:      "closes_total",
		Help:      "Total connection closures by close code",
	}, []string{"code"})

	// AckLatency observes the delay between sending an event and
	// receiving its ack.
	AckLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "claimgate",
		Name:      "ack_latency_seconds",
		Help:      "Latency between event send and ack receipt",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5},
	})
)

// CountMessage records one wire message.
func CountMessage(kind, direction string) {
	MessagesTotal.WithLabelValues(kind, direction).Inc()
}

// CountClose records one connection closure.
func CountClose(code int) {
	ClosesTotal.WithLabelValues(strconv.Itoa(code)).Inc()
}
