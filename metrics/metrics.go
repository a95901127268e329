// Package metrics holds the prometheus collector for the exchange core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "spotcore"

// Collector holds all exchange core metrics.
type Collector struct {
	// Order metrics
	OrdersTotal  *prometheus.CounterVec
	OrdersActive *prometheus.GaugeVec

	// Matching engine metrics
	MatchingLatency *prometheus.HistogramVec
	LaneIntakeDepth *prometheus.GaugeVec

	// Trade metrics
	TradesTotal *prometheus.CounterVec
	TradeVolume *prometheus.CounterVec

	// Change queue / synchroniser metrics
	QueueDepth    *prometheus.GaugeVec
	SyncBatches   *prometheus.CounterVec
	SyncedRecords *prometheus.CounterVec

	// Publisher metrics
	WSConnections  prometheus.Gauge
	WSMessages     *prometheus.CounterVec
	TapeDropped    *prometheus.CounterVec
	DeltasDropped  *prometheus.CounterVec

	// Store metrics
	StorePingLatency prometheus.Histogram
}

// New builds a collector and registers it with reg. Tests pass a fresh
// prometheus.NewRegistry to keep registrations isolated.
func New(reg prometheus.Registerer) *Collector {
	c := &Collector{}

	c.OrdersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "orders",
			Name:      "total",
			Help:      "Total number of orders submitted",
		},
		[]string{"symbol", "side", "type", "status"},
	)

	c.OrdersActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "orders",
			Name:      "active",
			Help:      "Number of orders resting on the book",
		},
		[]string{"symbol", "side"},
	)

	c.MatchingLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "matching",
			Name:      "latency_ms",
			Help:      "Lane event processing latency in milliseconds",
			Buckets:   []float64{0.1, 0.5, 1, 5, 10, 25, 50, 100, 250, 500, 1000},
		},
		[]string{"symbol"},
	)

	c.LaneIntakeDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "matching",
			Name:      "intake_depth",
			Help:      "Pending events on the lane intake channel",
		},
		[]string{"symbol"},
	)

	c.TradesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "trades",
			Name:      "total",
			Help:      "Total number of trades executed",
		},
		[]string{"symbol"},
	)

	c.TradeVolume = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "trades",
			Name:      "base_volume",
			Help:      "Cumulative traded base quantity",
		},
		[]string{"symbol"},
	)

	c.QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "queue_depth",
			Help:      "Pending change records per entity kind",
		},
		[]string{"kind"},
	)

	c.SyncBatches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "batches_total",
			Help:      "Drain batches by outcome",
		},
		[]string{"kind", "result"},
	)

	c.SyncedRecords = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "records_total",
			Help:      "Change records drained into the relational store",
		},
		[]string{"kind"},
	)

	c.WSConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ws",
			Name:      "connections",
			Help:      "Active websocket connections",
		},
	)

	c.WSMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ws",
			Name:      "messages_total",
			Help:      "Messages delivered per group kind",
		},
		[]string{"kind"},
	)

	c.TapeDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ws",
			Name:      "tape_dropped_total",
			Help:      "Trade tape events lost to back-pressure",
		},
		[]string{"channel"},
	)

	c.DeltasDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ws",
			Name:      "deltas_dropped_total",
			Help:      "Book deltas superseded under back-pressure",
		},
		[]string{"channel"},
	)

	c.StorePingLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "ping_latency_ms",
			Help:      "Operational store ping latency in milliseconds",
			Buckets:   []float64{0.1, 0.5, 1, 5, 10, 50, 100, 500, 1000},
		},
	)

	reg.MustRegister(
		c.OrdersTotal,
		c.OrdersActive,
		c.MatchingLatency,
		c.LaneIntakeDepth,
		c.TradesTotal,
		c.TradeVolume,
		c.QueueDepth,
		c.SyncBatches,
		c.SyncedRecords,
		c.WSConnections,
		c.WSMessages,
		c.TapeDropped,
		c.DeltasDropped,
		c.StorePingLatency,
	)
	return c
}
