// Package metrics holds the Prometheus collectors of the lobby.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "lobby"

const (
	stateLabel     = "state"
	kindLabel      = "kind"
	resultLabel    = "result"
	directionLabel = "direction"
	typeLabel      = "type"
	opLabel        = "op"
	codeLabel      = "code"
)

// Label values.
const (
	In      = "in"
	Out     = "out"
	Dropped = "dropped"
	LAN     = "lan"
	Online  = "online"
)

var (
	Sessions = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "sessions",
			Help:      "Number of named sessions by state.",
		}, []string{stateLabel})

	Searches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "searches_total",
			Help:      "Finished session searches by kind and result.",
		}, []string{kindLabel, resultLabel})

	SearchResults = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "search_results",
			Help:      "Number of results of finished searches.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 9),
		})

	BeaconPackets = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lan",
			Name:      "packets_total",
			Help:      "LAN beacon packets by type and direction.",
		}, []string{typeLabel, directionLabel})

	BackendCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "calls_total",
			Help:      "Completed online service calls by operation and result.",
		}, []string{opLabel, resultLabel})

	Sockets = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "p2p",
			Name:      "sockets",
			Help:      "Number of open peer sockets.",
		})

	Frames = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "p2p",
			Name:      "frames_total",
			Help:      "Peer socket frames by direction.",
		}, []string{directionLabel})

	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Served diagnostics requests by status class.",
		}, []string{codeLabel})
)

// Register registers all collectors with r.
func Register(r prometheus.Registerer) {
	r.MustRegister(
		Sessions,
		Searches,
		SearchResults,
		BeaconPackets,
		BackendCalls,
		Sockets,
		Frames,
		HTTPRequests,
	)
}
