// Package metrics provides Prometheus metrics for the thistle service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// FindingsIngestedTotal tracks ingestion attempts by target and outcome
	FindingsIngestedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "thistle",
			Subsystem: "findings",
			Name:      "ingested_total",
			Help:      "Total number of finding ingestions by outcome",
		},
		[]string{"target", "outcome"},
	)

	// IngestDuration tracks end-to-end ingestion latency
	IngestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "thistle",
			Subsystem: "findings",
			Name:      "ingest_duration_seconds",
			Help:      "Duration of finding ingestion in seconds",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		},
		[]string{"target"},
	)

	// ListRequestsTotal tracks paginated list requests
	ListRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "thistle",
			Subsystem: "findings",
			Name:      "list_requests_total",
			Help:      "Total number of finding list requests by outcome",
		},
		[]string{"target", "outcome"},
	)

	// ConnectionDialsTotal tracks database dials made by the registry
	ConnectionDialsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "thistle",
			Subsystem: "registry",
			Name:      "dials_total",
			Help:      "Total number of database target dials by outcome",
		},
		[]string{"target", "outcome"},
	)

	// ConnectionsOpen tracks the number of cached target connections
	ConnectionsOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "thistle",
			Subsystem: "registry",
			Name:      "connections_open",
			Help:      "Number of database targets with an established connection",
		},
	)

	// EventsPublishedTotal tracks finding events sent to Kafka
	EventsPublishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "thistle",
			Subsystem: "events",
			Name:      "published_total",
			Help:      "Total number of finding events published by outcome",
		},
		[]string{"outcome"},
	)
)

const (
	OutcomeSuccess = "success"
	OutcomeError   = "error"
)
