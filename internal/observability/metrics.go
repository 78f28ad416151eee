package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "trip_dispatch"

var (
	MoversAvailable    = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "movers_available", Help: "Number of movers available for assignment"})
	NearbyQueryLatency = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "nearby_query_seconds", Help: "Nearby mover query latency seconds"})
	AssignmentsTotal   = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "assignments_total", Help: "Trip assignment attempts by result"},
		[]string{"result"},
	)

	TripsCreated      = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "trips_created_total", Help: "Trips requested by kind"}, []string{"kind"})
	StatusTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "status_transitions_total", Help: "Trip status transitions by target status"},
		[]string{"status"},
	)
	SurgeMultiplier = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "surge_multiplier",
		Help:      "Surge multipliers applied to estimates",
		Buckets:   []float64{1.0, 1.2, 1.5, 2.0},
	})

	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "tracking_sessions_active", Help: "Open tracking sessions"})
	SamplesTotal   = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "location_samples_total", Help: "Location samples by ingest result"},
		[]string{"result"},
	)

	Connections     = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "fanout_connections", Help: "Registered subscriber connections"})
	Subscribers     = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "fanout_subscriptions", Help: "Active topic subscriptions"})
	FanoutDelivered = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "fanout_delivered_total", Help: "Events queued to subscribers by type"},
		[]string{"type"},
	)
	FanoutPruned  = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "fanout_pruned_total", Help: "Dead connections pruned on publish"})
	FanoutDropped = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "fanout_dropped_total", Help: "Events dropped on full client queues"})

	SinkWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "sink_writes_total", Help: "Persistence sink writes by sink and result"},
		[]string{"sink", "result"},
	)
	SinkDropped = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "sink_dropped_total", Help: "Events dropped because the sink queue was full"})

	PaymentsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "payments_total", Help: "Payment operations by op and result"},
		[]string{"op", "result"},
	)
	HousekeepingRuns = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "housekeeping_runs_total", Help: "Housekeeping job executions"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
