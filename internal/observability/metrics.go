package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RidesRequested = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "rides_requested_total", Help: "Total ride requests accepted into dispatch"})
	RidesRejected  = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "rides_rejected_total", Help: "Ride requests rejected before dispatch"},
		[]string{"reason"},
	)
	DispatchLatency = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: "ride_dispatch", Name: "dispatch_latency_seconds", Help: "End-to-end ride request latency", Buckets: prometheus.DefBuckets})

	AcceptsWon  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "accepts_won_total", Help: "AcceptRide calls that won the race"})
	AcceptsLost = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "accepts_lost_total", Help: "AcceptRide calls that lost the race"},
		[]string{"reason"},
	)
	RidesExpired = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "rides_expired_total", Help: "Rides cancelled by the response timeout"})

	NotificationsSent   = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "notifications_sent_total", Help: "Driver notifications delivered or queued"})
	NotificationsFailed = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "notifications_failed_total", Help: "Driver notifications that failed both paths"})

	DriversOnline = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "ride_dispatch", Name: "drivers_online", Help: "Number of online drivers"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ride_dispatch",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
