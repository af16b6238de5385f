package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/Wesbrine/hydra-social/pkg/monitoring"
)

// Metrics holds all Prometheus metrics for the timeline engine
type Metrics struct {
	// Event routing
	EventsRouted   *prometheus.CounterVec
	DecodeFailures *prometheus.CounterVec

	// Subscriptions
	Subscriptions      *prometheus.GaugeVec
	SubscriptionEvents *prometheus.CounterVec
	TransportRetries   *prometheus.CounterVec

	// Fallback, gap-fill and notification refresh routines
	FallbackRuns          *prometheus.CounterVec
	GapFills              *prometheus.CounterVec
	NotificationRefreshes *prometheus.CounterVec

	// Feed state
	FeedItems *prometheus.GaugeVec

	// REST source
	SourceRequests           *prometheus.CounterVec
	SourceDuration           *prometheus.HistogramVec
	SourceBreakerState       *prometheus.GaugeVec
	SourceBreakerTransitions *prometheus.CounterVec
}

// New registers the engine metrics on the service collector.
func New(mc *monitoring.MetricsCollector) *Metrics {
	return &Metrics{
		EventsRouted:   mc.NewCounter("events_routed_total", "Inbound stream events by kind and outcome", []string{"kind", "outcome"}),
		DecodeFailures: mc.NewCounter("event_decode_failures_total", "Inbound events dropped because the payload did not decode", []string{"kind"}),

		Subscriptions:      mc.NewGauge("subscriptions_active", "Open channel subscriptions by channel name", []string{"channel"}),
		SubscriptionEvents: mc.NewCounter("subscription_lifecycle_total", "Channel lifecycle transitions", []string{"channel", "event"}),
		TransportRetries:   mc.NewCounter("transport_reconnects_total", "Push transport reconnect attempts", []string{"transport"}),

		FallbackRuns:          mc.NewCounter("fallback_runs_total", "Fallback poll routine runs", []string{"feed", "status"}),
		GapFills:              mc.NewCounter("gap_fills_total", "Gap-fill routine runs", []string{"feed", "status"}),
		NotificationRefreshes: mc.NewCounter("notification_refreshes_total", "Grouped notification refreshes", []string{"status"}),

		FeedItems: mc.NewGauge("feed_items", "Items currently held per feed", []string{"feed"}),

		SourceRequests:           mc.NewCounter("source_requests_total", "REST source requests", []string{"operation", "status"}),
		SourceDuration:           mc.NewHistogram("source_request_duration_seconds", "REST source request duration", []string{"operation"}, nil),
		SourceBreakerState:       mc.NewGauge("source_breaker_state", "REST source circuit breaker state (0 closed, 1 half-open, 2 open)", []string{"breaker"}),
		SourceBreakerTransitions: mc.NewCounter("source_breaker_transitions_total", "REST source circuit breaker state changes", []string{"breaker", "from", "to"}),
	}
}

// NewDetached returns metrics bound to a private registry. Components fall
// back to it when constructed without metrics.
func NewDetached() *Metrics {
	reg := prometheus.NewRegistry()
	return New(monitoring.NewMetricsCollectorWithRegistry("timeline", "", "", reg, reg))
}

// OrDetached returns m, or detached metrics when m is nil.
func OrDetached(m *Metrics) *Metrics {
	if m == nil {
		return NewDetached()
	}
	return m
}

// Status label values
const (
	StatusSuccess = "success"
	StatusFailure = "failure"
)

// Routing outcome label values
const (
	OutcomeApplied  = "applied"
	OutcomeFiltered = "filtered"
	OutcomeIgnored  = "ignored"
	OutcomeDropped  = "dropped"
)

// StatusLabel maps an error to a status label value.
func StatusLabel(err error) string {
	if err != nil {
		return StatusFailure
	}
	return StatusSuccess
}
