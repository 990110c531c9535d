// Package metrics provides Prometheus metrics for the feedback scheduler service.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Manager manages all Prometheus metrics for the service.
type Manager struct {
	namespace        string
	subsystem        string
	histogramBuckets []float64
	customLabels     map[string]string
	metricPrefix     string
	registry         prometheus.Registerer

	// Scheduler
	pollTicks        prometheus.Counter
	pollTicksSkipped prometheus.Counter
	wakeupsFired     prometheus.Counter
	phaseTransitions *prometheus.CounterVec
	trackedMeetings  prometheus.Gauge
	invalidSchedules prometheus.Counter

	// Countdown
	countdowns *prometheus.CounterVec

	// Submission and reconciliation
	submissions      *prometheus.CounterVec
	questionsSent    *prometheus.CounterVec
	reconciles       *prometheus.CounterVec
	respondedSetSize prometheus.Gauge

	// Portal client
	portalRequests       *prometheus.CounterVec
	portalRequestLatency *prometheus.HistogramVec

	// Push transport
	streamClients   prometheus.Gauge
	eventsPublished *prometheus.CounterVec

	// Event queue
	eventQueueSize     prometheus.Gauge
	eventQueueCapacity prometheus.Gauge
	eventsEnqueued     prometheus.Counter
	eventsDropped      *prometheus.CounterVec
	dispatchLatency    prometheus.Histogram

	// HTTP
	httpRequests        *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	errorRateByEndpoint *prometheus.CounterVec
}

var globalManager *Manager //nolint:gochecknoglobals // singleton metrics manager

var customRegistry = prometheus.NewRegistry() //nolint:gochecknoglobals // dedicated registry without Go runtime metrics

func init() { //nolint:gochecknoinits // global metrics setup
	globalManager = NewManager(WithPrometheusRegistry(customRegistry))
}

// NewManager creates a new metrics manager with default configuration.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		namespace:        "feedbackd",
		subsystem:        "scheduler",
		histogramBuckets: prometheus.DefBuckets,
		customLabels:     make(map[string]string),
		registry:         prometheus.DefaultRegisterer,
	}

	for _, opt := range opts {
		opt(m)
	}

	m.initializeMetrics()
	return m
}

func (m *Manager) name(n string) string {
	if m.metricPrefix == "" {
		return n
	}
	return m.metricPrefix + "_" + n
}

func (m *Manager) counter(name, help string) prometheus.Counter {
	return promauto.With(m.registry).NewCounter(prometheus.CounterOpts{
		Namespace:   m.namespace,
		Subsystem:   m.subsystem,
		Name:        m.name(name),
		Help:        help,
		ConstLabels: m.customLabels,
	})
}

func (m *Manager) counterVec(name, help string, labels ...string) *prometheus.CounterVec {
	return promauto.With(m.registry).NewCounterVec(prometheus.CounterOpts{
		Namespace:   m.namespace,
		Subsystem:   m.subsystem,
		Name:        m.name(name),
		Help:        help,
		ConstLabels: m.customLabels,
	}, labels)
}

func (m *Manager) gauge(name, help string) prometheus.Gauge {
	return promauto.With(m.registry).NewGauge(prometheus.GaugeOpts{
		Namespace:   m.namespace,
		Subsystem:   m.subsystem,
		Name:        m.name(name),
		Help:        help,
		ConstLabels: m.customLabels,
	})
}

func (m *Manager) histogramVec(name, help string, labels ...string) *prometheus.HistogramVec {
	return promauto.With(m.registry).NewHistogramVec(prometheus.HistogramOpts{
		Namespace:   m.namespace,
		Subsystem:   m.subsystem,
		Name:        m.name(name),
		Help:        help,
		Buckets:     m.histogramBuckets,
		ConstLabels: m.customLabels,
	}, labels)
}

func (m *Manager) initializeMetrics() {
	m.pollTicks = m.counter("poll_ticks_total", "Total number of poll ticks that re-evaluated the tracked meeting")
	m.pollTicksSkipped = m.counter("poll_ticks_skipped_total", "Poll ticks ignored because another tick was in flight")
	m.wakeupsFired = m.counter("wakeups_fired_total", "One-shot wakeups that fired before the feedback window")
	m.phaseTransitions = m.counterVec("phase_transitions_total", "Phase transitions of the tracked meeting", "phase")
	m.trackedMeetings = m.gauge("tracked_meetings", "Number of meetings currently holding a schedule handle")
	m.invalidSchedules = m.counter("invalid_schedules_total", "Meetings skipped because their date/time did not parse")

	m.countdowns = m.counterVec("countdowns_total", "Countdown sequences by purpose and outcome", "purpose", "outcome")

	m.submissions = m.counterVec("submissions_total", "Feedback submissions by outcome", "outcome")
	m.questionsSent = m.counterVec("questions_sent_total", "Per-question submit calls by outcome", "outcome")
	m.reconciles = m.counterVec("reconciles_total", "Responded-set refreshes by outcome", "outcome")
	m.respondedSetSize = m.gauge("responded_set_size", "Number of meetings in the merged responded set")

	m.portalRequests = m.counterVec("portal_requests_total", "Requests made to the portal API", "endpoint", "outcome")
	m.portalRequestLatency = m.histogramVec("portal_request_duration_seconds", "Portal API request latency in seconds", "endpoint")

	m.streamClients = m.gauge("stream_clients", "Connected websocket clients")
	m.eventsPublished = m.counterVec("events_published_total", "Events published to subscribers", "type", "transport")

	m.eventQueueSize = m.gauge("event_queue_size", "Events waiting for dispatch")
	m.eventQueueCapacity = m.gauge("event_queue_capacity", "Maximum number of events waiting for dispatch")
	m.eventsEnqueued = m.counter("events_enqueued_total", "Events accepted by the dispatch queue")
	m.eventsDropped = m.counterVec("events_dropped_total", "Events rejected by the dispatch queue", "reason")
	m.dispatchLatency = promauto.With(m.registry).NewHistogram(prometheus.HistogramOpts{
		Namespace:   m.namespace,
		Subsystem:   m.subsystem,
		Name:        m.name("event_dispatch_duration_seconds"),
		Help:        "Time an event spent queued before it was published",
		Buckets:     m.histogramBuckets,
		ConstLabels: m.customLabels,
	})

	m.httpRequests = m.counterVec("http_requests_total", "Total number of HTTP requests by endpoint and method", "endpoint", "method", "status_code")
	m.httpRequestDuration = m.histogramVec("http_request_duration_milliseconds", "HTTP request duration in milliseconds", "endpoint", "method", "status_code")
	m.errorRateByEndpoint = m.counterVec("errors_by_endpoint_total", "HTTP errors by endpoint, method, and error type", "endpoint", "method", "error_type")
}

// Scheduler metrics.

// RecordPollTick increments the poll tick counter.
func RecordPollTick() { globalManager.pollTicks.Inc() }

// RecordPollTickSkipped increments the skipped tick counter.
func RecordPollTickSkipped() { globalManager.pollTicksSkipped.Inc() }

// RecordWakeupFired increments the one-shot wakeup counter.
func RecordWakeupFired() { globalManager.wakeupsFired.Inc() }

// RecordPhaseTransition records a transition into phase.
func RecordPhaseTransition(phase string) {
	globalManager.phaseTransitions.WithLabelValues(phase).Inc()
}

// UpdateTrackedMeetings sets the number of live schedule handles.
func UpdateTrackedMeetings(count int) { globalManager.trackedMeetings.Set(float64(count)) }

// RecordInvalidSchedule increments the invalid schedule counter.
func RecordInvalidSchedule() { globalManager.invalidSchedules.Inc() }

// Countdown metrics.

// RecordCountdown records a countdown run for purpose ("reveal", "submit") with outcome.
func RecordCountdown(purpose, outcome string) {
	globalManager.countdowns.WithLabelValues(purpose, outcome).Inc()
}

// Submission metrics.

// RecordSubmission records a submission outcome ("ok", "partial", "incomplete", "in_flight").
func RecordSubmission(outcome string) {
	globalManager.submissions.WithLabelValues(outcome).Inc()
}

// RecordQuestionSent records a per-question submit outcome ("ok", "error", "skipped").
func RecordQuestionSent(outcome string) {
	globalManager.questionsSent.WithLabelValues(outcome).Inc()
}

// RecordReconcile records a responded-set refresh outcome ("ok", "unavailable", "abandoned").
func RecordReconcile(outcome string) {
	globalManager.reconciles.WithLabelValues(outcome).Inc()
}

// UpdateRespondedSetSize sets the merged responded set size.
func UpdateRespondedSetSize(size int) { globalManager.respondedSetSize.Set(float64(size)) }

// Portal metrics.

// RecordPortalRequest records a portal request outcome and its latency.
func RecordPortalRequest(endpoint, outcome string, latency time.Duration) {
	globalManager.portalRequests.WithLabelValues(endpoint, outcome).Inc()
	globalManager.portalRequestLatency.WithLabelValues(endpoint).Observe(latency.Seconds())
}

// Stream metrics.

// UpdateStreamClients sets the number of connected websocket clients.
func UpdateStreamClients(count int) { globalManager.streamClients.Set(float64(count)) }

// RecordEventPublished records an event delivered over transport ("ws", "nats").
func RecordEventPublished(eventType, transport string) {
	globalManager.eventsPublished.WithLabelValues(eventType, transport).Inc()
}

// Event queue metrics.

// UpdateEventQueueSize sets the number of events waiting for dispatch.
func UpdateEventQueueSize(size int) { globalManager.eventQueueSize.Set(float64(size)) }

// UpdateEventQueueCapacity sets the dispatch queue capacity.
func UpdateEventQueueCapacity(capacity int) { globalManager.eventQueueCapacity.Set(float64(capacity)) }

// RecordEventEnqueued counts an event accepted by the dispatch queue.
func RecordEventEnqueued() { globalManager.eventsEnqueued.Inc() }

// RecordEventDropped counts an event the dispatch queue rejected ("full", "closed", "cancelled").
func RecordEventDropped(reason string) { globalManager.eventsDropped.WithLabelValues(reason).Inc() }

// RecordEventDispatchLatency records how long an event waited in the queue.
func RecordEventDispatchLatency(d time.Duration) { globalManager.dispatchLatency.Observe(d.Seconds()) }

// HTTP metrics.

// RecordHTTPRequest increments the HTTP request counter.
func RecordHTTPRequest(endpoint, method, statusCode string) {
	globalManager.httpRequests.WithLabelValues(endpoint, method, statusCode).Inc()
}

// RecordHTTPRequestDuration records HTTP request duration in milliseconds.
func RecordHTTPRequestDuration(endpoint, method, statusCode string, duration float64) {
	globalManager.httpRequestDuration.WithLabelValues(endpoint, method, statusCode).Observe(duration)
}

// RecordErrorByEndpoint records an error with endpoint, method, and error type labels.
func RecordErrorByEndpoint(endpoint, method, errorType string) {
	globalManager.errorRateByEndpoint.WithLabelValues(endpoint, method, errorType).Inc()
}

// GetRegistry returns the custom Prometheus registry used by our metrics.
func GetRegistry() *prometheus.Registry {
	return customRegistry
}
