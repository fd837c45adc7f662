package metrics

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	OutcomePaid    = "paid"
	OutcomeFailed  = "failed"
	OutcomeTimeout = "timeout"

	PromotionReasonStreamError    = "stream_error"
	PromotionReasonConnectTimeout = "connect_timeout"

	PollResultPending = "pending"
	PollResultPaid    = "paid"
	PollResultFailed  = "failed"
	PollResultError   = "error"

	StreamModeDialed = "dialed"
	StreamModeReused = "reused"

	ReconcileUpdated   = "updated"
	ReconcileUnchanged = "unchanged"
	ReconcileQueued    = "queued"
	ReconcileDropped   = "dropped"
)

// TrackingMetrics captures payment confirmation health signals.
type TrackingMetrics struct {
	sessions          prometheus.Counter
	outcomes          *prometheus.CounterVec
	promotions        *prometheus.CounterVec
	pollAttempts      *prometheus.CounterVec
	streamConnections *prometheus.CounterVec
	reconciliations   *prometheus.CounterVec
}

var (
	trackingMetricsOnce sync.Once
	trackingMetrics     *TrackingMetrics
)

// Tracking returns the singleton tracking metrics registry.
func Tracking() *TrackingMetrics {
	return TrackingWithConfig(Config{})
}

// TrackingWithConfig returns the singleton tracking metrics registry using config labels.
func TrackingWithConfig(cfg Config) *TrackingMetrics {
	trackingMetricsOnce.Do(func() {
		trackingMetrics = newTrackingMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return trackingMetrics
}

// ResetTrackingMetricsForTest resets the tracking metrics singleton for tests.
func ResetTrackingMetricsForTest() {
	trackingMetricsOnce = sync.Once{}
	trackingMetrics = nil
}

func newTrackingMetrics(registerer prometheus.Registerer, cfg Config) *TrackingMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "pixwatch"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "unknown"
	}
	constLabels := prometheus.Labels{
		"service": serviceName,
		"env":     environment,
	}

	sessions := prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "pixwatch_tracking_sessions_total",
		Help:        "Payment tracking sessions started.",
		ConstLabels: constLabels,
	})
	outcomes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "pixwatch_tracking_outcomes_total",
		Help:        "Terminal tracking outcomes delivered to callers.",
		ConstLabels: constLabels,
	}, []string{"outcome", "connection_type"})
	promotions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "pixwatch_tracking_promotions_total",
		Help:        "Promotions from stream to poll tracking by reason.",
		ConstLabels: constLabels,
	}, []string{"reason"})
	pollAttempts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "pixwatch_poll_attempts_total",
		Help:        "Status poll attempts by result.",
		ConstLabels: constLabels,
	}, []string{"result"})
	streamConnections := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "pixwatch_stream_connections_total",
		Help:        "Status stream attachments, dialed or reused from the registry.",
		ConstLabels: constLabels,
	}, []string{"mode"})
	reconciliations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "pixwatch_reconciliations_total",
		Help:        "Local record reconciliations by result.",
		ConstLabels: constLabels,
	}, []string{"result"})

	registerer.MustRegister(
		sessions,
		outcomes,
		promotions,
		pollAttempts,
		streamConnections,
		reconciliations,
	)

	return &TrackingMetrics{
		sessions:          sessions,
		outcomes:          outcomes,
		promotions:        promotions,
		pollAttempts:      pollAttempts,
		streamConnections: streamConnections,
		reconciliations:   reconciliations,
	}
}

func (m *TrackingMetrics) IncSession() {
	if m == nil {
		return
	}
	m.sessions.Inc()
}

func (m *TrackingMetrics) IncOutcome(outcome, connectionType string) {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues(outcome, connectionType).Inc()
}

func (m *TrackingMetrics) IncPromotion(reason string) {
	if m == nil {
		return
	}
	m.promotions.WithLabelValues(reason).Inc()
}

func (m *TrackingMetrics) IncPollAttempt(result string) {
	if m == nil {
		return
	}
	m.pollAttempts.WithLabelValues(result).Inc()
}

func (m *TrackingMetrics) IncStreamConnection(mode string) {
	if m == nil {
		return
	}
	m.streamConnections.WithLabelValues(mode).Inc()
}

func (m *TrackingMetrics) IncReconciliation(result string) {
	if m == nil {
		return
	}
	m.reconciliations.WithLabelValues(result).Inc()
}
