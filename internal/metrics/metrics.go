package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups the service's prometheus collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	feedReconnects   *prometheus.CounterVec
	feedTransactions *prometheus.CounterVec
	buysDetected     *prometheus.CounterVec
	classifyErrors   prometheus.Counter
	alertsSent       prometheus.Counter
	alertsFailed     prometheus.Counter
	activeFeeds      prometheus.Gauge
	runningSessions  prometheus.Gauge
}

// New registers every collector on a fresh registry under namespace.
func New(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		// feed
		feedReconnects: factory.NewCounterVec(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_feed_reconnects_total", namespace),
			Help: "Feed reconnect attempts per asset",
		}, []string{"asset"}),
		feedTransactions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_feed_transactions_total", namespace),
			Help: "Transactions received from the ledger stream per asset",
		}, []string{"asset"}),
		// classification and dispatch
		buysDetected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_buys_detected_total", namespace),
			Help: "Buy events detected per kind",
		}, []string{"kind"}),
		classifyErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_classify_errors_total", namespace),
			Help: "Transactions skipped because they could not be classified",
		}),
		alertsSent: factory.NewCounter(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_alerts_sent_total", namespace),
			Help: "Alerts delivered to subscribers",
		}),
		alertsFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_alerts_failed_total", namespace),
			Help: "Alert deliveries that failed",
		}),
		// sessions
		activeFeeds: factory.NewGauge(prometheus.GaugeOpts{
			Name: fmt.Sprintf("%s_active_feeds", namespace),
			Help: "Open ledger feeds",
		}),
		runningSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: fmt.Sprintf("%s_running_sessions", namespace),
			Help: "Subscriptions with a running session",
		}),
	}
}

// Registry exposes the underlying registry for the HTTP handler.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) FeedReconnect(asset string) {
	if m == nil {
		return
	}
	m.feedReconnects.WithLabelValues(asset).Inc()
}

func (m *Metrics) FeedTransaction(asset string) {
	if m == nil {
		return
	}
	m.feedTransactions.WithLabelValues(asset).Inc()
}

func (m *Metrics) BuyDetected(kind string) {
	if m == nil {
		return
	}
	m.buysDetected.WithLabelValues(kind).Inc()
}

func (m *Metrics) ClassifyError() {
	if m == nil {
		return
	}
	m.classifyErrors.Inc()
}

// AlertResult counts one delivery attempt.
func (m *Metrics) AlertResult(err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.alertsFailed.Inc()
		return
	}
	m.alertsSent.Inc()
}

// SetSessions publishes the current feed and session counts.
func (m *Metrics) SetSessions(feeds, sessions int) {
	if m == nil {
		return
	}
	m.activeFeeds.Set(float64(feeds))
	m.runningSessions.Set(float64(sessions))
}
