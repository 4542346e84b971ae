package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts client activity. A nil *Metrics records nothing.
type Metrics struct {
	requests    *prometheus.CounterVec
	refreshes   *prometheus.CounterVec
	csrfFetches *prometheus.CounterVec
	clears      *prometheus.CounterVec
}

// NewMetrics registers the client's counters with reg. A nil reg leaves them
// unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "authsession",
			Name:      "requests_total",
			Help:      "Authenticated requests by method and outcome.",
		}, []string{"method", "outcome"}),
		refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "authsession",
			Name:      "refreshes_total",
			Help:      "Token refreshes by result.",
		}, []string{"result"}),
		csrfFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "authsession",
			Name:      "csrf_fetches_total",
			Help:      "Anti-forgery token fetches by result.",
		}, []string{"result"}),
		clears: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "authsession",
			Name:      "session_clears_total",
			Help:      "Local session clears by reason.",
		}, []string{"reason"}),
	}
	if reg != nil {
		reg.MustRegister(m.requests, m.refreshes, m.csrfFetches, m.clears)
	}
	return m
}

func (m *Metrics) ObserveRequest(method string, outcome string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(method, outcome).Inc()
}

func (m *Metrics) ObserveRefresh(result string) {
	if m == nil {
		return
	}
	m.refreshes.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveCSRFFetch(result string) {
	if m == nil {
		return
	}
	m.csrfFetches.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveClear(reason string) {
	if m == nil {
		return
	}
	m.clears.WithLabelValues(reason).Inc()
}
