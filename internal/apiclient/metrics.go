package apiclient

import "github.com/prometheus/client_golang/prometheus"

// Metrics counts refresh-protocol activity
type Metrics struct {
	refreshes *prometheus.CounterVec
	replays   prometheus.Counter
}

// NewMetrics creates the client collectors and registers them on reg when reg is not nil
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "driver_api_refresh_total",
			Help: "Token refresh calls by result.",
		}, []string{"result"}),
		replays: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "driver_api_replayed_requests_total",
			Help: "Requests replayed after an authorization failure.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.refreshes, m.replays)
	}
	return m
}
