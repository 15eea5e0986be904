package offers

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/signalix/driver/internal/model"
)

// Metrics counts offers by terminal outcome
type Metrics struct {
	outcomes *prometheus.CounterVec
	received prometheus.Counter
}

// NewMetrics creates the coordinator collectors and registers them on reg when reg is not nil
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "driver_offers_total",
			Help: "Trip offers by terminal outcome.",
		}, []string{"outcome"}),
		received: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "driver_offers_received_total",
			Help: "Trip offers presented to the driver.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.outcomes, m.received)
	}
	return m
}

func (m *Metrics) outcome(o model.OfferOutcome) {
	m.outcomes.WithLabelValues(string(o)).Inc()
}
