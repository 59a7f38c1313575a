package leases

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type ledgerMetrics struct {
	occupied      prometheus.Gauge
	changes       *prometheus.CounterVec
	released      prometheus.Counter
	currentPeriod prometheus.Gauge
}

func (m *ledgerMetrics) init(reg prometheus.Registerer) {
	factory := promauto.With(reg)
	m.occupied = factory.NewGauge(prometheus.GaugeOpts{
		Name: "slotauction_lease_entries",
		Help: "occupied (para, lease period) entries",
	})
	m.changes = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "slotauction_lease_changes_total",
		Help: "lease changes by kind",
	}, []string{"kind"})
	m.released = factory.NewCounter(prometheus.CounterOpts{
		Name: "slotauction_lease_deposit_released_total",
		Help: "deposits returned to leasers",
	})
	m.currentPeriod = factory.NewGauge(prometheus.GaugeOpts{
		Name: "slotauction_lease_current_period",
		Help: "last lease period swept",
	})
}
