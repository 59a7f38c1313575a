package runtime

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type runtimeMetrics struct {
	block      prometheus.Gauge
	ticks      prometheus.Counter
	extrinsics *prometheus.CounterVec
	queued     prometheus.Gauge
}

func (m *runtimeMetrics) init(reg prometheus.Registerer) {
	factory := promauto.With(reg)
	m.block = factory.NewGauge(prometheus.GaugeOpts{
		Name: "slotauction_block",
		Help: "last block ticked",
	})
	m.ticks = factory.NewCounter(prometheus.CounterOpts{
		Name: "slotauction_ticks_total",
		Help: "blocks processed",
	})
	m.extrinsics = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "slotauction_extrinsics_total",
		Help: "extrinsics applied by outcome",
	}, []string{"outcome"})
	m.queued = factory.NewGauge(prometheus.GaugeOpts{
		Name: "slotauction_extrinsics_queued",
		Help: "extrinsics waiting for the next block",
	})
}
