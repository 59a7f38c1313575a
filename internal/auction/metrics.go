package auction

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type engineMetrics struct {
	auctions    prometheus.Counter
	bids        *prometheus.CounterVec
	settlements *prometheus.CounterVec
	reserved    prometheus.Gauge
}

func (m *engineMetrics) init(reg prometheus.Registerer) {
	factory := promauto.With(reg)
	m.auctions = factory.NewCounter(prometheus.CounterOpts{
		Name: "slotauction_auctions_started_total",
		Help: "auctions opened",
	})
	m.bids = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "slotauction_bids_total",
		Help: "bids by outcome",
	}, []string{"outcome"})
	m.settlements = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "slotauction_settlements_total",
		Help: "auction closes by outcome",
	}, []string{"outcome"})
	m.reserved = factory.NewGauge(prometheus.GaugeOpts{
		Name: "slotauction_bid_reserved",
		Help: "balance currently held in bid reserves",
	})
}
