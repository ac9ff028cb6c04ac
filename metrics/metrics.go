// Package metrics exposes the bond bookkeeping counters to Prometheus
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"strconv"
)

const (
	namespace = "tlsph"
	subsystem = "refconfig"
)

// Collectors groups the per-rank series. A nil *Collectors records nothing.
type Collectors struct {
	Resets         *prometheus.CounterVec
	Rebuilds       *prometheus.CounterVec
	CapacityGrowth *prometheus.CounterVec
	MaxBonds       prometheus.Gauge
	LocalBonds     *prometheus.GaugeVec
}

// New creates the collectors and registers them on reg. A nil reg leaves
// them unregistered, which is what tests and single runs usually want.
func New(reg prometheus.Registerer) *Collectors {
	f := promauto.With(reg)
	return &Collectors{
		Resets: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "resets_total",
			Help:      "Reference configuration resets performed",
		}, []string{"rank"}),
		Rebuilds: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "bond_rebuilds_total",
			Help:      "Bond list rebuilds performed",
		}, []string{"rank"}),
		CapacityGrowth: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "capacity_growth_total",
			Help:      "Bond store growths forced by incoming migrations",
		}, []string{"rank"}),
		MaxBonds: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "max_bonds_per_particle",
			Help:      "Global maximum bond count at the last rebuild",
		}),
		LocalBonds: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "local_bonds",
			Help:      "Bonds held by owned particles at the last rebuild",
		}, []string{"rank"}),
	}
}

// ObserveReset counts a reference configuration reset on rank
func (c *Collectors) ObserveReset(rank int) {
	if c == nil {
		return
	}
	c.Resets.WithLabelValues(strconv.Itoa(rank)).Inc()
}

// ObserveRebuild records the outcome of one rebuild on rank
func (c *Collectors) ObserveRebuild(rank, maxBonds, localBonds int) {
	if c == nil {
		return
	}
	label := strconv.Itoa(rank)
	c.Rebuilds.WithLabelValues(label).Inc()
	c.MaxBonds.Set(float64(maxBonds))
	c.LocalBonds.WithLabelValues(label).Set(float64(localBonds))
}

// ObserveGrowth counts a forced bond store growth on rank
func (c *Collectors) ObserveGrowth(rank int) {
	if c == nil {
		return
	}
	c.CapacityGrowth.WithLabelValues(strconv.Itoa(rank)).Inc()
}
