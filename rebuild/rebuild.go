// Package rebuild recomputes every owned particle's bond row from a half
// neighbor list over reference positions.
//
// Sizing and population use different cutoffs: a pair is counted when
// r <= h but only bonded when r < h, with h = radius_i + radius_j. Pairs
// sitting exactly on the support boundary therefore reserve capacity without
// producing a bond. The kernel vanishes there, so such a bond would carry no
// weight anyway.
package rebuild

import (
	"fmt"
	"github.com/notargets/tlsph/bonds"
	"github.com/notargets/tlsph/comm"
	"github.com/notargets/tlsph/kernel"
	"github.com/notargets/tlsph/metrics"
	"github.com/notargets/tlsph/neighbor"
	"github.com/notargets/tlsph/particles"
	"gonum.org/v1/gonum/floats"
	"log/slog"
)

// Stats summarizes one rebuild
type Stats struct {
	MaxBonds   int // Global maximum bonds per particle, the new row capacity
	LocalBonds int // Bonds stored on owned particles of this rank

	// Filled on the initial step only
	Reported         bool
	TotalBonds       int     // Global bond count
	BondsPerParticle float64 // TotalBonds over the global particle count
}

// Rebuilder owns the rebuild procedure for one rank
type Rebuilder struct {
	comm    comm.Communicator
	kernel  kernel.Func
	store   *bonds.Store
	log     *slog.Logger
	metrics *metrics.Collectors

	counts []int
}

// New returns a Rebuilder writing into store. A nil kernel selects
// kernel.Spiky; nil logger and metrics are allowed.
func New(c comm.Communicator, k kernel.Func, store *bonds.Store, logger *slog.Logger, m *metrics.Collectors) *Rebuilder {
	if k == nil {
		k = kernel.Spiky
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Rebuilder{comm: c, kernel: k, store: store, log: logger, metrics: m}
}

// Rebuild replaces the bond rows of all owned particles. It is collective:
// every rank must call it for the same step.
func (r *Rebuilder) Rebuild(a *particles.Arrays, list *neighbor.List, step int64) (Stats, error) {
	nlocal := a.NLocal

	// Pass 1: size every row with the inclusive cutoff
	if cap(r.counts) < nlocal {
		r.counts = make([]int, nlocal)
	}
	counts := r.counts[:nlocal]
	for i := range counts {
		counts[i] = 0
	}
	for ii, i := range list.Owned {
		for _, j := range list.Neighbors[ii] {
			dist, h := separation(a, i, j)
			if dist <= h {
				counts[i]++
				if j < nlocal {
					counts[j]++
				}
			}
		}
	}
	var maxLocal int
	for _, n := range counts {
		if n > maxLocal {
			maxLocal = n
		}
	}
	maxAll := r.comm.AllReduceMaxInt(maxLocal)

	r.store.ResetAll()
	r.store.EnsureCapacity(a.NMax(), maxAll)

	// Pass 2: populate with the strict cutoff, mirroring local partners
	for ii, i := range list.Owned {
		for _, j := range list.Neighbors[ii] {
			dist, h := separation(a, i, j)
			if dist >= h {
				continue
			}
			wf, wfd := r.kernel(h, dist, a.Dimension)
			if err := r.store.Append(i, bonds.Bond{Partner: a.Tag[j], Value: wf, Gradient: wfd}); err != nil {
				return Stats{}, fmt.Errorf("bonding %d to %d: %w", a.Tag[i], a.Tag[j], err)
			}
			if j < nlocal {
				if err := r.store.Append(j, bonds.Bond{Partner: a.Tag[i], Value: wf, Gradient: wfd}); err != nil {
					return Stats{}, fmt.Errorf("bonding %d to %d: %w", a.Tag[j], a.Tag[i], err)
				}
			}
		}
	}

	stats := Stats{MaxBonds: maxAll}
	for i := 0; i < nlocal; i++ {
		stats.LocalBonds += r.store.Count(i)
	}
	r.metrics.ObserveRebuild(r.comm.Rank(), maxAll, stats.LocalBonds)

	if step == 0 {
		stats.Reported = true
		stats.TotalBonds = r.comm.AllReduceSumInt(stats.LocalBonds)
		natoms := r.comm.AllReduceSumInt(nlocal)
		if natoms > 0 {
			stats.BondsPerParticle = float64(stats.TotalBonds) / float64(natoms)
		}
		if r.comm.Rank() == 0 {
			r.log.Info("TLSPH bond statistics",
				"max_bonds", stats.MaxBonds,
				"total_bonds", stats.TotalBonds,
				"bonds_per_particle", stats.BondsPerParticle)
		}
	}
	return stats, nil
}

// separation returns the reference distance of i and j and their combined
// support radius
func separation(a *particles.Arrays, i, j int) (dist, h float64) {
	return floats.Distance(a.X0[i][:], a.X0[j][:], 2), a.Radius[i] + a.Radius[j]
}
