// Package sim is a small outer engine around the reference configuration
// fix: slab decomposition along x, ghost borders, particle migration, a
// kinematic deformation estimate and the per-step hook sequence.
package sim

import (
	"fmt"
	"github.com/google/uuid"
	"github.com/notargets/tlsph/bonds"
	"github.com/notargets/tlsph/checkpoint"
	"github.com/notargets/tlsph/comm"
	"github.com/notargets/tlsph/config"
	"github.com/notargets/tlsph/exchange"
	"github.com/notargets/tlsph/metrics"
	"github.com/notargets/tlsph/neighbor"
	"github.com/notargets/tlsph/outflow"
	"github.com/notargets/tlsph/particles"
	"github.com/notargets/tlsph/refconfig"
	"io"
	"log/slog"
	"sort"
)

// Motion moves the owned particles of a for one step
type Motion func(a *particles.Arrays, step int64)

// Options configures one rank
type Options struct {
	Config  config.Config
	Domain  Slab
	Ghost   float64 // Ghost cutoff beyond a slab face
	Motion  Motion
	Outflow outflow.Region // Optional
	Logger  *slog.Logger
	Metrics *metrics.Collectors
}

// Rank is one rank's engine state
type Rank struct {
	Arrays *particles.Arrays
	Groups *particles.Groups
	Fix    *refconfig.Fix
	Model  *Kinematics

	outflow *outflow.Fix
	comm    comm.Communicator
	domain  Slab
	ghost   float64
	motion  Motion
	cfg     config.Config
	builder *neighbor.Builder
	plan    *exchange.GhostPlan
	log     *slog.Logger
}

// NewRank creates the engine state of c's rank; the caller adds owned
// particles to Arrays before Setup
func NewRank(c comm.Communicator, opts Options) (*Rank, error) {
	if err := opts.Config.Validate(); err != nil {
		return nil, err
	}
	if opts.Domain.Ranks != c.Size() {
		return nil, fmt.Errorf("decomposition has %d slabs for %d ranks", opts.Domain.Ranks, c.Size())
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	logger := opts.Logger.With("rank", c.Rank())

	groups := particles.NewGroups()
	groupBit, err := groups.Add(opts.Config.Group)
	if err != nil {
		return nil, err
	}

	r := &Rank{
		Arrays:  particles.NewArrays(opts.Config.Dimension, opts.Config.GrowthDelta),
		Groups:  groups,
		Model:   &Kinematics{Threshold: 0.05},
		comm:    c,
		domain:  opts.Domain,
		ghost:   opts.Ghost,
		motion:  opts.Motion,
		cfg:     opts.Config,
		builder: neighbor.NewBuilder(opts.Config.Skin, groupBit),
		plan:    &exchange.GhostPlan{Rank: c.Rank()},
		log:     logger,
	}
	r.Fix, err = refconfig.New(refconfig.Options{
		Arrays:   r.Arrays,
		Comm:     c,
		Source:   r.Model,
		Lists:    r,
		Forward:  r,
		GroupBit: groupBit,
		Params: refconfig.Params{
			VolumeRatioMin:         opts.Config.VolumeRatioMin,
			VolumeRatioMax:         opts.Config.VolumeRatioMax,
			UnderResolvedNeighbors: opts.Config.UnderResolvedNeighbors,
			RadiusGrowth:           opts.Config.RadiusGrowth,
		},
		Logger:  logger,
		Metrics: opts.Metrics,
	})
	if err != nil {
		return nil, err
	}
	if opts.Outflow != nil {
		r.outflow, err = outflow.New(r.Arrays, c, opts.Outflow, 1, groupBit, logger)
		if err != nil {
			return nil, err
		}
	}
	return r, nil
}

// GroupBit is the mask bit of the configured group; particles need it to
// take part in bonding
func (r *Rank) GroupBit() uint32 { return r.builder.GroupBit }

// NeighborList builds a half list over owned particles and ghosts
func (r *Rank) NeighborList() *neighbor.List { return r.builder.Build(r.Arrays) }

// ForwardComm pushes fp's state from owners to ghosts
func (r *Rank) ForwardComm(fp exchange.ForwardPacker) error {
	return exchange.ForwardComm(r.comm, r.plan, fp)
}

// Plan returns the current ghost plan
func (r *Rank) Plan() *exchange.GhostPlan { return r.plan }

// Borders rebuilds the ghosts from the current positions. It is collective.
func (r *Rank) Borders() error {
	a := r.Arrays
	plan, err := exchange.BuildGhosts(r.comm, a, func(i int, dst []int) []int {
		return r.domain.Neighbors(a.X[i], r.ghost, dst)
	})
	if err != nil {
		return fmt.Errorf("building borders: %w", err)
	}
	r.plan = plan
	return nil
}

// Setup exchanges borders and builds the initial bonds. It is collective.
func (r *Rank) Setup(step int64) error {
	if err := r.Borders(); err != nil {
		return err
	}
	st := exchange.Statistics(r.comm, r.Arrays.NLocal, r.plan)
	if r.comm.Rank() == 0 {
		r.log.Info("decomposition", "ranks", st.NumRanks, "min_owned", st.MinOwned,
			"max_owned", st.MaxOwned, "imbalance", st.Imbalance, "total_ghosts", st.TotalGhosts)
	}
	return r.Fix.Setup(step)
}

// Step advances one step: move, refresh ghosts, estimate deformation, run the
// pre-exchange hooks and migrate. It is collective and reports whether the
// reference configuration was reset.
func (r *Rank) Step(step int64) (bool, error) {
	if r.motion != nil {
		r.motion(r.Arrays, step)
	}
	if err := r.Borders(); err != nil {
		return false, err
	}
	r.Model.Update(r.Arrays, r.Fix.Bonds())

	reset, err := r.Fix.PreExchange(step)
	if err != nil {
		return false, err
	}
	if r.outflow != nil {
		r.outflow.PreExchange(step)
	}
	if err := r.Migrate(); err != nil {
		return reset, err
	}
	return reset, nil
}

// Deleted returns the number of particles removed by the outflow region
func (r *Rank) Deleted() int {
	if r.outflow == nil {
		return 0
	}
	return int(r.outflow.Scalar())
}

// Migrate hands owned particles that left this rank's slab to their new
// owner together with their bonds. It is collective.
func (r *Rank) Migrate() error {
	a := r.Arrays
	a.ClearGhosts()

	send := make(map[int][]float64)
	var leaving []int
	for i := 0; i < a.NLocal; i++ {
		owner := r.domain.Owner(a.X[i])
		if owner == r.comm.Rank() {
			continue
		}
		buf := make([]float64, particles.CoreSize+r.Fix.ExchangeSize(i))
		m := a.PackCore(i, buf)
		n, err := r.Fix.PackExchange(i, buf[m:])
		if err != nil {
			return fmt.Errorf("migrating particle %d: %w", a.Tag[i], err)
		}
		send[owner] = append(send[owner], buf[:m+n]...)
		leaving = append(leaving, i)
	}
	for k := len(leaving) - 1; k >= 0; k-- {
		a.Remove(leaving[k])
	}

	recv := r.comm.Exchange(send)
	sources := make([]int, 0, len(recv))
	for src := range recv {
		sources = append(sources, src)
	}
	sort.Ints(sources)
	for _, src := range sources {
		buf := recv[src]
		for m := 0; m < len(buf); {
			p, err := particles.UnpackCore(buf[m:])
			if err != nil {
				return fmt.Errorf("particle from rank %d: %w", src, err)
			}
			m += particles.CoreSize
			slot := a.AddLocal(p)
			n, err := r.Fix.UnpackExchange(slot, buf[m:])
			if err != nil {
				return fmt.Errorf("bonds of particle %d from rank %d: %w", p.Tag, src, err)
			}
			m += n
		}
	}
	return nil
}

// WriteCheckpoint stores this rank's particles and bonds. It is collective.
func (r *Rank) WriteCheckpoint(w io.Writer, runID uuid.UUID, step int64) (checkpoint.Header, error) {
	meta := checkpoint.Meta{RunID: runID, Step: step, Rank: r.comm.Rank()}
	return checkpoint.Write(w, meta, r.Arrays, r.cfg.Checkpoint.CompressionLevel, r.Fix)
}

// ReadCheckpoint restores particles and bonds written by WriteCheckpoint
// into an empty rank
func (r *Rank) ReadCheckpoint(rd io.Reader) (checkpoint.Header, error) {
	if r.Arrays.NLocal != 0 {
		return checkpoint.Header{}, fmt.Errorf("restoring into a rank that already owns %d particles", r.Arrays.NLocal)
	}
	return checkpoint.Read(rd, r.Arrays, r.Fix)
}

// TotalBonds returns the bonds held by owned particles
func (r *Rank) TotalBonds() int {
	n := 0
	for i := 0; i < r.Arrays.NLocal; i++ {
		n += r.Fix.Bonds().Count(i)
	}
	return n
}

// BondsOf returns a copy of the bonds of the owned particle with tag, or nil
func (r *Rank) BondsOf(tag int64) []bonds.Bond {
	i := r.Arrays.Map(tag)
	if i < 0 || i >= r.Arrays.NLocal {
		return nil
	}
	return append([]bonds.Bond(nil), r.Fix.Bonds().Bonds(i)...)
}
