// Package refconfig periodically moves the Total-Lagrangian reference
// configuration of a particle group to its current configuration and keeps
// the group's bond lists, captured against that configuration, consistent
// across ranks, migration and restarts.
package refconfig

import (
	"fmt"
	"github.com/notargets/tlsph/bonds"
	"github.com/notargets/tlsph/comm"
	"github.com/notargets/tlsph/exchange"
	"github.com/notargets/tlsph/kernel"
	"github.com/notargets/tlsph/metrics"
	"github.com/notargets/tlsph/neighbor"
	"github.com/notargets/tlsph/particles"
	"github.com/notargets/tlsph/rebuild"
	"log/slog"
)

// ForwardSize is the number of scalars sent per ghost on a forward
// exchange: x0[3], vfrac, radius, F0[9]
const ForwardSize = 14

// ListProvider supplies the current half neighbor list
type ListProvider interface {
	NeighborList() *neighbor.List
}

// Forwarder runs a forward exchange from owners to ghosts
type Forwarder interface {
	ForwardComm(fp exchange.ForwardPacker) error
}

// Options wires a Fix to its collaborators
type Options struct {
	Arrays   *particles.Arrays
	Comm     comm.Communicator
	Source   DeformationSource
	Lists    ListProvider
	Forward  Forwarder
	GroupBit uint32 // Zero selects particles.AllBit
	Params   Params
	Kernel   kernel.Func // Nil selects kernel.Spiky
	Logger   *slog.Logger
	Metrics  *metrics.Collectors
}

// Fix owns the bond store of a particle group and the hooks through which
// the engine drives it
type Fix struct {
	arrays   *particles.Arrays
	comm     comm.Communicator
	source   DeformationSource
	lists    ListProvider
	forward  Forwarder
	groupBit uint32
	params   Params

	store     *bonds.Store
	rebuilder *rebuild.Rebuilder
	log       *slog.Logger
	metrics   *metrics.Collectors

	state State
	last  rebuild.Stats
}

var (
	_ particles.Callback     = (*Fix)(nil)
	_ exchange.ForwardPacker = (*Fix)(nil)
)

// New validates the collaborators, allocates the bond store and registers
// the Fix for particle array growth and compaction
func New(opts Options) (*Fix, error) {
	if opts.Arrays == nil || opts.Comm == nil || opts.Lists == nil || opts.Forward == nil {
		panic("refconfig: Arrays, Comm, Lists and Forward are required")
	}
	if !opts.Arrays.TagEnabled {
		return nil, ErrTagsRequired
	}
	if !opts.Arrays.MapEnabled {
		return nil, ErrAtomMapRequired
	}
	if opts.Source == nil {
		return nil, ErrMissingUpdateFlag
	}
	if v, ok := opts.Source.(interface{ Validate() error }); ok {
		if err := v.Validate(); err != nil {
			return nil, err
		}
	}
	if opts.GroupBit == 0 {
		opts.GroupBit = particles.AllBit
	}
	if opts.Params == (Params{}) {
		opts.Params = DefaultParams()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	store := bonds.NewStore(opts.Arrays.GrowthDelta(), opts.Logger)
	f := &Fix{
		arrays:    opts.Arrays,
		comm:      opts.Comm,
		source:    opts.Source,
		lists:     opts.Lists,
		forward:   opts.Forward,
		groupBit:  opts.GroupBit,
		params:    opts.Params,
		store:     store,
		rebuilder: rebuild.New(opts.Comm, opts.Kernel, store, opts.Logger, opts.Metrics),
		log:       opts.Logger,
		metrics:   opts.Metrics,
	}
	store.OnGrow = func(int) { f.metrics.ObserveGrowth(f.comm.Rank()) }
	f.arrays.AddCallback(f)
	return f, nil
}

// Close unregisters the Fix from the particle arrays
func (f *Fix) Close() {
	f.arrays.DeleteCallback(f)
}

// Bonds returns the bond store
func (f *Fix) Bonds() *bonds.Store { return f.store }

// State returns the current updater state
func (f *Fix) State() State { return f.state }

// LastRebuild returns the statistics of the most recent rebuild
func (f *Fix) LastRebuild() rebuild.Stats { return f.last }

// Setup builds the initial bond lists. It is collective.
func (f *Fix) Setup(step int64) error {
	return f.rebuild(step)
}

// PreExchange resets the reference configuration when any rank asks for it,
// then pushes the new reference fields to ghosts and rebuilds the bonds. It
// is collective and reports whether a reset happened.
func (f *Fix) PreExchange(step int64) (bool, error) {
	if f.comm.AllReduceMaxInt(f.source.UpdateFlag()) <= 0 {
		return false, nil
	}

	f.state = Resetting
	defer func() { f.state = Stable }()
	if f.comm.Rank() == 0 {
		f.log.Info("updating reference configuration", "step", step)
	}

	a := f.arrays
	nlocal := a.NLocal
	if a.FirstGroupBit != 0 && f.groupBit == a.FirstGroupBit {
		nlocal = a.NFirst
	}
	fincr := f.source.IncrementalDeformation()
	if len(fincr) < nlocal {
		return false, fmt.Errorf("%d gradients for %d particles: %w", len(fincr), nlocal, ErrMissingIncrementalDeformation)
	}
	nn := f.source.NeighborCounts()
	if len(nn) < nlocal {
		return false, fmt.Errorf("%d counts for %d particles: %w", len(nn), nlocal, ErrMissingNeighborCount)
	}

	for i := 0; i < nlocal; i++ {
		if a.Mask[i]&f.groupBit != 0 {
			f.params.ResetParticle(a, i, fincr[i], nn[i])
		}
	}

	if err := f.forward.ForwardComm(f); err != nil {
		return false, fmt.Errorf("forwarding reference configuration: %w", err)
	}
	if err := f.rebuild(step); err != nil {
		return false, err
	}
	f.metrics.ObserveReset(f.comm.Rank())
	return true, nil
}

func (f *Fix) rebuild(step int64) error {
	stats, err := f.rebuilder.Rebuild(f.arrays, f.lists.NeighborList(), step)
	if err != nil {
		return fmt.Errorf("rebuilding bonds at step %d: %w", step, err)
	}
	f.last = stats
	return nil
}

// GrowArrays follows particle array growth
func (f *Fix) GrowArrays(nmax int) { f.store.GrowArrays(nmax) }

// CopyArrays copies the bonds of slot i to slot j
func (f *Fix) CopyArrays(i, j int) { f.store.Copy(i, j) }

// PackExchange writes the migration record of slot i
func (f *Fix) PackExchange(i int, buf []float64) (int, error) {
	return f.store.PackExchange(i, buf)
}

// UnpackExchange reads a migration record into slot nlocal
func (f *Fix) UnpackExchange(nlocal int, buf []float64) (int, error) {
	m, _, err := f.store.UnpackExchange(nlocal, buf)
	return m, err
}

// ExchangeSize is the migration record length of slot i
func (f *Fix) ExchangeSize(i int) int {
	return bonds.MigrationSize(f.store.Count(i))
}

// PackRestart writes the checkpoint record of slot i
func (f *Fix) PackRestart(i int, buf []float64) (int, error) {
	return f.store.PackRestart(i, buf)
}

// UnpackRestart restores slot from the nth record of its extra restart data
func (f *Fix) UnpackRestart(slot int, extra []float64, nth int) error {
	off, err := bonds.SkipRecords(extra, nth)
	if err != nil {
		return fmt.Errorf("restart data of slot %d: %w", slot, err)
	}
	if _, err := f.store.UnpackRestart(slot, extra[off:]); err != nil {
		return err
	}
	return nil
}

// SizeRestart is the checkpoint record length of slot i
func (f *Fix) SizeRestart(i int) int { return f.store.SizeRestart(i) }

// MaxSizeRestart is the checkpoint record length of the fullest row on any
// rank. It is collective.
func (f *Fix) MaxSizeRestart() int {
	return f.comm.AllReduceMaxInt(f.store.MaxSizeRestart())
}

// CommForward returns ForwardSize
func (f *Fix) CommForward() int { return ForwardSize }

// PackForwardComm writes x0, vfrac, radius and F0 of each slot in list
func (f *Fix) PackForwardComm(list []int, buf []float64) int {
	a := f.arrays
	m := 0
	for _, j := range list {
		m += copy(buf[m:], a.X0[j][:])
		buf[m] = a.Vfrac[j]
		buf[m+1] = a.Radius[j]
		m += 2
		m += copy(buf[m:], a.DefGrad0[j][:])
	}
	return m
}

// UnpackForwardComm reads n particles packed by PackForwardComm into slots
// [first, first+n)
func (f *Fix) UnpackForwardComm(n, first int, buf []float64) {
	a := f.arrays
	m := 0
	for i := first; i < first+n; i++ {
		m += copy(a.X0[i][:], buf[m:m+3])
		a.Vfrac[i] = buf[m]
		a.Radius[i] = buf[m+1]
		m += 2
		m += copy(a.DefGrad0[i][:], buf[m:m+9])
	}
}

// MemoryUsage returns the bytes held by the bond store
func (f *Fix) MemoryUsage() int64 { return f.store.MemoryUsage() }
