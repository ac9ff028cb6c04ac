package refconfig

import (
	"bytes"
	"context"
	"github.com/notargets/tlsph/bonds"
	"github.com/notargets/tlsph/comm"
	"github.com/notargets/tlsph/exchange"
	"github.com/notargets/tlsph/kernel"
	"github.com/notargets/tlsph/neighbor"
	"github.com/notargets/tlsph/particles"
	"github.com/notargets/tlsph/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"log/slog"
	"sync"
	"testing"
)

// engine is the smallest outer engine the Fix can run in
type engine struct {
	c       comm.Communicator
	a       *particles.Arrays
	plan    *exchange.GhostPlan
	builder *neighbor.Builder
}

func (e *engine) NeighborList() *neighbor.List { return e.builder.Build(e.a) }

func (e *engine) ForwardComm(fp exchange.ForwardPacker) error {
	return exchange.ForwardComm(e.c, e.plan, fp)
}

func newEngine(c comm.Communicator, a *particles.Arrays) *engine {
	return &engine{c: c, a: a, plan: &exchange.GhostPlan{Rank: c.Rank()}, builder: neighbor.NewBuilder(0, 0)}
}

func addLocal(a *particles.Arrays, tag int64, x [3]float64, radius float64, mask uint32) int {
	return a.AddLocal(particles.Particle{
		Tag: tag, X: x, X0: x, Radius: radius, Vfrac: 1,
		DefGrad0: utils.Identity3(), Mask: mask,
	})
}

// model is a DeformationSource with a uniform stretch
type model struct {
	flag  int
	fincr []utils.Mat3
	nn    []int
}

func (m *model) UpdateFlag() int                      { return m.flag }
func (m *model) IncrementalDeformation() []utils.Mat3 { return m.fincr }
func (m *model) NeighborCounts() []int                { return m.nn }

func uniform(n int, f utils.Mat3, nn int) *model {
	m := &model{fincr: make([]utils.Mat3, n), nn: make([]int, n)}
	for i := range m.fincr {
		m.fincr[i] = f
		m.nn[i] = nn
	}
	return m
}

func newFix(t *testing.T, e *engine, src DeformationSource, groupBit uint32) (*Fix, *bytes.Buffer) {
	t.Helper()
	var logs bytes.Buffer
	f, err := New(Options{
		Arrays:   e.a,
		Comm:     e.c,
		Source:   src,
		Lists:    e,
		Forward:  e,
		GroupBit: groupBit,
		Logger:   slog.New(slog.NewTextHandler(&logs, nil)),
	})
	require.NoError(t, err)
	return f, &logs
}

var stretch = utils.Mat3{1.1, 0, 0, 0, 1, 0, 0, 0, 1}

func TestNewRejectsMissingCollaborators(t *testing.T) {
	flag := 0
	tests := []struct {
		name   string
		mutate func(a *particles.Arrays, o *Options)
		want   error
	}{
		{"NoTags", func(a *particles.Arrays, o *Options) { a.TagEnabled = false }, ErrTagsRequired},
		{"NoMap", func(a *particles.Arrays, o *Options) { a.MapEnabled = false }, ErrAtomMapRequired},
		{"NoSource", func(a *particles.Arrays, o *Options) { o.Source = nil }, ErrMissingUpdateFlag},
		{"NoFlag", func(a *particles.Arrays, o *Options) {
			o.Source = &Fields{Fincr: []utils.Mat3{}, NumNeighbors: []int{}}
		}, ErrMissingUpdateFlag},
		{"NoFincr", func(a *particles.Arrays, o *Options) {
			o.Source = &Fields{Flag: &flag, NumNeighbors: []int{}}
		}, ErrMissingIncrementalDeformation},
		{"NoNeighborCounts", func(a *particles.Arrays, o *Options) {
			o.Source = &Fields{Flag: &flag, Fincr: []utils.Mat3{}}
		}, ErrMissingNeighborCount},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := particles.NewArrays(3, 8)
			e := newEngine(comm.Serial{}, a)
			opts := Options{Arrays: a, Comm: e.c, Source: uniform(0, stretch, 0), Lists: e, Forward: e}
			tt.mutate(a, &opts)
			_, err := New(opts)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

type extractor map[string]any

func (e extractor) Extract(name string) (any, bool) {
	v, ok := e[name]
	return v, ok
}

func TestFromExtractor(t *testing.T) {
	flag := 1
	fincr := []utils.Mat3{utils.Identity3()}
	nn := []int{3}
	full := extractor{UpdateFlagName: &flag, FincrName: fincr, NeighborCountsName: nn}

	f, err := FromExtractor(full)
	require.NoError(t, err)
	assert.Equal(t, 1, f.UpdateFlag())
	assert.Equal(t, fincr, f.IncrementalDeformation())
	assert.Equal(t, nn, f.NeighborCounts())

	t.Run("Missing", func(t *testing.T) {
		_, err := FromExtractor(extractor{FincrName: fincr, NeighborCountsName: nn})
		assert.ErrorIs(t, err, ErrMissingUpdateFlag)
		_, err = FromExtractor(extractor{UpdateFlagName: &flag, FincrName: fincr})
		assert.ErrorIs(t, err, ErrMissingNeighborCount)
	})
	t.Run("WrongType", func(t *testing.T) {
		_, err := FromExtractor(extractor{UpdateFlagName: &flag, FincrName: []float64{1}, NeighborCountsName: nn})
		assert.ErrorIs(t, err, ErrMissingIncrementalDeformation)
	})
}

func TestSetupAndReset(t *testing.T) {
	a := particles.NewArrays(3, 8)
	addLocal(a, 1, [3]float64{0, 0, 0}, 0.6, particles.AllBit)
	addLocal(a, 2, [3]float64{1, 0, 0}, 0.6, particles.AllBit)
	addLocal(a, 3, [3]float64{2, 0, 0}, 0.6, particles.AllBit)
	e := newEngine(comm.Serial{}, a)
	src := uniform(3, stretch, 2)
	f, logs := newFix(t, e, src, 0)

	require.NoError(t, f.Setup(0))
	assert.Equal(t, 2, f.Bonds().Capacity())
	assert.Equal(t, 1, f.Bonds().Count(0))
	assert.Equal(t, 2, f.Bonds().Count(1))
	assert.Equal(t, 4, f.LastRebuild().TotalBonds)
	assert.Contains(t, logs.String(), "TLSPH bond statistics")

	t.Run("NoRequest", func(t *testing.T) {
		reset, err := f.PreExchange(10)
		require.NoError(t, err)
		assert.False(t, reset)
		assert.Equal(t, 0.6, a.Radius[0])
	})

	t.Run("Request", func(t *testing.T) {
		for i := 0; i < 3; i++ {
			a.X[i][0] *= 1.1
		}
		src.flag = 1
		reset, err := f.PreExchange(20)
		require.NoError(t, err)
		assert.True(t, reset)
		assert.Equal(t, Stable, f.State())
		assert.Contains(t, logs.String(), "updating reference configuration")

		for i := 0; i < 3; i++ {
			assert.Equal(t, a.X[i], a.X0[i])
			assert.InDelta(t, 0.72, a.Radius[i], 1e-14)
			assert.InDelta(t, 1.1, a.Vfrac[i], 1e-14)
			assert.True(t, a.DefGrad0[i].EqualApprox(stretch, 1e-14))
		}
		wf, wfd := kernel.Spiky(a.Radius[0]+a.Radius[1], a.X[1][0]-a.X[0][0], 3)
		require.Equal(t, 1, f.Bonds().Count(0))
		b := f.Bonds().Bonds(0)[0]
		assert.Equal(t, int64(2), b.Partner)
		assert.InDelta(t, wf, b.Value, 1e-12)
		assert.InDelta(t, wfd, b.Gradient, 1e-12)
	})

	t.Run("ShortDeformationArrays", func(t *testing.T) {
		src.fincr = src.fincr[:1]
		_, err := f.PreExchange(30)
		assert.ErrorIs(t, err, ErrMissingIncrementalDeformation)
		src.fincr = append(src.fincr, stretch, stretch)
		src.nn = nil
		_, err = f.PreExchange(30)
		assert.ErrorIs(t, err, ErrMissingNeighborCount)
	})
}

func TestResetRespectsGroup(t *testing.T) {
	const solid uint32 = 2
	a := particles.NewArrays(2, 8)
	addLocal(a, 1, [3]float64{0, 0, 0}, 1, particles.AllBit|solid)
	addLocal(a, 2, [3]float64{5, 0, 0}, 1, particles.AllBit)
	addLocal(a, 3, [3]float64{10, 0, 0}, 1, particles.AllBit|solid)
	a.X[1][0], a.X[2][0] = 6, 11

	t.Run("Mask", func(t *testing.T) {
		e := newEngine(comm.Serial{}, a)
		src := uniform(3, utils.Identity3(), 0)
		src.flag = 1
		f, _ := newFix(t, e, src, solid)
		defer f.Close()
		_, err := f.PreExchange(1)
		require.NoError(t, err)
		assert.Equal(t, 1.2, a.Radius[0])
		assert.Equal(t, 1.0, a.Radius[1])
		assert.Equal(t, [3]float64{5, 0, 0}, a.X0[1])
		assert.Equal(t, [3]float64{11, 0, 0}, a.X0[2])
	})

	t.Run("FirstGroup", func(t *testing.T) {
		a.FirstGroupBit, a.NFirst = solid, 1
		e := newEngine(comm.Serial{}, a)
		src := uniform(3, utils.Identity3(), 0)
		src.flag = 1
		f, _ := newFix(t, e, src, solid)
		defer f.Close()
		_, err := f.PreExchange(2)
		require.NoError(t, err)
		// Only the first NFirst owned particles are visited
		assert.InDelta(t, 1.44, a.Radius[0], 1e-14)
		assert.InDelta(t, 1.2, a.Radius[2], 1e-14)
	})
}

func TestForwardCommUsesSlots(t *testing.T) {
	a := particles.NewArrays(3, 8)
	for k := 0; k < 3; k++ {
		i := addLocal(a, int64(k+1), [3]float64{float64(k), 0, 0}, 0.1*float64(k+1), particles.AllBit)
		a.Vfrac[i] = float64(10 + k)
		a.DefGrad0[i] = utils.Mat3{float64(k), 0, 0, 0, 1, 0, 0, 0, 1}
	}
	e := newEngine(comm.Serial{}, a)
	f, _ := newFix(t, e, uniform(3, stretch, 0), 0)

	buf := make([]float64, 2*ForwardSize)
	require.Equal(t, 2*ForwardSize, f.PackForwardComm([]int{2, 0}, buf))
	assert.Equal(t, []float64{2, 0, 0, 12, 0.30000000000000004, 2, 0, 0, 0, 1, 0, 0, 0, 1}, buf[:ForwardSize])

	for k := 0; k < 2; k++ {
		a.AddGhost(particles.Particle{Tag: int64(100 + k)})
	}
	f.UnpackForwardComm(2, 3, buf)
	assert.Equal(t, a.X0[2], a.X0[3])
	assert.Equal(t, a.X0[0], a.X0[4])
	assert.Equal(t, 12.0, a.Vfrac[3])
	assert.Equal(t, 0.1, a.Radius[4])
	assert.Equal(t, a.DefGrad0[2], a.DefGrad0[3])
	assert.Equal(t, 14, f.CommForward())
}

func TestMigrationAndCompactionHooks(t *testing.T) {
	a := particles.NewArrays(3, 4)
	for k := 0; k < 4; k++ {
		addLocal(a, int64(k+1), [3]float64{float64(k), 0, 0}, 0.6, particles.AllBit)
	}
	e := newEngine(comm.Serial{}, a)
	f, _ := newFix(t, e, uniform(4, stretch, 0), 0)
	require.NoError(t, f.Setup(1))
	last := append([]bonds.Bond(nil), f.Bonds().Bonds(3)...)

	t.Run("Migration", func(t *testing.T) {
		buf := make([]float64, f.ExchangeSize(1))
		m, err := f.PackExchange(1, buf)
		require.NoError(t, err)
		assert.Equal(t, 7, m)

		// An arrival beyond the allocated slots grows the store
		n, err := f.UnpackExchange(a.NMax(), buf)
		require.NoError(t, err)
		assert.Equal(t, m, n)
		assert.Equal(t, f.Bonds().Bonds(1), f.Bonds().Bonds(a.NMax()))
	})

	t.Run("Compaction", func(t *testing.T) {
		a.Remove(0)
		assert.Equal(t, last, f.Bonds().Bonds(0))
	})

	t.Run("Restart", func(t *testing.T) {
		var extra []float64
		for i := 0; i < 2; i++ {
			buf := make([]float64, f.MaxSizeRestart())
			m, err := f.PackRestart(i, buf)
			require.NoError(t, err)
			assert.Equal(t, f.SizeRestart(i), m)
			extra = append(extra, buf[:m]...)
		}
		require.NoError(t, f.UnpackRestart(2, extra, 1))
		assert.Equal(t, f.Bonds().Bonds(1), f.Bonds().Bonds(2))
		assert.Error(t, f.UnpackRestart(2, extra, 3))
	})

	assert.Equal(t, f.Bonds().MemoryUsage(), f.MemoryUsage())
	assert.Positive(t, f.MemoryUsage())
}

// line places 4 particles per rank on the x axis at unit spacing
func line(rank int) *particles.Arrays {
	a := particles.NewArrays(3, 8)
	for k := 0; k < 4; k++ {
		addLocal(a, int64(4*rank+k+1), [3]float64{float64(4*rank + k), 0, 0}, 0.6, particles.AllBit)
	}
	return a
}

func TestResetAcrossRanks(t *testing.T) {
	world := comm.NewWorld(2)
	var mu sync.Mutex
	ghostRadius := make(map[int]float64)
	ghostX0 := make(map[int][3]float64)
	boundary := make(map[int][]bonds.Bond)

	err := world.Run(context.Background(), func(ctx context.Context, c comm.Communicator) error {
		rank := c.Rank()
		a := line(rank)
		for i := 0; i < a.NLocal; i++ {
			a.X[i][0] *= 1.1
		}
		e := newEngine(c, a)
		plan, err := exchange.BuildGhosts(c, a, func(i int, dst []int) []int {
			if rank == 0 && a.Tag[i] == 4 {
				return append(dst, 1)
			}
			if rank == 1 && a.Tag[i] == 5 {
				return append(dst, 0)
			}
			return dst
		})
		if err != nil {
			return err
		}
		e.plan = plan

		src := uniform(a.NLocal, stretch, 2)
		// Only one rank asks; both reset
		if rank == 1 {
			src.flag = 1
		}
		f, err := New(Options{Arrays: a, Comm: c, Source: src, Lists: e, Forward: e})
		if err != nil {
			return err
		}
		if _, err := f.PreExchange(5); err != nil {
			return err
		}

		mu.Lock()
		defer mu.Unlock()
		ghostRadius[rank] = a.Radius[a.NLocal]
		ghostX0[rank] = a.X0[a.NLocal]
		edge := 3
		if rank == 1 {
			edge = 0
		}
		boundary[rank] = append([]bonds.Bond(nil), f.Bonds().Bonds(edge)...)
		return nil
	})
	require.NoError(t, err)

	for rank := 0; rank < 2; rank++ {
		assert.InDelta(t, 0.72, ghostRadius[rank], 1e-14, "rank %d ghost radius", rank)
	}
	assert.InDelta(t, 4.4, ghostX0[0][0], 1e-14)
	assert.InDelta(t, 3.3, ghostX0[1][0], 1e-14)

	// Tag 4 on rank 0 and tag 5 on rank 1 bond to each other through ghosts
	partners := func(bs []bonds.Bond) []int64 {
		var out []int64
		for _, b := range bs {
			out = append(out, b.Partner)
		}
		return out
	}
	assert.ElementsMatch(t, []int64{3, 5}, partners(boundary[0]))
	assert.ElementsMatch(t, []int64{4, 6}, partners(boundary[1]))
	wf, _ := kernel.Spiky(1.44, 1.1, 3)
	for _, b := range append(boundary[0], boundary[1]...) {
		assert.InDelta(t, wf, b.Value, 1e-9)
	}
}

func TestMaxSizeRestartAgreesAcrossRanks(t *testing.T) {
	world := comm.NewWorld(2)
	var mu sync.Mutex
	sizes := make(map[int]int)

	err := world.Run(context.Background(), func(ctx context.Context, c comm.Communicator) error {
		a := line(c.Rank())
		e := newEngine(c, a)
		f, err := New(Options{Arrays: a, Comm: c, Source: uniform(a.NLocal, stretch, 2), Lists: e, Forward: e})
		if err != nil {
			return err
		}
		if err := f.Setup(1); err != nil {
			return err
		}
		// Rank 1 receives a particle carrying more bonds than its rows hold
		if c.Rank() == 1 {
			record := []float64{5, 1, 0, 0, 2, 0, 0, 3, 0, 0, 4, 0, 0, 9, 0, 0}
			if _, err := f.UnpackExchange(a.NLocal, record); err != nil {
				return err
			}
		}
		size := f.MaxSizeRestart()

		mu.Lock()
		defer mu.Unlock()
		sizes[c.Rank()] = size
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, bonds.CheckpointSize(5), sizes[0])
	assert.Equal(t, bonds.CheckpointSize(5), sizes[1])
}
