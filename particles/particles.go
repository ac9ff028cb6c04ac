// Package particles holds the per-particle arrays owned by the outer engine:
// identifiers, current and reference positions, interaction radius, volume,
// reference deformation gradient and group mask.
//
// Owned particles occupy slots [0, NLocal); ghost copies of remote particles
// follow in [NLocal, NLocal+NGhost). Components that keep their own
// per-particle state register a Callback so growth and compaction reach them.
package particles

import (
	"fmt"
	"github.com/notargets/tlsph/utils"
)

// DefaultGrowthDelta is the slot increment used when arrays must grow
const DefaultGrowthDelta = 16384

// Callback is implemented by components holding per-particle state that must
// follow the engine's arrays
type Callback interface {
	// GrowArrays is called after the engine arrays grew to nmax slots
	GrowArrays(nmax int)
	// CopyArrays copies the state of slot i into slot j
	CopyArrays(i, j int)
}

// Particle is one particle's engine-owned fields
type Particle struct {
	Tag      int64
	X        [3]float64
	X0       [3]float64
	Radius   float64
	Vfrac    float64
	DefGrad0 utils.Mat3
	Mask     uint32
}

// Arrays is the structure-of-arrays particle storage of one rank
type Arrays struct {
	Dimension int // 2 or 3

	NLocal int // Owned particles
	NGhost int // Ghost copies following the owned particles

	// FirstGroupBit, when non-zero, names a group whose members are sorted
	// to the front of the owned particles; NFirst counts them
	FirstGroupBit uint32
	NFirst        int

	Tag      []int64
	X        [][3]float64
	X0       [][3]float64
	Radius   []float64
	Vfrac    []float64
	DefGrad0 []utils.Mat3
	Mask     []uint32

	TagEnabled bool // Particles carry unique identifiers
	MapEnabled bool // Tag -> slot lookup is maintained

	growthDelta int
	tagMap      map[int64]int
	callbacks   []Callback
}

// NewArrays creates empty arrays for the given dimension. Tags and the tag
// map are enabled; a zero growthDelta selects DefaultGrowthDelta.
func NewArrays(dimension, growthDelta int) *Arrays {
	if dimension != 2 && dimension != 3 {
		panic(fmt.Sprintf("particles: dimension must be 2 or 3, got %d", dimension))
	}
	if growthDelta <= 0 {
		growthDelta = DefaultGrowthDelta
	}
	return &Arrays{
		Dimension:   dimension,
		TagEnabled:  true,
		MapEnabled:  true,
		growthDelta: growthDelta,
		tagMap:      make(map[int64]int),
	}
}

// NMax returns the allocated slot capacity
func (a *Arrays) NMax() int { return len(a.Tag) }

// NAll returns owned plus ghost particles
func (a *Arrays) NAll() int { return a.NLocal + a.NGhost }

// GrowthDelta returns the slot increment used by Grow
func (a *Arrays) GrowthDelta() int { return a.growthDelta }

// AddCallback registers cb and brings it up to the current capacity
func (a *Arrays) AddCallback(cb Callback) {
	a.callbacks = append(a.callbacks, cb)
	cb.GrowArrays(a.NMax())
}

// DeleteCallback unregisters cb
func (a *Arrays) DeleteCallback(cb Callback) {
	for i, c := range a.callbacks {
		if c == cb {
			a.callbacks = append(a.callbacks[:i], a.callbacks[i+1:]...)
			return
		}
	}
}

// Grow ensures at least n slots, growing in whole multiples of the growth
// delta. Registered callbacks are told the new capacity.
func (a *Arrays) Grow(n int) {
	if n <= a.NMax() {
		return
	}
	nmax := n/a.growthDelta*a.growthDelta + a.growthDelta
	extra := nmax - a.NMax()

	a.Tag = append(a.Tag, make([]int64, extra)...)
	a.X = append(a.X, make([][3]float64, extra)...)
	a.X0 = append(a.X0, make([][3]float64, extra)...)
	a.Radius = append(a.Radius, make([]float64, extra)...)
	a.Vfrac = append(a.Vfrac, make([]float64, extra)...)
	a.DefGrad0 = append(a.DefGrad0, make([]utils.Mat3, extra)...)
	a.Mask = append(a.Mask, make([]uint32, extra)...)

	for _, cb := range a.callbacks {
		cb.GrowArrays(nmax)
	}
}

// Get returns the fields stored in slot i
func (a *Arrays) Get(i int) Particle {
	return Particle{
		Tag:      a.Tag[i],
		X:        a.X[i],
		X0:       a.X0[i],
		Radius:   a.Radius[i],
		Vfrac:    a.Vfrac[i],
		DefGrad0: a.DefGrad0[i],
		Mask:     a.Mask[i],
	}
}

// Set overwrites slot i with p
func (a *Arrays) Set(i int, p Particle) {
	a.Tag[i] = p.Tag
	a.X[i] = p.X
	a.X0[i] = p.X0
	a.Radius[i] = p.Radius
	a.Vfrac[i] = p.Vfrac
	a.DefGrad0[i] = p.DefGrad0
	a.Mask[i] = p.Mask
}

// AddLocal appends an owned particle and returns its slot. Ghosts must have
// been cleared, since owned particles precede them.
func (a *Arrays) AddLocal(p Particle) int {
	if a.NGhost != 0 {
		panic("particles: AddLocal called with ghosts present; ClearGhosts first")
	}
	i := a.NLocal
	a.Grow(i + 1)
	a.Set(i, p)
	a.NLocal++
	a.mapSet(p.Tag, i)
	return i
}

// AddGhost appends a ghost copy and returns its slot
func (a *Arrays) AddGhost(p Particle) int {
	i := a.NAll()
	a.Grow(i + 1)
	a.Set(i, p)
	a.NGhost++
	if _, owned := a.tagMap[p.Tag]; !owned {
		a.mapSet(p.Tag, i)
	}
	return i
}

// ClearGhosts drops all ghost copies
func (a *Arrays) ClearGhosts() {
	for i := a.NLocal; i < a.NAll(); i++ {
		if j, ok := a.tagMap[a.Tag[i]]; ok && j == i {
			delete(a.tagMap, a.Tag[i])
		}
	}
	a.NGhost = 0
}

// Remove deletes owned particle i by moving the last owned particle into its
// slot. Ghosts are cleared first because their slots shift.
func (a *Arrays) Remove(i int) {
	if i < 0 || i >= a.NLocal {
		panic(fmt.Sprintf("particles: Remove(%d) outside owned range [0,%d)", i, a.NLocal))
	}
	a.ClearGhosts()
	delete(a.tagMap, a.Tag[i])
	last := a.NLocal - 1
	if i != last {
		a.Copy(last, i)
		a.mapSet(a.Tag[i], i)
	}
	a.NLocal--
}

// Copy copies slot i into slot j, including callback-held state
func (a *Arrays) Copy(i, j int) {
	a.Set(j, a.Get(i))
	for _, cb := range a.callbacks {
		cb.CopyArrays(i, j)
	}
}

// Map returns the slot holding tag, preferring the owned copy, or -1
func (a *Arrays) Map(tag int64) int {
	if !a.MapEnabled {
		return -1
	}
	if i, ok := a.tagMap[tag]; ok {
		return i
	}
	return -1
}

// RebuildMap recomputes the tag map from scratch
func (a *Arrays) RebuildMap() {
	a.tagMap = make(map[int64]int, a.NAll())
	for i := a.NAll() - 1; i >= 0; i-- {
		a.tagMap[a.Tag[i]] = i
	}
}

func (a *Arrays) mapSet(tag int64, i int) {
	if a.MapEnabled {
		a.tagMap[tag] = i
	}
}
