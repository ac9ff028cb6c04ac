package particles

import (
	"github.com/notargets/tlsph/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"testing"
)

type recordingCallback struct {
	nmax   []int
	copies [][2]int
}

func (r *recordingCallback) GrowArrays(nmax int) { r.nmax = append(r.nmax, nmax) }
func (r *recordingCallback) CopyArrays(i, j int) { r.copies = append(r.copies, [2]int{i, j}) }

func particle(tag int64, x float64) Particle {
	return Particle{
		Tag:      tag,
		X:        [3]float64{x, 0, 0},
		X0:       [3]float64{x, 0, 0},
		Radius:   1,
		Vfrac:    1,
		DefGrad0: utils.Identity3(),
		Mask:     AllBit,
	}
}

func TestGrowInDeltaIncrements(t *testing.T) {
	a := NewArrays(3, 4)
	cb := &recordingCallback{}
	a.AddCallback(cb)
	assert.Equal(t, []int{0}, cb.nmax)

	for i := 0; i < 5; i++ {
		a.AddLocal(particle(int64(100+i), float64(i)))
	}
	// 1 -> 4 slots, 5 -> 8 slots
	assert.Equal(t, 8, a.NMax())
	assert.Equal(t, []int{0, 4, 8}, cb.nmax)
	assert.Len(t, a.DefGrad0, 8)
	assert.Len(t, a.Mask, 8)
}

func TestRemoveCompacts(t *testing.T) {
	a := NewArrays(3, 16)
	cb := &recordingCallback{}
	a.AddCallback(cb)
	for i := 0; i < 4; i++ {
		a.AddLocal(particle(int64(10+i), float64(i)))
	}
	a.AddGhost(particle(99, 9))

	a.Remove(1)
	assert.Equal(t, 3, a.NLocal)
	assert.Equal(t, 0, a.NGhost)
	assert.Equal(t, int64(13), a.Tag[1])
	assert.Equal(t, [][2]int{{3, 1}}, cb.copies)
	assert.Equal(t, 1, a.Map(13))
	assert.Equal(t, -1, a.Map(11))
	assert.Equal(t, -1, a.Map(99))

	// Removing the last owned particle needs no copy
	a.Remove(2)
	assert.Equal(t, 2, a.NLocal)
	assert.Len(t, cb.copies, 1)
}

func TestMapPrefersOwned(t *testing.T) {
	a := NewArrays(2, 8)
	a.AddLocal(particle(1, 0))
	a.AddGhost(particle(2, 1))
	a.AddGhost(particle(1, 5)) // periodic image of an owned particle
	assert.Equal(t, 0, a.Map(1))
	assert.Equal(t, 1, a.Map(2))

	a.RebuildMap()
	assert.Equal(t, 0, a.Map(1))

	a.MapEnabled = false
	assert.Equal(t, -1, a.Map(1))
}

func TestAddLocalRequiresNoGhosts(t *testing.T) {
	a := NewArrays(3, 8)
	a.AddGhost(particle(1, 0))
	assert.Panics(t, func() { a.AddLocal(particle(2, 0)) })
	a.ClearGhosts()
	assert.NotPanics(t, func() { a.AddLocal(particle(2, 0)) })
}

func TestGroups(t *testing.T) {
	g := NewGroups()
	bit, ok := g.Find("all")
	require.True(t, ok)
	assert.Equal(t, AllBit, bit)

	solid, err := g.Add("solid")
	require.NoError(t, err)
	assert.Equal(t, uint32(2), solid)
	again, err := g.Add("solid")
	require.NoError(t, err)
	assert.Equal(t, solid, again)

	for i := 2; i < MaxGroups; i++ {
		_, err = g.Add(string(rune('a' + i)))
		require.NoError(t, err)
	}
	_, err = g.Add("overflow")
	assert.Error(t, err)
}

func TestPackCoreRoundTrip(t *testing.T) {
	a := NewArrays(3, 8)
	p := Particle{
		Tag:      1 << 40,
		X:        [3]float64{1, 2, 3},
		X0:       [3]float64{-1, -2, -3},
		Radius:   0.75,
		Vfrac:    0.125,
		DefGrad0: utils.Mat3{1, 2, 3, 4, 5, 6, 7, 8, 9},
		Mask:     AllBit | 1<<31,
	}
	i := a.AddLocal(p)

	buf := make([]float64, CoreSize+2)
	require.Equal(t, CoreSize, a.PackCore(i, buf))
	got, err := UnpackCore(buf)
	require.NoError(t, err)
	assert.Equal(t, p, got)

	_, err = UnpackCore(buf[:CoreSize-1])
	assert.Error(t, err)
}
