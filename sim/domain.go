package sim

import (
	"fmt"
	"math"
)

// Slab splits [Lo, Hi) along x into equal slabs, one per rank. Positions
// outside the extent belong to the first or last slab.
type Slab struct {
	Lo, Hi float64
	Ranks  int
}

// NewSlab validates and returns a decomposition
func NewSlab(lo, hi float64, ranks int) (Slab, error) {
	if !(hi > lo) || ranks < 1 {
		return Slab{}, fmt.Errorf("invalid slab decomposition [%g, %g) over %d ranks", lo, hi, ranks)
	}
	return Slab{Lo: lo, Hi: hi, Ranks: ranks}, nil
}

// Width is the x extent of one slab
func (s Slab) Width() float64 { return (s.Hi - s.Lo) / float64(s.Ranks) }

// Bounds returns the x range owned by rank
func (s Slab) Bounds(rank int) (lo, hi float64) {
	w := s.Width()
	return s.Lo + float64(rank)*w, s.Lo + float64(rank+1)*w
}

// Owner returns the rank owning position x
func (s Slab) Owner(x [3]float64) int {
	r := int(math.Floor((x[0] - s.Lo) / s.Width()))
	if r < 0 {
		return 0
	}
	if r >= s.Ranks {
		return s.Ranks - 1
	}
	return r
}

// Neighbors appends the ranks whose slab lies within cutoff of x, excluding
// the owner
func (s Slab) Neighbors(x [3]float64, cutoff float64, dst []int) []int {
	owner := s.Owner(x)
	for r := owner - 1; r >= 0; r-- {
		_, hi := s.Bounds(r)
		if x[0]-hi >= cutoff {
			break
		}
		dst = append(dst, r)
	}
	for r := owner + 1; r < s.Ranks; r++ {
		lo, _ := s.Bounds(r)
		if lo-x[0] > cutoff {
			break
		}
		dst = append(dst, r)
	}
	return dst
}
