// Package neighbor builds the half neighbor list the bond rebuild walks: every
// unordered pair of owned particles appears once, and every owned-ghost pair
// appears with the owned particle first.
package neighbor

import (
	"fmt"
	"github.com/notargets/tlsph/particles"
	"gonum.org/v1/gonum/spatial/kdtree"
	"math"
	"sort"
)

// List is a half neighbor list over one rank's particle slots
type List struct {
	Owned     []int   // Owned slots with a neighbor row, in ascending order
	Neighbors [][]int // Neighbors[ii] are the partner slots of Owned[ii]
}

// Len returns the number of rows
func (l *List) Len() int { return len(l.Owned) }

// Pairs returns the number of stored pairs
func (l *List) Pairs() int {
	n := 0
	for _, row := range l.Neighbors {
		n += len(row)
	}
	return n
}

// Builder finds candidate pairs with a k-d tree over the member particles.
// Two particles are candidates when their separation is at most
// radius_i + radius_j + Skin.
type Builder struct {
	Skin     float64
	GroupBit uint32 // Only pairs where both particles carry this bit; zero means all
}

// NewBuilder returns a Builder with the given skin distance
func NewBuilder(skin float64, groupBit uint32) *Builder {
	if skin < 0 {
		panic(fmt.Sprintf("neighbor: negative skin %g", skin))
	}
	return &Builder{Skin: skin, GroupBit: groupBit}
}

// Build constructs the half list over owned and ghost slots of a
func (b *Builder) Build(a *particles.Arrays) *List {
	list := &List{}
	if a.NLocal == 0 {
		return list
	}

	var maxRadius float64
	members := make(sites, 0, a.NAll())
	for i := 0; i < a.NAll(); i++ {
		if b.member(a, i) {
			maxRadius = math.Max(maxRadius, a.Radius[i])
			members = append(members, site{slot: i, x: a.X[i], dims: a.Dimension})
		}
	}
	tree := kdtree.New(members, false)

	for i := 0; i < a.NLocal; i++ {
		if !b.member(a, i) {
			continue
		}
		reach := a.Radius[i] + maxRadius + b.Skin
		keep := kdtree.NewDistKeeper(reach * reach)
		tree.NearestSet(keep, site{slot: i, x: a.X[i], dims: a.Dimension})

		var row []int
		for _, c := range keep.Heap {
			j := c.Comparable.(site).slot
			if j == i || (j < a.NLocal && j < i) {
				continue
			}
			cut := a.Radius[i] + a.Radius[j] + b.Skin
			if c.Dist <= cut*cut {
				row = append(row, j)
			}
		}
		sort.Ints(row)
		list.Owned = append(list.Owned, i)
		list.Neighbors = append(list.Neighbors, row)
	}
	return list
}

func (b *Builder) member(a *particles.Arrays, i int) bool {
	return b.GroupBit == 0 || a.Mask[i]&b.GroupBit != 0
}

// site is a particle slot stored in the k-d tree
type site struct {
	slot int
	x    [3]float64
	dims int
}

func (p site) Compare(c kdtree.Comparable, d kdtree.Dim) float64 { return p.x[d] - c.(site).x[d] }
func (p site) Dims() int                                         { return p.dims }
func (p site) Distance(c kdtree.Comparable) float64              { return dist2(p.x, c.(site).x) }

type sites []site

func (s sites) Index(i int) kdtree.Comparable         { return s[i] }
func (s sites) Len() int                              { return len(s) }
func (s sites) Slice(start, end int) kdtree.Interface { return s[start:end] }
func (s sites) Pivot(d kdtree.Dim) int {
	p := plane{sites: s, dim: d}
	return kdtree.Partition(p, kdtree.MedianOfRandoms(p, 100))
}

// plane orders sites along one coordinate for median selection
type plane struct {
	sites
	dim kdtree.Dim
}

func (p plane) Less(i, j int) bool                     { return p.sites[i].x[p.dim] < p.sites[j].x[p.dim] }
func (p plane) Swap(i, j int)                          { p.sites[i], p.sites[j] = p.sites[j], p.sites[i] }
func (p plane) Slice(start, end int) kdtree.SortSlicer { return plane{sites: p.sites[start:end], dim: p.dim} }

func dist2(a, b [3]float64) float64 {
	dx, dy, dz := a[0]-b[0], a[1]-b[1], a[2]-b[2]
	return dx*dx + dy*dy + dz*dz
}
