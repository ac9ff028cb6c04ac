package exchange

import (
	"fmt"
	"github.com/notargets/tlsph/comm"
	"github.com/notargets/tlsph/particles"
	"sort"
)

// Selector returns the ranks that need a ghost copy of owned slot i, appending
// them to dst
type Selector func(i int, dst []int) []int

// BuildGhosts replaces the ghosts of a with fresh copies from the ranks that
// select them and returns the plan for later forward exchanges. It is
// collective.
func BuildGhosts(c comm.Communicator, a *particles.Arrays, sel Selector) (*GhostPlan, error) {
	a.ClearGhosts()
	gp := &GhostPlan{Rank: c.Rank()}

	// First pass: decide which owned particles each neighbor rank needs
	picks := make(map[int][]int)
	var targets []int
	for i := 0; i < a.NLocal; i++ {
		targets = sel(i, targets[:0])
		for _, r := range targets {
			if r == c.Rank() {
				continue
			}
			picks[r] = append(picks[r], i)
		}
	}

	// Second pass: pack core fields per target and exchange
	send := make(map[int][]float64, len(picks))
	for r, idx := range picks {
		gp.Picks = append(gp.Picks, PickBuffer{Indices: idx, TargetRank: r})
		buf := make([]float64, len(idx)*particles.CoreSize)
		m := 0
		for _, i := range idx {
			m += a.PackCore(i, buf[m:])
		}
		send[r] = buf
	}
	recv := c.Exchange(send)

	sources := make([]int, 0, len(recv))
	for src := range recv {
		sources = append(sources, src)
	}
	sort.Ints(sources)
	for _, src := range sources {
		buf := recv[src]
		if len(buf)%particles.CoreSize != 0 {
			return nil, fmt.Errorf("ghost payload of %d scalars from rank %d", len(buf), src)
		}
		place := PlaceBuffer{First: a.NAll(), SourceRank: src}
		for m := 0; m < len(buf); m += particles.CoreSize {
			p, err := particles.UnpackCore(buf[m:])
			if err != nil {
				return nil, fmt.Errorf("ghost from rank %d: %w", src, err)
			}
			a.AddGhost(p)
			place.Count++
		}
		gp.Places = append(gp.Places, place)
	}
	gp.sort()

	if err := ValidateSymmetry(c, gp); err != nil {
		return nil, fmt.Errorf("asymmetric communication pattern: %w", err)
	}
	if err := gp.Verify(a.NLocal, a.NGhost); err != nil {
		return nil, err
	}
	return gp, nil
}

// ValidateSymmetry verifies that every rank expects to receive exactly what
// its peers send it. It is collective.
func ValidateSymmetry(c comm.Communicator, gp *GhostPlan) error {
	send := make(map[int][]float64, len(gp.Picks))
	for _, p := range gp.Picks {
		send[p.TargetRank] = []float64{float64(len(p.Indices))}
	}
	recv := c.Exchange(send)

	var err error
	for src, counts := range recv {
		place, ok := gp.Place(src)
		switch {
		case counts[0] == 0 && !ok:
		case !ok:
			err = fmt.Errorf("rank %d sends %g particles to %d, but %d doesn't expect them",
				src, counts[0], gp.Rank, gp.Rank)
		case int(counts[0]) != place.Count:
			err = fmt.Errorf("count mismatch: rank %d sends %g to %d, but %d expects %d",
				src, counts[0], gp.Rank, gp.Rank, place.Count)
		}
	}
	for _, p := range gp.Places {
		if _, ok := recv[p.SourceRank]; !ok && p.Count > 0 {
			err = fmt.Errorf("rank %d expects to receive from %d, but %d doesn't send",
				gp.Rank, p.SourceRank, p.SourceRank)
		}
	}
	return err
}
