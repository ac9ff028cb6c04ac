// Package exchange keeps ghost copies of remote particles in step with their
// owners. A GhostPlan records, per neighbor rank, which owned slots are
// picked for sending and where the received copies are placed.
package exchange

import (
	"fmt"
	"sort"
)

// PickBuffer contains the owned slots gathered for one target rank
type PickBuffer struct {
	Indices    []int // Owned particle slots, in send order
	TargetRank int
}

// PlaceBuffer describes the contiguous ghost range filled from one source rank
type PlaceBuffer struct {
	First      int // First ghost slot
	Count      int // Number of ghosts received
	SourceRank int
}

// GhostPlan manages forward communication for one rank. Buffers are sized in
// scalars for the widest per-particle payload seen so far and reused.
type GhostPlan struct {
	Rank   int
	Picks  []PickBuffer  // Sorted by TargetRank
	Places []PlaceBuffer // Sorted by SourceRank

	SendBuffer []float64
	RecvBuffer []float64
}

// Pick returns the pick indices for target, or nil
func (gp *GhostPlan) Pick(target int) []int {
	for _, p := range gp.Picks {
		if p.TargetRank == target {
			return p.Indices
		}
	}
	return nil
}

// Place returns the place range for source
func (gp *GhostPlan) Place(source int) (PlaceBuffer, bool) {
	for _, p := range gp.Places {
		if p.SourceRank == source {
			return p, true
		}
	}
	return PlaceBuffer{}, false
}

// NumSend returns the total number of particles sent per forward exchange
func (gp *GhostPlan) NumSend() int {
	n := 0
	for _, p := range gp.Picks {
		n += len(p.Indices)
	}
	return n
}

// NumRecv returns the total number of ghosts received per forward exchange
func (gp *GhostPlan) NumRecv() int {
	n := 0
	for _, p := range gp.Places {
		n += p.Count
	}
	return n
}

// RequiresRemoteCommunication reports whether any particle crosses ranks
func (gp *GhostPlan) RequiresRemoteCommunication() bool {
	return gp.NumSend() > 0 || gp.NumRecv() > 0
}

// Verify checks that picks address owned slots and places tile the ghost
// range [nlocal, nlocal+nghost) without gaps
func (gp *GhostPlan) Verify(nlocal, nghost int) error {
	for _, p := range gp.Picks {
		if p.TargetRank == gp.Rank {
			return fmt.Errorf("rank %d picks particles for itself", gp.Rank)
		}
		for _, idx := range p.Indices {
			if idx < 0 || idx >= nlocal {
				return fmt.Errorf("invalid pick index %d for rank %d (max %d)",
					idx, p.TargetRank, nlocal-1)
			}
		}
	}

	next := nlocal
	for _, p := range gp.Places {
		if p.First != next {
			return fmt.Errorf("ghosts from rank %d start at %d, expected %d",
				p.SourceRank, p.First, next)
		}
		next += p.Count
	}
	if next != nlocal+nghost {
		return fmt.Errorf("conservation error: places cover %d ghosts, have %d",
			next-nlocal, nghost)
	}
	return nil
}

func (gp *GhostPlan) sort() {
	sort.Slice(gp.Picks, func(i, j int) bool { return gp.Picks[i].TargetRank < gp.Picks[j].TargetRank })
	sort.Slice(gp.Places, func(i, j int) bool { return gp.Places[i].SourceRank < gp.Places[j].SourceRank })
}

func (gp *GhostPlan) sendBuffer(n int) []float64 {
	if cap(gp.SendBuffer) < n {
		gp.SendBuffer = make([]float64, n)
	}
	gp.SendBuffer = gp.SendBuffer[:n]
	return gp.SendBuffer
}
