package exchange

import (
	"github.com/notargets/tlsph/comm"
	"math"
)

// Stats describes load balance and ghost traffic across ranks
type Stats struct {
	NumRanks  int
	MinOwned  int
	MaxOwned  int
	AvgOwned  float64
	Imbalance float64 // MaxOwned / AvgOwned

	MaxGhosts    int // Largest ghost count on any rank
	TotalGhosts  int
	MaxNeighbors int // Most peer ranks any rank exchanges with
}

// Statistics gathers Stats for the current decomposition. It is collective.
func Statistics(c comm.Communicator, nlocal int, gp *GhostPlan) Stats {
	total := c.AllReduceSumInt(nlocal)
	stats := Stats{
		NumRanks: c.Size(),
		MinOwned: -c.AllReduceMaxInt(-nlocal),
		MaxOwned: c.AllReduceMaxInt(nlocal),
		AvgOwned: float64(total) / float64(c.Size()),
	}
	if stats.AvgOwned > 0 {
		stats.Imbalance = float64(stats.MaxOwned) / stats.AvgOwned
	} else {
		stats.Imbalance = math.NaN()
	}

	ghosts := gp.NumRecv()
	stats.MaxGhosts = c.AllReduceMaxInt(ghosts)
	stats.TotalGhosts = c.AllReduceSumInt(ghosts)

	peers := make(map[int]bool)
	for _, p := range gp.Picks {
		peers[p.TargetRank] = true
	}
	for _, p := range gp.Places {
		peers[p.SourceRank] = true
	}
	stats.MaxNeighbors = c.AllReduceMaxInt(len(peers))
	return stats
}
