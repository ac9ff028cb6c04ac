// Package comm provides the collective operations the bond bookkeeping needs:
// global max and sum reductions and an all-to-all exchange of scalar buffers.
//
// Every rank must call the same collectives in the same order. A rank that
// stalls blocks all others; a rank that fails aborts the whole world.
package comm

// Communicator is the per-rank handle onto a process group
type Communicator interface {
	Rank() int
	Size() int

	// AllReduceMaxInt returns the maximum of v over all ranks
	AllReduceMaxInt(v int) int
	// AllReduceSumInt returns the sum of v over all ranks
	AllReduceSumInt(v int) int

	// Exchange delivers send[dst] to rank dst and returns what every other
	// rank addressed to this one, keyed by source rank. Ranks with nothing
	// to send or receive are simply absent from the maps.
	Exchange(send map[int][]float64) map[int][]float64
}

// Serial is the single-rank Communicator; every reduction is the identity
type Serial struct{}

var _ Communicator = Serial{}

func (Serial) Rank() int                 { return 0 }
func (Serial) Size() int                 { return 1 }
func (Serial) AllReduceMaxInt(v int) int { return v }
func (Serial) AllReduceSumInt(v int) int { return v }

func (Serial) Exchange(send map[int][]float64) map[int][]float64 {
	recv := make(map[int][]float64)
	if buf, ok := send[0]; ok {
		recv[0] = append([]float64(nil), buf...)
	}
	return recv
}
