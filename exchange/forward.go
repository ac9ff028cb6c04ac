package exchange

import (
	"fmt"
	"github.com/notargets/tlsph/comm"
)

// ForwardPacker is implemented by components that push per-particle state
// from owners to ghosts
type ForwardPacker interface {
	// CommForward is the number of scalars packed per particle
	CommForward() int
	// PackForwardComm writes the state of each slot in list into buf and
	// returns the number of scalars written
	PackForwardComm(list []int, buf []float64) int
	// UnpackForwardComm reads n particles into slots [first, first+n)
	UnpackForwardComm(n, first int, buf []float64)
}

// ForwardComm sends the packer's state of every picked particle to its
// target rank and unpacks what arrives into the matching ghost ranges. It is
// collective.
func ForwardComm(c comm.Communicator, gp *GhostPlan, fp ForwardPacker) error {
	size := fp.CommForward()

	buf := gp.sendBuffer(gp.NumSend() * size)
	send := make(map[int][]float64, len(gp.Picks))
	offset := 0
	for _, p := range gp.Picks {
		m := fp.PackForwardComm(p.Indices, buf[offset:])
		if m != len(p.Indices)*size {
			return fmt.Errorf("packed %d scalars for %d particles of size %d", m, len(p.Indices), size)
		}
		send[p.TargetRank] = buf[offset : offset+m]
		offset += m
	}

	recv := c.Exchange(send)

	gp.RecvBuffer = gp.RecvBuffer[:0]
	for _, p := range gp.Places {
		in := recv[p.SourceRank]
		if len(in) != p.Count*size {
			return fmt.Errorf("rank %d sent %d scalars for %d ghosts of size %d",
				p.SourceRank, len(in), p.Count, size)
		}
		gp.RecvBuffer = append(gp.RecvBuffer, in...)
		fp.UnpackForwardComm(p.Count, p.First, in)
	}
	return nil
}
