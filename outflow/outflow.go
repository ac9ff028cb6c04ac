// Package outflow deletes particles that leave the simulated domain through
// an outflow region
package outflow

import (
	"errors"
	"fmt"
	"github.com/notargets/tlsph/comm"
	"github.com/notargets/tlsph/particles"
	"log/slog"
	"unsafe"
)

// ErrFirstGroup is returned when asked to delete from the sorted first group
var ErrFirstGroup = errors.New("cannot delete particles in the first group")

// Region is a volume particles can be tested against
type Region interface {
	Contains(x [3]float64) bool
}

// Box is an axis-aligned region, closed at Lo and open at Hi
type Box struct {
	Lo, Hi [3]float64
}

// Contains reports whether x lies inside the box
func (b Box) Contains(x [3]float64) bool {
	for d := 0; d < 3; d++ {
		if x[d] < b.Lo[d] || x[d] >= b.Hi[d] {
			return false
		}
	}
	return true
}

// Fix removes owned group members inside a region every Every steps
type Fix struct {
	Every    int
	GroupBit uint32

	arrays   *particles.Arrays
	comm     comm.Communicator
	region   Region
	log      *slog.Logger
	ndeleted int
	mark     []int
}

// New returns an outflow fix. every must be positive.
func New(a *particles.Arrays, c comm.Communicator, region Region, every int, groupBit uint32, logger *slog.Logger) (*Fix, error) {
	if every <= 0 {
		return nil, fmt.Errorf("outflow interval must be positive, got %d", every)
	}
	if region == nil {
		return nil, fmt.Errorf("outflow requires a region")
	}
	if groupBit == 0 {
		groupBit = particles.AllBit
	}
	if a.FirstGroupBit != 0 && groupBit == a.FirstGroupBit {
		return nil, ErrFirstGroup
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Fix{Every: every, GroupBit: groupBit, arrays: a, comm: c, region: region, log: logger}, nil
}

// PreExchange deletes the marked particles on multiples of Every and returns
// the global number removed. It is collective on those steps.
func (f *Fix) PreExchange(step int64) int {
	if step%int64(f.Every) != 0 {
		return 0
	}
	a := f.arrays
	f.mark = f.mark[:0]
	for i := 0; i < a.NLocal; i++ {
		if a.Mask[i]&f.GroupBit != 0 && f.region.Contains(a.X[i]) {
			f.mark = append(f.mark, i)
		}
	}

	// Descending, so the particle moved into a freed slot is never marked
	for k := len(f.mark) - 1; k >= 0; k-- {
		a.Remove(f.mark[k])
	}
	if len(f.mark) > 0 {
		a.RebuildMap()
	}

	deleted := f.comm.AllReduceSumInt(len(f.mark))
	f.ndeleted += deleted
	if deleted > 0 && f.comm.Rank() == 0 {
		f.log.Info("outflow removed particles", "step", step, "deleted", deleted, "total_deleted", f.ndeleted)
	}
	return deleted
}

// Scalar returns the cumulative number of deleted particles
func (f *Fix) Scalar() float64 { return float64(f.ndeleted) }

// MemoryUsage returns the bytes held by the deletion list
func (f *Fix) MemoryUsage() int64 {
	return int64(cap(f.mark)) * int64(unsafe.Sizeof(int(0)))
}
