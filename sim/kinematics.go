package sim

import (
	"github.com/notargets/tlsph/bonds"
	"github.com/notargets/tlsph/particles"
	"github.com/notargets/tlsph/refconfig"
	"github.com/notargets/tlsph/utils"
	"gonum.org/v1/gonum/mat"
	"math"
)

// Kinematics estimates every owned particle's incremental deformation
// gradient from the current and reference positions of its bonded partners
// and asks for a reset once the volume change of any particle exceeds
// Threshold. It stands in for a TLSPH pair style.
type Kinematics struct {
	Threshold float64

	flag  int
	fincr []utils.Mat3
	nn    []int
}

var _ refconfig.DeformationSource = (*Kinematics)(nil)

func (k *Kinematics) UpdateFlag() int                      { return k.flag }
func (k *Kinematics) IncrementalDeformation() []utils.Mat3 { return k.fincr }
func (k *Kinematics) NeighborCounts() []int                { return k.nn }

// Update recomputes the gradients from the bonds in store. Partners that are
// neither owned nor ghosts are skipped.
func (k *Kinematics) Update(a *particles.Arrays, store *bonds.Store) {
	if cap(k.fincr) < a.NLocal {
		k.fincr = make([]utils.Mat3, a.NLocal)
		k.nn = make([]int, a.NLocal)
	}
	k.fincr = k.fincr[:a.NLocal]
	k.nn = k.nn[:a.NLocal]
	k.flag = 0

	for i := 0; i < a.NLocal; i++ {
		k.fincr[i] = utils.Identity3()
		k.nn[i] = 0
		if i >= store.Slots() {
			continue
		}
		shape := mat.NewDense(3, 3, nil)
		deformed := mat.NewDense(3, 3, nil)
		for _, b := range store.Bonds(i) {
			j := a.Map(b.Partner)
			if j < 0 {
				continue
			}
			k.nn[i]++
			var dx, dx0 [3]float64
			for d := 0; d < 3; d++ {
				dx[d] = a.X[j][d] - a.X[i][d]
				dx0[d] = a.X0[j][d] - a.X0[i][d]
			}
			for r := 0; r < 3; r++ {
				for c := 0; c < 3; c++ {
					shape.Set(r, c, shape.At(r, c)+b.Value*dx0[r]*dx0[c])
					deformed.Set(r, c, deformed.At(r, c)+b.Value*dx[r]*dx0[c])
				}
			}
		}
		if a.Dimension == 2 {
			shape.Set(2, 2, 1)
			deformed.Set(2, 2, 1)
		}

		var inv mat.Dense
		if err := inv.Inverse(shape); err != nil {
			continue
		}
		var f mat.Dense
		f.Mul(deformed, &inv)
		k.fincr[i] = utils.Mat3FromDense(&f)

		if math.Abs(k.fincr[i].Det()-1) > k.Threshold {
			k.flag = 1
		}
	}
}
