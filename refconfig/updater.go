package refconfig

import (
	"github.com/notargets/tlsph/particles"
	"github.com/notargets/tlsph/utils"
	"math"
)

// State is the updater's position in the reset cycle
type State int

const (
	Stable    State = iota // Waiting for a reset request
	Resetting              // Rewriting the reference configuration
)

func (s State) String() string {
	switch s {
	case Stable:
		return "stable"
	case Resetting:
		return "resetting"
	}
	return "unknown"
}

// Params tunes the per-particle reset
type Params struct {
	VolumeRatioMin         float64 // Lower clamp on det(Fincr)
	VolumeRatioMax         float64 // Upper clamp on det(Fincr)
	UnderResolvedNeighbors int     // Particles with fewer neighbors grow by RadiusGrowth
	RadiusGrowth           float64
}

// DefaultParams returns the standard reset parameters
func DefaultParams() Params {
	return Params{
		VolumeRatioMin:         0.8,
		VolumeRatioMax:         1.2,
		UnderResolvedNeighbors: 15,
		RadiusGrowth:           1.2,
	}
}

// ClampVolumeRatio limits J to [lo, hi]. A NaN ratio maps to lo.
func ClampVolumeRatio(J, lo, hi float64) float64 {
	if !(J > lo) {
		J = lo
	}
	if J > hi {
		J = hi
	}
	return J
}

// RadiusScale is the factor applied to a particle's radius at reset.
// Under-resolved particles grow by a fixed factor; the rest follow the
// volume change.
func (p Params) RadiusScale(neighbors int, J float64, dim int) float64 {
	if neighbors < p.UnderResolvedNeighbors {
		return p.RadiusGrowth
	}
	return math.Pow(J, 1/float64(dim))
}

// ResetParticle moves particle i's reference configuration to its current
// configuration: x0 = x, F0 = F0 × Fincr, and volume and radius follow the
// clamped volume ratio
func (p Params) ResetParticle(a *particles.Arrays, i int, fincr utils.Mat3, neighbors int) {
	a.X0[i] = a.X[i]
	a.DefGrad0[i] = a.DefGrad0[i].Mul(fincr)

	J := ClampVolumeRatio(fincr.Det(), p.VolumeRatioMin, p.VolumeRatioMax)
	a.Vfrac[i] *= J
	a.Radius[i] *= p.RadiusScale(neighbors, J, a.Dimension)
}
