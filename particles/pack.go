package particles

import "fmt"

// CoreSize is the number of scalars PackCore writes per particle:
// tag, x[3], x0[3], radius, vfrac, F0[9], mask
const CoreSize = 19

// PackCore writes the engine fields of slot i into buf and returns CoreSize
func (a *Arrays) PackCore(i int, buf []float64) int {
	p := a.Get(i)
	m := 0
	buf[m] = float64(p.Tag)
	m++
	m += copy(buf[m:], p.X[:])
	m += copy(buf[m:], p.X0[:])
	buf[m] = p.Radius
	buf[m+1] = p.Vfrac
	m += 2
	m += copy(buf[m:], p.DefGrad0[:])
	buf[m] = float64(p.Mask)
	m++
	return m
}

// UnpackCore reads one particle written by PackCore
func UnpackCore(buf []float64) (Particle, error) {
	if len(buf) < CoreSize {
		return Particle{}, fmt.Errorf("particle record needs %d scalars, have %d", CoreSize, len(buf))
	}
	var p Particle
	m := 0
	p.Tag = int64(buf[m])
	m++
	m += copy(p.X[:], buf[m:m+3])
	m += copy(p.X0[:], buf[m:m+3])
	p.Radius = buf[m]
	p.Vfrac = buf[m+1]
	m += 2
	m += copy(p.DefGrad0[:], buf[m:m+9])
	p.Mask = uint32(buf[m])
	return p, nil
}
