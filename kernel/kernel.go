// Package kernel holds the interpolation kernels used to weight bonded
// neighbors. A kernel is a pure function of the combined support radius h,
// the pair separation r and the spatial dimension.
package kernel

import "math"

// Func evaluates a kernel at separation r for support radius h, returning the
// kernel value wf and the derivative dW/dr as wfd
type Func func(h, r float64, dim int) (wf, wfd float64)

// Spiky is the spiky kernel of Desbrun & Gascuel normalized for 2D and 3D.
// The gradient is negative inside the support and both values vanish at r = h.
func Spiky(h, r float64, dim int) (wf, wfd float64) {
	hr := h - r
	if dim == 2 {
		n := 0.1 * math.Pi * math.Pow(h, 5)
		wfd = -3.0 * hr * hr / n
		wf = -hr * wfd / 3.0
		return
	}
	wfd = -(45.0 / math.Pi) * hr * hr / math.Pow(h, 6)
	wf = -hr * wfd / 3.0
	return
}
