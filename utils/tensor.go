package utils

import (
	"gonum.org/v1/gonum/mat"
	"math"
)

// Mat3 is a 3×3 tensor stored in row-major order:
//
//	[0] = (0,0)  [1] = (0,1)  [2] = (0,2)
//	[3] = (1,0)  [4] = (1,1)  [5] = (1,2)
//	[6] = (2,0)  [7] = (2,1)  [8] = (2,2)
//
// The layout matches the 9-scalar per-particle storage of the reference
// deformation gradient, so a Mat3 can be packed into comm buffers directly.
type Mat3 [9]float64

// Identity3 returns the 3×3 identity tensor
func Identity3() Mat3 {
	return Mat3{1, 0, 0, 0, 1, 0, 0, 0, 1}
}

// At returns the (i,j) component
func (m Mat3) At(i, j int) float64 {
	return m[3*i+j]
}

// Dense returns a gonum view of a copy of m
func (m Mat3) Dense() *mat.Dense {
	data := make([]float64, 9)
	copy(data, m[:])
	return mat.NewDense(3, 3, data)
}

// Mat3FromDense copies a 3×3 gonum matrix into a Mat3
func Mat3FromDense(d mat.Matrix) Mat3 {
	r, c := d.Dims()
	if r != 3 || c != 3 {
		panic("Mat3FromDense: matrix is not 3x3")
	}
	var m Mat3
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			m[3*i+j] = d.At(i, j)
		}
	}
	return m
}

// Mul returns the matrix product m × n
func (m Mat3) Mul(n Mat3) Mat3 {
	var c mat.Dense
	c.Mul(m.Dense(), n.Dense())
	return Mat3FromDense(&c)
}

// Det returns the determinant of m
func (m Mat3) Det() float64 {
	return mat.Det(m.Dense())
}

// EqualApprox reports whether every component of m and n differs by at most tol
func (m Mat3) EqualApprox(n Mat3, tol float64) bool {
	for i := range m {
		if math.Abs(m[i]-n[i]) > tol {
			return false
		}
	}
	return true
}
