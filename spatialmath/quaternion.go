package spatialmath

import (
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"
)

// Normalize scales a quaternion to unit norm. The zero quaternion maps to
// identity rather than dividing by zero.
func Normalize(q quat.Number) quat.Number {
	norm := math.Sqrt(q.Real*q.Real + q.Imag*q.Imag + q.Jmag*q.Jmag + q.Kmag*q.Kmag)
	if norm == 0 {
		return quat.Number{Real: 1}
	}
	return quat.Number{Real: q.Real / norm, Imag: q.Imag / norm, Jmag: q.Jmag / norm, Kmag: q.Kmag / norm}
}

// RotateVec rotates vector v by the unit quaternion q, computing q * v * q⁻¹.
func RotateVec(q quat.Number, v r3.Vector) r3.Vector {
	p := quat.Number{Imag: v.X, Jmag: v.Y, Kmag: v.Z}
	r := quat.Mul(quat.Mul(q, p), quat.Conj(q))
	return r3.Vector{X: r.Imag, Y: r.Jmag, Z: r.Kmag}
}

// QuatFromAxisAngle converts an R3 axis angle (axis scaled by the rotation
// angle in radians) to a unit quaternion.
func QuatFromAxisAngle(aa r3.Vector) quat.Number {
	theta := aa.Norm()
	if theta < 1e-12 {
		// First-order expansion keeps the conversion smooth through zero.
		return Normalize(quat.Number{Real: 1, Imag: aa.X / 2, Jmag: aa.Y / 2, Kmag: aa.Z / 2})
	}
	axis := aa.Mul(1 / theta)
	sinA := math.Sin(theta / 2)
	return quat.Number{Real: math.Cos(theta / 2), Imag: axis.X * sinA, Jmag: axis.Y * sinA, Kmag: axis.Z * sinA}
}

// AxisAngleFromQuat converts a unit quaternion to its R3 axis angle form.
func AxisAngleFromQuat(q quat.Number) r3.Vector {
	if q.Real < 0 {
		q = quat.Scale(-1, q)
	}
	imagNorm := math.Sqrt(q.Imag*q.Imag + q.Jmag*q.Jmag + q.Kmag*q.Kmag)
	if imagNorm < 1e-12 {
		return r3.Vector{X: 2 * q.Imag, Y: 2 * q.Jmag, Z: 2 * q.Kmag}
	}
	theta := 2 * math.Atan2(imagNorm, q.Real)
	return r3.Vector{X: q.Imag, Y: q.Jmag, Z: q.Kmag}.Mul(theta / imagNorm)
}

// QuatToRotationMatrix expands a unit quaternion into a 3x3 rotation matrix.
func QuatToRotationMatrix(q quat.Number) *mat.Dense {
	w, x, y, z := q.Real, q.Imag, q.Jmag, q.Kmag
	return mat.NewDense(3, 3, []float64{
		1 - 2*(y*y+z*z), 2 * (x*y - w*z), 2 * (x*z + w*y),
		2 * (x*y + w*z), 1 - 2*(x*x+z*z), 2 * (y*z - w*x),
		2 * (x*z - w*y), 2 * (y*z + w*x), 1 - 2*(x*x+y*y),
	})
}

// QuatFromRotationMatrix converts a 3x3 rotation matrix to a unit quaternion
// using Shepperd's method, picking the numerically largest pivot.
func QuatFromRotationMatrix(m mat.Matrix) quat.Number {
	m00, m01, m02 := m.At(0, 0), m.At(0, 1), m.At(0, 2)
	m10, m11, m12 := m.At(1, 0), m.At(1, 1), m.At(1, 2)
	m20, m21, m22 := m.At(2, 0), m.At(2, 1), m.At(2, 2)
	tr := m00 + m11 + m22

	var q quat.Number
	switch {
	case tr > 0:
		s := math.Sqrt(tr+1.0) * 2
		q = quat.Number{Real: s / 4, Imag: (m21 - m12) / s, Jmag: (m02 - m20) / s, Kmag: (m10 - m01) / s}
	case m00 > m11 && m00 > m22:
		s := math.Sqrt(1.0+m00-m11-m22) * 2
		q = quat.Number{Real: (m21 - m12) / s, Imag: s / 4, Jmag: (m01 + m10) / s, Kmag: (m02 + m20) / s}
	case m11 > m22:
		s := math.Sqrt(1.0+m11-m00-m22) * 2
		q = quat.Number{Real: (m02 - m20) / s, Imag: (m01 + m10) / s, Jmag: s / 4, Kmag: (m12 + m21) / s}
	default:
		s := math.Sqrt(1.0+m22-m00-m11) * 2
		q = quat.Number{Real: (m10 - m01) / s, Imag: (m02 + m20) / s, Jmag: (m12 + m21) / s, Kmag: s / 4}
	}
	return Normalize(q)
}
