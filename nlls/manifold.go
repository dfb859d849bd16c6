package nlls

import "math"

// Manifold maps solver updates, expressed in a block's tangent space, back
// onto the constraint surface the block lives on.
type Manifold interface {
	// TangentDim returns the tangent dimension for a block of the given
	// ambient size.
	TangentDim(ambient int) int
	// Plus applies a tangent-space step to x, writing the retracted result
	// to out. out may alias x.
	Plus(x, delta, out []float64)
}

// Euclidean is the trivial manifold: updates are plain additions.
type Euclidean struct{}

// TangentDim returns the ambient size unchanged.
func (Euclidean) TangentDim(ambient int) int { return ambient }

// Plus adds delta to x.
func (Euclidean) Plus(x, delta, out []float64) {
	for i := range x {
		out[i] = x[i] + delta[i]
	}
}

// UnitQuaternion constrains a 4-vector (w, x, y, z) to unit norm. Updates
// live in the 3-dimensional tangent space and are applied by quaternion
// multiplication with the exponential of the step.
type UnitQuaternion struct{}

// TangentDim returns 3.
func (UnitQuaternion) TangentDim(int) int { return 3 }

// Plus computes exp(delta) ⊗ x and renormalizes.
func (UnitQuaternion) Plus(x, delta, out []float64) {
	norm := math.Sqrt(delta[0]*delta[0] + delta[1]*delta[1] + delta[2]*delta[2])
	var dw, dx, dy, dz float64
	if norm < 1e-12 {
		dw, dx, dy, dz = 1, delta[0]/2, delta[1]/2, delta[2]/2
	} else {
		s := math.Sin(norm/2) / norm
		dw = math.Cos(norm / 2)
		dx, dy, dz = delta[0]*s, delta[1]*s, delta[2]*s
	}
	w := dw*x[0] - dx*x[1] - dy*x[2] - dz*x[3]
	i := dw*x[1] + dx*x[0] + dy*x[3] - dz*x[2]
	j := dw*x[2] - dx*x[3] + dy*x[0] + dz*x[1]
	k := dw*x[3] + dx*x[2] - dy*x[1] + dz*x[0]
	n := math.Sqrt(w*w + i*i + j*j + k*k)
	out[0], out[1], out[2], out[3] = w/n, i/n, j/n, k/n
}
