// Package undistortion implements the two-stage per-pixel depth correction
// model: a fine grid of per-bin polynomials fit independently, and a coarse
// 2x2 grid of polynomials correcting the bias that remains after the local
// stage.
package undistortion

import (
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// Polynomial holds coefficients in increasing order of degree, so
// p(x) = c[0] + c[1]*x + c[2]*x^2 + ...
type Polynomial []float64

// Evaluate computes p(x) by Horner's rule.
func (p Polynomial) Evaluate(x float64) float64 {
	result := 0.0
	for i := len(p) - 1; i >= 0; i-- {
		result = result*x + p[i]
	}
	return result
}

// FitPolynomial least-squares fits a polynomial of the given degree to the
// sample pairs (xs[i], ys[i]) by QR on the Vandermonde system.
func FitPolynomial(xs, ys []float64, degree int) (Polynomial, error) {
	if len(xs) != len(ys) {
		return nil, errors.Errorf("sample size mismatch: %d xs vs %d ys", len(xs), len(ys))
	}
	numCoeffs := degree + 1
	if len(xs) < numCoeffs {
		return nil, errors.Errorf("need at least %d samples to fit degree %d, got %d", numCoeffs, degree, len(xs))
	}
	vand := mat.NewDense(len(xs), numCoeffs, nil)
	for i, x := range xs {
		v := 1.0
		for j := 0; j < numCoeffs; j++ {
			vand.Set(i, j, v)
			v *= x
		}
	}
	var qr mat.QR
	qr.Factorize(vand)
	var sol mat.VecDense
	if err := qr.SolveVecTo(&sol, false, mat.NewVecDense(len(ys), ys)); err != nil {
		return nil, errors.Wrap(err, "polynomial regression failed")
	}
	coeffs := make(Polynomial, numCoeffs)
	copy(coeffs, sol.RawVector().Data)
	return coeffs, nil
}
