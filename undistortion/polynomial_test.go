package undistortion

import (
	"testing"

	"go.viam.com/test"
)

func TestEvaluate(t *testing.T) {
	p := Polynomial{1, -2, 0.5}
	test.That(t, p.Evaluate(0), test.ShouldAlmostEqual, 1)
	test.That(t, p.Evaluate(2), test.ShouldAlmostEqual, 1-4+2)
	test.That(t, Polynomial{0, 1}.Evaluate(3.7), test.ShouldAlmostEqual, 3.7)
}

func TestFitPolynomialRecoversCoefficients(t *testing.T) {
	truth := Polynomial{0.1, 0.95, 0.01}
	var xs, ys []float64
	for i := 0; i < 20; i++ {
		x := 0.5 + 0.2*float64(i)
		xs = append(xs, x)
		ys = append(ys, truth.Evaluate(x))
	}
	fitted, err := FitPolynomial(xs, ys, PolynomialDegree)
	test.That(t, err, test.ShouldBeNil)
	for i := range truth {
		test.That(t, fitted[i], test.ShouldAlmostEqual, truth[i], 1e-9)
	}
}

func TestFitPolynomialContract(t *testing.T) {
	_, err := FitPolynomial([]float64{1, 2}, []float64{1}, 1)
	test.That(t, err, test.ShouldNotBeNil)

	_, err = FitPolynomial([]float64{1, 2}, []float64{1, 2}, 2)
	test.That(t, err, test.ShouldNotBeNil)
}
