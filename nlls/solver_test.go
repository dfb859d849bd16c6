package nlls

import (
	"math"
	"testing"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r3"
	"go.viam.com/test"
	"gonum.org/v1/gonum/num/quat"

	"github.com/viam-labs/rgbd-calibration/spatialmath"
)

func TestTrivialAndCauchyLoss(t *testing.T) {
	rho, rhoPrime := TrivialLoss{}.Evaluate(4)
	test.That(t, rho, test.ShouldAlmostEqual, 4)
	test.That(t, rhoPrime, test.ShouldAlmostEqual, 1)

	cauchy := CauchyLoss{Scale: 1}
	rho, rhoPrime = cauchy.Evaluate(0)
	test.That(t, rho, test.ShouldAlmostEqual, 0)
	test.That(t, rhoPrime, test.ShouldAlmostEqual, 1)
	// large residuals are attenuated
	rho, rhoPrime = cauchy.Evaluate(100)
	test.That(t, rho, test.ShouldBeLessThan, 100)
	test.That(t, rhoPrime, test.ShouldBeLessThan, 0.05)
}

func TestSolvePolynomialFit(t *testing.T) {
	logger := golog.NewTestLogger(t)
	truth := []float64{2, -0.5, 0.3}
	var xs, ys []float64
	for i := 0; i < 10; i++ {
		x := float64(i)
		xs = append(xs, x)
		ys = append(ys, truth[0]+truth[1]*x+truth[2]*x*x)
	}

	problem := NewProblem()
	coeffs := problem.AddParameterBlock(make([]float64, 3), Euclidean{})
	err := problem.AddResidualBlock(len(xs), nil, func(params [][]float64, residuals []float64) error {
		c := params[0]
		for i := range xs {
			residuals[i] = c[0] + c[1]*xs[i] + c[2]*xs[i]*xs[i] - ys[i]
		}
		return nil
	}, coeffs)
	test.That(t, err, test.ShouldBeNil)

	summary, err := Solve(problem, Options{MaxIterations: 50, Logger: logger})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, summary.FinalCost, test.ShouldAlmostEqual, 0, 1e-10)
	for i := range truth {
		test.That(t, coeffs.Values()[i], test.ShouldAlmostEqual, truth[i], 1e-5)
	}
}

func TestCauchyLossRejectsOutlier(t *testing.T) {
	logger := golog.NewTestLogger(t)
	// line y = 2x + 1 with one wildly wrong sample
	problem := NewProblem()
	line := problem.AddParameterBlock([]float64{0, 0}, Euclidean{})
	for i := 0; i < 10; i++ {
		x := float64(i)
		y := 2*x + 1
		if i == 5 {
			y += 50
		}
		err := problem.AddResidualBlock(1, CauchyLoss{Scale: 1}, func(params [][]float64, residuals []float64) error {
			residuals[0] = params[0][0]*x + params[0][1] - y
			return nil
		}, line)
		test.That(t, err, test.ShouldBeNil)
	}
	_, err := Solve(problem, Options{MaxIterations: 100, Logger: logger})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, line.Values()[0], test.ShouldAlmostEqual, 2, 0.1)
	test.That(t, line.Values()[1], test.ShouldAlmostEqual, 1, 0.5)
}

func TestUnitQuaternionPlus(t *testing.T) {
	x := []float64{1, 0, 0, 0}
	out := make([]float64, 4)

	UnitQuaternion{}.Plus(x, []float64{0, 0, 0}, out)
	test.That(t, out[0], test.ShouldAlmostEqual, 1)

	UnitQuaternion{}.Plus(x, []float64{0.3, -0.1, 0.7}, out)
	norm := math.Sqrt(out[0]*out[0] + out[1]*out[1] + out[2]*out[2] + out[3]*out[3])
	test.That(t, norm, test.ShouldAlmostEqual, 1, 1e-12)

	// a step about Z by theta rotates by theta
	theta := 0.4
	UnitQuaternion{}.Plus(x, []float64{0, 0, theta}, out)
	test.That(t, out[0], test.ShouldAlmostEqual, math.Cos(theta/2), 1e-12)
	test.That(t, out[3], test.ShouldAlmostEqual, math.Sin(theta/2), 1e-12)
}

func TestSolveRotationOnManifold(t *testing.T) {
	logger := golog.NewTestLogger(t)
	truth := spatialmath.QuatFromAxisAngle(r3.Vector{X: 0.3, Y: -0.2, Z: 0.5})
	sources := []r3.Vector{{X: 1}, {Y: 1}, {Z: 1}}
	targets := make([]r3.Vector, len(sources))
	for i, s := range sources {
		targets[i] = spatialmath.RotateVec(truth, s)
	}

	problem := NewProblem()
	q := problem.AddParameterBlock([]float64{1, 0, 0, 0}, UnitQuaternion{})
	err := problem.AddResidualBlock(3*len(sources), nil, func(params [][]float64, residuals []float64) error {
		rot := quat.Number{Real: params[0][0], Imag: params[0][1], Jmag: params[0][2], Kmag: params[0][3]}
		for i, s := range sources {
			got := spatialmath.RotateVec(rot, s)
			residuals[3*i] = got.X - targets[i].X
			residuals[3*i+1] = got.Y - targets[i].Y
			residuals[3*i+2] = got.Z - targets[i].Z
		}
		return nil
	}, q)
	test.That(t, err, test.ShouldBeNil)

	summary, err := Solve(problem, Options{MaxIterations: 50, Logger: logger})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, summary.FinalCost, test.ShouldAlmostEqual, 0, 1e-10)

	solved := quat.Number{Real: q.Values()[0], Imag: q.Values()[1], Jmag: q.Values()[2], Kmag: q.Values()[3]}
	for i, s := range sources {
		got := spatialmath.RotateVec(solved, s)
		test.That(t, got.X, test.ShouldAlmostEqual, targets[i].X, 1e-6)
		test.That(t, got.Y, test.ShouldAlmostEqual, targets[i].Y, 1e-6)
		test.That(t, got.Z, test.ShouldAlmostEqual, targets[i].Z, 1e-6)
	}
}

func TestSolveParameterOrderIndependent(t *testing.T) {
	logger := golog.NewTestLogger(t)
	// Two coupled unknowns, one stiff shared constraint and one weak
	// separating one. The normal equations only resolve the weak direction
	// through the cross terms between the two blocks, so the solve must
	// reach the same minimum whichever order the residual lists them in.
	solve := func(reversed bool) (float64, float64) {
		problem := NewProblem()
		a := problem.AddParameterBlock([]float64{0}, Euclidean{})
		b := problem.AddParameterBlock([]float64{0}, Euclidean{})
		fn := func(params [][]float64, residuals []float64) error {
			av, bv := params[0][0], params[1][0]
			if reversed {
				av, bv = bv, av
			}
			residuals[0] = 150 * (av + bv - 1)
			residuals[1] = 0.1 * (av - bv - 3)
			return nil
		}
		first, second := a, b
		if reversed {
			first, second = b, a
		}
		err := problem.AddResidualBlock(2, nil, fn, first, second)
		test.That(t, err, test.ShouldBeNil)
		_, err = Solve(problem, Options{MaxIterations: 30, Logger: logger})
		test.That(t, err, test.ShouldBeNil)
		return a.Values()[0], b.Values()[0]
	}

	aFwd, bFwd := solve(false)
	test.That(t, aFwd, test.ShouldAlmostEqual, 2, 1e-4)
	test.That(t, bFwd, test.ShouldAlmostEqual, -1, 1e-4)

	aRev, bRev := solve(true)
	test.That(t, aRev, test.ShouldAlmostEqual, 2, 1e-4)
	test.That(t, bRev, test.ShouldAlmostEqual, -1, 1e-4)
}

// buildSharedViewProblem sets up a problem with one shared block and two
// independent per-view blocks, the structure the Schur solver eliminates.
func buildSharedViewProblem(t *testing.T) (*Problem, *ParameterBlock, []*ParameterBlock) {
	t.Helper()
	const (
		sTrue  = 1.5
		v1True = 0.3
		v2True = -0.7
	)
	problem := NewProblem()
	shared := problem.AddParameterBlock([]float64{0}, Euclidean{})
	err := problem.AddResidualBlock(1, nil, func(params [][]float64, residuals []float64) error {
		residuals[0] = params[0][0] - sTrue
		return nil
	}, shared)
	test.That(t, err, test.ShouldBeNil)

	var viewBlocks []*ParameterBlock
	for _, vTrue := range []float64{v1True, v2True} {
		c := sTrue + vTrue
		e := 2*sTrue + 0.5*vTrue
		view := problem.AddParameterBlock([]float64{0}, Euclidean{})
		err := problem.AddResidualBlock(2, nil, func(params [][]float64, residuals []float64) error {
			s := params[0][0]
			v := params[1][0]
			residuals[0] = s + v - c
			residuals[1] = 2*s + 0.5*v - e
			return nil
		}, shared, view)
		test.That(t, err, test.ShouldBeNil)
		viewBlocks = append(viewBlocks, view)
	}
	return problem, shared, viewBlocks
}

func TestSchurMatchesDense(t *testing.T) {
	logger := golog.NewTestLogger(t)

	dense, denseShared, denseViews := buildSharedViewProblem(t)
	_, err := Solve(dense, Options{MaxIterations: 50, LinearSolver: DenseNormalCholesky, Logger: logger})
	test.That(t, err, test.ShouldBeNil)

	schur, schurShared, schurViews := buildSharedViewProblem(t)
	_, err = Solve(schur, Options{
		MaxIterations: 50,
		LinearSolver:  SchurComplement,
		Eliminated:    schurViews,
		Logger:        logger,
	})
	test.That(t, err, test.ShouldBeNil)

	test.That(t, schurShared.Values()[0], test.ShouldAlmostEqual, denseShared.Values()[0], 1e-8)
	test.That(t, schurShared.Values()[0], test.ShouldAlmostEqual, 1.5, 1e-6)
	for i := range denseViews {
		test.That(t, schurViews[i].Values()[0], test.ShouldAlmostEqual, denseViews[i].Values()[0], 1e-8)
	}
	test.That(t, schurViews[0].Values()[0], test.ShouldAlmostEqual, 0.3, 1e-6)
	test.That(t, schurViews[1].Values()[0], test.ShouldAlmostEqual, -0.7, 1e-6)
}

func TestSchurRejectsCoupledEliminatedBlocks(t *testing.T) {
	logger := golog.NewTestLogger(t)
	problem := NewProblem()
	a := problem.AddParameterBlock([]float64{0}, Euclidean{})
	b := problem.AddParameterBlock([]float64{0}, Euclidean{})
	err := problem.AddResidualBlock(1, nil, func(params [][]float64, residuals []float64) error {
		residuals[0] = params[0][0] + params[1][0] - 1
		return nil
	}, a, b)
	test.That(t, err, test.ShouldBeNil)

	_, err = Solve(problem, Options{
		MaxIterations: 10,
		LinearSolver:  SchurComplement,
		Eliminated:    []*ParameterBlock{a, b},
		Logger:        logger,
	})
	test.That(t, err, test.ShouldNotBeNil)
}

func TestSolveIterationCapReturnsBestIterate(t *testing.T) {
	logger := golog.NewTestLogger(t)
	problem := NewProblem()
	x := problem.AddParameterBlock([]float64{5}, Euclidean{})
	err := problem.AddResidualBlock(1, nil, func(params [][]float64, residuals []float64) error {
		residuals[0] = math.Exp(params[0][0]) - 1
		return nil
	}, x)
	test.That(t, err, test.ShouldBeNil)

	summary, err := Solve(problem, Options{MaxIterations: 2, Logger: logger})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, summary.Iterations, test.ShouldBeLessThanOrEqualTo, 2)
	test.That(t, summary.FinalCost, test.ShouldBeLessThan, summary.InitialCost)
}
