// Package nlls is a small nonlinear least-squares engine shaped for
// calibration problems: parameter blocks with manifold constraints,
// residual functions differentiated by central finite differencing, robust
// losses, and a Levenberg-Marquardt loop with either a dense
// normal-equation Cholesky solve or a Schur-complement solve that
// eliminates independent per-observation blocks.
//
// Residual functions are pure functions from parameter values to a residual
// vector; an analytic or automatic Jacobian could be slotted in behind the
// same interface, the solver only consumes J and r.
package nlls

import (
	"math"

	"github.com/pkg/errors"
)

// ResidualFunc evaluates a residual vector from the current values of the
// parameter blocks attached to its residual block. It must not retain or
// mutate params.
type ResidualFunc func(params [][]float64, residuals []float64) error

// Loss is a robust loss rho applied to a residual block's squared norm.
type Loss interface {
	// Evaluate returns rho(s) and rho'(s) for s = ||r||^2.
	Evaluate(s float64) (float64, float64)
}

// TrivialLoss is plain least squares.
type TrivialLoss struct{}

// Evaluate returns s and 1.
func (TrivialLoss) Evaluate(s float64) (float64, float64) { return s, 1 }

// CauchyLoss attenuates outliers: rho(s) = a^2 log(1 + s/a^2).
type CauchyLoss struct {
	Scale float64
}

// Evaluate returns the Cauchy rho and its derivative.
func (l CauchyLoss) Evaluate(s float64) (float64, float64) {
	a2 := l.Scale * l.Scale
	return a2 * math.Log1p(s/a2), 1 / (1 + s/a2)
}

// ParameterBlock is one contiguous group of optimized parameters with an
// associated manifold.
type ParameterBlock struct {
	values   []float64
	manifold Manifold

	// solver bookkeeping
	tangentDim int
	offset     int
	eliminated bool
}

// Values returns the block's current parameter values. The solver mutates
// this slice in place as it iterates.
func (b *ParameterBlock) Values() []float64 { return b.values }

// ResidualBlock ties a residual function to its parameter blocks.
type ResidualBlock struct {
	fn           ResidualFunc
	params       []*ParameterBlock
	numResiduals int
	loss         Loss
}

// Problem is a sum-of-squares objective under construction.
type Problem struct {
	paramBlocks    []*ParameterBlock
	residualBlocks []*ResidualBlock
}

// NewProblem creates an empty problem.
func NewProblem() *Problem {
	return &Problem{}
}

// AddParameterBlock registers values as an optimized block on the given
// manifold. The slice is owned by the caller and updated in place.
func (p *Problem) AddParameterBlock(values []float64, manifold Manifold) *ParameterBlock {
	block := &ParameterBlock{values: values, manifold: manifold}
	p.paramBlocks = append(p.paramBlocks, block)
	return block
}

// AddResidualBlock registers a residual function of the given output size
// over the listed parameter blocks. A nil loss means plain least squares.
func (p *Problem) AddResidualBlock(numResiduals int, loss Loss, fn ResidualFunc, params ...*ParameterBlock) error {
	if numResiduals <= 0 {
		return errors.Errorf("residual block must have a positive size, got %d", numResiduals)
	}
	if len(params) == 0 {
		return errors.New("residual block needs at least one parameter block")
	}
	if loss == nil {
		loss = TrivialLoss{}
	}
	p.residualBlocks = append(p.residualBlocks, &ResidualBlock{
		fn:           fn,
		params:       params,
		numResiduals: numResiduals,
		loss:         loss,
	})
	return nil
}
