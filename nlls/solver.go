package nlls

import (
	"math"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/viam-labs/rgbd-calibration/utils"
)

// LinearSolverType selects how the damped normal equations are solved each
// iteration.
type LinearSolverType int

const (
	// DenseNormalCholesky factorizes the full normal matrix.
	DenseNormalCholesky LinearSolverType = iota
	// SchurComplement eliminates the blocks listed in Options.Eliminated
	// (independent per-observation blocks) and solves the reduced system
	// for the shared blocks.
	SchurComplement
)

// Options configures a solve.
type Options struct {
	MaxIterations int
	LinearSolver  LinearSolverType
	// Eliminated lists the parameter blocks to remove by Schur complement.
	// No residual block may touch two distinct eliminated blocks.
	Eliminated []*ParameterBlock
	Logger     golog.Logger
}

// Summary reports the outcome of a solve. A solve that hits the iteration
// cap is not an error; the best iterate found is left in the parameter
// blocks.
type Summary struct {
	InitialCost float64
	FinalCost   float64
	Iterations  int
	Converged   bool
}

const (
	diffStep          = 1e-6
	costTolerance     = 1e-12
	gradientTolerance = 1e-14
	initialLambda     = 1e-4
	maxLambda         = 1e12
)

// Solve runs Levenberg-Marquardt on the problem, updating every parameter
// block in place. Jacobians come from central finite differencing of the
// residual functions, applied in each block's tangent space.
func Solve(p *Problem, opts Options) (*Summary, error) {
	if opts.MaxIterations <= 0 {
		return nil, errors.New("max iterations must be positive")
	}
	if opts.Logger == nil {
		opts.Logger = golog.NewLogger("nlls")
	}
	totalTangent, retainedDim, err := indexBlocks(p, opts)
	if err != nil {
		return nil, err
	}

	cost, err := evaluateCost(p, currentValues(p))
	if err != nil {
		return nil, err
	}
	summary := &Summary{InitialCost: cost, FinalCost: cost}
	lambda := initialLambda

	for iter := 0; iter < opts.MaxIterations; iter++ {
		summary.Iterations = iter + 1

		hess, grad, err := buildNormalEquations(p, totalTangent)
		if err != nil {
			return nil, err
		}
		if maxAbs(grad) < gradientTolerance {
			summary.Converged = true
			break
		}

		accepted := false
		for try := 0; try < 8 && lambda <= maxLambda; try++ {
			delta, ok := solveStep(hess, grad, lambda, retainedDim, opts)
			if !ok {
				lambda *= 10
				continue
			}
			candidate := steppedValues(p, delta)
			candCost, err := evaluateCost(p, candidate)
			if err != nil || math.IsNaN(candCost) || candCost >= cost {
				lambda *= 10
				continue
			}
			commitValues(p, candidate)
			decrease := cost - candCost
			cost = candCost
			lambda = math.Max(lambda/3, 1e-12)
			accepted = true
			if decrease <= costTolerance*math.Max(1, cost) {
				summary.Converged = true
			}
			break
		}
		summary.FinalCost = cost
		if !accepted || summary.Converged {
			break
		}
	}
	summary.FinalCost = cost
	opts.Logger.Debugw("solve finished",
		"iterations", summary.Iterations,
		"initial_cost", summary.InitialCost,
		"final_cost", summary.FinalCost,
		"converged", summary.Converged)
	return summary, nil
}

// indexBlocks assigns tangent offsets, placing retained blocks before
// eliminated ones so the normal matrix partitions cleanly for Schur.
func indexBlocks(p *Problem, opts Options) (int, int, error) {
	eliminated := make(map[*ParameterBlock]bool, len(opts.Eliminated))
	if opts.LinearSolver == SchurComplement {
		for _, b := range opts.Eliminated {
			eliminated[b] = true
		}
	}
	for _, b := range p.paramBlocks {
		b.tangentDim = b.manifold.TangentDim(len(b.values))
		b.eliminated = eliminated[b]
		b.offset = -1
	}
	offset := 0
	for _, b := range p.paramBlocks {
		if !b.eliminated {
			b.offset = offset
			offset += b.tangentDim
		}
	}
	retainedDim := offset
	for _, b := range p.paramBlocks {
		if b.eliminated {
			b.offset = offset
			offset += b.tangentDim
		}
	}
	if opts.LinearSolver == SchurComplement {
		for _, rb := range p.residualBlocks {
			seen := 0
			for _, b := range rb.params {
				if b.eliminated {
					seen++
				}
			}
			if seen > 1 {
				return 0, 0, errors.New("a residual block touches more than one eliminated parameter block")
			}
		}
	}
	return offset, retainedDim, nil
}

func currentValues(p *Problem) [][]float64 {
	values := make([][]float64, len(p.paramBlocks))
	for i, b := range p.paramBlocks {
		values[i] = b.values
	}
	return values
}

// steppedValues retracts -delta onto every block without committing.
func steppedValues(p *Problem, delta []float64) [][]float64 {
	values := make([][]float64, len(p.paramBlocks))
	for i, b := range p.paramBlocks {
		step := make([]float64, b.tangentDim)
		for j := 0; j < b.tangentDim; j++ {
			step[j] = -delta[b.offset+j]
		}
		out := make([]float64, len(b.values))
		b.manifold.Plus(b.values, step, out)
		values[i] = out
	}
	return values
}

func commitValues(p *Problem, values [][]float64) {
	for i, b := range p.paramBlocks {
		copy(b.values, values[i])
	}
}

// evaluateCost computes 0.5 * sum_b rho(||r_b||^2) at the given block
// values (indexed like p.paramBlocks).
func evaluateCost(p *Problem, values [][]float64) (float64, error) {
	index := make(map[*ParameterBlock][]float64, len(p.paramBlocks))
	for i, b := range p.paramBlocks {
		index[b] = values[i]
	}
	total := 0.0
	for _, rb := range p.residualBlocks {
		params := make([][]float64, len(rb.params))
		for i, b := range rb.params {
			params[i] = index[b]
		}
		residuals := make([]float64, rb.numResiduals)
		if err := rb.fn(params, residuals); err != nil {
			return 0, errors.Wrap(err, "residual evaluation failed")
		}
		s := 0.0
		for _, r := range residuals {
			s += r * r
		}
		rho, _ := rb.loss.Evaluate(s)
		total += 0.5 * rho
	}
	return total, nil
}

type blockJacobian struct {
	residuals []float64
	jacobians [][]float64 // per involved param block, m x tangentDim row-major
	err       error
}

// buildNormalEquations evaluates residuals and central-difference Jacobians
// for every residual block (fanned out over a bounded worker pool, each
// block writing its own slot) and accumulates J^T J and J^T r with robust
// weighting.
func buildNormalEquations(p *Problem, totalTangent int) (*mat.SymDense, []float64, error) {
	results := make([]blockJacobian, len(p.residualBlocks))
	utils.ParallelFor(len(p.residualBlocks), func(k int) {
		results[k] = evaluateBlockJacobian(p.residualBlocks[k])
	})

	hess := mat.NewSymDense(totalTangent, nil)
	grad := make([]float64, totalTangent)
	for k, rb := range p.residualBlocks {
		res := &results[k]
		if res.err != nil {
			return nil, nil, res.err
		}
		s := 0.0
		for _, r := range res.residuals {
			s += r * r
		}
		_, rhoPrime := rb.loss.Evaluate(s)
		w := math.Sqrt(math.Max(rhoPrime, 0))
		m := rb.numResiduals

		for bi, pbI := range rb.params {
			ji := res.jacobians[bi]
			di := pbI.tangentDim
			// gradient contribution
			for ci := 0; ci < di; ci++ {
				sum := 0.0
				for r := 0; r < m; r++ {
					sum += ji[r*di+ci] * res.residuals[r]
				}
				grad[pbI.offset+ci] += w * w * sum
			}
			// Hessian contributions. Each unordered block pair is visited
			// once, so only the diagonal block restricts to its upper
			// triangle; a cross block whose column offset precedes its row
			// offset lands below the diagonal and accumulates transposed.
			for bj := bi; bj < len(rb.params); bj++ {
				pbJ := rb.params[bj]
				jj := res.jacobians[bj]
				dj := pbJ.tangentDim
				for ci := 0; ci < di; ci++ {
					row := pbI.offset + ci
					for cj := 0; cj < dj; cj++ {
						col := pbJ.offset + cj
						if bi == bj && col < row {
							continue
						}
						sum := 0.0
						for r := 0; r < m; r++ {
							sum += ji[r*di+ci] * jj[r*dj+cj]
						}
						hr, hc := row, col
						if hc < hr {
							hr, hc = hc, hr
						}
						hess.SetSym(hr, hc, hess.At(hr, hc)+w*w*sum)
					}
				}
			}
		}
	}
	return hess, grad, nil
}

// evaluateBlockJacobian computes one residual block's residuals and
// Jacobians by central differencing in each block's tangent space. It works
// entirely on private copies of the parameter values.
func evaluateBlockJacobian(rb *ResidualBlock) blockJacobian {
	params := make([][]float64, len(rb.params))
	for i, b := range rb.params {
		params[i] = append([]float64(nil), b.values...)
	}
	residuals := make([]float64, rb.numResiduals)
	if err := rb.fn(params, residuals); err != nil {
		return blockJacobian{err: errors.Wrap(err, "residual evaluation failed")}
	}

	jacobians := make([][]float64, len(rb.params))
	plus := make([]float64, rb.numResiduals)
	minus := make([]float64, rb.numResiduals)
	for bi, pb := range rb.params {
		d := pb.tangentDim
		jac := make([]float64, rb.numResiduals*d)
		base := params[bi]
		perturbed := make([]float64, len(base))
		step := make([]float64, d)
		for c := 0; c < d; c++ {
			h := diffStep
			if _, isEuclidean := pb.manifold.(Euclidean); isEuclidean {
				h = diffStep * (1 + math.Abs(base[c]))
			}
			for j := range step {
				step[j] = 0
			}
			step[c] = h
			pb.manifold.Plus(base, step, perturbed)
			params[bi] = perturbed
			if err := rb.fn(params, plus); err != nil {
				return blockJacobian{err: errors.Wrap(err, "residual evaluation failed")}
			}
			step[c] = -h
			pb.manifold.Plus(base, step, perturbed)
			if err := rb.fn(params, minus); err != nil {
				return blockJacobian{err: errors.Wrap(err, "residual evaluation failed")}
			}
			params[bi] = base
			for r := 0; r < rb.numResiduals; r++ {
				jac[r*d+c] = (plus[r] - minus[r]) / (2 * h)
			}
		}
		jacobians[bi] = jac
	}
	return blockJacobian{residuals: residuals, jacobians: jacobians}
}

// solveStep solves (H + lambda*diag(H)) delta = g with the configured
// linear solver. ok is false when the damped system is not positive
// definite, which the caller treats as a failed step.
func solveStep(hess *mat.SymDense, grad []float64, lambda float64, retainedDim int, opts Options) ([]float64, bool) {
	n := len(grad)
	damped := mat.NewSymDense(n, nil)
	damped.CopySym(hess)
	for i := 0; i < n; i++ {
		d := hess.At(i, i)
		damped.SetSym(i, i, d+lambda*math.Max(d, 1e-12))
	}

	if opts.LinearSolver == SchurComplement && retainedDim < n {
		return solveSchur(damped, grad, retainedDim)
	}

	var chol mat.Cholesky
	if ok := chol.Factorize(damped); !ok {
		return nil, false
	}
	delta := mat.NewVecDense(n, nil)
	if err := chol.SolveVecTo(delta, mat.NewVecDense(n, grad)); err != nil {
		return nil, false
	}
	return delta.RawVector().Data, true
}

// solveSchur eliminates the trailing (eliminated) segment of the damped
// normal matrix. The eliminated segment is block diagonal because no
// residual couples two eliminated blocks, so its inverse is cheap; the
// reduced system over the retained segment is solved by Cholesky and the
// eliminated updates come from back-substitution.
func solveSchur(damped *mat.SymDense, grad []float64, retainedDim int) ([]float64, bool) {
	n := len(grad)
	elimDim := n - retainedDim

	hrr := damped.SliceSym(0, retainedDim).(*mat.SymDense)
	hre := mat.NewDense(retainedDim, elimDim, nil)
	for r := 0; r < retainedDim; r++ {
		for c := 0; c < elimDim; c++ {
			hre.Set(r, c, damped.At(r, retainedDim+c))
		}
	}
	hee := damped.SliceSym(retainedDim, n).(*mat.SymDense)

	var cholE mat.Cholesky
	if ok := cholE.Factorize(hee); !ok {
		return nil, false
	}
	// einvET = Hee^-1 * Hre^T, einvG = Hee^-1 * ge
	var einvET mat.Dense
	if err := cholE.SolveTo(&einvET, hre.T()); err != nil {
		return nil, false
	}
	ge := mat.NewVecDense(elimDim, grad[retainedDim:])
	einvG := mat.NewVecDense(elimDim, nil)
	if err := cholE.SolveVecTo(einvG, ge); err != nil {
		return nil, false
	}

	// S = Hrr - Hre * Hee^-1 * Hre^T, reduced = gr - Hre * Hee^-1 * ge
	var corr mat.Dense
	corr.Mul(hre, &einvET)
	schur := mat.NewSymDense(retainedDim, nil)
	for r := 0; r < retainedDim; r++ {
		for c := r; c < retainedDim; c++ {
			schur.SetSym(r, c, hrr.At(r, c)-0.5*(corr.At(r, c)+corr.At(c, r)))
		}
	}
	reduced := mat.NewVecDense(retainedDim, nil)
	reduced.MulVec(hre, einvG)
	for i := 0; i < retainedDim; i++ {
		reduced.SetVec(i, grad[i]-reduced.AtVec(i))
	}

	var cholS mat.Cholesky
	if ok := cholS.Factorize(schur); !ok {
		return nil, false
	}
	dr := mat.NewVecDense(retainedDim, nil)
	if err := cholS.SolveVecTo(dr, reduced); err != nil {
		return nil, false
	}

	// de = Hee^-1 (ge - Hre^T dr)
	de := mat.NewVecDense(elimDim, nil)
	de.MulVec(hre.T(), dr)
	for i := 0; i < elimDim; i++ {
		de.SetVec(i, grad[retainedDim+i]-de.AtVec(i))
	}
	deSol := mat.NewVecDense(elimDim, nil)
	if err := cholE.SolveVecTo(deSol, de); err != nil {
		return nil, false
	}

	delta := make([]float64, n)
	copy(delta[:retainedDim], dr.RawVector().Data)
	copy(delta[retainedDim:], deSol.RawVector().Data)
	return delta, true
}

func maxAbs(v []float64) float64 {
	m := 0.0
	for _, x := range v {
		if a := math.Abs(x); a > m {
			m = a
		}
	}
	return m
}
