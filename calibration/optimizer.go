package calibration

import (
	"math"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/num/quat"

	"github.com/viam-labs/rgbd-calibration/nlls"
	"github.com/viam-labs/rgbd-calibration/pointcloud"
	"github.com/viam-labs/rgbd-calibration/spatialmath"
	"github.com/viam-labs/rgbd-calibration/transform"
	"github.com/viam-labs/rgbd-calibration/undistortion"
)

const (
	// pixelNoise is the expected corner detection noise in pixels.
	pixelNoise = 0.5
	// cauchyScale attenuates bad correspondences in transform-only mode.
	cauchyScale = 1.0

	transformOptIterations = 100
	fullOptIterations      = 20
)

// depthSigma evaluates the depth error function with a floor keeping the
// residual weights finite.
func depthSigma(depthError undistortion.Polynomial, z float64) float64 {
	s := depthError.Evaluate(z)
	if s < 1e-6 {
		s = 1e-6
	}
	return s
}

func poseTo6(p spatialmath.Pose) []float64 {
	aa := p.AxisAngle()
	t := p.Translation()
	return []float64{aa.X, aa.Y, aa.Z, t.X, t.Y, t.Z}
}

func poseFrom6(p []float64) spatialmath.Pose {
	return spatialmath.NewPoseFromAxisAngle(
		r3.Vector{X: p[0], Y: p[1], Z: p[2]},
		r3.Vector{X: p[3], Y: p[4], Z: p[5]},
	)
}

func poseToQT(p spatialmath.Pose) ([]float64, []float64) {
	q := p.Quaternion()
	t := p.Translation()
	return []float64{q.Real, q.Imag, q.Jmag, q.Kmag}, []float64{t.X, t.Y, t.Z}
}

func poseFromQT(q, t []float64) spatialmath.Pose {
	return spatialmath.NewPose(
		quat.Number{Real: q[0], Imag: q[1], Jmag: q[2], Kmag: q[3]},
		r3.Vector{X: t[0], Y: t[1], Z: t[2]},
	)
}

// optimizeTransform refines the extrinsic pose together with every view's
// board pose. Each view contributes, per corner, a reprojection residual in
// the color image and a corner-to-plane residual in the depth frame, under
// a Cauchy loss. The per-view pose blocks are independent given the
// extrinsic, so the linear solves eliminate them by Schur complement.
// Refined board poses are written back into the views.
func optimizeTransform(
	views []*CheckerboardView,
	board Checkerboard,
	colorIntrinsics *transform.PinholeCameraIntrinsics,
	depthError undistortion.Polynomial,
	initial spatialmath.Pose,
	logger golog.Logger,
) (spatialmath.Pose, error) {
	problem := nlls.NewProblem()
	extBlock := problem.AddParameterBlock(poseTo6(initial), nlls.Euclidean{})
	corners := board.Corners()

	var viewBlocks []*nlls.ParameterBlock
	var activeViews []*CheckerboardView
	for _, v := range views {
		if !v.HasPlane() {
			continue
		}
		view := v
		viewBlock := problem.AddParameterBlock(poseTo6(view.BoardPose), nlls.Euclidean{})
		detected := view.ImageCorners
		plane := view.PlaneFit.Plane

		fn := func(params [][]float64, residuals []float64) error {
			ext := poseFrom6(params[0])
			boardPose := poseFrom6(params[1])
			for i, corner := range corners {
				inColor := boardPose.TransformPoint(corner)
				px, err := colorIntrinsics.ProjectPoint(inColor)
				if err != nil {
					return err
				}
				residuals[2*i] = px.Sub(detected[i]).Norm() / pixelNoise
				inDepth := ext.TransformPoint(inColor)
				residuals[2*i+1] = plane.Distance(inDepth) / depthSigma(depthError, inDepth.Z)
			}
			return nil
		}
		if err := problem.AddResidualBlock(2*len(corners), nlls.CauchyLoss{Scale: cauchyScale}, fn, extBlock, viewBlock); err != nil {
			return initial, err
		}
		viewBlocks = append(viewBlocks, viewBlock)
		activeViews = append(activeViews, view)
	}
	if len(viewBlocks) == 0 {
		return initial, errors.New("no views with a plane fit to optimize over")
	}

	summary, err := nlls.Solve(problem, nlls.Options{
		MaxIterations: transformOptIterations,
		LinearSolver:  nlls.SchurComplement,
		Eliminated:    viewBlocks,
		Logger:        logger,
	})
	if err != nil {
		return initial, err
	}
	logger.Infow("transform optimization done",
		"views", len(viewBlocks),
		"iterations", summary.Iterations,
		"initial_cost", summary.InitialCost,
		"final_cost", summary.FinalCost)

	for i, view := range activeViews {
		view.BoardPose = poseFrom6(viewBlocks[i].Values())
	}
	return poseFrom6(extBlock.Values()), nil
}

// fullResult carries everything the full optimizer refines besides the view
// poses it writes back directly.
type fullResult struct {
	Extrinsic spatialmath.Pose
	// Delta is the depth intrinsics correction: focal scales then principal
	// point offsets.
	Delta [4]float64
}

// optimizeFull jointly refines the extrinsic pose, every view's board pose
// (unit-quaternion parameterization), the global undistortion coefficients
// and a 4-parameter depth intrinsics correction. Views must carry locally
// undistorted clouds with re-fitted planes. The fitted global cells are
// written back into the model; the continuity cell is re-solved from them.
func optimizeFull(
	views []*CheckerboardView,
	board Checkerboard,
	colorIntrinsics, depthIntrinsics *transform.PinholeCameraIntrinsics,
	global *undistortion.GlobalModel,
	depthError undistortion.Polynomial,
	initial spatialmath.Pose,
	logger golog.Logger,
) (fullResult, error) {
	result := fullResult{Extrinsic: initial, Delta: [4]float64{1, 1, 0, 0}}

	problem := nlls.NewProblem()
	extQ, extT := poseToQT(initial)
	extQBlock := problem.AddParameterBlock(extQ, nlls.UnitQuaternion{})
	extTBlock := problem.AddParameterBlock(extT, nlls.Euclidean{})

	globalCoeffs := make([]float64, 0, 3*(undistortion.PolynomialDegree+1))
	for _, cell := range [][2]int{{0, 0}, {0, 1}, {1, 0}} {
		poly := global.Polynomial(cell[0], cell[1])
		if poly == nil {
			poly = undistortion.Polynomial{0, 1, 0}
		}
		globalCoeffs = append(globalCoeffs, poly...)
	}
	globalBlock := problem.AddParameterBlock(globalCoeffs, nlls.Euclidean{})
	deltaBlock := problem.AddParameterBlock([]float64{1, 1, 0, 0}, nlls.Euclidean{})

	corners := board.Corners()
	planeCorners := []r3.Vector{corners[0], corners[board.Cols-1], corners[len(corners)-1]}

	type viewState struct {
		view   *CheckerboardView
		qBlock *nlls.ParameterBlock
		tBlock *nlls.ParameterBlock
	}
	var states []viewState
	for _, v := range views {
		if !v.HasPlane() {
			continue
		}
		view := v
		q, t := poseToQT(view.BoardPose)
		qBlock := problem.AddParameterBlock(q, nlls.UnitQuaternion{})
		tBlock := problem.AddParameterBlock(t, nlls.Euclidean{})

		detected := view.ImageCorners
		reprojNorm := pixelNoise * math.Sqrt(float64(len(corners)))
		reproj := func(params [][]float64, residuals []float64) error {
			boardPose := poseFromQT(params[0], params[1])
			for i, corner := range corners {
				px, err := colorIntrinsics.ProjectPoint(boardPose.TransformPoint(corner))
				if err != nil {
					return err
				}
				d := px.Sub(detected[i])
				residuals[2*i] = d.X / reprojNorm
				residuals[2*i+1] = d.Y / reprojNorm
			}
			return nil
		}
		if err := problem.AddResidualBlock(2*len(corners), nil, reproj, qBlock, tBlock); err != nil {
			return result, err
		}

		cloud := view.Record.Cloud
		scaleU := global.Width() / cloud.Width()
		scaleV := global.Height() / cloud.Height()
		if scaleU < 1 {
			scaleU = 1
		}
		if scaleV < 1 {
			scaleV = 1
		}
		inliers := view.PlaneFit.Inliers
		us := make([]float64, len(inliers))
		vs := make([]float64, len(inliers))
		zs := make([]float64, len(inliers))
		for i, idx := range inliers {
			pu, pv := cloud.Pixel(idx)
			us[i] = float64(pu * scaleU)
			vs[i] = float64(pv * scaleV)
			zs[i] = cloud.AtIndex(idx).Z
		}
		distortionNorm := math.Sqrt(float64(len(inliers)))
		distortion := func(params [][]float64, residuals []float64) error {
			ext := poseFromQT(params[0], params[1])
			boardPose := poseFromQT(params[2], params[3])
			g := params[4]
			d := params[5]
			coeffSize := undistortion.PolynomialDegree + 1
			cells := [2][2]undistortion.Polynomial{
				{g[0:coeffSize], g[coeffSize : 2*coeffSize]},
				{g[2*coeffSize : 3*coeffSize], nil},
			}
			derived, err := undistortion.DerivedCellCoefficients(cells[0][0], cells[0][1], cells[1][0])
			if err != nil {
				return err
			}
			cells[1][1] = derived

			p0 := ext.TransformPoint(boardPose.TransformPoint(planeCorners[0]))
			p1 := ext.TransformPoint(boardPose.TransformPoint(planeCorners[1]))
			p2 := ext.TransformPoint(boardPose.TransformPoint(planeCorners[2]))
			plane := pointcloud.NewPlaneThroughPoints(p0, p1, p2).FlipTowardViewpoint(r3.Vector{})

			fx := depthIntrinsics.Fx * d[0]
			fy := depthIntrinsics.Fy * d[1]
			ppx := depthIntrinsics.Ppx + d[2]
			ppy := depthIntrinsics.Ppy + d[3]
			for i := range residuals {
				cy, cx := global.CellOf(int(us[i]), int(vs[i]))
				corrected := cells[cy][cx].Evaluate(zs[i])
				dir := r3.Vector{X: (us[i] - ppx) / fx, Y: (vs[i] - ppy) / fy, Z: 1}.Normalize()
				pt := dir.Mul(corrected / dir.Z)
				hit, ok := plane.IntersectRay(dir)
				if !ok {
					residuals[i] = 0
					continue
				}
				residuals[i] = hit.Sub(pt).Norm() / (distortionNorm * depthSigma(depthError, zs[i]))
			}
			return nil
		}
		if err := problem.AddResidualBlock(len(inliers), nil, distortion,
			extQBlock, extTBlock, qBlock, tBlock, globalBlock, deltaBlock); err != nil {
			return result, err
		}
		states = append(states, viewState{view: view, qBlock: qBlock, tBlock: tBlock})
	}
	if len(states) == 0 {
		return result, errors.New("no views with a plane fit to optimize over")
	}

	summary, err := nlls.Solve(problem, nlls.Options{
		MaxIterations: fullOptIterations,
		LinearSolver:  nlls.DenseNormalCholesky,
		Logger:        logger,
	})
	if err != nil {
		return result, err
	}
	logger.Infow("full optimization done",
		"views", len(states),
		"iterations", summary.Iterations,
		"initial_cost", summary.InitialCost,
		"final_cost", summary.FinalCost)

	for _, st := range states {
		st.view.BoardPose = poseFromQT(st.qBlock.Values(), st.tBlock.Values())
	}

	g := globalBlock.Values()
	coeffSize := undistortion.PolynomialDegree + 1
	for i, cell := range [][2]int{{0, 0}, {0, 1}, {1, 0}} {
		coeffs := make(undistortion.Polynomial, coeffSize)
		copy(coeffs, g[i*coeffSize:(i+1)*coeffSize])
		global.SetPolynomial(cell[0], cell[1], coeffs)
	}
	if err := global.SolveContinuityCell(); err != nil {
		return result, err
	}

	result.Extrinsic = poseFromQT(extQBlock.Values(), extTBlock.Values())
	copy(result.Delta[:], deltaBlock.Values())
	return result, nil
}
