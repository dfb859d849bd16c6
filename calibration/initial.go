package calibration

import (
	"math/rand"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/viam-labs/rgbd-calibration/pointcloud"
	"github.com/viam-labs/rgbd-calibration/spatialmath"
)

// Defaults for the bootstrap stage.
const (
	DefaultBootstrapViews   = 10
	DefaultBoardMaxDistance = 2.0
	DefaultBootstrapSeed    = 1
	minBootstrapPlanePairs  = 3
)

// InitialTransformEstimator bootstraps the color-to-depth extrinsic
// transform from a small deterministic sample of plane correspondences: the
// board plane implied by each color-frame detection, paired with the plane
// independently fitted in the depth cloud.
type InitialTransformEstimator struct {
	Board     Checkerboard
	Extractor ViewExtractor
	// MaxViews caps the number of accepted correspondences.
	MaxViews int
	// MaxDistance rejects boards detected farther than this from the color
	// sensor origin.
	MaxDistance float64
	// Seed drives the frame sampling order, making the bootstrap
	// reproducible.
	Seed   int64
	Logger golog.Logger
}

// NewInitialTransformEstimator creates an estimator with default sampling
// parameters.
func NewInitialTransformEstimator(board Checkerboard, extractor ViewExtractor, logger golog.Logger) *InitialTransformEstimator {
	return &InitialTransformEstimator{
		Board:       board,
		Extractor:   extractor,
		MaxViews:    DefaultBootstrapViews,
		MaxDistance: DefaultBoardMaxDistance,
		Seed:        DefaultBootstrapSeed,
		Logger:      logger,
	}
}

// Estimate samples records in a seeded random order, extracts checkerboard
// views until MaxViews nearby detections with a depth plane are accepted,
// and aligns the resulting plane pairs. With fewer than three accepted
// pairs the result is undefined and a warning is logged; callers must treat
// it as unreliable.
func (e *InitialTransformEstimator) Estimate(records []*FrameRecord) spatialmath.Pose {
	rnd := rand.New(rand.NewSource(e.Seed))
	accept := CheckerboardDistanceConstraint(e.Board, e.MaxDistance)

	var colorPlanes, depthPlanes []pointcloud.Plane
	for _, idx := range rnd.Perm(len(records)) {
		if len(colorPlanes) >= e.MaxViews {
			break
		}
		view, err := e.Extractor.ExtractView(records[idx], e.Board)
		if err != nil {
			e.Logger.Debugw("bootstrap extraction failed", "frame", records[idx].ID, "error", err)
			continue
		}
		if !view.HasPlane() || !accept(view) {
			continue
		}
		colorPlanes = append(colorPlanes, e.Board.PlaneAt(view.BoardPose))
		depthPlanes = append(depthPlanes, view.PlaneFit.Plane.FlipTowardViewpoint(r3.Vector{}))
	}

	if len(colorPlanes) < minBootstrapPlanePairs {
		e.Logger.Warnw("too few plane correspondences, initial transform is unreliable",
			"accepted", len(colorPlanes), "needed", minBootstrapPlanePairs)
	}
	pose, err := AlignPlanes(colorPlanes, depthPlanes)
	if err != nil {
		e.Logger.Warnw("plane alignment failed, starting from identity", "error", err)
		return spatialmath.NewPoseIdentity()
	}
	e.Logger.Infow("initial transform estimated",
		"plane_pairs", len(colorPlanes),
		"translation", pose.Translation())
	return pose
}

// AlignPlanes solves the rigid transform mapping color-frame points into the
// depth frame from corresponding plane observations. The rotation aligns
// the two normal sets (SVD of their correlation matrix); the translation
// then reconciles the plane offsets in least squares.
func AlignPlanes(colorPlanes, depthPlanes []pointcloud.Plane) (spatialmath.Pose, error) {
	if len(colorPlanes) != len(depthPlanes) {
		return spatialmath.Pose{}, errors.Errorf("plane count mismatch: %d vs %d", len(colorPlanes), len(depthPlanes))
	}
	n := len(colorPlanes)
	if n == 0 {
		return spatialmath.Pose{}, errors.New("no plane correspondences")
	}

	corr := mat.NewDense(3, 3, nil)
	for i := 0; i < n; i++ {
		nd := depthPlanes[i].Normal()
		nc := colorPlanes[i].Normal()
		d := []float64{nd.X, nd.Y, nd.Z}
		c := []float64{nc.X, nc.Y, nc.Z}
		for r := 0; r < 3; r++ {
			for s := 0; s < 3; s++ {
				corr.Set(r, s, corr.At(r, s)+d[r]*c[s])
			}
		}
	}
	var svd mat.SVD
	if ok := svd.Factorize(corr, mat.SVDFull); !ok {
		return spatialmath.Pose{}, errors.New("normal correlation matrix could not be factorized")
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)
	var rot mat.Dense
	rot.Mul(&u, v.T())
	if mat.Det(&rot) < 0 {
		// Reflection; flip the least-significant singular direction.
		for r := 0; r < 3; r++ {
			u.Set(r, 2, -u.At(r, 2))
		}
		rot.Mul(&u, v.T())
	}

	// With n_d = R n_c, the offsets satisfy n_d . t = d_c - d_d.
	a := mat.NewDense(n, 3, nil)
	b := mat.NewVecDense(n, nil)
	for i := 0; i < n; i++ {
		nd := depthPlanes[i].Normal()
		a.Set(i, 0, nd.X)
		a.Set(i, 1, nd.Y)
		a.Set(i, 2, nd.Z)
		b.SetVec(i, colorPlanes[i].Offset()-depthPlanes[i].Offset())
	}
	var t mat.VecDense
	if err := t.SolveVec(a, b); err != nil {
		return spatialmath.Pose{}, errors.Wrap(err, "plane offsets do not determine a translation")
	}

	return spatialmath.NewPoseFromMatrix(&rot, r3.Vector{X: t.AtVec(0), Y: t.AtVec(1), Z: t.AtVec(2)}), nil
}
