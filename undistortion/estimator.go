package undistortion

import (
	"math"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"github.com/viam-labs/rgbd-calibration/pointcloud"
	"github.com/viam-labs/rgbd-calibration/utils"
)

// DepthData is the per-frame working set of the estimator: the raw cloud,
// the checkerboard plane expected from the color detection, and the
// artifacts of the reverse pass.
type DepthData struct {
	ID         int
	Cloud      *pointcloud.Cloud
	BoardPlane pointcloud.Plane
	PlaneValid bool

	// Filled by EstimateLocalModelReverse.
	Undistorted    *pointcloud.Cloud
	EstimatedPlane *pointcloud.PlaneFit
	PlaneExtracted bool
}

type phase int

const (
	phaseIngest phase = iota
	phaseLocalDone
	phaseReverseDone
	phaseGlobalDone
)

// Estimator runs the three-phase undistortion-model estimation: local
// per-bin fit, plane re-fit under the local correction, then the global
// residual-bias fit. Phases must run in order; calling them out of order is
// a contract violation.
type Estimator struct {
	logger     golog.Logger
	depthError Polynomial
	local      *LocalModel
	global     *GlobalModel
	data       []*DepthData
	phase      phase

	// MinBinSamples is the minimum sample count for a local bin to be fit;
	// bins below it stay unavailable.
	MinBinSamples int
	// MinPlaneInliers is the minimum inlier count for a plane re-fit to be
	// accepted; frames below it are marked invalid.
	MinPlaneInliers int
}

// NewEstimator creates an estimator writing into the given models. All
// arguments are required.
func NewEstimator(depthError Polynomial, local *LocalModel, global *GlobalModel, logger golog.Logger) (*Estimator, error) {
	if local == nil || global == nil {
		return nil, errors.New("local and global models must be set before estimating undistortion")
	}
	if len(depthError) == 0 {
		return nil, errors.New("depth error function must be set before estimating undistortion")
	}
	return &Estimator{
		logger:          logger,
		depthError:      depthError,
		local:           local,
		global:          global,
		MinBinSamples:   10,
		MinPlaneInliers: 30,
	}, nil
}

// AddDepthData registers one frame's cloud together with the checkerboard
// plane expected in the depth frame. Only valid during the ingest phase.
func (e *Estimator) AddDepthData(id int, cloud *pointcloud.Cloud, boardPlane pointcloud.Plane) (*DepthData, error) {
	if e.phase != phaseIngest {
		return nil, errors.New("cannot add depth data after local model estimation has started")
	}
	dd := &DepthData{
		ID:         id,
		Cloud:      cloud,
		BoardPlane: boardPlane.FlipTowardViewpoint(r3.Vector{}),
		PlaneValid: true,
	}
	e.data = append(e.data, dd)
	return dd, nil
}

// Data returns the per-frame working sets in ingestion order.
func (e *Estimator) Data() []*DepthData {
	return e.data
}

// sampleGate is the largest measured-vs-expected depth discrepancy accepted
// as a sample of the target plane.
func (e *Estimator) sampleGate(z float64) float64 {
	return math.Max(0.02, 3*e.depthError.Evaluate(z))
}

// EstimateLocalModel gathers, for every pixel bin, all (measured depth,
// expected depth) pairs from frames with a valid plane and fits each bin's
// polynomial by independent least-squares regression. Bins with fewer than
// MinBinSamples samples stay unavailable. The per-bin regressions run over
// a bounded worker pool.
func (e *Estimator) EstimateLocalModel() error {
	if e.phase != phaseIngest {
		return errors.New("local model already estimated")
	}

	bins := e.local.Bins()
	raws := make([][]float64, bins)
	expected := make([][]float64, bins)
	for _, dd := range e.data {
		if !dd.PlaneValid {
			continue
		}
		cloud := dd.Cloud
		for v := 0; v < cloud.Height(); v++ {
			for u := 0; u < cloud.Width(); u++ {
				pt := cloud.At(u, v)
				if !pointcloud.IsFinite(pt) || pt.Z <= 0 {
					continue
				}
				hit, ok := dd.BoardPlane.IntersectRay(pt.Normalize())
				if !ok || math.Abs(pt.Z-hit.Z) > e.sampleGate(pt.Z) {
					continue
				}
				bx, by := e.local.BinOf(u, v)
				idx := e.local.BinIndex(bx, by)
				raws[idx] = append(raws[idx], pt.Z)
				expected[idx] = append(expected[idx], hit.Z)
			}
		}
	}

	// Each bin's regression is independent; results land in the bin's own
	// pre-sized slot.
	fitted := make([]Polynomial, bins)
	utils.ParallelFor(bins, func(i int) {
		if len(raws[i]) < e.MinBinSamples {
			return
		}
		poly, err := FitPolynomial(raws[i], expected[i], PolynomialDegree)
		if err != nil {
			return
		}
		fitted[i] = poly
	})

	available := 0
	for i, poly := range fitted {
		if poly != nil {
			e.local.SetPolynomialAt(i%e.local.Cols(), i/e.local.Cols(), poly)
			available++
		}
	}
	e.logger.Infof("local undistortion model estimated: %d/%d bins available", available, bins)
	e.phase = phaseLocalDone
	return nil
}

// EstimateLocalModelReverse re-fits every frame's target plane on its
// locally-undistorted cloud, replacing the old fit. Correcting depth moves
// the points, so inlier sets and plane parameters must be re-derived before
// anything downstream consumes them. Frames whose re-fit fails are marked
// invalid and excluded from all later steps.
func (e *Estimator) EstimateLocalModelReverse() error {
	if e.phase != phaseLocalDone {
		return errors.New("local model must be estimated before the reverse pass")
	}

	extracted := 0
	for _, dd := range e.data {
		if !dd.PlaneValid {
			continue
		}
		und := dd.Cloud.Clone()
		e.local.Undistort(und)
		dd.Undistorted = und

		fit, err := pointcloud.FitPlaneToCloud(und, dd.BoardPlane, e.sampleGate, 10, e.MinPlaneInliers)
		if err != nil {
			e.logger.Debugw("plane re-fit failed, dropping frame", "frame", dd.ID, "error", err)
			dd.PlaneExtracted = false
			dd.PlaneValid = false
			continue
		}
		dd.EstimatedPlane = fit
		dd.PlaneExtracted = true
		extracted++
	}
	e.logger.Infof("reverse pass complete: %d/%d planes re-extracted", extracted, len(e.data))
	e.phase = phaseReverseDone
	return nil
}

// EstimateGlobalModel fits the coarse residual-bias grid from the
// locally-undistorted samples of every surviving frame. Cells (0,0), (0,1)
// and (1,0) are regressed like local bins; the (1,1) cell is solved from
// them through the boundary-continuity system. Using the global model
// before the local model has been fit and the plane fits reversed is a
// contract violation.
func (e *Estimator) EstimateGlobalModel() error {
	if e.phase != phaseReverseDone {
		return errors.New("global model requires the local model and the reverse pass first")
	}

	scaleU := e.global.Width() / e.localCloudWidth()
	scaleV := e.global.Height() / e.localCloudHeight()
	if scaleU < 1 {
		scaleU = 1
	}
	if scaleV < 1 {
		scaleV = 1
	}

	var raws, expected [2][2][]float64
	for _, dd := range e.data {
		if !dd.PlaneExtracted {
			continue
		}
		cloud := dd.Undistorted
		for _, idx := range dd.EstimatedPlane.Inliers {
			pt := cloud.AtIndex(idx)
			if !pointcloud.IsFinite(pt) || pt.Z <= 0 {
				continue
			}
			hit, ok := dd.BoardPlane.IntersectRay(pt.Normalize())
			if !ok || math.Abs(pt.Z-hit.Z) > e.sampleGate(pt.Z) {
				continue
			}
			u, v := cloud.Pixel(idx)
			cy, cx := e.global.CellOf(u*scaleU, v*scaleV)
			if cy == 1 && cx == 1 {
				// Derived analytically, never fit.
				continue
			}
			raws[cy][cx] = append(raws[cy][cx], pt.Z)
			expected[cy][cx] = append(expected[cy][cx], hit.Z)
		}
	}

	for cy := 0; cy < 2; cy++ {
		for cx := 0; cx < 2; cx++ {
			if cy == 1 && cx == 1 {
				continue
			}
			poly, err := FitPolynomial(raws[cy][cx], expected[cy][cx], PolynomialDegree)
			if err != nil {
				e.logger.Warnw("global cell has too few samples, using identity", "cell_row", cy, "cell_col", cx, "samples", len(raws[cy][cx]))
				poly = Polynomial{0, 1, 0}
			}
			e.global.SetPolynomial(cy, cx, poly)
		}
	}
	if err := e.global.SolveContinuityCell(); err != nil {
		return err
	}
	e.logger.Info("global undistortion model estimated")
	e.phase = phaseGlobalDone
	return nil
}

func (e *Estimator) localCloudWidth() int {
	for _, dd := range e.data {
		if dd.Cloud != nil {
			return dd.Cloud.Width()
		}
	}
	return e.global.Width()
}

func (e *Estimator) localCloudHeight() int {
	for _, dd := range e.data {
		if dd.Cloud != nil {
			return dd.Cloud.Height()
		}
	}
	return e.global.Height()
}
