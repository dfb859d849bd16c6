package pointcloud

import (
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/viam-labs/rgbd-calibration/spatialmath"
)

// Plane is the plane n·x + d = 0 with n a unit normal.
type Plane struct {
	normal r3.Vector
	offset float64
}

// NewPlane creates a plane from a normal and offset, normalizing the normal
// (and rescaling the offset to match).
func NewPlane(normal r3.Vector, offset float64) Plane {
	norm := normal.Norm()
	if norm == 0 {
		return Plane{normal: r3.Vector{Z: 1}, offset: offset}
	}
	return Plane{normal: normal.Mul(1 / norm), offset: offset / norm}
}

// NewPlaneThroughPoints builds the plane containing the three given points.
func NewPlaneThroughPoints(p0, p1, p2 r3.Vector) Plane {
	n := p1.Sub(p0).Cross(p2.Sub(p0))
	return NewPlane(n, -n.Dot(p0))
}

// Normal returns the unit normal.
func (p Plane) Normal() r3.Vector { return p.normal }

// Offset returns the plane offset d in n·x + d = 0.
func (p Plane) Offset() float64 { return p.offset }

// Distance returns the signed distance from a point to the plane.
func (p Plane) Distance(pt r3.Vector) float64 {
	return p.normal.Dot(pt) + p.offset
}

// AbsDistance returns the unsigned distance from a point to the plane.
func (p Plane) AbsDistance(pt r3.Vector) float64 {
	return math.Abs(p.Distance(pt))
}

// IntersectRay intersects the ray t*dir (t > 0, origin at the sensor) with
// the plane. The second return is false when the ray is parallel to the
// plane or the hit is behind the origin.
func (p Plane) IntersectRay(dir r3.Vector) (r3.Vector, bool) {
	denom := p.normal.Dot(dir)
	if math.Abs(denom) < 1e-12 {
		return r3.Vector{}, false
	}
	t := -p.offset / denom
	if t <= 0 {
		return r3.Vector{}, false
	}
	return dir.Mul(t), true
}

// Transform maps the plane through a rigid pose: points satisfying the input
// equation in the child frame satisfy the returned equation in the parent
// frame.
func (p Plane) Transform(pose spatialmath.Pose) Plane {
	n := spatialmath.RotateVec(pose.Quaternion(), p.normal)
	return Plane{normal: n, offset: p.offset - n.Dot(pose.Translation())}
}

// FlipTowardViewpoint flips the plane's orientation so its normal points
// toward the given viewpoint, giving detections from different sensors a
// consistent sign.
func (p Plane) FlipTowardViewpoint(viewpoint r3.Vector) Plane {
	if p.Distance(viewpoint) < 0 {
		return Plane{normal: p.normal.Mul(-1), offset: -p.offset}
	}
	return p
}

// FitPlane least-squares fits a plane to at least three points, using the
// smallest principal component of the centered point matrix.
func FitPlane(points []r3.Vector) (Plane, error) {
	if len(points) < 3 {
		return Plane{}, errors.Errorf("need at least 3 points to fit a plane, got %d", len(points))
	}
	var centroid r3.Vector
	for _, pt := range points {
		centroid = centroid.Add(pt)
	}
	centroid = centroid.Mul(1 / float64(len(points)))

	centered := mat.NewDense(len(points), 3, nil)
	for i, pt := range points {
		centered.Set(i, 0, pt.X-centroid.X)
		centered.Set(i, 1, pt.Y-centroid.Y)
		centered.Set(i, 2, pt.Z-centroid.Z)
	}
	var svd mat.SVD
	if ok := svd.Factorize(centered, mat.SVDThin); !ok {
		return Plane{}, errors.New("failed to factorize point matrix")
	}
	var v mat.Dense
	svd.VTo(&v)
	normal := r3.Vector{X: v.At(0, 2), Y: v.At(1, 2), Z: v.At(2, 2)}
	if normal.Norm() == 0 {
		return Plane{}, errors.New("degenerate point set, cannot fit plane")
	}
	return NewPlane(normal, -normal.Dot(centroid)), nil
}

// PlaneFit is a fitted plane together with the cloud indices that support it
// and the standard deviation of their point-to-plane distances.
type PlaneFit struct {
	Plane   Plane
	Inliers []int
	StdDev  float64
}

// FitPlaneToCloud iteratively fits a plane to the finite points of an
// organized cloud: points within threshold(z) of the seed plane are taken as
// inliers, a plane is least-squares fitted to them, and the inlier set is
// reselected against the new plane until it stabilizes or maxIterations is
// reached. Fails when fewer than minInliers support the fit.
func FitPlaneToCloud(
	cloud *Cloud,
	seed Plane,
	threshold func(z float64) float64,
	maxIterations, minInliers int,
) (*PlaneFit, error) {
	current := seed
	var inliers []int
	for iter := 0; iter < maxIterations; iter++ {
		next := selectInliers(cloud, current, threshold)
		if len(next) < minInliers {
			return nil, errors.Errorf("plane fit has %d inliers, need at least %d", len(next), minInliers)
		}
		pts := make([]r3.Vector, len(next))
		for i, idx := range next {
			pts[i] = cloud.AtIndex(idx)
		}
		fitted, err := FitPlane(pts)
		if err != nil {
			return nil, err
		}
		current = fitted.FlipTowardViewpoint(r3.Vector{})
		if equalIndices(inliers, next) {
			inliers = next
			break
		}
		inliers = next
	}
	distances := make([]float64, len(inliers))
	for i, idx := range inliers {
		distances[i] = current.Distance(cloud.AtIndex(idx))
	}
	return &PlaneFit{
		Plane:   current,
		Inliers: inliers,
		StdDev:  stat.StdDev(distances, nil),
	}, nil
}

func selectInliers(cloud *Cloud, plane Plane, threshold func(z float64) float64) []int {
	var inliers []int
	for i := 0; i < cloud.Size(); i++ {
		pt := cloud.AtIndex(i)
		if !IsFinite(pt) {
			continue
		}
		if plane.AbsDistance(pt) <= threshold(pt.Z) {
			inliers = append(inliers, i)
		}
	}
	return inliers
}

func equalIndices(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
