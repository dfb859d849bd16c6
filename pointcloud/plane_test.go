package pointcloud

import (
	"math"
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"

	"github.com/viam-labs/rgbd-calibration/spatialmath"
)

func TestPlaneDistance(t *testing.T) {
	plane := NewPlane(r3.Vector{Z: 2}, -4)
	test.That(t, plane.Normal().Norm(), test.ShouldAlmostEqual, 1)
	test.That(t, plane.Offset(), test.ShouldAlmostEqual, -2)
	test.That(t, plane.Distance(r3.Vector{Z: 5}), test.ShouldAlmostEqual, 3)
	test.That(t, plane.AbsDistance(r3.Vector{Z: 1}), test.ShouldAlmostEqual, 1)
}

func TestPlaneThroughPoints(t *testing.T) {
	p0 := r3.Vector{X: 1, Y: 0, Z: 2}
	p1 := r3.Vector{X: 0, Y: 1, Z: 2}
	p2 := r3.Vector{X: -1, Y: -1, Z: 2}
	plane := NewPlaneThroughPoints(p0, p1, p2)
	test.That(t, plane.AbsDistance(p0), test.ShouldAlmostEqual, 0, 1e-12)
	test.That(t, plane.AbsDistance(r3.Vector{X: 7, Y: -3, Z: 2}), test.ShouldAlmostEqual, 0, 1e-12)
	test.That(t, math.Abs(plane.Normal().Z), test.ShouldAlmostEqual, 1, 1e-12)
}

func TestIntersectRay(t *testing.T) {
	plane := NewPlane(r3.Vector{Z: 1}, -2)

	hit, ok := plane.IntersectRay(r3.Vector{Z: 1})
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, hit.Z, test.ShouldAlmostEqual, 2)

	hit, ok = plane.IntersectRay(r3.Vector{X: 0.1, Y: -0.2, Z: 1}.Normalize())
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, hit.Z, test.ShouldAlmostEqual, 2)
	test.That(t, hit.X, test.ShouldAlmostEqual, 0.2)

	// parallel ray
	_, ok = plane.IntersectRay(r3.Vector{X: 1})
	test.That(t, ok, test.ShouldBeFalse)

	// plane behind the origin
	behind := NewPlane(r3.Vector{Z: 1}, 2)
	_, ok = behind.IntersectRay(r3.Vector{Z: 1})
	test.That(t, ok, test.ShouldBeFalse)
}

func TestPlaneTransform(t *testing.T) {
	plane := NewPlane(r3.Vector{X: 1, Y: 2, Z: 3}, -0.7)
	pose := spatialmath.NewPoseFromAxisAngle(
		r3.Vector{X: 0.3, Y: -0.2, Z: 0.9},
		r3.Vector{X: 0.1, Y: -0.4, Z: 1.2},
	)
	moved := plane.Transform(pose)
	test.That(t, moved.Normal().Norm(), test.ShouldAlmostEqual, 1, 1e-12)

	// a point on the plane stays on the transformed plane
	onPlane := plane.Normal().Mul(-plane.Offset())
	test.That(t, plane.AbsDistance(onPlane), test.ShouldAlmostEqual, 0, 1e-12)
	test.That(t, moved.AbsDistance(pose.TransformPoint(onPlane)), test.ShouldAlmostEqual, 0, 1e-12)
}

func TestFlipTowardViewpoint(t *testing.T) {
	plane := NewPlane(r3.Vector{Z: 1}, -2)
	flipped := plane.FlipTowardViewpoint(r3.Vector{})
	test.That(t, flipped.Distance(r3.Vector{}), test.ShouldBeGreaterThan, 0)
	// flipping twice is stable
	again := flipped.FlipTowardViewpoint(r3.Vector{})
	test.That(t, again.Offset(), test.ShouldAlmostEqual, flipped.Offset())
}

func TestFitPlane(t *testing.T) {
	_, err := FitPlane([]r3.Vector{{X: 1}, {X: 2}})
	test.That(t, err, test.ShouldNotBeNil)

	truth := NewPlane(r3.Vector{X: 0.2, Y: -0.1, Z: 1}, -1.5)
	var points []r3.Vector
	for i := 0; i < 5; i++ {
		for j := 0; j < 5; j++ {
			dir := r3.Vector{X: 0.05 * float64(i-2), Y: 0.05 * float64(j-2), Z: 1}.Normalize()
			hit, ok := truth.IntersectRay(dir)
			test.That(t, ok, test.ShouldBeTrue)
			points = append(points, hit)
		}
	}
	fitted, err := FitPlane(points)
	test.That(t, err, test.ShouldBeNil)
	for _, pt := range points {
		test.That(t, fitted.AbsDistance(pt), test.ShouldAlmostEqual, 0, 1e-9)
	}
	test.That(t, fitted.Normal().Norm(), test.ShouldAlmostEqual, 1, 1e-12)
}

func TestFitPlaneToCloud(t *testing.T) {
	truth := NewPlane(r3.Vector{Z: 1}, -2).FlipTowardViewpoint(r3.Vector{})
	cloud := NewCloud(10, 10)
	for v := 0; v < 10; v++ {
		for u := 0; u < 10; u++ {
			dir := r3.Vector{X: 0.02 * float64(u-5), Y: 0.02 * float64(v-5), Z: 1}.Normalize()
			hit, ok := truth.IntersectRay(dir)
			test.That(t, ok, test.ShouldBeTrue)
			cloud.Set(u, v, hit)
		}
	}
	// a handful of outliers and gaps
	cloud.Set(0, 0, r3.Vector{X: 0.1, Y: 0.1, Z: 5})
	cloud.Set(1, 0, InvalidPoint)

	threshold := func(float64) float64 { return 0.05 }
	fit, err := FitPlaneToCloud(cloud, truth, threshold, 10, 30)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, fit.Plane.Normal().Norm(), test.ShouldAlmostEqual, 1, 1e-9)
	test.That(t, len(fit.Inliers), test.ShouldEqual, 98)
	test.That(t, fit.StdDev, test.ShouldAlmostEqual, 0, 1e-9)
	test.That(t, fit.Plane.Offset(), test.ShouldAlmostEqual, truth.Offset(), 1e-9)

	_, err = FitPlaneToCloud(cloud, truth, threshold, 10, 99)
	test.That(t, err, test.ShouldNotBeNil)
}
