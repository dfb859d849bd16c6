package spatialmath

import (
	"math"
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"
	"gonum.org/v1/gonum/num/quat"
)

func TestRotateVec(t *testing.T) {
	// 90 degrees about Z maps X to Y
	q := QuatFromAxisAngle(r3.Vector{Z: math.Pi / 2})
	rotated := RotateVec(q, r3.Vector{X: 1})
	test.That(t, rotated.X, test.ShouldAlmostEqual, 0, 1e-12)
	test.That(t, rotated.Y, test.ShouldAlmostEqual, 1, 1e-12)
	test.That(t, rotated.Z, test.ShouldAlmostEqual, 0, 1e-12)
}

func TestAxisAngleRoundTrip(t *testing.T) {
	for _, aa := range []r3.Vector{
		{X: 0.1},
		{Y: -2.5},
		{X: 0.3, Y: -0.2, Z: 0.9},
		{X: 1e-14},
		{},
	} {
		back := AxisAngleFromQuat(QuatFromAxisAngle(aa))
		test.That(t, back.X, test.ShouldAlmostEqual, aa.X, 1e-9)
		test.That(t, back.Y, test.ShouldAlmostEqual, aa.Y, 1e-9)
		test.That(t, back.Z, test.ShouldAlmostEqual, aa.Z, 1e-9)
	}
}

func TestRotationMatrixRoundTrip(t *testing.T) {
	q := QuatFromAxisAngle(r3.Vector{X: 0.4, Y: 0.1, Z: -1.2})
	back := QuatFromRotationMatrix(QuatToRotationMatrix(q))
	// same rotation up to sign
	if back.Real*q.Real < 0 {
		back = quat.Scale(-1, back)
	}
	test.That(t, back.Real, test.ShouldAlmostEqual, q.Real, 1e-12)
	test.That(t, back.Imag, test.ShouldAlmostEqual, q.Imag, 1e-12)
	test.That(t, back.Jmag, test.ShouldAlmostEqual, q.Jmag, 1e-12)
	test.That(t, back.Kmag, test.ShouldAlmostEqual, q.Kmag, 1e-12)
}

func TestPoseComposeInvert(t *testing.T) {
	a := NewPoseFromAxisAngle(r3.Vector{X: 0.2, Z: 0.7}, r3.Vector{X: 1, Y: -2, Z: 0.5})
	b := NewPoseFromAxisAngle(r3.Vector{Y: -0.4}, r3.Vector{Z: 3})
	pt := r3.Vector{X: 0.3, Y: 0.1, Z: 2}

	// composition applies b first
	composed := Compose(a, b).TransformPoint(pt)
	sequential := a.TransformPoint(b.TransformPoint(pt))
	test.That(t, composed.X, test.ShouldAlmostEqual, sequential.X, 1e-12)
	test.That(t, composed.Y, test.ShouldAlmostEqual, sequential.Y, 1e-12)
	test.That(t, composed.Z, test.ShouldAlmostEqual, sequential.Z, 1e-12)

	// a^-1 a is the identity
	roundTrip := a.Invert().TransformPoint(a.TransformPoint(pt))
	test.That(t, roundTrip.X, test.ShouldAlmostEqual, pt.X, 1e-12)
	test.That(t, roundTrip.Y, test.ShouldAlmostEqual, pt.Y, 1e-12)
	test.That(t, roundTrip.Z, test.ShouldAlmostEqual, pt.Z, 1e-12)
}

func TestPoseFromMatrix(t *testing.T) {
	orig := NewPoseFromAxisAngle(r3.Vector{X: -0.3, Y: 0.8}, r3.Vector{X: 0.1})
	rebuilt := NewPoseFromMatrix(QuatToRotationMatrix(orig.Quaternion()), orig.Translation())
	pt := r3.Vector{X: 1, Y: 2, Z: 3}
	a := orig.TransformPoint(pt)
	b := rebuilt.TransformPoint(pt)
	test.That(t, a.X, test.ShouldAlmostEqual, b.X, 1e-12)
	test.That(t, a.Y, test.ShouldAlmostEqual, b.Y, 1e-12)
	test.That(t, a.Z, test.ShouldAlmostEqual, b.Z, 1e-12)
}

func TestOrientationBetween(t *testing.T) {
	a := NewPoseFromAxisAngle(r3.Vector{Z: 0.5}, r3.Vector{})
	b := NewPoseFromAxisAngle(r3.Vector{Z: 0.8}, r3.Vector{X: 10})
	test.That(t, OrientationBetween(a, b), test.ShouldAlmostEqual, 0.3, 1e-9)
	test.That(t, OrientationBetween(a, a), test.ShouldAlmostEqual, 0, 1e-9)
}
