// Package spatialmath provides the rigid-body math used by the calibration
// pipeline: unit-quaternion rotations and quaternion+translation poses.
package spatialmath

import (
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"
)

// Pose is a rigid transform, stored as a unit quaternion rotation plus a
// translation. Applying a Pose maps points from its child frame into its
// parent frame.
type Pose struct {
	rotation    quat.Number
	translation r3.Vector
}

// NewPose creates a pose from a rotation quaternion (normalized on entry)
// and a translation.
func NewPose(q quat.Number, t r3.Vector) Pose {
	return Pose{rotation: Normalize(q), translation: t}
}

// NewPoseIdentity returns the identity transform.
func NewPoseIdentity() Pose {
	return Pose{rotation: quat.Number{Real: 1}}
}

// NewPoseFromAxisAngle creates a pose from an R3 axis-angle rotation and a
// translation.
func NewPoseFromAxisAngle(aa, t r3.Vector) Pose {
	return Pose{rotation: QuatFromAxisAngle(aa), translation: t}
}

// NewPoseFromMatrix creates a pose from a 3x3 rotation matrix and a
// translation.
func NewPoseFromMatrix(rot mat.Matrix, t r3.Vector) Pose {
	return Pose{rotation: QuatFromRotationMatrix(rot), translation: t}
}

// Quaternion returns the rotation component.
func (p Pose) Quaternion() quat.Number {
	return p.rotation
}

// Translation returns the translation component.
func (p Pose) Translation() r3.Vector {
	return p.translation
}

// AxisAngle returns the rotation component in R3 axis-angle form.
func (p Pose) AxisAngle() r3.Vector {
	return AxisAngleFromQuat(p.rotation)
}

// TransformPoint maps a point from the pose's child frame to its parent
// frame, R*v + t.
func (p Pose) TransformPoint(v r3.Vector) r3.Vector {
	return RotateVec(p.rotation, v).Add(p.translation)
}

// Compose returns the pose a∘b, applying b first and then a.
func Compose(a, b Pose) Pose {
	return Pose{
		rotation:    Normalize(quat.Mul(a.rotation, b.rotation)),
		translation: RotateVec(a.rotation, b.translation).Add(a.translation),
	}
}

// Invert returns the inverse transform.
func (p Pose) Invert() Pose {
	inv := quat.Conj(p.rotation)
	return Pose{rotation: inv, translation: RotateVec(inv, p.translation.Mul(-1))}
}

// OrientationBetween returns the rotation angle in radians between the
// orientations of two poses.
func OrientationBetween(a, b Pose) float64 {
	d := Normalize(quat.Mul(quat.Conj(a.rotation), b.rotation))
	w := math.Abs(d.Real)
	if w > 1 {
		w = 1
	}
	return 2 * math.Acos(w)
}
