package calibration

import (
	"image"

	"github.com/golang/geo/r2"
	"github.com/pkg/errors"

	"github.com/viam-labs/rgbd-calibration/pointcloud"
	"github.com/viam-labs/rgbd-calibration/spatialmath"
)

// FrameRecord is one synchronized observation: a color image and the depth
// sensor's organized cloud, captured at the same instant. Records are
// immutable after creation.
type FrameRecord struct {
	ID    int
	Color image.Image
	Cloud *pointcloud.Cloud
}

// NewFrameRecord creates a record, downsampling the cloud by the given
// integer ratio (1 keeps full resolution).
func NewFrameRecord(id int, color image.Image, cloud *pointcloud.Cloud, downsampleRatio int) (*FrameRecord, error) {
	if cloud == nil {
		return nil, errors.New("frame record requires a depth cloud")
	}
	down, err := cloud.Downsample(downsampleRatio)
	if err != nil {
		return nil, err
	}
	return &FrameRecord{ID: id, Color: color, Cloud: down}, nil
}

// CheckerboardView is one frame's detection result: the checkerboard pose
// fitted in the color frame with its corner projections, and the board plane
// independently fitted in the depth frame. The plane fit is replaced during
// undistortion re-estimation; a view whose plane cannot be re-derived is
// discarded entirely.
type CheckerboardView struct {
	Record       *FrameRecord
	BoardPose    spatialmath.Pose
	ImageCorners []r2.Point
	PlaneFit     *pointcloud.PlaneFit
}

// HasPlane reports whether the view carries a depth-frame plane fit.
func (v *CheckerboardView) HasPlane() bool {
	return v != nil && v.PlaneFit != nil
}

// countViews returns the number of non-nil views in a slot-aligned slice.
func countViews(views []*CheckerboardView) int {
	n := 0
	for _, v := range views {
		if v != nil {
			n++
		}
	}
	return n
}
