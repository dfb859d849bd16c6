package calibration

import (
	"github.com/viam-labs/rgbd-calibration/spatialmath"
)

// ViewExtractor detects the checkerboard in frame records. Implementations
// live outside this package (corner detection and cloud segmentation are
// external); the calibration pipeline only drives them.
type ViewExtractor interface {
	// ExtractView runs full extraction on one record: checkerboard pose and
	// corner projections from the color image plus a plane fit from the
	// depth cloud. Returns nil when the board is not found.
	ExtractView(record *FrameRecord, board Checkerboard) (*CheckerboardView, error)
	// ExtractImageViews runs image-only extraction over every record,
	// returning one slot per input record. Slots without a detection are
	// nil; returned views carry no plane fit.
	ExtractImageViews(records []*FrameRecord, board Checkerboard) ([]*CheckerboardView, error)
}

// Publisher is a sink for calibration artifacts, for visualization or
// broadcast. Nothing it returns is consumed by the pipeline.
type Publisher interface {
	PublishPose(name string, pose spatialmath.Pose)
	PublishRecord(record *FrameRecord)
	PublishView(view *CheckerboardView)
}

// CheckerboardDistanceConstraint returns a predicate accepting views whose
// detected board center lies within maxDistance of the sensor origin. Far
// detections carry too much depth noise to seed the extrinsic estimate.
func CheckerboardDistanceConstraint(board Checkerboard, maxDistance float64) func(*CheckerboardView) bool {
	center := board.Center()
	return func(view *CheckerboardView) bool {
		if view == nil {
			return false
		}
		return view.BoardPose.TransformPoint(center).Norm() <= maxDistance
	}
}
